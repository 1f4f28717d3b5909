package handoff

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fixzit/claimd/pkg/cerr"
)

// Server exposes the handoff operation.
type Server struct {
	coord *Coordinator
}

func NewServer(coord *Coordinator) *Server {
	return &Server{coord: coord}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Post("/tasks/{key}/handoff", s.handleHandoff)
}

type handoffRequest struct {
	ClaimToken          string `json:"claim_token"`
	Reason              string `json:"reason"`
	SuggestedOwnerClass string `json:"suggested_owner_class,omitempty"`
}

func (s *Server) handleHandoff(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req handoffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid handoff request", err)
		return
	}
	t, err := s.coord.Handoff(ctx, chi.URLParam(r, "key"), req.ClaimToken, req.Reason, req.SuggestedOwnerClass)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}
