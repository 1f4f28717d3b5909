package scope

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fixzit/claimd/pkg/cerr"
)

// Server exposes scope expansion and delegation.
type Server struct {
	engine *Engine
}

func NewServer(engine *Engine) *Server {
	return &Server{engine: engine}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Post("/tasks/{key}/widen", s.handleWiden)
	r.Post("/tasks/{key}/delegate", s.handleDelegate)
}

type widenRequest struct {
	ClaimToken string   `json:"claim_token"`
	ExtraPaths []string `json:"extra_paths"`
}

func (s *Server) handleWiden(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req widenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid widen request", err)
		return
	}
	result, err := s.engine.Widen(ctx, chi.URLParam(r, "key"), req.ClaimToken, req.ExtraPaths)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, result)
}

func (s *Server) handleDelegate(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req DelegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid delegate request", err)
		return
	}
	req.Key = chi.URLParam(r, "key")
	result, err := s.engine.Delegate(ctx, &req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, result)
}
