package dedup

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fixzit/claimd/pkg/cerr"
)

// Server exposes createOrMergeTask.
type Server struct {
	engine *Engine
}

func NewServer(engine *Engine) *Server {
	return &Server{engine: engine}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Post("/tasks", s.handleCreate)
}

func (s *Server) handleCreate(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var draft Draft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid task draft", err)
		return
	}
	res, err := s.engine.CreateOrMerge(ctx, &draft)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, res)
}
