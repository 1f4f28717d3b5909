package claim

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fixzit/claimd/internal/backlog"
	"github.com/fixzit/claimd/pkg/cerr"
)

// Server exposes the claim protocol operations.
type Server struct {
	mgr *Manager
}

func NewServer(mgr *Manager) *Server {
	return &Server{mgr: mgr}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Post("/tasks/{key}/claim", s.handleClaim)
	r.Post("/tasks/{key}/renew", s.handleRenew)
	r.Post("/tasks/{key}/release", s.handleRelease)
	r.Post("/tasks/{key}/transition", s.handleTransition)
	r.Post("/tasks/{key}/override", s.handleOverride)
}

func (s *Server) handleClaim(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid claim request", err)
		return
	}
	req.Key = chi.URLParam(r, "key")
	grant, err := s.mgr.Claim(ctx, &req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, grant)
}

type renewRequest struct {
	ClaimToken      string `json:"claim_token"`
	ExtendBySeconds int    `json:"extend_by_seconds,omitempty"`
}

func (s *Server) handleRenew(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid renew request", err)
		return
	}
	t, err := s.mgr.Renew(ctx, chi.URLParam(r, "key"), req.ClaimToken, time.Duration(req.ExtendBySeconds)*time.Second)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

type releaseRequest struct {
	ClaimToken string `json:"claim_token"`
}

func (s *Server) handleRelease(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid release request", err)
		return
	}
	t, err := s.mgr.Release(ctx, chi.URLParam(r, "key"), req.ClaimToken)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (s *Server) handleTransition(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req TransitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid transition request", err)
		return
	}
	req.Key = chi.URLParam(r, "key")
	t, err := s.mgr.Transition(ctx, &req)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

type overrideRequest struct {
	Actor     string         `json:"actor"`
	Reason    string         `json:"reason"`
	NewStatus backlog.Status `json:"new_status"`
}

// handleOverride is the privileged recovery path. The API key already
// authenticated the caller as an operator; actor and reason are still
// mandatory so the bypass is never silent.
func (s *Server) handleOverride(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req overrideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid override request", err)
		return
	}
	t, err := s.mgr.Override(ctx, chi.URLParam(r, "key"), req.Actor, req.Reason, req.NewStatus)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}
