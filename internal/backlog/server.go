package backlog

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fixzit/claimd/pkg/cerr"
)

// Server exposes the read side of the backlog.
type Server struct {
	repo  Repository
	clock func() time.Time
}

func NewServer(repo Repository) *Server {
	return &Server{repo: repo, clock: time.Now}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/tasks", s.handleList)
	r.Get("/tasks/{key}", s.handleGet)
}

type listResponse struct {
	Tasks []*Task `json:"tasks"`
}

// handleList serves findClaimableTasks: claimable-only by default, ordered
// by priority desc then age. ?all=true lifts the claimable filter for
// operator inspection.
func (s *Server) handleList(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	f := Filter{
		Domain:              q.Get("domain"),
		SuggestedOwnerClass: q.Get("owner_class"),
	}
	if q.Get("all") != "true" {
		f.ClaimableAt = s.clock().UTC()
	}
	if status := q.Get("status"); status != "" {
		f.Statuses = []Status{Status(status)}
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid limit", err)
			return
		}
		f.Limit = n
	}

	tasks, err := s.repo.List(ctx, f)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, listResponse{Tasks: tasks})
}

func (s *Server) handleGet(rw http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.repo.Get(ctx, chi.URLParam(r, "key"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}
