package backlog

import (
	"context"
	"time"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses            []Status
	Domain              string
	OwnerID             string
	SuggestedOwnerClass string
	// ClaimableAt, when set, keeps only tasks claimable at that instant.
	ClaimableAt time.Time
	Limit       int
}

func (f Filter) matchStatus(s Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, want := range f.Statuses {
		if s == want {
			return true
		}
	}
	return false
}

// Matches applies every criterion of the filter to one task.
func (f Filter) Matches(t *Task) bool {
	if !f.matchStatus(t.Status) {
		return false
	}
	if f.Domain != "" && t.Domain != f.Domain {
		return false
	}
	if f.OwnerID != "" && (t.Assignment == nil || t.Assignment.OwnerID != f.OwnerID) {
		return false
	}
	if f.SuggestedOwnerClass != "" && t.SuggestedOwnerClass != f.SuggestedOwnerClass {
		return false
	}
	if !f.ClaimableAt.IsZero() && !t.ClaimableAt(f.ClaimableAt) {
		return false
	}
	return true
}

// Repository is the backlog store. FindAndModify is the one load-bearing
// primitive: everything that mutates a task goes through it, and it is
// atomic per document — of two racing writers whose predicates both depend
// on the version they last observed, at most one succeeds.
//
// No caller may hold an in-process lock across a Repository call.
type Repository interface {
	// Insert adds a new task. It fails with AlreadyExists when the key or
	// the content hash is already present. Tasks are never deleted.
	Insert(ctx context.Context, t *Task) error
	Get(ctx context.Context, key string) (*Task, error)
	// List returns matching tasks ordered by priority rank descending, then
	// creation time ascending. No ordering guarantee holds across separate
	// calls.
	List(ctx context.Context, f Filter) ([]*Task, error)
	// FindByContentHash returns the task carrying the dedup fingerprint, or
	// NotFound. Closed tasks are included: they stay queryable for dedup.
	FindByContentHash(ctx context.Context, hash string) (*Task, error)
	// NextKey allocates the next human-meaningful key for a domain,
	// e.g. FM-00043.
	NextKey(ctx context.Context, domain string) (string, error)
	// FindAndModify loads the document fresh, checks the predicate, applies
	// the mutation, bumps the version and persists — serialized per key.
	// A predicate error aborts without writing and is returned unchanged.
	FindAndModify(ctx context.Context, key string, pred func(*Task) error, mutate func(*Task) error) (*Task, error)
}
