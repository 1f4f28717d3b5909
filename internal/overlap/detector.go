package overlap

import (
	"context"
	"time"

	"github.com/fixzit/claimd/internal/backlog"
)

// Match is one competing task whose lease covers paths intersecting the
// candidate set.
type Match struct {
	TaskKey string   `json:"task_key"`
	OwnerID string   `json:"owner_id"`
	Paths   []string `json:"paths"`
	// Exact is true when at least one intersecting pair is identical rather
	// than a partial/prefix intersection. Exact overlap always blocks.
	Exact bool `json:"exact"`
}

// Detector is the read-side overlap check consulted before claims and scope
// expansions. It never mutates anything.
type Detector struct {
	repo  backlog.Repository
	clock func() time.Time
}

func NewDetector(repo backlog.Repository) *Detector {
	return &Detector{repo: repo, clock: time.Now}
}

// WithClock substitutes the time source, for tests.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Intersect returns the tasks holding unexpired leases whose resource paths
// intersect the candidate set. The task excludeKey and any task held by
// excludeOwner are skipped, so a worker never competes with itself.
func (d *Detector) Intersect(ctx context.Context, paths []string, excludeKey, excludeOwner string) ([]Match, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	now := d.clock()
	held, err := d.repo.List(ctx, backlog.Filter{
		Statuses: []backlog.Status{backlog.StatusClaimed, backlog.StatusInProgress},
	})
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, t := range held {
		if t.Key == excludeKey {
			continue
		}
		if t.Assignment.Expired(now) {
			continue
		}
		if excludeOwner != "" && t.Assignment.OwnerID == excludeOwner {
			continue
		}
		var hit []string
		exact := false
		for _, theirs := range t.ResourcePaths {
			for _, ours := range paths {
				if !PathsOverlap(ours, theirs) {
					continue
				}
				hit = append(hit, theirs)
				if ours == theirs {
					exact = true
				}
				break
			}
		}
		if len(hit) > 0 {
			matches = append(matches, Match{
				TaskKey: t.Key,
				OwnerID: t.Assignment.OwnerID,
				Paths:   hit,
				Exact:   exact,
			})
		}
	}
	return matches, nil
}

// Keys extracts the competing task keys from a match set.
func Keys(matches []Match) []string {
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		keys = append(keys, m.TaskKey)
	}
	return keys
}

// AnyExact reports whether any match contains an identical-path intersection.
func AnyExact(matches []Match) bool {
	for _, m := range matches {
		if m.Exact {
			return true
		}
	}
	return false
}
