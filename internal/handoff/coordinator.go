package handoff

import (
	"context"
	"time"

	"github.com/fixzit/claimd/internal/backlog"
	"github.com/fixzit/claimd/internal/eventbus"
	"github.com/fixzit/claimd/pkg/cerr"
)

// Coordinator releases ownership while preserving the audit trail and an
// optional recommended successor class. A handed-off task re-enters the
// claimable pool; the suggestion is advisory, never enforced.
type Coordinator struct {
	repo  backlog.Repository
	bus   *eventbus.Bus
	clock func() time.Time
}

func NewCoordinator(repo backlog.Repository, bus *eventbus.Bus) *Coordinator {
	return &Coordinator{repo: repo, bus: bus, clock: time.Now}
}

func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Handoff moves a held task to handoff_pending, clears the lease and
// records who gave it up, why, and which class should pick it up next.
func (c *Coordinator) Handoff(ctx context.Context, key, claimToken, reason, suggestedOwnerClass string) (*backlog.Task, error) {
	if reason == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "handoff requires a reason", nil)
	}
	now := c.clock().UTC()
	var owner string

	handed, err := c.repo.FindAndModify(ctx, key,
		func(cur *backlog.Task) error {
			if cur.Assignment == nil || cur.Assignment.ClaimToken != claimToken {
				return cerr.NewVersionMismatch(cur.Key, 0, cur.Version)
			}
			return nil
		},
		func(cur *backlog.Task) error {
			owner = cur.Assignment.OwnerID
			cur.Status = backlog.StatusHandoffPending
			cur.Assignment = nil
			if suggestedOwnerClass != "" {
				cur.SuggestedOwnerClass = suggestedOwnerClass
			}
			cur.AppendHistory(backlog.HandoffEntry{
				From:      owner,
				To:        suggestedOwnerClass,
				Reason:    reason,
				Action:    backlog.ActionHandoff,
				Timestamp: now,
			})
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	c.bus.PublishNew(eventbus.EventTaskHandedOff, handed.Key, owner, map[string]string{
		"suggested_owner_class": suggestedOwnerClass,
		"reason":                reason,
	})
	return handed, nil
}
