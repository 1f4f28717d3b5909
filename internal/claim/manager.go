package claim

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/fixzit/claimd/internal/backlog"
	"github.com/fixzit/claimd/internal/eventbus"
	"github.com/fixzit/claimd/internal/overlap"
	"github.com/fixzit/claimd/pkg/cerr"
)

// Policy tunes the claim protocol.
type Policy struct {
	DefaultLease       time.Duration
	MaxLease           time.Duration
	MaxClaimsPerOwner  int
	ClaimAttempts      int
	OverlapWarnOnly    bool
	StalenessThreshold time.Duration
}

// DefaultPolicy reflects the coordination contract defaults.
func DefaultPolicy() Policy {
	return Policy{
		DefaultLease:      60 * time.Minute,
		MaxLease:          4 * time.Hour,
		MaxClaimsPerOwner: 3,
		ClaimAttempts:     3,
	}
}

// Request asks for an exclusive lease on one task.
type Request struct {
	Key        string   `json:"key"`
	OwnerID    string   `json:"owner_id"`
	OwnerClass string   `json:"owner_class"`
	Paths      []string `json:"paths,omitempty"`
	// LeaseSeconds overrides the default lease duration, capped by policy.
	LeaseSeconds int `json:"lease_seconds,omitempty"`
	// ExpectedVersion guards the first attempt; retries always re-read.
	ExpectedVersion int64 `json:"expected_version,omitempty"`
	// ObservedAt is when the caller last refreshed its view, for the
	// optional freshness check.
	ObservedAt time.Time `json:"observed_at,omitempty"`
}

// Grant is a successful claim. Warnings carry advisory partial overlaps when
// policy allows claiming through them.
type Grant struct {
	Task     *backlog.Task   `json:"task"`
	Warnings []overlap.Match `json:"warnings,omitempty"`
}

// Manager runs the claim protocol. It keeps no state of its own beyond
// configuration: every decision is made against freshly read store state and
// enforced by the store's single-document compare-and-swap.
type Manager struct {
	repo     backlog.Repository
	detector *overlap.Detector
	bus      *eventbus.Bus
	policy   Policy
	clock    func() time.Time
}

func NewManager(repo backlog.Repository, detector *overlap.Detector, bus *eventbus.Bus, policy Policy) *Manager {
	if policy.ClaimAttempts <= 0 {
		policy.ClaimAttempts = 3
	}
	if policy.DefaultLease <= 0 {
		policy.DefaultLease = 60 * time.Minute
	}
	if policy.MaxClaimsPerOwner <= 0 {
		policy.MaxClaimsPerOwner = 3
	}
	return &Manager{
		repo:     repo,
		detector: detector,
		bus:      bus,
		policy:   policy,
		clock:    time.Now,
	}
}

func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Claim runs the multi-phase protocol: freshness, ownership, overlap,
// capacity, then the atomic compare-and-swap. A VERSION_MISMATCH from the
// store restarts from the ownership phase with fresh state, up to the
// bounded attempt budget with jittered exponential backoff. Every other
// refusal is terminal and caller-actionable.
func (m *Manager) Claim(ctx context.Context, req *Request) (*Grant, error) {
	if req.Key == "" || req.OwnerID == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "key and owner_id are required", nil)
	}

	// Phase 1: freshness (optional policy).
	if m.policy.StalenessThreshold > 0 && !req.ObservedAt.IsZero() {
		if age := m.clock().Sub(req.ObservedAt); age > m.policy.StalenessThreshold {
			return nil, cerr.NewStaleView(int64(age.Seconds()))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	expected := req.ExpectedVersion
	var lastErr error
	for attempt := 0; attempt < m.policy.ClaimAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, cerr.NewError(cerr.Canceled, "claim cancelled", ctx.Err())
			case <-time.After(bo.NextBackOff()):
			}
			// A stale caller-supplied version only gets one shot; retries
			// guard on whatever version the fresh read observes.
			expected = 0
		}

		grant, err := m.tryClaim(ctx, req, expected)
		if err == nil {
			return grant, nil
		}
		lastErr = err
		if !cerr.HasReason(err, cerr.ReasonVersionMismatch) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (m *Manager) tryClaim(ctx context.Context, req *Request, expected int64) (*Grant, error) {
	t, err := m.repo.Get(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	now := m.clock().UTC()

	// A caller-supplied expected version that no longer matches is stale by
	// definition; surface it before ownership so the retry re-reads.
	if expected > 0 && t.Version != expected {
		return nil, cerr.NewVersionMismatch(t.Key, expected, t.Version)
	}

	// Phase 2: existence/ownership.
	if t.Status.Active() && !t.Assignment.Expired(now) {
		if t.Assignment.OwnerID == req.OwnerID {
			// Idempotent re-claim of a lease the caller already holds.
			return &Grant{Task: t}, nil
		}
		return nil, cerr.NewConflict(t.Key, t.Assignment.OwnerID)
	}
	if !t.ClaimableAt(now) {
		return nil, cerr.NewNotClaimable(t.Key, string(t.Status))
	}

	// Phase 3: overlap against every other unexpired claim.
	paths := req.Paths
	if len(paths) == 0 {
		paths = t.ResourcePaths
	}
	matches, err := m.detector.Intersect(ctx, paths, t.Key, req.OwnerID)
	if err != nil {
		return nil, err
	}
	var warnings []overlap.Match
	if len(matches) > 0 {
		if overlap.AnyExact(matches) || !m.policy.OverlapWarnOnly {
			return nil, cerr.NewRefusedOverlap(t.Key, overlap.Keys(matches))
		}
		warnings = matches
	}

	// Phase 4: capacity.
	heldCount, err := m.activeClaims(ctx, req.OwnerID, now)
	if err != nil {
		return nil, err
	}
	if heldCount >= m.policy.MaxClaimsPerOwner {
		return nil, cerr.NewCapacityExceeded(req.OwnerID, heldCount)
	}

	// Phase 5: the atomic claim.
	if expected == 0 {
		expected = t.Version
	}
	lease := m.leaseDuration(req.LeaseSeconds)
	token := ulid.Make().String()

	claimed, err := m.repo.FindAndModify(ctx, req.Key,
		func(cur *backlog.Task) error {
			if cur.Version != expected {
				return cerr.NewVersionMismatch(cur.Key, expected, cur.Version)
			}
			if !cur.ClaimableAt(now) {
				if cur.Status.Active() && !cur.Assignment.Expired(now) {
					return cerr.NewConflict(cur.Key, cur.Assignment.OwnerID)
				}
				return cerr.NewNotClaimable(cur.Key, string(cur.Status))
			}
			return nil
		},
		func(cur *backlog.Task) error {
			var from string
			if cur.Assignment != nil {
				from = cur.Assignment.OwnerID
			}
			cur.Status = backlog.StatusClaimed
			cur.Assignment = &backlog.Assignment{
				OwnerID:        req.OwnerID,
				OwnerClass:     req.OwnerClass,
				ClaimedAt:      now,
				LeaseExpiresAt: now.Add(lease),
				ClaimToken:     token,
			}
			// req.Paths narrows the overlap check only; the task's resource
			// paths change through scope widening, never through a claim.
			cur.AppendHistory(backlog.HandoffEntry{
				From:      from,
				To:        req.OwnerID,
				Action:    backlog.ActionClaimed,
				Timestamp: now,
			})
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	m.bus.PublishNew(eventbus.EventTaskClaimed, claimed.Key, req.OwnerID, map[string]string{
		"owner_class": req.OwnerClass,
		"lease":       lease.String(),
	})
	return &Grant{Task: claimed, Warnings: warnings}, nil
}

// Renew extends a held lease. It races lease expiry: whichever write the
// store accepts first wins, so a renew that arrives after the monitor's
// reclaim fails rather than resurrecting the lease.
func (m *Manager) Renew(ctx context.Context, key, claimToken string, extendBy time.Duration) (*backlog.Task, error) {
	if extendBy <= 0 {
		extendBy = m.policy.DefaultLease
	}
	if m.policy.MaxLease > 0 && extendBy > m.policy.MaxLease {
		extendBy = m.policy.MaxLease
	}
	now := m.clock().UTC()

	renewed, err := m.repo.FindAndModify(ctx, key,
		func(cur *backlog.Task) error {
			if cur.Assignment == nil || cur.Assignment.ClaimToken != claimToken {
				return cerr.NewVersionMismatch(cur.Key, 0, cur.Version)
			}
			if cur.Assignment.Expired(now) {
				return cerr.NewLeaseExpired(cur.Key)
			}
			return nil
		},
		func(cur *backlog.Task) error {
			cur.Assignment.LeaseExpiresAt = now.Add(extendBy)
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	m.bus.PublishNew(eventbus.EventLeaseRenewed, renewed.Key, renewed.Assignment.OwnerID, map[string]string{
		"lease_expires_at": renewed.Assignment.LeaseExpiresAt.Format(time.RFC3339),
	})
	return renewed, nil
}

// Release gives up a held lease and returns the task to the open pool.
func (m *Manager) Release(ctx context.Context, key, claimToken string) (*backlog.Task, error) {
	now := m.clock().UTC()
	var owner string

	released, err := m.repo.FindAndModify(ctx, key,
		func(cur *backlog.Task) error {
			if cur.Assignment == nil || cur.Assignment.ClaimToken != claimToken {
				return cerr.NewVersionMismatch(cur.Key, 0, cur.Version)
			}
			return nil
		},
		func(cur *backlog.Task) error {
			owner = cur.Assignment.OwnerID
			cur.Status = backlog.StatusOpen
			cur.Assignment = nil
			cur.AppendHistory(backlog.HandoffEntry{
				From:      owner,
				Action:    backlog.ActionReleased,
				Timestamp: now,
			})
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	m.bus.PublishNew(eventbus.EventTaskReleased, released.Key, owner, nil)
	return released, nil
}

// TransitionRequest moves a task to a new status under the claim token
// guard. When the task holds no live lease (e.g. open → triaged), an
// expected version must substitute for the token.
type TransitionRequest struct {
	Key             string         `json:"key"`
	ClaimToken      string         `json:"claim_token,omitempty"`
	ExpectedVersion int64          `json:"expected_version,omitempty"`
	NewStatus       backlog.Status `json:"new_status"`
	Summary         string         `json:"summary,omitempty"`
	Reason          string         `json:"reason,omitempty"`
}

func (m *Manager) Transition(ctx context.Context, req *TransitionRequest) (*backlog.Task, error) {
	if !req.NewStatus.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown status %q", req.NewStatus), nil)
	}
	now := m.clock().UTC()
	var owner string

	moved, err := m.repo.FindAndModify(ctx, req.Key,
		func(cur *backlog.Task) error {
			if cur.Assignment != nil && !cur.Assignment.Expired(now) {
				if cur.Assignment.ClaimToken != req.ClaimToken {
					return cerr.NewVersionMismatch(cur.Key, req.ExpectedVersion, cur.Version)
				}
				return nil
			}
			// No live lease: the expected version is the only guard left, so
			// it is mandatory. Unconditional writes go through Override.
			if req.ExpectedVersion <= 0 {
				return cerr.NewError(cerr.InvalidArgument, "transition requires claim_token or expected_version", nil)
			}
			if cur.Version != req.ExpectedVersion {
				return cerr.NewVersionMismatch(cur.Key, req.ExpectedVersion, cur.Version)
			}
			return nil
		},
		func(cur *backlog.Task) error {
			if cur.Assignment != nil {
				owner = cur.Assignment.OwnerID
			}
			from := cur.Status
			cur.Status = req.NewStatus
			if !req.NewStatus.Active() {
				cur.Assignment = nil
			}
			if req.Summary != "" {
				cur.Summary = req.Summary
			}
			cur.AppendHistory(backlog.HandoffEntry{
				From:      owner,
				Reason:    transitionReason(from, req),
				Action:    backlog.ActionMoved,
				Timestamp: now,
			})
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	m.bus.PublishNew(eventbus.EventTaskTransition, moved.Key, owner, map[string]string{
		"status": string(moved.Status),
	})
	return moved, nil
}

// Override is the privileged bypass for operator-initiated recovery. It
// skips version and token checks entirely, but never silently: actor and
// reason are mandatory and land in the audit log.
func (m *Manager) Override(ctx context.Context, key, actor, reason string, newStatus backlog.Status) (*backlog.Task, error) {
	if actor == "" || reason == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "override requires actor and reason", nil)
	}
	if !newStatus.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown status %q", newStatus), nil)
	}
	now := m.clock().UTC()

	forced, err := m.repo.FindAndModify(ctx, key,
		func(*backlog.Task) error { return nil },
		func(cur *backlog.Task) error {
			cur.Status = newStatus
			if !newStatus.Active() {
				cur.Assignment = nil
			}
			cur.AppendHistory(backlog.HandoffEntry{
				From:      actor,
				Reason:    reason,
				Action:    backlog.ActionOverridden,
				Timestamp: now,
			})
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	m.bus.PublishNew(eventbus.EventTaskOverridden, forced.Key, actor, map[string]string{
		"status": string(forced.Status),
		"reason": reason,
	})
	return forced, nil
}

func (m *Manager) activeClaims(ctx context.Context, ownerID string, now time.Time) (int, error) {
	held, err := m.repo.List(ctx, backlog.Filter{
		Statuses: []backlog.Status{backlog.StatusClaimed, backlog.StatusInProgress},
		OwnerID:  ownerID,
	})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, t := range held {
		if !t.Assignment.Expired(now) {
			count++
		}
	}
	return count, nil
}

func (m *Manager) leaseDuration(seconds int) time.Duration {
	lease := m.policy.DefaultLease
	if seconds > 0 {
		lease = time.Duration(seconds) * time.Second
	}
	if m.policy.MaxLease > 0 && lease > m.policy.MaxLease {
		lease = m.policy.MaxLease
	}
	return lease
}

func transitionReason(from backlog.Status, req *TransitionRequest) string {
	if req.Reason != "" {
		return req.Reason
	}
	return fmt.Sprintf("%s -> %s", from, req.NewStatus)
}
