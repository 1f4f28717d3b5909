package scope

import (
	"context"
	"strings"
	"time"

	"github.com/fixzit/claimd/internal/backlog"
	"github.com/fixzit/claimd/internal/dedup"
	"github.com/fixzit/claimd/internal/eventbus"
	"github.com/fixzit/claimd/internal/overlap"
	"github.com/fixzit/claimd/pkg/cerr"
)

// WidenResult reports the outcome of a scope expansion. A refusal is an
// expected outcome, not an error: CompetingKeys names the unexpired claims
// blocking the extra paths, and the caller must not touch them.
type WidenResult struct {
	Accepted      bool          `json:"accepted"`
	Task          *backlog.Task `json:"task,omitempty"`
	CompetingKeys []string      `json:"competing_keys,omitempty"`
}

// Engine widens held leases and spawns deduplicated delegated tasks when
// widening is refused.
type Engine struct {
	repo     backlog.Repository
	detector *overlap.Detector
	creator  *dedup.Engine
	routes   *RoutingTable
	bus      *eventbus.Bus
	clock    func() time.Time
}

func NewEngine(repo backlog.Repository, detector *overlap.Detector, creator *dedup.Engine, routes *RoutingTable, bus *eventbus.Bus) *Engine {
	if routes == nil {
		routes = &RoutingTable{}
	}
	return &Engine{
		repo:     repo,
		detector: detector,
		creator:  creator,
		routes:   routes,
		bus:      bus,
		clock:    time.Now,
	}
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Widen adds paths to a held lease, gated on the overlap detector: any
// intersection with an unexpired claim held by a different owner refuses the
// expansion and returns the competing keys.
func (e *Engine) Widen(ctx context.Context, key, claimToken string, extraPaths []string) (*WidenResult, error) {
	if len(extraPaths) == 0 {
		return nil, cerr.NewError(cerr.InvalidArgument, "no paths to widen with", nil)
	}
	t, err := e.repo.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	if t.Assignment == nil || t.Assignment.ClaimToken != claimToken || t.Assignment.Expired(now) {
		return nil, cerr.NewLeaseExpired(key)
	}

	matches, err := e.detector.Intersect(ctx, extraPaths, key, t.Assignment.OwnerID)
	if err != nil {
		return nil, err
	}
	if len(matches) > 0 {
		return &WidenResult{Accepted: false, CompetingKeys: overlap.Keys(matches)}, nil
	}

	widened, err := e.repo.FindAndModify(ctx, key,
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
			cur.ResourcePaths = mergePaths(cur.ResourcePaths, extraPaths)
			cur.AppendHistory(backlog.HandoffEntry{
				From:      cur.Assignment.OwnerID,
				Reason:    "scope widened: " + strings.Join(extraPaths, ", "),
				Action:    backlog.ActionWidened,
				Timestamp: now,
			})
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	e.bus.PublishNew(eventbus.EventScopeWidened, widened.Key, widened.Assignment.OwnerID, map[string]string{
		"paths": strings.Join(extraPaths, ","),
	})
	return &WidenResult{Accepted: true, Task: widened}, nil
}

// DelegateRequest spawns follow-up tasks for resource areas the delegator
// discovered but may not touch.
type DelegateRequest struct {
	Key        string        `json:"key"`
	ClaimToken string        `json:"claim_token"`
	Areas      []dedup.Draft `json:"areas"`
}

// DelegateResult lists one entry per distinct area, deduplicated.
type DelegateResult struct {
	Spawned []dedup.Result `json:"spawned"`
}

// Delegate creates (or merges into) one task per newly discovered resource
// area, tagging each with the delegator and a suggested owner class from the
// routing table, and records the delegation in the delegator's own audit
// log.
func (e *Engine) Delegate(ctx context.Context, req *DelegateRequest) (*DelegateResult, error) {
	if len(req.Areas) == 0 {
		return nil, cerr.NewError(cerr.InvalidArgument, "no areas to delegate", nil)
	}
	delegator, err := e.repo.Get(ctx, req.Key)
	if err != nil {
		return nil, err
	}
	now := e.clock().UTC()
	if delegator.Assignment == nil || delegator.Assignment.ClaimToken != req.ClaimToken || delegator.Assignment.Expired(now) {
		return nil, cerr.NewLeaseExpired(req.Key)
	}
	ownerID := delegator.Assignment.OwnerID

	result := &DelegateResult{}
	var spawnedKeys []string
	for i := range req.Areas {
		draft := req.Areas[i]
		draft.DelegatedBy = ownerID
		if draft.SuggestedOwnerClass == "" {
			draft.SuggestedOwnerClass = e.routes.Lookup(draft.PrimaryResourcePath)
		}
		if draft.Domain == "" {
			draft.Domain = delegator.Domain
		}
		res, err := e.creator.CreateOrMerge(ctx, &draft)
		if err != nil {
			return nil, err
		}
		result.Spawned = append(result.Spawned, *res)
		spawnedKeys = append(spawnedKeys, res.Task.Key)
	}

	_, err = e.repo.FindAndModify(ctx, req.Key,
		func(cur *backlog.Task) error {
			if cur.Assignment == nil || cur.Assignment.ClaimToken != req.ClaimToken {
				return cerr.NewVersionMismatch(cur.Key, 0, cur.Version)
			}
			return nil
		},
		func(cur *backlog.Task) error {
			cur.AppendHistory(backlog.HandoffEntry{
				From:      ownerID,
				To:        strings.Join(spawnedKeys, ", "),
				Reason:    "delegated discovered work",
				Action:    backlog.ActionDelegated,
				Timestamp: now,
			})
			return nil
		},
	)
	if err != nil {
		return nil, err
	}

	e.bus.PublishNew(eventbus.EventTaskDelegated, req.Key, ownerID, map[string]string{
		"spawned": strings.Join(spawnedKeys, ","),
	})
	return result, nil
}

func mergePaths(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := append([]string{}, existing...)
	for _, p := range existing {
		seen[p] = struct{}{}
	}
	for _, p := range extra {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
