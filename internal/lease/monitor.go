package lease

import (
	"context"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/fixzit/claimd/internal/backlog"
	"github.com/fixzit/claimd/internal/eventbus"
	"github.com/fixzit/claimd/pkg/cerr"
)

const defaultReclaimWorkers = 4

// Monitor reclaims expired leases on a fixed interval, independent of any
// worker's lifetime. Reclaims go through the store's guarded write, which is
// serialized per key within one process; a storage backend shared by several
// server processes must run exactly one of them with the monitor enabled.
type Monitor struct {
	repo     backlog.Repository
	bus      *eventbus.Bus
	interval time.Duration
	workers  int
	clock    func() time.Time
}

func NewMonitor(repo backlog.Repository, bus *eventbus.Bus, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		repo:     repo,
		bus:      bus,
		interval: interval,
		workers:  defaultReclaimWorkers,
		clock:    time.Now,
	}
}

func (m *Monitor) WithClock(clock func() time.Time) *Monitor {
	m.clock = clock
	return m
}

// Start runs the reclaim loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	slog.Info("lease monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("lease monitor stopped")
			return
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				slog.Info("reclaimed expired leases", "count", n)
			}
		}
	}
}

// Sweep reclaims every task whose lease has lapsed and returns how many
// documents it transitioned back to open.
func (m *Monitor) Sweep(ctx context.Context) int {
	now := m.clock().UTC()
	held, err := m.repo.List(ctx, backlog.Filter{
		Statuses: []backlog.Status{backlog.StatusClaimed, backlog.StatusInProgress},
	})
	if err != nil {
		slog.Error("lease monitor: failed to list held tasks", "error", err)
		return 0
	}

	p := pool.NewWithResults[int]().WithMaxGoroutines(m.workers)
	for _, t := range held {
		if !t.Assignment.Expired(now) {
			continue
		}
		key := t.Key
		p.Go(func() int {
			if m.reclaim(ctx, key, now) {
				return 1
			}
			return 0
		})
	}

	total := 0
	for _, n := range p.Wait() {
		total += n
	}
	return total
}

func (m *Monitor) reclaim(ctx context.Context, key string, now time.Time) bool {
	var owner string
	reclaimed, err := m.repo.FindAndModify(ctx, key,
		func(cur *backlog.Task) error {
			// A concurrent renewal moves the expiry forward and the
			// predicate stops matching; skip silently on this pass.
			if !cur.Status.Active() || !cur.Assignment.Expired(now) {
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
				Reason:    "lease expired",
				Action:    backlog.ActionExpired,
				Timestamp: now,
			})
			return nil
		},
	)
	if err != nil {
		if !cerr.HasReason(err, cerr.ReasonVersionMismatch) {
			slog.Error("lease monitor: failed to reclaim task", "key", key, "error", err)
		}
		return false
	}

	m.bus.PublishNew(eventbus.EventLeaseExpired, reclaimed.Key, owner, nil)
	return true
}
