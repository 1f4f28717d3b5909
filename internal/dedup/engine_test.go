package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixzit/claimd/internal/backlog"
	"github.com/fixzit/claimd/internal/backlog/repositoryimpl"
	"github.com/fixzit/claimd/internal/eventbus"
	"github.com/fixzit/claimd/pkg/cerr"
	"github.com/fixzit/claimd/pkg/storage"
)

func newTestEngine() (*Engine, backlog.Repository) {
	repo := repositoryimpl.NewYAMLRepository(storage.NewMemoryStorage())
	return NewEngine(repo, eventbus.New()), repo
}

func testDraft() *Draft {
	return &Draft{
		Domain:              "fm",
		Summary:             "leaking connection pool in work order handler",
		Priority:            backlog.Priority{Rank: 3, Label: "high"},
		PrimaryResourcePath: "services/fm/handlers/workorders.go",
		EvidenceSnippet:     "pq: sorry, too many clients already",
		SourceReference:     "incident-4411",
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("evidence", "path", "source")
	b := Fingerprint("evidence", "path", "source")
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)

	// Any field change moves the fingerprint.
	assert.NotEqual(t, a, Fingerprint("other", "path", "source"))
	assert.NotEqual(t, a, Fingerprint("evidence", "other", "source"))
	assert.NotEqual(t, a, Fingerprint("evidence", "path", "other"))
}

func TestCreateNewTask(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()

	res, err := engine.CreateOrMerge(ctx, testDraft())
	require.NoError(t, err)
	assert.False(t, res.Merged)
	assert.Equal(t, "FM-00001", res.Task.Key)
	assert.Equal(t, backlog.StatusOpen, res.Task.Status)
	assert.Equal(t, int64(1), res.Task.Version)
	assert.Equal(t, "FM", res.Task.Domain)
	assert.NotEmpty(t, res.Task.ContentHash)

	// The primary path leads the resource path set.
	require.NotEmpty(t, res.Task.ResourcePaths)
	assert.Equal(t, "services/fm/handlers/workorders.go", res.Task.ResourcePaths[0])
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()

	noDomain := testDraft()
	noDomain.Domain = ""
	_, err := engine.CreateOrMerge(ctx, noDomain)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))

	noPrimary := testDraft()
	noPrimary.PrimaryResourcePath = ""
	_, err = engine.CreateOrMerge(ctx, noPrimary)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestDuplicateReportMerges(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()

	first, err := engine.CreateOrMerge(ctx, testDraft())
	require.NoError(t, err)

	// Same evidence, path and source: no second document.
	second, err := engine.CreateOrMerge(ctx, testDraft())
	require.NoError(t, err)
	assert.True(t, second.Merged)
	assert.Equal(t, first.Task.Key, second.Task.Key)

	// A different source reference is a different report.
	other := testDraft()
	other.SourceReference = "incident-4412"
	third, err := engine.CreateOrMerge(ctx, other)
	require.NoError(t, err)
	assert.False(t, third.Merged)
	assert.Equal(t, "FM-00002", third.Task.Key)
}

func TestMergeDoesNotResurrectClosedTask(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine()

	created, err := engine.CreateOrMerge(ctx, testDraft())
	require.NoError(t, err)

	_, err = repo.FindAndModify(ctx, created.Task.Key,
		func(*backlog.Task) error { return nil },
		func(cur *backlog.Task) error {
			cur.Status = backlog.StatusClosed
			return nil
		},
	)
	require.NoError(t, err)

	// Without the reopen flag the closed task is returned as-is.
	res, err := engine.CreateOrMerge(ctx, testDraft())
	require.NoError(t, err)
	assert.True(t, res.Merged)
	assert.Equal(t, backlog.StatusClosed, res.Task.Status)
}

func TestReopenClosedDuplicate(t *testing.T) {
	ctx := context.Background()
	engine, repo := newTestEngine()

	created, err := engine.CreateOrMerge(ctx, testDraft())
	require.NoError(t, err)

	_, err = repo.FindAndModify(ctx, created.Task.Key,
		func(*backlog.Task) error { return nil },
		func(cur *backlog.Task) error {
			cur.Status = backlog.StatusClosed
			return nil
		},
	)
	require.NoError(t, err)

	reopening := testDraft()
	reopening.Reopen = true
	res, err := engine.CreateOrMerge(ctx, reopening)
	require.NoError(t, err)
	assert.True(t, res.Merged)
	assert.Equal(t, backlog.StatusOpen, res.Task.Status)

	// The reopen landed in the audit log, not as a fresh document.
	require.NotEmpty(t, res.Task.HandoffHistory)
	last := res.Task.HandoffHistory[len(res.Task.HandoffHistory)-1]
	assert.Equal(t, backlog.ActionReopened, last.Action)
}

// reopenRaceRepo reopens the task right before every guarded write, standing
// in for a concurrent duplicate report that wins the reopen race.
type reopenRaceRepo struct {
	backlog.Repository
}

func (r *reopenRaceRepo) FindAndModify(ctx context.Context, key string, pred func(*backlog.Task) error, mutate func(*backlog.Task) error) (*backlog.Task, error) {
	_, err := r.Repository.FindAndModify(ctx, key,
		func(*backlog.Task) error { return nil },
		func(cur *backlog.Task) error {
			cur.Status = backlog.StatusOpen
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return r.Repository.FindAndModify(ctx, key, pred, mutate)
}

func TestReopenLosesRaceToConcurrentReport(t *testing.T) {
	ctx := context.Background()
	inner := repositoryimpl.NewYAMLRepository(storage.NewMemoryStorage())
	engine := NewEngine(&reopenRaceRepo{Repository: inner}, eventbus.New())

	created, err := engine.CreateOrMerge(ctx, testDraft())
	require.NoError(t, err)

	_, err = inner.FindAndModify(ctx, created.Task.Key,
		func(*backlog.Task) error { return nil },
		func(cur *backlog.Task) error {
			cur.Status = backlog.StatusClosed
			return nil
		},
	)
	require.NoError(t, err)

	reopening := testDraft()
	reopening.Reopen = true
	res, err := engine.CreateOrMerge(ctx, reopening)
	require.NoError(t, err)
	assert.True(t, res.Merged)
	assert.Equal(t, backlog.StatusOpen, res.Task.Status)

	// Only the winner's write landed: one version bump past the close, and
	// no second audit entry from the losing report.
	assert.Equal(t, int64(3), res.Task.Version)
	assert.Empty(t, res.Task.HandoffHistory)
}

func TestCreateWithClock(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine()

	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	engine.WithClock(func() time.Time { return fixed })

	res, err := engine.CreateOrMerge(ctx, testDraft())
	require.NoError(t, err)
	assert.Equal(t, fixed, res.Task.CreatedAt)
	assert.Equal(t, fixed, res.Task.UpdatedAt)
}
