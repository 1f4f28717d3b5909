package handoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixzit/claimd/internal/backlog"
	"github.com/fixzit/claimd/internal/backlog/repositoryimpl"
	"github.com/fixzit/claimd/internal/claim"
	"github.com/fixzit/claimd/internal/eventbus"
	"github.com/fixzit/claimd/internal/overlap"
	"github.com/fixzit/claimd/pkg/cerr"
	"github.com/fixzit/claimd/pkg/storage"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestCoordinator() (*Coordinator, backlog.Repository) {
	repo := repositoryimpl.NewYAMLRepository(storage.NewMemoryStorage())
	c := NewCoordinator(repo, eventbus.New()).WithClock(func() time.Time { return testNow })
	return c, repo
}

func seedClaimed(t *testing.T, repo backlog.Repository, key, owner string) {
	t.Helper()
	task := &backlog.Task{
		Key:    key,
		Status: backlog.StatusInProgress,
		Domain: "FM",
		Assignment: &backlog.Assignment{
			OwnerID:        owner,
			ClaimedAt:      testNow.Add(-time.Hour),
			LeaseExpiresAt: testNow.Add(time.Hour),
			ClaimToken:     "tok-" + key,
		},
		Version:   1,
		CreatedAt: testNow.Add(-time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}
	require.NoError(t, repo.Insert(context.Background(), task))
}

func TestHandoff(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestCoordinator()
	seedClaimed(t, repo, "FM-00001", "agent-1")

	handed, err := c.Handoff(ctx, "FM-00001", "tok-FM-00001", "needs schema change approval", "dba")
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusHandoffPending, handed.Status)
	assert.Nil(t, handed.Assignment)
	assert.Equal(t, "dba", handed.SuggestedOwnerClass)

	last := handed.HandoffHistory[len(handed.HandoffHistory)-1]
	assert.Equal(t, backlog.ActionHandoff, last.Action)
	assert.Equal(t, "agent-1", last.From)
	assert.Equal(t, "dba", last.To)
	assert.Equal(t, "needs schema change approval", last.Reason)

	// A handed-off task re-enters the claimable pool.
	assert.True(t, handed.ClaimableAt(testNow))
}

func TestHandoffReentersClaimablePool(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestCoordinator()
	seedClaimed(t, repo, "FM-00001", "agent-1")

	handed, err := c.Handoff(ctx, "FM-00001", "tok-FM-00001", "needs schema change approval", "dba")
	require.NoError(t, err)

	// The handed-off task shows up for anyone pulling claimable work.
	claimable, err := repo.List(ctx, backlog.Filter{ClaimableAt: testNow})
	require.NoError(t, err)
	require.Len(t, claimable, 1)
	assert.Equal(t, "FM-00001", claimable[0].Key)

	// And the next owner claims it like any open task.
	detector := overlap.NewDetector(repo).WithClock(func() time.Time { return testNow })
	mgr := claim.NewManager(repo, detector, eventbus.New(), claim.DefaultPolicy()).
		WithClock(func() time.Time { return testNow })

	grant, err := mgr.Claim(ctx, &claim.Request{Key: "FM-00001", OwnerID: "agent-2", OwnerClass: "dba"})
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusClaimed, grant.Task.Status)
	require.NotNil(t, grant.Task.Assignment)
	assert.Equal(t, "agent-2", grant.Task.Assignment.OwnerID)
	assert.Greater(t, grant.Task.Version, handed.Version)
}

func TestHandoffWithoutSuggestion(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestCoordinator()
	seedClaimed(t, repo, "FM-00001", "agent-1")

	handed, err := c.Handoff(ctx, "FM-00001", "tok-FM-00001", "out of my depth", "")
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusHandoffPending, handed.Status)
	assert.Empty(t, handed.SuggestedOwnerClass)
}

func TestHandoffRequiresReason(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestCoordinator()
	seedClaimed(t, repo, "FM-00001", "agent-1")

	_, err := c.Handoff(ctx, "FM-00001", "tok-FM-00001", "", "dba")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestHandoffWrongToken(t *testing.T) {
	ctx := context.Background()
	c, repo := newTestCoordinator()
	seedClaimed(t, repo, "FM-00001", "agent-1")

	_, err := c.Handoff(ctx, "FM-00001", "stolen-token", "reason", "dba")
	require.Error(t, err)
	assert.True(t, cerr.HasReason(err, cerr.ReasonVersionMismatch))

	// Nothing changed.
	task, err := repo.Get(ctx, "FM-00001")
	require.NoError(t, err)
	assert.Equal(t, backlog.StatusInProgress, task.Status)
	assert.NotNil(t, task.Assignment)
}
