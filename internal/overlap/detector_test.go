package overlap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixzit/claimd/internal/backlog"
	"github.com/fixzit/claimd/internal/backlog/repositoryimpl"
	"github.com/fixzit/claimd/pkg/storage"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func seedClaimed(t *testing.T, repo backlog.Repository, key, owner string, paths []string, leaseExpiry time.Time) {
	t.Helper()
	task := &backlog.Task{
		Key:           key,
		Status:        backlog.StatusClaimed,
		Domain:        "FM",
		ResourcePaths: paths,
		Assignment: &backlog.Assignment{
			OwnerID:        owner,
			ClaimedAt:      testNow.Add(-time.Hour),
			LeaseExpiresAt: leaseExpiry,
			ClaimToken:     "tok-" + key,
		},
		Version:   1,
		CreatedAt: testNow.Add(-time.Hour),
		UpdatedAt: testNow.Add(-time.Hour),
	}
	require.NoError(t, repo.Insert(context.Background(), task))
}

func TestIntersectFindsCompetingClaims(t *testing.T) {
	ctx := context.Background()
	repo := repositoryimpl.NewYAMLRepository(storage.NewMemoryStorage())
	d := NewDetector(repo).WithClock(func() time.Time { return testNow })

	seedClaimed(t, repo, "FM-00001", "agent-1", []string{"services/fm/*"}, testNow.Add(time.Hour))
	seedClaimed(t, repo, "FM-00002", "agent-2", []string{"services/souq/*"}, testNow.Add(time.Hour))

	matches, err := d.Intersect(ctx, []string{"services/fm/handlers.go"}, "", "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "FM-00001", matches[0].TaskKey)
	assert.Equal(t, "agent-1", matches[0].OwnerID)
	assert.False(t, matches[0].Exact)
}

func TestIntersectExactMatch(t *testing.T) {
	ctx := context.Background()
	repo := repositoryimpl.NewYAMLRepository(storage.NewMemoryStorage())
	d := NewDetector(repo).WithClock(func() time.Time { return testNow })

	seedClaimed(t, repo, "FM-00001", "agent-1", []string{"services/fm/handlers.go"}, testNow.Add(time.Hour))

	matches, err := d.Intersect(ctx, []string{"services/fm/handlers.go"}, "", "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.True(t, matches[0].Exact)
	assert.True(t, AnyExact(matches))
	assert.Equal(t, []string{"FM-00001"}, Keys(matches))
}

func TestIntersectSkipsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	repo := repositoryimpl.NewYAMLRepository(storage.NewMemoryStorage())
	d := NewDetector(repo).WithClock(func() time.Time { return testNow })

	seedClaimed(t, repo, "FM-00001", "agent-1", []string{"services/fm/*"}, testNow.Add(-time.Minute))

	matches, err := d.Intersect(ctx, []string{"services/fm/handlers.go"}, "", "")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIntersectExcludesSelf(t *testing.T) {
	ctx := context.Background()
	repo := repositoryimpl.NewYAMLRepository(storage.NewMemoryStorage())
	d := NewDetector(repo).WithClock(func() time.Time { return testNow })

	seedClaimed(t, repo, "FM-00001", "agent-1", []string{"services/fm/*"}, testNow.Add(time.Hour))
	seedClaimed(t, repo, "FM-00002", "agent-1", []string{"services/fm/handlers/*"}, testNow.Add(time.Hour))

	// The key under claim is skipped.
	matches, err := d.Intersect(ctx, []string{"services/fm/*"}, "FM-00001", "")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "FM-00002", matches[0].TaskKey)

	// A worker never competes with its own other claims.
	matches, err = d.Intersect(ctx, []string{"services/fm/*"}, "FM-00001", "agent-1")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIntersectEmptyPaths(t *testing.T) {
	ctx := context.Background()
	repo := repositoryimpl.NewYAMLRepository(storage.NewMemoryStorage())
	d := NewDetector(repo).WithClock(func() time.Time { return testNow })

	seedClaimed(t, repo, "FM-00001", "agent-1", []string{"services/fm/*"}, testNow.Add(time.Hour))

	matches, err := d.Intersect(ctx, nil, "", "")
	require.NoError(t, err)
	assert.Empty(t, matches)
}
