package repositoryimpl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixzit/claimd/internal/backlog"
	"github.com/fixzit/claimd/pkg/cerr"
	"github.com/fixzit/claimd/pkg/storage"
)

// flakyStorage fails the first N reads, then behaves.
type flakyStorage struct {
	storage.Storage
	failures int
	reads    int
}

func (s *flakyStorage) Read(ctx context.Context, path string) ([]byte, error) {
	s.reads++
	if s.reads <= s.failures {
		return nil, errors.New("connection reset by peer")
	}
	return s.Storage.Read(ctx, path)
}

func newRetryFixture(t *testing.T, failures int) (*RetryRepository, *flakyStorage) {
	t.Helper()
	flaky := &flakyStorage{Storage: storage.NewMemoryStorage(), failures: failures}
	inner := NewYAMLRepository(flaky)
	task := &backlog.Task{
		Key:       "FM-00001",
		Status:    backlog.StatusOpen,
		Domain:    "FM",
		Version:   1,
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, inner.Insert(context.Background(), task))
	repo := NewRetryRepository(inner).WithBackOff(time.Millisecond, 5*time.Millisecond, 4)
	return repo, flaky
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	ctx := context.Background()
	repo, flaky := newRetryFixture(t, 2)

	got, err := repo.Get(ctx, "FM-00001")
	require.NoError(t, err)
	assert.Equal(t, "FM-00001", got.Key)
	assert.Equal(t, 3, flaky.reads)
}

func TestRetryExhaustsBudget(t *testing.T) {
	ctx := context.Background()
	repo, flaky := newRetryFixture(t, 100)
	repo.WithBackOff(time.Millisecond, 5*time.Millisecond, 2)

	_, err := repo.Get(ctx, "FM-00001")
	require.Error(t, err)
	assert.True(t, cerr.HasReason(err, cerr.ReasonStoreUnavailable))
	// Initial attempt plus two retries, then the error surfaces.
	assert.Equal(t, 3, flaky.reads)
}

func TestRetryDoesNotRetryNotFound(t *testing.T) {
	ctx := context.Background()
	repo, flaky := newRetryFixture(t, 0)

	_, err := repo.Get(ctx, "FM-99999")
	require.Error(t, err)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
	assert.Equal(t, 1, flaky.reads)
}

func TestRetryPassesPredicateErrorsThrough(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRetryFixture(t, 0)

	calls := 0
	_, err := repo.FindAndModify(ctx, "FM-00001",
		func(cur *backlog.Task) error {
			calls++
			return cerr.NewVersionMismatch(cur.Key, 99, cur.Version)
		},
		func(*backlog.Task) error { return nil },
	)
	require.Error(t, err)
	assert.True(t, cerr.HasReason(err, cerr.ReasonVersionMismatch))
	// A predicate refusal is caller-actionable, never a transient fault.
	assert.Equal(t, 1, calls)
}
