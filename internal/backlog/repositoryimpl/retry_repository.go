package repositoryimpl

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fixzit/claimd/internal/backlog"
	"github.com/fixzit/claimd/pkg/cerr"
)

// RetryRepository retries transient store failures — reads or writes that
// surface a STORE_UNAVAILABLE reason — with bounded, jittered exponential
// backoff before handing the error to the caller. Every other error is
// returned on the first attempt. FindAndModify reruns the whole
// read-check-write cycle on retry, which is safe because predicates and
// mutations operate on freshly loaded state by contract.
type RetryRepository struct {
	inner           backlog.Repository
	initialInterval time.Duration
	maxInterval     time.Duration
	maxRetries      uint64
}

func NewRetryRepository(inner backlog.Repository) *RetryRepository {
	return &RetryRepository{
		inner:           inner,
		initialInterval: 50 * time.Millisecond,
		maxInterval:     time.Second,
		maxRetries:      4,
	}
}

// WithBackOff overrides the retry schedule, mainly for tests.
func (r *RetryRepository) WithBackOff(initial, max time.Duration, retries uint64) *RetryRepository {
	r.initialInterval = initial
	r.maxInterval = max
	r.maxRetries = retries
	return r
}

func (r *RetryRepository) do(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initialInterval
	bo.MaxInterval = r.maxInterval
	return backoff.Retry(func() error {
		err := op()
		if err == nil || cerr.HasReason(err, cerr.ReasonStoreUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithMaxRetries(backoff.WithContext(bo, ctx), r.maxRetries))
}

func (r *RetryRepository) Insert(ctx context.Context, t *backlog.Task) error {
	return r.do(ctx, func() error { return r.inner.Insert(ctx, t) })
}

func (r *RetryRepository) Get(ctx context.Context, key string) (*backlog.Task, error) {
	var t *backlog.Task
	err := r.do(ctx, func() error {
		var opErr error
		t, opErr = r.inner.Get(ctx, key)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *RetryRepository) List(ctx context.Context, f backlog.Filter) ([]*backlog.Task, error) {
	var tasks []*backlog.Task
	err := r.do(ctx, func() error {
		var opErr error
		tasks, opErr = r.inner.List(ctx, f)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *RetryRepository) FindByContentHash(ctx context.Context, hash string) (*backlog.Task, error) {
	var t *backlog.Task
	err := r.do(ctx, func() error {
		var opErr error
		t, opErr = r.inner.FindByContentHash(ctx, hash)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *RetryRepository) NextKey(ctx context.Context, domain string) (string, error) {
	var key string
	err := r.do(ctx, func() error {
		var opErr error
		key, opErr = r.inner.NextKey(ctx, domain)
		return opErr
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func (r *RetryRepository) FindAndModify(ctx context.Context, key string, pred func(*backlog.Task) error, mutate func(*backlog.Task) error) (*backlog.Task, error) {
	var t *backlog.Task
	err := r.do(ctx, func() error {
		var opErr error
		t, opErr = r.inner.FindAndModify(ctx, key, pred, mutate)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}
