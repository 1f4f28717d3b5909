package repositoryimpl

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fixzit/claimd/internal/backlog"
	"github.com/fixzit/claimd/pkg/cerr"
	"github.com/fixzit/claimd/pkg/storage"
)

const tasksPrefix = "tasks"

// YAMLRepository persists one YAML document per task on a storage backend.
// Mutations are serialized per key, which is what makes FindAndModify an
// atomic single-document compare-and-swap from the callers' point of view.
type YAMLRepository struct {
	storage storage.Storage

	mu       sync.Mutex // guards keyLocks and key allocation
	keyLocks map[string]*sync.Mutex
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{
		storage:  s,
		keyLocks: make(map[string]*sync.Mutex),
	}
}

func path(key string) string {
	return fmt.Sprintf("%s/%s.yaml", tasksPrefix, key)
}

func (r *YAMLRepository) lockFor(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		r.keyLocks[key] = l
	}
	return l
}

func (r *YAMLRepository) Insert(ctx context.Context, t *backlog.Task) error {
	// Key allocation and hash uniqueness share one critical section so two
	// concurrent creators cannot both insert the same fingerprint.
	r.mu.Lock()
	defer r.mu.Unlock()

	exists, err := r.storage.Exists(ctx, path(t.Key))
	if err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, fmt.Sprintf("task %s already exists", t.Key), nil)
	}
	if t.ContentHash != "" {
		dup, err := r.findByContentHash(ctx, t.ContentHash)
		if err != nil && !cerr.IsCode(err, cerr.NotFound) {
			return err
		}
		if dup != nil {
			return cerr.NewError(cerr.AlreadyExists,
				fmt.Sprintf("content hash %s already present on task %s", t.ContentHash, dup.Key), nil)
		}
	}
	return r.write(ctx, t)
}

func (r *YAMLRepository) Get(ctx context.Context, key string) (*backlog.Task, error) {
	data, err := r.storage.Read(ctx, path(key))
	if err != nil {
		return nil, cerr.WrapStorageReadError("task", err)
	}
	var t backlog.Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal task %s: %w", key, err))
	}
	return &t, nil
}

func (r *YAMLRepository) List(ctx context.Context, f backlog.Filter) ([]*backlog.Task, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	var out []*backlog.Task
	for _, t := range all {
		if f.Matches(t) {
			out = append(out, t)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority.Rank != out[j].Priority.Rank {
			return out[i].Priority.Rank > out[j].Priority.Rank
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *YAMLRepository) FindByContentHash(ctx context.Context, hash string) (*backlog.Task, error) {
	t, err := r.findByContentHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (r *YAMLRepository) findByContentHash(ctx context.Context, hash string) (*backlog.Task, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.ContentHash == hash {
			return t, nil
		}
	}
	return nil, cerr.NewError(cerr.NotFound, "task not found", nil)
}

func (r *YAMLRepository) NextKey(ctx context.Context, domain string) (string, error) {
	paths, err := r.storage.List(ctx, tasksPrefix)
	if err != nil {
		return "", cerr.WrapStorageReadError("tasks", err)
	}
	prefix := strings.ToUpper(domain) + "-"
	max := 0
	for _, p := range paths {
		name := strings.TrimSuffix(p[strings.LastIndex(p, "/")+1:], ".yaml")
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
	}
	return fmt.Sprintf("%s%05d", prefix, max+1), nil
}

func (r *YAMLRepository) FindAndModify(ctx context.Context, key string, pred func(*backlog.Task) error, mutate func(*backlog.Task) error) (*backlog.Task, error) {
	lock := r.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	t, err := r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := pred(t); err != nil {
		return nil, err
	}
	if err := mutate(t); err != nil {
		return nil, err
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	if err := r.write(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *YAMLRepository) loadAll(ctx context.Context) ([]*backlog.Task, error) {
	paths, err := r.storage.List(ctx, tasksPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("tasks", err)
	}
	sort.Strings(paths)

	var all []*backlog.Task
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var t backlog.Task
		if err := yaml.Unmarshal(data, &t); err != nil {
			continue
		}
		all = append(all, &t)
	}
	return all, nil
}

func (r *YAMLRepository) write(ctx context.Context, t *backlog.Task) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task %s: %w", t.Key, err))
	}
	if err := r.storage.Write(ctx, path(t.Key), data); err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	return nil
}
