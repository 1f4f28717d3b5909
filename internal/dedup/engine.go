package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fixzit/claimd/internal/backlog"
	"github.com/fixzit/claimd/internal/eventbus"
	"github.com/fixzit/claimd/pkg/cerr"
)

// fingerprintWidth is the persisted width of contentHash. 16 hex chars of
// sha256 keep the YAML documents readable while making accidental collisions
// negligible at backlog scale.
const fingerprintWidth = 16

// errAlreadyReopened aborts the reopen write when a concurrent duplicate
// report won the race.
var errAlreadyReopened = errors.New("task already reopened")

// Fingerprint derives the dedup key for a candidate task. The triple is
// joined with "|" so reordering fields can never produce the same hash.
func Fingerprint(evidenceSnippet, primaryResourcePath, sourceReference string) string {
	sum := sha256.Sum256([]byte(evidenceSnippet + "|" + primaryResourcePath + "|" + sourceReference))
	return hex.EncodeToString(sum[:])[:fingerprintWidth]
}

// Draft is a candidate task prior to dedup.
type Draft struct {
	Domain              string            `json:"domain"`
	Summary             string            `json:"summary"`
	Priority            backlog.Priority  `json:"priority"`
	ResourcePaths       []string          `json:"resource_paths"`
	PrimaryResourcePath string            `json:"primary_resource_path"`
	EvidenceSnippet     string            `json:"evidence_snippet"`
	SourceReference     string            `json:"source_reference"`
	DelegatedBy         string            `json:"delegated_by,omitempty"`
	SuggestedOwnerClass string            `json:"suggested_owner_class,omitempty"`
	// Reopen requests that a closed duplicate be transitioned back to open
	// instead of being returned as-is.
	Reopen bool `json:"reopen,omitempty"`
}

// Result reports where a draft ended up. Merged means no new document was
// inserted and TaskKey names the existing one.
type Result struct {
	Task   *backlog.Task `json:"task"`
	Merged bool          `json:"merged"`
}

// Engine gates every task creation: identical evidence/path/source triples
// always land on the same document.
type Engine struct {
	repo  backlog.Repository
	bus   *eventbus.Bus
	clock func() time.Time
}

func NewEngine(repo backlog.Repository, bus *eventbus.Bus) *Engine {
	return &Engine{repo: repo, bus: bus, clock: time.Now}
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// CreateOrMerge inserts the draft as a new open task, unless a task with the
// same content fingerprint already exists, in which case that task is
// returned with Merged=true. With Reopen set, a closed duplicate is
// atomically transitioned back to open with an audit note.
func (e *Engine) CreateOrMerge(ctx context.Context, draft *Draft) (*Result, error) {
	if draft.Domain == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "draft domain is required", nil)
	}
	if draft.PrimaryResourcePath == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "draft primary resource path is required", nil)
	}

	hash := Fingerprint(draft.EvidenceSnippet, draft.PrimaryResourcePath, draft.SourceReference)

	existing, err := e.repo.FindByContentHash(ctx, hash)
	if err != nil && !cerr.IsCode(err, cerr.NotFound) {
		return nil, err
	}
	if existing != nil {
		return e.merge(ctx, existing, draft)
	}

	// Insert can still lose a race against a concurrent creator with the
	// same fingerprint; on AlreadyExists, fall back to merging.
	for attempt := 0; attempt < 3; attempt++ {
		key, err := e.repo.NextKey(ctx, draft.Domain)
		if err != nil {
			return nil, err
		}
		now := e.clock().UTC()
		t := &backlog.Task{
			Key:                 key,
			Status:              backlog.StatusOpen,
			Priority:            draft.Priority,
			Summary:             draft.Summary,
			Domain:              strings.ToUpper(draft.Domain),
			ResourcePaths:       normalizePaths(draft),
			Version:             1,
			ContentHash:         hash,
			EvidenceSnippet:     draft.EvidenceSnippet,
			PrimaryResourcePath: draft.PrimaryResourcePath,
			SourceReference:     draft.SourceReference,
			DelegatedBy:         draft.DelegatedBy,
			SuggestedOwnerClass: draft.SuggestedOwnerClass,
			CreatedAt:           now,
			UpdatedAt:           now,
		}
		err = e.repo.Insert(ctx, t)
		if err == nil {
			e.bus.PublishNew(eventbus.EventTaskCreated, t.Key, "", map[string]string{
				"domain": t.Domain, "content_hash": t.ContentHash,
			})
			return &Result{Task: t, Merged: false}, nil
		}
		if !cerr.IsCode(err, cerr.AlreadyExists) {
			return nil, err
		}
		dup, hashErr := e.repo.FindByContentHash(ctx, hash)
		if hashErr == nil {
			return e.merge(ctx, dup, draft)
		}
		// The collision was on the key, not the hash: another creator took
		// our sequence number. Re-allocate and retry.
	}
	return nil, cerr.NewError(cerr.Aborted, "could not allocate a task key", nil)
}

func (e *Engine) merge(ctx context.Context, existing *backlog.Task, draft *Draft) (*Result, error) {
	if draft.Reopen && existing.Status == backlog.StatusClosed {
		reopened, err := e.repo.FindAndModify(ctx, existing.Key,
			func(t *backlog.Task) error {
				if t.Status != backlog.StatusClosed {
					return errAlreadyReopened
				}
				return nil
			},
			func(t *backlog.Task) error {
				t.Status = backlog.StatusOpen
				t.AppendHistory(backlog.HandoffEntry{
					Reason:    fmt.Sprintf("reopened by duplicate report from %s", draft.SourceReference),
					Action:    backlog.ActionReopened,
					Timestamp: e.clock().UTC(),
				})
				return nil
			},
		)
		switch {
		case err == nil:
			existing = reopened
		case errors.Is(err, errAlreadyReopened):
			// Someone else reopened it first; merge against their write
			// without a spurious version bump.
			fresh, getErr := e.repo.Get(ctx, existing.Key)
			if getErr != nil {
				return nil, getErr
			}
			existing = fresh
		default:
			return nil, err
		}
	}
	e.bus.PublishNew(eventbus.EventTaskMerged, existing.Key, "", map[string]string{
		"source_reference": draft.SourceReference,
	})
	return &Result{Task: existing, Merged: true}, nil
}

func normalizePaths(draft *Draft) []string {
	paths := draft.ResourcePaths
	for _, p := range paths {
		if p == draft.PrimaryResourcePath {
			return paths
		}
	}
	return append([]string{draft.PrimaryResourcePath}, paths...)
}
