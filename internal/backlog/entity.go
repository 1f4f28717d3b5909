package backlog

import "time"

type Status string

const (
	StatusOpen           Status = "open"
	StatusTriaged        Status = "triaged"
	StatusClaimed        Status = "claimed"
	StatusInProgress     Status = "in_progress"
	StatusBlocked        Status = "blocked"
	StatusHandoffPending Status = "handoff_pending"
	StatusResolved       Status = "resolved"
	StatusClosed         Status = "closed"
	StatusAbandoned      Status = "abandoned"
)

var allStatuses = map[Status]struct{}{
	StatusOpen: {}, StatusTriaged: {}, StatusClaimed: {}, StatusInProgress: {},
	StatusBlocked: {}, StatusHandoffPending: {}, StatusResolved: {},
	StatusClosed: {}, StatusAbandoned: {},
}

func (s Status) Valid() bool {
	_, ok := allStatuses[s]
	return ok
}

// Claimable reports whether the status alone allows a claim. Tasks in an
// active status become claimable again once their lease expires.
func (s Status) Claimable() bool {
	switch s {
	case StatusOpen, StatusTriaged, StatusAbandoned, StatusHandoffPending:
		return true
	}
	return false
}

// Active reports whether the status implies a live lease.
func (s Status) Active() bool {
	return s == StatusClaimed || s == StatusInProgress
}

// Priority orders claim selection: higher rank first, ties by age.
type Priority struct {
	Rank  int    `yaml:"rank" json:"rank"`
	Label string `yaml:"label" json:"label"`
}

// Assignment records the current lease. All fields are set together on claim
// and cleared together on release/expiry.
type Assignment struct {
	OwnerID        string    `yaml:"owner_id" json:"owner_id"`
	OwnerClass     string    `yaml:"owner_class" json:"owner_class"`
	ClaimedAt      time.Time `yaml:"claimed_at" json:"claimed_at"`
	LeaseExpiresAt time.Time `yaml:"lease_expires_at" json:"lease_expires_at"`
	ClaimToken     string    `yaml:"claim_token" json:"claim_token"`
}

func (a *Assignment) Expired(now time.Time) bool {
	if a == nil {
		return true
	}
	return !a.LeaseExpiresAt.After(now)
}

type HandoffAction string

const (
	ActionClaimed    HandoffAction = "claimed"
	ActionExpired    HandoffAction = "expired"
	ActionReleased   HandoffAction = "released"
	ActionHandoff    HandoffAction = "handoff"
	ActionDelegated  HandoffAction = "delegated"
	ActionOverridden HandoffAction = "overridden"
	ActionReopened   HandoffAction = "reopened"
	ActionWidened    HandoffAction = "widened"
	ActionMoved      HandoffAction = "moved"
)

// HandoffEntry is one record in a task's append-only audit log. Entries are
// never edited or removed.
type HandoffEntry struct {
	From      string        `yaml:"from,omitempty" json:"from,omitempty"`
	To        string        `yaml:"to,omitempty" json:"to,omitempty"`
	Reason    string        `yaml:"reason,omitempty" json:"reason,omitempty"`
	Action    HandoffAction `yaml:"action" json:"action"`
	Timestamp time.Time     `yaml:"timestamp" json:"timestamp"`
}

// Task is the sole persisted entity: one claimable unit of work tied to a
// set of advisory resource paths.
type Task struct {
	Key                 string         `yaml:"key" json:"key"`
	Status              Status         `yaml:"status" json:"status"`
	Priority            Priority       `yaml:"priority" json:"priority"`
	Summary             string         `yaml:"summary" json:"summary"`
	Domain              string         `yaml:"domain" json:"domain"`
	ResourcePaths       []string       `yaml:"resource_paths" json:"resource_paths"`
	Assignment          *Assignment    `yaml:"assignment,omitempty" json:"assignment,omitempty"`
	Version             int64          `yaml:"version" json:"version"`
	ContentHash         string         `yaml:"content_hash" json:"content_hash"`
	EvidenceSnippet     string         `yaml:"evidence_snippet,omitempty" json:"evidence_snippet,omitempty"`
	PrimaryResourcePath string         `yaml:"primary_resource_path,omitempty" json:"primary_resource_path,omitempty"`
	SourceReference     string         `yaml:"source_reference,omitempty" json:"source_reference,omitempty"`
	DelegatedBy         string         `yaml:"delegated_by,omitempty" json:"delegated_by,omitempty"`
	SuggestedOwnerClass string         `yaml:"suggested_owner_class,omitempty" json:"suggested_owner_class,omitempty"`
	HandoffHistory      []HandoffEntry `yaml:"handoff_history,omitempty" json:"handoff_history,omitempty"`
	CreatedAt           time.Time      `yaml:"created_at" json:"created_at"`
	UpdatedAt           time.Time      `yaml:"updated_at" json:"updated_at"`
}

// HeldBy reports whether ownerID holds an unexpired lease on the task.
func (t *Task) HeldBy(ownerID string, now time.Time) bool {
	return t.Assignment != nil && t.Assignment.OwnerID == ownerID && !t.Assignment.Expired(now)
}

// ClaimableAt reports whether the task can be claimed at the given instant:
// either its status allows it outright, or its lease has lapsed.
func (t *Task) ClaimableAt(now time.Time) bool {
	if t.Status.Claimable() {
		return true
	}
	return t.Status.Active() && t.Assignment.Expired(now)
}

// AppendHistory adds an audit entry. The log is append-only.
func (t *Task) AppendHistory(e HandoffEntry) {
	t.HandoffHistory = append(t.HandoffHistory, e)
}
