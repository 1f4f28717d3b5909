package cerr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	e := NewError(NotFound, "task not found", nil)
	assert.Equal(t, "[NotFound] task not found", e.Error())

	wrapped := NewError(Internal, "server error", errors.New("disk full"))
	assert.Equal(t, "[Internal] server error: disk full", wrapped.Error())
	assert.Equal(t, "disk full", errors.Unwrap(wrapped).Error())
}

func TestIsCode(t *testing.T) {
	e := NewError(AlreadyExists, "duplicate", nil)
	assert.True(t, IsCode(e, AlreadyExists))
	assert.False(t, IsCode(e, NotFound))

	// Works through wrapping.
	assert.True(t, IsCode(fmt.Errorf("context: %w", e), AlreadyExists))
	assert.False(t, IsCode(errors.New("plain"), AlreadyExists))
	assert.False(t, IsCode(nil, AlreadyExists))
}

func TestHasReasonAndReasonOf(t *testing.T) {
	e := NewConflict("FM-00001", "agent-1")
	assert.True(t, HasReason(e, ReasonConflict))
	assert.False(t, HasReason(e, ReasonVersionMismatch))
	assert.Equal(t, ReasonConflict, ReasonOf(e))

	assert.False(t, HasReason(errors.New("plain"), ReasonConflict))
	assert.Equal(t, "", ReasonOf(errors.New("plain")))
}

func TestProtocolConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		code     Code
		reason   string
		httpCode int
	}{
		{"conflict", NewConflict("FM-00001", "agent-1"), AlreadyExists, ReasonConflict, http.StatusConflict},
		{"not claimable", NewNotClaimable("FM-00001", "resolved"), FailedPrecondition, ReasonNotClaimable, http.StatusPreconditionFailed},
		{"version mismatch", NewVersionMismatch("FM-00001", 3, 4), Aborted, ReasonVersionMismatch, http.StatusConflict},
		{"capacity exceeded", NewCapacityExceeded("agent-1", 3), ResourceExhausted, ReasonCapacityExceeded, http.StatusTooManyRequests},
		{"refused overlap", NewRefusedOverlap("FM-00001", []string{"FM-00002"}), FailedPrecondition, ReasonRefusedOverlap, http.StatusPreconditionFailed},
		{"stale view", NewStaleView(600), FailedPrecondition, ReasonStaleView, http.StatusPreconditionFailed},
		{"lease expired", NewLeaseExpired("FM-00001"), FailedPrecondition, ReasonLeaseExpired, http.StatusPreconditionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.True(t, HasReason(tt.err, tt.reason))
			assert.Equal(t, tt.httpCode, tt.err.Code.HTTPCode())
		})
	}
}

func TestConflictCarriesOwner(t *testing.T) {
	e := NewConflict("FM-00001", "agent-1")
	assert.Equal(t, "agent-1", e.Details[0].OwnerID)
}

func TestRefusedOverlapCarriesCompetingKeys(t *testing.T) {
	e := NewRefusedOverlap("FM-00001", []string{"FM-00002", "FM-00003"})
	assert.Equal(t, []string{"FM-00002", "FM-00003"}, e.Details[0].TaskKeys)
}
