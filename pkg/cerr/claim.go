package cerr

import "fmt"

// Protocol reasons. Everything except STORE_UNAVAILABLE is an expected,
// recoverable outcome the caller branches on; only STORE_UNAVAILABLE
// warrants alerting.
const (
	ReasonConflict         = "CONFLICT"
	ReasonNotClaimable     = "NOT_CLAIMABLE"
	ReasonVersionMismatch  = "VERSION_MISMATCH"
	ReasonCapacityExceeded = "CAPACITY_EXCEEDED"
	ReasonRefusedOverlap   = "REFUSED_OVERLAP"
	ReasonStoreUnavailable = "STORE_UNAVAILABLE"
	ReasonStaleView        = "STALE_VIEW"
	ReasonLeaseExpired     = "LEASE_EXPIRED"
)

// NewConflict reports an unexpired lease held by another owner.
func NewConflict(key, ownerID string) *Error {
	return NewErrorWithDetails(AlreadyExists,
		fmt.Sprintf("task %s is held by another owner", key), nil,
		[]Detail{{Reason: ReasonConflict, OwnerID: ownerID}})
}

// NewNotClaimable reports a task whose status rules out claiming.
func NewNotClaimable(key, status string) *Error {
	return NewErrorWithDetails(FailedPrecondition,
		fmt.Sprintf("task %s is not claimable in status %s", key, status), nil,
		[]Detail{{Reason: ReasonNotClaimable, Message: status}})
}

// NewVersionMismatch reports that the caller's view of the document is stale.
func NewVersionMismatch(key string, expected, actual int64) *Error {
	return NewErrorWithDetails(Aborted,
		fmt.Sprintf("task %s version mismatch: expected %d, found %d", key, expected, actual), nil,
		[]Detail{{Reason: ReasonVersionMismatch}})
}

// NewCapacityExceeded reports that the owner is already at its claim limit.
func NewCapacityExceeded(ownerID string, limit int) *Error {
	return NewErrorWithDetails(ResourceExhausted,
		fmt.Sprintf("owner %s already holds %d unexpired claims", ownerID, limit), nil,
		[]Detail{{Reason: ReasonCapacityExceeded, OwnerID: ownerID}})
}

// NewRefusedOverlap reports resource paths blocked by competing claims.
func NewRefusedOverlap(key string, competing []string) *Error {
	return NewErrorWithDetails(FailedPrecondition,
		fmt.Sprintf("resource paths of task %s overlap unexpired claims", key), nil,
		[]Detail{{Reason: ReasonRefusedOverlap, TaskKeys: competing}})
}

// NewStaleView rejects a claim whose caller-side snapshot is too old.
func NewStaleView(ageSeconds int64) *Error {
	return NewErrorWithDetails(FailedPrecondition,
		fmt.Sprintf("caller view is %ds old, refresh before claiming", ageSeconds), nil,
		[]Detail{{Reason: ReasonStaleView}})
}

// NewLeaseExpired rejects a renew or guarded write on an already-expired lease.
func NewLeaseExpired(key string) *Error {
	return NewErrorWithDetails(FailedPrecondition,
		fmt.Sprintf("lease on task %s has expired", key), nil,
		[]Detail{{Reason: ReasonLeaseExpired}})
}
