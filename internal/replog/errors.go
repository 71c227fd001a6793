package replog

import "errors"

var (
	// ErrStaleTerm is returned when a term has been superseded. It is fatal to the leader instance that observes it.
	ErrStaleTerm = errors.New("stale term")
	// ErrLogMismatch is returned when a follower's log disagrees with the leader at the previous index
	ErrLogMismatch = errors.New("log mismatch")
	// ErrNotLeader is returned to callers when this node is not (or no longer) the leader. Callers must retry against
	// whichever node currently leads.
	ErrNotLeader = errors.New("not leader")
	// ErrNetworkFailure wraps transport failures while talking to a follower
	ErrNetworkFailure = errors.New("network failure")
	// ErrTimeout is returned when an AppendEntries call did not complete in time
	ErrTimeout = errors.New("append entries timeout")
	// ErrNotRecoverable is returned for local failures, e.g. storage, after which the node must be considered failed
	ErrNotRecoverable = errors.New("not recoverable")
	// ErrStopped is returned when an operation is issued against a stopped component
	ErrStopped = errors.New("stopped")
	// ErrInvalidConfig is wrapped by all configuration validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	// ErrChecksumMismatch is returned when a decoded entry does not match its checksum
	ErrChecksumMismatch = errors.New("entry checksum mismatch")
	// ErrEntryNotFound is returned when a log entry does not exist at the given index
	ErrEntryNotFound = errors.New("log entry not found")
)
