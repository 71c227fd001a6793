package replog

import "fmt"

// Term is the epoch of a leadership lineage. It is handed to the log core by an external authority and is only ever
// compared and stored here. Terms never decrease on a single node.
type Term uint64

// LogIndex is the position of an entry in the replicated log. The first entry has index 1, so index 0 always means
// "no entry" (an empty log, or the position before the first entry).
type LogIndex uint64

// ParticipantID is the id of a participant (leader or follower) in the replicated log
type ParticipantID string

// MessageID identifies a single AppendEntries request of one leader incarnation. It increases monotonically and lets
// the leader discard responses that were superseded by a newer request to the same follower.
type MessageID uint64

// LogEntry is a single immutable entry of the replicated log
type LogEntry struct {
	Index   LogIndex
	Term    Term
	Payload []byte
}

// String returns a short representation of the entry, without the payload
func (e LogEntry) String() string {
	return fmt.Sprintf("(%d:%d, %dB)", e.Index, e.Term, len(e.Payload))
}

// AppendEntriesRequest is sent by the leader to a single follower. An empty Entries slice is a heartbeat.
type AppendEntriesRequest struct {
	LeaderTerm Term
	LeaderID   ParticipantID
	// PrevLogIndex and PrevLogTerm identify the entry immediately preceding Entries. The follower only accepts Entries
	// if its own log holds an entry with the same index and term.
	PrevLogIndex LogIndex
	PrevLogTerm  Term
	Entries      []LogEntry
	LeaderCommit LogIndex
	MessageID    MessageID
}

// LastIndex returns the index of the last entry carried by the request, or PrevLogIndex for heartbeats
func (r *AppendEntriesRequest) LastIndex() LogIndex {
	return r.PrevLogIndex + LogIndex(len(r.Entries))
}

// PayloadBytes returns the total size of the payloads carried by the request
func (r *AppendEntriesRequest) PayloadBytes() int {
	size := 0
	for _, e := range r.Entries {
		size += len(e.Payload)
	}
	return size
}

// ErrorCode enumerates the Outcome variants. It is what travels on the wire.
type ErrorCode uint8

const (
	CodeOk ErrorCode = iota
	CodeStaleTerm
	CodeLogMismatch
	CodeNotRecoverable
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOk:
		return "Ok"
	case CodeStaleTerm:
		return "StaleTerm"
	case CodeLogMismatch:
		return "LogMismatch"
	case CodeNotRecoverable:
		return "NotRecoverable"
	default:
		return "Unknown"
	}
}

// Conflict describes what a follower actually holds at the position the leader asked about. A zero Term means the
// follower has no entry there, and Index is then the first index missing from the follower's log.
type Conflict struct {
	Index LogIndex
	Term  Term
}

// Missing reports whether the follower had no entry at the requested position
func (c Conflict) Missing() bool {
	return c.Term == 0
}

// Outcome is the result of a follower processing an AppendEntriesRequest. It is a closed set of variants: OutcomeOk,
// OutcomeStaleTerm, OutcomeLogMismatch and OutcomeNotRecoverable. Use a type switch to handle it.
type Outcome interface {
	Code() ErrorCode
	// Err returns the outcome as an error wrapping the matching sentinel, nil for OutcomeOk
	Err() error
	isOutcome()
}

// OutcomeOk means the entries were appended (or were already present) and the commit index was taken over
type OutcomeOk struct{}

// OutcomeStaleTerm means the request carried a term older than the follower's term
type OutcomeStaleTerm struct{}

// OutcomeLogMismatch means the follower's log does not contain the entry at PrevLogIndex with PrevLogTerm
type OutcomeLogMismatch struct {
	Conflict Conflict
}

// OutcomeNotRecoverable means the follower could not process the request because of a local failure, e.g. storage
type OutcomeNotRecoverable struct {
	Reason string
}

func (OutcomeOk) Code() ErrorCode             { return CodeOk }
func (OutcomeStaleTerm) Code() ErrorCode      { return CodeStaleTerm }
func (OutcomeLogMismatch) Code() ErrorCode    { return CodeLogMismatch }
func (OutcomeNotRecoverable) Code() ErrorCode { return CodeNotRecoverable }

func (OutcomeOk) Err() error          { return nil }
func (OutcomeStaleTerm) Err() error   { return ErrStaleTerm }
func (o OutcomeLogMismatch) Err() error {
	return fmt.Errorf("%w: follower holds term %d at index %d", ErrLogMismatch, o.Conflict.Term, o.Conflict.Index)
}
func (o OutcomeNotRecoverable) Err() error { return fmt.Errorf("%w: %s", ErrNotRecoverable, o.Reason) }

func (OutcomeOk) isOutcome()             {}
func (OutcomeStaleTerm) isOutcome()      {}
func (OutcomeLogMismatch) isOutcome()    {}
func (OutcomeNotRecoverable) isOutcome() {}

// AppendEntriesResult is the answer of a follower to exactly one AppendEntriesRequest
type AppendEntriesResult struct {
	// The follower's current term, for the leader to detect that it has been superseded
	Term    Term
	Outcome Outcome
	// Echo of the request's MessageID
	MessageID MessageID
	// SnapshotAvailable tells whether the follower holds data that allows it to serve reads without further catch-up
	SnapshotAvailable bool
	// SyncIndex is the last index the follower has durably persisted
	SyncIndex   LogIndex
	Participant ParticipantID
}

// Ok reports whether the follower accepted the request
func (r *AppendEntriesResult) Ok() bool {
	_, ok := r.Outcome.(OutcomeOk)
	return ok
}

// Code returns the ErrorCode of the result's Outcome. A missing Outcome is treated as Ok.
func (r *AppendEntriesResult) Code() ErrorCode {
	if r.Outcome == nil {
		return CodeOk
	}
	return r.Outcome.Code()
}
