package replog

import (
	"context"
	"time"
)

// AppendEntriesHandler is the receiving side of the AppendEntries RPC
type AppendEntriesHandler interface {
	AppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResult, error)
}

// AbstractFollower is what a leader uses to talk to one remote participant. It is implemented by the gRPC proxy in
// the transport package and by test doubles. A returned error means the request may or may not have reached the
// follower; the leader treats it as a network failure and retries. AppendEntries must return once ctx is done.
type AbstractFollower interface {
	AppendEntriesHandler
	ParticipantID() ParticipantID
}

// Metadata is the persistent, non-log state of a participant. It is updated on stable storage before a follower
// responds to a request that changed it.
type Metadata struct {
	Term        Term
	LeaderID    ParticipantID
	CommitIndex LogIndex
}

// LogStorage is the durable log of a single participant. It is appended to only by the owning node: a leader appends
// its own inserts, a follower appends entries it validated. All writes must be durable when the call returns.
type LogStorage interface {
	// Append appends the given entries. Existing entries at the same indexes are overwritten.
	Append(entries ...LogEntry) error
	// ReadRange returns the entries from fromIndex to toIndex, both inclusive
	ReadRange(fromIndex, toIndex LogIndex) ([]LogEntry, error)
	// ReadEntryAt returns the entry at index. The bool is false if there is no entry at index.
	ReadEntryAt(index LogIndex) (LogEntry, bool, error)
	// TruncateFrom deletes all entries starting from index (inclusive)
	TruncateFrom(index LogIndex) error
	// LastIndex returns the index of the last entry, 0 if the log is empty
	LastIndex() (LogIndex, error)

	LoadMetadata() (Metadata, error)
	SaveMetadata(meta Metadata) error

	Close() error
}

// MetricsCollector receives plain counters and latencies from the log core. Nothing in the core depends on what a
// collector does with them.
type MetricsCollector interface {
	RecordAppendRTT(follower ParticipantID, rtt time.Duration)
	RecordInsertBatchBytes(bytes int)
	RecordAppendEntries()
	RecordHeartbeat()
	RecordCommitted(entries uint64)
	RecordCommitLatency(latency time.Duration)
	RecordBecameLeader()
	RecordBeganFollowing()
	RecordStepDown()
}

// NopMetrics is a MetricsCollector that drops everything
type NopMetrics struct{}

func (NopMetrics) RecordAppendRTT(ParticipantID, time.Duration) {}
func (NopMetrics) RecordInsertBatchBytes(int)                   {}
func (NopMetrics) RecordAppendEntries()                         {}
func (NopMetrics) RecordHeartbeat()                             {}
func (NopMetrics) RecordCommitted(uint64)                       {}
func (NopMetrics) RecordCommitLatency(time.Duration)            {}
func (NopMetrics) RecordBecameLeader()                          {}
func (NopMetrics) RecordBeganFollowing()                        {}
func (NopMetrics) RecordStepDown()                              {}
