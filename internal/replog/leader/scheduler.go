package leader

import (
	"time"
)

// SchedulerState is the replication state of a single follower
type SchedulerState int

const (
	// StateIdle means nothing is in flight and the follower may be sent a request
	StateIdle SchedulerState = iota
	// StateSending means exactly one request is in flight
	StateSending
	// StateAcked means the last request succeeded. The follower is re-evaluated right away and goes back to idle.
	StateAcked
	// StateFailed means the last request failed; the follower waits out its backoff before it becomes idle again
	StateFailed
)

func (s SchedulerState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSending:
		return "Sending"
	case StateAcked:
		return "Acked"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Backoff computes retry delays: Base after the first failure, doubling with every further one, never above Max
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns how long to wait after the given number of consecutive failures
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}

	d := b.Base
	for i := 1; i < failures && d < b.Max; i++ {
		d *= 2
	}
	return min(d, b.Max)
}

// shouldSend decides whether an idle follower gets a request now: when it is missing entries, when it has not yet
// been told the current commit index, or when its heartbeat is due.
func (l *LogLeader) shouldSend(fs *followerState, now time.Time) bool {
	if fs.state != StateIdle {
		return false
	}
	if fs.nextIndex <= l.lastIndex {
		return true
	}
	if fs.lastCommitSent < l.commitIndex {
		return true
	}
	return now.Sub(fs.lastSent) >= l.cfg.HeartbeatInterval
}
