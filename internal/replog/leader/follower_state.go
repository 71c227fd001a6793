package leader

import (
	"time"

	"replog/internal/replog"
	"replog/internal/replog/cache"
)

// inFlight describes the single outstanding request to a follower
type inFlight struct {
	id           replog.MessageID
	prevLogIndex replog.LogIndex
	lastIndex    replog.LogIndex
	leaderCommit replog.LogIndex
	sentAt       time.Time
}

// followerState is the leader's view of one follower. It is only touched by the leader goroutine.
type followerState struct {
	follower replog.AbstractFollower

	// Highest index the follower confirmed to hold. Never decreases.
	lastAckedIndex replog.LogIndex
	// First index to send with the next request
	nextIndex replog.LogIndex

	state SchedulerState
	// Non-nil exactly when state is StateSending
	inFlight      *inFlight
	lastRequestID replog.MessageID

	consecutiveFailures int
	retryTimer          *time.Timer

	lastSent time.Time
	// Commit index carried by the last request the follower acknowledged
	lastCommitSent replog.LogIndex

	snapshotAvailable bool
}

func newFollowerState(f replog.AbstractFollower, nextIndex replog.LogIndex) *followerState {
	return &followerState{
		follower:  f,
		nextIndex: nextIndex,
		state:     StateIdle,
	}
}

func (fs *followerState) id() replog.ParticipantID {
	return fs.follower.ParticipantID()
}

func (fs *followerState) stopRetry() {
	if fs.retryTimer != nil {
		fs.retryTimer.Stop()
		fs.retryTimer = nil
	}
}

func (fs *followerState) status(lastIndex replog.LogIndex) FollowerStatus {
	lag := replog.LogIndex(0)
	if lastIndex > fs.lastAckedIndex {
		lag = lastIndex - fs.lastAckedIndex
	}
	return FollowerStatus{
		ID:                  fs.id(),
		LastAckedIndex:      fs.lastAckedIndex,
		NextIndex:           fs.nextIndex,
		Lag:                 lag,
		State:               fs.state,
		LastRequestID:       fs.lastRequestID,
		ConsecutiveFailures: fs.consecutiveFailures,
		SnapshotAvailable:   fs.snapshotAvailable,
	}
}

// FollowerStatus is a copy of the leader's view of one follower
type FollowerStatus struct {
	ID                  replog.ParticipantID
	LastAckedIndex      replog.LogIndex
	NextIndex           replog.LogIndex
	Lag                 replog.LogIndex
	State               SchedulerState
	LastRequestID       replog.MessageID
	ConsecutiveFailures int
	SnapshotAvailable   bool
}

// Status is a point-in-time copy of the leader state
type Status struct {
	ID          replog.ParticipantID
	Term        replog.Term
	Incarnation string
	CommitIndex replog.LogIndex
	LastIndex   replog.LogIndex
	SteppedDown bool
	// Why the leader stepped down, empty while it leads
	StepDownReason string
	// Sorted by id
	Followers []FollowerStatus
	// Entry cache counters, zeroed once the leader stepped down and dropped the cache
	Cache cache.Stats
}

// Follower returns the status of the follower with the given id
func (s Status) Follower(id replog.ParticipantID) (FollowerStatus, bool) {
	for _, f := range s.Followers {
		if f.ID == id {
			return f, true
		}
	}
	return FollowerStatus{}, false
}
