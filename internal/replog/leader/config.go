package leader

import (
	"fmt"
	"time"

	"replog/internal/replog"
)

// Config holds the tunables of a LogLeader
type Config struct {
	// MaxBatchEntries caps the number of entries in a single AppendEntries request
	MaxBatchEntries int
	// MaxBatchBytes caps the payload bytes of a single AppendEntries request. A request always carries at least one
	// entry when the follower is behind, even if that entry alone exceeds the cap.
	MaxBatchBytes int
	// HeartbeatInterval is the longest a follower goes without receiving a request
	HeartbeatInterval time.Duration
	// AppendTimeout bounds a single AppendEntries call
	AppendTimeout time.Duration
	// BackoffBase and BackoffMax define the retry delay after consecutive failures to reach a follower
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// CacheBytes is the size of the in-memory entry cache used to build batches
	CacheBytes int
	// EstablishLeadership makes the leader append an empty entry in its own term when it starts. Entries of previous
	// terms only commit once an entry of the current term commits, so without it a leader that receives no inserts
	// never commits what its predecessor left behind.
	EstablishLeadership bool

	Logger  replog.Logger
	Metrics replog.MetricsCollector

	// StillLeader is asked before every insert. It lets the leadership authority veto writes of a leader that it
	// already replaced but has not resigned yet.
	StillLeader func() bool
	// Guard runs fn only while this participant still leads the term, keeping anyone else from changing the local log
	// until fn returns. It returns an error if leadership was lost, and the leader then steps down. The leader appends
	// and counts its own log towards the quorum only inside Guard. A nil Guard runs fn directly.
	Guard func(fn func() error) error
	// OnStepDown is called once, after the leader stopped, with the reason
	OnStepDown func(reason error)
	// OnCommit is called from the leader goroutine every time the commit index advances. It must not call back into
	// the leader.
	OnCommit func(commitIndex replog.LogIndex)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxBatchEntries:   256,
		MaxBatchBytes:     1 << 20,
		HeartbeatInterval: 100 * time.Millisecond,
		AppendTimeout:     500 * time.Millisecond,
		BackoffBase:       20 * time.Millisecond,
		BackoffMax:        2 * time.Second,
		CacheBytes:        32 << 20,
		Logger:            replog.NewStdLogger("LEADER"),
		Metrics:           replog.NopMetrics{},
	}
}

// Validate checks that the configuration is usable
func (c Config) Validate() error {
	if c.MaxBatchEntries <= 0 {
		return fmt.Errorf("%w: MaxBatchEntries must be positive", replog.ErrInvalidConfig)
	}
	if c.MaxBatchBytes <= 0 {
		return fmt.Errorf("%w: MaxBatchBytes must be positive", replog.ErrInvalidConfig)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: HeartbeatInterval must be positive", replog.ErrInvalidConfig)
	}
	if c.AppendTimeout <= 0 {
		return fmt.Errorf("%w: AppendTimeout must be positive", replog.ErrInvalidConfig)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("%w: need 0 < BackoffBase <= BackoffMax", replog.ErrInvalidConfig)
	}
	if c.CacheBytes < 0 {
		return fmt.Errorf("%w: CacheBytes must not be negative", replog.ErrInvalidConfig)
	}
	if c.Logger == nil {
		return fmt.Errorf("%w: Logger is required", replog.ErrInvalidConfig)
	}
	if c.Metrics == nil {
		return fmt.Errorf("%w: Metrics is required", replog.ErrInvalidConfig)
	}
	return nil
}
