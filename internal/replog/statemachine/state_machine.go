// Package statemachine applies committed log entries, in index order, to a replicated state machine.
package statemachine

import (
	"sync"
	"sync/atomic"
	"time"

	"replog/internal/replog"
)

// StateMachine consumes committed entries. Entries are handed over in index order and each one exactly once.
type StateMachine interface {
	Apply(entries []replog.LogEntry)
}

const (
	// DefaultApplyBatch is the maximum number of entries read from storage and applied at once
	DefaultApplyBatch = 256
	// DefaultPollInterval is how often the applier checks the commit index without being notified
	DefaultPollInterval = 100 * time.Millisecond
)

// Applier feeds the entries up to the commit index of a participant to a StateMachine. Only committed entries are
// read, so nothing it applies can be overwritten later.
type Applier struct {
	id          replog.ParticipantID
	store       replog.LogStorage
	sm          StateMachine
	commitIndex func() replog.LogIndex
	logger      replog.Logger

	BatchSize    int
	PollInterval time.Duration

	lastApplied atomic.Uint64
	wake        chan struct{}
	done        chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewApplier creates an applier reading from store. commitIndex reports the current commit index of the participant.
func NewApplier(id replog.ParticipantID, store replog.LogStorage, sm StateMachine, commitIndex func() replog.LogIndex,
	logger replog.Logger) *Applier {
	if logger == nil {
		logger = replog.NopLogger{}
	}
	return &Applier{
		id:           id,
		store:        store,
		sm:           sm,
		commitIndex:  commitIndex,
		logger:       logger,
		BatchSize:    DefaultApplyBatch,
		PollInterval: DefaultPollInterval,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (a *Applier) Start() {
	a.startOnce.Do(func() {
		a.wg.Add(1)
		go a.run()
	})
}

// Stop waits for the entries being applied and stops the applier
func (a *Applier) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
	a.wg.Wait()
}

// Notify tells the applier the commit index advanced. It never blocks.
func (a *Applier) Notify() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// LastApplied returns the index of the last entry handed to the state machine
func (a *Applier) LastApplied() replog.LogIndex {
	return replog.LogIndex(a.lastApplied.Load())
}

func (a *Applier) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.PollInterval)
	defer ticker.Stop()

	for {
		a.applyCommitted()

		select {
		case <-a.done:
			return
		case <-a.wake:
		case <-ticker.C:
		}
	}
}

// applyCommitted applies everything between the last applied entry and the commit index. A failed read is retried on
// the next notification or poll.
func (a *Applier) applyCommitted() {
	commit := a.commitIndex()

	for {
		last := a.LastApplied()
		if last >= commit {
			return
		}

		to := min(commit, last+replog.LogIndex(a.BatchSize))
		entries, err := a.store.ReadRange(last+1, to)
		if err != nil {
			a.logger.Errorf("Replica %s failed to read entries %d..%d: %v", a.id, last+1, to, err)
			return
		}
		if len(entries) == 0 || entries[0].Index != last+1 {
			a.logger.Warnf("Replica %s is missing committed entries from index %d", a.id, last+1)
			return
		}

		a.sm.Apply(entries)
		a.lastApplied.Store(uint64(entries[len(entries)-1].Index))
		a.logger.Debugf("Replica %s applied entries %d..%d", a.id, last+1, entries[len(entries)-1].Index)
	}
}
