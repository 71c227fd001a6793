package statemachine

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replog/internal/replog"
	"replog/internal/replog/mocks"
)

// recorder is a StateMachine remembering the indexes of every entry it was given
type recorder struct {
	mu      sync.Mutex
	applied []replog.LogIndex
	calls   int
}

func (r *recorder) Apply(entries []replog.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	for _, e := range entries {
		r.applied = append(r.applied, e.Index)
	}
}

func (r *recorder) snapshot() ([]replog.LogIndex, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]replog.LogIndex(nil), r.applied...), r.calls
}

func indexes(from, to replog.LogIndex) []replog.LogIndex {
	var result []replog.LogIndex
	for i := from; i <= to; i++ {
		result = append(result, i)
	}
	return result
}

func newTestApplier(t *testing.T, store replog.LogStorage, sm StateMachine, commit *atomic.Uint64) *Applier {
	t.Helper()
	a := NewApplier("n1", store, sm, func() replog.LogIndex { return replog.LogIndex(commit.Load()) }, nil)
	a.PollInterval = time.Hour
	t.Cleanup(a.Stop)
	return a
}

func TestApplier_AppliesUpToCommitIndex(t *testing.T) {
	store := mocks.NewMockLogStorageWithTerms(1, 1, 1, 1, 1, 1, 1)
	sm := &recorder{}
	var commit atomic.Uint64
	commit.Store(3)

	a := newTestApplier(t, store, sm, &commit)
	a.BatchSize = 2
	a.Start()

	require.Eventually(t, func() bool { return a.LastApplied() == 3 }, time.Second, 5*time.Millisecond)
	applied, calls := sm.snapshot()
	assert.Equal(t, indexes(1, 3), applied)
	assert.Equal(t, 2, calls, "batches of at most two entries")

	t.Run("applies new commits once notified", func(t *testing.T) {
		commit.Store(7)
		a.Notify()

		require.Eventually(t, func() bool { return a.LastApplied() == 7 }, time.Second, 5*time.Millisecond)
		applied, _ := sm.snapshot()
		assert.Equal(t, indexes(1, 7), applied, "every entry exactly once and in order")
	})

	t.Run("notifications without progress apply nothing", func(t *testing.T) {
		_, before := sm.snapshot()
		a.Notify()
		a.Notify()
		time.Sleep(20 * time.Millisecond)
		_, after := sm.snapshot()
		assert.Equal(t, before, after)
	})
}

func TestApplier_RetriesFailedReads(t *testing.T) {
	store := mocks.NewMockLogStorageWithTerms(1, 1)
	store.SetError(func(m *mocks.MockLogStorage) { m.ReadRangeError = errors.New("io error") })
	sm := &recorder{}
	var commit atomic.Uint64
	commit.Store(2)

	a := newTestApplier(t, store, sm, &commit)
	a.PollInterval = 10 * time.Millisecond
	a.Start()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, replog.LogIndex(0), a.LastApplied())

	store.SetError(func(m *mocks.MockLogStorage) { m.ReadRangeError = nil })
	assert.Eventually(t, func() bool { return a.LastApplied() == 2 }, time.Second, 5*time.Millisecond)
}

func TestApplier_StopsAtMissingEntries(t *testing.T) {
	// The commit index claims more than the log holds
	store := mocks.NewMockLogStorageWithTerms(1, 1)
	sm := &recorder{}
	var commit atomic.Uint64
	commit.Store(4)

	a := newTestApplier(t, store, sm, &commit)
	a.Start()

	require.Eventually(t, func() bool { return a.LastApplied() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, store.Append(replog.LogEntry{Index: 3, Term: 1}, replog.LogEntry{Index: 4, Term: 1}))
	a.Notify()
	assert.Eventually(t, func() bool { return a.LastApplied() == 4 }, time.Second, 5*time.Millisecond)

	applied, _ := sm.snapshot()
	assert.Equal(t, indexes(1, 4), applied)
}

func TestApplier_Stop(t *testing.T) {
	a := NewApplier("n1", mocks.NewMockLogStorage(), &recorder{}, func() replog.LogIndex { return 0 }, nil)
	a.Start()
	a.Stop()
	a.Stop()
	a.Notify()
}
