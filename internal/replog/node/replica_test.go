package node

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replog/internal/pubsub"
	"replog/internal/replog"
	"replog/internal/replog/leader"
	"replog/internal/replog/mocks"
	"replog/internal/replog/statemachine"
)

// cluster is a set of replicas wired to each other in memory and driven by one bus
type cluster struct {
	bus       *pubsub.Bus
	replicas  map[replog.ParticipantID]*Replica
	stores    map[replog.ParticipantID]*mocks.MockLogStorage
	followers map[replog.ParticipantID]*mocks.FakeFollower
	ids       []replog.ParticipantID
}

func testLeaderConfig() leader.Config {
	cfg := leader.DefaultConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	cfg.AppendTimeout = 50 * time.Millisecond
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffMax = 20 * time.Millisecond
	cfg.Logger = replog.NopLogger{}
	return cfg
}

func newCluster(t *testing.T, n int) *cluster {
	t.Helper()
	c := &cluster{
		bus:       pubsub.NewPubSub(replog.NopLogger{}),
		replicas:  make(map[replog.ParticipantID]*Replica),
		stores:    make(map[replog.ParticipantID]*mocks.MockLogStorage),
		followers: make(map[replog.ParticipantID]*mocks.FakeFollower),
	}

	dial := func(id replog.ParticipantID) replog.AbstractFollower { return c.followers[id] }

	for i := 1; i <= n; i++ {
		id := replog.ParticipantID(fmt.Sprintf("n%d", i))
		store := mocks.NewMockLogStorage()
		r, err := NewReplica(Config{ID: id, Leader: testLeaderConfig(), Logger: replog.NopLogger{}}, store, dial, c.bus)
		require.NoError(t, err)

		c.ids = append(c.ids, id)
		c.replicas[id] = r
		c.stores[id] = store
		c.followers[id] = mocks.NewFakeFollower(id, r.Handler())
	}

	for _, r := range c.replicas {
		r.Start()
	}

	t.Cleanup(func() {
		for _, r := range c.replicas {
			r.Stop()
		}
		c.bus.GracefulShutdown()
	})
	return c
}

// assign publishes an assignment and waits until every replica applied it
func (c *cluster) assign(t *testing.T, term replog.Term, leaderID replog.ParticipantID) *Replica {
	t.Helper()
	require.True(t, Assign(c.bus, Assignment{Term: term, LeaderID: leaderID, Participants: c.ids}))

	l := c.replicas[leaderID]
	require.Eventually(t, func() bool {
		for _, r := range c.replicas {
			if r.Term() != term {
				return false
			}
		}
		return l.IsLeader()
	}, 2*time.Second, 5*time.Millisecond)
	return l
}

func insertAndCommit(t *testing.T, r *Replica, payloads ...string) replog.LogIndex {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	batch := make([][]byte, len(payloads))
	for i, p := range payloads {
		batch[i] = []byte(p)
	}
	index, err := r.InsertBatch(ctx, batch)
	require.NoError(t, err)
	require.NoError(t, r.WaitForIndex(ctx, index))
	return index
}

func TestNewReplica(t *testing.T) {
	bus := pubsub.NewPubSub(replog.NopLogger{})
	defer bus.GracefulShutdown()

	t.Run("requires an id", func(t *testing.T) {
		_, err := NewReplica(Config{Leader: testLeaderConfig()}, mocks.NewMockLogStorage(), nil, bus)
		assert.ErrorIs(t, err, replog.ErrInvalidConfig)
	})

	t.Run("validates the leader config", func(t *testing.T) {
		cfg := testLeaderConfig()
		cfg.HeartbeatInterval = 0
		_, err := NewReplica(Config{ID: "n1", Leader: cfg}, mocks.NewMockLogStorage(), nil, bus)
		assert.ErrorIs(t, err, replog.ErrInvalidConfig)
	})

	t.Run("fails when metadata cannot be loaded", func(t *testing.T) {
		store := mocks.NewMockLogStorage()
		store.SetError(func(m *mocks.MockLogStorage) { m.LoadMetadataError = errors.New("corrupt") })
		_, err := NewReplica(Config{ID: "n1", Leader: testLeaderConfig()}, store, nil, bus)
		assert.Error(t, err)
	})
}

func TestReplica_LeadsAndReplicates(t *testing.T) {
	c := newCluster(t, 3)
	l := c.assign(t, 1, "n1")

	index := insertAndCommit(t, l, "a", "b", "c")
	assert.Equal(t, replog.LogIndex(3), index)

	for _, id := range c.ids {
		r := c.replicas[id]
		assert.Eventually(t, func() bool { return r.Handler().CommitIndex() == index }, 2*time.Second, 5*time.Millisecond,
			"commit index of %s", id)
		assert.Equal(t, []replog.Term{1, 1, 1}, c.stores[id].Terms())
	}

	// The leader persists its own commit index too
	assert.Equal(t, replog.Metadata{Term: 1, LeaderID: "n1", CommitIndex: 3}, c.stores["n1"].Metadata())

	status, ok := l.LeaderStatus()
	require.True(t, ok)
	assert.Len(t, status.Followers, 2)
}

func TestReplica_NotLeader(t *testing.T) {
	c := newCluster(t, 3)

	t.Run("no leader known", func(t *testing.T) {
		_, err := c.replicas["n2"].Insert(context.Background(), []byte("x"))
		assert.ErrorIs(t, err, replog.ErrNotLeader)

		var notLeader *NotLeaderError
		require.ErrorAs(t, err, &notLeader)
		assert.Empty(t, notLeader.LeaderID)
	})

	c.assign(t, 1, "n1")

	t.Run("followers point at the leader", func(t *testing.T) {
		_, err := c.replicas["n2"].Insert(context.Background(), []byte("x"))
		var notLeader *NotLeaderError
		require.ErrorAs(t, err, &notLeader)
		assert.Equal(t, replog.ParticipantID("n1"), notLeader.LeaderID)
		assert.Equal(t, replog.Term(1), notLeader.Term)

		err = c.replicas["n3"].WaitForIndex(context.Background(), 1)
		assert.ErrorIs(t, err, replog.ErrNotLeader)
		assert.False(t, c.replicas["n3"].IsLeader())

		_, ok := c.replicas["n3"].LeaderStatus()
		assert.False(t, ok)
	})
}

func TestReplica_Failover(t *testing.T) {
	c := newCluster(t, 3)

	stepDowns := make(chan *pubsub.Event[StepDown], 4)
	pubsub.Subscribe(c.bus, StepDownEvent, stepDowns, pubsub.SubscriptionOptions{})

	first := c.assign(t, 1, "n1")
	insertAndCommit(t, first, "a", "b")
	// The authority only hands over to a participant that holds everything committed
	require.Eventually(t, func() bool { return c.replicas["n2"].Handler().CommitIndex() == 2 }, 2*time.Second, 5*time.Millisecond)

	second := c.assign(t, 2, "n2")
	assert.False(t, first.IsLeader())

	select {
	case ev := <-stepDowns:
		assert.Equal(t, replog.ParticipantID("n1"), ev.Payload.Participant)
		assert.Equal(t, replog.Term(1), ev.Payload.Term)
		// Revoked by the assignment, or superseded by n2's first request if that arrived earlier
		reason := ev.Payload.Reason
		assert.True(t, errors.Is(reason, leader.ErrResigned) || errors.Is(reason, replog.ErrStaleTerm), "reason %v", reason)
	case <-time.After(time.Second):
		t.Fatal("no step down event")
	}

	_, err := first.Insert(context.Background(), []byte("late"))
	var notLeader *NotLeaderError
	require.ErrorAs(t, err, &notLeader)
	assert.Equal(t, replog.ParticipantID("n2"), notLeader.LeaderID)

	// The new leader keeps what the old one committed and extends it
	index := insertAndCommit(t, second, "c")
	assert.Equal(t, replog.LogIndex(3), index)
	for _, id := range c.ids {
		store := c.stores[id]
		assert.Eventually(t, func() bool {
			terms := store.Terms()
			return len(terms) == 3 && terms[2] == 2
		}, 2*time.Second, 5*time.Millisecond, "log of %s", id)
	}
}

func TestReplica_IgnoresTermDowngrade(t *testing.T) {
	c := newCluster(t, 3)
	c.assign(t, 2, "n2")

	require.True(t, Assign(c.bus, Assignment{Term: 1, LeaderID: "n1", Participants: c.ids}))
	// A later assignment is applied, so the downgrade before it was processed
	c.assign(t, 3, "n2")

	assert.False(t, c.replicas["n1"].IsLeader())
	assert.Equal(t, replog.Term(3), c.replicas["n1"].Term())
}

func TestReplica_LeaderStepsDownOnNewerTerm(t *testing.T) {
	c := newCluster(t, 3)
	l := c.assign(t, 1, "n1")

	// The followers learn about term 5 without the leader being told
	for _, id := range []replog.ParticipantID{"n2", "n3"} {
		require.NoError(t, c.replicas[id].Handler().AdoptTerm(5, "elsewhere"))
	}

	assert.Eventually(t, func() bool { return !l.IsLeader() }, 2*time.Second, 5*time.Millisecond)

	_, err := l.Insert(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, replog.ErrNotLeader)
}

func TestReplica_MembershipChange(t *testing.T) {
	c := newCluster(t, 3)
	l := c.assign(t, 1, "n1")

	require.True(t, Assign(c.bus, Assignment{Term: 1, LeaderID: "n1", Participants: []replog.ParticipantID{"n1", "n2"}}))
	assert.Eventually(t, func() bool {
		status, ok := l.LeaderStatus()
		return ok && len(status.Followers) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// With n3 gone, n1 and n2 are a majority on their own
	c.followers["n3"].SetPartitioned(true)
	insertAndCommit(t, l, "a")

	require.True(t, Assign(c.bus, Assignment{Term: 1, LeaderID: "n1", Participants: c.ids}))
	c.followers["n3"].SetPartitioned(false)
	assert.Eventually(t, func() bool {
		return c.replicas["n3"].Handler().CommitIndex() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReplica_Stop(t *testing.T) {
	c := newCluster(t, 3)
	l := c.assign(t, 1, "n1")

	l.Stop()
	assert.False(t, l.IsLeader())

	_, err := l.Insert(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, replog.ErrStopped)
	assert.ErrorIs(t, l.WaitForIndex(context.Background(), 1), replog.ErrStopped)

	// Stopped replicas no longer apply assignments
	require.True(t, Assign(c.bus, Assignment{Term: 2, LeaderID: "n2", Participants: c.ids}))
	assert.Eventually(t, func() bool { return c.replicas["n2"].IsLeader() }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, replog.Term(1), l.Term())
}

func TestReplica_AppliesCommittedEntries(t *testing.T) {
	bus := pubsub.NewPubSub(replog.NopLogger{})
	defer bus.GracefulShutdown()

	ids := []replog.ParticipantID{"n1", "n2", "n3"}
	replicas := make(map[replog.ParticipantID]*Replica)
	kvs := make(map[replog.ParticipantID]*statemachine.KVStateMachine)
	followers := make(map[replog.ParticipantID]*mocks.FakeFollower)
	dial := func(id replog.ParticipantID) replog.AbstractFollower { return followers[id] }

	for _, id := range ids {
		kvs[id] = statemachine.NewKVStateMachine(id, nil)
		r, err := NewReplica(Config{ID: id, Leader: testLeaderConfig(), Logger: replog.NopLogger{}, StateMachine: kvs[id]},
			mocks.NewMockLogStorage(), dial, bus)
		require.NoError(t, err)
		replicas[id] = r
		followers[id] = mocks.NewFakeFollower(id, r.Handler())
		r.Start()
		defer r.Stop()
	}

	require.True(t, Assign(bus, Assignment{Term: 1, LeaderID: "n1", Participants: ids}))
	require.Eventually(t, func() bool { return replicas["n1"].IsLeader() }, 2*time.Second, 5*time.Millisecond)

	index := insertAndCommit(t, replicas["n1"], "SET a=1", "SET b=2", "DEL a")

	for _, id := range ids {
		r := replicas[id]
		require.Eventually(t, func() bool { return r.LastApplied() == index }, 2*time.Second, 5*time.Millisecond,
			"applied index of %s", id)
		assert.Equal(t, map[string]string{"b": "2"}, kvs[id].GetAll(), "state of %s", id)
	}
}

func TestReplica_LeaderSupersededThroughItsOwnHandler(t *testing.T) {
	c := newCluster(t, 3)
	l := c.assign(t, 1, "n1")
	insertAndCommit(t, l, "a")

	// Entry 2 only reaches the leader's own log
	c.followers["n2"].SetPartitioned(true)
	c.followers["n3"].SetPartitioned(true)
	index, err := l.Insert(context.Background(), []byte("b"))
	require.NoError(t, err)
	require.Equal(t, replog.LogIndex(2), index)

	waitErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		waitErr <- l.WaitForIndex(ctx, index)
	}()

	// A leader of term 2 overwrites the uncommitted entry on n1
	res, err := l.Handler().AppendEntries(context.Background(), &replog.AppendEntriesRequest{
		LeaderTerm:   2,
		LeaderID:     "n2",
		PrevLogIndex: 1,
		PrevLogTerm:  1,
		Entries:      []replog.LogEntry{{Index: 2, Term: 2, Payload: []byte("y")}},
		LeaderCommit: 1,
		MessageID:    1,
	})
	require.NoError(t, err)
	require.True(t, res.Ok())

	// n3 could now acknowledge the old entry 2, which must not count together with n1's rewritten log
	c.followers["n3"].SetPartitioned(false)

	assert.Eventually(t, func() bool { return !l.IsLeader() }, 2*time.Second, 5*time.Millisecond)
	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, replog.ErrNotLeader)
	case <-time.After(3 * time.Second):
		t.Fatal("wait for index 2 did not return")
	}

	entries := c.stores["n1"].Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, replog.LogEntry{Index: 2, Term: 2, Payload: []byte("y")}, entries[1])
	assert.Equal(t, replog.LogIndex(1), l.Handler().CommitIndex())

	_, err = l.Insert(context.Background(), []byte("c"))
	var notLeader *NotLeaderError
	require.ErrorAs(t, err, &notLeader)
	assert.Equal(t, replog.ParticipantID("n2"), notLeader.LeaderID)
	assert.Len(t, c.stores["n1"].Entries(), 2, "a superseded leader must not write to the log")
}
