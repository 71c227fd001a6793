package quorum

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"replog/internal/replog"
)

func acks(indexes ...replog.LogIndex) []Acknowledgement {
	result := make([]Acknowledgement, 0, len(indexes))
	for i, idx := range indexes {
		result = append(result, Acknowledgement{Participant: replog.ParticipantID(fmt.Sprintf("p%d", i)), Index: idx})
	}
	return result
}

// termsUpTo returns a TermLookup for a log where every entry up to last carries term
func termsUpTo(last replog.LogIndex, term replog.Term) TermLookup {
	return func(index replog.LogIndex) (replog.Term, bool) {
		if index == 0 || index > last {
			return 0, false
		}
		return term, true
	}
}

func TestSize(t *testing.T) {
	assert.Equal(t, 1, Size(1))
	assert.Equal(t, 2, Size(2))
	assert.Equal(t, 2, Size(3))
	assert.Equal(t, 3, Size(4))
	assert.Equal(t, 3, Size(5))
}

func TestMajorityIndex(t *testing.T) {
	t.Run("empty set", func(t *testing.T) {
		assert.Equal(t, replog.LogIndex(0), MajorityIndex(nil))
	})

	t.Run("single participant", func(t *testing.T) {
		assert.Equal(t, replog.LogIndex(7), MajorityIndex(acks(7)))
	})

	t.Run("leader plus three followers needs three", func(t *testing.T) {
		// leader 10, followers 10, 4, 0
		assert.Equal(t, replog.LogIndex(4), MajorityIndex(acks(10, 10, 4, 0)))
		assert.Equal(t, replog.LogIndex(10), MajorityIndex(acks(10, 10, 10, 0)))
	})

	t.Run("five participants", func(t *testing.T) {
		assert.Equal(t, replog.LogIndex(5), MajorityIndex(acks(9, 1, 5, 7, 3)))
	})

	t.Run("a participant is counted once", func(t *testing.T) {
		dup := []Acknowledgement{
			{Participant: "leader", Index: 10},
			{Participant: "a", Index: 10},
			{Participant: "a", Index: 10},
			{Participant: "b", Index: 0},
			{Participant: "c", Index: 0},
		}
		assert.Equal(t, replog.LogIndex(0), MajorityIndex(dup))
	})

	t.Run("duplicate participant keeps its highest ack", func(t *testing.T) {
		dup := []Acknowledgement{
			{Participant: "leader", Index: 8},
			{Participant: "a", Index: 2},
			{Participant: "a", Index: 8},
		}
		assert.Equal(t, replog.LogIndex(8), MajorityIndex(dup))
	})
}

func TestCommitIndex(t *testing.T) {
	t.Run("advances to the majority index in the current term", func(t *testing.T) {
		got := CommitIndex(0, 3, acks(5, 5, 2), termsUpTo(5, 3))
		assert.Equal(t, replog.LogIndex(5), got)
	})

	t.Run("never moves backwards", func(t *testing.T) {
		got := CommitIndex(6, 3, acks(5, 5, 2), termsUpTo(10, 3))
		assert.Equal(t, replog.LogIndex(6), got)
	})

	t.Run("does not count entries of a previous term", func(t *testing.T) {
		// entries 1-4 are from term 2, entry 5 from term 3
		termAt := func(index replog.LogIndex) (replog.Term, bool) {
			switch {
			case index >= 1 && index <= 4:
				return 2, true
			case index == 5:
				return 3, true
			}
			return 0, false
		}

		// Majority has 4, which is from term 2: not committable by counting
		assert.Equal(t, replog.LogIndex(0), CommitIndex(0, 3, acks(5, 4, 4, 1), termAt))

		// Once the term 3 entry is on a majority, everything below it commits with it
		assert.Equal(t, replog.LogIndex(5), CommitIndex(0, 3, acks(5, 5, 5, 1), termAt))
	})

	t.Run("unknown entry keeps the current commit index", func(t *testing.T) {
		got := CommitIndex(1, 3, acks(9, 9, 9), termsUpTo(5, 3))
		assert.Equal(t, replog.LogIndex(1), got)
	})
}

// The commit index must never exceed an index that a strict majority has acknowledged
func TestCommitIndex_QuorumSafety(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 500; round++ {
		n := rng.Intn(7) + 1
		values := make([]replog.LogIndex, n)
		for i := range values {
			values[i] = replog.LogIndex(rng.Intn(20))
		}

		commit := CommitIndex(0, 1, acks(values...), termsUpTo(20, 1))

		count := 0
		for _, v := range values {
			if v >= commit {
				count++
			}
		}
		assert.GreaterOrEqual(t, count, Size(n), "round %d: commit %d with acks %v", round, commit, values)
	}
}
