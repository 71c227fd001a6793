// Package quorum computes the commit index of a replicated log from the progress of its participants.
//
// Everything here is a pure function: the leader passes in the acknowledged index of every participant (itself
// included) and gets back the highest index that is safe to consider committed.
package quorum

import (
	"sort"

	"replog/internal/replog"
)

// Acknowledgement is the highest index a participant is known to have persisted
type Acknowledgement struct {
	Participant replog.ParticipantID
	Index       replog.LogIndex
}

// TermLookup returns the term of the entry at index in the leader's log. The bool is false if there is no such entry.
type TermLookup func(index replog.LogIndex) (replog.Term, bool)

// Size returns the number of participants that form a strict majority out of n
func Size(n int) int {
	return n/2 + 1
}

// dedupe keeps a single acknowledgement per participant, the highest one
func dedupe(acks []Acknowledgement) []replog.LogIndex {
	highest := make(map[replog.ParticipantID]replog.LogIndex, len(acks))
	for _, ack := range acks {
		if idx, ok := highest[ack.Participant]; !ok || ack.Index > idx {
			highest[ack.Participant] = ack.Index
		}
	}

	indexes := make([]replog.LogIndex, 0, len(highest))
	for _, idx := range highest {
		indexes = append(indexes, idx)
	}
	return indexes
}

// MajorityIndex returns the largest index that a strict majority of the participants has acknowledged. Each
// participant is counted once, no matter how many acknowledgements it appears with.
func MajorityIndex(acks []Acknowledgement) replog.LogIndex {
	indexes := dedupe(acks)
	if len(indexes) == 0 {
		return 0
	}

	// Descending: the k-th largest index is acknowledged by at least k participants
	sort.Slice(indexes, func(i, j int) bool {
		return indexes[i] > indexes[j]
	})

	return indexes[Size(len(indexes))-1]
}

// CommitIndex computes the new commit index of a leader in leaderTerm. The majority index only counts if the entry
// there was created in leaderTerm: entries of earlier terms become committed implicitly, once an entry of the current
// term is committed on top of them. The result is never below current.
func CommitIndex(current replog.LogIndex, leaderTerm replog.Term, acks []Acknowledgement, termAt TermLookup) replog.LogIndex {
	candidate := MajorityIndex(acks)
	if candidate <= current {
		return current
	}

	term, ok := termAt(candidate)
	if !ok || term != leaderTerm {
		return current
	}

	return candidate
}
