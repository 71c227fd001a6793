package node

import (
	"replog/internal/pubsub"
	"replog/internal/replog"
)

const (
	// AssignmentEvent carries an Assignment from the leadership authority
	AssignmentEvent pubsub.EventType = iota + 1
	// StepDownEvent carries a StepDown, published when a leader hosted by a replica stopped
	StepDownEvent
)

// Assignment names the leader of a term and the participants of the log. Replicas treat every assignment as
// authoritative, except that terms never go backwards.
type Assignment struct {
	Term         replog.Term
	LeaderID     replog.ParticipantID
	Participants []replog.ParticipantID
}

type StepDown struct {
	Participant replog.ParticipantID
	Term        replog.Term
	Reason      error
}

// Assign publishes a on bus. It returns false if the bus is shutting down.
func Assign(bus *pubsub.Bus, a Assignment) bool {
	return pubsub.Publish(bus, pubsub.NewEvent(AssignmentEvent, a))
}
