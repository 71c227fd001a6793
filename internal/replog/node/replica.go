// Package node hosts one participant of the replicated log. A Replica always runs the follower handler and, while the
// leadership authority assigns it a term, a LogLeader on top of the same storage.
package node

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"replog/internal/pubsub"
	"replog/internal/replog"
	"replog/internal/replog/follower"
	"replog/internal/replog/leader"
	"replog/internal/replog/statemachine"
)

// DialFunc returns the proxy a leader uses to reach participant id
type DialFunc func(id replog.ParticipantID) replog.AbstractFollower

// NotLeaderError is returned by the caller API of a replica that does not lead. It matches replog.ErrNotLeader.
type NotLeaderError struct {
	// LeaderID is the leader this replica recognises, empty if none
	LeaderID replog.ParticipantID
	Term     replog.Term
}

func (e *NotLeaderError) Error() string {
	if e.LeaderID == "" {
		return fmt.Sprintf("not leader: no leader known in term %d", e.Term)
	}
	return fmt.Sprintf("not leader: leader of term %d is %s", e.Term, e.LeaderID)
}

func (e *NotLeaderError) Unwrap() error { return replog.ErrNotLeader }

type Config struct {
	ID replog.ParticipantID
	// Leader is the configuration of every leader the replica starts. Its hooks are set by the replica.
	Leader  leader.Config
	Logger  replog.Logger
	Metrics replog.MetricsCollector
	// StateMachine, if set, receives every committed entry in index order
	StateMachine statemachine.StateMachine
}

type Replica struct {
	id      replog.ParticipantID
	store   replog.LogStorage
	handler *follower.Handler
	applier *statemachine.Applier
	dial    DialFunc
	cfg     Config
	logger  replog.Logger
	bus     *pubsub.Bus

	assignments  chan *pubsub.Event[Assignment]
	subscription pubsub.SubscriberID
	// Signalled when the handler accepted a new term or leader
	termChanged chan struct{}
	startOnce   sync.Once
	closed      atomic.Bool
	stopped     chan struct{}

	mu     sync.RWMutex
	leader *leader.LogLeader
	// The participants of the latest applied assignment
	participants []replog.ParticipantID
}

// NewReplica creates a replica on top of store. It subscribes to assignments on bus right away, so none published
// before Start is missed.
func NewReplica(cfg Config, store replog.LogStorage, dial DialFunc, bus *pubsub.Bus) (*Replica, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: replica id is required", replog.ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = replog.NewStdLogger("NODE")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = replog.NopMetrics{}
	}
	cfg.Leader.Metrics = cfg.Metrics
	if err := cfg.Leader.Validate(); err != nil {
		return nil, err
	}

	var handler *follower.Handler
	var applier *statemachine.Applier
	termChanged := make(chan struct{}, 1)
	opts := []follower.Option{
		follower.WithLogger(cfg.Logger),
		follower.WithMetrics(cfg.Metrics),
		follower.WithTermListener(func(replog.Term, replog.ParticipantID) {
			select {
			case termChanged <- struct{}{}:
			default:
			}
		}),
	}
	if cfg.StateMachine != nil {
		applier = statemachine.NewApplier(cfg.ID, store, cfg.StateMachine,
			func() replog.LogIndex { return handler.CommitIndex() }, cfg.Logger)
		opts = append(opts, follower.WithCommitListener(func(replog.LogIndex) { applier.Notify() }))
	}

	handler, err := follower.NewHandler(cfg.ID, store, opts...)
	if err != nil {
		return nil, err
	}

	r := &Replica{
		id:          cfg.ID,
		store:       store,
		handler:     handler,
		applier:     applier,
		dial:        dial,
		cfg:         cfg,
		logger:      cfg.Logger,
		bus:         bus,
		assignments: make(chan *pubsub.Event[Assignment], 16),
		termChanged: termChanged,
		stopped:     make(chan struct{}),
	}
	// Assignments must not be dropped
	r.subscription = pubsub.Subscribe(bus, AssignmentEvent, r.assignments, pubsub.SubscriptionOptions{IsBlocking: true})
	return r, nil
}

// Start runs the orchestrator of the replica, and the applier if there is a state machine, in goroutines
func (r *Replica) Start() {
	r.startOnce.Do(func() {
		if r.applier != nil {
			r.applier.Start()
		}
		go r.run()
	})
}

// Stop unsubscribes from assignments, resigns a running leader and waits for the orchestrator to exit
func (r *Replica) Stop() {
	r.closed.Store(true)
	r.Start()
	r.bus.Unsubscribe(AssignmentEvent, r.subscription)
	<-r.stopped
	if r.applier != nil {
		r.applier.Stop()
	}
}

func (r *Replica) ID() replog.ParticipantID {
	return r.id
}

// Handler is the AppendEntries handler of the replica, to be served to leaders
func (r *Replica) Handler() *follower.Handler {
	return r.handler
}

func (r *Replica) Term() replog.Term {
	return r.handler.Term()
}

// LastApplied returns the index of the last entry applied to the state machine, 0 without one
func (r *Replica) LastApplied() replog.LogIndex {
	if r.applier == nil {
		return 0
	}
	return r.applier.LastApplied()
}

func (r *Replica) getLeader() *leader.LogLeader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leader
}

// IsLeader reports whether the replica runs a leader that did not step down
func (r *Replica) IsLeader() bool {
	l := r.getLeader()
	if l == nil {
		return false
	}
	select {
	case <-l.Done():
		return false
	default:
		return true
	}
}

// LeaderStatus returns the status of the hosted leader, false if there is none
func (r *Replica) LeaderStatus() (leader.Status, bool) {
	l := r.getLeader()
	if l == nil {
		return leader.Status{}, false
	}
	return l.GetStatus(), true
}

func (r *Replica) notLeader() error {
	term := r.handler.Term()
	hint := r.handler.LeaderID()
	if hint == r.id {
		// Our own leader stepped down, we no longer know who leads
		hint = ""
	}
	return &NotLeaderError{LeaderID: hint, Term: term}
}

// Insert appends payload through the hosted leader. A replica that does not lead returns a *NotLeaderError, a stopped
// one replog.ErrStopped.
func (r *Replica) Insert(ctx context.Context, payload []byte) (replog.LogIndex, error) {
	return r.InsertBatch(ctx, [][]byte{payload})
}

func (r *Replica) InsertBatch(ctx context.Context, payloads [][]byte) (replog.LogIndex, error) {
	if r.closed.Load() {
		return 0, fmt.Errorf("replica %s: %w", r.id, replog.ErrStopped)
	}
	l := r.getLeader()
	if l == nil {
		return 0, r.notLeader()
	}
	return l.InsertBatch(ctx, payloads)
}

// WaitForIndex waits until index is committed by the hosted leader
func (r *Replica) WaitForIndex(ctx context.Context, index replog.LogIndex) error {
	if r.closed.Load() {
		return fmt.Errorf("replica %s: %w", r.id, replog.ErrStopped)
	}
	l := r.getLeader()
	if l == nil {
		return r.notLeader()
	}
	return l.WaitForIndex(ctx, index)
}

// run is the orchestrator: it applies assignments one at a time and notices when the hosted leader stops
func (r *Replica) run() {
	defer close(r.stopped)

	for {
		var leaderDone <-chan struct{}
		if l := r.getLeader(); l != nil {
			leaderDone = l.Done()
		}

		select {
		case ev, ok := <-r.assignments:
			if !ok {
				r.resign()
				r.logger.Infof("Replica %s stopped in term %d", r.id, r.handler.Term())
				return
			}
			r.apply(ev.Payload)
		case <-r.termChanged:
			r.checkSuperseded()
		case <-leaderDone:
			r.leaderStopped()
		}
	}
}

func (r *Replica) apply(a Assignment) {
	current := r.handler.Term()
	if a.Term < current {
		r.logger.Warnf("Replica %s ignoring assignment of term %d, already in term %d", r.id, a.Term, current)
		return
	}

	l := r.getLeader()
	if l != nil && l.Term() == a.Term && a.LeaderID == r.id {
		r.reconcileFollowers(l, a.Participants)
		return
	}

	r.resign()

	if err := r.handler.AdoptTerm(a.Term, a.LeaderID); err != nil {
		r.logger.Errorf("Replica %s failed to adopt term %d: %v", r.id, a.Term, err)
		return
	}

	r.mu.Lock()
	r.participants = slices.Clone(a.Participants)
	r.mu.Unlock()

	if a.LeaderID != r.id {
		r.logger.Infof("Replica %s following %s in term %d", r.id, a.LeaderID, a.Term)
		return
	}

	if err := r.lead(a); err != nil {
		r.logger.Errorf("Replica %s failed to lead term %d: %v", r.id, a.Term, err)
	}
}

func (r *Replica) lead(a Assignment) error {
	followers := make([]replog.AbstractFollower, 0, len(a.Participants))
	for _, id := range a.Participants {
		if id != r.id {
			followers = append(followers, r.dial(id))
		}
	}

	term := a.Term
	cfg := r.cfg.Leader
	cfg.StillLeader = func() bool {
		return r.handler.Term() == term && r.handler.LeaderID() == r.id
	}
	cfg.Guard = func(fn func() error) error {
		return r.handler.WhileLeading(term, fn)
	}
	cfg.OnCommit = func(commitIndex replog.LogIndex) {
		if err := r.handler.ObserveCommit(term, commitIndex); err != nil {
			r.logger.Errorf("Replica %s: %v", r.id, err)
		}
	}
	cfg.OnStepDown = func(reason error) {
		pubsub.Publish(r.bus, pubsub.NewEvent(StepDownEvent, StepDown{Participant: r.id, Term: term, Reason: reason}))
	}

	l, err := leader.New(r.id, term, r.store, followers, cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.leader = l
	r.mu.Unlock()

	r.logger.Infof("Replica %s leading term %d with %d followers", r.id, term, len(followers))
	return nil
}

// reconcileFollowers applies a membership change within the term the replica leads
func (r *Replica) reconcileFollowers(l *leader.LogLeader, participants []replog.ParticipantID) {
	r.mu.Lock()
	previous := r.participants
	r.participants = slices.Clone(participants)
	r.mu.Unlock()

	for _, id := range participants {
		if id != r.id && !slices.Contains(previous, id) {
			if err := l.AddFollower(r.dial(id)); err != nil {
				r.logger.Warnf("Replica %s could not add follower %s: %v", r.id, id, err)
			}
		}
	}
	for _, id := range previous {
		if id != r.id && !slices.Contains(participants, id) {
			if err := l.RemoveFollower(id); err != nil {
				r.logger.Warnf("Replica %s could not remove follower %s: %v", r.id, id, err)
			}
		}
	}
}

// resign stops the hosted leader, if any, and waits for it
func (r *Replica) resign() {
	r.mu.Lock()
	l := r.leader
	r.leader = nil
	r.mu.Unlock()

	if l != nil {
		l.Resign()
	}
}

// checkSuperseded steps the hosted leader down as soon as the handler accepted a newer term or another leader. The
// leader would notice on its own at its next heartbeat tick.
func (r *Replica) checkSuperseded() {
	l := r.getLeader()
	if l == nil {
		return
	}

	term, leaderID := r.handler.Term(), r.handler.LeaderID()
	if term == l.Term() && leaderID == r.id {
		return
	}
	l.StepDown(fmt.Errorf("%w: %s accepted leader %s in term %d", replog.ErrStaleTerm, r.id, leaderID, term))
}

// leaderStopped forgets a leader that stepped down on its own, e.g. after seeing a newer term
func (r *Replica) leaderStopped() {
	r.mu.Lock()
	l := r.leader
	r.leader = nil
	r.mu.Unlock()

	if l == nil {
		return
	}
	status := l.GetStatus()
	r.logger.Warnf("Leader on %s stopped in term %d at commit index %d: %s",
		r.id, status.Term, status.CommitIndex, status.StepDownReason)
}
