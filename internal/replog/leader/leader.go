// Package leader implements the leader side of the replicated log: it appends inserts to local storage, replicates
// them to every follower and computes the commit index.
//
// All leader state is owned by a single goroutine. Callers and follower responses reach it through channels, so
// nothing in here takes a lock.
package leader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"replog/internal/replog"
	"replog/internal/replog/cache"
	"replog/internal/replog/quorum"
)

// ErrResigned is the step-down reason when the leadership authority revoked this leader
var ErrResigned = errors.New("leadership revoked")

// response is a finished AppendEntries call, delivered to the leader goroutine
type response struct {
	participant replog.ParticipantID
	messageID   replog.MessageID
	result      *replog.AppendEntriesResult
	err         error
	rtt         time.Duration
	// Set when the call completed after its timeout was already reported
	late bool
}

type pendingInsert struct {
	index replog.LogIndex
	at    time.Time
}

// LogLeader replicates the log of one leader term
type LogLeader struct {
	id          replog.ParticipantID
	term        replog.Term
	incarnation uuid.UUID

	cfg     Config
	backoff Backoff
	store   replog.LogStorage
	cache   *cache.EntryCache
	logger  replog.Logger
	metrics replog.MetricsCollector

	// Cancelled on step down, aborts all in-flight calls
	ctx    context.Context
	cancel context.CancelFunc

	calls     chan func()
	responses chan response
	retries   chan *followerState
	ticks     chan time.Time
	// Closed once the leader goroutine exited
	done chan struct{}
	jobs sync.WaitGroup

	// Written before done is closed
	final   atomic.Pointer[Status]
	exitErr error

	// Owned by the leader goroutine
	followers     map[replog.ParticipantID]*followerState
	lastIndex     replog.LogIndex
	commitIndex   replog.LogIndex
	nextMessageID replog.MessageID
	waiters       waiterHeap
	pending       []pendingInsert
	steppedDown   bool
	stepDownErr   error
}

// New creates the leader of term and starts replicating to followers. The local log in store may hold entries of
// earlier terms; they are replicated as they are.
func New(id replog.ParticipantID, term replog.Term, store replog.LogStorage, followers []replog.AbstractFollower, cfg Config) (*LogLeader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if term == 0 {
		return nil, fmt.Errorf("%w: leader term must be positive", replog.ErrInvalidConfig)
	}

	lastIndex, err := store.LastIndex()
	if err != nil {
		return nil, fmt.Errorf("failed to read last index: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &LogLeader{
		id:            id,
		term:          term,
		incarnation:   uuid.New(),
		cfg:           cfg,
		backoff:       Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax},
		store:         store,
		cache:         cache.New(cfg.CacheBytes),
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		ctx:           ctx,
		cancel:        cancel,
		calls:         make(chan func()),
		responses:     make(chan response, len(followers)+1),
		retries:       make(chan *followerState, len(followers)+1),
		ticks:         make(chan time.Time, 1),
		done:          make(chan struct{}),
		followers:     make(map[replog.ParticipantID]*followerState, len(followers)),
		lastIndex:     lastIndex,
		nextMessageID: 1,
	}

	for _, f := range followers {
		if err := l.addFollower(f); err != nil {
			cancel()
			return nil, err
		}
	}

	if cfg.EstablishLeadership {
		if _, err := l.appendLocal([][]byte{{}}); err != nil {
			cancel()
			return nil, err
		}
	}

	l.logger.Infof("Leader %s (incarnation %s) started in term %d with %d followers, last index %d",
		id, l.incarnation, term, len(l.followers), l.lastIndex)
	l.metrics.RecordBecameLeader()

	l.jobs.Add(1)
	go heartbeatJob(l, cfg.HeartbeatInterval)
	go l.run()

	return l, nil
}

// ID returns the participant id of the leader
func (l *LogLeader) ID() replog.ParticipantID {
	return l.id
}

// Term returns the term this leader was created for
func (l *LogLeader) Term() replog.Term {
	return l.term
}

// Done is closed once the leader stepped down and stopped
func (l *LogLeader) Done() <-chan struct{} {
	return l.done
}

// run is the leader goroutine
func (l *LogLeader) run() {
	l.replicate()

	for !l.steppedDown {
		select {
		case fn := <-l.calls:
			fn()
		case resp := <-l.responses:
			l.handleResponse(resp)
		case fs := <-l.retries:
			l.handleRetry(fs)
		case <-l.ticks:
			l.verifyLeadership()
		}

		if !l.steppedDown {
			l.replicate()
		}
	}

	status := l.status()
	l.final.Store(&status)
	l.exitErr = l.notLeaderError()
	close(l.done)

	l.logger.Infof("Leader %s stopped in term %d at commit index %d", l.id, l.term, l.commitIndex)
	if l.cfg.OnStepDown != nil {
		l.cfg.OnStepDown(l.stepDownErr)
	}
}

// call runs fn on the leader goroutine and waits for it to finish
func (l *LogLeader) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case l.calls <- func() { fn(); close(finished) }:
	case <-l.done:
		return l.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}

	<-finished
	return nil
}

func (l *LogLeader) notLeaderError() error {
	return fmt.Errorf("%w: leader %s of term %d stepped down: %w", replog.ErrNotLeader, l.id, l.term, l.stepDownErr)
}

// Insert appends payload to the log in the leader's term and returns its index. It only waits for local storage; use
// WaitForIndex to wait for the entry to commit.
func (l *LogLeader) Insert(ctx context.Context, payload []byte) (replog.LogIndex, error) {
	return l.InsertBatch(ctx, [][]byte{payload})
}

// InsertBatch appends all payloads with a single storage write and returns the index of the last one. The payloads
// get consecutive indexes.
func (l *LogLeader) InsertBatch(ctx context.Context, payloads [][]byte) (replog.LogIndex, error) {
	if len(payloads) == 0 {
		return 0, errors.New("empty insert batch")
	}
	if l.cfg.StillLeader != nil && !l.cfg.StillLeader() {
		return 0, fmt.Errorf("%w: term %d is no longer current", replog.ErrNotLeader, l.term)
	}

	var (
		index replog.LogIndex
		err   error
	)
	if callErr := l.call(ctx, func() { index, err = l.appendLocal(payloads) }); callErr != nil {
		return 0, callErr
	}
	return index, err
}

func (l *LogLeader) appendLocal(payloads [][]byte) (replog.LogIndex, error) {
	if l.steppedDown {
		return 0, l.notLeaderError()
	}

	entries := make([]replog.LogEntry, len(payloads))
	size := 0
	for i, p := range payloads {
		entries[i] = replog.LogEntry{Index: l.lastIndex + replog.LogIndex(i) + 1, Term: l.term, Payload: p}
		size += len(p)
	}

	err := l.guard(func() error {
		// Nothing but this leader may have written to the log since it started
		last, err := l.store.LastIndex()
		if err != nil {
			return fmt.Errorf("%w: failed to read last index: %w", replog.ErrNotRecoverable, err)
		}
		if last != l.lastIndex {
			return fmt.Errorf("%w: log ends at %d, leader expected %d", replog.ErrNotRecoverable, last, l.lastIndex)
		}

		if err := l.store.Append(entries...); err != nil {
			return fmt.Errorf("%w: failed to append %d entries at %d: %w", replog.ErrNotRecoverable, len(entries), entries[0].Index, err)
		}
		return nil
	})
	if err != nil {
		l.stepDown(err)
		if errors.Is(err, replog.ErrNotRecoverable) {
			return 0, err
		}
		return 0, l.notLeaderError()
	}

	l.lastIndex = entries[len(entries)-1].Index
	l.cache.Put(entries...)
	l.pending = append(l.pending, pendingInsert{index: l.lastIndex, at: time.Now()})
	l.metrics.RecordInsertBatchBytes(size)

	// A leader without followers commits on its own
	l.advanceCommitIndex()
	return l.lastIndex, nil
}

// WaitFor returns a channel that receives nil once index is committed, or an error wrapping replog.ErrNotLeader if the
// leader steps down first. The channel receives exactly one value.
func (l *LogLeader) WaitFor(index replog.LogIndex) <-chan error {
	ch := make(chan error, 1)
	err := l.call(context.Background(), func() {
		if index <= l.commitIndex {
			ch <- nil
			return
		}
		l.waiters.add(index, ch)
	})
	if err != nil {
		ch <- err
	}
	return ch
}

// WaitForIndex blocks until index is committed, the leader steps down, or ctx is done
func (l *LogLeader) WaitForIndex(ctx context.Context, index replog.LogIndex) error {
	select {
	case err := <-l.WaitFor(index):
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStatus returns a copy of the leader state. After the leader stopped it returns the state it stopped with.
func (l *LogLeader) GetStatus() Status {
	var s Status
	if err := l.call(context.Background(), func() { s = l.status() }); err != nil {
		return *l.final.Load()
	}
	return s
}

// AddFollower starts replicating to f. Adding a follower that is already known does nothing.
func (l *LogLeader) AddFollower(f replog.AbstractFollower) error {
	var err error
	if callErr := l.call(context.Background(), func() { err = l.addFollower(f) }); callErr != nil {
		return callErr
	}
	return err
}

func (l *LogLeader) addFollower(f replog.AbstractFollower) error {
	id := f.ParticipantID()
	if id == l.id {
		return fmt.Errorf("%w: leader %s cannot follow itself", replog.ErrInvalidConfig, id)
	}
	if _, ok := l.followers[id]; ok {
		return nil
	}

	l.followers[id] = newFollowerState(f, l.lastIndex+1)
	l.logger.Debugf("Leader %s added follower %s at next index %d", l.id, id, l.lastIndex+1)
	return nil
}

// RemoveFollower stops replicating to the follower with the given id and drops it from the quorum
func (l *LogLeader) RemoveFollower(id replog.ParticipantID) error {
	return l.call(context.Background(), func() {
		fs, ok := l.followers[id]
		if !ok {
			return
		}
		fs.stopRetry()
		delete(l.followers, id)
		l.logger.Infof("Leader %s removed follower %s", l.id, id)

		// A smaller quorum may already hold the next entries
		l.advanceCommitIndex()
	})
}

// Resign steps the leader down and waits until it stopped. Pending waiters fail with replog.ErrNotLeader.
func (l *LogLeader) Resign() {
	l.StepDown(ErrResigned)
}

// StepDown stops the leader with the given reason and waits until it stopped. Stepping down a stopped leader does
// nothing.
func (l *LogLeader) StepDown(reason error) {
	_ = l.call(context.Background(), func() { l.stepDown(reason) })
	<-l.done
	l.jobs.Wait()
}

// guard runs fn through the configured Guard
func (l *LogLeader) guard(fn func() error) error {
	if l.cfg.Guard == nil {
		return fn()
	}
	return l.cfg.Guard(fn)
}

// verifyLeadership steps the leader down if this participant no longer leads the term
func (l *LogLeader) verifyLeadership() bool {
	if err := l.guard(func() error { return nil }); err != nil {
		l.stepDown(err)
		return false
	}
	return true
}

func (l *LogLeader) stepDown(reason error) {
	if l.steppedDown {
		return
	}

	l.steppedDown = true
	l.stepDownErr = reason
	l.logger.Warnf("Leader %s stepping down from term %d: %v", l.id, l.term, reason)
	l.metrics.RecordStepDown()

	l.cancel()
	for _, fs := range l.followers {
		fs.stopRetry()
	}
	l.waiters.failAll(l.notLeaderError())
	l.pending = nil
	l.cache.Reset()
}

func (l *LogLeader) status() Status {
	s := Status{
		ID:          l.id,
		Term:        l.term,
		Incarnation: l.incarnation.String(),
		CommitIndex: l.commitIndex,
		LastIndex:   l.lastIndex,
		SteppedDown: l.steppedDown,
		Followers:   make([]FollowerStatus, 0, len(l.followers)),
		Cache:       l.cache.Stats(),
	}
	if l.stepDownErr != nil {
		s.StepDownReason = l.stepDownErr.Error()
	}

	for _, fs := range l.followers {
		s.Followers = append(s.Followers, fs.status(l.lastIndex))
	}
	sort.Slice(s.Followers, func(i, j int) bool {
		return s.Followers[i].ID < s.Followers[j].ID
	})
	return s
}

// replicate sends a request to every follower that should get one now
func (l *LogLeader) replicate() {
	now := time.Now()
	for _, fs := range l.followers {
		if fs.state == StateAcked {
			fs.state = StateIdle
		}
		if !l.shouldSend(fs, now) {
			continue
		}

		req, err := l.buildRequest(fs)
		if err != nil {
			l.stepDown(fmt.Errorf("%w: failed to build request for %s: %w", replog.ErrNotRecoverable, fs.id(), err))
			return
		}
		l.send(fs, req, now)
	}
}

// buildRequest builds the next request for fs, starting at its next index
func (l *LogLeader) buildRequest(fs *followerState) (*replog.AppendEntriesRequest, error) {
	prev := fs.nextIndex - 1
	prevTerm, err := l.termAt(prev)
	if err != nil {
		return nil, err
	}

	req := &replog.AppendEntriesRequest{
		LeaderTerm:   l.term,
		LeaderID:     l.id,
		PrevLogIndex: prev,
		PrevLogTerm:  prevTerm,
		LeaderCommit: l.commitIndex,
		MessageID:    l.nextMessageID,
	}
	l.nextMessageID++

	if fs.nextIndex > l.lastIndex {
		return req, nil
	}

	last := min(l.lastIndex, fs.nextIndex+replog.LogIndex(l.cfg.MaxBatchEntries)-1)
	entries, err := l.readEntries(fs.nextIndex, last)
	if err != nil {
		return nil, err
	}

	size := 0
	for i, e := range entries {
		size += len(e.Payload)
		if i > 0 && size > l.cfg.MaxBatchBytes {
			entries = entries[:i]
			break
		}
	}

	req.Entries = entries
	// The batch only vouches for entries up to its last index
	req.LeaderCommit = min(l.commitIndex, req.LastIndex())
	return req, nil
}

func (l *LogLeader) send(fs *followerState, req *replog.AppendEntriesRequest, now time.Time) {
	fs.state = StateSending
	fs.lastRequestID = req.MessageID
	fs.lastSent = now
	fs.inFlight = &inFlight{
		id:           req.MessageID,
		prevLogIndex: req.PrevLogIndex,
		lastIndex:    req.LastIndex(),
		leaderCommit: req.LeaderCommit,
		sentAt:       now,
	}

	if len(req.Entries) == 0 {
		l.metrics.RecordHeartbeat()
	} else {
		l.metrics.RecordAppendEntries()
		l.logger.Debugf("Leader %s sending %d entries (%d..%d) to %s, msg %d",
			l.id, len(req.Entries), req.Entries[0].Index, req.LastIndex(), fs.id(), req.MessageID)
	}

	go l.sendAppendEntries(fs.follower, req)
}

// sendAppendEntries performs one call, bounded by AppendTimeout. A result arriving after the timeout is still
// delivered, flagged as late.
func (l *LogLeader) sendAppendEntries(f replog.AbstractFollower, req *replog.AppendEntriesRequest) {
	id := f.ParticipantID()
	ctx, cancel := context.WithTimeout(l.ctx, l.cfg.AppendTimeout)
	defer cancel()
	ctx = replog.WithRequestInfo(ctx, id, req.MessageID, l.term)

	type callResult struct {
		res *replog.AppendEntriesResult
		err error
	}

	start := time.Now()
	resultCh := make(chan callResult, 1)
	go func() {
		res, err := f.AppendEntries(ctx, req)
		resultCh <- callResult{res: res, err: err}
	}()

	select {
	case r := <-resultCh:
		l.deliver(response{participant: id, messageID: req.MessageID, result: r.res, err: r.err, rtt: time.Since(start)})
	case <-ctx.Done():
		l.deliver(response{
			participant: id,
			messageID:   req.MessageID,
			err:         fmt.Errorf("%w: %s after %s", replog.ErrTimeout, replog.DescribeRequest(ctx), l.cfg.AppendTimeout),
			rtt:         time.Since(start),
		})

		// Followers are expected to honour ctx, but a stopped leader does not wait for one that does not
		select {
		case r := <-resultCh:
			l.deliver(response{participant: id, messageID: req.MessageID, result: r.res, err: r.err, rtt: time.Since(start), late: true})
		case <-l.done:
		}
	}
}

func (l *LogLeader) deliver(resp response) {
	select {
	case l.responses <- resp:
	case <-l.done:
	}
}

func (l *LogLeader) handleResponse(resp response) {
	fs, ok := l.followers[resp.participant]
	if !ok {
		l.logger.Debugf("Leader %s dropping response from removed follower %s", l.id, resp.participant)
		return
	}

	// Only the response to the single outstanding request counts. Anything else was superseded.
	if fs.inFlight == nil || fs.inFlight.id != resp.messageID {
		l.logger.Debugf("Leader %s discarding stale response from %s (msg %d, late=%v)",
			l.id, resp.participant, resp.messageID, resp.late)
		return
	}
	flight := fs.inFlight
	fs.inFlight = nil

	if resp.err != nil {
		err := resp.err
		if !errors.Is(err, replog.ErrTimeout) && !errors.Is(err, replog.ErrNetworkFailure) {
			err = fmt.Errorf("%w: %w", replog.ErrNetworkFailure, err)
		}
		l.failed(fs, err)
		return
	}

	res := resp.result
	if res == nil || res.MessageID != flight.id {
		l.failed(fs, fmt.Errorf("%w: follower %s answered msg %d with an unrelated result",
			replog.ErrNetworkFailure, fs.id(), flight.id))
		return
	}

	l.metrics.RecordAppendRTT(fs.id(), resp.rtt)

	if res.Term > l.term {
		l.stepDown(fmt.Errorf("%w: follower %s is in term %d", replog.ErrStaleTerm, fs.id(), res.Term))
		return
	}
	fs.snapshotAvailable = res.SnapshotAvailable

	switch o := res.Outcome.(type) {
	case replog.OutcomeOk, nil:
		fs.lastAckedIndex = max(fs.lastAckedIndex, flight.lastIndex)
		fs.nextIndex = flight.lastIndex + 1
		fs.lastCommitSent = flight.leaderCommit
		fs.consecutiveFailures = 0
		fs.state = StateAcked
		l.advanceCommitIndex()
	case replog.OutcomeStaleTerm:
		l.stepDown(fmt.Errorf("follower %s rejected term %d: %w", fs.id(), l.term, o.Err()))
	case replog.OutcomeLogMismatch:
		l.backOff(fs, flight, o)
	case replog.OutcomeNotRecoverable:
		l.failed(fs, fmt.Errorf("follower %s: %w", fs.id(), o.Err()))
	}
}

// backOff moves the next index of fs below the rejected PrevLogIndex, using what the follower reported it holds.
//
// A missing entry sends the leader straight to the follower's end of log. A term conflict skips every leader entry
// whose term is above the follower's term at the conflict: follower terms never decrease along its log, so none of
// those can match.
func (l *LogLeader) backOff(fs *followerState, flight *inFlight, mismatch replog.OutcomeLogMismatch) {
	c := mismatch.Conflict
	prev := flight.prevLogIndex
	if prev == 0 {
		// Everything agrees on the empty prefix, a follower claiming otherwise is broken
		l.failed(fs, fmt.Errorf("%w: follower %s reported a mismatch at index 0", replog.ErrNotRecoverable, fs.id()))
		return
	}

	next := min(c.Index, prev) - 1
	if !c.Missing() {
		for next > 0 {
			term, err := l.termAt(next)
			if err != nil {
				l.stepDown(fmt.Errorf("%w: failed to read term at %d: %w", replog.ErrNotRecoverable, next, err))
				return
			}
			if term <= c.Term {
				break
			}
			next--
		}
	}

	l.logger.Debugf("Leader %s got mismatch from %s at %d (%v), next prev index %d",
		l.id, fs.id(), prev, mismatch.Err(), next)
	fs.nextIndex = next + 1
	fs.consecutiveFailures = 0
	fs.state = StateIdle
}

func (l *LogLeader) failed(fs *followerState, err error) {
	fs.consecutiveFailures++
	fs.state = StateFailed

	delay := l.backoff.Delay(fs.consecutiveFailures)
	if fs.consecutiveFailures == 1 {
		l.logger.Warnf("Leader %s failed to replicate to %s: %v", l.id, fs.id(), err)
	} else {
		l.logger.Debugf("Leader %s failed to replicate to %s (%d in a row, retry in %s): %v",
			l.id, fs.id(), fs.consecutiveFailures, delay, err)
	}

	fs.stopRetry()
	fs.retryTimer = time.AfterFunc(delay, func() {
		select {
		case l.retries <- fs:
		case <-l.done:
		}
	})
}

func (l *LogLeader) handleRetry(fs *followerState) {
	// The follower may have been removed, or removed and added again, since the timer was set
	if l.followers[fs.id()] != fs || fs.state != StateFailed {
		return
	}
	fs.retryTimer = nil
	fs.state = StateIdle
}

func (l *LogLeader) advanceCommitIndex() {
	acks := make([]quorum.Acknowledgement, 0, len(l.followers)+1)
	acks = append(acks, quorum.Acknowledgement{Participant: l.id, Index: l.lastIndex})
	for id, fs := range l.followers {
		acks = append(acks, quorum.Acknowledgement{Participant: id, Index: fs.lastAckedIndex})
	}

	commit := quorum.CommitIndex(l.commitIndex, l.term, acks, l.lookupTerm)
	if commit <= l.commitIndex {
		return
	}
	// The leader's own log only counts if no other leader can have rewritten it
	if !l.verifyLeadership() {
		return
	}

	l.metrics.RecordCommitted(uint64(commit - l.commitIndex))
	l.commitIndex = commit
	resolved := l.waiters.resolveUpTo(commit)

	now := time.Now()
	for len(l.pending) > 0 && l.pending[0].index <= commit {
		l.metrics.RecordCommitLatency(now.Sub(l.pending[0].at))
		l.pending = l.pending[1:]
	}

	l.logger.Debugf("Leader %s commit index now %d, resolved %d waiters", l.id, commit, resolved)
	if l.cfg.OnCommit != nil {
		l.cfg.OnCommit(commit)
	}
}

func (l *LogLeader) lookupTerm(index replog.LogIndex) (replog.Term, bool) {
	term, err := l.termAt(index)
	if err != nil {
		l.logger.Warnf("Leader %s failed to read term at %d: %v", l.id, index, err)
		return 0, false
	}
	return term, true
}

// termAt returns the term of the local entry at index, 0 for index 0
func (l *LogLeader) termAt(index replog.LogIndex) (replog.Term, error) {
	if index == 0 {
		return 0, nil
	}
	if e, ok := l.cache.Get(index); ok {
		return e.Term, nil
	}

	e, ok, err := l.store.ReadEntryAt(index)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("index %d: %w", index, replog.ErrEntryNotFound)
	}
	return e.Term, nil
}

// readEntries returns the entries from fromIndex to toIndex (inclusive), from the cache if possible
func (l *LogLeader) readEntries(fromIndex, toIndex replog.LogIndex) ([]replog.LogEntry, error) {
	if entries, ok := l.cache.GetRange(fromIndex, toIndex); ok {
		return entries, nil
	}

	entries, err := l.store.ReadRange(fromIndex, toIndex)
	if err != nil {
		return nil, err
	}
	if len(entries) != int(toIndex-fromIndex+1) {
		return nil, fmt.Errorf("range %d..%d has %d entries: %w", fromIndex, toIndex, len(entries), replog.ErrEntryNotFound)
	}

	l.cache.Put(entries...)
	return entries, nil
}
