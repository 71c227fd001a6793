// Package follower implements the receiving side of AppendEntries.
package follower

import (
	"context"
	"fmt"
	"sync"

	"replog/internal/replog"
)

// Option configures a Handler
type Option func(h *Handler)

// WithLogger sets the logger of the handler
func WithLogger(logger replog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithMetrics sets the metrics collector of the handler
func WithMetrics(metrics replog.MetricsCollector) Option {
	return func(h *Handler) { h.metrics = metrics }
}

// WithSnapshotStatus sets the function reporting whether this participant holds data that allows it to serve reads
// without further catch-up. It is reported to the leader with every response. The default reports true.
func WithSnapshotStatus(status func() bool) Option {
	return func(h *Handler) { h.snapshotAvailable = status }
}

// WithCommitListener sets a function called with the new commit index every time it advances. It is called with the
// handler locked and must not block.
func WithCommitListener(listener func(commitIndex replog.LogIndex)) Option {
	return func(h *Handler) { h.onCommit = listener }
}

// WithTermListener sets a function called whenever the handler adopts a new term or recognises a new leader. It is
// called with the handler locked and must not block.
func WithTermListener(listener func(term replog.Term, leaderID replog.ParticipantID)) Option {
	return func(h *Handler) { h.onTerm = listener }
}

// Handler validates incoming AppendEntries requests against the local term and log, and applies them. Requests are
// processed one at a time.
type Handler struct {
	// Protects all fields below
	mu sync.Mutex

	id    replog.ParticipantID
	store replog.LogStorage

	// The latest term this participant has seen, and the leader it recognises in that term. Both are persisted
	// before they are acted upon.
	term     replog.Term
	leaderID replog.ParticipantID
	// The highest index known to be committed. It never decreases, and entries up to it are never overwritten.
	commitIndex replog.LogIndex

	logger            replog.Logger
	metrics           replog.MetricsCollector
	snapshotAvailable func() bool
	onCommit          func(commitIndex replog.LogIndex)
	onTerm            func(term replog.Term, leaderID replog.ParticipantID)
}

// NewHandler creates a handler on top of store, restoring term, leader and commit index from its metadata
func NewHandler(id replog.ParticipantID, store replog.LogStorage, opts ...Option) (*Handler, error) {
	meta, err := store.LoadMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata for %s: %w", id, err)
	}

	h := &Handler{
		id:                id,
		store:             store,
		term:              meta.Term,
		leaderID:          meta.LeaderID,
		commitIndex:       meta.CommitIndex,
		logger:            replog.NopLogger{},
		metrics:           replog.NopMetrics{},
		snapshotAvailable: func() bool { return true },
		onCommit:          func(replog.LogIndex) {},
		onTerm:            func(replog.Term, replog.ParticipantID) {},
	}
	for _, opt := range opts {
		opt(h)
	}

	return h, nil
}

// ID returns the participant id of the handler
func (h *Handler) ID() replog.ParticipantID {
	return h.id
}

// Term returns the current term
func (h *Handler) Term() replog.Term {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.term
}

// LeaderID returns the leader recognised in the current term, if any
func (h *Handler) LeaderID() replog.ParticipantID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaderID
}

// CommitIndex returns the highest index this participant knows to be committed
func (h *Handler) CommitIndex() replog.LogIndex {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.commitIndex
}

// AdoptTerm is called when the leadership authority assigns a new term. Terms never go backwards: an older term is
// rejected with replog.ErrStaleTerm.
func (h *Handler) AdoptTerm(term replog.Term, leaderID replog.ParticipantID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if term < h.term {
		return fmt.Errorf("cannot adopt term %d, already in term %d: %w", term, h.term, replog.ErrStaleTerm)
	}
	return h.follow(term, leaderID)
}

// ObserveCommit records a commit index reached while this participant leads term. The leader appends to the same
// store, so the handler only has to persist the index. Observations for any other term are ignored.
func (h *Handler) ObserveCommit(term replog.Term, index replog.LogIndex) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if term != h.term || h.leaderID != h.id || index <= h.commitIndex {
		return nil
	}

	meta := replog.Metadata{Term: h.term, LeaderID: h.leaderID, CommitIndex: index}
	if err := h.store.SaveMetadata(meta); err != nil {
		return fmt.Errorf("failed to persist commit index %d: %w", index, err)
	}
	h.commitIndex = index
	h.onCommit(index)
	return nil
}

// WhileLeading runs fn while this participant is the recognised leader of term. No AppendEntries request can change
// the log while fn runs. If another leader or a newer term was accepted, fn is not run and an error wrapping
// replog.ErrStaleTerm is returned.
func (h *Handler) WhileLeading(term replog.Term, fn func() error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.term != term || h.leaderID != h.id {
		return fmt.Errorf("%w: %s no longer leads term %d, now term %d led by %q",
			replog.ErrStaleTerm, h.id, term, h.term, h.leaderID)
	}
	return fn()
}

// follow persists and adopts term and leader. Must be called with mu held.
func (h *Handler) follow(term replog.Term, leaderID replog.ParticipantID) error {
	if term == h.term && leaderID == h.leaderID {
		return nil
	}

	meta := replog.Metadata{Term: term, LeaderID: leaderID, CommitIndex: h.commitIndex}
	if err := h.store.SaveMetadata(meta); err != nil {
		return fmt.Errorf("failed to persist term %d: %w", term, err)
	}

	h.logger.Infof("Participant %s now in term %d, leader %s (was term %d)", h.id, term, leaderID, h.term)
	h.term = term
	h.leaderID = leaderID
	if leaderID != h.id {
		h.metrics.RecordBeganFollowing()
	}
	h.onTerm(term, leaderID)
	return nil
}

func (h *Handler) result(req *replog.AppendEntriesRequest, outcome replog.Outcome) *replog.AppendEntriesResult {
	res := &replog.AppendEntriesResult{
		Term:              h.term,
		Outcome:           outcome,
		MessageID:         req.MessageID,
		SnapshotAvailable: h.snapshotAvailable(),
		Participant:       h.id,
	}

	// The sync index is informational; a failing read must not hide the outcome
	if last, err := h.store.LastIndex(); err == nil {
		res.SyncIndex = last
	}
	return res
}

func (h *Handler) notRecoverable(req *replog.AppendEntriesRequest, err error) *replog.AppendEntriesResult {
	h.logger.Errorf("Participant %s failed to process message %d from %s: %v", h.id, req.MessageID, req.LeaderID, err)
	return h.result(req, replog.OutcomeNotRecoverable{Reason: err.Error()})
}

// AppendEntries handles a single AppendEntries request from a leader.
//
// Receiver rules:
//  1. Reject a request from an older term.
//  2. A newer term is adopted, and its sender recognised as leader.
//  3. Reject if the log has no entry at PrevLogIndex with PrevLogTerm, reporting what is there instead.
//  4. Skip entries that are already present, truncate the first conflicting uncommitted tail, and append the rest.
//  5. Take over the leader's commit index, bounded by the last entry covered by this request.
func (h *Handler) AppendEntries(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if req.LeaderTerm < h.term {
		h.logger.Debugf("Participant %s rejecting message %d from %s: term %d < %d",
			h.id, req.MessageID, req.LeaderID, req.LeaderTerm, h.term)
		return h.result(req, replog.OutcomeStaleTerm{}), nil
	}

	if req.LeaderTerm > h.term || h.leaderID == "" {
		if err := h.follow(req.LeaderTerm, req.LeaderID); err != nil {
			return h.notRecoverable(req, err), nil
		}
	} else if req.LeaderID != h.leaderID {
		// Two leaders in the same term: the authority broke its contract, refuse to take part
		return h.notRecoverable(req, fmt.Errorf("leader %s in term %d, but %s is the recognised leader",
			req.LeaderID, req.LeaderTerm, h.leaderID)), nil
	}

	if err := validateEntries(req); err != nil {
		return h.notRecoverable(req, err), nil
	}

	if conflict, ok, err := h.checkPrevious(req); err != nil {
		return h.notRecoverable(req, err), nil
	} else if !ok {
		h.logger.Debugf("Participant %s log mismatch at %d (leader term %d, local %+v)",
			h.id, req.PrevLogIndex, req.PrevLogTerm, conflict)
		return h.result(req, replog.OutcomeLogMismatch{Conflict: conflict}), nil
	}

	if err := h.appendNew(req); err != nil {
		return h.notRecoverable(req, err), nil
	}

	if err := h.advanceCommitIndex(req); err != nil {
		return h.notRecoverable(req, err), nil
	}

	return h.result(req, replog.OutcomeOk{}), nil
}

// validateEntries checks that the entries directly follow PrevLogIndex without gaps
func validateEntries(req *replog.AppendEntriesRequest) error {
	for i, e := range req.Entries {
		if want := req.PrevLogIndex + replog.LogIndex(i) + 1; e.Index != want {
			return fmt.Errorf("malformed request: entry %d at position %d, expected index %d", e.Index, i, want)
		}
	}
	return nil
}

// checkPrevious verifies that the local log holds the entry preceding the request's entries. If it does not, the
// returned conflict describes what the local log holds at that position.
func (h *Handler) checkPrevious(req *replog.AppendEntriesRequest) (replog.Conflict, bool, error) {
	// Every log agrees on the empty prefix
	if req.PrevLogIndex == 0 {
		return replog.Conflict{}, true, nil
	}

	entry, ok, err := h.store.ReadEntryAt(req.PrevLogIndex)
	if err != nil {
		return replog.Conflict{}, false, err
	}

	if !ok {
		last, err := h.store.LastIndex()
		if err != nil {
			return replog.Conflict{}, false, err
		}
		return replog.Conflict{Index: last + 1}, false, nil
	}

	if entry.Term != req.PrevLogTerm {
		return replog.Conflict{Index: req.PrevLogIndex, Term: entry.Term}, false, nil
	}
	return replog.Conflict{}, true, nil
}

// appendNew appends the entries of req that the local log does not hold yet. Replaying a request that was already
// applied leaves the log untouched.
func (h *Handler) appendNew(req *replog.AppendEntriesRequest) error {
	if len(req.Entries) == 0 {
		return nil
	}

	last, err := h.store.LastIndex()
	if err != nil {
		return err
	}

	first := req.Entries[0].Index
	start := 0
	if first <= last {
		existing, err := h.store.ReadRange(first, min(req.LastIndex(), last))
		if err != nil {
			return err
		}

		for start < len(existing) && existing[start].Term == req.Entries[start].Term {
			start++
		}

		if start < len(existing) {
			// Entries from an old leader that never reached commit are the only thing we ever overwrite
			conflictAt := req.Entries[start].Index
			if conflictAt <= h.commitIndex {
				return fmt.Errorf("entry %d (term %d) conflicts with committed entry of term %d",
					conflictAt, req.Entries[start].Term, existing[start].Term)
			}

			h.logger.Warnf("Participant %s truncating log from %d (local term %d, leader term %d)",
				h.id, conflictAt, existing[start].Term, req.Entries[start].Term)
			if err := h.store.TruncateFrom(conflictAt); err != nil {
				return fmt.Errorf("failed to truncate log from %d: %w", conflictAt, err)
			}
		}
	}

	if start == len(req.Entries) {
		return nil
	}
	if err := h.store.Append(req.Entries[start:]...); err != nil {
		return fmt.Errorf("failed to append %d entries: %w", len(req.Entries)-start, err)
	}
	return nil
}

// advanceCommitIndex takes over the leader's commit index. Only entries covered by this request are known to match
// the leader's log, so the commit index is bounded by the request's last index.
func (h *Handler) advanceCommitIndex(req *replog.AppendEntriesRequest) error {
	newCommit := min(req.LeaderCommit, req.LastIndex())
	if newCommit <= h.commitIndex {
		return nil
	}

	// Entries up to newCommit were appended durably above; persist the commit index before acknowledging
	meta := replog.Metadata{Term: h.term, LeaderID: h.leaderID, CommitIndex: newCommit}
	if err := h.store.SaveMetadata(meta); err != nil {
		return fmt.Errorf("failed to persist commit index %d: %w", newCommit, err)
	}

	h.commitIndex = newCommit
	h.onCommit(newCommit)
	return nil
}
