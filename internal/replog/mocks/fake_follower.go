package mocks

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"replog/internal/replog"
)

// Responder answers a single AppendEntries call in place of the wrapped handler
type Responder func(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error)

// FakeFollower is an in-process replog.AbstractFollower. It hands requests to a local handler (usually a
// follower.Handler on a MockLogStorage) and can simulate partitions and custom responses.
type FakeFollower struct {
	id      replog.ParticipantID
	handler replog.AppendEntriesHandler

	partitioned atomic.Bool

	mu        sync.Mutex
	responder Responder
	requests  []replog.AppendEntriesRequest
}

var _ replog.AbstractFollower = (*FakeFollower)(nil)

// NewFakeFollower creates a FakeFollower delivering requests to handler
func NewFakeFollower(id replog.ParticipantID, handler replog.AppendEntriesHandler) *FakeFollower {
	return &FakeFollower{id: id, handler: handler}
}

func (f *FakeFollower) ParticipantID() replog.ParticipantID {
	return f.id
}

// AppendEntries records the request, then either blocks (partitioned), asks the responder, or forwards to the handler
func (f *FakeFollower) AppendEntries(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, *req)
	responder := f.responder
	f.mu.Unlock()

	if f.partitioned.Load() {
		// A partitioned follower never answers; the caller's timeout fires
		<-ctx.Done()
		return nil, fmt.Errorf("follower %s unreachable: %w", f.id, ctx.Err())
	}

	if responder != nil {
		return responder(ctx, req)
	}
	if f.handler == nil {
		return nil, fmt.Errorf("follower %s has no handler", f.id)
	}
	return f.handler.AppendEntries(ctx, req)
}

// SetPartitioned toggles the simulated partition
func (f *FakeFollower) SetPartitioned(partitioned bool) {
	f.partitioned.Store(partitioned)
}

// SetResponder installs a custom responder; nil restores forwarding to the handler
func (f *FakeFollower) SetResponder(responder Responder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responder = responder
}

// Requests returns a copy of all requests received so far
func (f *FakeFollower) Requests() []replog.AppendEntriesRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := make([]replog.AppendEntriesRequest, len(f.requests))
	copy(result, f.requests)
	return result
}

// RequestCount returns how many requests were received so far
func (f *FakeFollower) RequestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}
