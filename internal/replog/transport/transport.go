// Package transport carries AppendEntries between participants over gRPC. The leader side talks to followers through
// RemoteFollower proxies that implement replog.AbstractFollower; the follower side is a Server wrapping a handler.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"replog/internal/replog"
)

// DefaultRPCTimeout bounds a single AppendEntries call when the caller's context has no deadline
const DefaultRPCTimeout = 500 * time.Millisecond

type Option func(*Transport)

func WithLogger(logger replog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithDialOptions adds options to every connection, e.g. a context dialer in tests
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(t *Transport) { t.dialOptions = append(t.dialOptions, opts...) }
}

func WithRPCTimeout(timeout time.Duration) Option {
	return func(t *Transport) { t.rpcTimeout = timeout }
}

// Transport is the client side: one gRPC connection per peer
type Transport struct {
	// map[replog.ParticipantID]*grpc.ClientConn
	clientsConnPool *sync.Map
	registry        *peerRegistry
	dialOptions     []grpc.DialOption
	rpcTimeout      time.Duration
	logger          replog.Logger
}

func NewTransport(opts ...Option) *Transport {
	t := &Transport{
		clientsConnPool: &sync.Map{},
		registry:        newPeerRegistry(),
		rpcTimeout:      DefaultRPCTimeout,
		logger:          replog.NewStdLogger("TRANSPORT"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) getClientConn(id replog.ParticipantID) (*grpc.ClientConn, error) {
	value, ok := t.clientsConnPool.Load(id)
	if !ok {
		return nil, fmt.Errorf("no connection to participant %s", id)
	}
	conn, ok := value.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid connection type for participant %s: %T", id, value)
	}
	return conn, nil
}

// AddPeer records the address of a peer and opens a connection to it. Calling it again for a known peer only
// updates the address, which the open connection picks up through the resolver.
func (t *Transport) AddPeer(id replog.ParticipantID, address string) error {
	t.registry.set(id, address)

	if _, err := t.getClientConn(id); err == nil {
		return nil
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithResolvers(resolverBuilder{registry: t.registry}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		// The leader retries on its own schedule; a peer that comes back must be reachable again quickly
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  50 * time.Millisecond,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   time.Second,
			},
			MinConnectTimeout: time.Second,
		}),
	}, t.dialOptions...)

	conn, err := grpc.NewClient(peerTarget(id), opts...)
	if err != nil {
		return fmt.Errorf("failed to establish gRPC connection to participant %s: %w", id, err)
	}

	if _, loaded := t.clientsConnPool.LoadOrStore(id, conn); loaded {
		// Lost a race with a concurrent AddPeer
		_ = conn.Close()
		return nil
	}

	t.logger.Infof("Added connection to participant %s at %s", id, address)
	return nil
}

// RemovePeer closes and forgets the connection to a peer
func (t *Transport) RemovePeer(id replog.ParticipantID) {
	t.registry.remove(id)
	if value, ok := t.clientsConnPool.LoadAndDelete(id); ok {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				t.logger.Warnf("Failed to close connection to removed participant %s: %v", id, err)
			}
		}
	}
}

// CloseAllClients closes every connection of the pool
func (t *Transport) CloseAllClients() {
	t.clientsConnPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				t.logger.Warnf("Failed to close connection to %s: %v", key, err)
			}
		}
		t.clientsConnPool.Delete(key)
		return true
	})
	t.logger.Debugf("All client connections closed")
}

// Follower returns a proxy for id. The connection is looked up on every call, so the proxy may be created before
// AddPeer and keeps working across address changes.
func (t *Transport) Follower(id replog.ParticipantID) *RemoteFollower {
	return &RemoteFollower{id: id, transport: t}
}

// RemoteFollower is a replog.AbstractFollower reached over gRPC
type RemoteFollower struct {
	id        replog.ParticipantID
	transport *Transport
}

var _ replog.AbstractFollower = (*RemoteFollower)(nil)

func (f *RemoteFollower) ParticipantID() replog.ParticipantID { return f.id }

// AppendEntries sends one request without retrying. Retries belong to the leader, which knows whether the request is
// still relevant.
func (f *RemoteFollower) AppendEntries(ctx context.Context, req *replog.AppendEntriesRequest) (*replog.AppendEntriesResult, error) {
	conn, err := f.transport.getClientConn(f.id)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", replog.ErrNetworkFailure, replog.DescribeRequest(ctx), err)
	}

	if _, ok := ctx.Deadline(); !ok && f.transport.rpcTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.transport.rpcTimeout)
		defer cancel()
	}

	res := new(replog.AppendEntriesResult)
	if err := conn.Invoke(ctx, appendEntriesMethod, req, res); err != nil {
		if status.Code(err) == codes.DeadlineExceeded || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %w", replog.ErrTimeout, replog.DescribeRequest(ctx), err)
		}
		f.transport.logger.Debugf("AppendEntries %s failed: %v", replog.DescribeRequest(ctx), err)
		return nil, fmt.Errorf("%w: %s: %w", replog.ErrNetworkFailure, replog.DescribeRequest(ctx), err)
	}
	return res, nil
}
