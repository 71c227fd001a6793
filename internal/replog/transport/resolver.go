package transport

import (
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc/resolver"

	"replog/internal/replog"
)

// resolverScheme lets connections be created by participant id ("replog:///<id>") before the address is known. The
// address can change later without recreating the connection.
const resolverScheme = "replog"

func peerTarget(id replog.ParticipantID) string {
	return fmt.Sprintf("%s:///%s", resolverScheme, id)
}

// peerRegistry maps participant ids to addresses and notifies the resolvers watching an id
type peerRegistry struct {
	mu       sync.RWMutex
	records  map[replog.ParticipantID]string
	watchers map[replog.ParticipantID]map[*peerResolver]struct{}
}

func newPeerRegistry() *peerRegistry {
	return &peerRegistry{
		records:  make(map[replog.ParticipantID]string),
		watchers: make(map[replog.ParticipantID]map[*peerResolver]struct{}),
	}
}

// set stores the address of id and pushes it to every resolver of id
func (r *peerRegistry) set(id replog.ParticipantID, addr string) {
	r.mu.Lock()
	r.records[id] = addr
	watchers := make([]*peerResolver, 0, len(r.watchers[id]))
	for w := range r.watchers[id] {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()

	// Notify after unlocking, UpdateState may call back into ResolveNow
	for _, w := range watchers {
		w.pushCurrent()
	}
}

func (r *peerRegistry) remove(id replog.ParticipantID) {
	r.mu.Lock()
	delete(r.records, id)
	r.mu.Unlock()
}

func (r *peerRegistry) lookup(id replog.ParticipantID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.records[id]
	return addr, ok && addr != ""
}

func (r *peerRegistry) watch(w *peerResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.watchers[w.id]
	if set == nil {
		set = make(map[*peerResolver]struct{})
		r.watchers[w.id] = set
	}
	set[w] = struct{}{}
}

func (r *peerRegistry) unwatch(w *peerResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.watchers[w.id]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(r.watchers, w.id)
		}
	}
}

// resolverBuilder is passed to every connection of a Transport with grpc.WithResolvers, so registries of different
// transports never see each other
type resolverBuilder struct {
	registry *peerRegistry
}

func (resolverBuilder) Scheme() string { return resolverScheme }

func (b resolverBuilder) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver, error) {
	id := replog.ParticipantID(strings.TrimPrefix(target.Endpoint(), "/"))
	if id == "" {
		return nil, fmt.Errorf("replog resolver: empty target endpoint: %+v", target)
	}

	r := &peerResolver{id: id, cc: cc, registry: b.registry}
	b.registry.watch(r)
	r.pushCurrent()
	return r, nil
}

type peerResolver struct {
	id       replog.ParticipantID
	cc       resolver.ClientConn
	registry *peerRegistry
}

func (r *peerResolver) ResolveNow(resolver.ResolveNowOptions) { r.pushCurrent() }

func (r *peerResolver) Close() { r.registry.unwatch(r) }

func (r *peerResolver) pushCurrent() {
	addr, ok := r.registry.lookup(r.id)
	if !ok {
		// No address yet, gRPC keeps the connection idle until one is pushed
		_ = r.cc.UpdateState(resolver.State{})
		return
	}
	_ = r.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: addr}},
	})
}
