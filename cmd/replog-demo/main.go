// Command replog-demo runs a small replicated log in one process. Every participant serves gRPC on a local port, keeps
// its log in bbolt under a temporary directory and applies committed entries to a key-value store. The demo inserts
// entries, takes one follower offline, brings it back, hands leadership over and prints the metrics report.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"replog/internal/pubsub"
	"replog/internal/replog"
	"replog/internal/replog/leader"
	"replog/internal/replog/metrics"
	"replog/internal/replog/node"
	"replog/internal/replog/statemachine"
	"replog/internal/replog/storage"
	"replog/internal/replog/transport"
)

type participant struct {
	id        replog.ParticipantID
	address   string
	store     *storage.BboltStorage
	replica   *node.Replica
	kv        *statemachine.KVStateMachine
	server    *transport.Server
	transport *transport.Transport
}

func main() {
	size := flag.Int("participants", 3, "Number of participants")
	entries := flag.Int("entries", 200, "Entries inserted per phase")
	batch := flag.Int("batch", 10, "Entries per insert batch")
	reportPath := flag.String("report", "", "Write the metrics report as JSON to this file")
	verbose := flag.Bool("verbose", false, "Enable debug logging")
	flag.Parse()

	dir, err := os.MkdirTemp("", "replog-demo-")
	if err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	defer os.RemoveAll(dir)

	collector := metrics.NewMetrics()
	authority := pubsub.NewPubSub(&replog.StdLogger{Component: "PUBSUB", Verbose: *verbose})
	cluster := startCluster(*size, dir, collector, authority, *verbose)
	ids := make([]replog.ParticipantID, len(cluster))
	for i, p := range cluster {
		ids[i] = p.id
	}

	// Phase 1: healthy cluster
	leaderNode := assign(authority, cluster, 1, cluster[0], ids)
	insert(leaderNode, *entries, *batch)

	// Phase 2: the last follower goes offline, the majority keeps committing
	offline := cluster[len(cluster)-1]
	log.Printf("Taking %s offline", offline.id)
	offline.server.ForceShutdown()
	insert(leaderNode, *entries, *batch)
	printLag(leaderNode)

	// Phase 3: the follower comes back and catches up
	log.Printf("Bringing %s back on %s", offline.id, offline.address)
	serve(offline, *verbose)
	waitCaughtUp(leaderNode, offline.id)
	printLag(leaderNode)

	// Phase 4: leadership moves to the second participant
	leaderNode = assign(authority, cluster, 2, cluster[1], ids)
	last := insert(leaderNode, *entries, *batch)
	printLag(leaderNode)
	printApplied(cluster, last)

	for _, p := range cluster {
		p.replica.Stop()
		p.server.GracefulShutdown()
		p.transport.CloseAllClients()
		if err := p.store.Close(); err != nil {
			log.Printf("Failed to close storage of %s: %v", p.id, err)
		}
	}
	authority.GracefulShutdown()

	report := collector.GetReport(len(cluster))
	report.Print(os.Stdout)
	if *reportPath != "" {
		if err := report.SaveJSON(*reportPath); err != nil {
			log.Printf("Failed to save report: %v", err)
		} else {
			log.Printf("Report saved to %s", *reportPath)
		}
	}
}

func startCluster(size int, dir string, collector *metrics.Metrics, authority *pubsub.Bus, verbose bool) []*participant {
	cluster := make([]*participant, size)

	// First pass: storage, replica and a listening server for everyone, so that all addresses are known
	for i := range cluster {
		id := replog.ParticipantID(fmt.Sprintf("n%d", i+1))
		store, err := storage.NewBboltStorage(filepath.Join(dir, fmt.Sprintf("%s.db", id)))
		if err != nil {
			log.Fatalf("Failed to open storage of %s: %v", id, err)
		}

		p := &participant{
			id:    id,
			store: store,
			kv:    statemachine.NewKVStateMachine(id, &replog.StdLogger{Component: "KV", Verbose: verbose}),
			transport: transport.NewTransport(
				transport.WithLogger(&replog.StdLogger{Component: "TRANSPORT", Verbose: verbose})),
		}

		leaderCfg := leader.DefaultConfig()
		leaderCfg.Logger = &replog.StdLogger{Component: "LEADER", Verbose: verbose}
		leaderCfg.EstablishLeadership = true

		tr := p.transport
		p.replica, err = node.NewReplica(node.Config{
			ID:           id,
			Leader:       leaderCfg,
			Logger:       &replog.StdLogger{Component: "NODE", Verbose: verbose},
			Metrics:      collector,
			StateMachine: p.kv,
		}, store, func(id replog.ParticipantID) replog.AbstractFollower {
			return tr.Follower(id)
		}, authority)
		if err != nil {
			log.Fatalf("Failed to create replica %s: %v", id, err)
		}

		p.address = "localhost:0"
		serve(p, verbose)
		p.replica.Start()
		cluster[i] = p
	}

	// Second pass: every participant connects to every other
	for _, p := range cluster {
		for _, peer := range cluster {
			if peer.id == p.id {
				continue
			}
			if err := p.transport.AddPeer(peer.id, peer.address); err != nil {
				log.Fatalf("Failed to connect %s to %s: %v", p.id, peer.id, err)
			}
		}
	}

	log.Printf("Started %d participants in %s", size, dir)
	return cluster
}

// serve starts a gRPC server for p on p.address and records the address it actually listens on
func serve(p *participant, verbose bool) {
	lis, err := net.Listen("tcp", p.address)
	if err != nil {
		log.Fatalf("Failed to listen for %s on %s: %v", p.id, p.address, err)
	}
	p.address = lis.Addr().String()

	p.server = transport.NewServer(p.id, p.replica.Handler(), &replog.StdLogger{Component: "TRANSPORT", Verbose: verbose})
	go func(srv *transport.Server) {
		if err := srv.Serve(lis); err != nil {
			log.Printf("Server of %s stopped: %v", p.id, err)
		}
	}(p.server)
}

func assign(authority *pubsub.Bus, cluster []*participant, term replog.Term, to *participant, ids []replog.ParticipantID) *node.Replica {
	log.Printf("Assigning term %d to %s", term, to.id)
	node.Assign(authority, node.Assignment{Term: term, LeaderID: to.id, Participants: ids})

	deadline := time.Now().Add(5 * time.Second)
	for !to.replica.IsLeader() || !allInTerm(cluster, term) {
		if time.Now().After(deadline) {
			log.Fatalf("%s did not take over term %d", to.id, term)
		}
		time.Sleep(10 * time.Millisecond)
	}
	return to.replica
}

func allInTerm(cluster []*participant, term replog.Term) bool {
	for _, p := range cluster {
		if p.replica.Term() != term {
			return false
		}
	}
	return true
}

// insert writes entries commands in batches and returns the index of the last one once it committed
func insert(r *node.Replica, entries, batch int) replog.LogIndex {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	var last replog.LogIndex
	for n := 0; n < entries; n += batch {
		payloads := make([][]byte, 0, batch)
		for i := n; i < min(n+batch, entries); i++ {
			payloads = append(payloads, []byte(fmt.Sprintf("SET key-%d=term-%d", i, r.Term())))
		}

		index, err := r.InsertBatch(ctx, payloads)
		if err != nil {
			log.Fatalf("Insert failed: %v", err)
		}
		last = index
	}

	if err := r.WaitForIndex(ctx, last); err != nil {
		log.Fatalf("Waiting for index %d failed: %v", last, err)
	}
	log.Printf("Committed %d entries up to index %d in %v", entries, last, time.Since(start))
	return last
}

func waitCaughtUp(r *node.Replica, id replog.ParticipantID) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		status, ok := r.LeaderStatus()
		if !ok {
			break
		}
		if f, ok := status.Follower(id); ok && f.Lag == 0 {
			log.Printf("%s caught up at index %d", id, f.LastAckedIndex)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	log.Printf("%s did not catch up in time", id)
}

func printLag(r *node.Replica) {
	status, ok := r.LeaderStatus()
	if !ok {
		return
	}
	log.Printf("Leader %s term %d: commit index %d, last index %d, cache %d entries %d/%d misses",
		status.ID, status.Term, status.CommitIndex, status.LastIndex, status.Cache.Entries, status.Cache.Misses, status.Cache.Gets)
	for _, f := range status.Followers {
		log.Printf("  %s: acked %d, next %d, lag %d, state %s, failures %d",
			f.ID, f.LastAckedIndex, f.NextIndex, f.Lag, f.State, f.ConsecutiveFailures)
	}
}

// printApplied waits for every participant to apply up to index and prints the size of its key-value store
func printApplied(cluster []*participant, index replog.LogIndex) {
	deadline := time.Now().Add(5 * time.Second)
	for _, p := range cluster {
		for p.replica.LastApplied() < index && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		log.Printf("%s applied up to index %d, %d keys", p.id, p.replica.LastApplied(), len(p.kv.GetAll()))
	}
}
