// Command replog-node runs one participant of a replicated log over gRPC.
//
// The node reads its configuration from a YAML file and applies committed entries to a key-value store. When the
// configuration carries an assignment naming this node as leader, every line read from stdin ("SET key=value" or
// "DEL key") is inserted into the log and reported once it committed.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"replog/internal/pubsub"
	"replog/internal/replog"
	"replog/internal/replog/config"
	"replog/internal/replog/leader"
	"replog/internal/replog/metrics"
	"replog/internal/replog/node"
	"replog/internal/replog/statemachine"
	"replog/internal/replog/storage"
	"replog/internal/replog/transport"
)

func main() {
	configPath := flag.String("config", "replog.yaml", "Path to the node configuration")
	flag.Parse()

	cfg, err := config.ReadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := func(component string) replog.Logger {
		return &replog.StdLogger{Component: component, Verbose: cfg.Verbose}
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory %s: %v", cfg.Dir, err)
	}
	store, err := storage.NewBboltStorage(filepath.Join(cfg.Dir, fmt.Sprintf("%s.db", cfg.ID)))
	if err != nil {
		log.Fatalf("Failed to open log storage: %v", err)
	}

	collector := metrics.NewMetrics()
	leaderCfg := cfg.LeaderConfig(leader.DefaultConfig())
	leaderCfg.Logger = logger("LEADER")

	tr := transport.NewTransport(
		transport.WithLogger(logger("TRANSPORT")),
		transport.WithRPCTimeout(leaderCfg.AppendTimeout))
	for _, p := range cfg.Peers() {
		if err := tr.AddPeer(p.ID, p.Address); err != nil {
			log.Printf("Failed to connect to participant %s at %s: %v", p.ID, p.Address, err)
		}
	}

	bus := pubsub.NewPubSub(logger("PUBSUB"))
	kv := statemachine.NewKVStateMachine(cfg.ID, logger("KV"))
	replica, err := node.NewReplica(node.Config{
		ID:           cfg.ID,
		Leader:       leaderCfg,
		Logger:       logger("NODE"),
		Metrics:      collector,
		StateMachine: kv,
	}, store, func(id replog.ParticipantID) replog.AbstractFollower {
		return tr.Follower(id)
	}, bus)
	if err != nil {
		log.Fatalf("Failed to create replica: %v", err)
	}

	srv := transport.NewServer(cfg.ID, replica.Handler(), logger("TRANSPORT"))
	go func() {
		if err := srv.StartServer(cfg.Address); err != nil {
			log.Fatalf("Participant %s failed to serve on %s: %v", cfg.ID, cfg.Address, err)
		}
	}()

	replica.Start()
	if cfg.Assignment.Leader != "" {
		node.Assign(bus, node.Assignment{
			Term:         cfg.Assignment.Term,
			LeaderID:     cfg.Assignment.Leader,
			Participants: cfg.ParticipantIDs(),
		})
	}

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go readPayloads(signalCtx, replica)

	<-signalCtx.Done()
	log.Println("Shutting down gracefully, press Ctrl+C again to force")
	stop()

	shutdown(srv, replica, tr, bus)
	log.Printf("Applied up to index %d, %d keys", replica.LastApplied(), len(kv.GetAll()))

	if err := store.Close(); err != nil {
		log.Printf("Failed to close log storage: %v", err)
	}

	report := collector.GetReport(len(cfg.ParticipantIDs()))
	report.Print(os.Stdout)
	if cfg.MetricsReport != "" {
		if err := report.SaveJSON(cfg.MetricsReport); err != nil {
			log.Printf("Failed to save metrics report: %v", err)
		}
	}
}

// readPayloads inserts every stdin line and waits for it to commit
func readPayloads(ctx context.Context, replica *node.Replica) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		insertCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		index, err := replica.Insert(insertCtx, []byte(line))
		if err == nil {
			err = replica.WaitForIndex(insertCtx, index)
		}
		cancel()

		var notLeader *node.NotLeaderError
		switch {
		case errors.As(err, &notLeader):
			fmt.Printf("rejected: %v\n", notLeader)
		case err != nil:
			fmt.Printf("failed: %v\n", err)
		default:
			fmt.Printf("committed at index %d\n", index)
		}
	}
}

// shutdown stops the node, forcing the gRPC server down if pending requests take longer than 5 seconds
func shutdown(srv *transport.Server, replica *node.Replica, tr *transport.Transport, bus *pubsub.Bus) {
	replica.Stop()

	graceful := make(chan struct{})
	go func() {
		srv.GracefulShutdown()
		close(graceful)
	}()

	select {
	case <-graceful:
	case <-time.After(5 * time.Second):
		log.Println("Graceful shutdown timeout reached, forcing shutdown...")
		srv.ForceShutdown()
	}

	tr.CloseAllClients()
	bus.GracefulShutdown()
}
