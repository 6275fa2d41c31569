package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go-coopcore"
	"go-coopcore/consensus"
	"go-coopcore/internal/telemetry"
	"go-coopcore/lease"

	"github.com/eiannone/keyboard"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

var (
	nodeID      uint64
	peerCount   int
	itemCount   int
	heartbeat   time.Duration
	interval    time.Duration
	suspect     float64
	fail        float64
	replicas    int
	leaseTTL    time.Duration
	dbURL       string
	table       string
	metricsAddr string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "coordnode",
		Short: "A cooperative coordination node with simulated peers",
		Long: `Coordnode is a demonstration of the go-coopcore library.
It runs one node together with a set of simulated in-process peers that send
heartbeats and clock samples, vote on proposals and take items from the hash
ring. Peers can be killed and revived from the keyboard to watch failure
detection, rebalancing and proposal timeouts happen.`,
		RunE: runNode,
	}

	rootCmd.Flags().Uint64Var(&nodeID, "node-id", 1, "Local node id (non-zero)")
	rootCmd.Flags().IntVar(&peerCount, "peers", 4, "Number of simulated peers")
	rootCmd.Flags().IntVar(&itemCount, "items", 64, "Number of items placed on the ring")
	rootCmd.Flags().DurationVar(&heartbeat, "heartbeat", 200*time.Millisecond, "Simulated peer heartbeat interval")
	rootCmd.Flags().DurationVar(&interval, "interval", 100*time.Millisecond, "Maintenance interval")
	rootCmd.Flags().Float64Var(&suspect, "suspect", 5.0, "Phi threshold for suspicion")
	rootCmd.Flags().Float64Var(&fail, "fail", 8.0, "Phi threshold for failure")
	rootCmd.Flags().IntVar(&replicas, "replicas", 3, "Replication factor")
	rootCmd.Flags().DurationVar(&leaseTTL, "lease-ttl", 5*time.Second, "Lease duration")
	rootCmd.Flags().StringVar(&dbURL, "db", "", "PostgreSQL connection URL for the event journal (disabled when empty)")
	rootCmd.Flags().StringVar(&table, "table", "coord_journal", "Journal table prefix")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9464", "Address serving /metrics and /status (disabled when empty)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// simPeer is an in-process stand-in for a remote member.
type simPeer struct {
	id       uint64
	offsetNs uint64 // how far its clock runs ahead of ours
	killed   bool
	version  uint64
}

// simulation drives the simulated peers. Killed peers stop sending
// heartbeats and stop voting.
type simulation struct {
	mu    sync.Mutex
	node  *coopcore.Node
	peers []*simPeer
}

func nowNs() uint64 {
	return uint64(time.Now().UnixNano())
}

func (s *simulation) beat() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.peers {
		if p.killed {
			continue
		}
		p.version++
		var t1 = nowNs()
		s.node.Heartbeat(p.id, t1, p.version)
		// One-way latency of 50us each way.
		s.node.RecordClockSample(p.id, t1, t1+p.offsetNs+50_000, t1+p.offsetNs+60_000, t1+110_000)
	}
}

func (s *simulation) kill() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.peers {
		if !p.killed {
			p.killed = true
			return p.id, true
		}
	}
	return 0, false
}

func (s *simulation) revive() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, p := range s.peers {
		if p.killed {
			p.killed = false
			n++
		}
	}
	return n
}

// vote has the local node and every live simulated peer accept the proposal.
func (s *simulation) vote(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var now = nowNs()
	s.node.Vote(id, s.node.ID(), consensus.Accept, 1, now)
	for _, p := range s.peers {
		if !p.killed {
			s.node.Vote(id, p.id, consensus.Accept, 1, now)
		}
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	var (
		ctx    = context.Background()
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		opts = []coopcore.Option{
			coopcore.WithName(fmt.Sprintf("coord-%d", nodeID)),
			coopcore.WithThresholds(suspect, fail),
			coopcore.WithReplicationFactor(replicas),
			coopcore.WithMaintenanceInterval(interval),
			coopcore.WithLogger(logger),
		}
	)

	if dbURL != "" {
		fmt.Printf("Connecting to database...\n")
		var db, err = sql.Open("postgres", dbURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()

		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("failed to ping database: %w", err)
		}
		opts = append(opts, coopcore.WithJournal(db, table))
	}

	var node, err = coopcore.NewNode(nodeID, opts...)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	var sim = &simulation{node: node}
	for i := 0; i < peerCount; i++ {
		var id = nodeID + uint64(i) + 1
		if err := node.AddPeer(id, fmt.Sprintf("peer-%d", id), 1, uint64(itemCount), nowNs()); err != nil {
			return fmt.Errorf("failed to add peer %d: %w", id, err)
		}
		// Peers drift apart by 4ms each so the later ones trip the skew alert.
		sim.peers = append(sim.peers, &simPeer{id: id, offsetNs: uint64(i) * 4_000_000})
	}

	for i := 0; i < itemCount; i++ {
		node.Place(coopcore.KeyOf(fmt.Sprintf("item-%d", i)), nowNs())
	}

	if err := node.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}
	fmt.Printf("✓ Node %d started with %d simulated peers\n\n", nodeID, peerCount)

	var server *http.Server
	if metricsAddr != "" {
		var (
			metrics = telemetry.New(node)
			mux     = http.NewServeMux()
		)
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/status", metrics.Instrument("status", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = fmt.Fprint(w, node.String())
		})))
		server = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	var (
		heartbeats = time.NewTicker(heartbeat)
		ticker     = time.NewTicker(1 * time.Second)
		resource   = coopcore.KeyOf("demo-resource")
		holder     = lease.Holder{PID: uint32(os.Getpid()), TID: 1}
	)
	defer heartbeats.Stop()
	defer ticker.Stop()

	// Set up signal handling for graceful shutdown
	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	if err := keyboard.Open(); err != nil {
		return fmt.Errorf("failed to initialize keyboard: %w", err)
	}
	defer keyboard.Close()

	var keyCh = make(chan rune)
	go func() {
		for {
			char, _, err := keyboard.GetKey()
			if err != nil {
				return
			}
			keyCh <- char
		}
	}()

	var shutdown = func() error {
		if server != nil {
			_ = server.Shutdown(ctx)
		}
		if err := node.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop node: %w", err)
		}
		return nil
	}

	printStatus(node)
	for {
		select {
		case <-heartbeats.C:
			sim.beat()
		case <-ticker.C:
			node.RepairReplicas(nowNs())
			printStatus(node)
		case key := <-keyCh:
			switch key {
			case 'k', 'K':
				if id, ok := sim.kill(); ok {
					fmt.Fprintf(os.Stderr, "\n💀 Peer %d stopped sending heartbeats\n", id)
				}
			case 'r', 'R':
				fmt.Fprintf(os.Stderr, "\n♻️  Revived %d peers\n", sim.revive())
			case 'p', 'P':
				var id, err = node.Propose(consensus.Majority, uint64(2*time.Second), nowNs())
				if err != nil {
					fmt.Fprintf(os.Stderr, "❌ Failed to propose: %v\n", err)
					break
				}
				sim.vote(id)
			case 'l', 'L':
				if id, ok := node.AcquireLease(holder, resource, lease.Exclusive, uint64(leaseTTL), nowNs()); ok {
					fmt.Fprintf(os.Stderr, "\n🔒 Lease %d granted\n", id)
				} else {
					fmt.Fprintf(os.Stderr, "\n⏳ Lease request queued\n")
				}
			case 't', 'T':
				var granted = node.RetryPendingLeases(nowNs())
				fmt.Fprintf(os.Stderr, "\n🔁 Granted %d pending leases\n", len(granted))
			case 'c', 'C':
				fmt.Printf("\n\n💥 Crashing immediately (no cleanup)...\n")
				os.Exit(1)
			case 'q', 'Q':
				fmt.Printf("\n\nShutting down gracefully...\n")
				return shutdown()
			}
		case sig := <-sigCh:
			fmt.Printf("\n\nReceived signal %v, shutting down...\n", sig)
			return shutdown()
		}
	}
}

func printStatus(node *coopcore.Node) {
	fmt.Print("\033[2J\033[H") // Clear screen and move cursor to top
	fmt.Println(node.String())

	fmt.Printf("\nControls:\n")
	fmt.Printf("  [k] Kill a peer\n")
	fmt.Printf("  [r] Revive killed peers\n")
	fmt.Printf("  [p] Propose (majority)\n")
	fmt.Printf("  [l] Request exclusive lease\n")
	fmt.Printf("  [t] Retry pending leases\n")
	fmt.Printf("  [c] Crash without cleanup\n")
	fmt.Printf("  [q] Quit gracefully\n")
}
