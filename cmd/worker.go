// cmd/worker.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/warden/internal/config"
	"github.com/aceteam-ai/warden/internal/dispatch"
	"github.com/aceteam-ai/warden/internal/hostinfo"
	"github.com/aceteam-ai/warden/internal/lease"
	"github.com/aceteam-ai/warden/internal/metrics"
	"github.com/aceteam-ai/warden/internal/store"
	"github.com/aceteam-ai/warden/internal/transport"
)

var (
	workerPoolID      string
	workerAgent       string
	workerTypes       []string
	workerLeaseMB     int64
	workerSpawned     int
	workerMetricsAddr string
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a job worker loop",
	Long: `Consumes jobs from the Redis Streams transport, takes ownership
through conditional store transitions, acquires a GPU lease for capacity-
bound work, and executes the matching handler. Bound to a pool with --pool,
the worker refuses claims once the pool drains and keeps the pool's
heartbeat fresh.`,
	Run: runWorkerCmd,
}

func init() {
	workerCmd.Flags().StringVar(&workerPoolID, "pool", "", "pool id this worker belongs to (empty: poolless)")
	workerCmd.Flags().StringVar(&workerAgent, "agent", "", "agent identity for lease requests (default: hostname)")
	workerCmd.Flags().StringSliceVar(&workerTypes, "types", nil, "job types to consume (default: from config)")
	workerCmd.Flags().Int64Var(&workerLeaseMB, "lease-mb", 0, "GPU capacity to lease per job in MB (0: no lease)")
	workerCmd.Flags().IntVar(&workerSpawned, "spawned", 1, "worker count to report in pool heartbeats")
	workerCmd.Flags().StringVar(&workerMetricsAddr, "metrics-addr", ":9091", "Prometheus metrics bind address")
	rootCmd.AddCommand(workerCmd)
}

func runWorkerCmd(cmd *cobra.Command, args []string) {
	fmt.Println("--- Starting Warden worker ---")

	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(workerTypes) == 0 {
		workerTypes = cfg.JobTypes
	}
	if workerAgent == "" {
		workerAgent, _ = os.Hostname()
	}

	snap := hostinfo.Collect()
	fmt.Printf("   - Host: %s (%s, %d cores, %d MB)\n",
		snap.Hostname, snap.Platform, snap.CPUCores, snap.MemoryTotalMB)

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := transport.NewClient()
	if err := client.Connect(ctx, cfg.RedisURL, cfg.RedisPassword); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to Redis: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	fmt.Printf("   - Consumer: %s\n", client.ConsumerID())
	fmt.Printf("   - Types: %s\n", strings.Join(workerTypes, ", "))
	if workerPoolID != "" {
		fmt.Printf("   - Pool: %s\n", workerPoolID)
		go heartbeatPool(ctx, s, workerPoolID, workerSpawned)
	}

	leases := lease.NewManager(s, lease.Config{
		DefaultTTL:       cfg.Lease.DefaultTTL,
		AllowCPUFallback: cfg.AllowCPUFallback,
	})

	m := metrics.New()
	go m.Poll(ctx, s, client, workerTypes, 0)
	go func() {
		if err := m.Serve(ctx, workerMetricsAddr); err != nil {
			fmt.Fprintf(os.Stderr, "   - metrics server failed: %v\n", err)
		}
	}()

	runner := dispatch.NewRunner(s, client, leases, []dispatch.Handler{
		&dispatch.PreloadHandler{},
		&dispatch.EchoHandler{},
	}, dispatch.RunnerConfig{
		PoolID:          workerPoolID,
		Agent:           workerAgent,
		JobTypes:        workerTypes,
		LeaseCapacityMB: workerLeaseMB,
		MaxAttempts:     cfg.Jobs.MaxAttempts,
		ExecTimeout:     cfg.Jobs.ExecTimeout,
		ClaimBlock:      cfg.Jobs.ClaimBlock,
		RetryBase:       cfg.Jobs.RetryBase,
		RetryMax:        cfg.Jobs.RetryMax,
		JobRecordFn:     m.RecordJob,
	})

	fmt.Println("   - Worker started. Listening for jobs...")
	if err := runner.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: worker loop failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- Worker shutdown complete ---")
}

// heartbeatPool keeps the pool row alive while this worker runs.
func heartbeatPool(ctx context.Context, s *store.Store, poolID string, spawned int) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.HeartbeatPool(ctx, poolID, spawned); err != nil {
				fmt.Fprintf(os.Stderr, "   - pool heartbeat failed: %v\n", err)
			}
		}
	}
}
