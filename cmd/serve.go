// cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/warden/internal/admission"
	"github.com/aceteam-ai/warden/internal/config"
	"github.com/aceteam-ai/warden/internal/dispatch"
	"github.com/aceteam-ai/warden/internal/election"
	"github.com/aceteam-ai/warden/internal/gpu"
	"github.com/aceteam-ai/warden/internal/hostinfo"
	"github.com/aceteam-ai/warden/internal/lease"
	"github.com/aceteam-ai/warden/internal/metrics"
	"github.com/aceteam-ai/warden/internal/pool"
	"github.com/aceteam-ai/warden/internal/reclaim"
	"github.com/aceteam-ai/warden/internal/server"
	"github.com/aceteam-ai/warden/internal/store"
	"github.com/aceteam-ai/warden/internal/transport"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run one orchestrator replica",
	Long: `Runs the orchestrator: HTTP API, leader election, and (on the
elected leader) the pool controller and reclaimer reconciliation loops.
Any number of replicas may run against the same store and Redis; exactly
one performs lifecycle enforcement at a time.`,
	Run: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) {
	fmt.Println("--- Starting Warden orchestrator ---")

	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	snap := hostinfo.Collect()
	fmt.Printf("   - Host: %s (%s, %d cores, %d MB RAM)\n",
		snap.Hostname, snap.Platform, snap.CPUCores, snap.MemoryTotalMB)

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer s.Close()
	fmt.Printf("   - State store: %s\n", cfg.DBPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := seedResources(ctx, cfg, s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to seed resources: %v\n", err)
		os.Exit(1)
	}

	client := transport.NewClient()
	if err := client.Connect(ctx, cfg.RedisURL, cfg.RedisPassword); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to connect to Redis: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()
	fmt.Printf("   - Transport: %s (consumer %s)\n", cfg.RedisURL, client.ConsumerID())

	lock := election.NewRedisLock(client.Redis(), cfg.Election.LockName, cfg.AdvertiseAddr)
	elector := election.NewElector(lock, cfg.Election.TTL, cfg.Election.Renew)
	go elector.Run(ctx)

	adm := admission.NewController(admission.Config{
		AgentRate:            cfg.Admission.AgentRate,
		AgentBurst:           cfg.Admission.AgentBurst,
		UtilizationWatermark: cfg.Admission.UtilizationWatermark,
		QueueDepthWatermark:  cfg.Admission.QueueDepthWatermark,
	}, s, client)
	defer adm.Close()

	leases := lease.NewManager(s, lease.Config{
		DefaultTTL:       cfg.Lease.DefaultTTL,
		AllowCPUFallback: cfg.AllowCPUFallback,
	})
	submitter := dispatch.NewSubmitter(s, client)
	pools := pool.NewController(s, submitter, pool.Config{DrainTimeout: cfg.Pools.DrainTimeout})

	reclaimer := reclaim.New(s, client, pools, elector.IsLeader, reclaim.Config{
		JobTypes:           cfg.JobTypes,
		Interval:           cfg.Reclaimer.Interval,
		IdleThreshold:      cfg.Reclaimer.IdleThreshold,
		RepublishThreshold: cfg.Reclaimer.RepublishThreshold,
		MaxAttempts:        cfg.Jobs.MaxAttempts,
		MaxPerPass:         cfg.Reclaimer.MaxPerPass,
	})
	go reclaimer.Run(ctx)

	m := metrics.New()
	go m.Poll(ctx, s, client, cfg.JobTypes, 10*time.Second)
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SetLeader(elector.IsLeader())
			}
		}
	}()
	go func() {
		if err := m.Serve(ctx, cfg.MetricsAddr); err != nil {
			fmt.Fprintf(os.Stderr, "   - metrics endpoint failed: %v\n", err)
		}
	}()
	fmt.Printf("   - Metrics: %s/metrics\n", cfg.MetricsAddr)

	api := server.New(server.Config{
		ListenAddr: cfg.ListenAddr,
		Version:    Version,
	}, s, leases, pools, submitter, adm, elector, reclaimer)

	fmt.Printf("   - API: %s\n", cfg.ListenAddr)
	fmt.Println("   - Orchestrator running. Ctrl+C to stop.")
	if err := api.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: API server failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- Orchestrator shutdown complete ---")
}

// seedResources fills the capacity inventory: configured slots win,
// otherwise GPUs are probed. A host with neither runs CPU-only.
func seedResources(ctx context.Context, cfg *config.Config, s *store.Store) error {
	if len(cfg.Resources) > 0 {
		resources := make([]store.Resource, 0, len(cfg.Resources))
		for i, r := range cfg.Resources {
			resources = append(resources, store.Resource{
				ResourceIndex: i,
				Name:          r.Name,
				CapacityMB:    r.CapacityMB,
			})
		}
		fmt.Printf("   - Capacity: %d configured slots\n", len(resources))
		return s.SeedResources(ctx, resources)
	}

	if gpu.Available(ctx) {
		devices, err := gpu.Discover(ctx)
		if err != nil {
			return err
		}
		if len(devices) > 0 {
			fmt.Printf("   - Capacity: %d detected GPUs\n", len(devices))
			return s.SeedResources(ctx, gpu.Resources(devices))
		}
	}

	fmt.Println("   - Capacity: no GPUs found, CPU-only mode")
	return nil
}
