package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/acepool/acepool/pkg/client"
	"github.com/acepool/acepool/pkg/config"
	"github.com/acepool/acepool/pkg/log"
	"github.com/acepool/acepool/pkg/orchestrator"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "acepool",
	Short: "acepool - AceStream engine pool orchestrator",
	Long: `acepool runs a pool of containerized AceStream engines behind one
HTTP API: it provisions engines on demand, keeps the pool scaled and
healthy, routes VPN-bound engines, and fans a single upstream playback
out to any number of clients.

The serve command runs the orchestrator; the remaining commands talk
to a running instance over its HTTP API.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"acepool version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Flags shared by every command that talks to a running orchestrator
	rootCmd.PersistentFlags().String("addr", envOr("ACEPOOL_ADDR", "http://127.0.0.1:8000"), "Orchestrator API address")
	rootCmd.PersistentFlags().String("token", os.Getenv("ACEPOOL_API_KEY"), "API key for write operations")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(enginesCmd)
	rootCmd.AddCommand(streamsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(scaleCmd)
	rootCmd.AddCommand(provisionCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(gcCmd)
	rootCmd.AddCommand(vpnCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// apiClient builds the HTTP client from the shared --addr/--token flags.
func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	token, _ := cmd.Flags().GetString("token")
	return client.New(addr, token)
}

// Serve command

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine pool orchestrator",
	Long: `Run the orchestrator: connect to containerd, restore persisted state,
reconcile the engine pool and serve the HTTP API until interrupted.

Configuration comes from built-in defaults, overridden by the YAML file
given with --config (if any), overridden by environment variables.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")

		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})

		fmt.Println("Starting acepool orchestrator...")
		fmt.Printf("  Listen Address: %s\n", cfg.ListenAddr)
		fmt.Printf("  Containerd: %s (namespace %q)\n", cfg.ContainerdAddress, cfg.ContainerdNamespace)
		fmt.Printf("  Engine Image: %s\n", cfg.EngineImage)
		fmt.Printf("  VPN Mode: %s\n", cfg.VPNMode)
		fmt.Printf("  Replicas: %d min free, %d max\n", cfg.MinFreeReplicas, cfg.MaxReplicas)
		fmt.Println()

		orch, err := orchestrator.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create orchestrator: %v", err)
		}
		orch.SetVersion(Version)

		if err := orch.Start(); err != nil {
			return fmt.Errorf("failed to start orchestrator: %v", err)
		}

		fmt.Printf("✓ Orchestrator running on %s\n", cfg.ListenAddr)
		fmt.Println("Press Ctrl+C to stop.")

		// Wait for interrupt signal
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := orch.Stop(ctx); err != nil {
			return fmt.Errorf("failed to shut down cleanly: %v", err)
		}

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
}

// Pool inspection commands

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show composite pool status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := apiClient(cmd).Status()
		if err != nil {
			return err
		}

		fmt.Printf("Overall: %s\n", st.Overall)
		if st.Version != "" {
			fmt.Printf("  Version: %s\n", st.Version)
		}
		if st.Uptime != "" {
			fmt.Printf("  Uptime: %s\n", st.Uptime)
		}
		fmt.Printf("  Engines: %d total (%d healthy, %d unhealthy, %d starting, %d free)\n",
			st.Engines.Total, st.Engines.Healthy, st.Engines.Unhealthy, st.Engines.Starting, st.Engines.Free)
		fmt.Printf("  Streams: %d active, %d broadcasters, %d clients\n",
			st.Streams.Active, st.Streams.Broadcasters, st.Streams.Clients)
		fmt.Printf("  VPN: mode %s, connected %t\n", st.VPN.Mode, st.VPN.Connected)
		fmt.Printf("  Reconciler: first sync %t, consecutive outages %d\n",
			st.Reconciler.FirstSyncDone, st.Reconciler.ConsecutiveOutages)
		if st.Provisioning.CanProvision {
			fmt.Println("  Provisioning: available")
		} else {
			fmt.Printf("  Provisioning: blocked (%s)", st.Provisioning.BlockedReason)
			if st.Provisioning.BlockedReasonDetails != "" {
				fmt.Printf(" - %s", st.Provisioning.BlockedReasonDetails)
			}
			fmt.Println()
		}
		return nil
	},
}

var enginesCmd = &cobra.Command{
	Use:   "engines",
	Short: "List engines in the pool",
	RunE: func(cmd *cobra.Command, args []string) error {
		health, _ := cmd.Flags().GetString("health")
		vpnFilter, _ := cmd.Flags().GetString("vpn")

		list, err := apiClient(cmd).Engines(health, vpnFilter)
		if err != nil {
			return err
		}

		fmt.Printf("%-24s %-10s %-9s %-12s %8s %9s  %-21s %s\n",
			"NAME", "HEALTH", "STATE", "VPN", "STREAMS", "FWD PORT", "ENDPOINT", "AGE")
		for _, e := range list.Engines {
			vpn := e.VPNContainer
			if vpn == "" {
				vpn = "-"
			}
			fwd := "-"
			if e.Forwarded {
				fwd = strconv.Itoa(e.ForwardedPort)
			}
			age := "-"
			if !e.FirstSeen.IsZero() {
				age = humanize.Time(e.FirstSeen)
			}
			fmt.Printf("%-24s %-10s %-9s %-12s %8d %9s  %-21s %s\n",
				e.ContainerName, e.Health, e.State, vpn, e.StreamCount, fwd,
				fmt.Sprintf("%s:%d", e.Host, e.Port), age)
		}
		fmt.Printf("\n%d engine(s)\n", list.Count)
		return nil
	},
}

var streamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "List streams",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		containerID, _ := cmd.Flags().GetString("container")

		list, err := apiClient(cmd).Streams(status, containerID)
		if err != nil {
			return err
		}

		fmt.Printf("%-48s %-9s %-5s %-16s %s\n", "ID", "STATUS", "LIVE", "CONTAINER", "STARTED")
		for _, s := range list.Streams {
			fmt.Printf("%-48s %-9s %-5t %-16s %s\n",
				s.ID, s.Status, s.IsLive, s.ContainerID, s.StartedAt.Format(time.RFC3339))
		}
		fmt.Printf("\n%d stream(s)\n", list.Count)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats STREAM_ID",
	Short: "Show a stream's stat history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetString("since")

		st, err := apiClient(cmd).StreamStatsSince(args[0], since)
		if err != nil {
			return err
		}

		fmt.Printf("Stats for %s (%d snapshot(s)):\n", st.StreamID, st.Count)
		for _, s := range st.Stats {
			fmt.Printf("  %s  peers=%-3d down=%s/s up=%s/s dl=%s ul=%s\n",
				s.Time.Format(time.RFC3339), s.Peers,
				humanize.IBytes(uint64(s.SpeedDown)), humanize.IBytes(uint64(s.SpeedUp)),
				humanize.IBytes(uint64(s.Downloaded)), humanize.IBytes(uint64(s.Uploaded)))
		}
		return nil
	},
}

func init() {
	enginesCmd.Flags().String("health", "", "Filter by health status (healthy|unhealthy|unknown)")
	enginesCmd.Flags().String("vpn", "", "Filter by VPN container")

	streamsCmd.Flags().String("status", "", "Filter by status (started|ended)")
	streamsCmd.Flags().String("container", "", "Filter by owning container ID")

	statsCmd.Flags().String("since", "", "Only snapshots after this time (RFC3339 or unix seconds)")
}

// Pool mutation commands

var scaleCmd = &cobra.Command{
	Use:   "scale N",
	Short: "Scale the pool to exactly N engines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("target must be a number, got %q", args[0])
		}

		if err := apiClient(cmd).Scale(n); err != nil {
			return err
		}
		fmt.Printf("✓ Pool scaling to %d engine(s)\n", n)
		return nil
	},
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision one engine on demand",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := apiClient(cmd).Provision()
		if err != nil {
			return err
		}

		fmt.Println("✓ Engine provisioned")
		fmt.Printf("  Name: %s\n", eng.ContainerName)
		fmt.Printf("  Container ID: %s\n", eng.ContainerID)
		fmt.Printf("  Host HTTP Port: %d\n", eng.HostHTTPPort)
		fmt.Printf("  Container Ports: %d (http), %d (https)\n",
			eng.ContainerHTTPPort, eng.ContainerHTTPSPort)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop CONTAINER_ID",
	Short: "Stop and remove one engine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).StopContainer(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Container %s stopped\n", args[0])
		return nil
	},
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Sweep dead containers and orphaned cache directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := apiClient(cmd).GC()
		if err != nil {
			return err
		}

		fmt.Println("✓ Garbage collection complete")
		if len(report.RemovedContainers) == 0 {
			fmt.Println("  Removed containers: none")
		} else {
			fmt.Printf("  Removed containers: %d\n", len(report.RemovedContainers))
			for _, id := range report.RemovedContainers {
				fmt.Printf("    - %s\n", id)
			}
		}
		if len(report.PrunedCacheDirs) == 0 {
			fmt.Println("  Pruned cache dirs: none")
		} else {
			fmt.Printf("  Pruned cache dirs: %d\n", len(report.PrunedCacheDirs))
			for _, dir := range report.PrunedCacheDirs {
				fmt.Printf("    - %s\n", dir)
			}
		}
		return nil
	},
}

// VPN commands

var vpnCmd = &cobra.Command{
	Use:   "vpn",
	Short: "Show per-tunnel VPN status",
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := apiClient(cmd).VPNStatus()
		if err != nil {
			return err
		}

		fmt.Printf("Mode: %s\n", rep.Mode)
		if len(rep.Containers) == 0 {
			fmt.Println("No VPN containers supervised.")
			return nil
		}
		for _, c := range rep.Containers {
			fmt.Printf("  %s: %s (connected %t)\n", c.Container, c.Health, c.Connected)
			if c.ForwardedPort != 0 {
				fmt.Printf("    Forwarded Port: %d\n", c.ForwardedPort)
			}
			if c.PublicIP != "" {
				fmt.Printf("    Public IP: %s\n", c.PublicIP)
			}
			if !c.LastHealthy.IsZero() {
				fmt.Printf("    Last Healthy: %s\n", humanize.Time(c.LastHealthy))
			}
		}
		return nil
	},
}
