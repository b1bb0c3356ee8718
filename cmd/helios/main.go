package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/heliosdata/helios/pkg/columnar"
	"github.com/heliosdata/helios/pkg/compression"
	"github.com/heliosdata/helios/pkg/config"
	"github.com/heliosdata/helios/pkg/coord"
	"github.com/heliosdata/helios/pkg/devcache"
	"github.com/heliosdata/helios/pkg/device"
	"github.com/heliosdata/helios/pkg/logger"
	"github.com/heliosdata/helios/pkg/observability"
)

var version = "0.1.0"

func main() {
	_ = godotenv.Load() // .env is optional

	var configFile string
	var logLevel string

	root := &cobra.Command{
		Use:   "helios",
		Short: "Helios - GPU offload engine for columnar partitions",
		Long: `Helios offloads per-partition computation of a distributed data-processing
engine to compute devices. Partitions are stored as contiguous off-heap
columnar buffers, cached on the device across kernel invocations, and
moved between processes in a byte-exact wire format.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := logger.Init(logger.Config{Level: logLevel, Encoding: "console"}); err != nil {
				return err
			}
			return observability.Initialize(observability.DefaultConfig())
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (YAML)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Helios v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			fmt.Print(cfg.String())
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show device properties",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			backend, err := newBackend(cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			mgr := device.NewManager(backend, cfg.Device.DedicatedStreamBytes)
			out, err := json.MarshalIndent(mgr.Info(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "agent",
		Short: "Run a cache agent with an in-process coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg)
		},
	})

	inspectCmd := &cobra.Command{
		Use:   "inspect <partition-file>",
		Short: "Describe a wire-format partition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectPartition(args[0])
		},
	}
	root.AddCommand(inspectCmd)

	var algorithm string
	packCmd := &cobra.Command{
		Use:   "pack <partition-file> <output-file>",
		Short: "Compress a wire-format partition file into an envelope",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return packPartition(args[0], args[1], compression.Algorithm(algorithm))
		},
	}
	packCmd.Flags().StringVar(&algorithm, "algorithm", string(compression.LZ4),
		"compression algorithm (none, lz4, snappy, s2, zstd, gzip, deflate)")
	root.AddCommand(packCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newBackend(cfg *config.Config) (device.Backend, error) {
	switch cfg.Device.Backend {
	case "host":
		return device.NewHostBackend(cfg.Device.Streams, cfg.Device.MemoryLimitBytes), nil
	default:
		return nil, fmt.Errorf("unknown device backend %q", cfg.Device.Backend)
	}
}

// runAgent hosts a cache agent for a single-process deployment: the
// coordinator and the agent share an in-process transport, so cache and
// uncache instructions issued through the coordinator reach this process's
// device cache. It blocks until the process is interrupted.
func runAgent(ctx context.Context, cfg *config.Config) error {
	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	mgr := device.NewManager(backend, cfg.Device.DedicatedStreamBytes)
	cache := devcache.New(mgr)

	transport := coord.NewLocalTransport()
	coordinator := coord.NewCoordinator(transport, cfg.Coordinator.Retries, cfg.Coordinator.RetryBackoff.Std())
	transport.Bind(cfg.Coordinator.Endpoint, coordinator)

	agent := coord.NewAgent(coord.ProcessAgentName(), cache)
	selfEndpoint := "agent://" + agent.Name()
	transport.Bind(selfEndpoint, agent)
	if err := agent.RegisterWith(ctx, transport, cfg.Coordinator.Endpoint, selfEndpoint); err != nil {
		return err
	}

	logger.Info("agent running",
		zap.String("agent", agent.Name()),
		zap.String("coordinator", cfg.Coordinator.Endpoint),
		zap.Int("cached_buffers", cache.Len()))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-stop:
	}

	logger.Info("agent shutting down", zap.String("agent", agent.Name()))
	transport.Unbind(selfEndpoint)
	return nil
}

func inspectPartition(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-provided path
	if err != nil {
		return err
	}
	p, err := columnar.FromWireFormat(data, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Free(nil); err != nil {
			logger.Error("releasing inspected partition", zap.Error(err))
		}
	}()

	fmt.Printf("partition: %s\n", p.Key())
	fmt.Printf("rows:      %d\n", p.Size())
	fmt.Printf("persist:   %v\n", p.Persist())
	fmt.Printf("memory:    %d bytes\n", p.MemoryUsage())
	fmt.Println("columns:")
	for _, c := range p.Schema().Columns() {
		fmt.Printf("  %-20s %s\n", c.Name, c.Type)
	}
	if p.HasBlob() {
		fmt.Printf("blob:      %d bytes capacity per row\n", p.BlobCapacity())
	}
	return nil
}

func packPartition(in, out string, alg compression.Algorithm) error {
	data, err := os.ReadFile(in) //nolint:gosec // G304: operator-provided path
	if err != nil {
		return err
	}
	p, err := columnar.FromWireFormat(data, nil)
	if err != nil {
		return err
	}
	defer func() { _ = p.Free(nil) }()

	packed, err := p.ToCompressedWireFormat(alg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, packed, 0644); err != nil { //nolint:gosec
		return err
	}
	logger.Info("packed partition",
		zap.String("partition", string(p.Key())),
		zap.String("algorithm", string(alg)),
		zap.Int("wire_bytes", len(data)),
		zap.Int("packed_bytes", len(packed)))
	return nil
}
