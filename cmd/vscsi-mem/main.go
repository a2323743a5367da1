package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-vscsi"
	"github.com/ehrlich-b/go-vscsi/backend"
	"github.com/ehrlich-b/go-vscsi/internal/logging"
)

type options struct {
	size        string
	backend     string
	path        string
	addr        string
	workers     int
	entries     uint32
	requests    int
	concurrency int
	blockSize   string
	writeRatio  float64
	jsonOut     bool
	verbose     bool
	logFormat   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "vscsi-mem",
		Short: "Drive a virtual SCSI LUN with a random read/write workload",
		Long: "vscsi-mem attaches one LUN backed by memory, a file, io_uring or a remote\n" +
			"storage server to a virtual SCSI device and issues a random workload\n" +
			"through the I/O request engine, then prints the device metrics.",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorkload(ctx, opts)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.size, "size", "64M", "Size of the store (e.g., 64M, 1G)")
	flags.StringVar(&opts.backend, "backend", "mem", "Backend: mem, file, uring or remote")
	flags.StringVar(&opts.path, "path", "", "Backing file for the file and uring backends")
	flags.IntVar(&opts.workers, "workers", vscsi.DefaultWorkers, "Async backend worker goroutines")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")
	flags.StringVar(&opts.logFormat, "log-format", "text", "Log format: text or json")

	root.Flags().StringVar(&opts.addr, "addr", "vsock:2:"+strconv.Itoa(vscsi.DefaultVsockPort), "Remote server as tcp:HOST:PORT or vsock:CID:PORT")
	root.Flags().Uint32Var(&opts.entries, "ring-entries", vscsi.DefaultRingEntries, "io_uring submission queue size")
	root.Flags().IntVar(&opts.requests, "requests", 10000, "Total transfers to issue")
	root.Flags().IntVar(&opts.concurrency, "concurrency", 16, "Concurrent issuers")
	root.Flags().StringVar(&opts.blockSize, "block-size", "4K", "Transfer size")
	root.Flags().Float64Var(&opts.writeRatio, "write-ratio", 0.3, "Fraction of transfers that are writes")
	root.Flags().BoolVar(&opts.jsonOut, "json", false, "Print results as JSON")

	root.AddCommand(newServeCommand(opts))
	return root
}

func setupLogging(opts *options) {
	logConfig := logging.DefaultConfig()
	if opts.verbose {
		logConfig.Level = logging.LevelDebug
	}
	logConfig.Format = opts.logFormat
	logging.SetDefault(logging.NewLogger(logConfig))
}

// closingBackend is what every backend in this command provides
type closingBackend interface {
	vscsi.Backend
	Stats() map[string]interface{}
	Close() error
}

func openBackend(ctx context.Context, opts *options, size int64) (closingBackend, error) {
	logger := logging.Default()

	switch opts.backend {
	case "mem":
		return backend.NewAsync(backend.NewMemory(size), backend.AsyncConfig{
			Name:    "mem",
			Workers: opts.workers,
			Logger:  logger,
		})

	case "file", "uring":
		if opts.path == "" {
			return nil, fmt.Errorf("--path is required for the %s backend", opts.backend)
		}
		f, err := backend.OpenFile(opts.path, backend.FileOptions{Size: size, Create: true})
		if err != nil {
			return nil, err
		}
		var b closingBackend
		if opts.backend == "file" {
			b, err = backend.NewAsync(f, backend.AsyncConfig{Name: "file", Workers: opts.workers, Logger: logger})
		} else {
			b, err = backend.NewUring(f, backend.UringConfig{Entries: opts.entries, Logger: logger})
		}
		if err != nil {
			f.Close()
			return nil, err
		}
		return b, nil

	case "remote":
		config, err := parseAddr(opts.addr)
		if err != nil {
			return nil, err
		}
		config.Logger = logger
		return backend.DialRemote(ctx, config)

	default:
		return nil, fmt.Errorf("unknown backend %q", opts.backend)
	}
}

// parseAddr parses tcp:HOST:PORT or vsock:CID:PORT
func parseAddr(s string) (backend.RemoteConfig, error) {
	network, rest, ok := strings.Cut(s, ":")
	if !ok {
		return backend.RemoteConfig{}, fmt.Errorf("address %q: want tcp:HOST:PORT or vsock:CID:PORT", s)
	}

	switch network {
	case "tcp":
		if _, _, err := net.SplitHostPort(rest); err != nil {
			return backend.RemoteConfig{}, fmt.Errorf("address %q: %w", s, err)
		}
		return backend.RemoteConfig{Network: "tcp", Addr: rest}, nil
	case "vsock":
		cidStr, portStr, ok := strings.Cut(rest, ":")
		if !ok {
			return backend.RemoteConfig{}, fmt.Errorf("address %q: want vsock:CID:PORT", s)
		}
		cid, err := strconv.ParseUint(cidStr, 10, 32)
		if err != nil {
			return backend.RemoteConfig{}, fmt.Errorf("address %q: bad CID: %w", s, err)
		}
		port, err := strconv.ParseUint(portStr, 10, 32)
		if err != nil {
			return backend.RemoteConfig{}, fmt.Errorf("address %q: bad port: %w", s, err)
		}
		return backend.RemoteConfig{Network: "vsock", CID: uint32(cid), Port: uint32(port)}, nil
	default:
		return backend.RemoteConfig{}, fmt.Errorf("address %q: unknown network %q", s, network)
	}
}

func runWorkload(ctx context.Context, opts *options) error {
	logger := logging.Default()

	size, err := parseSize(opts.size)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", opts.size, err)
	}
	blockSize, err := parseSize(opts.blockSize)
	if err != nil || blockSize <= 0 || blockSize > vscsi.DefaultMaxTransferSize {
		return fmt.Errorf("invalid block size %q", opts.blockSize)
	}
	if blockSize > size {
		return fmt.Errorf("block size %s exceeds store size %s", formatSize(blockSize), formatSize(size))
	}

	be, err := openBackend(ctx, opts, size)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.Close(); err != nil {
			logger.Error("closing backend failed", "error", err)
		}
	}()

	w := newWorkload(blockSize, size)
	dev, err := vscsi.NewDevice(vscsi.DeviceParams{
		Name:      "vscsi-mem",
		MaxIoReqs: vscsi.DefaultMaxIoReqs,
		Notifier:  w,
	}, &vscsi.Options{Logger: logger})
	if err != nil {
		return err
	}
	lun, err := dev.AttachLUN(0, be)
	if err != nil {
		return err
	}
	w.lun = lun

	logger.Info("starting workload",
		"backend", opts.backend,
		"size", formatSize(size),
		"block_size", formatSize(blockSize),
		"requests", opts.requests,
		"concurrency", opts.concurrency)

	start := time.Now()
	result, runErr := w.run(ctx, opts.requests, opts.concurrency, opts.writeRatio)
	elapsed := time.Since(start)

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := dev.Drain(drainCtx); err != nil {
		logger.Warn("requests still outstanding", "outstanding", dev.Outstanding(), "error", err)
	}

	report := struct {
		Elapsed string                 `json:"elapsed"`
		Result  workloadResult         `json:"result"`
		Device  vscsi.DeviceInfo       `json:"device"`
		Metrics vscsi.MetricsSnapshot  `json:"metrics"`
		Backend map[string]interface{} `json:"backend"`
	}{
		Elapsed: elapsed.String(),
		Result:  result,
		Device:  dev.Info(),
		Metrics: dev.MetricsSnapshot(),
		Backend: be.Stats(),
	}

	if opts.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		m := report.Metrics
		fmt.Printf("Backend:     %s (%s)\n", opts.backend, formatSize(size))
		fmt.Printf("Elapsed:     %s\n", elapsed.Round(time.Millisecond))
		fmt.Printf("Completed:   %d good, %d failed, %d redo, %d busy retries\n", result.Good, result.Failed, result.Redo, result.Busy)
		fmt.Printf("Reads:       %d (%s)\n", m.ReadOps, formatSize(int64(m.ReadBytes)))
		fmt.Printf("Writes:      %d (%s)\n", m.WriteOps, formatSize(int64(m.WriteBytes)))
		fmt.Printf("Flushes:     %d\n", m.FlushOps)
		fmt.Printf("Throughput:  %.0f IOPS, %s/s\n", float64(result.Good)/elapsed.Seconds(), formatSize(int64(float64(m.TotalBytes)/elapsed.Seconds())))
		fmt.Printf("Latency:     avg %v, p50 %v, p99 %v\n",
			time.Duration(m.AvgLatencyNs), time.Duration(m.LatencyP50Ns), time.Duration(m.LatencyP99Ns))
		fmt.Printf("Outstanding: max %d\n", m.MaxOutstanding)
	}
	return runErr
}

func newServeCommand(opts *options) *cobra.Command {
	var (
		listen string
		cid    uint32
		port   uint32
		depth  int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Export a memory or file store to remote backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.Default()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			size, err := parseSize(opts.size)
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", opts.size, err)
			}

			var storage vscsi.Storage
			if opts.path != "" {
				f, err := backend.OpenFile(opts.path, backend.FileOptions{Size: size, Create: true})
				if err != nil {
					return err
				}
				storage = f
			} else {
				storage = backend.NewMemory(size)
			}
			defer storage.Close()

			var ln net.Listener
			if listen != "" {
				ln, err = net.Listen("tcp", listen)
			} else {
				ln, err = backend.ListenVsock(cid, port)
			}
			if err != nil {
				return err
			}

			fmt.Printf("Serving %s on %s\n", formatSize(storage.Size()), ln.Addr())
			fmt.Printf("\nPress Ctrl+C to stop...\n")

			srv := backend.NewServer(storage, backend.ServerConfig{
				Workers:    opts.workers,
				QueueDepth: depth,
				Logger:     logger,
			})
			if err := srv.Serve(ctx, ln); err != nil {
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Listen on a TCP address instead of vsock")
	cmd.Flags().Uint32Var(&cid, "cid", 0, "vsock context ID to listen on (0 = local)")
	cmd.Flags().Uint32Var(&port, "port", vscsi.DefaultVsockPort, "vsock port")
	cmd.Flags().IntVar(&depth, "queue-depth", vscsi.DefaultQueueDepth, "Per-connection queue depth")
	return cmd
}

// parseSize parses a size string like "64M", "1G", "512K"
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	if strings.HasSuffix(s, "K") {
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	} else if strings.HasSuffix(s, "M") {
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	} else if strings.HasSuffix(s, "G") {
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	} else {
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	if num < 0 {
		return 0, fmt.Errorf("negative size %d", num)
	}

	return num * multiplier, nil
}

// formatSize formats a byte count as a human-readable string
func formatSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"K", "M", "G", "T"}
	return fmt.Sprintf("%.1f %sB", float64(bytes)/float64(div), units[exp])
}
