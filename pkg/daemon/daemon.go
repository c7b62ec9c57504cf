// Package daemon holds the start-up code shared by the popd and smtpd
// binaries: command line parsing, configuration loading, signal handling
// and the optional metrics endpoint.
package daemon

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/migadu/dewey/config"
	"github.com/migadu/dewey/logger"
	deweyerrors "github.com/migadu/dewey/pkg/errors"
	"github.com/migadu/dewey/pkg/metrics"
	"github.com/migadu/dewey/storage"
)

// DefaultConfigPath is read when -config is not given. It may be missing.
const DefaultConfigPath = "dewey.toml"

// ErrUsage is returned by ParseArgs after the usage text has been printed.
var ErrUsage = errors.New("invalid arguments")

// Options is a parsed server command line.
type Options struct {
	ConfigPath     string
	ConfigExplicit bool // -config was given, so the file must exist
	Port           int
}

// ParseArgs parses "[-config path] <port>". Anything other than exactly one
// positional argument holding a valid port prints the usage text to stderr
// and returns ErrUsage.
func ParseArgs(prog string, args []string, stderr io.Writer) (Options, error) {
	fs := flag.NewFlagSet(prog, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", DefaultConfigPath, "Path to TOML configuration file")

	usage := func() {
		fmt.Fprintf(stderr, "Invalid arguments. Expected: %s <port>\n", prog)
		fs.PrintDefaults()
	}
	fs.Usage = usage

	if err := fs.Parse(args); err != nil {
		return Options{}, ErrUsage
	}
	if fs.NArg() != 1 {
		usage()
		return Options{}, ErrUsage
	}
	port, err := strconv.Atoi(fs.Arg(0))
	if err != nil || port < 1 || port > 65535 {
		usage()
		return Options{}, ErrUsage
	}

	opts := Options{ConfigPath: *configPath, Port: port}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			opts.ConfigExplicit = true
		}
	})
	return opts, nil
}

// ListenAddr is the address a server binds for the given port.
func (o Options) ListenAddr() string {
	return net.JoinHostPort("", strconv.Itoa(o.Port))
}

// LoadConfig returns the defaults overlaid with the configuration file. A
// missing file is only an error when it was named explicitly. Validation
// failures wrap deweyerrors.ErrInvalidConfig.
func LoadConfig(opts Options) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := config.LoadConfigFromFile(opts.ConfigPath, &cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) || opts.ConfigExplicit {
			return cfg, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %w", deweyerrors.ErrInvalidConfig, err)
	}
	return cfg, nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(signalChan)
		select {
		case sig := <-signalChan:
			logger.Infof("Received signal: %s, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

type poolMetricsStarter interface {
	StartPoolMetrics(ctx context.Context)
}

// StartMetrics serves the metrics endpoint and starts the storage gauges
// when metrics are enabled. Everything stops with ctx.
func StartMetrics(ctx context.Context, cfg config.MetricsConfig, store storage.Store) {
	if !cfg.Enabled {
		return
	}

	go func() {
		if err := metrics.ListenAndServe(ctx, cfg.Addr, cfg.Path); err != nil {
			logger.Error("Metrics server stopped", "error", err)
		}
	}()

	if provider, ok := store.(metrics.StatsProvider); ok {
		collector := metrics.NewCollector(provider, time.Minute)
		go collector.Start(ctx)
	}
	if pool, ok := store.(poolMetricsStarter); ok {
		pool.StartPoolMetrics(ctx)
	}
}
