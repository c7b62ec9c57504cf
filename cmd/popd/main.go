// Command popd serves POP3 mailboxes from the configured storage backend.
package main

import (
	"context"
	"os"

	"github.com/migadu/dewey/logger"
	"github.com/migadu/dewey/pkg/daemon"
	"github.com/migadu/dewey/pkg/errors"
	"github.com/migadu/dewey/server/pop3"
	"github.com/migadu/dewey/storage"

	_ "github.com/migadu/dewey/storage/maildir"
	_ "github.com/migadu/dewey/storage/postgres"
	_ "github.com/migadu/dewey/storage/sqlite"
)

func main() {
	opts, err := daemon.ParseArgs(os.Args[0], os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(1)
	}
	os.Exit(run(opts))
}

func run(opts daemon.Options) int {
	errorHandler := errors.NewErrorHandler("popd", os.Stderr)

	cfg, err := daemon.LoadConfig(opts)
	if err != nil {
		errorHandler.ConfigError(opts.ConfigPath, err)
		return errorHandler.WaitForExit()
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		os.Stderr.WriteString("popd: warning initializing logger: " + err.Error() + "\n")
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, cancel := daemon.SignalContext(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		errorHandler.FatalError("open storage", err)
		return errorHandler.WaitForExit()
	}
	defer store.Close()

	daemon.StartMetrics(ctx, cfg.Metrics, store)

	commandTimeout, _ := cfg.POP3.GetCommandTimeout()
	server, err := pop3.New(ctx, "popd", cfg.Hostname, opts.ListenAddr(), store, pop3.POP3ServerOptions{
		MaxConnections:      cfg.POP3.MaxConnections,
		MaxConnectionsPerIP: cfg.POP3.MaxConnectionsPerIP,
		CommandTimeout:      commandTimeout,
	})
	if err != nil {
		errorHandler.FatalError("create POP3 server", err)
		return errorHandler.WaitForExit()
	}

	logger.Info("popd starting", "hostname", cfg.Hostname, "port", opts.Port, "storage", cfg.Storage.Type)

	errChan := make(chan error, 1)
	go server.Start(errChan)

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		server.Close()
		return errors.ExitOK
	case err := <-errChan:
		server.Close()
		errorHandler.FatalError("POP3 server", err)
		return errorHandler.WaitForExit()
	}
}
