package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/evalq/internal/api"
	"github.com/kalambet/evalq/internal/config"
	"github.com/kalambet/evalq/internal/decision"
	"github.com/kalambet/evalq/internal/feed"
	"github.com/kalambet/evalq/internal/notify"
	"github.com/kalambet/evalq/internal/outbox"
	"github.com/kalambet/evalq/internal/queuecache"
	"github.com/kalambet/evalq/internal/storage"
	"github.com/kalambet/evalq/internal/storage/postgres"
	"github.com/kalambet/evalq/internal/submission"
)

const shutdownTimeout = 5 * time.Second

// serverStore is everything serve needs from the authoritative store.
type serverStore interface {
	api.Store
	decision.Store
	queuecache.Store
	outbox.JobStore
	notify.JobQueue
	Close() error
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the queue server (foreground)",
		Long: `Run the queue server in the foreground.

The server owns the authoritative store, serves the HTTP API and change feed
that evaluators connect to, and delivers queued notifications. With --mcp it
also speaks the Model Context Protocol on stdin/stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			withMCP, _ := cmd.Flags().GetBool("mcp")
			return runServer(cmd.Context(), withMCP)
		},
	}
	cmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
	return cmd
}

func newStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running queue server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopServer()
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd)
		},
	}
}

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print the server's API token, creating one if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, created, err := config.EnsureAPIToken(&cfg)
			if err != nil {
				return err
			}
			if created {
				printSuccess("Generated a new API token in %s", cfg.Storage.DataDir)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "evalq.pid")
}

func lockFilePath(dataDir string) string {
	return filepath.Join(dataDir, "evalq.lock")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func openStore(ctx context.Context, cfg config.Config, hub *feed.Hub, logger *slog.Logger) (serverStore, *postgres.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		pg, err := postgres.Open(ctx, cfg.Storage.PostgresURL, postgres.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		return pg, pg, nil
	default:
		st, err := storage.Open(cfg.Storage.DataDir, storage.WithPublisher(hub), storage.WithLogger(logger))
		if err != nil {
			return nil, nil, fmt.Errorf("opening storage: %w", err)
		}
		return st, nil, nil
	}
}

func newSender(cfg config.Config) notify.Notifier {
	n := cfg.Notify
	switch {
	case n.SMTPHost != "":
		return notify.NewSMTP(notify.SMTPConfig{
			Host:     n.SMTPHost,
			Port:     n.SMTPPort,
			User:     n.SMTPUser,
			Password: n.SMTPPassword,
			From:     n.SMTPFrom,
			Timeout:  30 * time.Second,
		})
	case n.NtfyURL != "":
		return notify.NewNtfy(n.NtfyURL, 15*time.Second)
	}
	slog.Warn("no notification transport configured; decision emails will be dropped",
		"hint", "set notify.smtp_host or notify.ntfy_url")
	return notify.Noop{}
}

func runServer(ctx context.Context, withMCP bool) error {
	fmt.Fprintf(os.Stderr, "evalq version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	logger := slog.Default()

	stopTracing, err := startTracing(ctx, cfg, "evalq-server", os.Stderr)
	if err != nil {
		return err
	}
	defer stopTracing()

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	// One server per data dir.
	lock := flock.New(lockFilePath(cfg.Storage.DataDir))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring server lock: %w", err)
	}
	if !locked {
		if pid, pidErr := readPIDFile(pidFilePath(cfg.Storage.DataDir)); pidErr == nil {
			printWarning("evalq is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		return fmt.Errorf("server already running for %s", cfg.Storage.DataDir)
	}
	defer lock.Unlock()

	token, created, err := config.EnsureAPIToken(&cfg)
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	if created {
		printSuccess("Generated API token; show it with `evalq token`")
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := feed.NewHub(feed.WithLogger(logger))
	defer hub.Close()

	printStep("Opening %s storage", cfg.Storage.Driver)
	store, pg, err := openStore(ctx, cfg, hub, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	if pg != nil {
		g.Go(func() error { return pg.Listen(gctx, hub) })
	}

	outboxQueue := notify.NewOutbox(store)
	worker := outbox.NewWorker(store, newSender(cfg), cfg.Outbox.PollInterval)
	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewHandler(api.Deps{
			Store:  store,
			Feed:   hub,
			Outbox: outboxQueue,
			Token:  token,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return gctx
		},
	}
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "evalq listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		// Open feed streams end before Shutdown waits on them.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if withMCP {
		if err := startMCP(gctx, g, cfg, store, hub, outboxQueue, logger); err != nil {
			return err
		}
	}

	return g.Wait()
}

// startMCP serves MCP on stdio. Decisions go through a committer backed by a
// server-side cache bound to the hub, like any other evaluator.
func startMCP(ctx context.Context, g *errgroup.Group, cfg config.Config, store serverStore, hub *feed.Hub, notifier notify.Notifier, logger *slog.Logger) error {
	cache := queuecache.New(store, queuecache.WithLogger(logger))
	binding, err := queuecache.Bind(ctx, cache, hub)
	if err != nil {
		return fmt.Errorf("binding MCP queue view: %w", err)
	}
	if err := cache.Load(ctx); err != nil {
		binding.Close()
		return fmt.Errorf("loading MCP queue view: %w", err)
	}
	committer := decision.New(store, cache,
		decision.WithNotifier(notifier),
		decision.WithVerifyRetry(cfg.Decision.VerifyRetries, cfg.Decision.VerifyBackoff),
		decision.WithLogger(logger),
	)

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Store:            store,
		Decider:          committer,
		DefaultEvaluator: "mcp",
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	g.Go(func() error {
		defer binding.Close()
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
		return nil
	})
	slog.Info("MCP server started (stdio transport)")
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("evalq is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop evalq (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to evalq (PID %d)", pid)
	return nil
}

func showStatus(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	client, cfg, err := newAPIClient()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	if err := client.Health(ctx); err != nil {
		printStatus(out, "Server", "unreachable at %s", client.BaseURL())
		printStatus(out, "Data dir", "%s", cfg.Storage.DataDir)
		return nil
	}
	printStatus(out, "Server", "running at %s", client.BaseURL())
	if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil {
		printStatus(out, "PID", "%d", pid)
	}

	st, err := client.Stats(ctx)
	if err != nil {
		printWarning("could not read stats: %v", explain(err, client.BaseURL()))
	} else {
		printStatus(out, "Pending", "%d", st.Submissions[submission.StatusPending])
		printStatus(out, "Accepted", "%d", st.Submissions[submission.StatusAccepted])
		printStatus(out, "Rejected", "%d", st.Submissions[submission.StatusRejected])
		printStatus(out, "Notifications", "%d queued, %d delivered, %d failed", st.Jobs.Pending+st.Jobs.Running, st.Jobs.Completed, st.Jobs.Failed)
	}

	printStatus(out, "Storage", "%s", cfg.Storage.Driver)
	printStatus(out, "Data dir", "%s", cfg.Storage.DataDir)
	printStatus(out, "Evaluator", "%s", cfg.Client.EvaluatorID)
	return nil
}
