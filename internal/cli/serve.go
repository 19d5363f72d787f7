package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/tandem/internal/config"
	"github.com/roach88/tandem/internal/hub"
	"github.com/roach88/tandem/internal/hub/broker"
	"github.com/roach88/tandem/internal/metrics"
	"github.com/roach88/tandem/internal/service"
	"github.com/roach88/tandem/internal/store"
	"github.com/roach88/tandem/internal/transport"
)

// SyncPath is where the WebSocket endpoint is mounted.
const SyncPath = "/sync"

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Config    string
	Listen    string
	Database  string
	Broker    string
	RedisAddr string
	Namespace string
	Metrics   string

	// Ready is called with the bound address once the server accepts
	// connections (for testing).
	Ready func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		Long: `Run the sync server: the WebSocket endpoint at ` + SyncPath + `, the
notification hub and the SQLite sequence store.

Settings come from the CUE file given with --config; flags override it.
Prometheus metrics are served at /metrics on the main listener, or on
--metrics when set.

Example:
  tandem serve --config ./tandem.cue
  tandem serve --db ./zoo.db --broker redis --redis-addr localhost:6379`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to CUE configuration file or directory")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.Broker, "broker", "", "broker kind: memory|redis (overrides config)")
	cmd.Flags().StringVar(&opts.RedisAddr, "redis-addr", "", "redis address host:port (overrides config)")
	cmd.Flags().StringVar(&opts.Namespace, "namespace", "", "broker channel prefix (overrides config)")
	cmd.Flags().StringVar(&opts.Metrics, "metrics", "", "separate metrics listen address (overrides config)")

	return cmd
}

// resolveConfig loads --config (or the defaults) and applies flag overrides.
func resolveConfig(opts *ServeOptions) (*config.Config, string, error) {
	cfg := config.Default()
	dbPath := cfg.Database
	if opts.Config != "" {
		var err error
		if cfg, err = config.Load(opts.Config); err != nil {
			return nil, "", err
		}
		dbPath = cfg.Abs(opts.Config)
	}

	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if opts.Database != "" {
		dbPath = opts.Database
	}
	if opts.Broker != "" {
		cfg.Broker.Kind = opts.Broker
	}
	if opts.RedisAddr != "" {
		cfg.Broker.Addr = opts.RedisAddr
	}
	if opts.Namespace != "" {
		cfg.Broker.Namespace = opts.Namespace
	}
	if opts.Metrics != "" {
		cfg.Metrics = opts.Metrics
	}

	switch cfg.Broker.Kind {
	case "memory":
	case "redis":
		if cfg.Broker.Addr == "" {
			return nil, "", &config.LoadError{Code: config.ErrCodeBrokerAddr, Message: "redis broker requires addr"}
		}
	default:
		return nil, "", &config.LoadError{Code: config.ErrCodeSchema, Message: fmt.Sprintf("unknown broker kind %q", cfg.Broker.Kind)}
	}
	return cfg, dbPath, nil
}

func openBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	if cfg.Broker.Kind != "redis" {
		return broker.NewMemory(), nil
	}
	r := broker.DialRedis(cfg.Broker.Addr, logger)
	if err := r.Ping(ctx); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	cfg, dbPath, err := resolveConfig(opts)
	if err != nil {
		_ = formatter.Error(configError(err))
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("opening database", "path", dbPath)
	st, err := store.Open(dbPath, store.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	b, err := openBroker(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect broker", err)
	}
	defer b.Close()

	m := metrics.New()
	h := hub.New(b, hub.WithNamespace(cfg.Broker.Namespace), hub.WithMetrics(m), hub.WithLogger(logger))
	svc := service.New(st, h, service.WithConfig(cfg), service.WithMetrics(m), service.WithLogger(logger))
	ws := transport.NewServer(svc, h, transport.WithServerLogger(logger), transport.WithServerMetrics(m))

	mux := http.NewServeMux()
	mux.Handle(SyncPath, ws)
	if cfg.Metrics == "" {
		mux.Handle("/metrics", m.Handler())
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	servers := []*http.Server{{Handler: mux}}
	listeners := []net.Listener{ln}
	if cfg.Metrics != "" {
		mln, err := net.Listen("tcp", cfg.Metrics)
		if err != nil {
			ln.Close()
			return WrapExitError(ExitCommandError, "failed to listen for metrics", err)
		}
		servers = append(servers, &http.Server{Handler: m.Handler()})
		listeners = append(listeners, mln)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx) })
	for i := range servers {
		g.Go(func() error {
			if err := servers[i].Serve(listeners[i]); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		n := ws.DisconnectAll()
		logger.Info("shutting down", "sockets", n)
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(sctx); err != nil {
				logger.Warn("shutdown", "error", err)
			}
		}
		return nil
	})

	select {
	case <-h.Ready():
		addr := ln.Addr().String()
		logger.Info("serving", "addr", addr, "path", SyncPath, "broker", cfg.Broker.Kind, "models", len(cfg.Models))
		fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s%s\n", addr, SyncPath)
		if opts.Ready != nil {
			opts.Ready(addr)
		}
	case <-gctx.Done():
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped")
	return nil
}
