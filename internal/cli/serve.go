package cli

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/habitledger/internal/syncengine"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string

	// listening, when set, receives the bound address once the HTTP server
	// accepts connections.
	listening func(addr string)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and compactor in the foreground",
		Long: `Run the sync engine and the compactor until interrupted, with an HTTP
endpoint for health and metrics:

  GET /healthz  sync health as JSON (503 while degraded)
  GET /metrics  Prometheus metrics

Exit codes:
  0 - Stopped by signal
  2 - Command error (config, database, listen address, etc.)

Examples:
  habitledger serve --user alice
  habitledger serve --user alice --addr 127.0.0.1:9000`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	formatter := newFormatter(opts.RootOptions, cmd)

	reg := prometheus.NewRegistry()
	svc, cfg, err := openService(ctx, opts.RootOptions, cmd, reg)
	if err != nil {
		return formatter.Fail(err)
	}
	defer svc.Close()

	addr := cfg.HTTPAddr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return formatter.Fail(WrapExitError(ExitCommandError, "failed to listen", err))
	}

	if err := svc.Start(ctx); err != nil {
		ln.Close()
		return formatter.Fail(err)
	}

	server := &http.Server{
		Handler:           newServeHandler(svc.SyncHealth, reg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger := newLogger(opts.RootOptions, cmd)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if opts.listening != nil {
		opts.listening(ln.Addr().String())
	}
	formatter.VerboseLog("Serving on %s", ln.Addr().String())

	serveErr := g.Wait()
	if err := svc.Stop(); err != nil {
		logger.Error("stop service", "error", err)
	}
	if serveErr != nil {
		return formatter.Fail(WrapExitError(ExitCommandError, "http server failed", serveErr))
	}
	return nil
}

// newServeHandler routes /healthz and /metrics.
func newServeHandler(health func() syncengine.Health, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		h := health()
		w.Header().Set("Content-Type", "application/json")
		if h.Degraded {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(h); err != nil {
			slog.Default().Warn("write health response", "error", err)
		}
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return mux
}
