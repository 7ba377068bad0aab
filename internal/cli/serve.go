package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/statesync/internal/config"
	"github.com/roach88/statesync/internal/gateway"
	"github.com/roach88/statesync/internal/patch"
	"github.com/roach88/statesync/internal/resync"
	"github.com/roach88/statesync/internal/store"
	"github.com/roach88/statesync/internal/subscribe"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Config string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the synchronization server",
		Long: `Run the websocket gateway over the configured store.

Endpoints:
  /ws      websocket subscriptions
  /resync  reconnect resolution
  /emit    state writes (POST {"entity","id","data"})`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "YAML configuration file")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg := config.Default()
	if opts.Config != "" {
		loaded, err := config.Load(opts.Config)
		if err != nil {
			return WrapExitError(ExitCommandError, "load config", err)
		}
		cfg = loaded
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	storeCfg := store.Config{
		MaxPatchAge:         cfg.Store.MaxPatchAge,
		MaxPatchesPerEntity: cfg.Store.MaxPatchesPerEntity,
		MaxRetries:          cfg.Store.MaxRetries,
	}
	var st store.Adapter
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		db, err := store.Open(cfg.Store.Path, storeCfg)
		if err != nil {
			return WrapExitError(ExitCommandError, "open store", err)
		}
		defer db.Close()
		st = db
	default:
		st = store.NewMemory(storeCfg)
	}

	reg := subscribe.NewRegistry()
	resolver := resync.New(st, resync.WithLogger(logger))
	gw := gateway.New(reg, resolver, gateway.WithLogger(logger))
	disp := subscribe.NewDispatcher(st, reg, gw.Send, subscribe.WithLogger(logger))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeWS)
	mux.HandleFunc("/resync", gw.ServeResync)
	mux.HandleFunc("/emit", emitHandler(disp, logger))

	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Listen, "backend", string(cfg.Store.Backend))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, "serve", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return WrapExitError(ExitFailure, "shutdown", err)
		}
	}
	return nil
}

// emitHandler accepts POST {"entity","id","data"} and broadcasts the write.
func emitHandler(disp *subscribe.Dispatcher, logger *slog.Logger) http.HandlerFunc {
	type emitRequest struct {
		Entity string         `json:"entity"`
		ID     string         `json:"id"`
		Data   patch.Snapshot `json:"data"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req emitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		if req.Entity == "" || req.ID == "" {
			http.Error(w, "entity and id are required", http.StatusBadRequest)
			return
		}
		res, err := disp.Broadcast(r.Context(), req.Entity, req.ID, req.Data)
		if err != nil {
			http.Error(w, "emit failed", http.StatusInternalServerError)
			logger.Info("emit failed", "entity", req.Entity, "id", req.ID, "error", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(res); err != nil {
			logger.Info("emit response write failed", "error", err)
		}
	}
}
