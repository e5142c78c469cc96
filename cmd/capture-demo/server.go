package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mikeyg42/capturekit/internal/capturelog"
	"github.com/mikeyg42/capturekit/internal/config"
	"github.com/mikeyg42/capturekit/internal/control"
)

const shutdownTimeout = 5 * time.Second

// ServerManager handles the lifecycle of the control server
type ServerManager struct {
	rpc    *control.Server
	server *http.Server
	logger capturelog.Logger
}

func NewServerManager(cc config.ControlConfig, rpc *control.Server, logger capturelog.Logger) *ServerManager {
	var handler http.Handler = rpc
	if cc.ConnectionsPerMinute > 0 {
		burst := int(cc.ConnectionsPerMinute)
		handler = control.NewClientLimiter(cc.ConnectionsPerMinute/60, max(burst, 1)).Middleware(rpc)
	}

	mux := http.NewServeMux()
	mux.Handle(cc.Path, handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	return &ServerManager{
		rpc: rpc,
		server: &http.Server{
			Addr:              cc.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (sm *ServerManager) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		sm.logger.Info("Control server listening", capturelog.String("addr", sm.server.Addr))
		errCh <- sm.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = sm.rpc.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("control server error: %w", err)
	case <-ctx.Done():
	}

	sm.logger.Info("Stopping control server...")
	// Websocket connections are hijacked, so Shutdown does not wait for them.
	if err := sm.rpc.Close(); err != nil {
		sm.logger.Warn("Failed to disconnect control clients", capturelog.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sm.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	sm.logger.Info("Control server stopped")
	return nil
}
