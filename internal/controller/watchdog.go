package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// watchdog pings the Local Controller every PingInterval so a dead tunnel
// shows up as a write error instead of a silent hang, and polls the exit
// flag. It returns nil when ctx ends or the exit flag appears.
func (s *Server) watchdog(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := s.session.Upstream.Ping(); err != nil {
			slog.Error("keep-alive failed", "error", err)
			return fmt.Errorf("%w: %w", ErrUpstreamLost, err)
		}
		if exitRequested(s.cfg.ExitFlag) {
			slog.Info("exit flag found, shutting down", "path", s.cfg.ExitFlag)
			return nil
		}
	}
}

func exitRequested(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
