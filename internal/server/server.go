// Пакет server — HTTP-сервер StreamBed с graceful shutdown.
// Без TLS: TLS termination на ingress перед инсталляцией.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/bigkaa/streambed/internal/config"
)

// Server — HTTP-сервер StreamBed.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт HTTP-сервер поверх готового роутера (см. NewRouter).
func New(cfg *config.Config, logger *slog.Logger, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.HTTPReadTimeout,
			WriteTimeout: cfg.HTTPWriteTimeout,
			IdleTimeout:  cfg.HTTPIdleTimeout,
		},
		logger: logger.With(slog.String("component", "server")),
		cfg:    cfg,
	}
}

// Run обслуживает запросы до SIGINT/SIGTERM, затем дожидается
// текущих запросов не дольше SB_SHUTDOWN_TIMEOUT.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
			slog.String("local_domain", s.cfg.LocalDomain),
		)
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP-сервер: %w", err)
	case <-ctx.Done():
		s.logger.Info("Получен сигнал завершения, останавливаем приём запросов")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown за %s: %w", s.cfg.ShutdownTimeout, err)
	}
	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
