// secret_gc.go — фоновая очистка истёкших секретов пользователей.
// Запускается как горутина с периодическим тикером (SB_SECRET_GC_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var secretsPurgedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "sb_secrets_purged_total",
	Help: "Количество удалённых истёкших секретов.",
})

// SecretPurger — удаление истёкших секретов. Реализуется IdentityService.
type SecretPurger interface {
	PurgeExpiredSecrets(ctx context.Context) (int64, error)
}

// SecretGCService — периодическая очистка таблицы user_secrets.
type SecretGCService struct {
	purger   SecretPurger
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSecretGCService создаёт сервис очистки секретов.
func NewSecretGCService(purger SecretPurger, interval time.Duration, logger *slog.Logger) *SecretGCService {
	return &SecretGCService{
		purger:   purger,
		interval: interval,
		logger:   logger.With(slog.String("component", "secret_gc")),
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (gc *SecretGCService) Start(ctx context.Context) {
	gcCtx, cancel := context.WithCancel(ctx)
	gc.cancel = cancel
	gc.done = make(chan struct{})

	go gc.run(gcCtx)

	gc.logger.Info("Очистка секретов запущена",
		slog.String("interval", gc.interval.String()),
	)
}

// Stop останавливает фоновый процесс и ждёт завершения текущего прохода.
func (gc *SecretGCService) Stop() {
	if gc.cancel == nil {
		return
	}
	gc.cancel()
	<-gc.done
	gc.logger.Info("Очистка секретов остановлена")
}

func (gc *SecretGCService) run(ctx context.Context) {
	defer close(gc.done)

	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gc.RunOnce(ctx)
		}
	}
}

// RunOnce удаляет истёкшие секреты и возвращает их количество.
func (gc *SecretGCService) RunOnce(ctx context.Context) int64 {
	gc.mu.Lock()
	defer gc.mu.Unlock()

	n, err := gc.purger.PurgeExpiredSecrets(ctx)
	if err != nil {
		gc.logger.Error("Ошибка очистки секретов", slog.String("error", err.Error()))
		return 0
	}
	if n > 0 {
		secretsPurgedTotal.Add(float64(n))
		gc.logger.Info("Истёкшие секреты удалены", slog.Int64("count", n))
	}
	return n
}
