package devices

import (
	"context"
	"sync"
	"time"

	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/sirupsen/logrus"
)

// PollingResult содержит сводку или ошибку одной попытки опроса.
type PollingResult struct {
	Data *models.Snapshot
	Err  error
}

// StartPolling периодически вызывает collect и отправляет результаты в канал.
// Если сбор длится дольше интервала, попытки выполняются одновременно.
// Канал закрывается после отмены ctx, когда завершены все начатые попытки.
func StartPolling(ctx context.Context, interval time.Duration, collect func() (*models.Snapshot, error), logger logrus.FieldLogger) <-chan PollingResult {
	resultsChan := make(chan PollingResult)

	go func() {
		var inflight sync.WaitGroup
		defer close(resultsChan)
		defer inflight.Wait()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				if logger != nil {
					logger.Info("Опрос остановлен из-за отмены контекста.")
				}
				return
			case <-ticker.C:
				inflight.Add(1)
				go func() {
					defer inflight.Done()
					data, err := collect()
					result := PollingResult{Data: data, Err: err}
					select {
					case resultsChan <- result:
					case <-ctx.Done():
					}
				}()
			}
		}
	}()

	return resultsChan
}
