package protocol

import (
	"context"
	"time"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
)

// PollOptions задает политику ожидания остановки.
type PollOptions struct {
	MaxAttempts int           // Предельное число чтений, 0 — без ограничения
	Interval    time.Duration // Пауза между чтениями
}

// PollUntilStable читает значение, пока два последовательных чтения не совпадут,
// и возвращает последнее из них. Устройства без сигнала готовности считаются
// остановившимися, когда позиция перестала меняться.
// При MaxAttempts > 0 выполняется не более max(MaxAttempts, 2) чтений, затем
// возвращается KindTimeout. Отмена ctx проверяется между чтениями.
func PollUntilStable[T comparable](ctx context.Context, read func() (T, error), opts PollOptions) (T, error) {
	limit := opts.MaxAttempts
	if limit > 0 && limit < 2 {
		limit = 2
	}

	prev, err := read()
	if err != nil {
		return prev, err
	}

	for attempt := 1; limit == 0 || attempt < limit; attempt++ {
		if err := Sleep(ctx, opts.Interval); err != nil {
			return prev, err
		}
		cur, err := read()
		if err != nil {
			return cur, err
		}
		if cur == prev {
			return cur, nil
		}
		prev = cur
	}
	return prev, merrors.Newf(merrors.KindTimeout, "poll until stable", "value still changing after %d reads", limit)
}

// Changing выполняет два чтения подряд и сообщает, различаются ли они.
func Changing[T comparable](read func() (T, error)) (bool, error) {
	a, err := read()
	if err != nil {
		return false, err
	}
	b, err := read()
	if err != nil {
		return false, err
	}
	return a != b, nil
}

// Sleep ждет d или отмены ctx.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
