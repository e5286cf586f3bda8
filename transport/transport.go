package transport

import (
	"bytes"
	"io"
	"time"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
)

// Transport — байтовый канал до контроллера (последовательный порт или заглушка).
// Реализации не обязаны быть потокобезопасными: сериализацию обеспечивает сессия.
type Transport interface {
	// Name возвращает имя порта, например "/dev/ttyUSB0" или "COM3".
	Name() string
	// Write отправляет байты целиком.
	Write(p []byte) error
	// ReadFrame читает байты, пока match не сообщит о законченном кадре
	// или не истечет timeout.
	ReadFrame(match Matcher, maxLen int, timeout time.Duration) ([]byte, error)
	// Flush отбрасывает все непрочитанные входящие байты.
	Flush() error
	Close() error
}

// Matcher сообщает, образуют ли накопленные байты законченный кадр.
type Matcher func(buf []byte) bool

// UntilTerminator завершает кадр на последовательности term.
func UntilTerminator(term []byte) Matcher {
	return func(buf []byte) bool {
		return len(term) > 0 && bytes.HasSuffix(buf, term)
	}
}

// UntilLength завершает кадр после n байт.
func UntilLength(n int) Matcher {
	return func(buf []byte) bool {
		return len(buf) >= n
	}
}

// AnyOf завершает кадр, как только срабатывает любой из matcher'ов.
func AnyOf(matchers ...Matcher) Matcher {
	return func(buf []byte) bool {
		for _, m := range matchers {
			if m(buf) {
				return true
			}
		}
		return false
	}
}

// readFrame побайтно собирает кадр, чтобы не захватить байты следующего ответа.
// read должен возвращать (0, nil) или (0, io.EOF), когда данных пока нет.
func readFrame(read func(p []byte) (int, error), match Matcher, maxLen int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 0, 64)
	one := make([]byte, 1)

	for {
		n, err := read(one)
		if n > 0 {
			buf = append(buf, one[0])
			if match(buf) {
				return buf, nil
			}
			if maxLen > 0 && len(buf) >= maxLen {
				return buf, merrors.Newf(merrors.KindMalformedResponse, "read frame", "no frame end within %d bytes", maxLen)
			}
			continue
		}
		if err != nil && err != io.EOF {
			return buf, merrors.New(merrors.KindTransport, "read frame", err)
		}
		if !time.Now().Before(deadline) {
			return buf, merrors.Newf(merrors.KindTimeout, "read frame", "incomplete frame after %s (%d bytes)", timeout, len(buf))
		}
	}
}
