package transport

import (
	"errors"
	"sync"
	"time"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
)

// Responder вычисляет ответ устройства на записанный запрос; nil означает отсутствие ответа.
type Responder func(request []byte) []byte

// Stub — транспорт в памяти для тестов и симуляции. Каждый Write передается
// в Responder, а его ответ становится доступен для ReadFrame.
type Stub struct {
	mu      sync.Mutex
	name    string
	respond Responder
	rx      []byte
	writes  [][]byte
	flushes int
	closed  bool
}

var _ Transport = (*Stub)(nil)

// NewStub создает заглушку. respond может быть nil.
func NewStub(name string, respond Responder) *Stub {
	return &Stub{name: name, respond: respond}
}

func (s *Stub) Name() string {
	return s.name
}

func (s *Stub) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return merrors.New(merrors.KindTransport, "write", errors.New("port closed"))
	}
	req := append([]byte(nil), p...)
	s.writes = append(s.writes, req)
	if s.respond != nil {
		s.rx = append(s.rx, s.respond(req)...)
	}
	return nil
}

func (s *Stub) ReadFrame(match Matcher, maxLen int, timeout time.Duration) ([]byte, error) {
	return readFrame(s.read, match, maxLen, timeout)
}

func (s *Stub) read(p []byte) (int, error) {
	s.mu.Lock()
	if len(s.rx) == 0 {
		s.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(p, s.rx)
	s.rx = s.rx[n:]
	s.mu.Unlock()
	return n, nil
}

func (s *Stub) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rx = nil
	s.flushes++
	return nil
}

func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Feed добавляет байты во входной буфер, как будто их прислало устройство.
func (s *Stub) Feed(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rx = append(s.rx, b...)
}

// Writes возвращает копию всех записанных запросов.
func (s *Stub) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}

// LastWrite возвращает последний записанный запрос или nil.
func (s *Stub) LastWrite() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.writes) == 0 {
		return nil
	}
	return s.writes[len(s.writes)-1]
}

// Flushes возвращает число вызовов Flush.
func (s *Stub) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// Pending возвращает копию еще не прочитанных байт.
func (s *Stub) Pending() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.rx...)
}
