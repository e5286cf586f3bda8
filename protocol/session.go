package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/iwtcode/microscopeAdapter/transport"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout — время ожидания ответа по умолчанию.
const DefaultTimeout = 2 * time.Second

// Session хранит состояние обмена с одним контроллером: привязку к порту,
// флаг инициализации, кэш калибровки и последней заданной позиции.
// Одновременно выполняется не более одной команды.
type Session struct {
	mu          sync.Mutex
	id          uuid.UUID
	framer      Framer
	tr          transport.Transport
	timeout     time.Duration
	retryFirst  int
	initialized bool
	calibration models.Calibration
	position    models.Position
	logger      logrus.FieldLogger
}

// NewSession создает сессию без привязки к порту.
func NewSession(framer Framer, logger logrus.FieldLogger) *Session {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	id := uuid.New()
	return &Session{
		id:      id,
		framer:  framer,
		timeout: DefaultTimeout,
		logger: logger.WithFields(logrus.Fields{
			"session": id.String(),
			"framing": framer.Name(),
		}),
	}
}

// ID возвращает идентификатор сессии для корреляции логов.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Framer возвращает формат кадра сессии.
func (s *Session) Framer() Framer {
	return s.framer
}

// Bind привязывает сессию к транспорту.
func (s *Session) Bind(tr transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tr = tr
	if tr != nil {
		s.logger = s.logger.WithField("port", tr.Name())
	}
}

// Close отвязывает и закрывает транспорт, сбрасывает флаг инициализации.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	if s.tr == nil {
		return nil
	}
	err := s.tr.Close()
	s.tr = nil
	return err
}

// Port возвращает имя привязанного порта или пустую строку.
func (s *Session) Port() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil {
		return ""
	}
	return s.tr.Name()
}

// Bound сообщает, привязан ли транспорт.
func (s *Session) Bound() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tr != nil
}

func (s *Session) SetTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.timeout = d
	}
}

func (s *Session) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// SetRetryOnFirstCommand задает число дополнительных попыток для Handshake.
func (s *Session) SetRetryOnFirstCommand(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	s.retryFirst = n
}

func (s *Session) SetInitialized(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = v
}

func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Session) Calibration() models.Calibration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calibration
}

func (s *Session) SetCalibration(c models.Calibration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calibration = c
}

// UpdateCalibration изменяет кэш калибровки под блокировкой сессии.
func (s *Session) UpdateCalibration(fn func(c *models.Calibration)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.calibration)
}

// LastPosition возвращает последнюю заданную или прочитанную позицию.
func (s *Session) LastPosition() models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

func (s *Session) SetLastPosition(p models.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = p
}

// SendCommand отправляет команду и возвращает проверенный ответ.
func (s *Session) SendCommand(cmd Command) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchange(cmd, s.timeout)
}

// SendCommandTimeout работает как SendCommand, но ждет ответа до timeout.
// Нужен для команд движения, ответ на которые приходит после остановки.
func (s *Session) SendCommandTimeout(cmd Command, timeout time.Duration) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchange(cmd, timeout)
}

// Send отправляет команду, на которую устройство не отвечает.
func (s *Session) Send(cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.write(cmd)
	return err
}

// ReadResponse читает еще один кадр ответа на cmd без повторной отправки.
// Используется для многострочных ответов.
func (s *Session) ReadResponse(cmd Command) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tr == nil {
		return nil, merrors.New(merrors.KindPortNotConfigured, "read "+cmd.Op.String(), nil)
	}
	return s.receive(cmd, s.timeout)
}

// Handshake отправляет первую команду сессии. При ошибке команда повторяется
// заданное SetRetryOnFirstCommand число раз: только что открытый порт
// может быть еще не готов.
func (s *Session) Handshake(cmd Command) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= s.retryFirst; attempt++ {
		if attempt > 0 {
			s.logger.Warnf("Повтор первой команды %s (попытка %d): %v", cmd, attempt+1, lastErr)
			time.Sleep(50 * time.Millisecond)
		}
		resp, err := s.exchange(cmd, s.timeout)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	return !errors.Is(err, merrors.ErrPortNotConfigured) && !errors.Is(err, merrors.ErrInvalidArgument)
}

func (s *Session) exchange(cmd Command, timeout time.Duration) (*Response, error) {
	if _, err := s.write(cmd); err != nil {
		return nil, err
	}
	return s.receive(cmd, timeout)
}

func (s *Session) write(cmd Command) ([]byte, error) {
	if s.tr == nil {
		return nil, merrors.New(merrors.KindPortNotConfigured, "send "+cmd.Op.String(), nil)
	}
	out, err := s.framer.Encode(cmd)
	if err != nil {
		return nil, err
	}
	if err := s.tr.Flush(); err != nil {
		return nil, fmt.Errorf("%s flush before %s: %w", s.framer.Name(), cmd.Op, err)
	}
	s.logger.Debugf("-> %q", out)
	if err := s.tr.Write(out); err != nil {
		return nil, fmt.Errorf("%s write %s: %w", s.framer.Name(), cmd.Op, err)
	}
	return out, nil
}

func (s *Session) receive(cmd Command, timeout time.Duration) (*Response, error) {
	exp := s.framer.Expect(cmd)
	frame, err := s.tr.ReadFrame(exp.Match, exp.MaxLen, timeout)
	if err != nil {
		if len(frame) > 0 {
			s.logger.Debugf("<- (неполный) %q", frame)
		}
		return nil, fmt.Errorf("%s read %s: %w", s.framer.Name(), cmd.Op, err)
	}
	s.logger.Debugf("<- %q", frame)
	return s.framer.Decode(cmd, frame)
}
