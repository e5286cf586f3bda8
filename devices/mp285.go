package devices

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/iwtcode/microscopeAdapter/protocol"
	"github.com/sirupsen/logrus"
)

// Контроллер отвечает на команду перемещения только после остановки.
// Время ожидания растет с длиной перемещения.
const mp285MoveTimePerStep = 3 * time.Millisecond

// Режимы перемещения MP-285.
const (
	MP285MotionAbsolute = "absolute"
	MP285MotionRelative = "relative"
)

// MP285Hub — контроллер микроманипулятора Sutter MP-285. XY- и Z-подвижки
// используют его сессию и общий кэш последней позиции: команда перемещения
// всегда содержит все три координаты.
type MP285Hub struct {
	base
	session *protocol.Session
	travel  float64

	// moveMu держится от чтения кэша позиции до его обновления.
	moveMu sync.Mutex

	stateMu    sync.Mutex
	status     protocol.MP285StatusBlock
	velocity   int
	resolution int
	motion     string
}

var _ Hub = (*MP285Hub)(nil)

// NewMP285Hub создает адаптер контроллера. travelUm задает пределы хода
// ±travelUm по каждой оси; контроллер их не сообщает.
func NewMP285Hub(name string, session *protocol.Session, travelUm float64, logger logrus.FieldLogger) *MP285Hub {
	if travelUm <= 0 {
		travelUm = 25000
	}
	h := &MP285Hub{base: newBase(name, logger), session: session, travel: travelUm}
	h.props.Define("Port", func() (string, error) { return session.Port(), nil }, nil)
	h.props.Define("Firmware", func() (string, error) {
		return fmt.Sprint(h.Status().Firmware), nil
	}, nil)
	h.props.Define("UmToUStep", func() (string, error) {
		return fmt.Sprint(h.Status().UmToUStep), nil
	}, nil)
	h.props.Define("Velocity", func() (string, error) {
		v, _ := h.Velocity()
		return fmt.Sprint(v), nil
	}, func(value string) error {
		v, err := parseIntProperty("Velocity", value)
		if err != nil {
			return err
		}
		_, res := h.Velocity()
		return h.SetVelocity(int(v), res)
	})
	h.props.Define("Resolution", func() (string, error) {
		_, res := h.Velocity()
		return fmt.Sprint(res), nil
	}, func(value string) error {
		res, err := parseIntProperty("Resolution", value)
		if err != nil {
			return err
		}
		v, _ := h.Velocity()
		return h.SetVelocity(v, int(res))
	})
	h.props.Define("MotionMode", func() (string, error) {
		h.stateMu.Lock()
		defer h.stateMu.Unlock()
		return h.motion, nil
	}, h.SetMotionMode)
	return h
}

func (h *MP285Hub) Session() *protocol.Session {
	return h.session
}

// Initialize читает блок состояния, задает абсолютный режим и текущую позицию.
func (h *MP285Hub) Initialize(context.Context) error {
	resp, err := h.session.Handshake(protocol.NewCommand(protocol.Code(protocol.MP285Status)))
	if err != nil {
		return fmt.Errorf("mp285 hub %s: read status: %w", h.name, err)
	}
	st, err := protocol.ParseMP285Status(resp.Payload)
	if err != nil {
		return fmt.Errorf("mp285 hub %s: %w", h.name, err)
	}
	if st.UmToUStep <= 0 {
		return merrors.Newf(merrors.KindMalformedResponse, "mp285 status", "um to ustep factor %d", st.UmToUStep)
	}

	h.stateMu.Lock()
	h.status = st
	h.velocity = st.Velocity
	h.resolution = st.Resolution
	h.stateMu.Unlock()

	travel := models.Limits{Min: -h.travel, Max: h.travel}
	h.session.SetCalibration(models.Calibration{
		StepSizeUm:  1 / float64(st.UmToUStep),
		XLimits:     travel,
		YLimits:     travel,
		ZLimits:     travel,
		VelocityMin: 0,
		VelocityMax: 0x7FFF,
	})

	if err := h.SetMotionMode(MP285MotionAbsolute); err != nil {
		return err
	}
	if _, err := h.ReadPosition(); err != nil {
		return fmt.Errorf("mp285 hub %s: read position: %w", h.name, err)
	}

	h.session.SetInitialized(true)
	h.setInitialized(true)
	h.logger.Infof("MP-285 инициализирован: прошивка %d, %d мкшаг/мкм, скорость %d, разрешение %d",
		st.Firmware, st.UmToUStep, st.Velocity, st.Resolution)
	return nil
}

func (h *MP285Hub) Shutdown() error {
	h.setInitialized(false)
	return h.session.Close()
}

func (h *MP285Hub) Busy() (bool, error) {
	return false, nil
}

// Status возвращает блок состояния, прочитанный при инициализации.
func (h *MP285Hub) Status() protocol.MP285StatusBlock {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.status
}

// Velocity возвращает текущие скорость и разрешение.
func (h *MP285Hub) Velocity() (int, int) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.velocity, h.resolution
}

// SetVelocity задает скорость (0..32767) и разрешение (10 или 50).
func (h *MP285Hub) SetVelocity(velocity, resolution int) error {
	if velocity < 0 || velocity > 0x7FFF {
		return merrors.Newf(merrors.KindInvalidArgument, "mp285 velocity", "velocity %d outside 0..32767", velocity)
	}
	if resolution != 10 && resolution != 50 {
		return merrors.Newf(merrors.KindInvalidArgument, "mp285 velocity", "resolution must be 10 or 50, got %d", resolution)
	}
	word := protocol.MP285VelocityWord(velocity, resolution)
	if _, err := h.session.SendCommand(protocol.NewCommand(protocol.Code(protocol.MP285Velocity), protocol.IntArg(word))); err != nil {
		return fmt.Errorf("mp285 hub %s: set velocity: %w", h.name, err)
	}
	h.stateMu.Lock()
	h.velocity = velocity
	h.resolution = resolution
	h.stateMu.Unlock()
	return nil
}

// SetMotionMode переключает абсолютный или относительный режим перемещения.
func (h *MP285Hub) SetMotionMode(mode string) error {
	var op int
	switch strings.ToLower(mode) {
	case MP285MotionAbsolute:
		op = protocol.MP285Absolute
	case MP285MotionRelative:
		op = protocol.MP285Relative
	default:
		return merrors.Newf(merrors.KindInvalidArgument, "mp285 motion mode", "unknown mode %q", mode)
	}
	if _, err := h.session.SendCommand(protocol.NewCommand(protocol.Code(op))); err != nil {
		return fmt.Errorf("mp285 hub %s: set motion mode: %w", h.name, err)
	}
	h.stateMu.Lock()
	h.motion = strings.ToLower(mode)
	h.stateMu.Unlock()
	return nil
}

// ReadPosition читает координаты в микрошагах и обновляет кэш позиции.
func (h *MP285Hub) ReadPosition() (models.Position, error) {
	h.moveMu.Lock()
	defer h.moveMu.Unlock()
	return h.readPosition()
}

func (h *MP285Hub) readPosition() (models.Position, error) {
	resp, err := h.session.SendCommand(protocol.NewCommand(protocol.Code(protocol.MP285Position)))
	if err != nil {
		return models.Position{}, err
	}
	p, err := protocol.ParseMP285Position(resp.Payload)
	if err != nil {
		return models.Position{}, err
	}
	h.session.SetLastPosition(p)
	return p, nil
}

// Move перемещает все три оси в абсолютную позицию p и ждет ответа
// контроллера. В относительном режиме отправляется разность с кэшем позиции.
func (h *MP285Hub) Move(p models.Position) error {
	return h.MoveFrom(func(models.Position) models.Position { return p })
}

// MoveFrom строит цель из кэша позиции и перемещает оси. Подвижки меняют
// свои координаты, остальные берут из кэша; перемещения не пересекаются.
// После ошибки кэш перечитывается с контроллера.
func (h *MP285Hub) MoveFrom(target func(last models.Position) models.Position) error {
	h.moveMu.Lock()
	defer h.moveMu.Unlock()

	last := h.session.LastPosition()
	p := target(last)
	h.stateMu.Lock()
	relative := h.motion == MP285MotionRelative
	h.stateMu.Unlock()

	delta := models.Position{X: p.X - last.X, Y: p.Y - last.Y, Z: p.Z - last.Z}
	timeout := h.session.Timeout() + time.Duration(maxAbs(delta.X, delta.Y, delta.Z))*mp285MoveTimePerStep

	cmd := protocol.MP285MoveCommand(p)
	if relative {
		cmd = protocol.MP285MoveCommand(delta)
	}
	if _, err := h.session.SendCommandTimeout(cmd, timeout); err != nil {
		if _, rerr := h.readPosition(); rerr != nil {
			h.logger.Warnf("Не удалось перечитать позицию после ошибки перемещения: %v", rerr)
		}
		return fmt.Errorf("mp285 hub %s: move: %w", h.name, err)
	}
	h.session.SetLastPosition(p)
	return nil
}

// SetOrigin делает текущую позицию началом координат контроллера.
func (h *MP285Hub) SetOrigin() error {
	h.moveMu.Lock()
	defer h.moveMu.Unlock()
	if _, err := h.session.SendCommand(protocol.NewCommand(protocol.Code(protocol.MP285Origin))); err != nil {
		return fmt.Errorf("mp285 hub %s: set origin: %w", h.name, err)
	}
	h.session.SetLastPosition(models.Position{})
	return nil
}

// Stop прерывает движение. Контроллер на эту команду не отвечает.
func (h *MP285Hub) Stop() error {
	return h.session.Send(protocol.NewCommand(protocol.Code(protocol.MP285Stop)))
}

// Refresh обновляет дисплей контроллера.
func (h *MP285Hub) Refresh() error {
	_, err := h.session.SendCommand(protocol.NewCommand(protocol.Code(protocol.MP285Refresh)))
	return err
}

func maxAbs(vs ...int64) int64 {
	var m int64
	for _, v := range vs {
		if v < 0 {
			v = -v
		}
		if v > m {
			m = v
		}
	}
	return m
}

// MP285XYStage — оси X и Y контроллера MP-285.
type MP285XYStage struct {
	base
	hub *MP285Hub
}

var _ XYStage = (*MP285XYStage)(nil)

func NewMP285XYStage(name string, hub *MP285Hub, logger logrus.FieldLogger) *MP285XYStage {
	s := &MP285XYStage{base: newBase(name, logger), hub: hub}
	s.props.Static("Hub", hub.Name())
	return s
}

func (s *MP285XYStage) Initialize(context.Context) error {
	if err := requireHub(s.hub, "mp285 xy initialize"); err != nil {
		return err
	}
	s.setInitialized(true)
	return nil
}

func (s *MP285XYStage) Shutdown() error {
	s.setInitialized(false)
	return nil
}

// Busy всегда false: команда перемещения возвращается после остановки.
func (s *MP285XYStage) Busy() (bool, error) {
	return false, nil
}

func (s *MP285XYStage) GetPositionSteps() (int64, int64, error) {
	if err := s.requireInit("mp285 xy position"); err != nil {
		return 0, 0, err
	}
	p, err := s.hub.ReadPosition()
	if err != nil {
		return 0, 0, err
	}
	return p.X, p.Y, nil
}

func (s *MP285XYStage) SetPositionSteps(_ context.Context, x, y int64) error {
	if err := s.requireInit("mp285 xy move"); err != nil {
		return err
	}
	return s.hub.MoveFrom(func(last models.Position) models.Position {
		return models.Position{X: x, Y: y, Z: last.Z}
	})
}

func (s *MP285XYStage) GetPositionUm() (float64, float64, error) {
	x, y, err := s.GetPositionSteps()
	if err != nil {
		return 0, 0, err
	}
	step := s.hub.Session().Calibration().StepSizeUm
	return float64(x) * step, float64(y) * step, nil
}

func (s *MP285XYStage) SetPositionUm(ctx context.Context, x, y float64) error {
	if err := s.requireInit("mp285 xy move"); err != nil {
		return err
	}
	cal := s.hub.Session().Calibration()
	if !cal.XLimits.Contains(x) || !cal.YLimits.Contains(y) {
		return merrors.Newf(merrors.KindInvalidArgument, "mp285 xy move", "target (%.3f, %.3f) um outside travel", x, y)
	}
	return s.SetPositionSteps(ctx, int64(math.Round(x/cal.StepSizeUm)), int64(math.Round(y/cal.StepSizeUm)))
}

func (s *MP285XYStage) SetOrigin() error {
	if err := s.requireInit("mp285 xy origin"); err != nil {
		return err
	}
	return s.hub.SetOrigin()
}

func (s *MP285XYStage) GetLimitsUm() (models.Limits, models.Limits, error) {
	if err := s.requireInit("mp285 xy limits"); err != nil {
		return models.Limits{}, models.Limits{}, err
	}
	cal := s.hub.Session().Calibration()
	return cal.XLimits, cal.YLimits, nil
}

func (s *MP285XYStage) Stop() error {
	return s.hub.Stop()
}

// MP285ZStage — ось Z контроллера MP-285.
type MP285ZStage struct {
	base
	hub *MP285Hub
}

var _ Stage = (*MP285ZStage)(nil)

func NewMP285ZStage(name string, hub *MP285Hub, logger logrus.FieldLogger) *MP285ZStage {
	s := &MP285ZStage{base: newBase(name, logger), hub: hub}
	s.props.Static("Hub", hub.Name())
	return s
}

func (s *MP285ZStage) Initialize(context.Context) error {
	if err := requireHub(s.hub, "mp285 z initialize"); err != nil {
		return err
	}
	s.setInitialized(true)
	return nil
}

func (s *MP285ZStage) Shutdown() error {
	s.setInitialized(false)
	return nil
}

func (s *MP285ZStage) Busy() (bool, error) {
	return false, nil
}

func (s *MP285ZStage) GetPositionSteps() (int64, error) {
	if err := s.requireInit("mp285 z position"); err != nil {
		return 0, err
	}
	p, err := s.hub.ReadPosition()
	if err != nil {
		return 0, err
	}
	return p.Z, nil
}

func (s *MP285ZStage) SetPositionSteps(_ context.Context, steps int64) error {
	if err := s.requireInit("mp285 z move"); err != nil {
		return err
	}
	return s.hub.MoveFrom(func(last models.Position) models.Position {
		return models.Position{X: last.X, Y: last.Y, Z: steps}
	})
}

func (s *MP285ZStage) GetPositionUm() (float64, error) {
	z, err := s.GetPositionSteps()
	if err != nil {
		return 0, err
	}
	return float64(z) * s.hub.Session().Calibration().StepSizeUm, nil
}

func (s *MP285ZStage) SetPositionUm(ctx context.Context, pos float64) error {
	if err := s.requireInit("mp285 z move"); err != nil {
		return err
	}
	cal := s.hub.Session().Calibration()
	if !cal.ZLimits.Contains(pos) {
		return merrors.Newf(merrors.KindInvalidArgument, "mp285 z move", "target %.3f um outside travel", pos)
	}
	return s.SetPositionSteps(ctx, int64(math.Round(pos/cal.StepSizeUm)))
}

func (s *MP285ZStage) SetOrigin() error {
	if err := s.requireInit("mp285 z origin"); err != nil {
		return err
	}
	return s.hub.SetOrigin()
}

func (s *MP285ZStage) GetLimits() (models.Limits, error) {
	if err := s.requireInit("mp285 z limits"); err != nil {
		return models.Limits{}, err
	}
	return s.hub.Session().Calibration().ZLimits, nil
}
