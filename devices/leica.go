package devices

import (
	"context"
	"fmt"
	"math"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/iwtcode/microscopeAdapter/protocol"
	"github.com/sirupsen/logrus"
)

func leicaCommand(code int, args ...protocol.Arg) protocol.Command {
	return protocol.NewDeviceCommand(protocol.LeicaStageDevice, protocol.Code(code), args...)
}

// LeicaHub — контроллер столика Leica DM STC. Читает версию, коды привода
// и пределы перемещения; результаты кэшируются в калибровке сессии.
type LeicaHub struct {
	base
	session *protocol.Session
	version string
}

var _ Hub = (*LeicaHub)(nil)

func NewLeicaHub(name string, session *protocol.Session, logger logrus.FieldLogger) *LeicaHub {
	h := &LeicaHub{base: newBase(name, logger), session: session}
	h.props.Define("Port", func() (string, error) { return session.Port(), nil }, nil)
	h.props.Define("Version", func() (string, error) { return h.Version(), nil }, nil)
	h.props.Define("StepSizeUm", func() (string, error) {
		return formatFloat(session.Calibration().StepSizeUm), nil
	}, nil)
	h.props.Define("Speed", h.getSpeed, h.setSpeed)
	return h
}

func (h *LeicaHub) Session() *protocol.Session {
	return h.session
}

// Version возвращает строку версии, прочитанную при инициализации.
func (h *LeicaHub) Version() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

func (h *LeicaHub) Initialize(context.Context) error {
	resp, err := h.session.Handshake(leicaCommand(protocol.LeicaCmdVersion))
	if err != nil {
		return fmt.Errorf("leica hub %s: read version: %w", h.name, err)
	}
	version := resp.Text()

	motor, err := query(h.session, leicaCommand(protocol.LeicaCmdMotorCode))
	if err != nil {
		return fmt.Errorf("leica hub %s: read motor code: %w", h.name, err)
	}
	pitch, err := query(h.session, leicaCommand(protocol.LeicaCmdPitchCode))
	if err != nil {
		return fmt.Errorf("leica hub %s: read pitch code: %w", h.name, err)
	}
	step, err := protocol.LeicaStepSize(int(motor), int(pitch))
	if err != nil {
		return fmt.Errorf("leica hub %s: %w", h.name, err)
	}

	cal := models.Calibration{StepSizeUm: step}
	limits := []struct {
		code int
		dst  *float64
	}{
		{protocol.LeicaCmdLimitXMin, &cal.XLimits.Min},
		{protocol.LeicaCmdLimitXMax, &cal.XLimits.Max},
		{protocol.LeicaCmdLimitYMin, &cal.YLimits.Min},
		{protocol.LeicaCmdLimitYMax, &cal.YLimits.Max},
		{protocol.LeicaCmdLimitZMin, &cal.ZLimits.Min},
		{protocol.LeicaCmdLimitZMax, &cal.ZLimits.Max},
	}
	for _, l := range limits {
		v, err := query(h.session, leicaCommand(l.code))
		if err != nil {
			return fmt.Errorf("leica hub %s: read limit %d: %w", h.name, l.code, err)
		}
		*l.dst = float64(v) * step
	}

	speedMin, err := query(h.session, leicaCommand(protocol.LeicaCmdSpeedMin))
	if err != nil {
		return fmt.Errorf("leica hub %s: read min speed: %w", h.name, err)
	}
	speedMax, err := query(h.session, leicaCommand(protocol.LeicaCmdSpeedMax))
	if err != nil {
		return fmt.Errorf("leica hub %s: read max speed: %w", h.name, err)
	}
	cal.VelocityMin = float64(speedMin)
	cal.VelocityMax = float64(speedMax)

	h.session.SetCalibration(cal)
	h.session.SetInitialized(true)
	h.mu.Lock()
	h.version = version
	h.mu.Unlock()
	h.setInitialized(true)

	h.logger.Infof("Контроллер Leica инициализирован: версия %s, шаг %.5f мкм", version, step)
	return nil
}

func (h *LeicaHub) Shutdown() error {
	h.setInitialized(false)
	return h.session.Close()
}

func (h *LeicaHub) Busy() (bool, error) {
	return false, nil
}

func (h *LeicaHub) getSpeed() (string, error) {
	if err := h.requireInit("leica speed"); err != nil {
		return "", err
	}
	v, err := query(h.session, leicaCommand(protocol.LeicaCmdGetSpeed))
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}

func (h *LeicaHub) setSpeed(value string) error {
	if err := h.requireInit("leica speed"); err != nil {
		return err
	}
	v, err := parseIntProperty("Speed", value)
	if err != nil {
		return err
	}
	cal := h.session.Calibration()
	if cal.VelocityMax > 0 && (float64(v) < cal.VelocityMin || float64(v) > cal.VelocityMax) {
		return merrors.Newf(merrors.KindInvalidArgument, "leica speed", "speed %d outside %.0f..%.0f", v, cal.VelocityMin, cal.VelocityMax)
	}
	_, err = h.session.SendCommand(leicaCommand(protocol.LeicaCmdSetSpeed, protocol.IntArg(v)))
	return err
}

func requireHub(hub Hub, op string) error {
	if !hub.Session().Initialized() {
		return merrors.Newf(merrors.KindNotInitialized, op, "hub %s is not initialized", hub.Name())
	}
	return nil
}

// LeicaXYStage — XY-столик на контроллере Leica. Контроллер не сообщает о
// завершении движения, поэтому занятость определяется по двум чтениям позиции.
type LeicaXYStage struct {
	base
	hub    Hub
	settle protocol.PollOptions
	origin origin
}

var _ XYStage = (*LeicaXYStage)(nil)

func NewLeicaXYStage(name string, hub Hub, settle protocol.PollOptions, logger logrus.FieldLogger) *LeicaXYStage {
	s := &LeicaXYStage{base: newBase(name, logger), hub: hub, settle: settle}
	s.props.Static("Hub", hub.Name())
	s.props.Define("StepSizeUm", func() (string, error) {
		return formatFloat(hub.Session().Calibration().StepSizeUm), nil
	}, nil)
	return s
}

// Initialize отправляет команду инициализации и ждет, пока столик не остановится.
// Без предела попыток ожидание ограничено только ctx.
func (s *LeicaXYStage) Initialize(ctx context.Context) error {
	if err := requireHub(s.hub, "leica xy initialize"); err != nil {
		return err
	}
	if _, err := s.hub.Session().SendCommand(leicaCommand(protocol.LeicaCmdInit)); err != nil {
		return fmt.Errorf("leica xy %s: init: %w", s.name, err)
	}
	if _, err := protocol.PollUntilStable(ctx, s.readRaw, s.settle); err != nil {
		return fmt.Errorf("leica xy %s: wait for init: %w", s.name, err)
	}
	s.setInitialized(true)
	s.logger.Info("XY-столик Leica инициализирован")
	return nil
}

func (s *LeicaXYStage) Shutdown() error {
	s.setInitialized(false)
	return nil
}

func (s *LeicaXYStage) readRaw() ([2]int64, error) {
	x, err := query(s.hub.Session(), leicaCommand(protocol.LeicaCmdGetX))
	if err != nil {
		return [2]int64{}, err
	}
	y, err := query(s.hub.Session(), leicaCommand(protocol.LeicaCmdGetY))
	if err != nil {
		return [2]int64{}, err
	}
	return [2]int64{x, y}, nil
}

// Busy сообщает, изменилась ли позиция между двумя чтениями.
func (s *LeicaXYStage) Busy() (bool, error) {
	if err := s.requireInit("leica xy busy"); err != nil {
		return false, err
	}
	return protocol.Changing(s.readRaw)
}

func (s *LeicaXYStage) GetPositionSteps() (int64, int64, error) {
	if err := s.requireInit("leica xy position"); err != nil {
		return 0, 0, err
	}
	raw, err := s.readRaw()
	if err != nil {
		return 0, 0, err
	}
	ox, oy := s.origin.get()
	return raw[0] - ox, raw[1] - oy, nil
}

func (s *LeicaXYStage) SetPositionSteps(_ context.Context, x, y int64) error {
	if err := s.requireInit("leica xy move"); err != nil {
		return err
	}
	ox, oy := s.origin.get()
	session := s.hub.Session()
	if _, err := session.SendCommand(leicaCommand(protocol.LeicaCmdSetX, protocol.IntArg(x+ox))); err != nil {
		return fmt.Errorf("leica xy %s: set x: %w", s.name, err)
	}
	if _, err := session.SendCommand(leicaCommand(protocol.LeicaCmdSetY, protocol.IntArg(y+oy))); err != nil {
		return fmt.Errorf("leica xy %s: set y: %w", s.name, err)
	}
	last := session.LastPosition()
	session.SetLastPosition(models.Position{X: x + ox, Y: y + oy, Z: last.Z})
	return nil
}

func (s *LeicaXYStage) GetPositionUm() (float64, float64, error) {
	x, y, err := s.GetPositionSteps()
	if err != nil {
		return 0, 0, err
	}
	step := s.hub.Session().Calibration().StepSizeUm
	return float64(x) * step, float64(y) * step, nil
}

func (s *LeicaXYStage) SetPositionUm(ctx context.Context, x, y float64) error {
	if err := s.requireInit("leica xy move"); err != nil {
		return err
	}
	cal := s.hub.Session().Calibration()
	ox, oy := s.origin.get()
	absX := x + float64(ox)*cal.StepSizeUm
	absY := y + float64(oy)*cal.StepSizeUm
	if !cal.XLimits.Contains(absX) || !cal.YLimits.Contains(absY) {
		return merrors.Newf(merrors.KindInvalidArgument, "leica xy move", "target (%.3f, %.3f) um outside stage limits", x, y)
	}
	return s.SetPositionSteps(ctx, int64(math.Round(x/cal.StepSizeUm)), int64(math.Round(y/cal.StepSizeUm)))
}

// SetOrigin делает текущую позицию началом координат. Контроллер такой
// команды не имеет, смещение хранится в адаптере.
func (s *LeicaXYStage) SetOrigin() error {
	if err := s.requireInit("leica xy origin"); err != nil {
		return err
	}
	raw, err := s.readRaw()
	if err != nil {
		return err
	}
	s.origin.set(raw[0], raw[1])
	return nil
}

func (s *LeicaXYStage) GetLimitsUm() (models.Limits, models.Limits, error) {
	if err := s.requireInit("leica xy limits"); err != nil {
		return models.Limits{}, models.Limits{}, err
	}
	cal := s.hub.Session().Calibration()
	return cal.XLimits, cal.YLimits, nil
}

func (s *LeicaXYStage) Stop() error {
	if err := s.requireInit("leica xy stop"); err != nil {
		return err
	}
	_, err := s.hub.Session().SendCommand(leicaCommand(protocol.LeicaCmdStop))
	return err
}

// LeicaZStage — фокус на контроллере Leica.
type LeicaZStage struct {
	base
	hub    Hub
	origin origin
}

var _ Stage = (*LeicaZStage)(nil)

func NewLeicaZStage(name string, hub Hub, logger logrus.FieldLogger) *LeicaZStage {
	s := &LeicaZStage{base: newBase(name, logger), hub: hub}
	s.props.Static("Hub", hub.Name())
	return s
}

func (s *LeicaZStage) Initialize(context.Context) error {
	if err := requireHub(s.hub, "leica z initialize"); err != nil {
		return err
	}
	s.setInitialized(true)
	return nil
}

func (s *LeicaZStage) Shutdown() error {
	s.setInitialized(false)
	return nil
}

func (s *LeicaZStage) readRaw() (int64, error) {
	return query(s.hub.Session(), leicaCommand(protocol.LeicaCmdGetZ))
}

func (s *LeicaZStage) Busy() (bool, error) {
	if err := s.requireInit("leica z busy"); err != nil {
		return false, err
	}
	return protocol.Changing(s.readRaw)
}

func (s *LeicaZStage) GetPositionSteps() (int64, error) {
	if err := s.requireInit("leica z position"); err != nil {
		return 0, err
	}
	z, err := s.readRaw()
	if err != nil {
		return 0, err
	}
	oz, _ := s.origin.get()
	return z - oz, nil
}

func (s *LeicaZStage) SetPositionSteps(_ context.Context, steps int64) error {
	if err := s.requireInit("leica z move"); err != nil {
		return err
	}
	oz, _ := s.origin.get()
	session := s.hub.Session()
	if _, err := session.SendCommand(leicaCommand(protocol.LeicaCmdSetZ, protocol.IntArg(steps+oz))); err != nil {
		return fmt.Errorf("leica z %s: set z: %w", s.name, err)
	}
	last := session.LastPosition()
	last.Z = steps + oz
	session.SetLastPosition(last)
	return nil
}

func (s *LeicaZStage) GetPositionUm() (float64, error) {
	z, err := s.GetPositionSteps()
	if err != nil {
		return 0, err
	}
	return float64(z) * s.hub.Session().Calibration().StepSizeUm, nil
}

func (s *LeicaZStage) SetPositionUm(ctx context.Context, pos float64) error {
	if err := s.requireInit("leica z move"); err != nil {
		return err
	}
	cal := s.hub.Session().Calibration()
	oz, _ := s.origin.get()
	if !cal.ZLimits.Contains(pos + float64(oz)*cal.StepSizeUm) {
		return merrors.Newf(merrors.KindInvalidArgument, "leica z move", "target %.3f um outside stage limits", pos)
	}
	return s.SetPositionSteps(ctx, int64(math.Round(pos/cal.StepSizeUm)))
}

func (s *LeicaZStage) SetOrigin() error {
	if err := s.requireInit("leica z origin"); err != nil {
		return err
	}
	z, err := s.readRaw()
	if err != nil {
		return err
	}
	s.origin.set(z, 0)
	return nil
}

func (s *LeicaZStage) GetLimits() (models.Limits, error) {
	if err := s.requireInit("leica z limits"); err != nil {
		return models.Limits{}, err
	}
	return s.hub.Session().Calibration().ZLimits, nil
}
