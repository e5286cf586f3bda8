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

// Размер шага пьезоподвижки: 1 нм.
const piezoStepUm = 0.001

// Варианты затвора на пьезоприводе: в каком положении при нулевом напряжении
// находятся створки.
const (
	PiezoShutterEdgesOpen   = "edges-open"
	PiezoShutterEdgesClosed = "edges-closed"
)

// PiezoHub — контроллер piezosystem jena. Читает версию прошивки и пределы
// выходного напряжения так, как это умеет модель контроллера.
type PiezoHub struct {
	base
	session *protocol.Session
	model   protocol.PiezoModel

	stateMu  sync.Mutex
	firmware models.FirmwareInfo
	minV     float64
	maxV     float64
}

var _ Hub = (*PiezoHub)(nil)

func NewPiezoHub(name string, session *protocol.Session, model protocol.PiezoModel, logger logrus.FieldLogger) *PiezoHub {
	h := &PiezoHub{base: newBase(name, logger), session: session, model: model}
	h.props.Define("Port", func() (string, error) { return session.Port(), nil }, nil)
	h.props.Static("Model", model.Name)
	h.props.Define("Version", func() (string, error) { return h.Firmware().Version, nil }, nil)
	h.props.Define("Date", func() (string, error) { return h.Firmware().Date, nil }, nil)
	h.props.Define("SerialNumber", func() (string, error) { return h.Firmware().SerialNumber, nil }, nil)
	h.props.Define("VoltageMin", func() (string, error) {
		minV, _ := h.VoltageLimits()
		return formatFloat(minV), nil
	}, nil)
	h.props.Define("VoltageMax", func() (string, error) {
		_, maxV := h.VoltageLimits()
		return formatFloat(maxV), nil
	}, nil)
	h.props.Define("Light", h.getLight, h.setLight)
	return h
}

func (h *PiezoHub) Session() *protocol.Session {
	return h.session
}

// Model возвращает описание модели контроллера.
func (h *PiezoHub) Model() protocol.PiezoModel {
	return h.model
}

func (h *PiezoHub) Initialize(context.Context) error {
	fw, err := h.readFirmware()
	if err != nil {
		return err
	}

	minV, maxV := h.model.VoltageMin, h.model.VoltageMax
	if h.model.QueryLimits {
		if minV, err = h.readFloat(protocol.PiezoVoltageMin); err != nil {
			return fmt.Errorf("piezo hub %s: read min voltage: %w", h.name, err)
		}
		if maxV, err = h.readFloat(protocol.PiezoVoltageMax); err != nil {
			return fmt.Errorf("piezo hub %s: read max voltage: %w", h.name, err)
		}
	}
	if maxV <= minV {
		return merrors.Newf(merrors.KindMalformedResponse, "piezo hub", "voltage range %.3f..%.3f is empty", minV, maxV)
	}

	h.stateMu.Lock()
	h.firmware = fw
	h.minV, h.maxV = minV, maxV
	h.stateMu.Unlock()

	h.session.SetInitialized(true)
	h.setInitialized(true)
	h.logger.Infof("Пьезоконтроллер %s инициализирован: версия %s, серийный номер %s, %.1f..%.1f В",
		h.model.Name, fw.Version, fw.SerialNumber, minV, maxV)
	return nil
}

// readFirmware читает ответ на запрос версии. NV40/3 и NV120/1 отвечают
// тремя строками (версия, дата, серийный номер), 30DV50 — одной.
func (h *PiezoHub) readFirmware() (models.FirmwareInfo, error) {
	resp, err := h.session.Handshake(h.model.Identify())
	if err != nil {
		return models.FirmwareInfo{}, fmt.Errorf("piezo hub %s: read version: %w", h.name, err)
	}
	fw := models.FirmwareInfo{Name: h.name, Version: resp.Text()}
	if h.model.VersionLines < 3 {
		fw.Version = strings.TrimSpace(string(resp.Raw))
		return fw, nil
	}

	date, err := h.session.ReadResponse(protocol.PiezoContinuation())
	if err != nil {
		return models.FirmwareInfo{}, fmt.Errorf("piezo hub %s: read version date: %w", h.name, err)
	}
	fw.Date = date.Text()

	serno, err := h.session.ReadResponse(protocol.PiezoContinuation())
	if err != nil {
		return models.FirmwareInfo{}, fmt.Errorf("piezo hub %s: read serial number: %w", h.name, err)
	}
	fw.SerialNumber = serno.Text()
	return fw, nil
}

func (h *PiezoHub) Shutdown() error {
	h.setInitialized(false)
	return h.session.Close()
}

func (h *PiezoHub) Busy() (bool, error) {
	return false, nil
}

// Firmware возвращает сведения о прошивке, прочитанные при инициализации.
func (h *PiezoHub) Firmware() models.FirmwareInfo {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.firmware
}

// VoltageLimits возвращает пределы выходного напряжения в вольтах.
func (h *PiezoHub) VoltageLimits() (float64, float64) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	return h.minV, h.maxV
}

func (h *PiezoHub) readFloat(op string) (float64, error) {
	resp, err := h.session.SendCommand(protocol.NewCommand(protocol.Mnemonic(op)))
	if err != nil {
		return 0, err
	}
	return protocol.ParseFloat(resp.Payload)
}

func (h *PiezoHub) getLight() (string, error) {
	if err := h.requireInit("piezo light"); err != nil {
		return "", err
	}
	v, err := h.readFloat(protocol.PiezoLight)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(int64(v)), nil
}

func (h *PiezoHub) setLight(value string) error {
	if err := h.requireInit("piezo light"); err != nil {
		return err
	}
	v, err := parseIntProperty("Light", value)
	if err != nil {
		return err
	}
	if v < 0 || v > 255 {
		return merrors.Newf(merrors.KindInvalidArgument, "piezo light", "brightness %d outside 0..255", v)
	}
	return h.session.Send(protocol.NewCommand(protocol.Mnemonic(protocol.PiezoLight), protocol.IntArg(v)))
}

// PiezoStageConfig описывает один канал пьезоконтроллера.
type PiezoStageConfig struct {
	Channel     int           // Номер канала; отрицательный для одноканальных контроллеров
	Limits      models.Limits // Ход в микрометрах; пустой читается с контроллера
	UpdateDelay time.Duration // Пауза после команды set
}

// PiezoStage — один канал пьезоконтроллера. В замкнутой петле контроллер
// принимает и возвращает микрометры, в разомкнутой — вольты.
type PiezoStage struct {
	base
	hub *PiezoHub
	cfg PiezoStageConfig

	stateMu    sync.Mutex
	closedLoop bool
	limits     models.Limits
}

var _ Stage = (*PiezoStage)(nil)

func NewPiezoStage(name string, hub *PiezoHub, cfg PiezoStageConfig, logger logrus.FieldLogger) *PiezoStage {
	if hub.Model().Single {
		cfg.Channel = -1
	}
	s := &PiezoStage{base: newBase(name, logger), hub: hub, cfg: cfg, limits: cfg.Limits}
	s.props.Static("Hub", hub.Name())
	s.props.Static("Channel", fmt.Sprint(cfg.Channel))
	s.props.Define("Loop", func() (string, error) {
		if s.ClosedLoop() {
			return "closed", nil
		}
		return "open", nil
	}, func(value string) error {
		switch strings.ToLower(value) {
		case "closed":
			return s.SetClosedLoop(true)
		case "open":
			return s.SetClosedLoop(false)
		default:
			return merrors.Newf(merrors.KindInvalidArgument, "piezo loop", "loop must be open or closed, got %q", value)
		}
	})
	s.props.Define("Status", func() (string, error) {
		st, err := s.Status()
		if err != nil {
			return "", err
		}
		return fmt.Sprint(st.Raw), nil
	}, nil)
	s.props.Define("SoftStart", func() (string, error) {
		v, err := s.queryValue(protocol.PiezoSoftStart)
		if err != nil {
			return "", err
		}
		if v == 1 {
			return "on", nil
		}
		return "off", nil
	}, func(value string) error {
		switch strings.ToLower(value) {
		case "on":
			return s.SetSoftStart(true)
		case "off":
			return s.SetSoftStart(false)
		default:
			return merrors.Newf(merrors.KindInvalidArgument, "piezo soft start", "soft start must be on or off, got %q", value)
		}
	})
	return s
}

func (s *PiezoStage) command(op string, args ...protocol.Arg) protocol.Command {
	if s.cfg.Channel < 0 {
		return protocol.NewCommand(protocol.Mnemonic(op), args...)
	}
	return protocol.PiezoCommand(op, s.cfg.Channel, args...)
}

// value извлекает число из ответа "op[,ch],value" и проверяет номер канала.
func (s *PiezoStage) value(resp *protocol.Response) (float64, error) {
	if s.cfg.Channel < 0 {
		return protocol.ParseFloat(resp.Payload)
	}
	rec, err := protocol.ParseRecord(resp.Payload, ",", protocol.FieldInt, protocol.FieldFloat)
	if err != nil {
		return 0, err
	}
	if ch := rec.Int(0); ch != int64(s.cfg.Channel) {
		return 0, merrors.Newf(merrors.KindMalformedResponse, "piezo decode", "sent channel %d, reply for channel %d", s.cfg.Channel, ch)
	}
	return rec.Float(1), nil
}

func (s *PiezoStage) queryValue(op string) (float64, error) {
	resp, err := s.hub.Session().SendCommand(s.command(op))
	if err != nil {
		return 0, err
	}
	return s.value(resp)
}

func (s *PiezoStage) Initialize(context.Context) error {
	if err := requireHub(s.hub, "piezo stage initialize"); err != nil {
		return err
	}
	loop, err := s.queryValue(protocol.PiezoLoop)
	if err != nil {
		return fmt.Errorf("piezo stage %s: read loop: %w", s.name, err)
	}
	limits, err := s.readTravel()
	if err != nil {
		return fmt.Errorf("piezo stage %s: read travel: %w", s.name, err)
	}
	s.stateMu.Lock()
	s.closedLoop = loop == 1
	s.limits = limits
	s.stateMu.Unlock()

	s.setInitialized(true)
	if st, err := s.Status(); err != nil {
		s.logger.Warnf("Не удалось прочитать состояние канала: %v", err)
	} else if !st.ActuatorPlugged {
		s.logger.Warn("Актуатор не подключен")
	}
	s.logger.Infof("Канал %d инициализирован, ход %.3f..%.3f мкм, петля замкнута: %t", s.cfg.Channel, limits.Min, limits.Max, loop == 1)
	return nil
}

// readTravel возвращает ход канала: заданный в конфигурации, прочитанный
// командами dspclmin/dspclmax или известный для модели.
func (s *PiezoStage) readTravel() (models.Limits, error) {
	if s.cfg.Limits.Span() > 0 {
		return s.cfg.Limits, nil
	}
	model := s.hub.Model()
	if !model.QueryLimits {
		return model.Travel, nil
	}
	minUm, err := s.queryValue(protocol.PiezoTravelMin)
	if err != nil {
		return models.Limits{}, err
	}
	maxUm, err := s.queryValue(protocol.PiezoTravelMax)
	if err != nil {
		return models.Limits{}, err
	}
	if maxUm <= minUm {
		return models.Limits{}, merrors.Newf(merrors.KindMalformedResponse, "piezo travel", "travel %.3f..%.3f um is empty", minUm, maxUm)
	}
	return models.Limits{Min: minUm, Max: maxUm}, nil
}

// Limits возвращает ход канала, известный адаптеру.
func (s *PiezoStage) Limits() models.Limits {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.limits
}

func (s *PiezoStage) Shutdown() error {
	s.setInitialized(false)
	return nil
}

func (s *PiezoStage) Busy() (bool, error) {
	return false, nil
}

// ClosedLoop сообщает режим петли, известный адаптеру.
func (s *PiezoStage) ClosedLoop() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.closedLoop
}

func (s *PiezoStage) SetClosedLoop(closed bool) error {
	if err := s.requireInit("piezo loop"); err != nil {
		return err
	}
	if err := s.hub.Session().Send(s.command(protocol.PiezoLoop, protocol.BoolArg(closed))); err != nil {
		return err
	}
	s.stateMu.Lock()
	s.closedLoop = closed
	s.stateMu.Unlock()
	return nil
}

func (s *PiezoStage) SetSoftStart(on bool) error {
	if err := s.requireInit("piezo soft start"); err != nil {
		return err
	}
	return s.hub.Session().Send(s.command(protocol.PiezoSoftStart, protocol.BoolArg(on)))
}

// Status читает и расшифровывает слово состояния канала.
func (s *PiezoStage) Status() (models.PiezoStatus, error) {
	if err := s.requireInit("piezo status"); err != nil {
		return models.PiezoStatus{}, err
	}
	v, err := s.queryValue(protocol.PiezoStat)
	if err != nil {
		return models.PiezoStatus{}, err
	}
	return InterpretPiezoStatus(int(v)), nil
}

// UmToVolts переводит позицию в напряжение линейно по ходу и пределам напряжения.
func UmToVolts(pos float64, lim models.Limits, minV, maxV float64) float64 {
	return (maxV-minV)*(pos-lim.Min)/lim.Span() + minV
}

// VoltsToUm — обратное преобразование к UmToVolts.
func VoltsToUm(v float64, lim models.Limits, minV, maxV float64) float64 {
	return lim.Span()*(v-minV)/(maxV-minV) + lim.Min
}

func (s *PiezoStage) SetPositionUm(ctx context.Context, pos float64) error {
	if err := s.requireInit("piezo move"); err != nil {
		return err
	}
	lim := s.Limits()
	if !lim.Contains(pos) {
		return merrors.Newf(merrors.KindInvalidArgument, "piezo move", "target %.3f um outside %.3f..%.3f", pos, lim.Min, lim.Max)
	}
	value := pos
	if !s.ClosedLoop() {
		minV, maxV := s.hub.VoltageLimits()
		value = UmToVolts(pos, lim, minV, maxV)
	}
	if err := s.hub.Session().Send(s.command(protocol.PiezoSet, protocol.FloatArg(value))); err != nil {
		return fmt.Errorf("piezo stage %s: set: %w", s.name, err)
	}
	return protocol.Sleep(ctx, s.cfg.UpdateDelay)
}

func (s *PiezoStage) GetPositionUm() (float64, error) {
	if err := s.requireInit("piezo position"); err != nil {
		return 0, err
	}
	v, err := s.queryValue(s.hub.Model().Read)
	if err != nil {
		return 0, err
	}
	if s.ClosedLoop() {
		return v, nil
	}
	minV, maxV := s.hub.VoltageLimits()
	return VoltsToUm(v, s.Limits(), minV, maxV), nil
}

func (s *PiezoStage) SetPositionSteps(ctx context.Context, steps int64) error {
	return s.SetPositionUm(ctx, float64(steps)*piezoStepUm)
}

func (s *PiezoStage) GetPositionSteps() (int64, error) {
	pos, err := s.GetPositionUm()
	if err != nil {
		return 0, err
	}
	return int64(math.Round(pos / piezoStepUm)), nil
}

// SetOrigin не поддерживается: позиция пьезопривода задается абсолютно.
func (s *PiezoStage) SetOrigin() error {
	return merrors.Newf(merrors.KindInvalidArgument, "piezo origin", "%s has no origin command", s.name)
}

func (s *PiezoStage) GetLimits() (models.Limits, error) {
	return s.Limits(), nil
}

// PiezoXYStage — два канала пьезоконтроллера как XY-столик.
type PiezoXYStage struct {
	base
	x *PiezoStage
	y *PiezoStage
}

var _ XYStage = (*PiezoXYStage)(nil)

func NewPiezoXYStage(name string, hub *PiezoHub, x, y PiezoStageConfig, logger logrus.FieldLogger) *PiezoXYStage {
	s := &PiezoXYStage{
		base: newBase(name, logger),
		x:    NewPiezoStage(name+".x", hub, x, logger),
		y:    NewPiezoStage(name+".y", hub, y, logger),
	}
	s.props.Static("Hub", hub.Name())
	s.props.Static("XChannel", fmt.Sprint(x.Channel))
	s.props.Static("YChannel", fmt.Sprint(y.Channel))
	return s
}

func (s *PiezoXYStage) Initialize(ctx context.Context) error {
	if err := s.x.Initialize(ctx); err != nil {
		return err
	}
	if err := s.y.Initialize(ctx); err != nil {
		return err
	}
	s.setInitialized(true)
	return nil
}

func (s *PiezoXYStage) Shutdown() error {
	s.setInitialized(false)
	_ = s.x.Shutdown()
	return s.y.Shutdown()
}

func (s *PiezoXYStage) Busy() (bool, error) {
	return false, nil
}

func (s *PiezoXYStage) SetPositionUm(ctx context.Context, x, y float64) error {
	if err := s.requireInit("piezo xy move"); err != nil {
		return err
	}
	if err := s.x.SetPositionUm(ctx, x); err != nil {
		return err
	}
	return s.y.SetPositionUm(ctx, y)
}

func (s *PiezoXYStage) GetPositionUm() (float64, float64, error) {
	if err := s.requireInit("piezo xy position"); err != nil {
		return 0, 0, err
	}
	x, err := s.x.GetPositionUm()
	if err != nil {
		return 0, 0, err
	}
	y, err := s.y.GetPositionUm()
	if err != nil {
		return 0, 0, err
	}
	return x, y, nil
}

func (s *PiezoXYStage) SetPositionSteps(ctx context.Context, x, y int64) error {
	return s.SetPositionUm(ctx, float64(x)*piezoStepUm, float64(y)*piezoStepUm)
}

func (s *PiezoXYStage) GetPositionSteps() (int64, int64, error) {
	x, y, err := s.GetPositionUm()
	if err != nil {
		return 0, 0, err
	}
	return int64(math.Round(x / piezoStepUm)), int64(math.Round(y / piezoStepUm)), nil
}

func (s *PiezoXYStage) SetOrigin() error {
	return merrors.Newf(merrors.KindInvalidArgument, "piezo origin", "%s has no origin command", s.name)
}

func (s *PiezoXYStage) GetLimitsUm() (models.Limits, models.Limits, error) {
	return s.x.Limits(), s.y.Limits(), nil
}

// Stop ничего не делает: пьезопривод выходит на позицию сразу после set.
func (s *PiezoXYStage) Stop() error {
	return nil
}

// PiezoShutter — затвор на пьезоприводе. Положение створок определяется по
// позиции относительно середины хода.
type PiezoShutter struct {
	base
	stage *PiezoStage

	versionMu   sync.Mutex
	edgesClosed bool

	sleep func(ctx context.Context, d time.Duration) error
}

var _ Shutter = (*PiezoShutter)(nil)

func NewPiezoShutter(name string, hub *PiezoHub, cfg PiezoStageConfig, version string, logger logrus.FieldLogger) (*PiezoShutter, error) {
	s := &PiezoShutter{
		base:  newBase(name, logger),
		stage: NewPiezoStage(name+".actuator", hub, cfg, logger),
		sleep: protocol.Sleep,
	}
	if err := s.SetVersion(version); err != nil {
		return nil, err
	}
	s.props.Static("Hub", hub.Name())
	s.props.Static("Channel", fmt.Sprint(cfg.Channel))
	s.props.Define("Version", func() (string, error) { return s.Version(), nil }, s.SetVersion)
	s.props.Define("State", func() (string, error) {
		open, err := s.GetOpen()
		if err != nil {
			return "", err
		}
		if open {
			return "open", nil
		}
		return "closed", nil
	}, func(value string) error {
		switch strings.ToLower(value) {
		case "open":
			return s.SetOpen(true)
		case "closed":
			return s.SetOpen(false)
		default:
			return merrors.Newf(merrors.KindInvalidArgument, "piezo shutter", "state must be open or closed, got %q", value)
		}
	})
	return s, nil
}

// Version возвращает вариант затвора.
func (s *PiezoShutter) Version() string {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	if s.edgesClosed {
		return PiezoShutterEdgesClosed
	}
	return PiezoShutterEdgesOpen
}

// SetVersion задает вариант затвора; пустая строка означает edges-open.
func (s *PiezoShutter) SetVersion(version string) error {
	var closed bool
	switch strings.ToLower(version) {
	case "", PiezoShutterEdgesOpen:
	case PiezoShutterEdgesClosed:
		closed = true
	default:
		return merrors.Newf(merrors.KindInvalidArgument, "piezo shutter", "unknown version %q", version)
	}
	s.versionMu.Lock()
	s.edgesClosed = closed
	s.versionMu.Unlock()
	return nil
}

func (s *PiezoShutter) isEdgesClosed() bool {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	return s.edgesClosed
}

func (s *PiezoShutter) Initialize(ctx context.Context) error {
	if err := s.stage.Initialize(ctx); err != nil {
		return err
	}
	s.setInitialized(true)
	return nil
}

func (s *PiezoShutter) Shutdown() error {
	s.setInitialized(false)
	return s.stage.Shutdown()
}

func (s *PiezoShutter) Busy() (bool, error) {
	return false, nil
}

// SetOpen переводит привод к краю хода. При нулевом напряжении затвор
// edges-open открыт, edges-closed закрыт.
func (s *PiezoShutter) SetOpen(open bool) error {
	if err := s.requireInit("piezo shutter"); err != nil {
		return err
	}
	lim := s.stage.Limits()
	target := lim.Max
	if open != s.isEdgesClosed() {
		target = lim.Min
	}
	return s.stage.SetPositionUm(context.Background(), target)
}

func (s *PiezoShutter) GetOpen() (bool, error) {
	if err := s.requireInit("piezo shutter"); err != nil {
		return false, err
	}
	pos, err := s.stage.GetPositionUm()
	if err != nil {
		return false, err
	}
	lim := s.stage.Limits()
	below := pos < lim.Min+lim.Span()/2
	return below != s.isEdgesClosed(), nil
}

// Fire открывает затвор на deltaT (от 1 мкс до 1 с) встроенным генератором
// прямоугольного сигнала и выключает генератор.
func (s *PiezoShutter) Fire(ctx context.Context, deltaT time.Duration) error {
	if err := s.requireInit("piezo shutter fire"); err != nil {
		return err
	}
	ms := float64(deltaT) / float64(time.Millisecond)
	if ms < 0.001 || ms > 1000 {
		return merrors.Newf(merrors.KindInvalidArgument, "piezo shutter fire", "pulse %s outside 1us..1s", deltaT)
	}

	if !s.stage.ClosedLoop() {
		if err := s.stage.SetClosedLoop(true); err != nil {
			return err
		}
	}

	freq, sym, wait := 1000.0, 100*ms, time.Millisecond
	if ms > 1 {
		freq, sym = 1.0, 0.1*ms
		wait = time.Second - time.Duration(math.Floor(ms))*time.Millisecond
	}
	if !s.isEdgesClosed() {
		sym = 100 - sym
	}

	session := s.stage.hub.Session()
	steps := []protocol.Command{
		s.stage.command(protocol.PiezoRectAmp, protocol.FloatArg(100)),
		s.stage.command(protocol.PiezoRectOffset, protocol.FloatArg(0)),
		s.stage.command(protocol.PiezoRectFreq, protocol.FloatArg(freq)),
		s.stage.command(protocol.PiezoRectSym, protocol.FloatArg(sym)),
		s.stage.command(protocol.PiezoGenerator, protocol.IntArg(protocol.PiezoGeneratorRectangle)),
	}
	for _, cmd := range steps {
		if err := session.Send(cmd); err != nil {
			return fmt.Errorf("piezo shutter %s: %s: %w", s.name, cmd.Op, err)
		}
	}

	waitErr := s.sleep(ctx, wait)
	if err := session.Send(s.stage.command(protocol.PiezoGenerator, protocol.IntArg(protocol.PiezoGeneratorOff))); err != nil {
		return fmt.Errorf("piezo shutter %s: generator off: %w", s.name, err)
	}
	return waitErr
}
