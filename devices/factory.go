package devices

import (
	"strconv"
	"strings"
	"time"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/mcl"
	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/iwtcode/microscopeAdapter/protocol"
	"github.com/iwtcode/microscopeAdapter/registry"
	"github.com/iwtcode/microscopeAdapter/transport"
	"github.com/sirupsen/logrus"
)

// Виды адаптеров, создаваемых фабрикой.
const (
	KindLeicaHub     = "leica-hub"
	KindLeicaXY      = "leica-xy"
	KindLeicaZ       = "leica-z"
	KindMP285Hub     = "mp285-hub"
	KindMP285XY      = "mp285-xy"
	KindMP285Z       = "mp285-z"
	KindPiezoHub     = "piezo-hub"
	KindPiezoStage   = "piezo-stage"
	KindPiezoXY      = "piezo-xy"
	KindPiezoShutter = "piezo-shutter"
	KindMCLXY        = "mcl-xy"
	KindMCLZ         = "mcl-z"
)

var kinds = []string{
	KindLeicaHub, KindLeicaXY, KindLeicaZ,
	KindMP285Hub, KindMP285XY, KindMP285Z,
	KindPiezoHub, KindPiezoStage, KindPiezoXY, KindPiezoShutter,
	KindMCLXY, KindMCLZ,
}

// Kinds возвращает все известные виды адаптеров.
func Kinds() []string {
	return append([]string(nil), kinds...)
}

// IsKnownKind сообщает, умеет ли фабрика создавать адаптер вида kind.
func IsKnownKind(kind string) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// IsHubKind сообщает, владеет ли адаптер вида kind последовательным портом.
func IsHubKind(kind string) bool {
	return kind == KindLeicaHub || kind == KindMP285Hub || kind == KindPiezoHub
}

// NeedsHub сообщает, работает ли адаптер через сессию хаба.
func NeedsHub(kind string) bool {
	if IsHubKind(kind) {
		return false
	}
	return strings.HasPrefix(kind, "leica-") || strings.HasPrefix(kind, "mp285-") || strings.HasPrefix(kind, "piezo-")
}

// Deps — все, что может понадобиться фабрике для создания адаптера.
// Какие поля обязательны, зависит от вида.
type Deps struct {
	Name     string
	Port     transport.Transport      // Порт хаба
	Hub      Device                   // Хаб для подвижек и затворов
	Registry *registry.HandleRegistry // Реестр хендлов MCL
	Library  mcl.Library
	Channel  int               // Канал пьезоконтроллера
	Options  map[string]string // Параметры конкретного вида
	Settle   protocol.PollOptions
	Retry    int           // Повторы первой команды; < 0 — значение по умолчанию для вида
	Timeout  time.Duration // Таймаут ответа; 0 — значение по умолчанию
	Logger   logrus.FieldLogger
}

// New создает адаптер по виду. Хабы получают собственную сессию на Deps.Port,
// остальные адаптеры используют сессию Deps.Hub.
func New(kind string, deps Deps) (Device, error) {
	switch kind {
	case KindLeicaHub:
		session, err := newHubSession(protocol.LeicaFramer{}, deps, 1)
		if err != nil {
			return nil, err
		}
		return NewLeicaHub(deps.Name, session, deps.Logger), nil

	case KindLeicaXY, KindLeicaZ:
		hub, ok := deps.Hub.(*LeicaHub)
		if !ok {
			return nil, hubMismatch(kind, deps, KindLeicaHub)
		}
		if kind == KindLeicaXY {
			return NewLeicaXYStage(deps.Name, hub, deps.Settle, deps.Logger), nil
		}
		return NewLeicaZStage(deps.Name, hub, deps.Logger), nil

	case KindMP285Hub:
		travel, err := optFloat(deps.Options, "travel_um", 25000)
		if err != nil {
			return nil, err
		}
		session, err := newHubSession(protocol.MP285Framer{}, deps, 1)
		if err != nil {
			return nil, err
		}
		return NewMP285Hub(deps.Name, session, travel, deps.Logger), nil

	case KindMP285XY, KindMP285Z:
		hub, ok := deps.Hub.(*MP285Hub)
		if !ok {
			return nil, hubMismatch(kind, deps, KindMP285Hub)
		}
		if kind == KindMP285XY {
			return NewMP285XYStage(deps.Name, hub, deps.Logger), nil
		}
		return NewMP285ZStage(deps.Name, hub, deps.Logger), nil

	case KindPiezoHub:
		model, err := protocol.LookupPiezoModel(optString(deps.Options, "model", protocol.PiezoNV40))
		if err != nil {
			return nil, err
		}
		term, err := piezoTerminator(deps.Options, model.Terminator)
		if err != nil {
			return nil, err
		}
		session, err := newHubSession(protocol.NewPiezoFramer(term), deps, 0)
		if err != nil {
			return nil, err
		}
		return NewPiezoHub(deps.Name, session, model, deps.Logger), nil

	case KindPiezoStage, KindPiezoXY, KindPiezoShutter:
		hub, ok := deps.Hub.(*PiezoHub)
		if !ok {
			return nil, hubMismatch(kind, deps, KindPiezoHub)
		}
		return newPiezoDevice(kind, hub, deps)

	case KindMCLXY, KindMCLZ:
		if deps.Registry == nil || deps.Library == nil {
			return nil, merrors.Newf(merrors.KindInvalidArgument, "device factory", "%s %q needs the MCL library", kind, deps.Name)
		}
		velocity, err := optFloat(deps.Options, "velocity", mclDefaultVelocity)
		if err != nil {
			return nil, err
		}
		if kind == KindMCLXY {
			return NewMCLXYStage(deps.Name, deps.Registry, deps.Library, deps.Settle, velocity, deps.Logger), nil
		}
		return NewMCLZStage(deps.Name, deps.Registry, deps.Library, deps.Settle, velocity, deps.Logger), nil

	default:
		return nil, merrors.Newf(merrors.KindInvalidArgument, "device factory", "unknown device kind %q", kind)
	}
}

func newPiezoDevice(kind string, hub *PiezoHub, deps Deps) (Device, error) {
	cfg, err := piezoStageConfig(deps.Options, deps.Channel)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindPiezoStage:
		return NewPiezoStage(deps.Name, hub, cfg, deps.Logger), nil
	case KindPiezoShutter:
		shutter, err := NewPiezoShutter(deps.Name, hub, cfg, optString(deps.Options, "version", PiezoShutterEdgesOpen), deps.Logger)
		if err != nil {
			return nil, err
		}
		return shutter, nil
	default:
		if hub.Model().Single {
			return nil, merrors.Newf(merrors.KindInvalidArgument, "device factory", "%s %q needs two channels, %s has one", kind, deps.Name, hub.Model().Name)
		}
		xCh, err := optInt(deps.Options, "x_channel", 0)
		if err != nil {
			return nil, err
		}
		yCh, err := optInt(deps.Options, "y_channel", 1)
		if err != nil {
			return nil, err
		}
		x, y := cfg, cfg
		x.Channel, y.Channel = int(xCh), int(yCh)
		return NewPiezoXYStage(deps.Name, hub, x, y, deps.Logger), nil
	}
}

// piezoStageConfig собирает настройки канала. Ход задается только при
// наличии min_um или max_um; иначе он читается с контроллера.
func piezoStageConfig(opts map[string]string, channel int) (PiezoStageConfig, error) {
	delayMs, err := optInt(opts, "update_delay_ms", 0)
	if err != nil {
		return PiezoStageConfig{}, err
	}
	cfg := PiezoStageConfig{
		Channel:     channel,
		UpdateDelay: time.Duration(delayMs) * time.Millisecond,
	}
	if optString(opts, "min_um", "") == "" && optString(opts, "max_um", "") == "" {
		return cfg, nil
	}

	minUm, err := optFloat(opts, "min_um", 0)
	if err != nil {
		return PiezoStageConfig{}, err
	}
	maxUm, err := optFloat(opts, "max_um", 100)
	if err != nil {
		return PiezoStageConfig{}, err
	}
	if maxUm <= minUm {
		return PiezoStageConfig{}, merrors.Newf(merrors.KindInvalidArgument, "device factory", "max_um %.3f must exceed min_um %.3f", maxUm, minUm)
	}
	cfg.Limits = models.Limits{Min: minUm, Max: maxUm}
	return cfg, nil
}

func piezoTerminator(opts map[string]string, def string) (string, error) {
	switch strings.ToLower(optString(opts, "terminator", "")) {
	case "":
		return def, nil
	case "cr":
		return "\r", nil
	case "crlf":
		return "\r\n", nil
	default:
		return "", merrors.Newf(merrors.KindInvalidArgument, "device factory", "option terminator: %q is not cr or crlf", opts["terminator"])
	}
}

func newHubSession(framer protocol.Framer, deps Deps, defaultRetry int) (*protocol.Session, error) {
	if deps.Port == nil {
		return nil, merrors.Newf(merrors.KindPortNotConfigured, "device factory", "hub %q has no port", deps.Name)
	}
	session := protocol.NewSession(framer, deps.Logger)
	session.Bind(deps.Port)
	session.SetTimeout(deps.Timeout)
	retry := deps.Retry
	if retry < 0 {
		retry = defaultRetry
	}
	session.SetRetryOnFirstCommand(retry)
	return session, nil
}

func hubMismatch(kind string, deps Deps, want string) error {
	if deps.Hub == nil {
		return merrors.Newf(merrors.KindPortNotConfigured, "device factory", "%s %q has no hub", kind, deps.Name)
	}
	return merrors.Newf(merrors.KindInvalidArgument, "device factory", "%s %q needs a %s, got %s", kind, deps.Name, want, deps.Hub.Name())
}

func optString(opts map[string]string, key, def string) string {
	if v, ok := opts[key]; ok && v != "" {
		return v
	}
	return def
}

func optFloat(opts map[string]string, key string, def float64) (float64, error) {
	v, ok := opts[key]
	if !ok || v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, merrors.Newf(merrors.KindInvalidArgument, "device factory", "option %s: %q is not a number", key, v)
	}
	return f, nil
}

func optInt(opts map[string]string, key string, def int64) (int64, error) {
	v, ok := opts[key]
	if !ok || v == "" {
		return def, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, merrors.Newf(merrors.KindInvalidArgument, "device factory", "option %s: %q is not an integer", key, v)
	}
	return i, nil
}
