package devices

import (
	"context"
	"io"
	"strconv"
	"sync"
	"time"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/iwtcode/microscopeAdapter/protocol"
	"github.com/sirupsen/logrus"
)

// Device — общие операции любого адаптера.
type Device interface {
	Name() string
	Initialize(ctx context.Context) error
	Shutdown() error
	Busy() (bool, error)
	Properties() *PropertyTable
}

// Stage — однокоординатная подвижка (обычно фокус Z).
type Stage interface {
	Device
	SetPositionUm(ctx context.Context, pos float64) error
	GetPositionUm() (float64, error)
	SetPositionSteps(ctx context.Context, steps int64) error
	GetPositionSteps() (int64, error)
	SetOrigin() error
	GetLimits() (models.Limits, error)
}

// XYStage — двухкоординатный столик.
type XYStage interface {
	Device
	SetPositionUm(ctx context.Context, x, y float64) error
	GetPositionUm() (x, y float64, err error)
	SetPositionSteps(ctx context.Context, x, y int64) error
	GetPositionSteps() (x, y int64, err error)
	SetOrigin() error
	GetLimitsUm() (x, y models.Limits, err error)
	Stop() error
}

// Shutter — затвор.
type Shutter interface {
	Device
	SetOpen(open bool) error
	GetOpen() (bool, error)
	Fire(ctx context.Context, deltaT time.Duration) error
}

// Hub владеет сессией последовательного порта, общей для подключенных к нему устройств.
type Hub interface {
	Device
	Session() *protocol.Session
}

// Property — именованное свойство адаптера. Set равен nil у свойств только для чтения.
type Property struct {
	Name string
	Get  func() (string, error)
	Set  func(value string) error
}

// PropertyTable — таблица свойств адаптера, заполняемая при создании.
type PropertyTable struct {
	mu    sync.RWMutex
	order []string
	props map[string]Property
}

func NewPropertyTable() *PropertyTable {
	return &PropertyTable{props: make(map[string]Property)}
}

// Define добавляет или заменяет свойство.
func (t *PropertyTable) Define(name string, get func() (string, error), set func(string) error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.props[name]; !ok {
		t.order = append(t.order, name)
	}
	t.props[name] = Property{Name: name, Get: get, Set: set}
}

// Static добавляет свойство только для чтения с фиксированным значением.
func (t *PropertyTable) Static(name, value string) {
	t.Define(name, func() (string, error) { return value, nil }, nil)
}

// Names возвращает имена свойств в порядке объявления.
func (t *PropertyTable) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]string(nil), t.order...)
}

func (t *PropertyTable) lookup(name string) (Property, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.props[name]
	if !ok {
		return Property{}, merrors.Newf(merrors.KindInvalidArgument, "property", "unknown property %q", name)
	}
	return p, nil
}

func (t *PropertyTable) Get(name string) (string, error) {
	p, err := t.lookup(name)
	if err != nil {
		return "", err
	}
	return p.Get()
}

func (t *PropertyTable) Set(name, value string) error {
	p, err := t.lookup(name)
	if err != nil {
		return err
	}
	if p.Set == nil {
		return merrors.Newf(merrors.KindInvalidArgument, "property", "property %q is read-only", name)
	}
	return p.Set(value)
}

// ReadOnly сообщает, доступно ли свойство только для чтения.
func (t *PropertyTable) ReadOnly(name string) bool {
	p, err := t.lookup(name)
	return err == nil && p.Set == nil
}

// Values читает все свойства. Свойства, чтение которых завершилось ошибкой, пропускаются.
func (t *PropertyTable) Values() map[string]string {
	out := make(map[string]string)
	for _, name := range t.Names() {
		if v, err := t.Get(name); err == nil {
			out[name] = v
		}
	}
	return out
}

// base содержит поля, общие для всех адаптеров.
type base struct {
	name   string
	logger logrus.FieldLogger
	props  *PropertyTable

	mu          sync.Mutex
	initialized bool
}

func newBase(name string, logger logrus.FieldLogger) base {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return base{
		name:   name,
		logger: logger.WithField("device", name),
		props:  NewPropertyTable(),
	}
}

func (b *base) Name() string {
	return b.name
}

func (b *base) Properties() *PropertyTable {
	return b.props
}

func (b *base) setInitialized(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = v
}

func (b *base) isInitialized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.initialized
}

func (b *base) requireInit(op string) error {
	if !b.isInitialized() {
		return merrors.Newf(merrors.KindNotInitialized, op, "%s is not initialized", b.name)
	}
	return nil
}

// origin хранит программное начало координат для контроллеров без такой команды.
type origin struct {
	mu sync.Mutex
	x  int64
	y  int64
}

func (o *origin) get() (int64, int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.x, o.y
}

func (o *origin) set(x, y int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.x, o.y = x, y
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloatProperty(name, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, merrors.Newf(merrors.KindInvalidArgument, "property", "%s: %q is not a number", name, value)
	}
	return v, nil
}

func parseIntProperty(name, value string) (int64, error) {
	v, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, merrors.Newf(merrors.KindInvalidArgument, "property", "%s: %q is not an integer", name, value)
	}
	return v, nil
}

// query отправляет команду и разбирает целочисленный ответ.
func query(s *protocol.Session, cmd protocol.Command) (int64, error) {
	resp, err := s.SendCommand(cmd)
	if err != nil {
		return 0, err
	}
	return protocol.ParseNumeric(resp.Payload)
}
