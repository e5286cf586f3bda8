package mcl

import (
	"fmt"
	"math"
	"sync"

	"github.com/iwtcode/microscopeAdapter/models"
)

// SimDevice описывает один симулируемый контроллер.
type SimDevice struct {
	Info  models.ProductInfo
	Range float64 // Ход каждой оси в микрометрах, 0 — 200 мкм
}

type simAxis struct {
	pos    float64
	target float64
	speed  float64
}

type simHandle struct {
	dev  SimDevice
	axes map[int]*simAxis
}

// Simulator — Library в памяти. Позиция оси приближается к цели на velocity
// микрометров за каждое чтение, поэтому движение наблюдаемо через опрос.
type Simulator struct {
	mu      sync.Mutex
	devices []SimDevice
	next    int
	lastID  models.Handle
	open    map[models.Handle]*simHandle
	closes  map[models.Handle]int
}

var _ Library = (*Simulator)(nil)

// NewSimulator создает симулятор с заданным набором контроллеров.
// Контроллеры открываются в порядке перечисления.
func NewSimulator(devices ...SimDevice) *Simulator {
	return &Simulator{
		devices: devices,
		open:    make(map[models.Handle]*simHandle),
		closes:  make(map[models.Handle]int),
	}
}

// SimDeviceFor создает контроллер с осями 1..axes.
func SimDeviceFor(productID uint16, axes int, serial int) SimDevice {
	return SimDevice{
		Info: models.ProductInfo{
			ProductID:     productID,
			AxisBitmap:    uint8(1<<uint(axes)) - 1,
			DACResolution: 20,
			SerialNumber:  serial,
		},
	}
}

func (s *Simulator) OpenHandle() (models.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next >= len(s.devices) {
		return 0, ErrNoMoreDevices
	}
	dev := s.devices[s.next]
	s.next++
	s.lastID++

	h := &simHandle{dev: dev, axes: make(map[int]*simAxis)}
	for axis := 1; axis <= 8; axis++ {
		if dev.Info.HasAxis(axis) {
			h.axes[axis] = &simAxis{}
		}
	}
	s.open[s.lastID] = h
	return s.lastID, nil
}

// CloseHandle закрывает хендл. Закрытый контроллер снова доступен для OpenHandle.
func (s *Simulator) CloseHandle(h models.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.open[h]
	if !ok {
		return fmt.Errorf("mcl: handle %d is not open", h)
	}
	delete(s.open, h)
	s.closes[h]++
	s.devices = append(s.devices, sh.dev)
	return nil
}

func (s *Simulator) ProductInfo(h models.Handle) (models.ProductInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.open[h]
	if !ok {
		return models.ProductInfo{}, fmt.Errorf("mcl: handle %d is not open", h)
	}
	return sh.dev.Info, nil
}

func (s *Simulator) AxisRange(h models.Handle, axis int) (models.Limits, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, _, err := s.axis(h, axis)
	if err != nil {
		return models.Limits{}, err
	}
	r := sh.dev.Range
	if r == 0 {
		r = 200
	}
	return models.Limits{Min: 0, Max: r}, nil
}

func (s *Simulator) ReadAxis(h models.Handle, axis int) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, a, err := s.axis(h, axis)
	if err != nil {
		return 0, err
	}
	delta := a.target - a.pos
	if math.Abs(delta) <= a.speed || a.speed <= 0 {
		a.pos = a.target
	} else {
		a.pos += math.Copysign(a.speed, delta)
	}
	return a.pos, nil
}

func (s *Simulator) MoveAxis(h models.Handle, axis int, velocity, distance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, a, err := s.axis(h, axis)
	if err != nil {
		return err
	}
	r := sh.dev.Range
	if r == 0 {
		r = 200
	}
	target := a.target + distance
	if target < 0 || target > r {
		return fmt.Errorf("mcl: axis %d target %.3f outside 0..%.3f", axis, target, r)
	}
	a.target = target
	a.speed = velocity
	return nil
}

func (s *Simulator) Stop(h models.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.open[h]
	if !ok {
		return fmt.Errorf("mcl: handle %d is not open", h)
	}
	for _, a := range sh.axes {
		a.target = a.pos
	}
	return nil
}

// Closes возвращает, сколько раз закрывался хендл h.
func (s *Simulator) Closes(h models.Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes[h]
}

// OpenHandles возвращает число открытых хендлов.
func (s *Simulator) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

func (s *Simulator) axis(h models.Handle, axis int) (*simHandle, *simAxis, error) {
	sh, ok := s.open[h]
	if !ok {
		return nil, nil, fmt.Errorf("mcl: handle %d is not open", h)
	}
	a, ok := sh.axes[axis]
	if !ok {
		return nil, nil, fmt.Errorf("mcl: handle %d has no axis %d", h, axis)
	}
	return sh, a, nil
}
