package models

import "time"

// Role — логическая категория устройства, которое занимает оси контроллера.
type Role int

const (
	RoleXYStage Role = iota + 1
	RoleZStage
)

func (r Role) String() string {
	switch r {
	case RoleXYStage:
		return "XYStage"
	case RoleZStage:
		return "ZStage"
	default:
		return "UNKNOWN"
	}
}

// Handle — непрозрачный идентификатор соединения с физическим контроллером.
type Handle int

// HandleClaim фиксирует, что ось (или пара осей) хендла занята одним адаптером.
// Для роли ZStage Axis2 равен 0.
type HandleClaim struct {
	Handle Handle `json:"handle"`
	Role   Role   `json:"role"`
	Axis1  int    `json:"axis1"`
	Axis2  int    `json:"axis2"`
}

// Axes возвращает номера осей, занятых заявкой.
func (c HandleClaim) Axes() []int {
	if c.Axis2 == 0 {
		return []int{c.Axis1}
	}
	return []int{c.Axis1, c.Axis2}
}

// ProductInfo содержит сведения о контроллере, полученные из библиотеки производителя.
type ProductInfo struct {
	ProductID     uint16 `json:"product_id"`
	AxisBitmap    uint8  `json:"axis_bitmap"`
	DACResolution int    `json:"dac_resolution"`
	SerialNumber  int    `json:"serial_number"`
}

// HasAxis сообщает, присутствует ли ось в битовой маске контроллера.
func (p ProductInfo) HasAxis(axis int) bool {
	if axis < 1 || axis > 8 {
		return false
	}
	mask := uint8(1) << uint(axis-1)
	return p.AxisBitmap&mask == mask
}

// Limits — диапазон перемещения по одной оси в микрометрах.
type Limits struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Span возвращает длину диапазона.
func (l Limits) Span() float64 {
	return l.Max - l.Min
}

// Contains сообщает, попадает ли значение в диапазон.
func (l Limits) Contains(v float64) bool {
	return v >= l.Min && v <= l.Max
}

// Calibration — кэшированные калибровочные константы сессии.
type Calibration struct {
	StepSizeUm  float64 `json:"step_size_um"`
	XLimits     Limits  `json:"x_limits"`
	YLimits     Limits  `json:"y_limits"`
	ZLimits     Limits  `json:"z_limits"`
	VelocityMin float64 `json:"velocity_min"`
	VelocityMax float64 `json:"velocity_max"`
}

// Position — последняя известная позиция (в шагах) по трем осям.
type Position struct {
	X int64 `json:"x"`
	Y int64 `json:"y"`
	Z int64 `json:"z"`
}

// PiezoStatus содержит расшифрованное слово состояния канала пьезоконтроллера.
type PiezoStatus struct {
	Raw             int    `json:"raw"`
	ActuatorPlugged bool   `json:"actuator_plugged"`
	MeasuringSystem string `json:"measuring_system"`
	OpenLoopSystem  bool   `json:"open_loop_system"`
	VoltageEnabled  bool   `json:"voltage_enabled"`
	ClosedLoop      bool   `json:"closed_loop"`
	Remote          bool   `json:"remote"` // Канал управляется по интерфейсу
	Generator       string `json:"generator"`
	NotchFilter     bool   `json:"notch_filter"`
	LowpassFilter   bool   `json:"lowpass_filter"`
}

// DeviceFault описывает ошибку, о которой сообщило само устройство.
type DeviceFault struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// FirmwareInfo содержит сведения о прошивке контроллера.
type FirmwareInfo struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Date         string `json:"date"`
	SerialNumber string `json:"serial_number"`
}

// StageReading — показание одной подвижки для сводки.
type StageReading struct {
	Name   string   `json:"name"`
	Kind   string   `json:"kind"`
	XUm    float64  `json:"x_um"`
	YUm    float64  `json:"y_um,omitempty"`
	Busy   bool     `json:"busy"`
	Limits []Limits `json:"limits,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// ShutterReading — показание одного затвора для сводки.
type ShutterReading struct {
	Name  string `json:"name"`
	Open  bool   `json:"open"`
	Error string `json:"error,omitempty"`
}

// Snapshot содержит полную сводку по всем устройствам клиента.
type Snapshot struct {
	Timestamp time.Time        `json:"timestamp"`
	Stages    []StageReading   `json:"stages"`
	Shutters  []ShutterReading `json:"shutters"`
	Claims    []HandleClaim    `json:"claims"`
	HasErrors bool             `json:"has_errors"`
}
