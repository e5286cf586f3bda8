package errors

import (
	"errors"
	"fmt"
)

// Kind классифицирует ошибку протокольного слоя или реестра хендлов.
type Kind int

const (
	KindUnknown Kind = iota
	KindPortNotConfigured
	KindTimeout
	KindProtocolMismatch
	KindMalformedResponse
	KindNoAvailableDevice
	KindConflictingClaim
	KindInvalidArgument
	KindDeviceReported
	KindNotInitialized
	KindTransport
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindPortNotConfigured: "port not configured",
	KindTimeout:           "timeout",
	KindProtocolMismatch:  "protocol mismatch",
	KindMalformedResponse: "malformed response",
	KindNoAvailableDevice: "no available device",
	KindConflictingClaim:  "conflicting claim",
	KindInvalidArgument:   "invalid argument",
	KindDeviceReported:    "device reported error",
	KindNotInitialized:    "not initialized",
	KindTransport:         "transport failure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// DeviceError — стандартизированная ошибка адаптера: вид, операция и исходная причина.
type DeviceError struct {
	Kind Kind   // Вид ошибки
	Op   string // Операция, на которой произошла ошибка
	Err  error  // Внутренняя ошибка, может быть nil
}

func (e *DeviceError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по виду, чтобы errors.Is работал с сентинелами ниже.
func (e *DeviceError) Is(target error) bool {
	t, ok := target.(*DeviceError)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

// New создает новый экземпляр DeviceError.
func New(kind Kind, op string, err error) *DeviceError {
	return &DeviceError{Kind: kind, Op: op, Err: err}
}

// Newf создает DeviceError с форматированной причиной.
func Newf(kind Kind, op string, format string, args ...interface{}) *DeviceError {
	return &DeviceError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf возвращает вид первой DeviceError в цепочке или KindUnknown.
func KindOf(err error) Kind {
	var de *DeviceError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

var (
	ErrPortNotConfigured = &DeviceError{Kind: KindPortNotConfigured}
	ErrTimeout           = &DeviceError{Kind: KindTimeout}
	ErrProtocolMismatch  = &DeviceError{Kind: KindProtocolMismatch}
	ErrMalformedResponse = &DeviceError{Kind: KindMalformedResponse}
	ErrNoAvailableDevice = &DeviceError{Kind: KindNoAvailableDevice}
	ErrConflictingClaim  = &DeviceError{Kind: KindConflictingClaim}
	ErrInvalidArgument   = &DeviceError{Kind: KindInvalidArgument}
	ErrDeviceReported    = &DeviceError{Kind: KindDeviceReported}
	ErrNotInitialized    = &DeviceError{Kind: KindNotInitialized}
	ErrTransport         = &DeviceError{Kind: KindTransport}
)
