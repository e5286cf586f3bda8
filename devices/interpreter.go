package devices

import (
	"github.com/iwtcode/microscopeAdapter/models"
)

// Биты слова состояния канала пьезоконтроллера.
const (
	piezoActuatorPlugged = 0x0001
	piezoMeasureMask     = 0x0006
	piezoOpenLoopSystem  = 0x0010
	piezoVoltageEnabled  = 0x0040
	piezoClosedLoop      = 0x0080
	piezoRemote          = 0x0100
	piezoGeneratorMask   = 0x0E00
	piezoNotchFilter     = 0x1000
	piezoLowpassFilter   = 0x2000
)

// InterpretPiezoStatus расшифровывает слово состояния, полученное командой stat.
func InterpretPiezoStatus(raw int) models.PiezoStatus {
	return models.PiezoStatus{
		Raw:             raw,
		ActuatorPlugged: raw&piezoActuatorPlugged != 0,
		MeasuringSystem: interpretMeasuringSystem(raw & piezoMeasureMask),
		OpenLoopSystem:  raw&piezoOpenLoopSystem != 0,
		VoltageEnabled:  raw&piezoVoltageEnabled != 0,
		ClosedLoop:      raw&piezoClosedLoop != 0,
		Remote:          raw&piezoRemote != 0,
		Generator:       interpretGenerator(raw & piezoGeneratorMask),
		NotchFilter:     raw&piezoNotchFilter != 0,
		LowpassFilter:   raw&piezoLowpassFilter != 0,
	}
}

func interpretMeasuringSystem(bits int) string {
	switch bits {
	case 0x0000:
		return "None"
	case 0x0002:
		return "Strain Gauge"
	case 0x0004:
		return "Capacitive"
	case 0x0006:
		return "Inductive"
	default:
		return "UNKNOWN"
	}
}

func interpretGenerator(bits int) string {
	switch bits {
	case 0x0000:
		return "Off"
	case 0x0200:
		return "Sine"
	case 0x0400:
		return "Triangle"
	case 0x0600:
		return "Rectangle"
	case 0x0800:
		return "Noise"
	case 0x0A00:
		return "Sweep"
	case 0x0C00:
		return "Scan Sine"
	case 0x0E00:
		return "Scan Triangle"
	default:
		return "UNKNOWN"
	}
}
