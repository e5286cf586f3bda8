package microscope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var configEnv = []string{
	"LOG_LEVEL", "DEVICES_FILE", "SERIAL_BAUD", "SERIAL_TIMEOUT_MS",
	"RETRY_FIRST_COMMAND", "SETTLE_MAX_ATTEMPTS", "SETTLE_INTERVAL_MS", "SIMULATE", "POLL_INTERVAL_MS",
}

func TestLoadDefaults(t *testing.T) {
	for _, name := range configEnv {
		t.Setenv(name, "")
	}
	t.Setenv("SERIAL_BAUD", "fast")

	assert.Equal(t, &Config{
		LogLevel:          "info",
		DevicesFile:       "devices.yaml",
		SerialBaud:        9600,
		SerialTimeoutMs:   2000,
		RetryFirstCommand: -1,
		SettleMaxAttempts: 0,
		SettleIntervalMs:  50,
		Simulate:          false,
		PollIntervalMs:    0,
	}, Load())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DEVICES_FILE", "/etc/microscope/rig.yaml")
	t.Setenv("SERIAL_BAUD", "19200")
	t.Setenv("SERIAL_TIMEOUT_MS", "500")
	t.Setenv("RETRY_FIRST_COMMAND", "2")
	t.Setenv("SETTLE_MAX_ATTEMPTS", "40")
	t.Setenv("SETTLE_INTERVAL_MS", "10")
	t.Setenv("SIMULATE", "true")
	t.Setenv("POLL_INTERVAL_MS", "1000")

	assert.Equal(t, &Config{
		LogLevel:          "debug",
		DevicesFile:       "/etc/microscope/rig.yaml",
		SerialBaud:        19200,
		SerialTimeoutMs:   500,
		RetryFirstCommand: 2,
		SettleMaxAttempts: 40,
		SettleIntervalMs:  10,
		Simulate:          true,
		PollIntervalMs:    1000,
	}, Load())
}
