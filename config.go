package microscope

import (
	"os"
	"strconv"
	"strings"
)

// Config хранит модель конфигурации приложения
type Config struct {
	LogLevel          string
	DevicesFile       string // Путь к YAML-описанию устройств
	SerialBaud        int
	SerialTimeoutMs   int
	RetryFirstCommand int // Повторы первой команды хаба; -1 — значение по умолчанию для вида
	SettleMaxAttempts int // 0 — ждать остановки без ограничения
	SettleIntervalMs  int
	Simulate          bool // Работать с симуляторами вместо портов и библиотеки MCL
	PollIntervalMs    int  // Период опроса в cmd/app; 0 — одна сводка
}

// Load загружает конфигурацию из переменных окружения
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	devicesFile := os.Getenv("DEVICES_FILE")
	if devicesFile == "" {
		devicesFile = "devices.yaml"
	}

	baud, err := strconv.Atoi(os.Getenv("SERIAL_BAUD"))
	if err != nil || baud <= 0 {
		baud = 9600
	}

	timeout, err := strconv.Atoi(os.Getenv("SERIAL_TIMEOUT_MS"))
	if err != nil || timeout <= 0 {
		timeout = 2000
	}

	retry, err := strconv.Atoi(os.Getenv("RETRY_FIRST_COMMAND"))
	if err != nil || retry < 0 {
		retry = -1
	}

	attempts, err := strconv.Atoi(os.Getenv("SETTLE_MAX_ATTEMPTS"))
	if err != nil || attempts < 0 {
		attempts = 0
	}

	interval, err := strconv.Atoi(os.Getenv("SETTLE_INTERVAL_MS"))
	if err != nil || interval <= 0 {
		interval = 50
	}

	simulate, err := strconv.ParseBool(strings.TrimSpace(os.Getenv("SIMULATE")))
	if err != nil {
		simulate = false
	}

	poll, err := strconv.Atoi(os.Getenv("POLL_INTERVAL_MS"))
	if err != nil || poll < 0 {
		poll = 0
	}

	return &Config{
		LogLevel:          logLevel,
		DevicesFile:       devicesFile,
		SerialBaud:        baud,
		SerialTimeoutMs:   timeout,
		RetryFirstCommand: retry,
		SettleMaxAttempts: attempts,
		SettleIntervalMs:  interval,
		Simulate:          simulate,
		PollIntervalMs:    poll,
	}
}
