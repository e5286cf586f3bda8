package transport

import (
	"fmt"
	"time"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

// SerialConfig описывает параметры последовательного порта.
type SerialConfig struct {
	Device string        // Путь к устройству ("/dev/ttyUSB0", "COM3")
	Baud   int           // Скорость обмена
	Poll   time.Duration // Максимальное время блокировки одного чтения
}

// DefaultSerialConfig возвращает конфигурацию 9600 8N1 с опросом по 100 мс.
func DefaultSerialConfig(device string) SerialConfig {
	return SerialConfig{
		Device: device,
		Baud:   9600,
		Poll:   100 * time.Millisecond,
	}
}

// SerialPort реализует Transport поверх github.com/tarm/serial.
type SerialPort struct {
	port   *serial.Port
	cfg    SerialConfig
	logger logrus.FieldLogger
}

var _ Transport = (*SerialPort)(nil)

// OpenSerial открывает последовательный порт.
func OpenSerial(cfg SerialConfig, logger logrus.FieldLogger) (*SerialPort, error) {
	if cfg.Device == "" {
		return nil, merrors.New(merrors.KindPortNotConfigured, "open serial", nil)
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 100 * time.Millisecond
	}

	port, err := serial.OpenPort(&serial.Config{
		Name:        cfg.Device,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.Poll,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	})
	if err != nil {
		return nil, merrors.New(merrors.KindTransport, "open serial", fmt.Errorf("failed to open serial port %s: %w", cfg.Device, err))
	}

	logger = logger.WithField("port", cfg.Device)
	logger.Infof("Последовательный порт открыт (%d бод)", cfg.Baud)

	return &SerialPort{port: port, cfg: cfg, logger: logger}, nil
}

func (p *SerialPort) Name() string {
	return p.cfg.Device
}

func (p *SerialPort) Write(b []byte) error {
	n, err := p.port.Write(b)
	if err != nil {
		return merrors.New(merrors.KindTransport, "write", err)
	}
	if n != len(b) {
		return merrors.Newf(merrors.KindTransport, "write", "short write: %d of %d bytes", n, len(b))
	}
	return nil
}

// ReadFrame читает кадр. По истечении ReadTimeout драйвер tarm/serial
// возвращает (0, io.EOF), это означает лишь отсутствие данных.
func (p *SerialPort) ReadFrame(match Matcher, maxLen int, timeout time.Duration) ([]byte, error) {
	return readFrame(p.port.Read, match, maxLen, timeout)
}

func (p *SerialPort) Flush() error {
	if err := p.port.Flush(); err != nil {
		return merrors.New(merrors.KindTransport, "flush", err)
	}
	return nil
}

func (p *SerialPort) Close() error {
	if p.port == nil {
		return nil
	}
	p.logger.Info("Последовательный порт закрыт")
	err := p.port.Close()
	p.port = nil
	return err
}
