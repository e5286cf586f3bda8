package microscope

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/iwtcode/microscopeAdapter/devices"
	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/mcl"
	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/iwtcode/microscopeAdapter/protocol"
	"github.com/iwtcode/microscopeAdapter/registry"
	"github.com/iwtcode/microscopeAdapter/simulator"
	"github.com/iwtcode/microscopeAdapter/transport"
	"github.com/sirupsen/logrus"
)

// TransportOpener открывает порт хаба. baud уже учитывает SERIAL_BAUD.
type TransportOpener func(spec DeviceSpec, baud int) (transport.Transport, error)

type options struct {
	library  mcl.Library
	open     TransportOpener
	manifest *Manifest
}

// Option настраивает клиента.
type Option func(*options)

// WithMCLLibrary задает библиотеку Mad City Labs.
func WithMCLLibrary(lib mcl.Library) Option {
	return func(o *options) { o.library = lib }
}

// WithTransportOpener заменяет открытие последовательных портов.
func WithTransportOpener(open TransportOpener) Option {
	return func(o *options) { o.open = open }
}

// WithManifest задает список устройств вместо чтения DEVICES_FILE.
func WithManifest(m *Manifest) Option {
	return func(o *options) { o.manifest = m }
}

// Client является основной точкой входа для взаимодействия с библиотекой.
type Client struct {
	config   *Config
	logger   *logrus.Logger
	registry *registry.HandleRegistry
	library  mcl.Library

	mu      sync.RWMutex
	devices []devices.Device
	byName  map[string]devices.Device
	closed  bool
}

// New создает адаптеры из описания устройств и инициализирует их в порядке
// объявления. При ошибке уже созданные адаптеры закрываются.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Client, error) {
	logger := logrus.New()

	if cfg.LogLevel == "off" || cfg.LogLevel == "none" {
		logger.SetOutput(io.Discard)
	} else {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
		logger.SetOutput(os.Stdout)
	}

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		ForceColors:     true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	manifest := o.manifest
	if manifest == nil {
		m, err := LoadManifest(cfg.DevicesFile)
		if err != nil {
			return nil, err
		}
		manifest = m
	} else if err := manifest.Validate(); err != nil {
		return nil, err
	}

	open := o.open
	if open == nil {
		if cfg.Simulate {
			open = simulatedPort
		} else {
			open = serialOpener(logger)
		}
	}

	c := &Client{
		config: cfg,
		logger: logger,
		byName: make(map[string]devices.Device, len(manifest.Devices)),
	}

	if manifest.NeedsMCL() {
		lib := o.library
		if lib == nil && cfg.Simulate {
			lib = mcl.NewSimulator(mcl.SimDeviceFor(mcl.MicroDrive4, 4, 1))
		}
		if lib == nil {
			return nil, merrors.Newf(merrors.KindPortNotConfigured, "client", "MCL devices are configured but no MCL library is available")
		}
		c.library = lib
		c.registry = registry.New(lib, logger)
	}

	settle := protocol.PollOptions{
		MaxAttempts: cfg.SettleMaxAttempts,
		Interval:    time.Duration(cfg.SettleIntervalMs) * time.Millisecond,
	}
	for _, spec := range manifest.Devices {
		if err := c.addDevice(ctx, spec, open, settle); err != nil {
			c.Close()
			return nil, err
		}
	}

	logger.Infof("Подключено устройств: %d", len(c.devices))
	return c, nil
}

func (c *Client) addDevice(ctx context.Context, spec DeviceSpec, open TransportOpener, settle protocol.PollOptions) error {
	timeout := spec.TimeoutMs
	if timeout <= 0 {
		timeout = c.config.SerialTimeoutMs
	}
	deps := devices.Deps{
		Name:     spec.Name,
		Hub:      c.byName[spec.Hub],
		Registry: c.registry,
		Library:  c.library,
		Channel:  spec.Channel,
		Options:  spec.Options,
		Settle:   settle,
		Retry:    c.config.RetryFirstCommand,
		Timeout:  time.Duration(timeout) * time.Millisecond,
		Logger:   c.logger.WithField("device", spec.Name),
	}

	if devices.IsHubKind(spec.Kind) {
		baud := spec.Baud
		if baud <= 0 {
			baud = c.config.SerialBaud
		}
		port, err := open(spec, baud)
		if err != nil {
			return fmt.Errorf("failed to open port %s for %s: %w", spec.Port, spec.Name, err)
		}
		deps.Port = port
	}

	dev, err := devices.New(spec.Kind, deps)
	if err != nil {
		if deps.Port != nil {
			deps.Port.Close()
		}
		return fmt.Errorf("failed to create %s: %w", spec.Name, err)
	}

	c.mu.Lock()
	c.devices = append(c.devices, dev)
	c.byName[spec.Name] = dev
	c.mu.Unlock()

	if err := dev.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", spec.Name, err)
	}
	c.logger.WithField("kind", spec.Kind).Debugf("Устройство %s готово", spec.Name)
	return nil
}

func serialOpener(logger logrus.FieldLogger) TransportOpener {
	return func(spec DeviceSpec, baud int) (transport.Transport, error) {
		serialCfg := transport.DefaultSerialConfig(spec.Port)
		serialCfg.Baud = baud
		port, err := transport.OpenSerial(serialCfg, logger)
		if err != nil {
			return nil, err
		}
		return port, nil
	}
}

// simulatedPort подключает к хабу симулятор контроллера его семейства.
func simulatedPort(spec DeviceSpec, _ int) (transport.Transport, error) {
	switch spec.Kind {
	case devices.KindLeicaHub:
		return transport.NewStub(spec.Port, simulator.NewLeica().Respond), nil
	case devices.KindMP285Hub:
		return transport.NewStub(spec.Port, simulator.NewMP285(models.Position{}).Respond), nil
	case devices.KindPiezoHub:
		model, err := protocol.LookupPiezoModel(spec.Options["model"])
		if err != nil {
			return nil, err
		}
		term := ""
		switch strings.ToLower(spec.Options["terminator"]) {
		case "cr":
			term = "\r"
		case "crlf":
			term = "\r\n"
		}
		return transport.NewStub(spec.Port, simulator.NewPiezoFor(model, term).Respond), nil
	}
	return nil, merrors.Newf(merrors.KindInvalidArgument, "simulate", "no simulator for %s", spec.Kind)
}

// Close закрывает устройства в порядке, обратном созданию, и освобождает
// хендлы MCL. Повторный вызов ничего не делает.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	devs := c.devices
	c.mu.Unlock()

	var errs []error
	for i := len(devs) - 1; i >= 0; i-- {
		if err := devs[i].Shutdown(); err != nil {
			c.logger.Warnf("Не удалось закрыть %s: %v", devs[i].Name(), err)
			errs = append(errs, err)
		}
	}
	if c.registry != nil {
		if err := c.registry.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// GetLogger возвращает используемый логгер.
func (c *Client) GetLogger() *logrus.Logger {
	return c.logger
}

// Device возвращает устройство по имени.
func (c *Client) Device(name string) (devices.Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byName[name]
	return d, ok
}

// Devices возвращает устройства в порядке создания.
func (c *Client) Devices() []devices.Device {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]devices.Device(nil), c.devices...)
}

func (c *Client) XYStage(name string) (devices.XYStage, error) {
	return lookup[devices.XYStage](c, name, "xy stage")
}

func (c *Client) Stage(name string) (devices.Stage, error) {
	return lookup[devices.Stage](c, name, "stage")
}

func (c *Client) Shutter(name string) (devices.Shutter, error) {
	return lookup[devices.Shutter](c, name, "shutter")
}

func (c *Client) Hub(name string) (devices.Hub, error) {
	return lookup[devices.Hub](c, name, "hub")
}

func lookup[T devices.Device](c *Client, name, what string) (T, error) {
	var zero T
	d, ok := c.Device(name)
	if !ok {
		return zero, merrors.Newf(merrors.KindInvalidArgument, "client", "no device named %q", name)
	}
	typed, ok := d.(T)
	if !ok {
		return zero, merrors.Newf(merrors.KindInvalidArgument, "client", "device %q is not a %s", name, what)
	}
	return typed, nil
}

// Claims возвращает занятые оси контроллеров MCL.
func (c *Client) Claims() []models.HandleClaim {
	if c.registry == nil {
		return []models.HandleClaim{}
	}
	return c.registry.Snapshot()
}

// GetCurrentData возвращает сводку по всем устройствам. Ошибки отдельных
// устройств записываются в сводку, ошибка возвращается только для закрытого клиента.
func (c *Client) GetCurrentData() (*models.Snapshot, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, merrors.New(merrors.KindNotInitialized, "client", errors.New("client is closed"))
	}
	return devices.Aggregate(c.Devices(), c.Claims()), nil
}

// StartPolling периодически собирает сводку до отмены ctx.
func (c *Client) StartPolling(ctx context.Context, interval time.Duration) <-chan devices.PollingResult {
	return devices.StartPolling(ctx, interval, c.GetCurrentData, c.logger)
}
