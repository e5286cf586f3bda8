package microscope

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/mcl"
	"github.com/iwtcode/microscopeAdapter/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logAsJSON выводит структуру в лог теста в читаемом виде.
func logAsJSON(t *testing.T, name string, data any) {
	t.Helper()
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		t.Errorf("Не удалось преобразовать %s в JSON: %v", name, err)
		return
	}
	t.Logf("--- %s ---\n%s", name, out)
}

func testConfig(simulate bool) *Config {
	return &Config{
		LogLevel:          "off",
		SerialBaud:        9600,
		SerialTimeoutMs:   200,
		RetryFirstCommand: -1,
		SettleIntervalMs:  1,
		Simulate:          simulate,
	}
}

func fullRig() *Manifest {
	return &Manifest{Devices: []DeviceSpec{
		{Name: "leica", Kind: "leica-hub", Port: "COM1"},
		{Name: "leica-xy", Kind: "leica-xy", Hub: "leica"},
		{Name: "leica-z", Kind: "leica-z", Hub: "leica"},
		{Name: "mp285", Kind: "mp285-hub", Port: "COM2"},
		{Name: "mp285-xy", Kind: "mp285-xy", Hub: "mp285"},
		{Name: "piezo", Kind: "piezo-hub", Port: "COM3", Options: map[string]string{"terminator": "crlf"}},
		{Name: "focus", Kind: "piezo-stage", Hub: "piezo"},
		{Name: "shutter", Kind: "piezo-shutter", Hub: "piezo", Channel: 1},
		{Name: "mcl-xy", Kind: "mcl-xy"},
		{Name: "mcl-z", Kind: "mcl-z"},
	}}
}

func TestClientSimulatedRig(t *testing.T) {
	lib := mcl.NewSimulator(mcl.SimDeviceFor(mcl.MicroDrive4, 4, 7))
	c, err := New(t.Context(), testConfig(true), WithManifest(fullRig()), WithMCLLibrary(lib))
	require.NoError(t, err)
	require.Len(t, c.Devices(), 10)
	assert.NotNil(t, c.GetLogger())

	xy, err := c.XYStage("leica-xy")
	require.NoError(t, err)
	require.NoError(t, xy.SetPositionUm(t.Context(), 100, -50))
	x, y, err := xy.GetPositionUm()
	require.NoError(t, err)
	assert.InDelta(t, 100, x, 1e-9)
	assert.InDelta(t, -50, y, 1e-9)

	z, err := c.Stage("mcl-z")
	require.NoError(t, err)
	require.NoError(t, z.SetPositionUm(t.Context(), 3))

	shutter, err := c.Shutter("shutter")
	require.NoError(t, err)
	require.NoError(t, shutter.SetOpen(true))

	_, err = c.Hub("piezo")
	require.NoError(t, err)

	_, err = c.Stage("leica-xy")
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))
	_, err = c.XYStage("missing")
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))

	snap, err := c.GetCurrentData()
	require.NoError(t, err)
	logAsJSON(t, "Snapshot", snap)
	assert.False(t, snap.HasErrors)
	assert.Len(t, snap.Stages, 6)
	require.Len(t, snap.Shutters, 1)
	assert.True(t, snap.Shutters[0].Open)
	assert.Len(t, snap.Claims, 2)
	assert.Len(t, c.Claims(), 2)

	require.NoError(t, c.Close())
	assert.Zero(t, lib.OpenHandles())
	_, err = c.GetCurrentData()
	assert.True(t, errors.Is(err, merrors.ErrNotInitialized))
	assert.NoError(t, c.Close())
}

func TestClientOpensPortsWithConfiguredBaud(t *testing.T) {
	var mu sync.Mutex
	bauds := map[string]int{}
	open := func(spec DeviceSpec, baud int) (transport.Transport, error) {
		mu.Lock()
		bauds[spec.Port] = baud
		mu.Unlock()
		return simulatedPort(spec, baud)
	}
	m := &Manifest{Devices: []DeviceSpec{
		{Name: "leica", Kind: "leica-hub", Port: "COM1"},
		{Name: "piezo", Kind: "piezo-hub", Port: "COM3", Baud: 19200},
	}}

	c, err := New(t.Context(), testConfig(false), WithManifest(m), WithTransportOpener(open))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, map[string]int{"COM1": 9600, "COM3": 19200}, bauds)
	assert.Empty(t, c.Claims())
}

func TestClientClosesDevicesWhenInitializationFails(t *testing.T) {
	ports := map[string]*transport.Stub{}
	open := func(spec DeviceSpec, baud int) (transport.Transport, error) {
		tr, err := simulatedPort(spec, baud)
		if err != nil {
			return nil, err
		}
		stub := tr.(*transport.Stub)
		if spec.Name == "silent" {
			stub = transport.NewStub(spec.Port, nil)
		}
		ports[spec.Name] = stub
		return stub, nil
	}
	m := &Manifest{Devices: []DeviceSpec{
		{Name: "leica", Kind: "leica-hub", Port: "COM1"},
		{Name: "silent", Kind: "piezo-hub", Port: "COM3", TimeoutMs: 20},
		{Name: "focus", Kind: "piezo-stage", Hub: "silent"},
	}}

	_, err := New(t.Context(), testConfig(false), WithManifest(m), WithTransportOpener(open))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "silent")

	require.Contains(t, ports, "leica")
	assert.Error(t, ports["leica"].Write([]byte("00001\r")), "порт хаба leica должен быть закрыт")
}

func TestClientRejectsInvalidSetup(t *testing.T) {
	mclOnly := &Manifest{Devices: []DeviceSpec{{Name: "z", Kind: "mcl-z"}}}
	_, err := New(t.Context(), testConfig(false), WithManifest(mclOnly))
	assert.True(t, errors.Is(err, merrors.ErrPortNotConfigured))

	dup := &Manifest{Devices: []DeviceSpec{{Name: "z", Kind: "mcl-z"}, {Name: "z", Kind: "mcl-xy"}}}
	_, err = New(t.Context(), testConfig(true), WithManifest(dup))
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))

	cfg := testConfig(true)
	cfg.DevicesFile = "does-not-exist.yaml"
	_, err = New(t.Context(), cfg)
	assert.Error(t, err)
}

func TestClientPolling(t *testing.T) {
	m := &Manifest{Devices: []DeviceSpec{{Name: "z", Kind: "mcl-z"}}}
	c, err := New(t.Context(), testConfig(true), WithManifest(m))
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithCancel(t.Context())
	results := c.StartPolling(ctx, 5*time.Millisecond)
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.Err)
			require.NotNil(t, r.Data)
			assert.Len(t, r.Data.Stages, 1)
		case <-time.After(time.Second):
			t.Fatal("опрос не прислал сводку")
		}
	}
	cancel()
	for range results {
	}
}
