package devices

import (
	"errors"
	"testing"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/iwtcode/microscopeAdapter/protocol"
	"github.com/iwtcode/microscopeAdapter/simulator"
	"github.com/iwtcode/microscopeAdapter/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	assert.Len(t, Kinds(), 12)
	for _, k := range Kinds() {
		assert.True(t, IsKnownKind(k), k)
	}
	assert.True(t, IsHubKind(KindPiezoHub))
	assert.False(t, IsHubKind(KindPiezoShutter))
	assert.True(t, NeedsHub(KindMP285Z))
	assert.False(t, NeedsHub(KindMCLXY))
	assert.False(t, NeedsHub(KindPiezoHub))
	assert.False(t, IsKnownKind("zeiss-xy"))
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New("zeiss-xy", Deps{Name: "xy"})
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))
}

func TestNewHubWithoutPort(t *testing.T) {
	for _, kind := range []string{KindLeicaHub, KindMP285Hub, KindPiezoHub} {
		_, err := New(kind, Deps{Name: "hub"})
		assert.True(t, errors.Is(err, merrors.ErrPortNotConfigured), kind)
	}
}

func TestNewStageChecksHub(t *testing.T) {
	_, err := New(KindLeicaXY, Deps{Name: "xy"})
	assert.True(t, errors.Is(err, merrors.ErrPortNotConfigured))

	hub := newPiezoRig(t, simulator.NewPiezo("\r"))
	_, err = New(KindMP285Z, Deps{Name: "z", Hub: hub})
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))
}

func TestNewBuildsLeicaChain(t *testing.T) {
	sim := simulator.NewLeica()
	hubDev, err := New(KindLeicaHub, Deps{
		Name:    "leica",
		Port:    transport.NewStub("COM1", sim.Respond),
		Retry:   -1,
		Timeout: testTimeout,
	})
	require.NoError(t, err)
	hub, ok := hubDev.(*LeicaHub)
	require.True(t, ok)
	assert.Equal(t, "leica", hub.Session().Framer().Name())
	assert.Equal(t, testTimeout, hub.Session().Timeout())
	require.NoError(t, hub.Initialize(t.Context()))

	xyDev, err := New(KindLeicaXY, Deps{Name: "xy", Hub: hub})
	require.NoError(t, err)
	xy, ok := xyDev.(XYStage)
	require.True(t, ok)
	require.NoError(t, xy.Initialize(t.Context()))

	zDev, err := New(KindLeicaZ, Deps{Name: "z", Hub: hub})
	require.NoError(t, err)
	_, ok = zDev.(Stage)
	assert.True(t, ok)
}

func TestNewBuildsMP285Chain(t *testing.T) {
	sim := simulator.NewMP285(models.Position{})
	hubDev, err := New(KindMP285Hub, Deps{
		Name:    "mp285",
		Port:    transport.NewStub("COM2", sim.Respond),
		Options: map[string]string{"travel_um": "1000"},
		Timeout: testTimeout,
	})
	require.NoError(t, err)
	require.NoError(t, hubDev.Initialize(t.Context()))
	hub := hubDev.(*MP285Hub)
	assert.Equal(t, 1000.0, hub.Session().Calibration().ZLimits.Max)

	zDev, err := New(KindMP285Z, Deps{Name: "z", Hub: hub})
	require.NoError(t, err)
	require.NoError(t, zDev.Initialize(t.Context()))

	_, err = New(KindMP285Hub, Deps{
		Name:    "mp285",
		Port:    transport.NewStub("COM2", sim.Respond),
		Options: map[string]string{"travel_um": "far"},
	})
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))
}

func TestNewBuildsPiezoDevicesWithCRLF(t *testing.T) {
	sim := simulator.NewPiezo("\r\n")
	sim.SetClosed(0, true)
	sim.SetClosed(2, true)
	sim.SetClosed(3, true)

	hubDev, err := New(KindPiezoHub, Deps{
		Name:    "piezo",
		Port:    transport.NewStub("COM3", sim.Respond),
		Options: map[string]string{"terminator": "crlf"},
		Timeout: testTimeout,
	})
	require.NoError(t, err)
	require.NoError(t, hubDev.Initialize(t.Context()))

	stage, err := New(KindPiezoStage, Deps{
		Name:    "z",
		Hub:     hubDev,
		Options: map[string]string{"max_um": "80"},
	})
	require.NoError(t, err)
	require.NoError(t, stage.Initialize(t.Context()))
	limits, err := stage.(Stage).GetLimits()
	require.NoError(t, err)
	assert.Equal(t, 80.0, limits.Max)

	xyDev, err := New(KindPiezoXY, Deps{
		Name:    "xy",
		Hub:     hubDev,
		Options: map[string]string{"x_channel": "2", "y_channel": "3"},
	})
	require.NoError(t, err)
	require.NoError(t, xyDev.Initialize(t.Context()))
	require.NoError(t, xyDev.(XYStage).SetPositionUm(t.Context(), 1, 2))
	assert.Equal(t, 1.0, sim.Value(2))
	assert.Equal(t, 2.0, sim.Value(3))

	shutter, err := New(KindPiezoShutter, Deps{
		Name:    "shutter",
		Hub:     hubDev,
		Options: map[string]string{"version": PiezoShutterEdgesClosed},
	})
	require.NoError(t, err)
	assert.Equal(t, PiezoShutterEdgesClosed, shutter.(*PiezoShutter).Version())

	_, err = New(KindPiezoShutter, Deps{
		Name:    "shutter",
		Hub:     hubDev,
		Options: map[string]string{"version": "sideways"},
	})
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))

	_, err = New(KindPiezoStage, Deps{
		Name:    "z",
		Hub:     hubDev,
		Options: map[string]string{"min_um": "50", "max_um": "10"},
	})
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))
}

func TestNewBuildsPiezo30DV50(t *testing.T) {
	sim := simulator.NewPiezo30DV50()
	sim.SetClosed(-1, true)

	hubDev, err := New(KindPiezoHub, Deps{
		Name:    "piezo",
		Port:    transport.NewStub("COM3", sim.Respond),
		Options: map[string]string{"model": "30DV50"},
		Timeout: testTimeout,
	})
	require.NoError(t, err)
	require.NoError(t, hubDev.Initialize(t.Context()))
	assert.Equal(t, protocol.Piezo30DV50, hubDev.(*PiezoHub).Model().Name)

	stage, err := New(KindPiezoStage, Deps{Name: "z", Hub: hubDev, Channel: 2})
	require.NoError(t, err)
	require.NoError(t, stage.Initialize(t.Context()))
	require.NoError(t, stage.(Stage).SetPositionUm(t.Context(), 5))
	assert.Contains(t, sim.Commands(), "set,5.000")

	_, err = New(KindPiezoXY, Deps{Name: "xy", Hub: hubDev})
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))
}

func TestNewPiezoHubRejectsBadOptions(t *testing.T) {
	for _, opts := range []map[string]string{
		{"model": "nv80"},
		{"terminator": "lf"},
	} {
		_, err := New(KindPiezoHub, Deps{
			Name:    "piezo",
			Port:    transport.NewStub("COM3", simulator.NewPiezo("\r").Respond),
			Options: opts,
		})
		assert.True(t, errors.Is(err, merrors.ErrInvalidArgument), "%v", opts)
	}
}

func TestNewMCLNeedsLibrary(t *testing.T) {
	_, err := New(KindMCLZ, Deps{Name: "z"})
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))

	sim, reg := newMCLRig(t)
	dev, err := New(KindMCLXY, Deps{
		Name:     "xy",
		Registry: reg,
		Library:  sim,
		Options:  map[string]string{"velocity": "1000"},
		Settle:   protocol.PollOptions{MaxAttempts: 10},
	})
	require.NoError(t, err)
	require.NoError(t, dev.Initialize(t.Context()))
	assert.Equal(t, 1000.0, dev.(*MCLXYStage).Velocity())
}
