package devices

import (
	"testing"
	"time"

	"github.com/iwtcode/microscopeAdapter/protocol"
	"github.com/iwtcode/microscopeAdapter/simulator"
	"github.com/iwtcode/microscopeAdapter/transport"
	"github.com/stretchr/testify/require"
)

const testTimeout = 200 * time.Millisecond

func newLeicaRig(t *testing.T, sim *simulator.Leica) *LeicaHub {
	t.Helper()
	stub := transport.NewStub("COM1", sim.Respond)
	session := protocol.NewSession(protocol.LeicaFramer{}, nil)
	session.SetTimeout(testTimeout)
	session.Bind(stub)
	hub := NewLeicaHub("leica", session, nil)
	require.NoError(t, hub.Initialize(t.Context()))
	return hub
}

func newMP285Rig(t *testing.T, sim *simulator.MP285) (*MP285Hub, *transport.Stub) {
	t.Helper()
	stub := transport.NewStub("COM2", sim.Respond)
	session := protocol.NewSession(protocol.MP285Framer{}, nil)
	session.SetTimeout(testTimeout)
	session.Bind(stub)
	hub := NewMP285Hub("mp285", session, 0, nil)
	require.NoError(t, hub.Initialize(t.Context()))
	return hub, stub
}

func newPiezoRig(t *testing.T, sim *simulator.Piezo) *PiezoHub {
	t.Helper()
	return newPiezoModelRig(t, sim, protocol.PiezoNV40)
}

func newPiezoModelRig(t *testing.T, sim *simulator.Piezo, model string) *PiezoHub {
	t.Helper()
	hub := newPiezoHub(t, sim.Respond, sim.Terminator(), model)
	require.NoError(t, hub.Initialize(t.Context()))
	return hub
}

func newPiezoHub(t *testing.T, respond func([]byte) []byte, term, model string) *PiezoHub {
	t.Helper()
	m, err := protocol.LookupPiezoModel(model)
	require.NoError(t, err)
	session := protocol.NewSession(protocol.NewPiezoFramer(term), nil)
	session.SetTimeout(testTimeout)
	session.Bind(transport.NewStub("COM3", respond))
	return NewPiezoHub("piezo", session, m, nil)
}
