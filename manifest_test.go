package microscope

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rigYAML = `
devices:
  - name: leica
    kind: leica-hub
    port: /dev/ttyUSB0
    timeout_ms: 500
  - name: xy
    kind: leica-xy
    hub: leica
  - name: piezo
    kind: piezo-hub
    port: /dev/ttyUSB1
    baud: 19200
    options:
      terminator: "crlf"
  - name: focus
    kind: piezo-stage
    hub: piezo
    channel: -1
    options:
      max_um: "80"
  - name: mcl-z
    kind: mcl-z
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(rigYAML))
	require.NoError(t, err)
	require.Len(t, m.Devices, 5)

	assert.Equal(t, DeviceSpec{Name: "leica", Kind: "leica-hub", Port: "/dev/ttyUSB0", TimeoutMs: 500}, m.Devices[0])
	assert.Equal(t, "leica", m.Devices[1].Hub)
	assert.Equal(t, 19200, m.Devices[2].Baud)
	assert.Equal(t, map[string]string{"terminator": "crlf"}, m.Devices[2].Options)
	assert.Equal(t, -1, m.Devices[3].Channel)
	assert.Equal(t, "80", m.Devices[3].Options["max_um"])
	assert.True(t, m.NeedsMCL())
}

func TestLoadManifestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(rigYAML), 0o600))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Len(t, m.Devices, 5)

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestManifestValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		kind error
	}{
		{
			name: "broken yaml",
			yaml: "devices: [",
			kind: merrors.ErrInvalidArgument,
		},
		{
			name: "no name",
			yaml: "devices:\n  - kind: mcl-z\n",
			kind: merrors.ErrInvalidArgument,
		},
		{
			name: "duplicate name",
			yaml: "devices:\n  - {name: z, kind: mcl-z}\n  - {name: z, kind: mcl-xy}\n",
			kind: merrors.ErrInvalidArgument,
		},
		{
			name: "unknown kind",
			yaml: "devices:\n  - {name: z, kind: zeiss-z}\n",
			kind: merrors.ErrInvalidArgument,
		},
		{
			name: "hub without port",
			yaml: "devices:\n  - {name: leica, kind: leica-hub}\n",
			kind: merrors.ErrPortNotConfigured,
		},
		{
			name: "hub declared after stage",
			yaml: "devices:\n  - {name: xy, kind: leica-xy, hub: leica}\n  - {name: leica, kind: leica-hub, port: COM1}\n",
			kind: merrors.ErrInvalidArgument,
		},
		{
			name: "hub of another family",
			yaml: "devices:\n  - {name: piezo, kind: piezo-hub, port: COM1}\n  - {name: xy, kind: leica-xy, hub: piezo}\n",
			kind: merrors.ErrInvalidArgument,
		},
		{
			name: "hub is not a hub",
			yaml: "devices:\n  - {name: piezo, kind: piezo-hub, port: COM1}\n  - {name: z, kind: piezo-stage, hub: piezo}\n  - {name: s, kind: piezo-shutter, hub: z}\n",
			kind: merrors.ErrInvalidArgument,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tc.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.kind), err.Error())
		})
	}
}

func TestManifestWithoutMCL(t *testing.T) {
	m, err := ParseManifest([]byte("devices:\n  - {name: leica, kind: leica-hub, port: COM1}\n"))
	require.NoError(t, err)
	assert.False(t, m.NeedsMCL())
}

func TestExampleManifestIsValid(t *testing.T) {
	m, err := LoadManifest("devices.example.yaml")
	require.NoError(t, err)
	assert.Len(t, m.Devices, 7)
	assert.True(t, m.NeedsMCL())
}
