package protocol

import (
	"errors"
	"fmt"
	"testing"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeicaRoundTripAllIdentifiers(t *testing.T) {
	f := LeicaFramer{}
	for device := 0; device <= 99; device++ {
		for code := 0; code <= 999; code++ {
			cmd := NewDeviceCommand(device, Code(code))
			frame, err := f.Encode(cmd)
			require.NoError(t, err)
			back, err := f.Parse(frame)
			require.NoError(t, err)
			if !assert.Equal(t, cmd, back, "device=%d code=%d", device, code) {
				return
			}
		}
	}
}

func TestLeicaRoundTripWithArguments(t *testing.T) {
	f := LeicaFramer{}
	cmd := NewDeviceCommand(LeicaStageDevice, Code(LeicaCmdSetX), IntArg(-1234), FloatArg(2.5), StringArg("ON"))

	frame, err := f.Encode(cmd)
	require.NoError(t, err)
	assert.Equal(t, "10022 -1234 2.500 ON\r", string(frame))

	back, err := f.Parse(frame)
	require.NoError(t, err)
	assert.Equal(t, cmd, back)
}

func TestLeicaEncodeRejectsOutOfWidthFields(t *testing.T) {
	f := LeicaFramer{}
	cases := []Command{
		NewDeviceCommand(100, Code(16)),
		NewDeviceCommand(-1, Code(16)),
		NewDeviceCommand(10, Code(1000)),
		NewDeviceCommand(10, Code(-5)),
		NewDeviceCommand(10, Mnemonic("rk")),
		NewCommand(Code(16)),
	}
	for _, cmd := range cases {
		_, err := f.Encode(cmd)
		assert.True(t, errors.Is(err, merrors.ErrInvalidArgument), "команда %s", cmd)
	}
}

func TestLeicaDecodeValidatesHeaderForEveryMismatch(t *testing.T) {
	f := LeicaFramer{}
	sent := NewDeviceCommand(10, Code(16))

	for device := 0; device <= 99; device++ {
		for code := 0; code <= 999; code++ {
			frame := []byte(fmt.Sprintf("%02d%03d+001234\r", device, code))
			resp, err := f.Decode(sent, frame)
			if device == 10 && code == 16 {
				require.NoError(t, err)
				assert.True(t, resp.Valid)
				continue
			}
			if !assert.True(t, errors.Is(err, merrors.ErrProtocolMismatch), "device=%d code=%d", device, code) {
				return
			}
		}
	}
}

func TestLeicaDecodeShortResponse(t *testing.T) {
	_, err := LeicaFramer{}.Decode(NewDeviceCommand(10, Code(16)), []byte("100\r"))
	assert.True(t, errors.Is(err, merrors.ErrMalformedResponse))
}

func TestLeicaStepSizeTable(t *testing.T) {
	v, err := LeicaStepSize(1, 2)
	require.NoError(t, err)
	assert.Equal(t, 0.625, v)

	_, err = LeicaStepSize(9, 9)
	assert.True(t, errors.Is(err, merrors.ErrMalformedResponse))
}

func TestMP285RoundTrip(t *testing.T) {
	f := MP285Framer{}
	cmds := []Command{
		NewCommand(Code(MP285Status)),
		NewCommand(Code(MP285Position)),
		NewCommand(Code(MP285Absolute)),
		NewCommand(Code(MP285Relative)),
		NewCommand(Code(MP285Origin)),
		NewCommand(Code(MP285Stop)),
		NewCommand(Code(MP285Velocity), IntArg(MP285VelocityWord(1500, 50))),
		MP285MoveCommand(models.Position{X: 0, Y: 0, Z: 0}),
		MP285MoveCommand(models.Position{X: -25000, Y: 13, Z: 2147483647}),
		MP285MoveCommand(models.Position{X: -2147483648, Y: -1, Z: 1}),
	}
	for _, cmd := range cmds {
		frame, err := f.Encode(cmd)
		require.NoError(t, err)
		assert.Equal(t, byte(0x0D), frame[len(frame)-1])
		back, err := f.Parse(frame)
		require.NoError(t, err)
		assert.Equal(t, cmd, back)
	}
}

func TestMP285EncodeLayout(t *testing.T) {
	f := MP285Framer{}

	frame, err := f.Encode(MP285MoveCommand(models.Position{X: 1, Y: -1, Z: 256}))
	require.NoError(t, err)
	assert.Equal(t, []byte{'m', 1, 0, 0, 0, 0xFF, 0xFF, 0xFF, 0xFF, 0, 1, 0, 0, 0x0D}, frame)

	frame, err = f.Encode(NewCommand(Code(MP285Velocity), IntArg(MP285VelocityWord(0x0102, 50))))
	require.NoError(t, err)
	assert.Equal(t, []byte{'V', 0x81, 0x02, 0x0D}, frame)
}

func TestMP285EncodeRejectsOverflow(t *testing.T) {
	f := MP285Framer{}
	_, err := f.Encode(NewCommand(Code(MP285Move), IntArg(1<<40), IntArg(0), IntArg(0)))
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))

	_, err = f.Encode(NewCommand(Code(MP285Velocity), IntArg(70000)))
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))

	_, err = f.Encode(NewCommand(Code('z')))
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))
}

func TestMP285DecodeErrorFrames(t *testing.T) {
	f := MP285Framer{}
	getPos := NewCommand(Code(MP285Position))

	_, err := f.Decode(getPos, []byte{'8', 0x0D, 0x0D})
	require.True(t, errors.Is(err, merrors.ErrDeviceReported))
	assert.Contains(t, err.Error(), "move interrupted")

	_, err = f.Decode(NewCommand(Code(MP285Absolute)), []byte{'4'})
	assert.True(t, errors.Is(err, merrors.ErrDeviceReported))

	_, err = f.Decode(getPos, []byte{1, 2, 3, 0x0D})
	assert.True(t, errors.Is(err, merrors.ErrMalformedResponse))

	resp, err := f.Decode(NewCommand(Code(MP285Origin)), []byte{0x0D})
	require.NoError(t, err)
	assert.Empty(t, resp.Payload)
}

func TestParseMP285Status(t *testing.T) {
	block := make([]byte, 32)
	block[24], block[25] = 25, 0
	block[26], block[27] = 40, 0
	block[28], block[29] = 0xDC, 0x85
	block[30], block[31] = 0x02, 0x01

	st, err := ParseMP285Status(block)
	require.NoError(t, err)
	assert.Equal(t, 25, st.UmToUStep)
	assert.Equal(t, 40, st.UStepToNm)
	assert.Equal(t, 0x05DC, st.Velocity)
	assert.Equal(t, 50, st.Resolution)
	assert.Equal(t, 0x0102, st.Firmware)

	_, err = ParseMP285Status(block[:31])
	assert.True(t, errors.Is(err, merrors.ErrMalformedResponse))
}

func TestPiezoRoundTrip(t *testing.T) {
	f := NewPiezoFramer("\r")
	cmds := []Command{
		PiezoCommand(PiezoSet, 0, FloatArg(12.5)),
		PiezoCommand(PiezoStat, 2),
		PiezoCommand(PiezoLoop, 1, BoolArg(true)),
		NewCommand(Mnemonic(PiezoVoltageMin)),
		NewCommand(Mnemonic(PiezoLight), IntArg(3)),
	}
	for _, cmd := range cmds {
		frame, err := f.Encode(cmd)
		require.NoError(t, err)
		back, err := f.Parse(frame)
		require.NoError(t, err)
		assert.Equal(t, cmd, back)
	}

	frame, err := f.Encode(PiezoCommand(PiezoSet, 0, FloatArg(12.5)))
	require.NoError(t, err)
	assert.Equal(t, "set,0,12.500\r", string(frame))
}

func TestPiezoDecode(t *testing.T) {
	f := NewPiezoFramer("\r\n")

	resp, err := f.Decode(PiezoCommand(PiezoRead, 0), []byte("\nrk,0,12.345\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "0,12.345", resp.Text())

	resp, err = f.Decode(PiezoCommand(PiezoStat, 1), []byte("STATUS,1,129\r"))
	require.NoError(t, err)
	rec, err := ParseRecord(resp.Payload, ",", FieldInt, FieldInt)
	require.NoError(t, err)
	assert.Equal(t, int64(129), rec.Int(1))

	_, err = f.Decode(PiezoCommand(PiezoRead, 0), []byte("ERROR,1,0,16\r"))
	require.True(t, errors.Is(err, merrors.ErrDeviceReported))
	assert.Contains(t, err.Error(), "actuator is missing")
	assert.Contains(t, err.Error(), "loop underload")

	_, err = f.Decode(PiezoCommand(PiezoRead, 0), []byte("cloop,0,1\r"))
	assert.True(t, errors.Is(err, merrors.ErrMalformedResponse))

	_, err = f.Decode(PiezoCommand(PiezoRead, 0), []byte("\r"))
	assert.True(t, errors.Is(err, merrors.ErrMalformedResponse))
}

func TestPiezoBlankCommand(t *testing.T) {
	f := NewPiezoFramer("\r\n")
	frame, err := f.Encode(PiezoBlankCommand())
	require.NoError(t, err)
	assert.Equal(t, "\r", string(frame))

	back, err := f.Parse(frame)
	require.NoError(t, err)
	assert.Equal(t, PiezoBlankCommand(), back)

	resp, err := f.Decode(PiezoBlankCommand(), []byte("DSM V6.000\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "DSM", resp.Op.Name)
	assert.Equal(t, "V6.000", resp.Text())

	_, err = f.Encode(NewCommand(Mnemonic(piezoBlank), IntArg(1)))
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))
}

func TestLookupPiezoModel(t *testing.T) {
	m, err := LookupPiezoModel("")
	require.NoError(t, err)
	assert.Equal(t, PiezoNV40, m.Name)
	assert.Equal(t, Mnemonic(PiezoVersion), m.Identify().Op)
	assert.True(t, m.QueryLimits)

	m, err = LookupPiezoModel("30DV50")
	require.NoError(t, err)
	assert.Equal(t, PiezoBlankCommand(), m.Identify())
	assert.Equal(t, PiezoMeasure, m.Read)
	assert.Equal(t, "\r\n", m.Terminator)
	assert.False(t, m.QueryLimits)

	_, err = LookupPiezoModel("nv80")
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))
}

func TestPiezoEncodeRejectsSeparators(t *testing.T) {
	f := NewPiezoFramer("")
	_, err := f.Encode(NewCommand(Mnemonic("light"), StringArg("a,b")))
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))

	_, err = f.Encode(NewDeviceCommand(1, Mnemonic("rk")))
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))

	_, err = f.Encode(PiezoContinuation())
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))
}

func TestPiezoFaults(t *testing.T) {
	faults := PiezoFaults(PiezoErrHeat | PiezoErrOverflow)
	require.Len(t, faults, 2)
	assert.Equal(t, "over_temperature", faults[0].Code)
	assert.Equal(t, "loop_overflow", faults[1].Code)
	assert.Empty(t, PiezoFaults(0))
}
