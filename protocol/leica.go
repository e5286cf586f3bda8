package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/transport"
)

// Адрес контроллера столика Leica DM STC на шине.
const LeicaStageDevice = 10

// Коды команд контроллера столика Leica DM STC.
const (
	LeicaCmdVersion   = 1
	LeicaCmdGetX      = 16
	LeicaCmdGetY      = 17
	LeicaCmdGetZ      = 18
	LeicaCmdInit      = 20
	LeicaCmdStop      = 21
	LeicaCmdSetX      = 22
	LeicaCmdSetY      = 23
	LeicaCmdSetZ      = 24
	LeicaCmdSetSpeed  = 32
	LeicaCmdGetSpeed  = 33
	LeicaCmdMotorCode = 35
	LeicaCmdPitchCode = 36
	LeicaCmdLimitXMin = 40
	LeicaCmdLimitXMax = 41
	LeicaCmdLimitYMin = 42
	LeicaCmdLimitYMax = 43
	LeicaCmdLimitZMin = 44
	LeicaCmdLimitZMax = 45
	LeicaCmdSpeedMin  = 58
	LeicaCmdSpeedMax  = 59
)

const (
	leicaMaxDevice  = 99
	leicaMaxCommand = 999
	leicaHeaderLen  = 5
	leicaTerminator = '\r'
)

// LeicaFramer кодирует команды как "DDCCC[ arg]...\r": двузначный адрес,
// трехзначный код команды. Ответ начинается с того же заголовка.
type LeicaFramer struct{}

var _ Framer = LeicaFramer{}

func (LeicaFramer) Name() string {
	return "leica"
}

func (LeicaFramer) Encode(cmd Command) ([]byte, error) {
	header, err := leicaHeader(cmd)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.WriteString(header)
	for _, a := range cmd.Args {
		s := a.String()
		if s == "" || strings.ContainsAny(s, " \r") {
			return nil, merrors.Newf(merrors.KindInvalidArgument, "leica encode", "argument %q cannot be framed", s)
		}
		b.WriteByte(' ')
		b.WriteString(s)
	}
	b.WriteByte(leicaTerminator)
	return b.Bytes(), nil
}

func (LeicaFramer) Parse(frame []byte) (Command, error) {
	device, code, rest, err := splitLeicaFrame(frame)
	if err != nil {
		return Command{}, err
	}
	var args []Arg
	for _, tok := range strings.Fields(rest) {
		args = append(args, parseToken(tok))
	}
	return NewDeviceCommand(device, Code(code), args...), nil
}

func (LeicaFramer) Expect(Command) Expectation {
	return Expectation{
		Match:  transport.UntilTerminator([]byte{leicaTerminator}),
		MaxLen: 256,
	}
}

// Decode сверяет заголовок ответа с отправленным; несовпадение адреса или
// кода команды дает KindProtocolMismatch и автоматически не повторяется.
func (LeicaFramer) Decode(cmd Command, frame []byte) (*Response, error) {
	want, err := leicaHeader(cmd)
	if err != nil {
		return nil, err
	}
	body := bytes.TrimSuffix(frame, []byte{leicaTerminator})
	if len(body) < leicaHeaderLen {
		return nil, merrors.Newf(merrors.KindMalformedResponse, "leica decode", "response %q shorter than header", frame)
	}
	if got := string(body[:leicaHeaderLen]); got != want {
		return nil, merrors.Newf(merrors.KindProtocolMismatch, "leica decode", "sent %s, got header %s", want, got)
	}
	return &Response{
		Raw:       frame,
		Device:    cmd.Device,
		HasDevice: true,
		Op:        cmd.Op,
		Payload:   bytes.TrimSpace(body[leicaHeaderLen:]),
		Valid:     true,
	}, nil
}

func leicaHeader(cmd Command) (string, error) {
	if !cmd.HasDevice || cmd.Device < 0 || cmd.Device > leicaMaxDevice {
		return "", merrors.Newf(merrors.KindInvalidArgument, "leica encode", "device id %d out of range 0..%d", cmd.Device, leicaMaxDevice)
	}
	if cmd.Op.IsMnemonic() || cmd.Op.Code < 0 || cmd.Op.Code > leicaMaxCommand {
		return "", merrors.Newf(merrors.KindInvalidArgument, "leica encode", "command id %s out of range 0..%d", cmd.Op, leicaMaxCommand)
	}
	return fmt.Sprintf("%02d%03d", cmd.Device, cmd.Op.Code), nil
}

func splitLeicaFrame(frame []byte) (int, int, string, error) {
	body := string(bytes.TrimSuffix(frame, []byte{leicaTerminator}))
	if len(body) < leicaHeaderLen {
		return 0, 0, "", merrors.Newf(merrors.KindMalformedResponse, "leica parse", "frame %q shorter than header", frame)
	}
	device, err := strconv.Atoi(body[:2])
	if err != nil {
		return 0, 0, "", merrors.New(merrors.KindMalformedResponse, "leica parse", err)
	}
	code, err := strconv.Atoi(body[2:leicaHeaderLen])
	if err != nil {
		return 0, 0, "", merrors.New(merrors.KindMalformedResponse, "leica parse", err)
	}
	return device, code, body[leicaHeaderLen:], nil
}

// leicaDrive — пара кодов привода, сообщаемых контроллером.
type leicaDrive struct {
	motor int
	pitch int
}

// leicaStepSizes переводит (тип двигателя, шаг винта) в микрометры на шаг.
// Значения заданы таблицей: вычислять их по формуле нельзя.
var leicaStepSizes = map[leicaDrive]float64{
	{motor: 1, pitch: 1}: 0.3125,
	{motor: 1, pitch: 2}: 0.625,
	{motor: 1, pitch: 4}: 1.25,
	{motor: 2, pitch: 1}: 0.15625,
	{motor: 2, pitch: 2}: 0.3125,
	{motor: 2, pitch: 4}: 0.625,
	{motor: 3, pitch: 1}: 0.05,
	{motor: 3, pitch: 2}: 0.1,
	{motor: 3, pitch: 4}: 0.2,
}

// LeicaStepSize возвращает размер шага для кодов привода.
func LeicaStepSize(motorCode, pitchCode int) (float64, error) {
	v, ok := leicaStepSizes[leicaDrive{motor: motorCode, pitch: pitchCode}]
	if !ok {
		return 0, merrors.Newf(merrors.KindMalformedResponse, "leica step size", "unknown drive codes motor=%d pitch=%d", motorCode, pitchCode)
	}
	return v, nil
}
