package protocol

import (
	"encoding/binary"
	"math"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/iwtcode/microscopeAdapter/transport"
)

// Коды команд контроллера Sutter MP-285.
const (
	MP285Status   = 's'  // Блок состояния, 32 байта
	MP285Position = 'c'  // Текущие координаты X, Y, Z
	MP285Move     = 'm'  // Перемещение в X, Y, Z
	MP285Velocity = 'V'  // Скорость и разрешение
	MP285Absolute = 'a'  // Абсолютный режим перемещения
	MP285Relative = 'b'  // Относительный режим перемещения
	MP285Origin   = 'o'  // Текущая позиция становится началом координат
	MP285Refresh  = 'n'  // Обновить дисплей
	MP285Stop     = 0x03 // Прервать движение, ответа нет
)

const (
	mp285CR          = 0x0D
	mp285StatusLen   = 32
	mp285PositionLen = 12
	mp285HighRes     = 50
)

// Коды ошибок, которыми MP-285 отвечает вместо данных.
const (
	MP285ErrOverrun     = '0'
	MP285ErrFrame       = '1'
	MP285ErrBuffer      = '2'
	MP285ErrBadCommand  = '4'
	MP285ErrInterrupted = '8'
)

var mp285ErrorText = map[byte]string{
	MP285ErrOverrun:     "serial command buffer overrun",
	MP285ErrFrame:       "serial frame error or receive timeout",
	MP285ErrBuffer:      "serial command buffer full",
	MP285ErrBadCommand:  "invalid command",
	MP285ErrInterrupted: "move interrupted",
}

// MP285ErrorText возвращает описание кода ошибки контроллера.
func MP285ErrorText(code byte) (string, bool) {
	s, ok := mp285ErrorText[code]
	return s, ok
}

// MP285Framer кодирует двоичные команды MP-285: байт кода, поля фиксированной
// ширины, CR. Контроллер не повторяет заголовок, поэтому ответ проверяется по
// длине и коду ошибки.
type MP285Framer struct{}

var _ Framer = MP285Framer{}

func (MP285Framer) Name() string {
	return "mp285"
}

func (MP285Framer) Encode(cmd Command) ([]byte, error) {
	if cmd.Op.IsMnemonic() || cmd.HasDevice {
		return nil, merrors.Newf(merrors.KindInvalidArgument, "mp285 encode", "unsupported command %s", cmd)
	}
	out := []byte{byte(cmd.Op.Code)}

	switch cmd.Op.Code {
	case MP285Move:
		if len(cmd.Args) != 3 {
			return nil, merrors.Newf(merrors.KindInvalidArgument, "mp285 encode", "move needs 3 coordinates, got %d", len(cmd.Args))
		}
		for _, a := range cmd.Args {
			v := a.AsInt()
			if a.Kind != ArgInt || v < math.MinInt32 || v > math.MaxInt32 {
				return nil, merrors.Newf(merrors.KindInvalidArgument, "mp285 encode", "coordinate %s does not fit int32", a)
			}
			out = binary.LittleEndian.AppendUint32(out, uint32(int32(v)))
		}
	case MP285Velocity:
		if len(cmd.Args) != 1 || cmd.Args[0].Kind != ArgInt || cmd.Args[0].Int < 0 || cmd.Args[0].Int > math.MaxUint16 {
			return nil, merrors.Newf(merrors.KindInvalidArgument, "mp285 encode", "velocity word must be one uint16")
		}
		out = binary.BigEndian.AppendUint16(out, uint16(cmd.Args[0].Int))
	case MP285Status, MP285Position, MP285Absolute, MP285Relative, MP285Origin, MP285Refresh, MP285Stop:
		if len(cmd.Args) != 0 {
			return nil, merrors.Newf(merrors.KindInvalidArgument, "mp285 encode", "command %q takes no arguments", rune(cmd.Op.Code))
		}
	default:
		return nil, merrors.Newf(merrors.KindInvalidArgument, "mp285 encode", "unknown command 0x%02X", cmd.Op.Code)
	}
	return append(out, mp285CR), nil
}

func (MP285Framer) Parse(frame []byte) (Command, error) {
	if len(frame) < 2 || frame[len(frame)-1] != mp285CR {
		return Command{}, merrors.Newf(merrors.KindMalformedResponse, "mp285 parse", "frame % X is not CR terminated", frame)
	}
	op := int(frame[0])
	body := frame[1 : len(frame)-1]

	switch op {
	case MP285Move:
		if len(body) != mp285PositionLen {
			return Command{}, merrors.Newf(merrors.KindMalformedResponse, "mp285 parse", "move body has %d bytes", len(body))
		}
		p := decodeMP285Position(body)
		return NewCommand(Code(op), IntArg(p.X), IntArg(p.Y), IntArg(p.Z)), nil
	case MP285Velocity:
		if len(body) != 2 {
			return Command{}, merrors.Newf(merrors.KindMalformedResponse, "mp285 parse", "velocity body has %d bytes", len(body))
		}
		return NewCommand(Code(op), IntArg(int64(binary.BigEndian.Uint16(body)))), nil
	default:
		if len(body) != 0 {
			return Command{}, merrors.Newf(merrors.KindMalformedResponse, "mp285 parse", "command 0x%02X carries %d unexpected bytes", op, len(body))
		}
		return NewCommand(Code(op)), nil
	}
}

// replyLen возвращает длину успешного ответа вместе с CR.
func mp285ReplyLen(cmd Command) int {
	switch cmd.Op.Code {
	case MP285Status:
		return mp285StatusLen + 1
	case MP285Position:
		return mp285PositionLen + 1
	default:
		return 1
	}
}

func isMP285Error(b byte) bool {
	_, ok := mp285ErrorText[b]
	return ok
}

// mp285ErrorFrame распознает ответ-ошибку: код ошибки, CR, CR.
func mp285ErrorFrame(buf []byte) bool {
	return len(buf) >= 3 && isMP285Error(buf[0]) && buf[1] == mp285CR && buf[2] == mp285CR
}

func (MP285Framer) Expect(cmd Command) Expectation {
	n := mp285ReplyLen(cmd)
	return Expectation{
		Match:  transport.AnyOf(transport.UntilLength(n), mp285ErrorFrame),
		MaxLen: n,
	}
}

func (MP285Framer) Decode(cmd Command, frame []byte) (*Response, error) {
	n := mp285ReplyLen(cmd)

	if len(frame) > 0 && isMP285Error(frame[0]) && (len(frame) < n || n == 1) {
		text, _ := MP285ErrorText(frame[0])
		return nil, merrors.Newf(merrors.KindDeviceReported, "mp285 decode", "controller error %q: %s", frame[0], text)
	}
	if len(frame) != n || frame[n-1] != mp285CR {
		return nil, merrors.Newf(merrors.KindMalformedResponse, "mp285 decode", "expected %d bytes ending in CR, got % X", n, frame)
	}
	return &Response{
		Raw:     frame,
		Op:      cmd.Op,
		Payload: frame[:n-1],
		Valid:   true,
	}, nil
}

// MP285StatusBlock — расшифрованные поля блока состояния MP-285.
type MP285StatusBlock struct {
	Raw        []byte
	UmToUStep  int  // Микрошагов на микрометр
	UStepToNm  int  // Нанометров на микрошаг
	Velocity   int  // Скорость без бита разрешения
	Resolution int  // 10 или 50
	Firmware   int  // Версия прошивки
	HighRes    bool // Установлен бит высокого разрешения
}

// ParseMP285Status разбирает 32-байтный блок состояния.
func ParseMP285Status(payload []byte) (MP285StatusBlock, error) {
	if len(payload) != mp285StatusLen {
		return MP285StatusBlock{}, merrors.Newf(merrors.KindMalformedResponse, "mp285 status", "status block has %d bytes, want %d", len(payload), mp285StatusLen)
	}
	vel := binary.LittleEndian.Uint16(payload[28:30])
	st := MP285StatusBlock{
		Raw:       append([]byte(nil), payload...),
		UmToUStep: int(binary.LittleEndian.Uint16(payload[24:26])),
		UStepToNm: int(binary.LittleEndian.Uint16(payload[26:28])),
		Velocity:  int(vel & 0x7FFF),
		Firmware:  int(binary.LittleEndian.Uint16(payload[30:32])),
		HighRes:   vel&0x8000 != 0,
	}
	st.Resolution = 10
	if st.HighRes {
		st.Resolution = mp285HighRes
	}
	return st, nil
}

// ParseMP285Position разбирает три координаты в микрошагах.
func ParseMP285Position(payload []byte) (models.Position, error) {
	if len(payload) != mp285PositionLen {
		return models.Position{}, merrors.Newf(merrors.KindMalformedResponse, "mp285 position", "position has %d bytes, want %d", len(payload), mp285PositionLen)
	}
	return decodeMP285Position(payload), nil
}

func decodeMP285Position(b []byte) models.Position {
	return models.Position{
		X: int64(int32(binary.LittleEndian.Uint32(b[0:4]))),
		Y: int64(int32(binary.LittleEndian.Uint32(b[4:8]))),
		Z: int64(int32(binary.LittleEndian.Uint32(b[8:12]))),
	}
}

// MP285VelocityWord собирает слово команды 'V': 15 бит скорости и бит 15
// для разрешения 50.
func MP285VelocityWord(velocity, resolution int) int64 {
	w := int64(velocity) & 0x7FFF
	if resolution == mp285HighRes {
		w |= 0x8000
	}
	return w
}

// MP285MoveCommand строит команду перемещения в микрошагах.
func MP285MoveCommand(p models.Position) Command {
	return NewCommand(Code(MP285Move), IntArg(p.X), IntArg(p.Y), IntArg(p.Z))
}
