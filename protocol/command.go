package protocol

import (
	"strconv"
	"strings"
)

// Opcode — код операции: целый (Leica, MP285) или мнемоника (Piezosystem).
type Opcode struct {
	Code int
	Name string
}

// Code создает целочисленный код операции.
func Code(code int) Opcode {
	return Opcode{Code: code}
}

// Mnemonic создает текстовый код операции.
func Mnemonic(name string) Opcode {
	return Opcode{Name: name}
}

// IsMnemonic сообщает, задан ли код текстом.
func (o Opcode) IsMnemonic() bool {
	return o.Name != ""
}

func (o Opcode) String() string {
	if o.IsMnemonic() {
		return o.Name
	}
	return strconv.Itoa(o.Code)
}

// ArgKind — тип аргумента команды.
type ArgKind int

const (
	ArgInt ArgKind = iota
	ArgFloat
	ArgString
)

// Arg — типизированный аргумент команды или поле разобранного ответа.
type Arg struct {
	Kind  ArgKind
	Int   int64
	Float float64
	Str   string
}

func IntArg(v int64) Arg {
	return Arg{Kind: ArgInt, Int: v}
}

func FloatArg(v float64) Arg {
	return Arg{Kind: ArgFloat, Float: v}
}

func StringArg(v string) Arg {
	return Arg{Kind: ArgString, Str: v}
}

// BoolArg кодирует флаг как 1 или 0.
func BoolArg(v bool) Arg {
	if v {
		return IntArg(1)
	}
	return IntArg(0)
}

// AsFloat возвращает числовое значение аргумента; строка дает 0.
func (a Arg) AsFloat() float64 {
	switch a.Kind {
	case ArgInt:
		return float64(a.Int)
	case ArgFloat:
		return a.Float
	default:
		return 0
	}
}

// AsInt возвращает целое значение аргумента; дробная часть отбрасывается.
func (a Arg) AsInt() int64 {
	switch a.Kind {
	case ArgInt:
		return a.Int
	case ArgFloat:
		return int64(a.Float)
	default:
		return 0
	}
}

// String форматирует аргумент для текстовых протоколов. Дробные значения
// передаются с тремя знаками после запятой.
func (a Arg) String() string {
	switch a.Kind {
	case ArgInt:
		return strconv.FormatInt(a.Int, 10)
	case ArgFloat:
		return strconv.FormatFloat(a.Float, 'f', 3, 64)
	default:
		return a.Str
	}
}

// parseToken восстанавливает типизированный аргумент из текстового поля.
func parseToken(tok string) Arg {
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return IntArg(i)
	}
	if strings.ContainsAny(tok, ".eE") {
		if f, err := strconv.ParseFloat(tok, 64); err == nil {
			return FloatArg(f)
		}
	}
	return StringArg(tok)
}

// Command — логическая операция для отправки устройству.
// Создается на каждый вызов и после создания не изменяется.
type Command struct {
	Device    int
	HasDevice bool
	Op        Opcode
	Args      []Arg
}

// NewCommand создает команду без адреса устройства.
func NewCommand(op Opcode, args ...Arg) Command {
	return Command{Op: op, Args: copyArgs(args)}
}

// NewDeviceCommand создает команду, адресованную устройству или узлу.
func NewDeviceCommand(device int, op Opcode, args ...Arg) Command {
	return Command{Device: device, HasDevice: true, Op: op, Args: copyArgs(args)}
}

func copyArgs(args []Arg) []Arg {
	if len(args) == 0 {
		return nil
	}
	return append([]Arg(nil), args...)
}

func (c Command) String() string {
	var b strings.Builder
	if c.HasDevice {
		b.WriteString(strconv.Itoa(c.Device))
		b.WriteByte(':')
	}
	b.WriteString(c.Op.String())
	for _, a := range c.Args {
		b.WriteByte(' ')
		b.WriteString(a.String())
	}
	return b.String()
}

// Response — разобранный ответ устройства. Живет только в пределах вызова.
type Response struct {
	Raw       []byte
	Device    int
	HasDevice bool
	Op        Opcode
	Payload   []byte
	Valid     bool
}

// Text возвращает полезную нагрузку без окружающих пробелов.
func (r *Response) Text() string {
	return strings.TrimSpace(string(r.Payload))
}
