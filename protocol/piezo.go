package protocol

import (
	"bytes"
	"strconv"
	"strings"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/iwtcode/microscopeAdapter/transport"
)

// Мнемоники команд контроллеров piezosystem jena (NV40/3, NV120/1, 30DV50).
const (
	PiezoStat       = "stat"     // Слово состояния канала
	PiezoRead       = "rk"       // Позиция (мкм) или напряжение (В)
	PiezoMeasure    = "mess"     // То же для 30DV50
	PiezoSet        = "set"      // Задать позицию или напряжение, ответа нет
	PiezoLoop       = "cloop"    // Режим замкнутой петли
	PiezoSoftStart  = "fenable"  // Плавный старт при включении
	PiezoVoltageMin = "dspvmin"  // Нижний предел напряжения
	PiezoVoltageMax = "dspvmax"  // Верхний предел напряжения
	PiezoTravelMin  = "dspclmin" // Нижний предел хода канала, мкм
	PiezoTravelMax  = "dspclmax" // Верхний предел хода канала, мкм
	PiezoLight      = "light"    // Яркость дисплея
	PiezoVersion    = "ver"      // Версия прошивки, три строки
	PiezoRemote     = "setk"     // Удаленное управление каналом
	PiezoGenerator  = "gfkt"     // Функция генератора
	PiezoRectFreq   = "gfrec"    // Частота прямоугольного сигнала, Гц
	PiezoRectSym    = "gsrec"    // Скважность прямоугольного сигнала, %
	PiezoRectAmp    = "garec"    // Амплитуда прямоугольного сигнала, %
	PiezoRectOffset = "gorec"    // Смещение прямоугольного сигнала, %
	PiezoError      = "ERROR"    // Ответ с кодами ошибок
	piezoAnyHeader  = "*"        // Продолжение многострочного ответа
	piezoBlank      = "<blank>"  // Пустая строка; 30DV50 отвечает версией
)

// Функции генератора для команды gfkt.
const (
	PiezoGeneratorOff       = 0
	PiezoGeneratorSine      = 1
	PiezoGeneratorTriangle  = 2
	PiezoGeneratorRectangle = 3
)

// Биты кодов ошибок в ответе ERROR,e1,e2,e3.
const (
	PiezoErrActuatorMissing = 1
	PiezoErrWrongActuator   = 2
	PiezoErrHeat            = 4
	PiezoErrOverflow        = 8
	PiezoErrUnderload       = 16
)

var piezoErrorBits = []struct {
	bit  int
	code string
	text string
}{
	{PiezoErrActuatorMissing, "actuator_missing", "actuator is missing"},
	{PiezoErrWrongActuator, "wrong_actuator", "plugged actuator does not match stored values"},
	{PiezoErrHeat, "over_temperature", "temperature too high"},
	{PiezoErrOverflow, "loop_overflow", "loop overflow, position too high"},
	{PiezoErrUnderload, "loop_underload", "loop underload, position too low"},
}

// PiezoFaults расшифровывает битовые маски ошибок контроллера.
func PiezoFaults(codes ...int) []models.DeviceFault {
	var faults []models.DeviceFault
	for _, c := range codes {
		for _, b := range piezoErrorBits {
			if c&b.bit == b.bit {
				faults = append(faults, models.DeviceFault{Code: b.code, Description: b.text})
			}
		}
	}
	return faults
}

// Модели контроллеров piezosystem jena.
const (
	PiezoNV40   = "nv40"
	PiezoNV120  = "nv120"
	Piezo30DV50 = "30dv50"
)

// PiezoModel описывает, чем контроллеры отличаются на линии.
type PiezoModel struct {
	Name         string
	VersionLines int    // Строк в ответе на запрос версии
	Read         string // Команда чтения позиции
	Terminator   string // Терминатор ответов
	QueryLimits  bool   // Пределы напряжения и хода читаются командами dspv*/dspcl*
	Single       bool   // Один канал, номер канала в командах не передается

	// Пределы для контроллеров, которые их не сообщают.
	VoltageMin float64
	VoltageMax float64
	Travel     models.Limits
}

var piezoModels = map[string]PiezoModel{
	PiezoNV40: {
		Name: PiezoNV40, VersionLines: 3, Read: PiezoRead, Terminator: "\r", QueryLimits: true,
		VoltageMin: -20, VoltageMax: 130, Travel: models.Limits{Min: 0, Max: 100},
	},
	PiezoNV120: {
		Name: PiezoNV120, VersionLines: 3, Read: PiezoRead, Terminator: "\r", QueryLimits: true,
		VoltageMin: -20, VoltageMax: 130, Travel: models.Limits{Min: 0, Max: 100},
	},
	Piezo30DV50: {
		Name: Piezo30DV50, VersionLines: 1, Read: PiezoMeasure, Terminator: "\r\n", Single: true,
		VoltageMin: -20, VoltageMax: 130, Travel: models.Limits{Min: 0, Max: 80},
	},
}

// LookupPiezoModel возвращает описание модели; пустое имя означает NV40/3.
func LookupPiezoModel(name string) (PiezoModel, error) {
	if name == "" {
		name = PiezoNV40
	}
	m, ok := piezoModels[strings.ToLower(name)]
	if !ok {
		return PiezoModel{}, merrors.Newf(merrors.KindInvalidArgument, "piezo model", "unknown controller model %q", name)
	}
	return m, nil
}

// Identify возвращает команду запроса версии: ver у NV40/3 и NV120/1,
// пустую строку у 30DV50.
func (m PiezoModel) Identify() Command {
	if m.VersionLines == 1 {
		return PiezoBlankCommand()
	}
	return NewCommand(Mnemonic(PiezoVersion))
}

// PiezoBlankCommand — пустая команда ("\r"). Принимает ответ с любым заголовком.
func PiezoBlankCommand() Command {
	return NewCommand(Mnemonic(piezoBlank))
}

// PiezoCommand строит команду для канала ch.
func PiezoCommand(op string, ch int, args ...Arg) Command {
	return NewCommand(Mnemonic(op), append([]Arg{IntArg(int64(ch))}, args...)...)
}

// PiezoContinuation — команда-маркер для чтения следующей строки
// многострочного ответа через Session.ReadResponse.
func PiezoContinuation() Command {
	return NewCommand(Mnemonic(piezoAnyHeader))
}

// PiezoFramer кодирует текстовые команды "cmd[,arg]...\r". Ответ не содержит
// числового заголовка; первое поле должно называть отправленную команду.
type PiezoFramer struct {
	term []byte
}

var _ Framer = (*PiezoFramer)(nil)

// NewPiezoFramer создает формат с терминатором ответа term ("\r" для NV40/3
// и NV120/1, "\r\n" для 30DV50). Команды всегда завершаются "\r".
func NewPiezoFramer(term string) *PiezoFramer {
	if term == "" {
		term = "\r"
	}
	return &PiezoFramer{term: []byte(term)}
}

func (f *PiezoFramer) Name() string {
	return "piezosystem"
}

func (f *PiezoFramer) Encode(cmd Command) ([]byte, error) {
	name := cmd.Op.Name
	if name == piezoBlank && len(cmd.Args) == 0 && !cmd.HasDevice {
		return []byte{'\r'}, nil
	}
	if !cmd.Op.IsMnemonic() || name == piezoBlank || cmd.HasDevice || name == piezoAnyHeader || strings.ContainsAny(name, ",\r\n ") {
		return nil, merrors.Newf(merrors.KindInvalidArgument, "piezo encode", "unsupported command %s", cmd)
	}
	var b bytes.Buffer
	b.WriteString(name)
	for _, a := range cmd.Args {
		s := a.String()
		if strings.ContainsAny(s, ",\r\n") {
			return nil, merrors.Newf(merrors.KindInvalidArgument, "piezo encode", "argument %q cannot be framed", s)
		}
		b.WriteByte(',')
		b.WriteString(s)
	}
	b.WriteByte('\r')
	return b.Bytes(), nil
}

func (f *PiezoFramer) Parse(frame []byte) (Command, error) {
	if len(frame) == 0 {
		return Command{}, merrors.Newf(merrors.KindMalformedResponse, "piezo parse", "empty frame")
	}
	tokens := splitFields(string(frame), ",")
	if len(tokens) == 0 {
		return PiezoBlankCommand(), nil
	}
	var args []Arg
	for _, tok := range tokens[1:] {
		args = append(args, parseToken(tok))
	}
	return NewCommand(Mnemonic(tokens[0]), args...), nil
}

func (f *PiezoFramer) Expect(Command) Expectation {
	return Expectation{
		Match:  transport.UntilTerminator(f.term),
		MaxLen: 256,
	}
}

// Decode проверяет имя в первом поле ответа. ERROR,... превращается в
// KindDeviceReported с расшифровкой кодов.
func (f *PiezoFramer) Decode(cmd Command, frame []byte) (*Response, error) {
	tokens := splitFields(string(frame), ", \n")
	if len(tokens) == 0 {
		return nil, merrors.Newf(merrors.KindMalformedResponse, "piezo decode", "empty response to %s", cmd.Op)
	}

	head := tokens[0]
	if head == PiezoError {
		var codes []int
		for _, tok := range tokens[1:] {
			if c, err := strconv.Atoi(tok); err == nil {
				codes = append(codes, c)
			}
		}
		return nil, merrors.Newf(merrors.KindDeviceReported, "piezo decode", "%s: %s", cmd.Op, describeFaults(PiezoFaults(codes...), tokens[1:]))
	}

	want := strings.ToLower(cmd.Op.Name)
	if want != piezoAnyHeader && want != piezoBlank && !strings.HasPrefix(strings.ToLower(head), want) {
		return nil, merrors.Newf(merrors.KindMalformedResponse, "piezo decode", "sent %s, response starts with %q", cmd.Op, head)
	}

	return &Response{
		Raw:     frame,
		Op:      Mnemonic(head),
		Payload: []byte(strings.Join(tokens[1:], ",")),
		Valid:   true,
	}, nil
}

func describeFaults(faults []models.DeviceFault, raw []string) string {
	if len(faults) == 0 {
		return "error codes " + strings.Join(raw, ",")
	}
	parts := make([]string, len(faults))
	for i, f := range faults {
		parts[i] = f.Description
	}
	return strings.Join(parts, "; ")
}
