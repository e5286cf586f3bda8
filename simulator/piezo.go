package simulator

import (
	"fmt"
	"strings"
	"sync"

	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/iwtcode/microscopeAdapter/protocol"
)

type piezoChannel struct {
	value     float64
	closed    bool
	softStart bool
}

// Piezo отвечает как контроллер piezosystem jena с пределами напряжения
// -20..130 В. Команда rk возвращает последнее значение set без преобразований.
type Piezo struct {
	Single        bool          // Одноканальный контроллер без номера канала в командах
	ChannelOffset int           // Сдвиг номера канала в ответах
	Fail          string        // Ответ ERROR,... на любой запрос
	Travel        models.Limits // Ход каналов для dspclmin/dspclmax; пустой — 0..100 мкм

	term     string
	dv50     bool
	mu       sync.Mutex
	channels map[int]*piezoChannel
	light    int64
	log      []string
}

// NewPiezo создает контроллер с терминатором ответа term ("\r" или "\r\n").
func NewPiezo(term string) *Piezo {
	if term == "" {
		term = "\r"
	}
	return &Piezo{term: term, channels: make(map[int]*piezoChannel)}
}

// NewPiezo30DV50 создает одноканальный 30DV50: версия приходит одной строкой
// в ответ на пустую команду, позиция читается командой mess, пределов
// контроллер не сообщает.
func NewPiezo30DV50() *Piezo {
	s := NewPiezo("\r\n")
	s.Single = true
	s.dv50 = true
	return s
}

// NewPiezoFor создает контроллер модели m. Пустой term означает терминатор модели.
func NewPiezoFor(m protocol.PiezoModel, term string) *Piezo {
	if term == "" {
		term = m.Terminator
	}
	s := NewPiezo(term)
	s.Single = m.Single
	s.dv50 = m.Name == protocol.Piezo30DV50
	return s
}

// Terminator возвращает терминатор ответов.
func (s *Piezo) Terminator() string {
	return s.term
}

func (s *Piezo) channel(ch int) *piezoChannel {
	c, ok := s.channels[ch]
	if !ok {
		c = &piezoChannel{}
		s.channels[ch] = c
	}
	return c
}

func (s *Piezo) line(parts ...any) []byte {
	strs := make([]string, len(parts))
	for i, p := range parts {
		strs[i] = fmt.Sprint(p)
	}
	return []byte(strings.Join(strs, ",") + s.term)
}

func (s *Piezo) Respond(req []byte) []byte {
	cmd, err := protocol.NewPiezoFramer("\r").Parse(req)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, strings.TrimSuffix(string(req), "\r"))

	name := cmd.Op.Name
	args := cmd.Args
	if s.Fail != "" && len(args) <= 1 && name != protocol.PiezoSet {
		return []byte(s.Fail + s.term)
	}

	if s.dv50 {
		switch name {
		case protocol.PiezoVersion, protocol.PiezoRead, protocol.PiezoVoltageMin, protocol.PiezoVoltageMax,
			protocol.PiezoTravelMin, protocol.PiezoTravelMax:
			return nil
		case protocol.PiezoMeasure:
			name = protocol.PiezoRead
		}
	}

	if cmd.Op == protocol.PiezoBlankCommand().Op {
		if s.dv50 {
			return []byte("DSM V6.000" + s.term)
		}
		return nil
	}

	switch name {
	case protocol.PiezoVersion:
		out := s.line("ver", "1.12")
		out = append(out, s.line("sdate", "14.05.2012")...)
		return append(out, s.line("serno", "12345")...)
	case protocol.PiezoVoltageMin:
		return s.line(name, "-20.000")
	case protocol.PiezoVoltageMax:
		return s.line(name, "130.000")
	case protocol.PiezoLight:
		if len(args) == 0 {
			return s.line(name, s.light)
		}
		s.light = args[0].AsInt()
		return nil
	}

	ch := -1
	if !s.Single {
		if len(args) == 0 {
			return nil
		}
		ch = int(args[0].AsInt())
		args = args[1:]
	}
	c := s.channel(ch)
	head := func(h string, v any) []byte {
		if ch < 0 {
			return s.line(h, v)
		}
		return s.line(h, ch+s.ChannelOffset, v)
	}

	switch name {
	case protocol.PiezoStat:
		bits := 0x1 | 0x4 | 0x40
		if c.closed {
			bits |= 0x80
		}
		return head("STATUS", bits)
	case protocol.PiezoRead:
		return head(cmd.Op.Name, fmt.Sprintf("%.3f", c.value))
	case protocol.PiezoTravelMin, protocol.PiezoTravelMax:
		travel := s.Travel
		if travel == (models.Limits{}) {
			travel = models.Limits{Min: 0, Max: 100}
		}
		if name == protocol.PiezoTravelMin {
			return head(name, fmt.Sprintf("%.3f", travel.Min))
		}
		return head(name, fmt.Sprintf("%.3f", travel.Max))
	case protocol.PiezoSet:
		if len(args) == 1 {
			c.value = args[0].AsFloat()
		}
		return nil
	case protocol.PiezoLoop:
		if len(args) == 0 {
			return head(name, boolInt(c.closed))
		}
		c.closed = args[0].AsInt() == 1
		return nil
	case protocol.PiezoSoftStart:
		if len(args) == 0 {
			return head(name, boolInt(c.softStart))
		}
		c.softStart = args[0].AsInt() == 1
		return nil
	}
	// Команды генератора ответа не имеют.
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Commands возвращает все полученные запросы без терминатора.
func (s *Piezo) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

// Value возвращает последнее заданное значение канала ch.
func (s *Piezo) Value(ch int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel(ch).value
}

// SetClosed задает режим петли канала ch.
func (s *Piezo) SetClosed(ch int, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel(ch).closed = closed
}
