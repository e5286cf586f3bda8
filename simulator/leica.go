// Package simulator содержит контроллеры в памяти, которые отвечают на
// запросы по тем же протоколам, что и оборудование. Используются в тестах и
// в режиме SIMULATE без подключенных устройств.
package simulator

import (
	"fmt"
	"sync"

	"github.com/iwtcode/microscopeAdapter/protocol"
)

// Leica отвечает как контроллер Leica DM STC. Шаг привода 0.1 мкм,
// ход ±10000 мкм по X и Y, 0..5000 мкм по Z.
type Leica struct {
	StepPerRead int64 // Приближение к цели за одно чтение; 0 — мгновенно
	Jitter      bool  // Позиция меняется при каждом чтении

	mu     sync.Mutex
	pos    [3]int64
	target [3]int64
	speed  int64
	codes  []int
}

func NewLeica() *Leica {
	return &Leica{speed: 10}
}

// Respond обрабатывает один запрос.
func (s *Leica) Respond(req []byte) []byte {
	cmd, err := protocol.LeicaFramer{}.Parse(req)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, cmd.Op.Code)

	reply := func(payload any) []byte {
		return []byte(fmt.Sprintf("%02d%03d %v\r", cmd.Device, cmd.Op.Code, payload))
	}
	ack := []byte(fmt.Sprintf("%02d%03d\r", cmd.Device, cmd.Op.Code))

	switch cmd.Op.Code {
	case protocol.LeicaCmdVersion:
		return reply("DMSTC-1.08")
	case protocol.LeicaCmdMotorCode:
		return reply(3)
	case protocol.LeicaCmdPitchCode:
		return reply(2)
	case protocol.LeicaCmdLimitXMin, protocol.LeicaCmdLimitYMin:
		return reply(-100000)
	case protocol.LeicaCmdLimitXMax, protocol.LeicaCmdLimitYMax:
		return reply(100000)
	case protocol.LeicaCmdLimitZMin:
		return reply(0)
	case protocol.LeicaCmdLimitZMax:
		return reply(50000)
	case protocol.LeicaCmdSpeedMin:
		return reply(1)
	case protocol.LeicaCmdSpeedMax:
		return reply(100)
	case protocol.LeicaCmdGetSpeed:
		return reply(s.speed)
	case protocol.LeicaCmdSetSpeed:
		if len(cmd.Args) != 1 {
			return nil
		}
		s.speed = cmd.Args[0].AsInt()
		return ack
	case protocol.LeicaCmdGetX, protocol.LeicaCmdGetY, protocol.LeicaCmdGetZ:
		axis := cmd.Op.Code - protocol.LeicaCmdGetX
		s.advance(axis)
		return reply(fmt.Sprintf("%+07d", s.pos[axis]))
	case protocol.LeicaCmdSetX, protocol.LeicaCmdSetY, protocol.LeicaCmdSetZ:
		if len(cmd.Args) != 1 {
			return nil
		}
		s.target[cmd.Op.Code-protocol.LeicaCmdSetX] = cmd.Args[0].AsInt()
		return ack
	case protocol.LeicaCmdInit:
		s.target[0], s.target[1] = 0, 0
		return ack
	case protocol.LeicaCmdStop:
		s.target = s.pos
		return ack
	}
	return nil
}

func (s *Leica) advance(axis int) {
	if s.Jitter {
		s.pos[axis]++
		return
	}
	delta := s.target[axis] - s.pos[axis]
	if s.StepPerRead == 0 || (delta <= s.StepPerRead && delta >= -s.StepPerRead) {
		s.pos[axis] = s.target[axis]
		return
	}
	if delta > 0 {
		s.pos[axis] += s.StepPerRead
	} else {
		s.pos[axis] -= s.StepPerRead
	}
}

// Sent возвращает, сколько раз приходила команда code.
func (s *Leica) Sent(code int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.codes {
		if c == code {
			n++
		}
	}
	return n
}

// Target возвращает цель оси (0 — X, 1 — Y, 2 — Z) в шагах.
func (s *Leica) Target(axis int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target[axis]
}
