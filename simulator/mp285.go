package simulator

import (
	"encoding/binary"
	"sync"

	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/iwtcode/microscopeAdapter/protocol"
)

// MP285 отвечает как Sutter MP-285: 25 мкшаг/мкм, скорость 200 при
// разрешении 50, прошивка 290. Перемещение завершается мгновенно, а
// перемещение с ошибкой останавливается на полпути.
type MP285 struct {
	FailMove byte // Код ошибки в ответ на перемещение; 0 — без ошибки

	mu       sync.Mutex
	pos      models.Position
	relative bool
	velocity int64
	moves    []models.Position
	stops    int
}

// NewMP285 создает контроллер в позиции pos (микрошаги).
func NewMP285(pos models.Position) *MP285 {
	return &MP285{pos: pos}
}

func (s *MP285) Respond(req []byte) []byte {
	cmd, err := protocol.MP285Framer{}.Parse(req)
	if err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cr := []byte{0x0D}
	switch cmd.Op.Code {
	case protocol.MP285Status:
		block := make([]byte, 32)
		binary.LittleEndian.PutUint16(block[24:], 25)
		binary.LittleEndian.PutUint16(block[26:], 40)
		binary.LittleEndian.PutUint16(block[28:], 0x8000|200)
		binary.LittleEndian.PutUint16(block[30:], 290)
		return append(block, cr...)
	case protocol.MP285Position:
		out := make([]byte, 0, 13)
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(s.pos.X)))
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(s.pos.Y)))
		out = binary.LittleEndian.AppendUint32(out, uint32(int32(s.pos.Z)))
		return append(out, cr...)
	case protocol.MP285Move:
		p := models.Position{X: cmd.Args[0].Int, Y: cmd.Args[1].Int, Z: cmd.Args[2].Int}
		if !s.relative {
			p = models.Position{X: p.X - s.pos.X, Y: p.Y - s.pos.Y, Z: p.Z - s.pos.Z}
		}
		if s.FailMove != 0 {
			s.pos = models.Position{X: s.pos.X + p.X/2, Y: s.pos.Y + p.Y/2, Z: s.pos.Z + p.Z/2}
			return []byte{s.FailMove, 0x0D, 0x0D}
		}
		s.moves = append(s.moves, models.Position{X: cmd.Args[0].Int, Y: cmd.Args[1].Int, Z: cmd.Args[2].Int})
		s.pos = models.Position{X: s.pos.X + p.X, Y: s.pos.Y + p.Y, Z: s.pos.Z + p.Z}
		return cr
	case protocol.MP285Velocity:
		s.velocity = cmd.Args[0].Int
		return cr
	case protocol.MP285Absolute:
		s.relative = false
		return cr
	case protocol.MP285Relative:
		s.relative = true
		return cr
	case protocol.MP285Origin:
		s.pos = models.Position{}
		return cr
	case protocol.MP285Refresh:
		return cr
	case protocol.MP285Stop:
		s.stops++
		return nil
	}
	return nil
}

// LastMove возвращает аргументы последней команды перемещения.
func (s *MP285) LastMove() models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.moves) == 0 {
		return models.Position{}
	}
	return s.moves[len(s.moves)-1]
}

func (s *MP285) Position() models.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// VelocityWord возвращает последнее слово команды 'V'.
func (s *MP285) VelocityWord() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.velocity
}

func (s *MP285) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}
