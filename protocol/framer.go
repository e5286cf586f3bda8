package protocol

import "github.com/iwtcode/microscopeAdapter/transport"

// Expectation описывает, как читать ответ на команду.
type Expectation struct {
	Match  transport.Matcher // Признак конца кадра
	MaxLen int               // Предельная длина кадра, 0 — без ограничения
}

// Framer — формат кадра конкретного семейства устройств.
type Framer interface {
	// Name возвращает короткое имя формата для логов и ошибок.
	Name() string
	// Encode кодирует команду вместе с терминатором. Поле, не помещающееся
	// в отведенную ширину, дает KindInvalidArgument.
	Encode(cmd Command) ([]byte, error)
	// Parse разбирает закодированную команду обратно.
	Parse(frame []byte) (Command, error)
	// Expect сообщает, как выглядит конец ответа на cmd.
	Expect(cmd Command) Expectation
	// Decode проверяет ответ на cmd и выделяет полезную нагрузку.
	Decode(cmd Command, frame []byte) (*Response, error)
}
