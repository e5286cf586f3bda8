package mcl

import (
	"errors"

	"github.com/iwtcode/microscopeAdapter/models"
)

// ErrNoMoreDevices возвращается OpenHandle, когда все подключенные
// контроллеры уже открыты.
var ErrNoMoreDevices = errors.New("mcl: no more devices to open")

// Library абстрагирует библиотеку производителя Mad City Labs.
// Реализации должны допускать вызовы из разных горутин.
type Library interface {
	// OpenHandle открывает следующий еще не открытый контроллер.
	OpenHandle() (models.Handle, error)
	// CloseHandle освобождает хендл.
	CloseHandle(h models.Handle) error
	// ProductInfo возвращает модель и битовую маску осей контроллера.
	ProductInfo(h models.Handle) (models.ProductInfo, error)
	// AxisRange возвращает диапазон хода оси в микрометрах.
	AxisRange(h models.Handle, axis int) (models.Limits, error)
	// ReadAxis возвращает текущую позицию оси в микрометрах.
	ReadAxis(h models.Handle, axis int) (float64, error)
	// MoveAxis начинает перемещение оси на distance микрометров со скоростью velocity.
	MoveAxis(h models.Handle, axis int, velocity, distance float64) error
	// Stop останавливает все оси контроллера.
	Stop(h models.Handle) error
}
