package mcl

import "fmt"

// Идентификаторы продуктов Mad City Labs, сообщаемые библиотекой.
const (
	NanoDrive1   uint16 = 0x2001
	NanoDrive2   uint16 = 0x2002
	NanoDrive3   uint16 = 0x2003
	MicroDrive   uint16 = 0x2501
	MicroDrive1  uint16 = 0x2502
	MicroDrive3  uint16 = 0x2503
	MicroDrive4  uint16 = 0x2504
	MicroDrive6  uint16 = 0x2506
	NCMicroDrive uint16 = 0x3500
)

// Preferences — порядок выбора осей для конкретной модели контроллера.
type Preferences struct {
	XYStarts []int // Первая ось пары XY; вторая — следующая по номеру
	ZAxes    []int // Оси-кандидаты для Z в порядке предпочтения
}

var productNames = map[uint16]string{
	NanoDrive1:   "NanoDrive (1 axis)",
	NanoDrive2:   "NanoDrive (2 axes)",
	NanoDrive3:   "NanoDrive (3 axes)",
	MicroDrive:   "MicroDrive",
	MicroDrive1:  "MicroDrive1",
	MicroDrive3:  "MicroDrive3",
	MicroDrive4:  "MicroDrive4",
	MicroDrive6:  "MicroDrive6",
	NCMicroDrive: "NC MicroDrive",
}

// axisPreferences задает выбор осей по модели. Таблица переносится как есть:
// одноосевые модели не имеют пары XY, а Z сначала занимает оси, которые не
// входят в предпочтительную пару XY.
var axisPreferences = map[uint16]Preferences{
	NanoDrive1:   {ZAxes: []int{1}},
	NanoDrive2:   {XYStarts: []int{1}, ZAxes: []int{1, 2}},
	NanoDrive3:   {XYStarts: []int{1}, ZAxes: []int{3, 1, 2}},
	MicroDrive:   {XYStarts: []int{1}, ZAxes: []int{1, 2}},
	MicroDrive1:  {ZAxes: []int{1}},
	MicroDrive3:  {XYStarts: []int{1}, ZAxes: []int{3, 1, 2}},
	MicroDrive4:  {XYStarts: []int{1}, ZAxes: []int{3, 4, 1, 2}},
	MicroDrive6:  {XYStarts: []int{1, 4}, ZAxes: []int{3, 6, 1, 2, 4, 5}},
	NCMicroDrive: {XYStarts: []int{1}, ZAxes: []int{1, 2}},
}

// AxisPreferences возвращает порядок выбора осей для модели.
// Для неизвестной модели второй результат равен false.
func AxisPreferences(productID uint16) (Preferences, bool) {
	p, ok := axisPreferences[productID]
	return p, ok
}

// ProductName возвращает читаемое название модели.
func ProductName(productID uint16) string {
	if n, ok := productNames[productID]; ok {
		return n
	}
	return fmt.Sprintf("unknown product 0x%04X", productID)
}

// IsMicroDrive сообщает, относится ли модель к шаговым приводам MicroDrive.
func IsMicroDrive(productID uint16) bool {
	switch productID {
	case MicroDrive, MicroDrive1, MicroDrive3, MicroDrive4, MicroDrive6, NCMicroDrive:
		return true
	default:
		return false
	}
}
