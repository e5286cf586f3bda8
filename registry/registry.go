package registry

import (
	"errors"
	"fmt"
	"io"
	"sync"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/mcl"
	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/sirupsen/logrus"
)

// HandleRegistry распределяет оси контроллеров Mad City Labs между адаптерами.
// Один физический контроллер может обслуживать сразу XY- и Z-подвижку, поэтому
// хендл открывается один раз и закрывается, когда на него не ссылается ни одна
// заявка.
//
// Методы с пометкой "вызывающий держит блокировку" требуют Lock/Unlock вокруг
// всей последовательности поиска и регистрации. Acquire и Release
// блокируют реестр сами.
type HandleRegistry struct {
	mu      sync.Mutex
	lib     mcl.Library
	handles []models.Handle
	info    map[models.Handle]models.ProductInfo
	claims  []models.HandleClaim
	logger  logrus.FieldLogger
}

// New создает реестр поверх библиотеки производителя.
func New(lib mcl.Library, logger logrus.FieldLogger) *HandleRegistry {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	return &HandleRegistry{
		lib:    lib,
		info:   make(map[models.Handle]models.ProductInfo),
		logger: logger.WithField("component", "mcl-registry"),
	}
}

func (r *HandleRegistry) Lock() {
	r.mu.Lock()
}

func (r *HandleRegistry) Unlock() {
	r.mu.Unlock()
}

// FindOrOpenHandle подбирает хендл и свободные оси для роли, не регистрируя
// заявку. Сначала просматриваются уже открытые хендлы в порядке открытия,
// затем открываются новые, пока один из них не подойдет или библиотека не
// сообщит, что устройств больше нет. Неподошедшие новые хендлы закрываются.
// Вызывающий держит блокировку.
func (r *HandleRegistry) FindOrOpenHandle(role models.Role) (models.HandleClaim, error) {
	if role != models.RoleXYStage && role != models.RoleZStage {
		return models.HandleClaim{}, merrors.Newf(merrors.KindInvalidArgument, "find handle", "unknown role %d", int(role))
	}

	for _, h := range r.handles {
		if c, ok := r.chooseAxes(h, role); ok {
			return c, nil
		}
	}

	var unused []models.Handle
	defer func() {
		for _, h := range unused {
			r.closeHandle(h)
		}
	}()

	for {
		h, err := r.lib.OpenHandle()
		if err != nil {
			if !errors.Is(err, mcl.ErrNoMoreDevices) {
				r.logger.Warnf("Ошибка открытия контроллера: %v", err)
			}
			return models.HandleClaim{}, merrors.Newf(merrors.KindNoAvailableDevice, "find handle", "no controller with free axes for %s", role)
		}

		info, err := r.lib.ProductInfo(h)
		if err != nil {
			r.logger.WithField("handle", h).Warnf("Не удалось прочитать сведения о контроллере: %v", err)
			unused = append(unused, h)
			continue
		}
		r.track(h, info)

		if c, ok := r.chooseAxes(h, role); ok {
			return c, nil
		}
		unused = append(unused, h)
	}
}

// RegisterClaim регистрирует заявку. Пересечение по любой паре (хендл, ось)
// с существующей заявкой дает KindConflictingClaim.
// Вызывающий держит блокировку.
func (r *HandleRegistry) RegisterClaim(c models.HandleClaim) error {
	if !r.HandleExists(c.Handle) {
		return merrors.Newf(merrors.KindInvalidArgument, "register claim", "handle %d is not open", c.Handle)
	}
	for _, axis := range c.Axes() {
		if owner, ok := r.axisOwner(c.Handle, axis); ok {
			return merrors.Newf(merrors.KindConflictingClaim, "register claim",
				"axis %d of handle %d already claimed by %s", axis, c.Handle, owner.Role)
		}
	}
	r.claims = append(r.claims, c)
	r.logger.WithField("handle", c.Handle).Infof("Оси %v заняты ролью %s", c.Axes(), c.Role)
	return nil
}

// ReleaseClaim снимает заявку и закрывает хендл ровно один раз, когда на него
// больше не ссылается ни одна заявка.
// Вызывающий держит блокировку.
func (r *HandleRegistry) ReleaseClaim(c models.HandleClaim) error {
	idx := -1
	for i, existing := range r.claims {
		if existing == c {
			idx = i
			break
		}
	}
	if idx < 0 {
		return merrors.Newf(merrors.KindInvalidArgument, "release claim", "claim %+v is not registered", c)
	}
	r.claims = append(r.claims[:idx], r.claims[idx+1:]...)
	r.logger.WithField("handle", c.Handle).Infof("Оси %v освобождены", c.Axes())

	for _, other := range r.claims {
		if other.Handle == c.Handle {
			return nil
		}
	}
	r.closeHandle(c.Handle)
	return nil
}

// HandleExists сообщает, открыт ли хендл этим реестром.
// Вызывающий держит блокировку.
func (r *HandleRegistry) HandleExists(h models.Handle) bool {
	_, ok := r.info[h]
	return ok
}

// ClaimExists сообщает, зарегистрирована ли заявка.
// Вызывающий держит блокировку.
func (r *HandleRegistry) ClaimExists(c models.HandleClaim) bool {
	for _, existing := range r.claims {
		if existing == c {
			return true
		}
	}
	return false
}

// Claims возвращает копию списка заявок.
// Вызывающий держит блокировку.
func (r *HandleRegistry) Claims() []models.HandleClaim {
	out := make([]models.HandleClaim, len(r.claims))
	copy(out, r.claims)
	return out
}

// ProductInfo возвращает сведения об открытом хендле.
// Вызывающий держит блокировку.
func (r *HandleRegistry) ProductInfo(h models.Handle) (models.ProductInfo, bool) {
	info, ok := r.info[h]
	return info, ok
}

// Acquire подбирает и регистрирует заявку для роли под блокировкой реестра.
func (r *HandleRegistry) Acquire(role models.Role) (models.HandleClaim, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.FindOrOpenHandle(role)
	if err != nil {
		return models.HandleClaim{}, err
	}
	if err := r.RegisterClaim(c); err != nil {
		return models.HandleClaim{}, err
	}
	return c, nil
}

// Release снимает заявку под блокировкой реестра.
func (r *HandleRegistry) Release(c models.HandleClaim) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ReleaseClaim(c)
}

// Snapshot возвращает копию списка заявок под блокировкой реестра.
func (r *HandleRegistry) Snapshot() []models.HandleClaim {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Claims()
}

// Close снимает все заявки и закрывает все открытые хендлы.
func (r *HandleRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.claims = nil
	var errs []error
	for _, h := range append([]models.Handle(nil), r.handles...) {
		if err := r.closeHandle(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *HandleRegistry) track(h models.Handle, info models.ProductInfo) {
	r.handles = append(r.handles, h)
	r.info[h] = info
	r.logger.WithField("handle", h).Infof("Открыт контроллер %s, серийный номер %d", mcl.ProductName(info.ProductID), info.SerialNumber)
}

func (r *HandleRegistry) closeHandle(h models.Handle) error {
	for i, existing := range r.handles {
		if existing == h {
			r.handles = append(r.handles[:i], r.handles[i+1:]...)
			break
		}
	}
	delete(r.info, h)
	if err := r.lib.CloseHandle(h); err != nil {
		r.logger.WithField("handle", h).Warnf("Ошибка закрытия контроллера: %v", err)
		return fmt.Errorf("close handle %d: %w", h, err)
	}
	r.logger.WithField("handle", h).Info("Контроллер закрыт")
	return nil
}

func (r *HandleRegistry) axisOwner(h models.Handle, axis int) (models.HandleClaim, bool) {
	for _, c := range r.claims {
		if c.Handle != h {
			continue
		}
		for _, a := range c.Axes() {
			if a == axis {
				return c, true
			}
		}
	}
	return models.HandleClaim{}, false
}

func (r *HandleRegistry) axisFree(info models.ProductInfo, h models.Handle, axis int) bool {
	if !info.HasAxis(axis) {
		return false
	}
	_, taken := r.axisOwner(h, axis)
	return !taken
}

// chooseAxes выбирает оси по таблице предпочтений модели.
func (r *HandleRegistry) chooseAxes(h models.Handle, role models.Role) (models.HandleClaim, bool) {
	info, ok := r.info[h]
	if !ok {
		return models.HandleClaim{}, false
	}
	prefs, ok := mcl.AxisPreferences(info.ProductID)
	if !ok {
		return models.HandleClaim{}, false
	}

	switch role {
	case models.RoleXYStage:
		for _, start := range prefs.XYStarts {
			if r.axisFree(info, h, start) && r.axisFree(info, h, start+1) {
				return models.HandleClaim{Handle: h, Role: role, Axis1: start, Axis2: start + 1}, true
			}
		}
	case models.RoleZStage:
		for _, axis := range prefs.ZAxes {
			if r.axisFree(info, h, axis) {
				return models.HandleClaim{Handle: h, Role: role, Axis1: axis}, true
			}
		}
	}
	return models.HandleClaim{}, false
}
