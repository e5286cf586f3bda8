package devices

import (
	"context"
	"fmt"
	"math"
	"sync"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/mcl"
	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/iwtcode/microscopeAdapter/protocol"
	"github.com/iwtcode/microscopeAdapter/registry"
	"github.com/sirupsen/logrus"
)

const (
	// Размер микрошага MicroDrive.
	mclStepUm = 0.09525
	// Скорость по умолчанию, мм/с.
	mclDefaultVelocity = 1.0
)

// mclAxes — общая часть XY- и Z-подвижек Mad City Labs: заявка в реестре,
// скорость и программное начало координат.
type mclAxes struct {
	base
	role   models.Role
	reg    *registry.HandleRegistry
	lib    mcl.Library
	settle protocol.PollOptions

	stateMu  sync.Mutex
	claim    models.HandleClaim
	claimed  bool
	limits   []models.Limits
	velocity float64
	origin   []float64
}

func newMCLAxes(name string, role models.Role, reg *registry.HandleRegistry, lib mcl.Library, settle protocol.PollOptions, velocity float64, logger logrus.FieldLogger) mclAxes {
	if velocity <= 0 {
		velocity = mclDefaultVelocity
	}
	return mclAxes{
		base:     newBase(name, logger),
		role:     role,
		reg:      reg,
		lib:      lib,
		settle:   settle,
		velocity: velocity,
	}
}

func (a *mclAxes) defineProperties() {
	a.props.Static("Role", a.role.String())
	a.props.Define("Handle", func() (string, error) {
		c, ok := a.currentClaim()
		if !ok {
			return "", merrors.Newf(merrors.KindNotInitialized, "mcl handle", "%s holds no handle", a.name)
		}
		return fmt.Sprint(c.Handle), nil
	}, nil)
	a.props.Define("Product", func() (string, error) {
		c, ok := a.currentClaim()
		if !ok {
			return "", merrors.Newf(merrors.KindNotInitialized, "mcl product", "%s holds no handle", a.name)
		}
		info, _ := a.reg.ProductInfo(c.Handle)
		return mcl.ProductName(info.ProductID), nil
	}, nil)
	a.props.Define("Velocity", func() (string, error) {
		return formatFloat(a.Velocity()), nil
	}, func(value string) error {
		v, err := parseFloatProperty("Velocity", value)
		if err != nil {
			return err
		}
		return a.SetVelocity(v)
	})
}

func (a *mclAxes) currentClaim() (models.HandleClaim, bool) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.claim, a.claimed
}

func (a *mclAxes) Velocity() float64 {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.velocity
}

func (a *mclAxes) SetVelocity(v float64) error {
	if v <= 0 {
		return merrors.Newf(merrors.KindInvalidArgument, "mcl velocity", "velocity %.3f must be positive", v)
	}
	a.stateMu.Lock()
	a.velocity = v
	a.stateMu.Unlock()
	return nil
}

// acquire занимает оси в реестре и читает их диапазоны.
func (a *mclAxes) acquire() error {
	claim, err := a.reg.Acquire(a.role)
	if err != nil {
		return fmt.Errorf("mcl %s: acquire %s axes: %w", a.name, a.role, err)
	}
	axes := claim.Axes()
	limits := make([]models.Limits, len(axes))
	for i, axis := range axes {
		l, err := a.lib.AxisRange(claim.Handle, axis)
		if err != nil {
			_ = a.reg.Release(claim)
			return fmt.Errorf("mcl %s: range of axis %d: %w", a.name, axis, err)
		}
		limits[i] = l
	}

	a.stateMu.Lock()
	a.claim, a.claimed = claim, true
	a.limits = limits
	a.origin = make([]float64, len(axes))
	a.stateMu.Unlock()

	a.setInitialized(true)
	a.logger.WithField("handle", claim.Handle).Infof("Заняты оси %v контроллера MCL", axes)
	return nil
}

func (a *mclAxes) Shutdown() error {
	a.setInitialized(false)
	a.stateMu.Lock()
	claim, claimed := a.claim, a.claimed
	a.claimed = false
	a.stateMu.Unlock()
	if !claimed {
		return nil
	}
	return a.reg.Release(claim)
}

// read возвращает абсолютные позиции занятых осей в микрометрах.
func (a *mclAxes) read() ([2]float64, error) {
	var out [2]float64
	claim, _ := a.currentClaim()
	for i, axis := range claim.Axes() {
		v, err := a.lib.ReadAxis(claim.Handle, axis)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

func (a *mclAxes) Busy() (bool, error) {
	if err := a.requireInit("mcl busy"); err != nil {
		return false, err
	}
	return protocol.Changing(a.read)
}

// position возвращает позиции относительно программного начала координат.
func (a *mclAxes) position() ([2]float64, error) {
	cur, err := a.read()
	if err != nil {
		return cur, err
	}
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	for i := range a.origin {
		cur[i] -= a.origin[i]
	}
	return cur, nil
}

// moveTo перемещает оси к целям, заданным относительно начала координат,
// и ждет остановки.
func (a *mclAxes) moveTo(ctx context.Context, targets ...float64) error {
	claim, _ := a.currentClaim()
	axes := claim.Axes()

	a.stateMu.Lock()
	limits := a.limits
	origin := append([]float64(nil), a.origin...)
	velocity := a.velocity
	a.stateMu.Unlock()

	abs := make([]float64, len(axes))
	for i := range axes {
		abs[i] = targets[i] + origin[i]
		if !limits[i].Contains(abs[i]) {
			return merrors.Newf(merrors.KindInvalidArgument, "mcl move", "axis %d target %.3f um outside %.3f..%.3f",
				axes[i], targets[i], limits[i].Min-origin[i], limits[i].Max-origin[i])
		}
	}

	cur, err := a.read()
	if err != nil {
		return err
	}
	for i, axis := range axes {
		distance := abs[i] - cur[i]
		if distance == 0 {
			continue
		}
		if err := a.lib.MoveAxis(claim.Handle, axis, velocity, distance); err != nil {
			return fmt.Errorf("mcl %s: move axis %d: %w", a.name, axis, err)
		}
	}
	if _, err := protocol.PollUntilStable(ctx, a.read, a.settle); err != nil {
		return fmt.Errorf("mcl %s: wait for stop: %w", a.name, err)
	}
	return nil
}

func (a *mclAxes) setOrigin() error {
	cur, err := a.read()
	if err != nil {
		return err
	}
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	for i := range a.origin {
		a.origin[i] = cur[i]
	}
	return nil
}

// relLimits возвращает диапазон оси i относительно начала координат.
func (a *mclAxes) relLimits(i int) models.Limits {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return models.Limits{Min: a.limits[i].Min - a.origin[i], Max: a.limits[i].Max - a.origin[i]}
}

func (a *mclAxes) stop() error {
	claim, _ := a.currentClaim()
	return a.lib.Stop(claim.Handle)
}

func toSteps(um float64) int64 {
	return int64(math.Round(um / mclStepUm))
}

// MCLXYStage — XY-столик Mad City Labs на паре осей, выделенной реестром.
type MCLXYStage struct {
	mclAxes
}

var _ XYStage = (*MCLXYStage)(nil)

func NewMCLXYStage(name string, reg *registry.HandleRegistry, lib mcl.Library, settle protocol.PollOptions, velocity float64, logger logrus.FieldLogger) *MCLXYStage {
	s := &MCLXYStage{mclAxes: newMCLAxes(name, models.RoleXYStage, reg, lib, settle, velocity, logger)}
	s.defineProperties()
	return s
}

func (s *MCLXYStage) Initialize(context.Context) error {
	return s.acquire()
}

func (s *MCLXYStage) GetPositionUm() (float64, float64, error) {
	if err := s.requireInit("mcl xy position"); err != nil {
		return 0, 0, err
	}
	p, err := s.position()
	return p[0], p[1], err
}

func (s *MCLXYStage) SetPositionUm(ctx context.Context, x, y float64) error {
	if err := s.requireInit("mcl xy move"); err != nil {
		return err
	}
	return s.moveTo(ctx, x, y)
}

func (s *MCLXYStage) GetPositionSteps() (int64, int64, error) {
	x, y, err := s.GetPositionUm()
	if err != nil {
		return 0, 0, err
	}
	return toSteps(x), toSteps(y), nil
}

func (s *MCLXYStage) SetPositionSteps(ctx context.Context, x, y int64) error {
	return s.SetPositionUm(ctx, float64(x)*mclStepUm, float64(y)*mclStepUm)
}

func (s *MCLXYStage) SetOrigin() error {
	if err := s.requireInit("mcl xy origin"); err != nil {
		return err
	}
	return s.setOrigin()
}

func (s *MCLXYStage) GetLimitsUm() (models.Limits, models.Limits, error) {
	if err := s.requireInit("mcl xy limits"); err != nil {
		return models.Limits{}, models.Limits{}, err
	}
	return s.relLimits(0), s.relLimits(1), nil
}

func (s *MCLXYStage) Stop() error {
	if err := s.requireInit("mcl xy stop"); err != nil {
		return err
	}
	return s.stop()
}

// MCLZStage — фокус Mad City Labs на одной оси.
type MCLZStage struct {
	mclAxes
}

var _ Stage = (*MCLZStage)(nil)

func NewMCLZStage(name string, reg *registry.HandleRegistry, lib mcl.Library, settle protocol.PollOptions, velocity float64, logger logrus.FieldLogger) *MCLZStage {
	s := &MCLZStage{mclAxes: newMCLAxes(name, models.RoleZStage, reg, lib, settle, velocity, logger)}
	s.defineProperties()
	return s
}

func (s *MCLZStage) Initialize(context.Context) error {
	return s.acquire()
}

func (s *MCLZStage) GetPositionUm() (float64, error) {
	if err := s.requireInit("mcl z position"); err != nil {
		return 0, err
	}
	p, err := s.position()
	return p[0], err
}

func (s *MCLZStage) SetPositionUm(ctx context.Context, pos float64) error {
	if err := s.requireInit("mcl z move"); err != nil {
		return err
	}
	return s.moveTo(ctx, pos)
}

func (s *MCLZStage) GetPositionSteps() (int64, error) {
	pos, err := s.GetPositionUm()
	if err != nil {
		return 0, err
	}
	return toSteps(pos), nil
}

func (s *MCLZStage) SetPositionSteps(ctx context.Context, steps int64) error {
	return s.SetPositionUm(ctx, float64(steps)*mclStepUm)
}

func (s *MCLZStage) SetOrigin() error {
	if err := s.requireInit("mcl z origin"); err != nil {
		return err
	}
	return s.setOrigin()
}

func (s *MCLZStage) GetLimits() (models.Limits, error) {
	if err := s.requireInit("mcl z limits"); err != nil {
		return models.Limits{}, err
	}
	return s.relLimits(0), nil
}
