package registry

import (
	"errors"
	"sync"
	"testing"

	merrors "github.com/iwtcode/microscopeAdapter/errors"
	"github.com/iwtcode/microscopeAdapter/mcl"
	"github.com/iwtcode/microscopeAdapter/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockLibrary struct {
	mock.Mock
}

func (m *mockLibrary) OpenHandle() (models.Handle, error) {
	args := m.Called()
	return args.Get(0).(models.Handle), args.Error(1)
}

func (m *mockLibrary) CloseHandle(h models.Handle) error {
	return m.Called(h).Error(0)
}

func (m *mockLibrary) ProductInfo(h models.Handle) (models.ProductInfo, error) {
	args := m.Called(h)
	return args.Get(0).(models.ProductInfo), args.Error(1)
}

func (m *mockLibrary) AxisRange(h models.Handle, axis int) (models.Limits, error) {
	args := m.Called(h, axis)
	return args.Get(0).(models.Limits), args.Error(1)
}

func (m *mockLibrary) ReadAxis(h models.Handle, axis int) (float64, error) {
	args := m.Called(h, axis)
	return args.Get(0).(float64), args.Error(1)
}

func (m *mockLibrary) MoveAxis(h models.Handle, axis int, velocity, distance float64) error {
	return m.Called(h, axis, velocity, distance).Error(0)
}

func (m *mockLibrary) Stop(h models.Handle) error {
	return m.Called(h).Error(0)
}

func microDrive4() models.ProductInfo {
	return models.ProductInfo{ProductID: mcl.MicroDrive4, AxisBitmap: 0x0F, SerialNumber: 4}
}

// singleDevice настраивает библиотеку с одним контроллером MicroDrive4.
func singleDevice() *mockLibrary {
	lib := &mockLibrary{}
	lib.On("OpenHandle").Return(models.Handle(1), nil).Once()
	lib.On("OpenHandle").Return(models.Handle(0), mcl.ErrNoMoreDevices)
	lib.On("ProductInfo", models.Handle(1)).Return(microDrive4(), nil)
	return lib
}

func TestXYThenZThenXY(t *testing.T) {
	lib := singleDevice()
	reg := New(lib, nil)

	xy, err := reg.Acquire(models.RoleXYStage)
	require.NoError(t, err)
	assert.Equal(t, models.HandleClaim{Handle: 1, Role: models.RoleXYStage, Axis1: 1, Axis2: 2}, xy)

	z, err := reg.Acquire(models.RoleZStage)
	require.NoError(t, err)
	assert.Equal(t, models.HandleClaim{Handle: 1, Role: models.RoleZStage, Axis1: 3}, z)

	_, err = reg.Acquire(models.RoleXYStage)
	require.Error(t, err)
	assert.True(t, errors.Is(err, merrors.ErrNoAvailableDevice))

	lib.AssertNumberOfCalls(t, "OpenHandle", 2)
	lib.AssertNotCalled(t, "CloseHandle", mock.Anything)
}

func TestReleaseClosesHandleExactlyOnce(t *testing.T) {
	lib := singleDevice()
	lib.On("CloseHandle", models.Handle(1)).Return(nil).Once()
	reg := New(lib, nil)

	xy, err := reg.Acquire(models.RoleXYStage)
	require.NoError(t, err)
	z, err := reg.Acquire(models.RoleZStage)
	require.NoError(t, err)

	require.NoError(t, reg.Release(xy))
	lib.AssertNotCalled(t, "CloseHandle", mock.Anything)

	require.NoError(t, reg.Release(z))
	lib.AssertNumberOfCalls(t, "CloseHandle", 1)

	err = reg.Release(z)
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))
	lib.AssertNumberOfCalls(t, "CloseHandle", 1)

	reg.Lock()
	assert.False(t, reg.HandleExists(1))
	assert.Empty(t, reg.Claims())
	reg.Unlock()
}

func TestUnusableNewHandleIsClosed(t *testing.T) {
	lib := &mockLibrary{}
	lib.On("OpenHandle").Return(models.Handle(1), nil).Once()
	lib.On("OpenHandle").Return(models.Handle(2), nil).Once()
	lib.On("ProductInfo", models.Handle(1)).Return(models.ProductInfo{ProductID: mcl.NanoDrive1, AxisBitmap: 0x01}, nil)
	lib.On("ProductInfo", models.Handle(2)).Return(microDrive4(), nil)
	lib.On("CloseHandle", models.Handle(1)).Return(nil).Once()
	reg := New(lib, nil)

	c, err := reg.Acquire(models.RoleXYStage)
	require.NoError(t, err)
	assert.Equal(t, models.Handle(2), c.Handle)

	lib.AssertCalled(t, "CloseHandle", models.Handle(1))
	reg.Lock()
	assert.False(t, reg.HandleExists(1))
	assert.True(t, reg.HandleExists(2))
	reg.Unlock()
}

func TestRegisterClaimRejectsOverlap(t *testing.T) {
	lib := singleDevice()
	reg := New(lib, nil)

	reg.Lock()
	defer reg.Unlock()

	c, err := reg.FindOrOpenHandle(models.RoleZStage)
	require.NoError(t, err)
	assert.Equal(t, 3, c.Axis1)
	require.NoError(t, reg.RegisterClaim(c))
	assert.True(t, reg.ClaimExists(c))

	overlap := models.HandleClaim{Handle: 1, Role: models.RoleXYStage, Axis1: 2, Axis2: 3}
	err = reg.RegisterClaim(overlap)
	assert.True(t, errors.Is(err, merrors.ErrConflictingClaim))
	assert.False(t, reg.ClaimExists(overlap))

	err = reg.RegisterClaim(models.HandleClaim{Handle: 7, Role: models.RoleZStage, Axis1: 1})
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))

	_, err = reg.FindOrOpenHandle(models.Role(9))
	assert.True(t, errors.Is(err, merrors.ErrInvalidArgument))
}

func TestSelectionIsDeterministic(t *testing.T) {
	run := func() []models.HandleClaim {
		reg := New(singleDevice(), nil)
		for _, role := range []models.Role{models.RoleZStage, models.RoleZStage, models.RoleXYStage} {
			_, _ = reg.Acquire(role)
		}
		return reg.Snapshot()
	}
	first := run()
	assert.Equal(t, first, run())
	assert.Equal(t, []models.HandleClaim{
		{Handle: 1, Role: models.RoleZStage, Axis1: 3},
		{Handle: 1, Role: models.RoleZStage, Axis1: 4},
		{Handle: 1, Role: models.RoleXYStage, Axis1: 1, Axis2: 2},
	}, first)
}

func TestConcurrentAcquireNeverOverlaps(t *testing.T) {
	const devices = 3
	sim := mcl.NewSimulator(
		mcl.SimDeviceFor(mcl.MicroDrive4, 4, 1),
		mcl.SimDeviceFor(mcl.MicroDrive4, 4, 2),
		mcl.SimDeviceFor(mcl.MicroDrive4, 4, 3),
	)
	reg := New(sim, nil)

	const workers = 24
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		claims []models.HandleClaim
		fails  []error
	)
	for i := 0; i < workers; i++ {
		role := models.RoleXYStage
		if i%2 == 1 {
			role = models.RoleZStage
		}
		wg.Add(1)
		go func(role models.Role) {
			defer wg.Done()
			c, err := reg.Acquire(role)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fails = append(fails, err)
				return
			}
			claims = append(claims, c)
		}(role)
	}
	wg.Wait()

	type key struct {
		h    models.Handle
		axis int
	}
	seen := make(map[key]bool)
	for _, c := range claims {
		for _, a := range c.Axes() {
			k := key{c.Handle, a}
			assert.False(t, seen[k], "ось %d хендла %d занята дважды", a, c.Handle)
			seen[k] = true
		}
	}
	assert.LessOrEqual(t, len(seen), devices*4)
	assert.NotEmpty(t, claims)
	for _, err := range fails {
		assert.True(t, errors.Is(err, merrors.ErrNoAvailableDevice), err.Error())
	}
	assert.ElementsMatch(t, claims, reg.Snapshot())

	for _, c := range claims {
		require.NoError(t, reg.Release(c))
	}
	assert.Equal(t, 0, sim.OpenHandles())
}

func TestCloseClosesAllHandles(t *testing.T) {
	sim := mcl.NewSimulator(
		mcl.SimDeviceFor(mcl.MicroDrive, 2, 1),
		mcl.SimDeviceFor(mcl.MicroDrive, 2, 2),
	)
	reg := New(sim, nil)

	_, err := reg.Acquire(models.RoleXYStage)
	require.NoError(t, err)
	_, err = reg.Acquire(models.RoleXYStage)
	require.NoError(t, err)
	assert.Equal(t, 2, sim.OpenHandles())

	require.NoError(t, reg.Close())
	assert.Equal(t, 0, sim.OpenHandles())
	assert.Empty(t, reg.Snapshot())
}
