package voltage

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/faux123/tuna/internal/cpufreq"
	"github.com/faux123/tuna/internal/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

func TestMain(m *testing.M) {
	log.SetLogger(zap.New(
		zap.UseDevMode(true),
		func(opts *zap.Options) {
			opts.TimeEncoder = zapcore.ISO8601TimeEncoder
		},
	))

	os.Exit(m.Run())
}

type railMock struct {
	mock.Mock
}

func (r *railMock) Disable() {
	r.Called()
}

func (r *railMock) SetNominal(freq uint, microvolts uint) error {
	return r.Called(freq, microvolts).Error(0)
}

func (r *railMock) Enable() error {
	return r.Called().Error(0)
}

type fixedScaler struct {
	speed uint
}

func (s *fixedScaler) Scale(freq uint) error {
	s.speed = freq
	return nil
}

func (s *fixedScaler) Speed() (uint, error) {
	return s.speed, nil
}

func createTestOverride(t *testing.T, spec platform.Spec) (*Override, *railMock) {
	controller := cpufreq.NewController(cpufreq.ControllerOpts{
		Device: platform.MPUDevice,
		Table:  cpufreq.NewSharedTable(platform.Provider{Spec: spec}, platform.MPUDevice),
		Scaler: &fixedScaler{speed: spec.MPU[0].Frequency},
	})
	require.NoError(t, controller.Register())
	t.Cleanup(controller.Unregister)

	rail := &railMock{}
	return NewOverride(controller, rail, spec.CoreFloor), rail
}

func omap4430(t *testing.T) platform.Spec {
	spec, err := platform.Get(platform.OMAP4430)
	require.NoError(t, err)
	return spec
}

func TestOverride_Show(t *testing.T) {
	override, _ := createTestOverride(t, omap4430(t))

	var out bytes.Buffer
	require.NoError(t, override.Show(&out))
	assert.Equal(t, "1008mhz: 1388 mV\n800mhz: 1325 mV\n600mhz: 1200 mV\n300mhz: 1025 mV\n", out.String())
}

func TestOverride_ShowSkipsDisabled(t *testing.T) {
	spec, err := platform.Get(platform.OMAP4460)
	require.NoError(t, err)
	override, _ := createTestOverride(t, spec)

	var out bytes.Buffer
	require.NoError(t, override.Show(&out))
	assert.NotContains(t, out.String(), "1200mhz")
	assert.Contains(t, out.String(), "1060mhz: 1347 mV\n")
}

func TestOverride_Store(t *testing.T) {
	override, rail := createTestOverride(t, omap4430(t))

	rail.On("Disable").Once()
	// 900 mV at 300 MHz is raised to the OPP50 core floor, 1000 mV at 600 MHz to OPP100
	rail.On("SetNominal", uint(1008000), uint(1350000)).Return(nil).Once()
	rail.On("SetNominal", uint(800000), uint(1300000)).Return(nil).Once()
	rail.On("SetNominal", uint(600000), uint(1127000)).Return(nil).Once()
	rail.On("SetNominal", uint(300000), uint(962000)).Return(nil).Once()
	rail.On("Enable").Return(nil).Once()

	require.NoError(t, override.Store("1350 1300 1000 900\n"))
	rail.AssertExpectations(t)

	var out bytes.Buffer
	require.NoError(t, override.Show(&out))
	assert.Equal(t, "1008mhz: 1350 mV\n800mhz: 1300 mV\n600mhz: 1127 mV\n300mhz: 962 mV\n", out.String())

	volts, err := override.Voltages()
	require.NoError(t, err)
	assert.Equal(t, uint(962000), volts[300000])
}

func TestOverride_StoreErrors(t *testing.T) {
	t.Run("missing values re-enable the rail", func(t *testing.T) {
		override, rail := createTestOverride(t, omap4430(t))
		rail.On("Disable").Once()
		rail.On("SetNominal", uint(1008000), uint(1400000)).Return(nil).Once()
		rail.On("Enable").Return(nil).Once()

		assert.ErrorIs(t, override.Store("1400"), ErrMissingValues)
		rail.AssertExpectations(t)
	})

	t.Run("unparsable value", func(t *testing.T) {
		override, rail := createTestOverride(t, omap4430(t))
		rail.On("Disable").Once()
		rail.On("Enable").Return(nil).Once()

		assert.ErrorContains(t, override.Store("high 1300 1200 1000"), "failed to parse voltage")
		rail.AssertNotCalled(t, "SetNominal", mock.Anything, mock.Anything)
		rail.AssertExpectations(t)
	})

	t.Run("unknown floor aborts remaining entries", func(t *testing.T) {
		spec := omap4430(t)
		controller := cpufreq.NewController(cpufreq.ControllerOpts{
			Table:  cpufreq.NewSharedTable(platform.Provider{Spec: spec}, platform.MPUDevice),
			Scaler: &fixedScaler{speed: 300000},
		})
		require.NoError(t, controller.Register())
		defer controller.Unregister()

		rail := &railMock{}
		floors := func(freq uint) (uint, bool) {
			if freq == 800000 {
				return 0, false
			}
			return spec.CoreFloor(freq)
		}
		override := NewOverride(controller, rail, floors)

		rail.On("Disable").Once()
		rail.On("SetNominal", uint(1008000), uint(1380000)).Return(nil).Once()
		rail.On("Enable").Return(nil).Once()

		assert.ErrorIs(t, override.Store("1380 1300 1200 1000"), ErrNoCoreFloor)
		rail.AssertExpectations(t)
		rail.AssertNumberOfCalls(t, "SetNominal", 1)
	})

	t.Run("rail failures are reported", func(t *testing.T) {
		override, rail := createTestOverride(t, omap4430(t))
		railErr := errors.New("i2c timeout")
		rail.On("Disable").Once()
		rail.On("SetNominal", uint(1008000), uint(1380000)).Return(railErr).Once()
		rail.On("Enable").Return(errors.New("sr busy")).Once()

		err := override.Store("1380 1300 1200 1000")
		assert.ErrorIs(t, err, railErr)
		assert.ErrorContains(t, err, "failed to re-enable voltage rail")

		volts, err := override.Voltages()
		require.NoError(t, err)
		assert.Equal(t, uint(1388000), volts[1008000])
	})
}

func TestOverride_NotConfigured(t *testing.T) {
	controller := cpufreq.NewController(cpufreq.ControllerOpts{})
	override := NewOverride(controller, &railMock{}, nil)

	assert.ErrorIs(t, override.Show(&bytes.Buffer{}), cpufreq.ErrNotConfigured)
	assert.ErrorIs(t, override.Store("1000"), cpufreq.ErrNotConfigured)
}
