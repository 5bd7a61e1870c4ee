package cpufreq

import (
	"errors"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_Register(t *testing.T) {
	tc := createTestController(t, 600000, true)

	status := tc.Status()
	assert.True(t, status.Ready)
	assert.Equal(t, uint(1008000), status.MaxTableFreq)
	assert.Equal(t, uint(1008000), status.MaxThermal)
	assert.Equal(t, uint(600000), status.CurrentTarget)
	assert.Equal(t, uint(600000), status.Applied)
	assert.Equal(t, ThermalUnthrottled, status.Thermal)
	// one table reference per core, one table build
	assert.Equal(t, 2, tc.shared.Users())
	tc.provider.AssertNumberOfCalls(t, "OperatingPoints", 1)

	require.NoError(t, tc.Register())
	assert.Equal(t, 2, tc.shared.Users())

	tc.Unregister()
	assert.Equal(t, 0, tc.shared.Users())
	assert.False(t, tc.Status().Ready)

	_, err := tc.SetTarget(800000)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestController_RegisterFailure(t *testing.T) {
	provider := &providerMock{}
	provider.On("OperatingPoints", "mpu").Return([]OperatingPoint{{Frequency: 300000}}, nil)
	shared := NewSharedTable(provider, "mpu")

	c := NewController(ControllerOpts{
		Device: "mpu",
		Table:  shared,
		Scaler: &fakeScaler{speed: 300000},
		Cores:  StaticCores{0, 1},
	})

	err := c.Register()
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, err, ErrNoOperatingPoints)
	assert.Equal(t, 0, shared.Users())
	assert.Equal(t, ThermalNotReady, c.ThermalState())

	assert.ErrorIs(t, NewController(ControllerOpts{}).Register(), ErrNotConfigured)
}

func TestController_NotConfigured(t *testing.T) {
	tc := createTestController(t, 600000, false)

	_, err := tc.SetTarget(800000)
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = tc.SetScreenOffCap(600000)
	assert.ErrorIs(t, err, ErrNotConfigured)

	err = tc.Exclusive(func(*FrequencyTable) error { return nil })
	assert.ErrorIs(t, err, ErrNotConfigured)

	assert.Empty(t, tc.hw.Calls())
}

func TestController_SetTarget(t *testing.T) {
	tc := createTestController(t, 600000, true)

	actual, err := tc.SetTarget(1008000)
	require.NoError(t, err)
	assert.Equal(t, uint(1008000), actual)
	assert.Equal(t, []uint{1008000}, tc.hw.Calls())

	assert.Equal(t, []Transition{
		{Phase: PreChange, Old: 600000, New: 1008000, CPUs: []uint{0, 1}},
		{Phase: PostChange, Old: 600000, New: 1008000, CPUs: []uint{0, 1}},
	}, tc.notifier.Transitions())

	status := tc.Status()
	assert.Equal(t, uint(1008000), status.CurrentTarget)
	assert.Equal(t, uint(1008000), status.Applied)
}

func TestController_SetTargetRounding(t *testing.T) {
	for _, tcase := range []struct {
		requested uint
		applied   uint
	}{
		{requested: 700000, applied: 800000},
		{requested: 5000000, applied: 1008000},
		{requested: 0, applied: 300000},
		{requested: 300001, applied: 600000},
	} {
		tc := createTestController(t, 600000, true)
		actual, err := tc.SetTarget(tcase.requested)
		require.NoError(t, err)
		assert.Equal(t, tcase.applied, actual, "requested %d", tcase.requested)
	}
}

func TestController_SetTargetIdempotent(t *testing.T) {
	tc := createTestController(t, 600000, true)

	for i := 0; i < 2; i++ {
		actual, err := tc.SetTarget(800000)
		require.NoError(t, err)
		assert.Equal(t, uint(800000), actual)
	}

	assert.Equal(t, []uint{800000}, tc.hw.Calls())
	assert.Len(t, tc.notifier.Transitions(), 2)

	// already running: no transition, no recalibration
	tc = createTestController(t, 600000, true)
	_, err := tc.SetTarget(600000)
	require.NoError(t, err)
	assert.Empty(t, tc.hw.Calls())
	assert.Empty(t, tc.notifier.Transitions())
	_, _, captured := tc.calibration.Reference(0)
	assert.False(t, captured)
}

func TestController_HardwareError(t *testing.T) {
	tc := createTestController(t, 600000, true)
	errHW := errors.New("dpll lock timeout")
	tc.hw.err = errHW

	_, err := tc.SetTarget(1008000)
	assert.ErrorIs(t, err, errHW)
	assert.Equal(t, []uint{1008000}, tc.hw.Calls())

	status := tc.Status()
	assert.Equal(t, uint(600000), status.Applied)
	assert.Equal(t, uint(600000), status.CurrentTarget)

	// pre/post stay paired and post carries the speed read back
	transitions := tc.notifier.Transitions()
	require.Len(t, transitions, 2)
	assert.Equal(t, PostChange, transitions[1].Phase)
	assert.Equal(t, uint(600000), transitions[1].New)

	// calibration follows the clock that is actually running
	v, _ := tc.calibration.Value(0)
	assert.Equal(t, testTicks, v)
}

func TestController_HardwareCoercion(t *testing.T) {
	tc := createTestController(t, 600000, true)
	tc.hw.coerce = func(freq uint) uint { return freq - 10000 }

	actual, err := tc.SetTarget(1008000)
	require.NoError(t, err)
	assert.Equal(t, uint(998000), actual)
	assert.Equal(t, uint(998000), tc.Status().Applied)

	v, _ := tc.calibration.Value(1)
	assert.Equal(t, testTicks*998000/600000, v)
}

func TestController_SetTargetIdempotentWhenCoerced(t *testing.T) {
	tc := createTestController(t, 300000, true)
	tc.hw.coerce = func(freq uint) uint { return freq - 8000 }

	for i := 0; i < 2; i++ {
		actual, err := tc.SetTarget(1008000)
		require.NoError(t, err)
		assert.Equal(t, uint(1000000), actual)
	}

	assert.Equal(t, []uint{1008000}, tc.hw.Calls())
	assert.Len(t, tc.notifier.Transitions(), 2)

	// a different request is still applied
	_, err := tc.SetTarget(600000)
	require.NoError(t, err)
	assert.Equal(t, []uint{1008000, 600000}, tc.hw.Calls())

	// drifted hardware is not mistaken for the coerced speed
	_, err = tc.SetTarget(1008000)
	require.NoError(t, err)
	tc.hw.setSpeed(800000)
	_, err = tc.SetTarget(1008000)
	require.NoError(t, err)
	assert.Equal(t, []uint{1008000, 600000, 1008000, 1008000}, tc.hw.Calls())
}

func TestController_HardwareErrorAfterMove(t *testing.T) {
	tc := createTestController(t, 300000, true)
	errHW := errors.New("voltage ramp timeout")
	tc.hw.err = errHW
	tc.hw.onScale = func(freq uint) {
		// Scale holds the fake's lock
		tc.hw.speed = freq
	}

	actual, err := tc.SetTarget(1008000)
	assert.ErrorIs(t, err, errHW)
	assert.Equal(t, uint(1008000), actual)

	status := tc.Status()
	assert.Equal(t, uint(1008000), status.Applied)
	assert.Equal(t, uint(1008000), status.CurrentTarget)

	transitions := tc.notifier.Transitions()
	require.Len(t, transitions, 2)
	assert.Equal(t, uint(1008000), transitions[1].New)

	// a failed call is retried on the next request
	tc.hw.err = nil
	tc.hw.onScale = nil
	tc.hw.setSpeed(300000)
	_, err = tc.SetTarget(1008000)
	require.NoError(t, err)
	assert.Equal(t, []uint{1008000, 1008000}, tc.hw.Calls())
}

func TestController_CalibrationOrdering(t *testing.T) {
	tc := createTestController(t, 600000, true)

	var atScale []uint64
	tc.hw.onScale = func(uint) {
		v, _ := tc.calibration.Value(0)
		atScale = append(atScale, v)
	}

	// going up: raised before the hardware call
	_, err := tc.SetTarget(1008000)
	require.NoError(t, err)
	// going down: lowered only after the hardware call
	_, err = tc.SetTarget(300000)
	require.NoError(t, err)

	assert.Equal(t, []uint64{testTicks * 1008000 / 600000, testTicks * 1008000 / 600000}, atScale)
	v, _ := tc.calibration.Value(0)
	assert.Equal(t, testTicks*300000/600000, v)
	assert.Equal(t, testTicks*300000/600000, tc.calibration.Global())
}

func TestController_CalibrationConsistency(t *testing.T) {
	tc := createTestController(t, 800000, true)
	freqs := []uint{300000, 600000, 800000, 1008000}
	r := rand.New(rand.NewPCG(1, 2))

	_, err := tc.SetTarget(300000)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		_, err = tc.SetTarget(freqs[r.IntN(len(freqs))])
		require.NoError(t, err)
	}

	speed, err := tc.CurrentSpeed()
	require.NoError(t, err)
	for _, cpu := range []uint{0, 1} {
		ticks, ref, ok := tc.calibration.Reference(cpu)
		require.True(t, ok)
		assert.Equal(t, uint(800000), ref)
		v, _ := tc.calibration.Value(cpu)
		assert.Equal(t, ticks*uint64(speed)/uint64(ref), v)
	}
}

func TestController_ScreenOffCap(t *testing.T) {
	tc := createTestController(t, 600000, true)

	capped, err := tc.SetScreenOffCap(500000)
	require.NoError(t, err)
	assert.Equal(t, uint(300000), capped)
	assert.Equal(t, Caps{Thermal: 1008000, ScreenOff: 300000}, tc.CurrentCaps())
	assert.Equal(t, []uint{300000}, tc.hw.Calls())

	actual, err := tc.SetTarget(1008000)
	require.NoError(t, err)
	assert.Equal(t, uint(300000), actual)
	assert.Equal(t, []uint{300000}, tc.hw.Calls())

	require.NoError(t, tc.ClearScreenOffCap())
	assert.Equal(t, Caps{Thermal: 1008000}, tc.CurrentCaps())
	assert.Equal(t, []uint{300000, 1008000}, tc.hw.Calls())

	// cap is forgotten, screen off has nothing to engage
	require.NoError(t, tc.ScreenOff())
	assert.Equal(t, uint(0), tc.CurrentCaps().ScreenOff)
}

func TestController_ScreenOffCapRejected(t *testing.T) {
	tc := createTestController(t, 600000, true)

	_, err := tc.SetScreenOffCap(100000)
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.Equal(t, uint(0), tc.CurrentCaps().ScreenOff)
	assert.Empty(t, tc.hw.Calls())
}

func TestController_StoreScreenOffCap(t *testing.T) {
	tc := createTestController(t, 1008000, true)

	capped, err := tc.StoreScreenOffCap(700000)
	require.NoError(t, err)
	assert.Equal(t, uint(600000), capped)
	assert.Equal(t, uint(600000), tc.Status().ScreenOffMax)
	assert.Equal(t, uint(0), tc.CurrentCaps().ScreenOff)
	assert.Empty(t, tc.hw.Calls())

	require.NoError(t, tc.ScreenOff())
	assert.Equal(t, []uint{600000}, tc.hw.Calls())

	// replacing an engaged cap re-arbitrates against the new one
	capped, err = tc.StoreScreenOffCap(800000)
	require.NoError(t, err)
	assert.Equal(t, uint(800000), capped)
	assert.Equal(t, uint(800000), tc.CurrentCaps().ScreenOff)
	assert.Equal(t, []uint{600000, 800000}, tc.hw.Calls())

	_, err = tc.StoreScreenOffCap(100000)
	assert.ErrorIs(t, err, ErrNoMatch)
	assert.Equal(t, uint(800000), tc.Status().ScreenOffMax)

	_, err = createTestController(t, 1008000, false).StoreScreenOffCap(800000)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestController_ScreenOffOn(t *testing.T) {
	tc := createTestController(t, 1008000, true)

	_, err := tc.SetScreenOffCap(800000)
	require.NoError(t, err)
	require.NoError(t, tc.ScreenOn())
	assert.Equal(t, []uint{800000, 1008000}, tc.hw.Calls())
	assert.Equal(t, uint(800000), tc.Status().ScreenOffMax)

	require.NoError(t, tc.ScreenOff())
	assert.Equal(t, uint(800000), tc.CurrentCaps().ScreenOff)
	assert.Equal(t, []uint{800000, 1008000, 800000}, tc.hw.Calls())

	// screen on twice restores only once
	require.NoError(t, tc.ScreenOn())
	require.NoError(t, tc.ScreenOn())
	assert.Equal(t, []uint{800000, 1008000, 800000, 1008000}, tc.hw.Calls())
}

func TestController_CeilingNeverExceeded(t *testing.T) {
	tc := createTestController(t, 600000, true)
	r := rand.New(rand.NewPCG(7, 11))
	freqs := []uint{250000, 300000, 450000, 600000, 800000, 900000, 1008000, 1200000}

	level := 0
	for i := 0; i < 200; i++ {
		switch r.IntN(5) {
		case 0:
			level = r.IntN(4)
			tc.ReportCoolingLevel(level)
		case 1:
			_, _ = tc.SetScreenOffCap(freqs[r.IntN(len(freqs))])
		case 2:
			require.NoError(t, tc.ClearScreenOffCap())
		default:
			_, err := tc.SetTarget(freqs[r.IntN(len(freqs))])
			require.NoError(t, err)
		}

		caps := tc.CurrentCaps()
		ceiling := min(caps.Thermal, uint(1008000))
		if caps.ScreenOff != 0 {
			ceiling = min(ceiling, caps.ScreenOff)
		}
		speed, err := tc.CurrentSpeed()
		require.NoError(t, err)
		assert.LessOrEqual(t, speed, ceiling, "iteration %d", i)
	}
}

func TestController_ConcurrentSetTarget(t *testing.T) {
	for i := 0; i < 20; i++ {
		tc := createTestController(t, 300000, true)

		wg := sync.WaitGroup{}
		for _, freq := range []uint{600000, 800000} {
			wg.Add(1)
			go func(freq uint) {
				defer wg.Done()
				_, err := tc.SetTarget(freq)
				assert.NoError(t, err)
			}(freq)
		}
		wg.Wait()

		speed, err := tc.CurrentSpeed()
		require.NoError(t, err)
		assert.Contains(t, []uint{600000, 800000}, speed)

		status := tc.Status()
		assert.Equal(t, speed, status.CurrentTarget)
		assert.Equal(t, speed, status.Applied)

		// every pre is immediately followed by its post
		transitions := tc.notifier.Transitions()
		require.Len(t, transitions, 4)
		for j := 0; j < len(transitions); j += 2 {
			assert.Equal(t, PreChange, transitions[j].Phase)
			assert.Equal(t, PostChange, transitions[j+1].Phase)
			assert.Equal(t, transitions[j].New, transitions[j+1].New)
		}
	}
}

func TestController_CurrentSpeedReadsHardware(t *testing.T) {
	tc := createTestController(t, 600000, true)
	tc.hw.setSpeed(800000)

	speed, err := tc.CurrentSpeed()
	require.NoError(t, err)
	assert.Equal(t, uint(800000), speed)
	assert.Equal(t, uint(600000), tc.Status().Applied)
}

func TestController_Exclusive(t *testing.T) {
	tc := createTestController(t, 600000, true)

	var seen []uint
	err := tc.Exclusive(func(table *FrequencyTable) error {
		seen = table.Frequencies()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint{300000, 600000, 800000, 1008000}, seen)

	errInner := errors.New("inner")
	assert.ErrorIs(t, tc.Exclusive(func(*FrequencyTable) error { return errInner }), errInner)
}
