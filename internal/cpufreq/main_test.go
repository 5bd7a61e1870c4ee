package cpufreq

import (
	"sync"
	"testing"

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
	m.Run()
}

// OMAP4430 MPU operating points
var testPoints = []OperatingPoint{
	{Frequency: 300000, Voltage: 1025000, Enabled: true},
	{Frequency: 600000, Voltage: 1200000, Enabled: true},
	{Frequency: 800000, Voltage: 1325000, Enabled: true},
	{Frequency: 1008000, Voltage: 1388000, Enabled: true},
}

type providerMock struct {
	mock.Mock
}

func (p *providerMock) OperatingPoints(device string) ([]OperatingPoint, error) {
	args := p.Called(device)
	points := args.Get(0)
	if points == nil {
		return nil, args.Error(1)
	}
	return points.([]OperatingPoint), args.Error(1)
}

type fakeScaler struct {
	mutex   sync.Mutex
	speed   uint
	calls   []uint
	err     error
	coerce  func(uint) uint
	onScale func(uint)
}

func (f *fakeScaler) Scale(freq uint) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.calls = append(f.calls, freq)
	if f.onScale != nil {
		f.onScale(freq)
	}
	if f.err != nil {
		return f.err
	}
	if f.coerce != nil {
		freq = f.coerce(freq)
	}
	f.speed = freq
	return nil
}

func (f *fakeScaler) Speed() (uint, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.speed, nil
}

func (f *fakeScaler) Calls() []uint {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]uint{}, f.calls...)
}

func (f *fakeScaler) setSpeed(freq uint) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.speed = freq
}

type recordingNotifier struct {
	mutex       sync.Mutex
	transitions []Transition
}

func (r *recordingNotifier) Notify(t Transition) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.transitions = append(r.transitions, t)
}

func (r *recordingNotifier) Transitions() []Transition {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return append([]Transition{}, r.transitions...)
}

type testController struct {
	*controllerImpl
	hw       *fakeScaler
	notifier *recordingNotifier
	provider *providerMock
}

const testTicks uint64 = 3000000

func createTestController(t *testing.T, speed uint, register bool) testController {
	provider := &providerMock{}
	provider.On("OperatingPoints", "mpu").Return(testPoints, nil)

	hw := &fakeScaler{speed: speed}
	notifier := &recordingNotifier{}

	c := NewController(ControllerOpts{
		Device:      "mpu",
		Table:       NewSharedTable(provider, "mpu"),
		Scaler:      hw,
		Cores:       StaticCores{0, 1},
		Notifier:    notifier,
		Calibration: NewCalibration(map[uint]uint64{0: testTicks, 1: testTicks}, testTicks),
	}).(*controllerImpl)

	if register {
		require.NoError(t, c.Register())
	}

	return testController{
		controllerImpl: c,
		hw:             hw,
		notifier:       notifier,
		provider:       provider,
	}
}
