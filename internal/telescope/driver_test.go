package telescope

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citra-space/citrascope/internal/cache"
	"github.com/citra-space/citrascope/internal/dispatch"
	"github.com/citra-space/citrascope/internal/ephemeris"
	"github.com/citra-space/citrascope/internal/hardware"
	"github.com/citra-space/citrascope/internal/location"
	"github.com/citra-space/citrascope/internal/queue"
	"github.com/citra-space/citrascope/internal/task"
)

// fakeClock drives the driver's notion of now; the stub mount advances
// it by the simulated slew duration.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// stubMount is a perfect, instantaneous mount except where a test
// scripts otherwise.
type stubMount struct {
	mu sync.Mutex

	ra, dec      float64
	clock        *fakeClock
	slewRateDegS float64
	// missNext offsets the landing position once, forcing a re-point.
	missNext float64
	// blockSlew makes PointTelescope hang until its context dies.
	blockSlew bool
	// onSlew runs after each completed slew.
	onSlew func()

	pointCalls int
	abortCalls int
	images     []string
	imageErr   error
	taskIDs    []string
	exposures  []float64

	strategy hardware.Strategy
	seqFiles []string
	seqCalls int
}

func (m *stubMount) Connect(context.Context) error { return nil }
func (m *stubMount) Disconnect()                   {}
func (m *stubMount) IsTelescopeConnected() bool    { return true }
func (m *stubMount) IsCameraConnected() bool       { return true }
func (m *stubMount) ListDevices() []hardware.Device {
	return []hardware.Device{{Name: "stub", Kind: "mount", Connected: true}}
}

func (m *stubMount) PointTelescope(ctx context.Context, ra, dec float64) error {
	m.mu.Lock()
	m.pointCalls++
	if m.blockSlew {
		m.mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}
	dist := hardware.AngularDistance(m.ra, m.dec, ra, dec)
	if m.clock != nil && m.slewRateDegS > 0 {
		m.clock.Advance(time.Duration(dist / m.slewRateDegS * float64(time.Second)))
	}
	m.ra, m.dec = ra+m.missNext, dec
	m.missNext = 0
	onSlew := m.onSlew
	m.mu.Unlock()
	if onSlew != nil {
		onSlew()
	}
	return nil
}

func (m *stubMount) TelescopeDirection() (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ra, m.dec, nil
}

func (m *stubMount) TelescopeMoving() (bool, error) { return false, nil }

func (m *stubMount) AbortSlew() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.abortCalls++
	return nil
}

func (m *stubMount) TakeImage(_ context.Context, taskID string, exposureS float64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskIDs = append(m.taskIDs, taskID)
	m.exposures = append(m.exposures, exposureS)
	if m.imageErr != nil {
		return nil, m.imageErr
	}
	return m.images, nil
}

func (m *stubMount) SetCustomTrackingRate(float64, float64) error { return nil }
func (m *stubMount) TrackingRate() (float64, float64, error)      { return 0, 0, nil }
func (m *stubMount) MountState() (hardware.MountState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return hardware.MountState{RA: m.ra, Dec: m.dec}, nil
}
func (m *stubMount) Strategy() hardware.Strategy { return m.strategy }

func (m *stubMount) PerformObservationSequence(context.Context, *task.Task, *dispatch.Satellite) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqCalls++
	return m.seqFiles, nil
}

var _ hardware.Adapter = (*stubMount)(nil)

// countingFetcher serves one satellite and counts lookups.
type countingFetcher struct {
	mu    sync.Mutex
	sat   *dispatch.Satellite
	err   error
	calls int
}

func (f *countingFetcher) Satellite(context.Context, string) (*dispatch.Satellite, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.sat, f.err
}

// fixedSource ignores the elset and returns a canned ephemeris.
type fixedSource struct{ eph ephemeris.Ephemeris }

func (s fixedSource) FromElset(*dispatch.Elset, location.Site) (ephemeris.Ephemeris, error) {
	return s.eph, nil
}

type stubGate struct{ vetoCapture bool }

func (g stubGate) IsActionSafe(kind string, _ map[string]any) bool {
	return !(g.vetoCapture && kind == "capture")
}

func testSatellite() *dispatch.Satellite {
	return &dispatch.Satellite{
		ID:   "S1",
		Name: "TESTSAT",
		Elsets: []dispatch.Elset{
			{TLE: []string{"l1", "l2"}, CreationEpoch: 100},
		},
	}
}

func testTask(t *testing.T) *task.Task {
	t.Helper()
	tk, err := task.FromRecord(&dispatch.TaskRecord{
		ID:          "T1",
		SatelliteID: "S1",
		TaskStart:   time.Now().Format(time.RFC3339),
		TaskStop:    time.Now().Add(time.Minute).Format(time.RFC3339),
	})
	require.NoError(t, err)
	return tk
}

func newTestDriver(mount *stubMount, eph ephemeris.Ephemeris, cfg DriverConfig) (*Driver, *fakeClock, *countingFetcher) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)}
	mount.clock = clock
	if mount.slewRateDegS == 0 {
		mount.slewRateDegS = 2
	}
	if cfg.SlewRateDegS == 0 {
		cfg.SlewRateDegS = mount.slewRateDegS
	}
	fetcher := &countingFetcher{sat: testSatellite()}
	d := NewDriver(fetcher, mount, fixedSource{eph: eph}, cfg)
	d.now = clock.Now
	return d, clock, fetcher
}

func TestDriverLeadPointsMovingTarget(t *testing.T) {
	mount := &stubMount{images: []string{"/tmp/T1_1.fits"}}
	d, clock, _ := newTestDriver(mount, ephemeris.Linear{}, DriverConfig{ExposureS: 2.5})
	eph := ephemeris.Linear{Epoch: clock.Now(), RA0: 10, Dec0: 0, RARateDegS: 0.2}
	d.source = fixedSource{eph: eph}

	files, err := d.Execute(context.Background(), testTask(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"/tmp/T1_1.fits"}, files)

	assert.Equal(t, 1, mount.pointCalls, "a correct lead point needs one slew")
	// The fixed-point estimate settles near RA0 + rate * (distance/rate
	// feedback); the landing must be within the capture threshold of the
	// satellite's position at arrival time.
	satRA, satDec, _ := eph.Position(clock.Now())
	assert.LessOrEqual(t, hardware.AngularDistance(mount.ra, mount.dec, satRA, satDec), 0.3)
	require.Len(t, mount.exposures, 1)
	assert.Equal(t, 2.5, mount.exposures[0])
	assert.Equal(t, []string{"T1"}, mount.taskIDs)
}

func TestDriverRepointsWhenLandingWide(t *testing.T) {
	mount := &stubMount{images: []string{"img"}, missNext: 2.0}
	eph := ephemeris.Linear{RA0: 10, Dec0: 0}
	d, clock, _ := newTestDriver(mount, eph, DriverConfig{})
	eph = ephemeris.Linear{Epoch: clock.Now(), RA0: 10, Dec0: 0}
	d.source = fixedSource{eph: eph}

	tk := testTask(t)
	files, err := d.Execute(context.Background(), tk)
	require.NoError(t, err)
	assert.Equal(t, []string{"img"}, files)
	assert.Equal(t, 2, mount.pointCalls, "first landing was 2 deg wide, second corrects")
}

func TestDriverGivesUpAfterMaxAttempts(t *testing.T) {
	// A target sprinting at 30 deg/s outruns a 2 deg/s mount forever.
	mount := &stubMount{}
	eph := ephemeris.Linear{RA0: 10, RARateDegS: 30}
	d, clock, _ := newTestDriver(mount, eph, DriverConfig{})
	d.source = fixedSource{eph: ephemeris.Linear{Epoch: clock.Now(), RA0: 10, RARateDegS: 30}}

	_, err := d.Execute(context.Background(), testTask(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pointing attempts")
	assert.Equal(t, maxPointingAttempts, mount.pointCalls)
	assert.Empty(t, mount.taskIDs, "no capture without convergence")
}

func TestDriverCancelledBeforeStart(t *testing.T) {
	mount := &stubMount{}
	d, _, fetcher := newTestDriver(mount, ephemeris.Linear{}, DriverConfig{})

	tk := testTask(t)
	tk.Cancel()
	_, err := d.Execute(context.Background(), tk)
	assert.ErrorIs(t, err, queue.ErrCancelled)
	assert.Zero(t, fetcher.calls)
	assert.Zero(t, mount.pointCalls)
}

func TestDriverCancelledBetweenSlewAndCapture(t *testing.T) {
	mount := &stubMount{}
	tk := testTask(t)
	mount.onSlew = func() { tk.Cancel() }
	d, clock, _ := newTestDriver(mount, ephemeris.Linear{}, DriverConfig{})
	d.source = fixedSource{eph: ephemeris.Linear{Epoch: clock.Now(), RA0: 5}}

	_, err := d.Execute(context.Background(), tk)
	assert.ErrorIs(t, err, queue.ErrCancelled)
	assert.Empty(t, mount.taskIDs, "capture never starts after cancellation")
}

func TestDriverSlewTimeoutAborts(t *testing.T) {
	mount := &stubMount{blockSlew: true}
	d, clock, _ := newTestDriver(mount, ephemeris.Linear{}, DriverConfig{SlewTimeout: 30 * time.Millisecond})
	d.source = fixedSource{eph: ephemeris.Linear{Epoch: clock.Now(), RA0: 50}}

	_, err := d.Execute(context.Background(), testTask(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, 1, mount.abortCalls)
}

func TestDriverSequenceDelegation(t *testing.T) {
	mount := &stubMount{strategy: hardware.StrategySequenceToController, seqFiles: []string{"a.fits", "b.fits"}}
	d, _, _ := newTestDriver(mount, ephemeris.Linear{}, DriverConfig{})

	files, err := d.Execute(context.Background(), testTask(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"a.fits", "b.fits"}, files)
	assert.Equal(t, 1, mount.seqCalls)
	assert.Zero(t, mount.pointCalls, "controller owns the pointing")
}

func TestDriverMissingElset(t *testing.T) {
	mount := &stubMount{}
	d, _, fetcher := newTestDriver(mount, ephemeris.Linear{}, DriverConfig{})
	fetcher.sat = &dispatch.Satellite{ID: "S1", Name: "BARE"}

	_, err := d.Execute(context.Background(), testTask(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no elsets")
}

func TestDriverSatelliteLookupFails(t *testing.T) {
	mount := &stubMount{}
	d, _, fetcher := newTestDriver(mount, ephemeris.Linear{}, DriverConfig{})
	fetcher.sat = nil
	fetcher.err = errors.New("502")

	_, err := d.Execute(context.Background(), testTask(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S1")
}

func TestDriverCachesSatelliteRecords(t *testing.T) {
	mount := &stubMount{images: []string{"img"}}
	d, clock, fetcher := newTestDriver(mount, ephemeris.Linear{}, DriverConfig{Cache: cache.NewMemory()})
	d.source = fixedSource{eph: ephemeris.Linear{Epoch: clock.Now(), RA0: 5}}

	_, err := d.Execute(context.Background(), testTask(t))
	require.NoError(t, err)
	_, err = d.Execute(context.Background(), testTask(t))
	require.NoError(t, err)

	assert.Equal(t, 1, fetcher.calls, "second lookup served from cache")
}

func TestDriverCaptureVeto(t *testing.T) {
	mount := &stubMount{images: []string{"img"}}
	d, clock, _ := newTestDriver(mount, ephemeris.Linear{}, DriverConfig{Gate: stubGate{vetoCapture: true}})
	d.source = fixedSource{eph: ephemeris.Linear{Epoch: clock.Now(), RA0: 5}}

	_, err := d.Execute(context.Background(), testTask(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vetoed")
	assert.Empty(t, mount.taskIDs)
}
