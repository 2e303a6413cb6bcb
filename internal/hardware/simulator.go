package hardware

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/citra-space/citrascope/internal/fitsio"
)

// SimOptions configures the simulated backend.
type SimOptions struct {
	SlewRateDegS float64
	ExposureS    float64
	ImagesRoot   string
	AltAz        bool
}

// Simulator is a software-only adapter used for development, soak runs
// without hardware, and tests. Slews take real time proportional to the
// configured rate; captures are minimal FITS files.
type Simulator struct {
	opts SimOptions
	log  *slog.Logger

	mu        sync.Mutex
	connected bool
	ra, dec   float64
	azimuth   float64
	altitude  float64
	tracking  bool
	slewing   bool
	atHome    bool
	trackRA   float64
	trackDec  float64
	aborted   bool
	captures  int

	azQuit chan struct{}
}

// NewSimulator builds a simulator; Connect before use.
func NewSimulator(opts SimOptions) *Simulator {
	if opts.SlewRateDegS <= 0 {
		opts.SlewRateDegS = 4
	}
	if opts.ExposureS <= 0 {
		opts.ExposureS = 1
	}
	return &Simulator{
		opts:     opts,
		log:      slog.With("component", "simulator"),
		altitude: 45,
		atHome:   true,
	}
}

// ============================================================================
// LIFECYCLE
// ============================================================================

func (s *Simulator) Connect(ctx context.Context) error {
	if s.opts.ImagesRoot != "" {
		if err := os.MkdirAll(s.opts.ImagesRoot, 0o755); err != nil {
			return fmt.Errorf("failed to create image root: %w", err)
		}
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.log.Info("simulator connected", "slewRate", s.opts.SlewRateDegS)
	return nil
}

func (s *Simulator) Disconnect() {
	s.StopMotion()
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *Simulator) IsTelescopeConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Simulator) IsCameraConnected() bool {
	return s.IsTelescopeConnected()
}

func (s *Simulator) ListDevices() []Device {
	connected := s.IsTelescopeConnected()
	return []Device{
		{Name: "sim-mount", Kind: "mount", Connected: connected},
		{Name: "sim-camera", Kind: "camera", Connected: connected},
		{Name: "sim-focuser", Kind: "focuser", Connected: connected},
	}
}

// ============================================================================
// POINTING
// ============================================================================

// PointTelescope walks the simulated position toward the target at the
// configured rate, blocking until arrival, abort, or ctx cancellation.
func (s *Simulator) PointTelescope(ctx context.Context, raDeg, decDeg float64) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return fmt.Errorf("simulator not connected")
	}
	s.slewing = true
	s.atHome = false
	s.aborted = false
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.slewing = false
		s.mu.Unlock()
	}()

	const step = 20 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		s.mu.Lock()
		if s.aborted {
			s.mu.Unlock()
			return fmt.Errorf("slew aborted")
		}
		remaining := AngularDistance(s.ra, s.dec, raDeg, decDeg)
		maxStep := s.opts.SlewRateDegS * step.Seconds()
		if remaining <= maxStep {
			s.ra, s.dec = raDeg, decDeg
			s.azimuth = NormalizeAzimuth(raDeg)
			s.mu.Unlock()
			return nil
		}
		frac := maxStep / remaining
		s.ra += WrappedDelta(s.ra, raDeg) * frac
		s.dec += (decDeg - s.dec) * frac
		s.azimuth = NormalizeAzimuth(s.ra)
		s.mu.Unlock()

		time.Sleep(step)
	}
}

func (s *Simulator) TelescopeDirection() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, 0, fmt.Errorf("simulator not connected")
	}
	return s.ra, s.dec, nil
}

func (s *Simulator) TelescopeMoving() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slewing, nil
}

func (s *Simulator) AbortSlew() error {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
	return nil
}

// ============================================================================
// CAPTURE
// ============================================================================

// TakeImage exposes for the configured duration and writes one minimal
// FITS file under the image root.
func (s *Simulator) TakeImage(ctx context.Context, taskID string, exposureS float64) ([]string, error) {
	if !s.IsCameraConnected() {
		return nil, fmt.Errorf("camera not connected")
	}
	if exposureS <= 0 {
		exposureS = s.opts.ExposureS
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(exposureS * float64(time.Second))):
	}

	s.mu.Lock()
	s.captures++
	n := s.captures
	ra, dec := s.ra, s.dec
	s.mu.Unlock()

	name := fmt.Sprintf("%s_%d_%d.fits", taskID, time.Now().Unix(), n)
	path := filepath.Join(s.opts.ImagesRoot, name)
	err := fitsio.WriteMinimal(path, map[string]string{
		"INSTRUME": "citrascope-sim",
		"DATE-OBS": time.Now().UTC().Format(time.RFC3339),
		"EXPTIME":  fmt.Sprintf("%.3f", exposureS),
		"RA":       fmt.Sprintf("%.6f", ra),
		"DEC":      fmt.Sprintf("%.6f", dec),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write capture: %w", err)
	}
	return []string{path}, nil
}

// ============================================================================
// TRACKING & STATUS
// ============================================================================

func (s *Simulator) SetCustomTrackingRate(raArcsecS, decArcsecS float64) error {
	s.mu.Lock()
	s.trackRA, s.trackDec = raArcsecS, decArcsecS
	s.tracking = raArcsecS != 0 || decArcsecS != 0
	s.mu.Unlock()
	return nil
}

func (s *Simulator) TrackingRate() (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackRA, s.trackDec, nil
}

func (s *Simulator) MountState() (MountState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return MountState{}, fmt.Errorf("simulator not connected")
	}
	return MountState{
		RA:       s.ra,
		Dec:      s.dec,
		Azimuth:  s.azimuth,
		Altitude: s.altitude,
		Tracking: s.tracking,
		Slewing:  s.slewing,
		AtHome:   s.atHome,
		AltAz:    s.opts.AltAz,
	}, nil
}

func (s *Simulator) Strategy() Strategy { return StrategyManual }

// ============================================================================
// OPTIONAL CAPABILITIES
// ============================================================================

// DoAutofocus slews to the target and walks a short simulated V-curve.
func (s *Simulator) DoAutofocus(ctx context.Context, targetRA, targetDec float64, onProgress func(string)) error {
	if onProgress == nil {
		onProgress = func(string) {}
	}
	onProgress("slewing to focus target")
	if err := s.PointTelescope(ctx, targetRA, targetDec); err != nil {
		return err
	}
	for i := 1; i <= 3; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		onProgress(fmt.Sprintf("focus sweep %d/3", i))
	}
	onProgress("autofocus complete")
	return nil
}

// StartAzimuthMotion begins continuous azimuth rotation until
// StopMotion.
func (s *Simulator) StartAzimuthMotion(rateDegS float64) error {
	s.StopMotion()
	quit := make(chan struct{})
	s.mu.Lock()
	s.azQuit = quit
	s.mu.Unlock()

	go func() {
		const step = 20 * time.Millisecond
		ticker := time.NewTicker(step)
		defer ticker.Stop()
		for {
			select {
			case <-quit:
				return
			case <-ticker.C:
				s.mu.Lock()
				s.azimuth = NormalizeAzimuth(s.azimuth + rateDegS*step.Seconds())
				s.ra = s.azimuth
				s.mu.Unlock()
			}
		}
	}()
	return nil
}

func (s *Simulator) StopMotion() error {
	s.mu.Lock()
	if s.azQuit != nil {
		close(s.azQuit)
		s.azQuit = nil
	}
	s.mu.Unlock()
	return nil
}

func (s *Simulator) SyncTo(raDeg, decDeg float64) error {
	s.mu.Lock()
	s.ra, s.dec = raDeg, decDeg
	s.azimuth = NormalizeAzimuth(raDeg)
	s.mu.Unlock()
	return nil
}

func (s *Simulator) UpdateFromPlateSolve(raDeg, decDeg, expectedRA, expectedDec float64) error {
	s.log.Info("pointing model updated from plate solve",
		"solvedRA", raDeg, "solvedDec", decDeg,
		"errorDeg", AngularDistance(raDeg, decDeg, expectedRA, expectedDec))
	return s.SyncTo(raDeg, decDeg)
}

func (s *Simulator) FindHome(ctx context.Context) error {
	if err := s.PointTelescope(ctx, 0, 0); err != nil {
		return err
	}
	s.mu.Lock()
	s.atHome = true
	s.mu.Unlock()
	return nil
}

// SetAzimuth positions the simulated mount directly. Test hook.
func (s *Simulator) SetAzimuth(az float64) {
	s.mu.Lock()
	s.azimuth = NormalizeAzimuth(az)
	s.mu.Unlock()
}

// Interface checks.
var (
	_ Adapter           = (*Simulator)(nil)
	_ Autofocuser       = (*Simulator)(nil)
	_ AzimuthMover      = (*Simulator)(nil)
	_ ManualSyncer      = (*Simulator)(nil)
	_ PlateSolveAligner = (*Simulator)(nil)
	_ Homer             = (*Simulator)(nil)
)
