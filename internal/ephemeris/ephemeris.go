// Package ephemeris defines how the telescope driver obtains target
// positions over time. Orbit propagation itself stays pluggable:
// production deployments inject an SGP4-backed source, while the
// bundled linear source gives simulator and dry-run setups a
// deterministic moving target derived from the elset.
package ephemeris

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/citra-space/citrascope/internal/dispatch"
	"github.com/citra-space/citrascope/internal/location"
)

// Ephemeris answers where a target is at a given instant, in degrees.
type Ephemeris interface {
	Position(at time.Time) (raDeg, decDeg float64, err error)
}

// Source builds an ephemeris for one elset as seen from a site.
type Source interface {
	FromElset(elset *dispatch.Elset, site location.Site) (Ephemeris, error)
}

// Linear moves at constant angular rates from a fixed starting point.
// With zero rates it doubles as a static target.
type Linear struct {
	Epoch       time.Time
	RA0         float64
	Dec0        float64
	RARateDegS  float64
	DecRateDegS float64
}

func (l Linear) Position(at time.Time) (float64, float64, error) {
	dt := at.Sub(l.Epoch).Seconds()
	ra := math.Mod(l.RA0+l.RARateDegS*dt, 360)
	if ra < 0 {
		ra += 360
	}
	return ra, foldDec(l.Dec0 + l.DecRateDegS*dt), nil
}

// foldDec reflects a declination that ran over a pole back into
// [-90, 90].
func foldDec(d float64) float64 {
	d = math.Mod(d+90, 360)
	if d < 0 {
		d += 360
	}
	if d > 180 {
		d = 360 - d
	}
	return d - 90
}

// TLE line 2 column spans, zero-indexed inclusive starts and exclusive
// ends, per the fixed-width NORAD format.
const (
	tleInclinationStart = 8
	tleInclinationEnd   = 16
	tleRAANStart        = 17
	tleRAANEnd          = 25
	tleMeanAnomalyStart = 43
	tleMeanAnomalyEnd   = 51
	tleMeanMotionStart  = 52
	tleMeanMotionEnd    = 63
)

// LinearSource derives a linear track from the elset's TLE. It is not
// an orbit model: it only turns mean motion and inclination into
// plausible, reproducible angular rates so dry runs exercise the full
// pointing loop.
type LinearSource struct{}

func (LinearSource) FromElset(elset *dispatch.Elset, _ location.Site) (Ephemeris, error) {
	if elset == nil {
		return nil, fmt.Errorf("no elset")
	}
	if len(elset.TLE) < 2 {
		return nil, fmt.Errorf("elset has %d TLE lines, need 2", len(elset.TLE))
	}
	line2 := elset.TLE[len(elset.TLE)-1]
	if len(line2) < tleMeanMotionEnd {
		return nil, fmt.Errorf("TLE line 2 too short: %d chars", len(line2))
	}

	inclination, err := tleField(line2, tleInclinationStart, tleInclinationEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to parse inclination: %w", err)
	}
	raan, err := tleField(line2, tleRAANStart, tleRAANEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RAAN: %w", err)
	}
	meanAnomaly, err := tleField(line2, tleMeanAnomalyStart, tleMeanAnomalyEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mean anomaly: %w", err)
	}
	meanMotion, err := tleField(line2, tleMeanMotionStart, tleMeanMotionEnd)
	if err != nil {
		return nil, fmt.Errorf("failed to parse mean motion: %w", err)
	}
	if meanMotion <= 0 {
		return nil, fmt.Errorf("non-positive mean motion %f", meanMotion)
	}

	// One revolution sweeps 360 deg of RA and, in the triangle-wave
	// sense, four times the inclination in declination.
	const secondsPerDay = 86400.0
	raRate := 360 * meanMotion / secondsPerDay
	decRate := 4 * inclination * meanMotion / secondsPerDay

	epoch := time.Unix(int64(elset.CreationEpoch), 0).UTC()
	return Linear{
		Epoch:       epoch,
		RA0:         math.Mod(raan+meanAnomaly, 360),
		Dec0:        0,
		RARateDegS:  raRate,
		DecRateDegS: decRate,
	}, nil
}

func tleField(line string, start, end int) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(line[start:end]), 64)
}

var (
	_ Ephemeris = Linear{}
	_ Source    = LinearSource{}
)
