package hardware

import "math"

const degToRad = math.Pi / 180

// AngularDistance returns the great-circle separation in degrees between
// two pointings, via the spherical law of cosines. The cosine is clamped
// so floating-point drift near identical pointings cannot produce NaN.
func AngularDistance(ra1, dec1, ra2, dec2 float64) float64 {
	cosd := math.Sin(dec1*degToRad)*math.Sin(dec2*degToRad) +
		math.Cos(dec1*degToRad)*math.Cos(dec2*degToRad)*math.Cos((ra1-ra2)*degToRad)
	if cosd > 1 {
		cosd = 1
	}
	if cosd < -1 {
		cosd = -1
	}
	return math.Acos(cosd) / degToRad
}

// WrappedDelta returns the signed shortest arc from one azimuth to
// another, in (-180, +180]. Accumulation and stall detection must use
// this, never a raw span, so readings straddling 0/360 are not misread
// as motion.
func WrappedDelta(from, to float64) float64 {
	d := math.Mod(to-from, 360)
	if d > 180 {
		d -= 360
	}
	if d <= -180 {
		d += 360
	}
	return d
}

// NormalizeAzimuth folds any angle into [0, 360).
func NormalizeAzimuth(az float64) float64 {
	az = math.Mod(az, 360)
	if az < 0 {
		az += 360
	}
	return az
}
