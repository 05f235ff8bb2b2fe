// Package ride converts milliseconds-per-revolution readings into cadence,
// speed and acceleration for display.
package ride

import "math"

const (
	// DefaultRadiusIn is the wheel radius used when none is configured.
	DefaultRadiusIn = 14.5

	cmPerInch = 2.54
)

// Wheel holds the tire geometry used by the speed conversions.
type Wheel struct {
	RadiusIn float64
}

// DefaultWheel returns a Wheel with the default radius.
func DefaultWheel() Wheel {
	return Wheel{RadiusIn: DefaultRadiusIn}
}

// RadiusCM returns the radius in centimetres.
func (w Wheel) RadiusCM() float64 {
	return w.RadiusIn * cmPerInch
}

// Cadence returns revolutions per minute.
func Cadence(mpr float64) float64 {
	if mpr <= 0 {
		return 0
	}
	return 60000.0 / mpr
}

// SpeedMPH returns road speed in miles per hour.
func (w Wheel) SpeedMPH(mpr float64) float64 {
	if mpr <= 0 {
		return 0
	}
	return 1250.0 * math.Pi * w.RadiusIn / (11 * mpr)
}

// SpeedKPH returns road speed in kilometres per hour.
func (w Wheel) SpeedKPH(mpr float64) float64 {
	if mpr <= 0 {
		return 0
	}
	return 72 * math.Pi * w.RadiusCM() / mpr
}

// AccelFPS2 returns acceleration in ft/s² between two consecutive tire
// readings.
func (w Wheel) AccelFPS2(cur, prev float64) float64 {
	if cur <= 0 || prev <= 0 {
		return 0
	}
	rpmDiff := Cadence(cur) - Cadence(prev)
	return math.Pi * w.RadiusIn * rpmDiff / (360 * cur / 1000)
}

// AccelMPS2 returns acceleration in m/s² between two consecutive tire
// readings.
func (w Wheel) AccelMPS2(cur, prev float64) float64 {
	if cur <= 0 || prev <= 0 {
		return 0
	}
	rpmDiff := Cadence(cur) - Cadence(prev)
	return math.Pi * w.RadiusCM() * rpmDiff / (3000 * cur / 1000)
}
