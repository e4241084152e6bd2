package orientation

import "math"

const degToRad = math.Pi / 180.0

// mod360 wraps degrees into [0, 360).
func mod360(deg float64) float64 {
	m := math.Mod(deg, 360)
	if m < 0 {
		m += 360
	}
	return m
}

// normTwoPi wraps radians into [0, 2*pi).
func normTwoPi(rad float64) float64 {
	m := math.Mod(rad, 2*math.Pi)
	if m < 0 {
		m += 2 * math.Pi
	}
	return m
}

// normPi wraps radians into (-pi, pi].
func normPi(rad float64) float64 {
	m := math.Mod(rad, 2*math.Pi)
	switch {
	case m <= -math.Pi:
		m += 2 * math.Pi
	case m > math.Pi:
		m -= 2 * math.Pi
	}
	return m
}

// shortestDelta returns the signed angular distance from "from" to
// "to" along the shorter arc, in (-pi, pi].
func shortestDelta(from, to float64) float64 {
	return normPi(to - from)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
