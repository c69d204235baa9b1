package sizing

import (
	"math"

	"mrs/src/signal"
)

// Size turns signal records into positions. Binary sizing returns the held discrete signal;
// dynamic sizing scales it by how far z is past the entry band, capped at 1, and stays at
// zero whenever the held state is flat.
func Size(records []signal.Record, p signal.Params) []float64 {
	out := make([]float64, len(records))
	for i, r := range records {
		held := float64(r.Position)
		if !p.DynamicSizing {
			out[i] = held
			continue
		}
		out[i] = sign(held) * math.Abs(Magnitude(r.ZScore, p.ZEntry))
	}
	return out
}

// Magnitude is -z/zEntry clamped into [-1, 1].
func Magnitude(z, zEntry float64) float64 {
	if zEntry <= 0 {
		return 0
	}
	return clamp(-z/zEntry, -1, 1)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func sign(x float64) float64 {
	if x < 0 {
		return -1
	}
	if x > 0 {
		return 1
	}
	return 0
}
