package main

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// walkDt is the integration step of the walk, independent of the send rate.
const walkDt = 0.01

// walk is a velocity-driven random walk confined to [0, width] x [0, height].
// The speed relaxes towards 2 so the path keeps moving.
type walk struct {
	x, y          float64
	vx, vy        float64
	width, height float64
	accel         distuv.Normal
}

func newWalk(width, height float64) *walk {
	u := distuv.Uniform{Min: 0, Max: 1}
	return &walk{
		x:      u.Rand() * width,
		y:      u.Rand() * height,
		width:  width,
		height: height,
		accel:  distuv.Normal{Mu: 0, Sigma: 0.5},
	}
}

// step advances the walk by one sample and returns the new position.
func (w *walk) step() (float64, float64) {
	vx, vy := w.vx+w.accel.Rand(), w.vy+w.accel.Rand()
	speed := math.Hypot(vx, vy)
	vx += 0.1 * vx * (2 - speed)
	vy += 0.1 * vy * (2 - speed)

	w.x += w.vx * walkDt
	w.y += w.vy * walkDt
	w.vx, w.vy = vx, vy

	w.x, w.vx = clamp(w.x, w.vx, w.width)
	w.y, w.vy = clamp(w.y, w.vy, w.height)
	return w.x, w.y
}

// clamp stops the walk at a wall.
func clamp(p, v, max float64) (float64, float64) {
	switch {
	case p < 0:
		return 0, 0
	case p > max:
		return max, 0
	}
	return p, v
}

// rates spreads n send rates evenly over [lo, hi].
func rates(n int, lo, hi float64) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{lo}
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = lo + (hi-lo)*float64(i)/float64(n-1)
	}
	return out
}
