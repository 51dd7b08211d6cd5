// Package interp provides 1D resampling primitives for spectral arrays.
package interp

import (
	"fmt"
	"math"
	"sort"
)

// Linear evaluates a piecewise-linear function defined by (xp, fp) at every
// x in xs. Points outside [xp[0], xp[len-1]] clamp to the end values.
// xp must be strictly increasing.
func Linear(xs, xp, fp []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = linearAt(x, xp, fp)
	}
	return out
}

func linearAt(x float64, xp, fp []float64) float64 {
	n := len(xp)
	if x <= xp[0] {
		return fp[0]
	}
	if x >= xp[n-1] {
		return fp[n-1]
	}
	// Index of first grid point > x
	j := sort.SearchFloat64s(xp, x)
	if xp[j] == x {
		return fp[j]
	}
	t := (x - xp[j-1]) / (xp[j] - xp[j-1])
	return fp[j-1] + t*(fp[j]-fp[j-1])
}

// ConserveFlux rebins a piecewise-linear spectrum (srcWave, srcFlux) onto
// targetWave such that the integral of the spectrum is preserved. Each output
// sample is the integral of the source over the target pixel's wavelength bin
// divided by the bin width, where bin edges are midpoints between adjacent
// target samples. The source is treated as zero outside its own range.
//
// Both wavelength arrays must be strictly increasing.
func ConserveFlux(targetWave, srcWave, srcFlux []float64) ([]float64, error) {
	if len(srcWave) != len(srcFlux) {
		return nil, fmt.Errorf("interp: source length mismatch: %d wave vs %d flux", len(srcWave), len(srcFlux))
	}
	if len(srcWave) < 2 {
		return nil, fmt.Errorf("interp: need at least 2 source samples, got %d", len(srcWave))
	}
	if len(targetWave) == 0 {
		return nil, fmt.Errorf("interp: empty target grid")
	}

	edges := binEdges(targetWave)
	cum := cumTrapz(srcWave, srcFlux)

	out := make([]float64, len(targetWave))
	for i := range targetWave {
		lo, hi := edges[i], edges[i+1]
		width := hi - lo
		if width <= 0 {
			return nil, fmt.Errorf("interp: non-increasing target grid near index %d", i)
		}
		out[i] = (integralTo(hi, srcWave, srcFlux, cum) - integralTo(lo, srcWave, srcFlux, cum)) / width
	}
	return out, nil
}

// binEdges returns len(w)+1 pixel edges: midpoints between samples, with the
// end bins extended symmetrically.
func binEdges(w []float64) []float64 {
	n := len(w)
	edges := make([]float64, n+1)
	if n == 1 {
		edges[0] = w[0] - 0.5
		edges[1] = w[0] + 0.5
		return edges
	}
	edges[0] = w[0] - 0.5*(w[1]-w[0])
	for i := 1; i < n; i++ {
		edges[i] = 0.5 * (w[i-1] + w[i])
	}
	edges[n] = w[n-1] + 0.5*(w[n-1]-w[n-2])
	return edges
}

// cumTrapz returns the cumulative trapezoid integral of f over x; cum[i] is
// the integral from x[0] to x[i].
func cumTrapz(x, f []float64) []float64 {
	cum := make([]float64, len(x))
	for i := 1; i < len(x); i++ {
		cum[i] = cum[i-1] + 0.5*(f[i]+f[i-1])*(x[i]-x[i-1])
	}
	return cum
}

// integralTo evaluates the integral of the piecewise-linear source from
// srcWave[0] to w, clamping to the source range (zero flux outside).
func integralTo(w float64, srcWave, srcFlux, cum []float64) float64 {
	n := len(srcWave)
	if w <= srcWave[0] {
		return 0
	}
	if w >= srcWave[n-1] {
		return cum[n-1]
	}
	j := sort.SearchFloat64s(srcWave, w)
	if srcWave[j] == w {
		return cum[j]
	}
	// Partial trapezoid from srcWave[j-1] to w
	t := (w - srcWave[j-1]) / (srcWave[j] - srcWave[j-1])
	fw := srcFlux[j-1] + t*(srcFlux[j]-srcFlux[j-1])
	return cum[j-1] + 0.5*(srcFlux[j-1]+fw)*(w-srcWave[j-1])
}

// MedianDiff returns the median spacing of a monotonically increasing grid.
func MedianDiff(w []float64) float64 {
	if len(w) < 2 {
		return math.NaN()
	}
	diffs := make([]float64, len(w)-1)
	for i := 1; i < len(w); i++ {
		diffs[i-1] = w[i] - w[i-1]
	}
	sort.Float64s(diffs)
	m := len(diffs)
	if m%2 == 1 {
		return diffs[m/2]
	}
	return 0.5 * (diffs[m/2-1] + diffs[m/2])
}
