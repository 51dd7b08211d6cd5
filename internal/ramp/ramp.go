// Package ramp recomputes count rates from MultiAccum detector ramps with
// selected reads excluded, the computational half of reprocessing exposures
// contaminated by time-variable backgrounds. Calibration retrieval and
// visual read inspection are out of scope; the excluded-read set is an
// explicit input.
package ramp

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Sequence is one detector ramp: cumulative counts per read on a common
// pixel grid, with the exposure time of each read.
type Sequence struct {
	NRow  int
	NCol  int
	Times []float64   // seconds, strictly increasing
	Reads [][]float64 // cumulative counts, one flattened array per read
}

// Validate checks the sequence shape; malformed ramps fail fast.
func (s *Sequence) Validate() error {
	if s.NRow <= 0 || s.NCol <= 0 {
		return fmt.Errorf("ramp: invalid shape %dx%d", s.NRow, s.NCol)
	}
	if len(s.Reads) < 2 {
		return fmt.Errorf("ramp: need at least 2 reads, got %d", len(s.Reads))
	}
	if len(s.Times) != len(s.Reads) {
		return fmt.Errorf("ramp: %d times for %d reads", len(s.Times), len(s.Reads))
	}
	size := s.NRow * s.NCol
	for i, r := range s.Reads {
		if len(r) != size {
			return fmt.Errorf("ramp: read %d has %d pixels, want %d", i, len(r), size)
		}
	}
	for i := 1; i < len(s.Times); i++ {
		if s.Times[i] <= s.Times[i-1] {
			return fmt.Errorf("ramp: times not increasing at read %d", i)
		}
	}
	return nil
}

// Flatten recomputes the per-pixel count rate with the given read indices
// excluded, as the total retained counts over the total retained time. The
// difference across an excluded read spans the neighboring retained reads.
func (s *Sequence) Flatten(exclude []int) ([]float64, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	drop := make(map[int]bool, len(exclude))
	for _, i := range exclude {
		if i < 0 || i >= len(s.Reads) {
			return nil, fmt.Errorf("ramp: excluded read %d out of range [0, %d)", i, len(s.Reads))
		}
		drop[i] = true
	}

	var retained []int
	for i := range s.Reads {
		if !drop[i] {
			retained = append(retained, i)
		}
	}
	if len(retained) < 2 {
		return nil, fmt.Errorf("ramp: only %d reads retained, need at least 2", len(retained))
	}

	size := s.NRow * s.NCol
	rate := make([]float64, size)
	for p := 0; p < size; p++ {
		var counts, dt float64
		for k := 1; k < len(retained); k++ {
			i0, i1 := retained[k-1], retained[k]
			// Skip intervals that bridge an excluded read: their
			// counts include the contaminated period.
			if i1 != i0+1 {
				continue
			}
			counts += s.Reads[i1][p] - s.Reads[i0][p]
			dt += s.Times[i1] - s.Times[i0]
		}
		if dt > 0 {
			rate[p] = counts / dt
		}
	}
	return rate, nil
}

// IntervalRates returns the median count rate of each read interval over a
// pixel region [r0,r1)x[c0,c1), the per-read background diagnostic used to
// pick reads for exclusion.
func (s *Sequence) IntervalRates(r0, r1, c0, c1 int) ([]float64, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if r0 < 0 || r1 > s.NRow || c0 < 0 || c1 > s.NCol || r0 >= r1 || c0 >= c1 {
		return nil, fmt.Errorf("ramp: invalid stats region [%d:%d, %d:%d]", r0, r1, c0, c1)
	}

	rates := make([]float64, len(s.Reads)-1)
	vals := make([]float64, 0, (r1-r0)*(c1-c0))
	for k := 1; k < len(s.Reads); k++ {
		vals = vals[:0]
		dt := s.Times[k] - s.Times[k-1]
		for r := r0; r < r1; r++ {
			for c := c0; c < c1; c++ {
				p := r*s.NCol + c
				vals = append(vals, (s.Reads[k][p]-s.Reads[k-1][p])/dt)
			}
		}
		sort.Float64s(vals)
		rates[k-1] = stat.Quantile(0.5, stat.Empirical, vals, nil)
	}
	return rates, nil
}

// FlagHighReads returns the read indices whose interval background exceeds
// factor times the median interval rate.
func (s *Sequence) FlagHighReads(r0, r1, c0, c1 int, factor float64) ([]int, error) {
	rates, err := s.IntervalRates(r0, r1, c0, c1)
	if err != nil {
		return nil, err
	}

	sorted := append([]float64(nil), rates...)
	sort.Float64s(sorted)
	med := stat.Quantile(0.5, stat.Empirical, sorted, nil)

	var flagged []int
	for k, r := range rates {
		if med > 0 && r > factor*med || math.IsInf(r, 1) {
			flagged = append(flagged, k+1) // interval k ends at read k+1
		}
	}
	return flagged, nil
}
