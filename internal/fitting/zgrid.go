package fitting

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/integrate"

	"github.com/enoordeh/grizli/internal/templates"
	"github.com/enoordeh/grizli/pkg/interp"
)

const (
	// refineRounds is the fixed number of grid-refinement iterations.
	// The search always runs to completion; there is no convergence test.
	refineRounds = 6
	// refineShrink narrows the grid step each round: dz = dz0/refineShrink^iter.
	// Tuned value; must not be re-derived.
	refineShrink = 2.02
	// ewSentinel replaces non-finite equivalent widths in reported results.
	ewSentinel = -1000.0
	// area25Clip caps the chi-squared excess for the confidence metric.
	area25Clip = 25.0
)

// Prior is an additive chi-squared penalty sampled on its own redshift grid.
type Prior struct {
	Z    []float64
	Chi2 []float64
}

// At linearly interpolates the prior onto a redshift grid, clamping outside
// the sampled range.
func (p *Prior) At(z []float64) []float64 {
	return interp.Linear(z, p.Z, p.Chi2)
}

// SearchConfig controls the coarse-to-fine redshift grid search.
type SearchConfig struct {
	DZ0    float64 // coarse grid step in log(1+z)
	ZMin   float64
	ZMax   float64
	Solver Solver
	Prior  *Prior
	// Workers > 1 evaluates grid points concurrently. Safe because the
	// fitter state is immutable during the search.
	Workers int
}

// DefaultSearchConfig matches the standard stack-fitting parameters.
func DefaultSearchConfig() SearchConfig {
	return SearchConfig{DZ0: 0.005, ZMin: 0.4, ZMax: 3.4, Solver: SolverNNLS, Workers: 1}
}

// ScanPoint is one accumulated (redshift, chi-squared) sample. Prior holds
// the interpolated prior value already included in Chi2 when a prior was
// supplied.
type ScanPoint struct {
	Z     float64 `json:"z"`
	Chi2  float64 `json:"chi2"`
	Prior float64 `json:"prior,omitempty"`
}

// LineMeasurement is the fitted flux, uncertainty and rest-frame equivalent
// width of one emission line.
type LineMeasurement struct {
	Name    string  `json:"name"`
	Flux    float64 `json:"flux"`
	FluxErr float64 `json:"flux_err"`
	EW      float64 `json:"ew"`
}

// SearchResult packages the outcome of a full redshift grid search.
type SearchResult struct {
	ZBest   float64
	Chi2Min float64
	Chi2Max float64
	Area25  float64
	DoF     int

	Scan     []ScanPoint
	Best     *FitResult
	Lines    []LineMeasurement
	Solver   Solver
	HasPrior bool
}

// LogZGrid returns redshift samples uniform in log(1+z) with step dz over
// [zmin, zmax].
func LogZGrid(zmin, zmax, dz float64) []float64 {
	var grid []float64
	for x := math.Log(1 + zmin); x < math.Log(1+zmax); x += dz {
		grid = append(grid, math.Exp(x)-1)
	}
	return grid
}

// FitZGrid runs the multi-resolution redshift search: a coarse scan with the
// line-complex templates, six refinement rounds around the running minimum,
// then a final fit with the individual-line templates at the best redshift.
func (f *Fitter) FitZGrid(cfg SearchConfig, complexes, lines []templates.Template) (*SearchResult, error) {
	if cfg.ZMin <= -1 || cfg.ZMax <= cfg.ZMin {
		return nil, fmt.Errorf("fitting: invalid redshift range [%g, %g]", cfg.ZMin, cfg.ZMax)
	}
	if cfg.DZ0 <= 0 {
		return nil, fmt.Errorf("fitting: invalid grid step %g", cfg.DZ0)
	}
	solver := cfg.Solver
	if solver == "" {
		solver = SolverNNLS
	}

	zi := LogZGrid(cfg.ZMin, cfg.ZMax, cfg.DZ0)
	if len(zi) == 0 {
		return nil, fmt.Errorf("fitting: empty redshift grid")
	}
	ci, err := f.evalGrid(zi, complexes, solver, cfg.Workers)
	if err != nil {
		return nil, err
	}

	allZ := append([]float64(nil), zi...)
	allChi := append([]float64(nil), ci...)

	// Zoom in on the chi-squared minimum. Each round recenters a narrower
	// log grid on the current (prior-adjusted) minimum of the previous
	// round; samples accumulate and duplicates are retained.
	for iter := 1; iter <= refineRounds; iter++ {
		cp := ci
		if cfg.Prior != nil {
			pz := cfg.Prior.At(zi)
			cp = make([]float64, len(ci))
			for i := range ci {
				cp[i] = ci[i] + pz[i]
			}
		}
		z0 := zi[argmin(cp)]

		dz := cfg.DZ0 / math.Pow(refineShrink, float64(iter))
		zi = LogZGrid(z0-4*dz, z0+4*dz, dz)
		if len(zi) == 0 {
			break
		}
		ci, err = f.evalGrid(zi, complexes, solver, cfg.Workers)
		if err != nil {
			return nil, err
		}
		allZ = append(allZ, zi...)
		allChi = append(allChi, ci...)
	}

	// Sort the accumulated scan by redshift and apply the prior once.
	order := make([]int, len(allZ))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return allZ[order[a]] < allZ[order[b]] })

	scan := make([]ScanPoint, len(order))
	var pz []float64
	if cfg.Prior != nil {
		sortedZ := make([]float64, len(order))
		for i, idx := range order {
			sortedZ[i] = allZ[idx]
		}
		pz = cfg.Prior.At(sortedZ)
	}
	for i, idx := range order {
		scan[i] = ScanPoint{Z: allZ[idx], Chi2: allChi[idx]}
		if pz != nil {
			scan[i].Chi2 += pz[i]
			scan[i].Prior = pz[i]
		}
	}

	ibest := 0
	for i := range scan {
		if scan[i].Chi2 < scan[ibest].Chi2 {
			ibest = i
		}
	}
	zbest := scan[ibest].Z

	// Final fit with the individual-line set for fluxes and uncertainties.
	best, err := f.FitAtZ(zbest, lines, solver, true)
	if err != nil {
		return nil, err
	}

	res := &SearchResult{
		ZBest:    zbest,
		Chi2Min:  scan[ibest].Chi2,
		Chi2Max:  scan[0].Chi2,
		DoF:      f.DoF,
		Scan:     scan,
		Best:     best,
		Solver:   solver,
		HasPrior: cfg.Prior != nil,
	}
	for i := range scan {
		if scan[i].Chi2 > res.Chi2Max {
			res.Chi2Max = scan[i].Chi2
		}
	}
	res.Area25 = area25(scan, res.Chi2Min)

	res.Lines, err = lineMeasurements(lines, best)
	if err != nil {
		return nil, err
	}

	f.logger.Info("redshift search finished",
		zap.Float64("z_best", zbest),
		zap.Float64("chi2_min", res.Chi2Min),
		zap.Int("dof", res.DoF),
		zap.Float64("area25", res.Area25),
		zap.Int("scan_points", len(scan)))
	return res, nil
}

// evalGrid computes chi-squared at every grid redshift. With workers > 1 the
// points are evaluated concurrently; each evaluation only reads immutable
// fitter state.
func (f *Fitter) evalGrid(zgrid []float64, set []templates.Template, solver Solver, workers int) ([]float64, error) {
	chi2 := make([]float64, len(zgrid))

	if workers <= 1 {
		for i, z := range zgrid {
			out, err := f.FitAtZ(z, set, solver, false)
			if err != nil {
				return nil, err
			}
			chi2[i] = out.Chi2
			f.logger.Debug("grid point", zap.Float64("z", z), zap.Float64("chi2", out.Chi2))
		}
		return chi2, nil
	}

	var g errgroup.Group
	g.SetLimit(workers)
	for i, z := range zgrid {
		i, z := i, z
		g.Go(func() error {
			out, err := f.FitAtZ(z, set, solver, false)
			if err != nil {
				return err
			}
			chi2[i] = out.Chi2
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return chi2, nil
}

// area25 integrates the clipped chi-squared excess over the scan and
// normalizes by a flat curve at the clip value. 1 means a sharply peaked
// minimum, 0 a flat (unconstrained) curve.
func area25(scan []ScanPoint, chi2min float64) float64 {
	if len(scan) < 2 {
		return 0
	}
	z := make([]float64, len(scan))
	clipped := make([]float64, len(scan))
	flat := make([]float64, len(scan))
	for i := range scan {
		z[i] = scan[i].Z
		d := scan[i].Chi2 - chi2min
		if d < 0 {
			d = 0
		} else if d > area25Clip {
			d = area25Clip
		}
		clipped[i] = d
		flat[i] = area25Clip
	}
	return 1 - integrate.Trapezoidal(z, clipped)/integrate.Trapezoidal(z, flat)
}

// lineMeasurements computes rest-frame equivalent widths for each fitted
// individual-line template against the continuum-only composite.
func lineMeasurements(set []templates.Template, fit *FitResult) ([]LineMeasurement, error) {
	continuum, err := templates.Composite(set, fit.Coeffs, false)
	if err != nil {
		return nil, fmt.Errorf("fitting: %w", err)
	}

	var out []LineMeasurement
	for i, t := range set {
		if !t.IsLine {
			continue
		}
		lm := LineMeasurement{Name: t.Name, Flux: fit.Coeffs[i], FluxErr: fit.CoeffErrs[i]}
		if fit.Coeffs[i] != 0 {
			lm.EW = equivalentWidth(t, fit.Coeffs[i], continuum)
		}
		out = append(out, lm)
	}
	return out, nil
}

// equivalentWidth integrates (line+continuum)/continuum - 1 over the line's
// native wavelength support. Non-finite results collapse to the sentinel.
func equivalentWidth(line templates.Template, coeff float64, continuum templates.Template) float64 {
	var w, ratio []float64
	for j := range line.Wave {
		if line.Wave[j] < line.LineMin || line.Wave[j] > line.LineMax {
			continue
		}
		num := coeff*line.Flux[j] + continuum.Flux[j]
		den := continuum.Flux[j]
		w = append(w, line.Wave[j])
		ratio = append(ratio, num/den-1)
	}
	if len(w) < 2 {
		return 0
	}
	ew := integrate.Trapezoidal(w, ratio)
	if math.IsNaN(ew) || math.IsInf(ew, 0) {
		return ewSentinel
	}
	return ew
}

func argmin(x []float64) int {
	best := 0
	for i := range x {
		if x[i] < x[best] {
			best = i
		}
	}
	return best
}
