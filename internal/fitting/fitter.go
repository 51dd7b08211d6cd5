// Package fitting jointly fits template spectra to a set of stacked 2D
// grism spectra sharing one redshift, and searches a redshift grid for the
// chi-squared minimum.
package fitting

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/enoordeh/grizli/internal/stack"
	"github.com/enoordeh/grizli/internal/templates"
	"github.com/enoordeh/grizli/pkg/nnls"
)

// pedestal is added to the data before whitening to keep the non-negative
// solve away from degeneracies at exactly-zero flux. Tuned value; must not
// be re-derived.
const pedestal = 0.04

// Solver selects the linear minimization algorithm.
type Solver string

const (
	// SolverNNLS constrains background and template coefficients >= 0.
	SolverNNLS Solver = "nnls"
	// SolverLeastSq is an unconstrained least-squares solve.
	SolverLeastSq Solver = "leastsq"
)

// FitResult is the outcome of one joint fit at a single redshift.
// Coefficients are in the original template order, zero-filled for
// templates that were dropped as unconstrained.
type FitResult struct {
	Z          float64
	Chi2       float64
	Background []float64 // per-pixel background model, concatenated
	Model      []float64 // per-pixel template model, concatenated
	Coeffs     []float64
	CoeffErrs  []float64

	// Singular is set when the covariance matrix could not be inverted;
	// the fit itself remains valid but the uncertainties are all zero.
	Singular bool
}

// Fitter owns the spectrum models that are fit jointly at one redshift.
// Its state is immutable after New, so fits at different redshifts may run
// concurrently.
type Fitter struct {
	Models []*stack.SpectrumModel

	// DoF is the contamination-weighted count of fit-mask pixels.
	DoF int

	ndata   int
	slices  [][2]int // [start,end) pixel range of each model
	scif    []float64
	ivarf   []float64 // weighted inverse variance
	sivarf  []float64
	weightf []float64
	mask    []bool

	logger *zap.Logger
}

// New builds a Fitter over a set of spectrum models. A nil logger disables
// diagnostics.
func New(models []*stack.SpectrumModel, logger *zap.Logger) (*Fitter, error) {
	if len(models) == 0 {
		return nil, fmt.Errorf("fitting: no spectrum models")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Fitter{Models: models, logger: logger}
	for _, m := range models {
		f.slices = append(f.slices, [2]int{f.ndata, f.ndata + m.Size()})
		f.ndata += m.Size()
	}

	f.scif = make([]float64, f.ndata)
	f.ivarf = make([]float64, f.ndata)
	f.sivarf = make([]float64, f.ndata)
	f.weightf = make([]float64, f.ndata)
	f.mask = make([]bool, f.ndata)

	dof := 0.0
	for j, m := range f.Models {
		off := f.slices[j][0]
		copy(f.scif[off:], m.Scif)
		copy(f.weightf[off:], m.Weightf)
		for i := range m.Scif {
			iv := m.Ivarf[i] * m.Weightf[i]
			f.ivarf[off+i] = iv
			f.sivarf[off+i] = math.Sqrt(iv)
			f.mask[off+i] = m.FitMask[i]
			if m.FitMask[i] {
				dof += m.Weightf[i]
			}
		}
	}
	f.DoF = int(dof)
	return f, nil
}

// Ndata returns the total pixel count across all models.
func (f *Fitter) Ndata() int {
	return f.ndata
}

// Slice returns the [start, end) range of model i's pixels in the
// concatenated vectors.
func (f *Fitter) Slice(i int) (int, int) {
	return f.slices[i][0], f.slices[i][1]
}

// FitAtZ fits the template set at redshift z, solving jointly for one flat
// background level per exposure plus one coefficient per template.
func (f *Fitter) FitAtZ(z float64, set []templates.Template, solver Solver, wantUncertainties bool) (*FitResult, error) {
	nbg := len(f.Models)
	ntemp := len(set)
	ncols := nbg + ntemp

	// Design columns: per-exposure background indicator blocks followed by
	// one projected model per template.
	cols := make([][]float64, ncols)
	for j := range f.Models {
		col := make([]float64, f.ndata)
		for i := f.slices[j][0]; i < f.slices[j][1]; i++ {
			col[i] = 1
		}
		cols[j] = col
	}

	for i, t := range set {
		col := make([]float64, f.ndata)
		tw, tf := t.Redshifted(z)
		for j, m := range f.Models {
			if !m.Overlaps(tw) {
				continue
			}
			block := m.ComputeModel(tw, tf)
			if block == nil {
				continue
			}
			copy(col[f.slices[j][0]:f.slices[j][1]], block)
		}
		cols[nbg+i] = col
	}

	// Drop columns with no contribution over the fit mask: they are
	// structurally unconstrained and would make the system singular.
	var kept []int
	for k, col := range cols {
		sum := 0.0
		for i, ok := range f.mask {
			if ok {
				sum += col[i]
			}
		}
		if sum != 0 {
			kept = append(kept, k)
		} else if k >= nbg {
			f.logger.Debug("dropping unconstrained template",
				zap.String("template", set[k-nbg].Name), zap.Float64("z", z))
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("fitting: no constrained columns at z=%.4f", z)
	}

	nmask := 0
	for _, ok := range f.mask {
		if ok {
			nmask++
		}
	}
	if nmask == 0 {
		return nil, fmt.Errorf("fitting: no unmasked pixels")
	}

	// Whitened, masked design matrix and data vector.
	design := mat.NewDense(nmask, len(kept), nil)
	data := make([]float64, nmask)
	r := 0
	for i, ok := range f.mask {
		if !ok {
			continue
		}
		for c, k := range kept {
			design.Set(r, c, cols[k][i]*f.sivarf[i])
		}
		data[r] = (f.scif[i] + pedestal) * f.sivarf[i]
		r++
	}

	coeffs, err := f.solve(design, data, solver)
	if err != nil {
		return nil, fmt.Errorf("fitting: z=%.4f: %w", z, err)
	}

	res := &FitResult{
		Z:          z,
		Background: make([]float64, f.ndata),
		Model:      make([]float64, f.ndata),
		Coeffs:     make([]float64, ntemp),
		CoeffErrs:  make([]float64, ntemp),
	}

	// Reconstruct background and model in the original (unwhitened) basis.
	for c, k := range kept {
		col := cols[k]
		if k < nbg {
			for i := range col {
				res.Background[i] += coeffs[c] * col[i]
			}
		} else {
			res.Coeffs[k-nbg] = coeffs[c]
			for i := range col {
				res.Model[i] += coeffs[c] * col[i]
			}
		}
	}
	for i := range res.Background {
		res.Background[i] -= pedestal
	}

	for i, ok := range f.mask {
		if !ok {
			continue
		}
		resid := f.scif[i] - res.Model[i] - res.Background[i]
		res.Chi2 += resid * resid * f.ivarf[i]
	}

	if wantUncertainties {
		errs, singular := f.uncertainties(design)
		res.Singular = singular
		if singular {
			f.logger.Warn("singular covariance matrix, uncertainties set to zero",
				zap.Float64("z", z))
		} else {
			for c, k := range kept {
				if k >= nbg {
					res.CoeffErrs[k-nbg] = errs[c]
				}
			}
		}
	}
	return res, nil
}

func (f *Fitter) solve(design *mat.Dense, data []float64, solver Solver) ([]float64, error) {
	switch solver {
	case SolverNNLS, "":
		return nnls.Solve(design, data)
	case SolverLeastSq:
		var qr mat.QR
		qr.Factorize(design)
		var sol mat.VecDense
		if err := qr.SolveVecTo(&sol, false, mat.NewVecDense(len(data), data)); err != nil {
			return nil, err
		}
		_, n := design.Dims()
		out := make([]float64, n)
		for i := range out {
			out[i] = sol.AtVec(i)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown solver %q", solver)
	}
}

// uncertainties returns sqrt(diag(inv(A^T A))) of the whitened design, or
// (nil, true) when the matrix is singular.
func (f *Fitter) uncertainties(design *mat.Dense) ([]float64, bool) {
	var ata mat.Dense
	ata.Mul(design.T(), design)

	var inv mat.Dense
	if err := inv.Inverse(&ata); err != nil {
		return nil, true
	}

	n, _ := ata.Dims()
	out := make([]float64, n)
	for i := range out {
		d := inv.At(i, i)
		if d < 0 || math.IsNaN(d) || math.IsInf(d, 0) {
			return nil, true
		}
		out[i] = math.Sqrt(d)
	}
	return out, false
}
