// Package stack builds the per-exposure forward model for a stacked 2D
// grism spectrum: the dispersion operator mapping a 1D template onto the
// pixel grid, the fit mask, and optimal 1D extraction.
package stack

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/enoordeh/grizli/internal/bundle"
	"github.com/enoordeh/grizli/internal/grismconf"
	"github.com/enoordeh/grizli/pkg/interp"
)

// fluxUnit converts sensitivity-scaled counts to 1e-17 f-lambda units.
const fluxUnit = 1e-17

// Options control masking and weighting when building a SpectrumModel.
type Options struct {
	// SysErr is a fractional systematic error floor added to the
	// measurement variance: var = var0 + (SysErr*flux)^2.
	SysErr float64
	// MaskMin keeps only pixels where the flat-spectrum model exceeds
	// MaskMin times its maximum.
	MaskMin float64
	// FContam controls downweighting of contaminated pixels:
	// weight = exp(-FContam*|contam|*sqrt(ivar0)).
	FContam float64
}

// DefaultOptions match the standard stack-fitting parameters.
func DefaultOptions() Options {
	return Options{SysErr: 0.02, MaskMin: 0.1, FContam: 1}
}

// SpectrumModel is the frozen forward model of one stacked 2D spectrum.
// All fields are fixed after New; every method is a pure function of the
// stored state and its arguments.
type SpectrumModel struct {
	Name  string
	Grism string

	NRow int
	NCol int
	Wave []float64

	Scif    []float64 // flattened science array
	Ivarf   []float64 // inverse variance with systematic floor applied
	Ivarf0  []float64 // raw inverse variance
	Weightf []float64 // contamination weight per pixel
	FitMask []bool

	IsFlambda bool
	Sens      []float64 // per-column sensitivity, nil for f-lambda stacks

	// DoF is the number of mask-true pixels.
	DoF int

	flat    []float64 // model of a flat unit spectrum, used for masking and extraction
	fitData *mat.Dense
}

// New builds a SpectrumModel from a validated bundle exposure. The
// sensitivity service is only consulted for exposures that are not already
// flux calibrated.
func New(e *bundle.Exposure, conf grismconf.Service, opts Options) (*SpectrumModel, error) {
	size := e.Size()
	m := &SpectrumModel{
		Name:      e.Name,
		Grism:     e.Grism,
		NRow:      e.NRow,
		NCol:      e.NCol,
		Wave:      e.Wave(),
		IsFlambda: e.IsFlambda,
	}

	m.Scif = append([]float64(nil), e.Sci...)
	m.Ivarf0 = append([]float64(nil), e.Ivar...)

	// Fold the systematic error floor into the variance.
	m.Ivarf = make([]float64, size)
	for i := range m.Ivarf {
		iv0 := m.Ivarf0[i]
		if iv0 > 0 {
			m.Ivarf[i] = 1 / (1/iv0 + (opts.SysErr*m.Scif[i])*(opts.SysErr*m.Scif[i]))
		}
	}

	// First masking pass: finite data with positive inverse variance.
	// Later criteria only narrow the mask, never re-widen it.
	m.FitMask = make([]bool, size)
	for i := range m.FitMask {
		m.FitMask[i] = m.Ivarf[i] > 0 &&
			!math.IsNaN(m.Scif[i]) && !math.IsInf(m.Scif[i], 0) &&
			!math.IsNaN(m.Ivarf[i]) && !math.IsInf(m.Ivarf[i], 0)
	}

	m.Weightf = make([]float64, size)
	if e.Contam != nil {
		for i := range m.Weightf {
			m.Weightf[i] = math.Exp(-opts.FContam * math.Abs(e.Contam[i]) * math.Sqrt(m.Ivarf0[i]))
		}
	} else {
		for i := range m.Weightf {
			m.Weightf[i] = 1
		}
	}

	kernel, err := normalizedKernel(e)
	if err != nil {
		return nil, err
	}
	if err := m.build(kernel, e.KernelCols, conf, e.Conf); err != nil {
		return nil, err
	}

	m.flat = m.ComputeModel(nil, nil)

	// Amplitude threshold from the flat-spectrum model. For calibrated
	// stacks weight the model by the raw inverse variance so low-exposure
	// regions fall out of the fit.
	elec := append([]float64(nil), m.flat...)
	if m.IsFlambda {
		ivmax := 0.0
		for _, iv := range m.Ivarf0 {
			if iv > ivmax {
				ivmax = iv
			}
		}
		if ivmax > 0 {
			for i := range elec {
				elec[i] *= m.Ivarf0[i] / ivmax
			}
		}
	}
	emax := 0.0
	for _, v := range elec {
		if v > emax {
			emax = v
		}
	}
	for i := range m.FitMask {
		m.FitMask[i] = m.FitMask[i] && elec[i] > opts.MaskMin*emax
	}

	for _, ok := range m.FitMask {
		if ok {
			m.DoF++
		}
	}
	return m, nil
}

func normalizedKernel(e *bundle.Exposure) ([]float64, error) {
	kernel := append([]float64(nil), e.Kernel...)
	sum := 0.0
	for _, k := range kernel {
		sum += k
	}
	if sum == 0 {
		return nil, fmt.Errorf("stack: %s: kernel sums to zero", e.Name)
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel, nil
}

// build constructs the dispersion operator: row j is the flattened 2D image
// of the kernel centered on output column j, clipped at the array edges.
func (m *SpectrumModel) build(kernel []float64, kcols int, conf grismconf.Service, confName string) error {
	npix := m.NRow * m.NCol
	m.fitData = mat.NewDense(m.NCol, npix, nil)

	for j := 0; j < m.NCol; j++ {
		for kx := 0; kx < kcols; kx++ {
			col := j - kcols/2 + kx
			if col < 0 || col >= m.NCol {
				continue
			}
			for r := 0; r < m.NRow; r++ {
				idx := r*m.NCol + col
				m.fitData.Set(j, idx, m.fitData.At(j, idx)+kernel[r*kcols+kx])
			}
		}
	}

	if m.IsFlambda {
		return nil
	}

	// Counts-space stacks: scale each wavelength row by the resampled
	// sensitivity and the local grid spacing.
	cw, cs, err := conf.Sensitivity(confName)
	if err != nil {
		return fmt.Errorf("stack: %s: %w", m.Name, err)
	}
	sens, err := interp.ConserveFlux(m.Wave, cw, cs)
	if err != nil {
		return fmt.Errorf("stack: %s: %w", m.Name, err)
	}
	dlam := interp.MedianDiff(m.Wave)
	for j := range sens {
		sens[j] *= dlam * fluxUnit
	}
	m.Sens = sens

	for j := 0; j < m.NCol; j++ {
		row := m.fitData.RawRowView(j)
		for i := range row {
			row[i] *= sens[j]
		}
	}
	return nil
}

// Size returns the pixel count.
func (m *SpectrumModel) Size() int {
	return m.NRow * m.NCol
}

// Flat returns the model of a flat unit spectrum.
func (m *SpectrumModel) Flat() []float64 {
	return m.flat
}

// Overlaps reports whether a redshifted template spectrum covers any part of
// the exposure's wavelength range.
func (m *SpectrumModel) Overlaps(wave []float64) bool {
	if len(wave) == 0 {
		return false
	}
	return wave[0] <= m.Wave[m.NCol-1] && wave[len(wave)-1] >= m.Wave[0]
}

// ComputeModel projects a 1D spectrum through the dispersion operator and
// returns the flattened 2D model. A nil spectrum means flat unit flux.
// Returns nil when the spectrum does not overlap the exposure at all.
func (m *SpectrumModel) ComputeModel(wave, flux []float64) []float64 {
	var fl []float64
	if wave == nil {
		fl = make([]float64, m.NCol)
		for i := range fl {
			fl[i] = 1
		}
	} else {
		if !m.Overlaps(wave) {
			return nil
		}
		var err error
		fl, err = interp.ConserveFlux(m.Wave, wave, flux)
		if err != nil {
			return nil
		}
	}

	model := mat.NewVecDense(m.Size(), nil)
	model.MulVec(m.fitData.T(), mat.NewVecDense(m.NCol, fl))
	return model.RawVector().Data
}

// OptimalExtract computes the inverse-variance-weighted 1D spectrum of a
// flattened 2D data array using the flat model as the extraction profile.
// Columns with zero or non-finite variance yield flux=0, rms=0.
func (m *SpectrumModel) OptimalExtract(data []float64) (flux, rms []float64, err error) {
	if len(data) != m.Size() {
		return nil, nil, fmt.Errorf("stack: %s: data has %d pixels, want %d", m.Name, len(data), m.Size())
	}

	flux = make([]float64, m.NCol)
	rms = make([]float64, m.NCol)

	for j := 0; j < m.NCol; j++ {
		flatSum := 0.0
		for r := 0; r < m.NRow; r++ {
			flatSum += m.flat[r*m.NCol+j]
		}
		if flatSum == 0 {
			continue
		}

		var num, den float64
		for r := 0; r < m.NRow; r++ {
			i := r*m.NCol + j
			prof := m.flat[i] / flatSum
			num += prof * data[i] * m.Ivarf[i]
			den += prof * prof * m.Ivarf[i]
		}
		if den <= 0 || math.IsNaN(den) || math.IsInf(den, 0) {
			continue
		}
		f := num / den
		if math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}
		flux[j] = f
		rms[j] = math.Sqrt(1 / den)
	}
	return flux, rms, nil
}
