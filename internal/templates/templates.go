// Package templates supplies the 1D spectral templates used for redshift
// fitting: emission-line complexes for the coarse search and individual
// lines for final flux extraction, plus simple continuum components.
package templates

import (
	"fmt"
	"math"
)

// speed of light, km/s
const ckms = 299792.458

// Template is a named 1D spectrum. Line templates are normalized to unit
// total flux so a fitted coefficient reads directly as line flux.
type Template struct {
	Name string
	Wave []float64
	Flux []float64

	// IsLine marks individual emission-line templates (vs continuum or
	// line-complex components).
	IsLine bool

	// Rest-frame wavelength support of the line, used to restrict the
	// equivalent-width integral. Zero for continuum templates.
	LineMin float64
	LineMax float64
}

// Redshifted returns a copy with wave scaled by (1+z) and flux by 1/(1+z).
func (t Template) Redshifted(z float64) ([]float64, []float64) {
	w := make([]float64, len(t.Wave))
	f := make([]float64, len(t.Flux))
	for i := range t.Wave {
		w[i] = t.Wave[i] * (1 + z)
		f[i] = t.Flux[i] / (1 + z)
	}
	return w, f
}

// Provider supplies the two curated template sets for a grism.
type Provider interface {
	// Complexes returns continuum plus line-complex templates for the
	// coarse redshift search.
	Complexes(grism string) []Template
	// Lines returns continuum plus individual-line templates for final
	// line flux and equivalent-width extraction.
	Lines(grism string) []Template
}

// LineFWHM returns the velocity width (km/s) used for synthesized line
// templates with a given grism.
func LineFWHM(grism string) float64 {
	switch grism {
	case "G141":
		return 1100
	case "G800L":
		return 1400
	case "G280":
		return 1500
	case "GRISM":
		return 350
	default: // G102 and friends
		return 700
	}
}

// lineComponent is one Gaussian component of a line or complex.
type lineComponent struct {
	center float64 // rest wavelength, Angstroms
	ratio  float64 // relative total flux
}

// Individual line species fit at the best redshift. Doublet ratios follow
// typical nebular values.
var lineSpecies = []struct {
	name       string
	components []lineComponent
}{
	{"SIII", []lineComponent{{9068.6, 0.29}, {9530.6, 0.71}}},
	{"SII", []lineComponent{{6718.29, 0.5}, {6732.67, 0.5}}},
	{"Ha", []lineComponent{{6564.61, 1}}},
	{"OI-6302", []lineComponent{{6302.05, 0.75}, {6363.67, 0.25}}},
	{"OIII", []lineComponent{{5008.24, 0.75}, {4960.30, 0.25}}},
	{"Hb", []lineComponent{{4862.68, 1}}},
	{"OIII-4363", []lineComponent{{4364.44, 1}}},
	{"Hg", []lineComponent{{4341.68, 1}}},
	{"Hd", []lineComponent{{4102.89, 1}}},
	{"NeIII", []lineComponent{{3869.87, 1}}},
	{"OII", []lineComponent{{3727.09, 0.5}, {3729.88, 0.5}}},
	{"MgII", []lineComponent{{2799.12, 1}}},
}

// Line complexes with fixed internal ratios, for the coarse scan where
// individual ratios are not constrained by the data.
var lineComplexes = []struct {
	name       string
	components []lineComponent
}{
	{"Ha+SII+SIII+He", []lineComponent{
		{6564.61, 1.0}, {6718.29, 0.05}, {6732.67, 0.05},
		{9068.6, 0.035}, {9530.6, 0.086}, {10830.0, 0.04},
	}},
	{"OIII+Hb", []lineComponent{
		{5008.24, 0.75}, {4960.30, 0.25}, {4862.68, 0.33},
	}},
	{"OII+Ne", []lineComponent{
		{3727.09, 0.5}, {3729.88, 0.5}, {3869.87, 0.36},
	}},
}

// Synthetic builds Gaussian line templates on a shared log-wavelength grid.
type Synthetic struct {
	WaveMin    float64 // grid start, Angstroms
	WaveMax    float64 // grid end, Angstroms
	Resolution float64 // grid sampling, lambda/dlambda

	grid []float64
}

// NewSynthetic creates a template synthesizer with the default grid
// (500-55000 A sampled at R=3000).
func NewSynthetic() *Synthetic {
	return &Synthetic{WaveMin: 500, WaveMax: 55000, Resolution: 3000}
}

// Grid returns the shared wavelength grid, building it on first use.
func (s *Synthetic) Grid() []float64 {
	if s.grid == nil {
		dln := 1 / s.Resolution
		n := int(math.Log(s.WaveMax/s.WaveMin)/dln) + 1
		s.grid = make([]float64, n)
		for i := range s.grid {
			s.grid[i] = s.WaveMin * math.Exp(float64(i)*dln)
		}
	}
	return s.grid
}

// Complexes implements Provider.
func (s *Synthetic) Complexes(grism string) []Template {
	fwhm := LineFWHM(grism)
	set := s.continuumSet()
	for _, c := range lineComplexes {
		set = append(set, s.lineTemplate(c.name, c.components, fwhm, false))
	}
	return set
}

// Lines implements Provider.
func (s *Synthetic) Lines(grism string) []Template {
	fwhm := LineFWHM(grism)
	set := s.continuumSet()
	for _, l := range lineSpecies {
		set = append(set, s.lineTemplate(l.name, l.components, fwhm, true))
	}
	return set
}

// continuumSet returns the smooth components shared by both sets: a flat
// f-lambda spectrum, a blue power law, and a Balmer-break spectrum.
func (s *Synthetic) continuumSet() []Template {
	grid := s.Grid()
	flat := make([]float64, len(grid))
	blue := make([]float64, len(grid))
	brk := make([]float64, len(grid))
	for i, w := range grid {
		flat[i] = 1
		blue[i] = math.Pow(w/5500, -2)
		if w < 3646 {
			brk[i] = 0.1
		} else {
			brk[i] = math.Pow(w/5500, 0.5)
		}
	}
	return []Template{
		{Name: "continuum flat", Wave: grid, Flux: flat},
		{Name: "continuum blue", Wave: grid, Flux: blue},
		{Name: "continuum break", Wave: grid, Flux: brk},
	}
}

// lineTemplate synthesizes a multi-component Gaussian template normalized to
// unit total flux.
func (s *Synthetic) lineTemplate(name string, comps []lineComponent, fwhm float64, isLine bool) Template {
	grid := s.Grid()
	flux := make([]float64, len(grid))

	total := 0.0
	for _, c := range comps {
		total += c.ratio
	}

	lineMin, lineMax := math.Inf(1), math.Inf(-1)
	for _, c := range comps {
		sigma := c.center * fwhm / ckms / 2.35482
		amp := c.ratio / total / (sigma * math.Sqrt(2*math.Pi))
		for i, w := range grid {
			d := (w - c.center) / sigma
			if d > -6 && d < 6 {
				flux[i] += amp * math.Exp(-0.5*d*d)
			}
		}
		if lo := c.center - 5*sigma; lo < lineMin {
			lineMin = lo
		}
		if hi := c.center + 5*sigma; hi > lineMax {
			lineMax = hi
		}
	}

	return Template{
		Name:    name,
		Wave:    grid,
		Flux:    flux,
		IsLine:  isLine,
		LineMin: lineMin,
		LineMax: lineMax,
	}
}

// Composite sums scaled templates sharing one wavelength grid. Line
// templates are included only when includeLines is set; continuum templates
// always contribute.
func Composite(set []Template, coeffs []float64, includeLines bool) (Template, error) {
	if len(set) == 0 {
		return Template{}, fmt.Errorf("templates: empty set")
	}
	if len(coeffs) != len(set) {
		return Template{}, fmt.Errorf("templates: %d coefficients for %d templates", len(coeffs), len(set))
	}
	grid := set[0].Wave
	flux := make([]float64, len(grid))
	for i, t := range set {
		if len(t.Wave) != len(grid) {
			return Template{}, fmt.Errorf("templates: %q is not on the shared grid", t.Name)
		}
		if t.IsLine && !includeLines {
			continue
		}
		for j := range flux {
			flux[j] += coeffs[i] * t.Flux[j]
		}
	}
	return Template{Name: "composite", Wave: grid, Flux: flux}, nil
}
