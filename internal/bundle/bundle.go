// Package bundle defines the typed on-disk container for stacked 2D grism
// spectra and validates it once at load time.
package bundle

import (
	"fmt"
	"math"
)

// Stack is one object's collection of stacked 2D spectra, one Exposure per
// grism (or per grism/position-angle combination).
type Stack struct {
	ID        int        `json:"id"`
	RA        float64    `json:"ra"`
	Dec       float64    `json:"dec"`
	Exposures []Exposure `json:"exposures"`

	// Checksum of the serialized bundle bytes, filled in by Load for
	// provenance tracking. Not part of the on-disk payload.
	Checksum uint64 `json:"-"`
}

// Exposure is one stacked 2D spectrum plus everything needed to build its
// forward model: the linear wavelength solution, the spatial kernel and the
// flux-calibration state.
type Exposure struct {
	Name  string `json:"name"`  // e.g. "G141" or "G141,285"
	Grism string `json:"grism"` // e.g. "G141"

	NRow int `json:"nrow"`
	NCol int `json:"ncol"`

	// Linear wavelength solution: wave[j] = (j + 1 - CRPix)*CD + CRVal
	CRPix float64 `json:"crpix"`
	CRVal float64 `json:"crval"`
	CD    float64 `json:"cd"`

	Sci    []float64 `json:"sci"`
	Ivar   []float64 `json:"ivar"`
	Contam []float64 `json:"contam,omitempty"`

	// Spatial kernel, NRow x KernelCols, row-major
	Kernel     []float64 `json:"kernel"`
	KernelCols int       `json:"kernel_cols"`

	// IsFlambda marks stacks already in f-lambda units; otherwise the
	// model is scaled by the named sensitivity configuration.
	IsFlambda bool   `json:"is_flambda"`
	Conf      string `json:"conf,omitempty"`
}

// Size returns the pixel count of the exposure.
func (e *Exposure) Size() int {
	return e.NRow * e.NCol
}

// Wave returns the wavelength of each column from the WCS keywords.
func (e *Exposure) Wave() []float64 {
	w := make([]float64, e.NCol)
	for j := 0; j < e.NCol; j++ {
		w[j] = (float64(j)+1-e.CRPix)*e.CD + e.CRVal
	}
	return w
}

// Validate checks the stack for structural problems. Malformed bundles are
// fatal: the error names the first offending field.
func (s *Stack) Validate() error {
	if len(s.Exposures) == 0 {
		return fmt.Errorf("bundle: stack %d has no exposures", s.ID)
	}
	for i := range s.Exposures {
		if err := s.Exposures[i].validate(); err != nil {
			return fmt.Errorf("bundle: exposure %d (%q): %w", i, s.Exposures[i].Name, err)
		}
	}
	return nil
}

func (e *Exposure) validate() error {
	if e.Name == "" {
		return fmt.Errorf("missing name")
	}
	if e.NRow <= 0 || e.NCol <= 0 {
		return fmt.Errorf("invalid shape %dx%d", e.NRow, e.NCol)
	}
	if e.CD == 0 {
		return fmt.Errorf("missing wavelength solution: cd is zero")
	}
	size := e.Size()
	if len(e.Sci) != size {
		return fmt.Errorf("sci has %d pixels, want %d", len(e.Sci), size)
	}
	if len(e.Ivar) != size {
		return fmt.Errorf("ivar has %d pixels, want %d", len(e.Ivar), size)
	}
	if e.Contam != nil && len(e.Contam) != size {
		return fmt.Errorf("contam has %d pixels, want %d", len(e.Contam), size)
	}
	if e.KernelCols <= 0 {
		return fmt.Errorf("missing kernel_cols")
	}
	if len(e.Kernel) != e.NRow*e.KernelCols {
		return fmt.Errorf("kernel has %d samples, want %d", len(e.Kernel), e.NRow*e.KernelCols)
	}
	ksum := 0.0
	for _, k := range e.Kernel {
		ksum += k
	}
	if ksum == 0 || math.IsNaN(ksum) || math.IsInf(ksum, 0) {
		return fmt.Errorf("kernel sum is %v", ksum)
	}
	if !e.IsFlambda && e.Conf == "" {
		return fmt.Errorf("missing conf for non-flambda exposure")
	}
	return nil
}
