// Package grismconf supplies instrument sensitivity curves for grism
// configurations. The fitting core consumes it as an opaque service.
package grismconf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Service provides the sensitivity curve for a named grism configuration.
type Service interface {
	// Sensitivity returns (wavelength, sensitivity) samples for the
	// configuration, e.g. "G141". Wavelengths are in Angstroms and
	// strictly increasing.
	Sensitivity(conf string) (wave, sens []float64, err error)
}

// Curve is one sensitivity curve as stored on disk.
type Curve struct {
	Wavelength  []float64 `json:"wavelength"`
	Sensitivity []float64 `json:"sensitivity"`
}

func (c *Curve) validate(name string) error {
	if len(c.Wavelength) < 2 {
		return fmt.Errorf("grismconf: %s: need at least 2 samples, got %d", name, len(c.Wavelength))
	}
	if len(c.Wavelength) != len(c.Sensitivity) {
		return fmt.Errorf("grismconf: %s: wavelength has %d samples, sensitivity has %d",
			name, len(c.Wavelength), len(c.Sensitivity))
	}
	for i := 1; i < len(c.Wavelength); i++ {
		if c.Wavelength[i] <= c.Wavelength[i-1] {
			return fmt.Errorf("grismconf: %s: wavelength not increasing at index %d", name, i)
		}
	}
	return nil
}

// Static is an in-memory Service keyed by configuration name.
type Static map[string]Curve

// Sensitivity implements Service.
func (s Static) Sensitivity(conf string) ([]float64, []float64, error) {
	c, ok := s[conf]
	if !ok {
		return nil, nil, fmt.Errorf("grismconf: no sensitivity curve for %q", conf)
	}
	if err := c.validate(conf); err != nil {
		return nil, nil, err
	}
	return c.Wavelength, c.Sensitivity, nil
}

// Dir is a Service backed by a directory of <conf>.sens.json files.
type Dir struct {
	Path string

	cache Static
}

// NewDir creates a directory-backed sensitivity service.
func NewDir(path string) *Dir {
	return &Dir{Path: path, cache: Static{}}
}

// Sensitivity implements Service, loading and caching curves on demand.
func (d *Dir) Sensitivity(conf string) ([]float64, []float64, error) {
	if c, ok := d.cache[conf]; ok {
		return c.Wavelength, c.Sensitivity, nil
	}

	path := filepath.Join(d.Path, conf+".sens.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("grismconf: %w", err)
	}
	var c Curve
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, nil, fmt.Errorf("grismconf: %s: %w", path, err)
	}
	if err := c.validate(conf); err != nil {
		return nil, nil, err
	}
	d.cache[conf] = c
	return c.Wavelength, c.Sensitivity, nil
}
