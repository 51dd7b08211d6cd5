package fitting

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/enoordeh/grizli/internal/bundle"
)

// Table is the persisted result of a redshift fit: metadata, the scan, and
// the per-line measurements. The storage medium is JSON but the field set
// is the contract.
type Table struct {
	ID  int     `json:"id"`
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`

	Z        float64 `json:"z"`
	ChiMin   float64 `json:"chi_min"`
	ChiMax   float64 `json:"chi_max"`
	DoF      int     `json:"dof"`
	Area25   float64 `json:"area25"`
	Fitter   string  `json:"fitter"`
	HasPrior bool    `json:"has_prior"`

	// Checksum of the input bundle, for provenance.
	Checksum uint64 `json:"checksum,omitempty"`

	Lines []LineMeasurement `json:"lines"`
	Scan  []ScanPoint       `json:"scan"`

	// Best-fit coefficients over the individual-line template set, in
	// template order.
	Coeffs []float64 `json:"coeffs"`
}

// NewTable assembles the results table from a search result and the stack
// it was fit to.
func NewTable(s *bundle.Stack, res *SearchResult) *Table {
	return &Table{
		ID:       s.ID,
		RA:       s.RA,
		Dec:      s.Dec,
		Z:        res.ZBest,
		ChiMin:   res.Chi2Min,
		ChiMax:   res.Chi2Max,
		DoF:      res.DoF,
		Area25:   res.Area25,
		Fitter:   string(res.Solver),
		HasPrior: res.HasPrior,
		Checksum: s.Checksum,
		Lines:    res.Lines,
		Scan:     res.Scan,
		Coeffs:   res.Best.Coeffs,
	}
}

// Write stores the table as .json or .json.gz.
func (t *Table) Write(path string) error {
	raw, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("fitting: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("fitting: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("fitting: %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("fitting: %s: %w", path, err)
		}
	}
	return f.Close()
}

// ReadTable loads a table written by Write.
func ReadTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fitting: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("fitting: %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("fitting: %s: %w", path, err)
	}
	var t Table
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("fitting: %s: %w", path, err)
	}
	return &t, nil
}
