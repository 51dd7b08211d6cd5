package fitting

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enoordeh/grizli/internal/bundle"
	"github.com/enoordeh/grizli/internal/stack"
	"github.com/enoordeh/grizli/internal/templates"
)

func TestLogZGrid(t *testing.T) {
	grid := LogZGrid(0.4, 3.4, 0.005)
	require.NotEmpty(t, grid)
	require.InDelta(t, 0.4, grid[0], 1e-12)
	require.Less(t, grid[len(grid)-1], 3.4)

	// Uniform in log(1+z)
	for i := 2; i < len(grid); i++ {
		d1 := math.Log(1+grid[i]) - math.Log(1+grid[i-1])
		d0 := math.Log(1+grid[i-1]) - math.Log(1+grid[i-2])
		require.InDelta(t, d0, d1, 1e-12)
	}
}

func TestPriorInterpolation(t *testing.T) {
	p := &Prior{Z: []float64{0, 1, 2}, Chi2: []float64{0, 10, 0}}
	out := p.At([]float64{-1, 0.5, 1, 1.5, 3})
	require.InDeltaSlice(t, []float64{0, 5, 10, 5, 0}, out, 1e-12)
}

func TestArea25Bounds(t *testing.T) {
	// Flat curve: no redshift information, area25 = 0.
	flat := []ScanPoint{{Z: 1, Chi2: 7}, {Z: 1.1, Chi2: 7}, {Z: 1.2, Chi2: 7}}
	require.InDelta(t, 0.0, area25(flat, 7), 1e-12)

	// Deep narrow minimum: area25 approaches 1.
	var peaked []ScanPoint
	for i := 0; i <= 100; i++ {
		z := 1 + float64(i)/100
		chi := 1000.0
		if i == 50 {
			chi = 0
		}
		peaked = append(peaked, ScanPoint{Z: z, Chi2: chi})
	}
	a := area25(peaked, 0)
	require.Greater(t, a, 0.95)
	require.LessOrEqual(t, a, 1.0)

	// Always bounded for finite non-negative curves.
	mixed := []ScanPoint{{Z: 1, Chi2: 3}, {Z: 1.1, Chi2: 90}, {Z: 1.3, Chi2: 12}}
	a = area25(mixed, 3)
	require.GreaterOrEqual(t, a, 0.0)
	require.LessOrEqual(t, a, 1.0)
}

func TestEquivalentWidthSentinel(t *testing.T) {
	line := templates.Template{
		Name:    "fake",
		Wave:    []float64{4990, 5000, 5010},
		Flux:    []float64{0, 1, 0},
		IsLine:  true,
		LineMin: 4990,
		LineMax: 5010,
	}
	// Zero continuum makes the ratio non-finite.
	continuum := templates.Template{Wave: line.Wave, Flux: []float64{0, 0, 0}}
	require.Equal(t, ewSentinel, equivalentWidth(line, 1, continuum))

	// Healthy continuum gives a finite positive EW.
	continuum.Flux = []float64{0.1, 0.1, 0.1}
	ew := equivalentWidth(line, 1, continuum)
	require.Greater(t, ew, 0.0)
}

func searchFixture(t *testing.T) (*Fitter, []templates.Template, []templates.Template, *bundle.Stack) {
	t.Helper()
	syn := templates.NewSynthetic()
	complexes := syn.Complexes("G141")
	lines := syn.Lines("G141")

	injected := make([]float64, len(complexes))
	for i, tmpl := range complexes {
		switch tmpl.Name {
		case "continuum flat":
			injected[i] = 0.02
		case "Ha+SII+SIII+He":
			injected[i] = 2.0
		}
	}

	e := injectedExposure(t, complexes, injected, 1.0, 0.3)
	s := &bundle.Stack{ID: 18197, RA: 189.16, Dec: 62.25, Exposures: []bundle.Exposure{*e}}
	f, err := New([]*stack.SpectrumModel{newModel(t, e)}, nil)
	require.NoError(t, err)
	return f, complexes, lines, s
}

func TestFitZGridRecoversInjectedRedshift(t *testing.T) {
	f, complexes, lines, _ := searchFixture(t)

	cfg := DefaultSearchConfig()
	cfg.ZMin, cfg.ZMax = 0.8, 1.2

	res, err := f.FitZGrid(cfg, complexes, lines)
	require.NoError(t, err)

	// Best redshift within one fine-grid step of the injected value.
	fineStep := 2 * cfg.DZ0 / math.Pow(refineShrink, refineRounds)
	require.InDelta(t, 1.0, res.ZBest, fineStep)
	require.Less(t, res.Chi2Min, 0.5)
	require.GreaterOrEqual(t, res.Chi2Max, res.Chi2Min)

	// Sharply peaked, noiseless fit.
	require.Greater(t, res.Area25, 0.9)
	require.LessOrEqual(t, res.Area25, 1.0)

	// Scan is sorted by redshift.
	for i := 1; i < len(res.Scan); i++ {
		require.LessOrEqual(t, res.Scan[i-1].Z, res.Scan[i].Z)
	}

	// Ha dominates the line complex, so the individual-line fit must
	// recover most of the injected flux in Ha.
	var ha *LineMeasurement
	for i := range res.Lines {
		if res.Lines[i].Name == "Ha" {
			ha = &res.Lines[i]
		}
	}
	require.NotNil(t, ha)
	require.Greater(t, ha.Flux, 1.0)
	require.Greater(t, ha.EW, 0.0)
	require.NotEqual(t, ewSentinel, ha.EW)
	require.False(t, res.HasPrior)
}

func TestFitZGridDeterministic(t *testing.T) {
	f, complexes, lines, _ := searchFixture(t)

	cfg := DefaultSearchConfig()
	cfg.ZMin, cfg.ZMax = 0.9, 1.1

	first, err := f.FitZGrid(cfg, complexes, lines)
	require.NoError(t, err)
	second, err := f.FitZGrid(cfg, complexes, lines)
	require.NoError(t, err)

	require.Equal(t, first.ZBest, second.ZBest)
	require.Equal(t, first.Scan, second.Scan)
	require.Equal(t, first.Best.Coeffs, second.Best.Coeffs)
}

func TestFitZGridParallelMatchesSerial(t *testing.T) {
	f, complexes, lines, _ := searchFixture(t)

	cfg := DefaultSearchConfig()
	cfg.ZMin, cfg.ZMax = 0.9, 1.1

	serial, err := f.FitZGrid(cfg, complexes, lines)
	require.NoError(t, err)

	cfg.Workers = 4
	parallel, err := f.FitZGrid(cfg, complexes, lines)
	require.NoError(t, err)

	require.Equal(t, serial.ZBest, parallel.ZBest)
	require.Equal(t, serial.Scan, parallel.Scan)
}

func TestFitZGridPrior(t *testing.T) {
	// Featureless data: chi-squared is flat in redshift, so the prior
	// alone selects the best redshift.
	m := newModel(t, flatExposure("G141", 11000, 46, 0.5))
	f, err := New([]*stack.SpectrumModel{m}, nil)
	require.NoError(t, err)

	syn := templates.NewSynthetic()
	var pz, pchi []float64
	for z := 0.0; z <= 3.0; z += 0.01 {
		pz = append(pz, z)
		pchi = append(pchi, (z-0.9)*(z-0.9)/(2*0.01*0.01))
	}

	cfg := DefaultSearchConfig()
	cfg.ZMin, cfg.ZMax = 0.5, 1.5
	cfg.Prior = &Prior{Z: pz, Chi2: pchi}

	res, err := f.FitZGrid(cfg, syn.Complexes("G141"), syn.Lines("G141"))
	require.NoError(t, err)
	require.True(t, res.HasPrior)
	require.InDelta(t, 0.9, res.ZBest, 0.01)

	// Prior recorded per scan point and already folded into chi2.
	for _, p := range res.Scan {
		require.GreaterOrEqual(t, p.Chi2, p.Prior-1e-9)
	}
}

func TestFitZGridInvalidConfig(t *testing.T) {
	f, complexes, lines, _ := searchFixture(t)

	cfg := DefaultSearchConfig()
	cfg.ZMin, cfg.ZMax = 1.2, 0.8
	_, err := f.FitZGrid(cfg, complexes, lines)
	require.Error(t, err)

	cfg = DefaultSearchConfig()
	cfg.DZ0 = 0
	_, err = f.FitZGrid(cfg, complexes, lines)
	require.Error(t, err)
}

func TestTableRoundTrip(t *testing.T) {
	f, complexes, lines, s := searchFixture(t)

	cfg := DefaultSearchConfig()
	cfg.ZMin, cfg.ZMax = 0.9, 1.1
	res, err := f.FitZGrid(cfg, complexes, lines)
	require.NoError(t, err)

	tab := NewTable(s, res)
	require.Equal(t, 18197, tab.ID)
	require.Equal(t, res.ZBest, tab.Z)
	require.Equal(t, f.DoF, tab.DoF)
	require.Equal(t, "nnls", tab.Fitter)
	require.False(t, tab.HasPrior)
	require.NotEmpty(t, tab.Lines)

	for _, name := range []string{"zfit.json", "zfit.json.gz"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, tab.Write(path))
		got, err := ReadTable(path)
		require.NoError(t, err)
		require.Equal(t, tab.Z, got.Z)
		require.Equal(t, tab.Lines, got.Lines)
		require.Equal(t, tab.Scan, got.Scan)
	}
}
