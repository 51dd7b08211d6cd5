package stack

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enoordeh/grizli/internal/bundle"
	"github.com/enoordeh/grizli/internal/grismconf"
)

const (
	testRows = 7
	testCols = 40
)

// testExposure builds a flambda exposure with a Gaussian cross-dispersion
// kernel and unit inverse variance.
func testExposure() *bundle.Exposure {
	kc := testRows
	e := &bundle.Exposure{
		Name:       "G141",
		Grism:      "G141",
		NRow:       testRows,
		NCol:       testCols,
		CRPix:      1,
		CRVal:      11000,
		CD:         46,
		Sci:        make([]float64, testRows*testCols),
		Ivar:       make([]float64, testRows*testCols),
		Kernel:     make([]float64, testRows*kc),
		KernelCols: kc,
		IsFlambda:  true,
	}
	for i := range e.Ivar {
		e.Ivar[i] = 100
	}
	for r := 0; r < testRows; r++ {
		for c := 0; c < kc; c++ {
			dr := float64(r - testRows/2)
			dc := float64(c - kc/2)
			e.Kernel[r*kc+c] = math.Exp(-0.5 * (dr*dr + dc*dc) / 1.2)
		}
	}
	return e
}

func newTestModel(t *testing.T) *SpectrumModel {
	t.Helper()
	m, err := New(testExposure(), nil, DefaultOptions())
	require.NoError(t, err)
	return m
}

func TestMaskNarrowsMonotonically(t *testing.T) {
	e := testExposure()
	e.Sci[3] = math.NaN()
	e.Ivar[7] = 0

	// Pixel counts passing each successive criterion, computed directly
	// from the exposure.
	finite := 0
	for i := range e.Sci {
		if !math.IsNaN(e.Sci[i]) {
			finite++
		}
	}
	positive := 0
	for i := range e.Sci {
		if !math.IsNaN(e.Sci[i]) && e.Ivar[i] > 0 {
			positive++
		}
	}

	m, err := New(e, nil, DefaultOptions())
	require.NoError(t, err)

	masked := 0
	for _, ok := range m.FitMask {
		if ok {
			masked++
		}
	}

	require.LessOrEqual(t, positive, finite)
	require.LessOrEqual(t, masked, positive)
	require.Equal(t, masked, m.DoF)
	require.Greater(t, masked, 0)

	// The NaN and zero-ivar pixels are excluded.
	require.False(t, m.FitMask[3])
	require.False(t, m.FitMask[7])
}

func TestFlatModelColumnSums(t *testing.T) {
	m := newTestModel(t)
	flat := m.Flat()

	// Away from the edges each column collects the full normalized kernel.
	kc := testRows
	for j := kc; j < testCols-kc; j++ {
		sum := 0.0
		for r := 0; r < testRows; r++ {
			sum += flat[r*testCols+j]
		}
		require.InDelta(t, 1.0, sum, 1e-10, "column %d", j)
	}

	// Edge columns are clipped, not wrapped.
	edge := 0.0
	for r := 0; r < testRows; r++ {
		edge += flat[r*testCols]
	}
	require.Less(t, edge, 1.0)
}

func TestOptimalExtractFixedPoint(t *testing.T) {
	m := newTestModel(t)

	flux, rms, err := m.OptimalExtract(m.Flat())
	require.NoError(t, err)

	// Extracting the flat model against itself recovers the per-column
	// model flux, which is 1 away from the clipped edges.
	kc := testRows
	for j := kc; j < testCols-kc; j++ {
		require.InDelta(t, 1.0, flux[j], 1e-10, "column %d", j)
		require.Greater(t, rms[j], 0.0)
	}
}

func TestOptimalExtractZeroFill(t *testing.T) {
	e := testExposure()
	for i := range e.Ivar {
		e.Ivar[i] = 0
	}
	// Keep one pixel alive so the model still builds a nonempty mask path.
	e.Ivar[3*testCols+20] = 100

	m, err := New(e, nil, DefaultOptions())
	require.NoError(t, err)

	flux, rms, err := m.OptimalExtract(m.Flat())
	require.NoError(t, err)
	for j := 0; j < testCols; j++ {
		if j == 20 {
			continue
		}
		require.Zero(t, flux[j], "column %d", j)
		require.Zero(t, rms[j], "column %d", j)
	}
}

func TestComputeModelNoOverlap(t *testing.T) {
	m := newTestModel(t)

	// Template entirely blueward of the exposure range.
	wave := []float64{1000, 2000, 3000}
	flux := []float64{1, 1, 1}
	require.False(t, m.Overlaps(wave))
	require.Nil(t, m.ComputeModel(wave, flux))
}

func TestComputeModelOverlap(t *testing.T) {
	m := newTestModel(t)

	wave := make([]float64, 100)
	flux := make([]float64, 100)
	for i := range wave {
		wave[i] = 10000 + 100*float64(i)
		flux[i] = 2
	}
	require.True(t, m.Overlaps(wave))

	model := m.ComputeModel(wave, flux)
	require.Len(t, model, m.Size())

	// Constant spectrum of 2 reproduces twice the flat model.
	flat := m.Flat()
	for i := range model {
		require.InDelta(t, 2*flat[i], model[i], 1e-9)
	}
}

func TestSensitivityScaling(t *testing.T) {
	e := testExposure()
	e.IsFlambda = false
	e.Conf = "G141"

	svc := grismconf.Static{
		"G141": {
			Wavelength:  []float64{9000, 18000},
			Sensitivity: []float64{2e15, 2e15},
		},
	}

	m, err := New(e, svc, DefaultOptions())
	require.NoError(t, err)
	require.NotNil(t, m.Sens)

	// sens = 2e15 * dlam(=46) * 1e-17
	want := 2e15 * 46 * 1e-17
	for j := 0; j < testCols; j++ {
		require.InDelta(t, want, m.Sens[j], want*1e-6)
	}

	// The flat model scales accordingly in the interior.
	flat := m.Flat()
	kc := testRows
	for j := kc; j < testCols-kc; j++ {
		sum := 0.0
		for r := 0; r < testRows; r++ {
			sum += flat[r*testCols+j]
		}
		require.InDelta(t, want, sum, want*1e-6)
	}
}

func TestMissingSensitivityFailsFast(t *testing.T) {
	e := testExposure()
	e.IsFlambda = false
	e.Conf = "G141"

	_, err := New(e, grismconf.Static{}, DefaultOptions())
	require.Error(t, err)
}

func TestContaminationWeight(t *testing.T) {
	e := testExposure()
	e.Contam = make([]float64, e.Size())
	e.Contam[5] = 3

	m, err := New(e, nil, DefaultOptions())
	require.NoError(t, err)

	// weight = exp(-1 * 3 * sqrt(100))
	require.InDelta(t, math.Exp(-30), m.Weightf[5], 1e-12)
	require.InDelta(t, 1.0, m.Weightf[6], 1e-12)
}
