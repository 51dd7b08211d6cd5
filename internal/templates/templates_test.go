package templates

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/integrate"
)

func TestSetContents(t *testing.T) {
	s := NewSynthetic()

	complexes := s.Complexes("G141")
	lines := s.Lines("G141")

	// Continuum components lead both sets and carry no line tag.
	require.Greater(t, len(complexes), 3)
	require.Len(t, lines, 3+12)
	for _, set := range [][]Template{complexes, lines} {
		for _, name := range []string{"continuum flat", "continuum blue", "continuum break"} {
			found := false
			for _, tmpl := range set {
				if tmpl.Name == name {
					require.False(t, tmpl.IsLine)
					found = true
				}
			}
			require.True(t, found, name)
		}
	}

	// Complexes are untagged, individual lines are tagged.
	for _, tmpl := range complexes {
		require.False(t, tmpl.IsLine, tmpl.Name)
	}
	nline := 0
	for _, tmpl := range lines {
		if tmpl.IsLine {
			nline++
			require.Less(t, tmpl.LineMin, tmpl.LineMax, tmpl.Name)
		}
	}
	require.Equal(t, 12, nline)
}

func TestLineTemplatesUnitFlux(t *testing.T) {
	s := NewSynthetic()
	for _, tmpl := range s.Lines("G141") {
		if !tmpl.IsLine {
			continue
		}
		total := integrate.Trapezoidal(tmpl.Wave, tmpl.Flux)
		require.InDelta(t, 1.0, total, 0.01, tmpl.Name)
	}
}

func TestRedshifted(t *testing.T) {
	tmpl := Template{Wave: []float64{1000, 2000}, Flux: []float64{2, 4}}
	w, f := tmpl.Redshifted(1)
	require.InDeltaSlice(t, []float64{2000, 4000}, w, 1e-12)
	require.InDeltaSlice(t, []float64{1, 2}, f, 1e-12)
}

func TestLineFWHM(t *testing.T) {
	require.Equal(t, 1100.0, LineFWHM("G141"))
	require.Equal(t, 1400.0, LineFWHM("G800L"))
	require.Equal(t, 1500.0, LineFWHM("G280"))
	require.Equal(t, 350.0, LineFWHM("GRISM"))
	require.Equal(t, 700.0, LineFWHM("G102"))
}

func TestComposite(t *testing.T) {
	s := NewSynthetic()
	set := s.Lines("G141")
	coeffs := make([]float64, len(set))
	for i := range coeffs {
		coeffs[i] = 1
	}

	all, err := Composite(set, coeffs, true)
	require.NoError(t, err)
	contOnly, err := Composite(set, coeffs, false)
	require.NoError(t, err)

	// Lines only add flux.
	var sumAll, sumCont float64
	for i := range all.Flux {
		sumAll += all.Flux[i]
		sumCont += contOnly.Flux[i]
		require.GreaterOrEqual(t, all.Flux[i], contOnly.Flux[i])
	}
	require.Greater(t, sumAll, sumCont)

	_, err = Composite(set, coeffs[:2], true)
	require.Error(t, err)
	_, err = Composite(nil, nil, true)
	require.Error(t, err)
}
