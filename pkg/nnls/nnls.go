// Package nnls solves non-negative least squares problems using the
// Lawson-Hanson active-set algorithm.
package nnls

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Solve finds x >= 0 minimizing ||A*x - b||_2 using the Lawson-Hanson
// active-set method. A is m x n with m >= 1; b has length m.
func Solve(a *mat.Dense, b []float64) ([]float64, error) {
	m, n := a.Dims()
	if len(b) != m {
		return nil, fmt.Errorf("nnls: dimension mismatch: A is %dx%d, b has length %d", m, n, len(b))
	}

	x := make([]float64, n)
	passive := make([]bool, n)
	bVec := mat.NewVecDense(m, b)

	// Gradient of the residual: w = A^T (b - A x)
	w := make([]float64, n)
	resid := mat.NewVecDense(m, nil)
	ax := mat.NewVecDense(m, nil)

	computeGradient := func() {
		ax.MulVec(a, mat.NewVecDense(n, x))
		resid.SubVec(bVec, ax)
		for j := 0; j < n; j++ {
			col := a.ColView(j)
			w[j] = mat.Dot(col, resid)
		}
	}

	const tol = 1e-11
	maxIter := 3 * n
	if maxIter < 30 {
		maxIter = 30
	}

	for iter := 0; iter < maxIter; iter++ {
		computeGradient()

		// Most positive gradient among the active (zero) set
		jmax, wmax := -1, tol
		for j := 0; j < n; j++ {
			if !passive[j] && w[j] > wmax {
				jmax, wmax = j, w[j]
			}
		}
		if jmax < 0 {
			break // KKT conditions satisfied
		}
		passive[jmax] = true

		// Inner loop: solve the unconstrained subproblem on the passive set
		// and backtrack while any passive coefficient goes negative.
		for {
			s, cols, err := solvePassive(a, bVec, passive)
			if err != nil {
				// Newly added column made the subproblem rank deficient;
				// put it back in the active set and stop considering it.
				passive[jmax] = false
				break
			}

			minS := math.Inf(1)
			for _, v := range s {
				if v < minS {
					minS = v
				}
			}
			if minS > 0 {
				for i := range x {
					x[i] = 0
				}
				for i, j := range cols {
					x[j] = s[i]
				}
				break
			}

			// Step toward s only as far as feasibility allows
			alpha := math.Inf(1)
			for i, j := range cols {
				if s[i] <= 0 {
					if r := x[j] / (x[j] - s[i]); r < alpha {
						alpha = r
					}
				}
			}
			for i, j := range cols {
				x[j] += alpha * (s[i] - x[j])
			}
			for j := 0; j < n; j++ {
				if passive[j] && x[j] <= tol {
					x[j] = 0
					passive[j] = false
				}
			}
		}
	}

	for j := range x {
		if x[j] < 0 {
			x[j] = 0
		}
	}
	return x, nil
}

// solvePassive solves the unconstrained least squares problem restricted to
// the passive columns, returning the solution and the column indices used.
func solvePassive(a *mat.Dense, b *mat.VecDense, passive []bool) ([]float64, []int, error) {
	m, n := a.Dims()
	var cols []int
	for j := 0; j < n; j++ {
		if passive[j] {
			cols = append(cols, j)
		}
	}
	if len(cols) == 0 {
		return nil, nil, nil
	}

	sub := mat.NewDense(m, len(cols), nil)
	for i, j := range cols {
		sub.SetCol(i, mat.Col(nil, j, a))
	}

	var qr mat.QR
	qr.Factorize(sub)
	var sol mat.VecDense
	if err := qr.SolveVecTo(&sol, false, b); err != nil {
		return nil, nil, err
	}

	s := make([]float64, len(cols))
	for i := range cols {
		s[i] = sol.AtVec(i)
	}
	return s, cols, nil
}
