// Package rnd provides random sampling helpers for the localization
// engine. All functions take an explicit random source so stochastic
// components stay seedable and tests stay deterministic.
package rnd

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// WithCovN draws n samples from a zero-mean Normal distribution with
// covariance cov and returns them as the columns of a dims x n matrix.
// The covariance is factorized with SVD rather than Cholesky so that
// singular covariances, e.g. a pose prior with a zero variance entry,
// still work. A nil src falls back to the global source.
func WithCovN(cov mat.Symmetric, n int, src rand.Source) (*mat.Dense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid number of samples requested: %d", n)
	}

	var svd mat.SVD
	if ok := svd.Factorize(cov, mat.SVDFull); !ok {
		return nil, fmt.Errorf("SVD factorization of covariance failed")
	}

	U := new(mat.Dense)
	svd.UTo(U)
	vals := svd.Values(nil)
	for i := range vals {
		vals[i] = math.Sqrt(vals[i])
	}
	diag := mat.NewDiagDense(len(vals), vals)
	U.Mul(U, diag)

	if src == nil {
		src = rand.NewSource(rand.Uint64())
	}
	rnd := rand.New(src)

	rows, _ := cov.Dims()
	data := make([]float64, rows*n)
	for i := range data {
		data[i] = rnd.NormFloat64()
	}
	samples := mat.NewDense(rows, n, data)
	samples.Mul(U, samples)

	return samples, nil
}
