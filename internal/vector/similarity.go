// Package vector holds the similarity math used to rank catalog embeddings.
package vector

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrEmptyVector       = errors.New("vectors cannot be empty")
	ErrDimensionMismatch = errors.New("vectors must have the same dimension")
	ErrZeroMagnitude     = errors.New("vector has zero magnitude")
)

// DimensionMismatchError reports the two lengths that could not be compared.
type DimensionMismatchError struct {
	Left, Right int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("%s: %d != %d", ErrDimensionMismatch, e.Left, e.Right)
}

func (e *DimensionMismatchError) Unwrap() error { return ErrDimensionMismatch }

// CosineSimilarity returns dot(a,b) / (|a| * |b|), in [-1, 1].
// The dot product and both squared magnitudes are accumulated in one pass.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, ErrEmptyVector
	}
	if len(a) != len(b) {
		return 0, &DimensionMismatchError{Left: len(a), Right: len(b)}
	}

	var dot, sumA, sumB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		sumA += x * x
		sumB += y * y
	}

	if sumA == 0 || sumB == 0 {
		return 0, ErrZeroMagnitude
	}

	score := dot / (math.Sqrt(sumA) * math.Sqrt(sumB))
	// rounding can push parallel vectors a hair past 1
	return math.Max(-1, math.Min(1, score)), nil
}
