package utils

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when two embeddings of different length are compared.
var ErrDimensionMismatch = errors.New("embedding dimensions differ")

// CosineSimilarity returns dot(a,b) / (|a|*|b|).
// A zero-magnitude operand yields 0 rather than a division fault.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}

	var dot, sumA, sumB float64
	for i := range a {
		dot += a[i] * b[i]
		sumA += a[i] * a[i]
		sumB += b[i] * b[i]
	}
	if sumA == 0 || sumB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(sumA) * math.Sqrt(sumB)), nil
}

// MatchPercent floors a similarity at 0, caps it at 1 and reports it as a
// percentage rounded to one decimal place.
func MatchPercent(similarity float64) float64 {
	s := math.Max(0, math.Min(1, similarity))
	return math.Round(s*1000) / 10
}
