package utils

import (
	"errors"
	"math"
	"sort"
)

var (
	ErrEmptyVector       = errors.New("vectors cannot be empty")
	ErrDimensionMismatch = errors.New("vectors must have the same dimension")
)

// CosineSimilarity returns the cosine of the angle between a and b. A zero
// vector has similarity 0 with everything.
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, ErrEmptyVector
	}
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}

	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB))), nil
}

// Scored pairs an item with its similarity to a query.
type Scored[T any] struct {
	Item       T
	Similarity float32
}

// RankBySimilarity scores every candidate against query, drops those below
// minSimilarity or with an incompatible vector, and returns at most k results
// ordered from most to least similar. Ties keep candidate order.
func RankBySimilarity[T any](query []float32, candidates []T, vector func(T) []float32, minSimilarity float32, k int) []Scored[T] {
	if k <= 0 || len(query) == 0 {
		return nil
	}

	scored := make([]Scored[T], 0, len(candidates))
	for _, c := range candidates {
		sim, err := CosineSimilarity(query, vector(c))
		if err != nil || sim < minSimilarity {
			continue
		}
		scored = append(scored, Scored[T]{Item: c, Similarity: sim})
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Similarity > scored[j].Similarity
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}
