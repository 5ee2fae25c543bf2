// Package index implements a brute-force inner-product nearest-neighbor
// index over unit vectors. Rows are identified by insertion order and are
// never deleted; staleness is filtered by the caller at read time.
package index

import (
	"fmt"
	"sort"
)

// Index stores vectors in a flat float32 matrix. It is not safe for
// concurrent use; the owning tenant state serializes access.
type Index struct {
	dim  int
	data []float32
	size int
}

// Result is one search hit. Score is the inner product with the query,
// which equals cosine similarity when both sides are unit-length.
type Result struct {
	Row   int
	Score float32
}

func New() *Index {
	return &Index{}
}

// Size returns the number of vectors added so far.
func (x *Index) Size() int {
	return x.size
}

// Dim returns the vector dimension, or 0 before the first Add.
func (x *Index) Dim() int {
	return x.dim
}

// Add appends a vector. The first insertion fixes the dimension.
func (x *Index) Add(vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("vector must not be empty")
	}
	if x.size == 0 {
		x.dim = len(vector)
	} else if len(vector) != x.dim {
		return fmt.Errorf("vector dimension %d does not match index dimension %d", len(vector), x.dim)
	}
	x.data = append(x.data, vector...)
	x.size++
	return nil
}

// Search returns up to k rows sorted by inner product descending. Ties are
// broken by insertion order so results are deterministic.
func (x *Index) Search(query []float32, k int) ([]Result, error) {
	if x.size == 0 || k <= 0 {
		return nil, nil
	}
	if len(query) != x.dim {
		return nil, fmt.Errorf("query dimension %d does not match index dimension %d", len(query), x.dim)
	}

	results := make([]Result, x.size)
	for row := 0; row < x.size; row++ {
		offset := row * x.dim
		var dot float32
		for i, q := range query {
			dot += q * x.data[offset+i]
		}
		results[row] = Result{Row: row, Score: dot}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	if k > len(results) {
		k = len(results)
	}
	return results[:k], nil
}
