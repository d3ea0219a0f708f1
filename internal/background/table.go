package background

import (
	"errors"
	"fmt"
)

// Label is the known location of a background sample, in degrees.
type Label struct {
	Lat float64
	Lon float64
}

// Table is the background collection: one embedding and one label per row.
// Embeddings are stored row-major in a single slice.
type Table struct {
	dim        int
	embeddings []float32
	labels     []Label
}

// NewTable builds a table from per-row embeddings and labels. Both must have
// the same number of rows and every embedding must have the same dimension.
func NewTable(embeddings [][]float32, labels []Label) (*Table, error) {
	if len(embeddings) != len(labels) {
		return nil, fmt.Errorf("row count mismatch: %d embeddings, %d labels", len(embeddings), len(labels))
	}
	if len(embeddings) == 0 {
		return nil, errors.New("background table is empty")
	}

	dim := len(embeddings[0])
	if dim == 0 {
		return nil, errors.New("embedding dimension is zero")
	}
	flat := make([]float32, 0, dim*len(embeddings))
	for i, e := range embeddings {
		if len(e) != dim {
			return nil, fmt.Errorf("row %d has dimension %d, expected %d", i, len(e), dim)
		}
		flat = append(flat, e...)
	}
	return &Table{dim: dim, embeddings: flat, labels: append([]Label(nil), labels...)}, nil
}

func (t *Table) Len() int { return len(t.labels) }

func (t *Table) Dim() int { return t.dim }

// Embedding returns row i's embedding. The slice aliases table storage and
// must not be modified.
func (t *Table) Embedding(i int) []float32 {
	return t.embeddings[i*t.dim : (i+1)*t.dim]
}

func (t *Table) Label(i int) Label { return t.labels[i] }

// Dot is the unnormalised similarity between query and row i.
func (t *Table) Dot(query []float32, i int) float32 {
	row := t.Embedding(i)
	var s float32
	for j, v := range row {
		s += v * query[j]
	}
	return s
}
