// metacurate: a tool for statistical curation of transcriptome expression matrices.
// Copyright (c) 2023-2026 the metacurate authors.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License along with this program. If not, see
// <https://github.com/metacurate/metacurate/blob/master/LICENSE.txt>.

package expr

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Matrix is a dense gene x sample expression matrix. Row and column
// identifiers are unique. Pipeline stages never mutate a Matrix they
// received; they produce a new value, so earlier snapshots (for
// example the uncorrected matrix) stay valid.
type Matrix struct {
	GeneIDs   []string
	SampleIDs []string

	data        []float64 // row-major
	geneIndex   map[string]int
	sampleIndex map[string]int
}

// NewMatrix returns a zero-filled matrix with the given row and
// column identifiers.
func NewMatrix(geneIDs, sampleIDs []string) *Matrix {
	m := &Matrix{
		GeneIDs:     geneIDs,
		SampleIDs:   sampleIDs,
		data:        make([]float64, len(geneIDs)*len(sampleIDs)),
		geneIndex:   make(map[string]int, len(geneIDs)),
		sampleIndex: make(map[string]int, len(sampleIDs)),
	}
	for i, g := range geneIDs {
		m.geneIndex[g] = i
	}
	for j, s := range sampleIDs {
		m.sampleIndex[s] = j
	}
	return m
}

// NGenes returns the number of rows.
func (m *Matrix) NGenes() int { return len(m.GeneIDs) }

// NSamples returns the number of columns.
func (m *Matrix) NSamples() int { return len(m.SampleIDs) }

// At returns the value at row i, column j. Together with Dims and T
// this satisfies gonum's mat.Matrix, so statistical code can consume
// a Matrix without copying it.
func (m *Matrix) At(i, j int) float64 { return m.data[i*len(m.SampleIDs)+j] }

// Dims returns the matrix dimensions.
func (m *Matrix) Dims() (r, c int) { return len(m.GeneIDs), len(m.SampleIDs) }

// T returns the transpose.
func (m *Matrix) T() mat.Matrix { return mat.Transpose{Matrix: m} }

// Set stores v at row i, column j.
func (m *Matrix) Set(i, j int, v float64) { m.data[i*len(m.SampleIDs)+j] = v }

// Row returns the backing slice for row i. The slice aliases the
// matrix; callers that keep it must not write to it.
func (m *Matrix) Row(i int) []float64 {
	n := len(m.SampleIDs)
	return m.data[i*n : (i+1)*n]
}

// Col returns a copy of column j.
func (m *Matrix) Col(j int) []float64 {
	col := make([]float64, len(m.GeneIDs))
	for i := range col {
		col[i] = m.At(i, j)
	}
	return col
}

// GeneIndex returns the row position of the given gene identifier,
// or -1 if absent.
func (m *Matrix) GeneIndex(gene string) int {
	if i, ok := m.geneIndex[gene]; ok {
		return i
	}
	return -1
}

// SampleIndex returns the column position of the given sample
// identifier, or -1 if absent.
func (m *Matrix) SampleIndex(sample string) int {
	if j, ok := m.sampleIndex[sample]; ok {
		return j
	}
	return -1
}

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	c := NewMatrix(append([]string(nil), m.GeneIDs...), append([]string(nil), m.SampleIDs...))
	copy(c.data, m.data)
	return c
}

// SelectColumns returns a new matrix restricted to the columns at the
// given positions, in the given order.
func (m *Matrix) SelectColumns(cols []int) *Matrix {
	sampleIDs := make([]string, len(cols))
	for k, j := range cols {
		sampleIDs[k] = m.SampleIDs[j]
	}
	s := NewMatrix(append([]string(nil), m.GeneIDs...), sampleIDs)
	for i := range m.GeneIDs {
		src := m.Row(i)
		dst := s.Row(i)
		for k, j := range cols {
			dst[k] = src[j]
		}
	}
	return s
}

// SelectSamples returns a new matrix restricted to the named samples,
// in the given order. Unknown sample names are an error.
func (m *Matrix) SelectSamples(samples []string) (*Matrix, error) {
	cols := make([]int, len(samples))
	for k, s := range samples {
		j := m.SampleIndex(s)
		if j < 0 {
			return nil, fmt.Errorf("sample %v not present in matrix", s)
		}
		cols[k] = j
	}
	return m.SelectColumns(cols), nil
}

// SelectRows returns a new matrix restricted to the rows at the given
// positions, in the given order.
func (m *Matrix) SelectRows(rows []int) *Matrix {
	geneIDs := make([]string, len(rows))
	for k, i := range rows {
		geneIDs[k] = m.GeneIDs[i]
	}
	s := NewMatrix(geneIDs, append([]string(nil), m.SampleIDs...))
	for k, i := range rows {
		copy(s.Row(k), m.Row(i))
	}
	return s
}

// RowSum returns the sum of row i.
func (m *Matrix) RowSum(i int) float64 {
	var sum float64
	for _, v := range m.Row(i) {
		sum += v
	}
	return sum
}

// ColSum returns the sum of column j.
func (m *Matrix) ColSum(j int) float64 {
	var sum float64
	for i := range m.GeneIDs {
		sum += m.At(i, j)
	}
	return sum
}

// Apply replaces every entry with f(i, j, value) and returns a new
// matrix, leaving the receiver untouched.
func (m *Matrix) Apply(f func(i, j int, v float64) float64) *Matrix {
	c := m.Clone()
	for i := range c.GeneIDs {
		row := c.Row(i)
		for j := range row {
			row[j] = f(i, j, row[j])
		}
	}
	return c
}

// Dense copies the matrix into a gonum dense matrix.
func (m *Matrix) Dense() *mat.Dense {
	d := mat.NewDense(len(m.GeneIDs), len(m.SampleIDs), nil)
	for i := range m.GeneIDs {
		d.SetRow(i, m.Row(i))
	}
	return d
}
