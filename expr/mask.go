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
	"github.com/bits-and-blooms/bitset"
)

// RetainedMask returns a bitset over the matrix columns with a bit
// set for every column whose sample is present in the metadata and
// not excluded. Columns without a metadata row stay unset.
func RetainedMask(m *Matrix, md *Metadata) *bitset.BitSet {
	mask := bitset.New(uint(len(m.SampleIDs)))
	for j, id := range m.SampleIDs {
		if s := md.Lookup(id); s != nil && !s.Excluded() {
			mask.Set(uint(j))
		}
	}
	return mask
}

// MaskColumns returns a new matrix keeping only the columns whose bit
// is set.
func (m *Matrix) MaskColumns(mask *bitset.BitSet) *Matrix {
	var cols []int
	for j := range m.SampleIDs {
		if mask.Test(uint(j)) {
			cols = append(cols, j)
		}
	}
	return m.SelectColumns(cols)
}

// Retained returns the matrix restricted to the columns of samples
// that the metadata still retains.
func (m *Matrix) Retained(md *Metadata) *Matrix {
	return m.MaskColumns(RetainedMask(m, md))
}
