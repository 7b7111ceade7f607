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

import "fmt"

// FactorTable holds one library size and one multiplicative
// normalization factor per sample. The normalizer produces it once;
// the transformer consumes it. Factors are strictly positive.
type FactorTable struct {
	SampleIDs []string
	LibSize   []float64
	Factor    []float64

	index map[string]int
}

// NewFactorTable returns an empty factor table.
func NewFactorTable() *FactorTable {
	return &FactorTable{index: make(map[string]int)}
}

// Add appends one sample entry. Factors must be > 0.
func (t *FactorTable) Add(sample string, libSize, factor float64) error {
	if factor <= 0 {
		return fmt.Errorf("normalization factor for %v is %v, must be > 0", sample, factor)
	}
	if _, dup := t.index[sample]; dup {
		return fmt.Errorf("duplicate sample %v in factor table", sample)
	}
	t.index[sample] = len(t.SampleIDs)
	t.SampleIDs = append(t.SampleIDs, sample)
	t.LibSize = append(t.LibSize, libSize)
	t.Factor = append(t.Factor, factor)
	return nil
}

// Lookup returns the library size and factor for a sample. ok is
// false when the sample is absent.
func (t *FactorTable) Lookup(sample string) (libSize, factor float64, ok bool) {
	i, ok := t.index[sample]
	if !ok {
		return 0, 0, false
	}
	return t.LibSize[i], t.Factor[i], true
}

// Len returns the number of entries.
func (t *FactorTable) Len() int { return len(t.SampleIDs) }
