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

package filters

import (
	"math"
	"testing"

	"github.com/metacurate/metacurate/expr"
)

func TestParseBatchBackend(t *testing.T) {
	if b, err := ParseBatchBackend("sva"); err != nil || b != BackendSVA {
		t.Error("sva parse failed")
	}
	if b, err := ParseBatchBackend("factor-residual"); err != nil || b != BackendFactorResidual {
		t.Error("factor-residual parse failed")
	}
	if _, err := ParseBatchBackend("combat"); err == nil {
		t.Error("unknown backend must fail")
	}
}

// batchTestData builds a 6-gene matrix over two bioprojects where the
// second bioproject's values carry a constant additive shift on top of
// the shared per-gene baseline.
func batchTestData(t *testing.T, shift float64) (*expr.Matrix, *expr.Metadata) {
	t.Helper()
	genes := []string{"g1", "g2", "g3", "g4", "g5", "g6"}
	samples := []string{"r1", "r2", "r3", "r4", "r5", "r6"}
	m := expr.NewMatrix(genes, samples)
	for i := range genes {
		base := float64(i + 2)
		for j := range samples {
			v := base
			if j >= 3 {
				v += shift
			}
			m.Set(i, j, v)
		}
	}
	var rows []*expr.Sample
	for j, run := range samples {
		bp := "p1"
		if j >= 3 {
			bp = "p2"
		}
		rows = append(rows, &expr.Sample{Run: run, BioProject: bp, Group: "a"})
	}
	md, err := expr.NewMetadata(rows, "curate_group")
	if err != nil {
		t.Fatal(err)
	}
	return m, md
}

func TestCorrectFallsBackOnTooFewSamples(t *testing.T) {
	m := expr.NewMatrix([]string{"g1"}, []string{"r1", "r2"})
	m.Set(0, 0, 1)
	m.Set(0, 1, 2)
	md, err := expr.NewMetadata([]*expr.Sample{
		{Run: "r1", Group: "a"},
		{Run: "r2", Group: "a"},
	}, "curate_group")
	if err != nil {
		t.Fatal(err)
	}
	c := &BatchCorrector{Backend: BackendFactorResidual}
	out := c.Correct(m, md)
	if out != m {
		t.Error("correction failure must degrade to the uncorrected input")
	}
}

func TestFactorResidualRemovesBioprojectShift(t *testing.T) {
	m, md := batchTestData(t, 5)
	c := &BatchCorrector{Backend: BackendFactorResidual}
	out := c.Correct(m, md)
	if out == m {
		t.Fatal("correction must not fall back on this input")
	}
	// The shift is fully explained by the bioproject dummy; after its
	// removal every sample sits on the shared baseline.
	for i := range m.GeneIDs {
		row := out.Row(i)
		for j := 1; j < len(row); j++ {
			if math.Abs(row[j]-row[0]) > 1e-9 {
				t.Fatal("bioproject shift survived correction at gene", i)
			}
		}
	}
}

func TestFactorResidualLeavesSingletonsInPlace(t *testing.T) {
	m, md := batchTestData(t, 5)
	// Make r6 the only sample of its bioproject.
	md.Lookup("r6").BioProject = "p3"
	c := &BatchCorrector{Backend: BackendFactorResidual}
	out := c.Correct(m, md)
	if out == m {
		t.Fatal("correction must not fall back on this input")
	}
	j := out.SampleIndex("r6")
	for i := range m.GeneIDs {
		if out.At(i, j) != m.At(i, j) {
			t.Fatal("singleton-bioproject sample must be left unchanged")
		}
	}
	// The replicated bioprojects still get corrected onto one baseline.
	for i := range m.GeneIDs {
		row := out.Row(i)
		for k := 1; k < 5; k++ {
			if math.Abs(row[k]-row[0]) > 1e-9 {
				t.Fatal("replicated bioprojects must be corrected at gene", i)
			}
		}
	}
}

func TestSVANoSurrogatesLeavesDataUnchanged(t *testing.T) {
	// Samples that sit exactly on their group mean leave a zero
	// residual matrix; the parallel analysis finds no surrogate
	// variables and the values pass through unadjusted.
	genes := []string{"g1", "g2", "g3", "g4"}
	samples := []string{"r1", "r2", "r3", "r4", "r5", "r6"}
	m := expr.NewMatrix(genes, samples)
	for i := range genes {
		for j := range samples {
			v := float64(i + 1)
			if j >= 3 {
				v *= 2
			}
			m.Set(i, j, v)
		}
	}
	var rows []*expr.Sample
	for j, run := range samples {
		group := "a"
		if j >= 3 {
			group = "b"
		}
		rows = append(rows, &expr.Sample{Run: run, BioProject: "p1", Group: group})
	}
	md, err := expr.NewMetadata(rows, "curate_group")
	if err != nil {
		t.Fatal(err)
	}
	c := &BatchCorrector{Backend: BackendSVA, Seed: 1}
	out := c.Correct(m, md)
	for i := range genes {
		for j := range samples {
			if math.Abs(out.At(i, j)-m.At(i, j)) > 1e-9 {
				t.Fatal("surrogate-free data must pass through unchanged at", i, j)
			}
		}
	}
}
