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

package norm

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/metacurate/metacurate/expr"
	"github.com/metacurate/metacurate/internal"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadOrthogroups(t *testing.T) {
	path := writeTempFile(t, "Orthogroups.tsv",
		"Orthogroup\tApis_mellifera\tBombus_terrestris\n"+
			"OG0000001\tam1\tbt1\n"+
			"OG0000002\tam2, am3\tbt2\n"+
			"OG0000003\t\tbt3\n")
	ogs, err := ReadOrthogroups(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(ogs.Species) != 2 || len(ogs.IDs) != 3 {
		t.Fatal("orthogroup table dimensions failed")
	}
	if g := ogs.Genes["OG0000002"]["Apis_mellifera"]; len(g) != 2 || g[1] != "am3" {
		t.Error("comma-separated gene cell failed")
	}
	if len(ogs.Genes["OG0000003"]["Apis_mellifera"]) != 0 {
		t.Error("empty cell must yield no genes")
	}
}

func TestSingleCopy(t *testing.T) {
	path := writeTempFile(t, "Orthogroups.GeneCount.tsv",
		"Orthogroup\tApis_mellifera\tBombus_terrestris\tDanio_rerio\tTotal\n"+
			"OG0000001\t1\t1\t1\t3\n"+
			"OG0000002\t2\t1\t1\t4\n"+
			"OG0000003\t0\t1\t1\t2\n"+
			"OG0000004\t1\t1\t1\t3\n"+
			"OG0000005\t1\t1\t3\t5\n")
	gc, err := ReadGeneCounts(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(gc.Species) != 3 {
		t.Fatal("Total column must be dropped")
	}
	single := gc.SingleCopy(gc.Species)
	if len(single) != 2 || single[0] != "OG0000001" || single[1] != "OG0000004" {
		t.Error("single-copy restriction failed:", single)
	}
	// Leaving out the multi-copy species relaxes the condition.
	if single := gc.SingleCopy([]string{"Apis_mellifera", "Bombus_terrestris"}); len(single) != 3 {
		t.Error("per-species single-copy restriction failed:", single)
	}
}

func testOrthogroups() (*Orthogroups, []string, []string, map[string]*expr.Matrix) {
	ogs := &Orthogroups{
		Species: []string{"sp1", "sp2"},
		IDs:     []string{"OG1", "OG2", "OG3"},
		Genes: map[string]map[string][]string{
			"OG1": {"sp1": {"a1"}, "sp2": {"b1"}},
			"OG2": {"sp1": {"a2"}, "sp2": {"b2"}},
			"OG3": {"sp1": {"aX"}, "sp2": {"b3"}}, // aX absent from the sp1 table
		},
	}
	single := []string{"OG1", "OG2", "OG3"}
	order := []string{"sp1", "sp2"}
	r := internal.NewRand(7)
	fill := func(genes, runs []string) *expr.Matrix {
		m := expr.NewMatrix(genes, runs)
		for i := range genes {
			for j := range runs {
				m.Set(i, j, float64(r.Int31n(500)+1))
			}
		}
		return m
	}
	perSpecies := map[string]*expr.Matrix{
		"sp1": fill([]string{"a1", "a2", "a3"}, []string{"r1", "r2"}),
		"sp2": fill([]string{"b1", "b2", "b3"}, []string{"r3", "r4"}),
	}
	return ogs, single, order, perSpecies
}

func TestBuildMerged(t *testing.T) {
	ogs, single, order, perSpecies := testOrthogroups()
	merged := BuildMerged(ogs, single, order, perSpecies)
	if got := merged.Matrix.SampleIDs; len(got) != 4 || got[0] != "sp1_r1" || got[3] != "sp2_r4" {
		t.Fatal("merged sample columns failed:", got)
	}
	if merged.Matrix.At(0, 0) != perSpecies["sp1"].At(0, 0) {
		t.Error("resolved orthogroup value failed")
	}
	// OG3's sp1 gene is unresolvable in the sp1 count table.
	if !math.IsNaN(merged.Matrix.At(2, 0)) {
		t.Error("unresolvable gene must become NaN")
	}
	if !math.IsNaN(merged.Matrix.At(2, 1)) {
		t.Error("unresolvable gene must become NaN for every sample of the species")
	}
	if math.IsNaN(merged.Matrix.At(2, 2)) {
		t.Error("OG3 resolves in sp2")
	}
}

func TestRunRescalesPerSpecies(t *testing.T) {
	ogs, single, order, perSpecies := testOrthogroups()
	merged := BuildMerged(ogs, single, order, perSpecies)
	result, err := Run(merged, perSpecies, order)
	if err != nil {
		t.Fatal(err)
	}
	if result.Factors.Len() != 4 {
		t.Fatal("factor table must cover every sample")
	}
	for _, sp := range order {
		raw := perSpecies[sp]
		normalized := result.PerSpecies[sp]
		if normalized.NGenes() != raw.NGenes() || normalized.NSamples() != raw.NSamples() {
			t.Fatal("normalized matrix must keep the original shape")
		}
		for j, run := range raw.SampleIDs {
			_, f, ok := result.Factors.Lookup(sp + "_" + run)
			if !ok {
				t.Fatal("missing factor for", sp, run)
			}
			if v := normalized.At(0, j); math.Abs(v-raw.At(0, j)/f) > 1e-9 {
				t.Error("rescaling by the sample factor failed")
			}
		}
	}
}

func TestRunZeroSumColumn(t *testing.T) {
	ogs, single, order, perSpecies := testOrthogroups()
	for i := range perSpecies["sp1"].GeneIDs {
		perSpecies["sp1"].Set(i, 1, 0)
	}
	merged := BuildMerged(ogs, single, order, perSpecies)
	result, err := Run(merged, perSpecies, order)
	if err != nil {
		t.Fatal(err)
	}
	if result.DroppedCols != 1 {
		t.Error("zero-sum column must be dropped from estimation, got", result.DroppedCols)
	}
	if _, f, ok := result.Factors.Lookup("sp1_r2"); !ok || f != 1 {
		t.Error("unfitted sample must keep factor 1, got", f)
	}
}

func TestRunAllRowsIncomplete(t *testing.T) {
	ogs, single, order, perSpecies := testOrthogroups()
	// Break every orthogroup's sp1 resolution.
	for _, og := range single {
		ogs.Genes[og]["sp1"] = []string{"missing"}
	}
	merged := BuildMerged(ogs, single, order, perSpecies)
	if _, err := Run(merged, perSpecies, order); err == nil {
		t.Error("estimation without a single complete row must fail")
	}
}
