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
	"math"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadMatrix(t *testing.T) {
	path := writeTempFile(t, "counts.tsv",
		"target_id\ts1\ts2\n"+
			"g1\t1\t2\n"+
			"g2\tNA\t4.5\n")
	m, err := ReadMatrix(path)
	if err != nil {
		t.Fatal(err)
	}
	if m.NGenes() != 2 || m.NSamples() != 2 {
		t.Error("ReadMatrix dimensions failed")
	}
	if m.At(0, 1) != 2 || m.At(1, 1) != 4.5 {
		t.Error("ReadMatrix values failed")
	}
	if !math.IsNaN(m.At(1, 0)) {
		t.Error("NA must load as NaN")
	}
}

func TestReadMatrixRejectsBadInput(t *testing.T) {
	dup := writeTempFile(t, "dup.tsv", "id\ts1\ng1\t1\ng1\t2\n")
	if _, err := ReadMatrix(dup); err == nil {
		t.Error("duplicate gene identifiers must be rejected")
	}
	ragged := writeTempFile(t, "ragged.tsv", "id\ts1\ts2\ng1\t1\n")
	if _, err := ReadMatrix(ragged); err == nil {
		t.Error("ragged rows must be rejected")
	}
}

func TestMatrixRoundTrip(t *testing.T) {
	m := makeTestMatrix()
	m.Set(2, 3, math.NaN())
	path := filepath.Join(t.TempDir(), "out.tsv")
	if err := WriteMatrix(path, "target_id", m); err != nil {
		t.Fatal(err)
	}
	back, err := ReadMatrix(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.NGenes() != m.NGenes() || back.NSamples() != m.NSamples() {
		t.Error("round trip dimensions failed")
	}
	if back.At(1, 2) != m.At(1, 2) || !math.IsNaN(back.At(2, 3)) {
		t.Error("round trip values failed")
	}
}

func TestReadMetadataNormalizesMissing(t *testing.T) {
	path := writeTempFile(t, "metadata.tsv",
		"run\tbioproject\tscientific_name\tcurate_group\tmapping_rate\texclusion\tcustom\n"+
			"r1\tp1\tApis mellifera\tbrain\t0.9\tno\tx\n"+
			"r2\tp1\tApis mellifera\tbrain\tnot_provided\t\ty\n")
	md, err := ReadMetadata(path, "curate_group")
	if err != nil {
		t.Fatal(err)
	}
	if r := md.Lookup("r1").MappingRate; !r.Valid || r.Value != 0.9 {
		t.Error("mapping rate parse failed")
	}
	if md.Lookup("r2").MappingRate.Valid {
		t.Error("not_provided must become an invalid Stat")
	}
	if md.Lookup("r2").Exclusion != ExclusionNo {
		t.Error("empty exclusion must default to no")
	}
	if md.Lookup("r1").Extra["custom"] != "x" {
		t.Error("uninterpreted columns must be preserved")
	}
}

func TestReadMetadataRequiresColumns(t *testing.T) {
	path := writeTempFile(t, "bad.tsv", "run\tbioproject\nr1\tp1\n")
	if _, err := ReadMetadata(path, "curate_group"); err == nil {
		t.Error("missing required columns must be rejected")
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	md := newTestMetadata(t)
	md.Exclude("r3", ExclusionLowCorrelation)
	md.Lookup("r1").MappingRate = ValidStat(0.75)
	path := filepath.Join(t.TempDir(), "metadata.tsv")
	if err := WriteMetadata(path, md); err != nil {
		t.Fatal(err)
	}
	back, err := ReadMetadata(path, "curate_group")
	if err != nil {
		t.Fatal(err)
	}
	if len(back.Samples) != len(md.Samples) {
		t.Error("excluded rows must be written, not dropped")
	}
	if back.Lookup("r3").Exclusion != ExclusionLowCorrelation {
		t.Error("exclusion reason round trip failed")
	}
	if r := back.Lookup("r1").MappingRate; !r.Valid || r.Value != 0.75 {
		t.Error("mapping rate round trip failed")
	}
}

func TestAlignSamples(t *testing.T) {
	counts := NewMatrix([]string{"g1", "g2"}, []string{"r1", "r2"})
	lengths := NewMatrix([]string{"g1", "g2"}, []string{"r1", "r2"})
	md, err := NewMetadata([]*Sample{
		{Run: "r1", Group: "a"},
		{Run: "r2", Group: "a"},
		{Run: "r3", Group: "b"},
	}, "curate_group")
	if err != nil {
		t.Fatal(err)
	}
	c, l, err := AlignSamples(counts, lengths, md)
	if err != nil {
		t.Fatal(err)
	}
	if c.NSamples() != 2 || l.NSamples() != 2 {
		t.Error("AlignSamples dimensions failed")
	}
	if md.Lookup("r3").Exclusion != ExclusionFailedQuant {
		t.Error("metadata row without matrix column must be flagged failed_quantification")
	}
}

func TestAlignSamplesRejectsUnknownColumn(t *testing.T) {
	counts := NewMatrix([]string{"g1"}, []string{"r1", "rX"})
	md, err := NewMetadata([]*Sample{{Run: "r1", Group: "a"}}, "curate_group")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := AlignSamples(counts, nil, md); err == nil {
		t.Error("matrix column without metadata row must be fatal")
	}
}

func TestFactorTable(t *testing.T) {
	ft := NewFactorTable()
	if err := ft.Add("s1", 1000, 1.1); err != nil {
		t.Fatal(err)
	}
	if err := ft.Add("s1", 1000, 1.0); err == nil {
		t.Error("duplicate sample must be rejected")
	}
	if err := ft.Add("s2", 1000, 0); err == nil {
		t.Error("non-positive factor must be rejected")
	}
	if _, f, ok := ft.Lookup("s1"); !ok || f != 1.1 {
		t.Error("Lookup failed")
	}
	path := filepath.Join(t.TempDir(), "factors.tsv")
	if err := WriteFactorTable(path, ft); err != nil {
		t.Fatal(err)
	}
}
