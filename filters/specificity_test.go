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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/metacurate/metacurate/expr"
)

func specificityTestMeans(t *testing.T) *expr.Matrix {
	t.Helper()
	m := expr.NewMatrix([]string{"exclusive", "uniform", "graded", "silent", "negative"}, []string{"brain", "gut", "thorax"})
	set := func(gene string, values ...float64) {
		i := m.GeneIndex(gene)
		for k, v := range values {
			m.Set(i, k, v)
		}
	}
	set("exclusive", 10, 0, 0)
	set("uniform", 10, 10, 10)
	set("graded", 10, 5, 0)
	set("silent", 0, 0, 0)
	set("negative", -3, 8, 4)
	return m
}

func TestSpecificity(t *testing.T) {
	m := specificityTestMeans(t)
	table := Specificity(m)

	tau := func(gene string) expr.Stat { return table.Tau[m.GeneIndex(gene)] }
	if v := tau("exclusive"); !v.Valid || v.Value != 1 {
		t.Error("exclusive expression must score 1, got", v.Value)
	}
	if v := tau("uniform"); !v.Valid || v.Value != 0 {
		t.Error("uniform expression must score 0, got", v.Value)
	}
	// 1 - (5/10 + 0/10) / 2.
	if v := tau("graded"); !v.Valid || math.Abs(v.Value-0.75) > 1e-12 {
		t.Error("graded expression score failed, got", v.Value)
	}
	if tau("silent").Valid {
		t.Error("all-zero genes get a null index, never an imputed one")
	}
	if table.Nulls != 1 {
		t.Error("null count failed:", table.Nulls)
	}
	// Negative inputs are floored at zero before scoring.
	if v := tau("negative"); !v.Valid || math.Abs(v.Value-0.75) > 1e-12 {
		t.Error("negative-input flooring failed, got", v.Value)
	}
	valid := 0
	for _, v := range table.Tau {
		if !v.Valid {
			continue
		}
		valid++
		if v.Value < 0 || v.Value > 1 {
			t.Fatal("index out of [0,1]:", v.Value)
		}
	}
	if valid+table.Nulls != len(table.GeneIDs) {
		t.Error("null and scored genes must partition the gene set")
	}
}

func TestSpecificityAnnotations(t *testing.T) {
	m := specificityTestMeans(t)
	table := Specificity(m)
	i := m.GeneIndex("graded")
	if table.Highest[i] != "brain" {
		t.Error("highest group annotation failed:", table.Highest[i])
	}
	if got := strings.Join(table.Order[i], ";"); got != "brain;gut" {
		t.Error("descending order must list nonzero groups only:", got)
	}
	i = m.GeneIndex("negative")
	if table.Highest[i] != "gut" || len(table.Order[i]) != 2 {
		t.Error("floored values must not enter the order:", table.Order[i])
	}
	i = m.GeneIndex("silent")
	if table.Highest[i] != "" || len(table.Order[i]) != 0 {
		t.Error("null genes carry no annotations")
	}
}

func TestSpecificitySingleGroup(t *testing.T) {
	m := expr.NewMatrix([]string{"g1"}, []string{"brain"})
	m.Set(0, 0, 7)
	table := Specificity(m)
	if v := table.Tau[0]; !v.Valid || v.Value != 0 {
		t.Error("a single group carries no specificity signal, got", v.Value)
	}
}

func TestSpecificityWrite(t *testing.T) {
	table := Specificity(specificityTestMeans(t))
	path := filepath.Join(t.TempDir(), "tau.tsv")
	if err := table.Write(path); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 6 {
		t.Fatal("one row per gene plus header expected, got", len(lines))
	}
	if lines[0] != "target_id\ttau\thighest\torder" {
		t.Error("header failed:", lines[0])
	}
	if lines[4] != "silent\tNA\tNA\tNA" {
		t.Error("null gene row failed:", lines[4])
	}
}
