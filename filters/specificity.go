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
	"bufio"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/metacurate/metacurate/expr"
)

// SpecificityTable holds per-gene tissue/condition specificity
// scores computed from a group-mean matrix.
type SpecificityTable struct {
	GeneIDs []string
	Tau     []expr.Stat // null for all-zero genes
	Highest []string    // highest-expressing group, "" when null
	Order   [][]string  // nonzero groups in descending expression order
	Nulls   int
}

// Specificity computes a tau-like specificity index per gene from
// group means on the linear expression scale. The caller is expected
// to inverse-transform logged values first; negative inputs are
// floored at zero. The index is in [0,1]: 1 minus the mean, over all
// groups except the most expressed one, of the ratio to the maximum.
// Genes with zero expression in every group get a null index; they
// are counted, never imputed.
func Specificity(groupMeans *expr.Matrix) *SpecificityTable {
	groups := groupMeans.SampleIDs
	t := &SpecificityTable{
		GeneIDs: append([]string(nil), groupMeans.GeneIDs...),
		Tau:     make([]expr.Stat, len(groupMeans.GeneIDs)),
		Highest: make([]string, len(groupMeans.GeneIDs)),
		Order:   make([][]string, len(groupMeans.GeneIDs)),
	}
	for i := range groupMeans.GeneIDs {
		values := make([]float64, len(groups))
		for k := range groups {
			v := groupMeans.At(i, k)
			if v < 0 || !finite(v) {
				v = 0
			}
			values[k] = v
		}

		// Descending order over nonzero groups; among equal values
		// the original column order is kept, which makes the
		// highest-group annotation deterministic.
		order := make([]int, 0, len(groups))
		for k, v := range values {
			if v > 0 {
				order = append(order, k)
			}
		}
		sort.SliceStable(order, func(a, b int) bool { return values[order[a]] > values[order[b]] })

		if len(order) == 0 {
			t.Nulls++
			continue
		}
		names := make([]string, len(order))
		for k, idx := range order {
			names[k] = groups[idx]
		}
		t.Order[i] = names
		t.Highest[i] = names[0]

		if len(groups) < 2 {
			t.Tau[i] = expr.ValidStat(0)
			continue
		}
		max := values[order[0]]
		var ratioSum float64
		for k, v := range values {
			if k == order[0] {
				continue
			}
			ratioSum += v / max
		}
		t.Tau[i] = expr.ValidStat(1 - ratioSum/float64(len(groups)-1))
	}
	if t.Nulls > 0 {
		log.Printf("%v gene(s) with zero expression in every group have no specificity index.", t.Nulls)
	}
	return t
}

// Write writes the specificity table as TSV: tau, highest-expressing
// group, and the full descending group order.
func (t *SpecificityTable) Write(filename string) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer func() {
		nerr := f.Close()
		if err == nil {
			err = nerr
		}
	}()
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "target_id\ttau\thighest\torder")
	for i, gene := range t.GeneIDs {
		tau := "NA"
		if t.Tau[i].Valid {
			tau = strconv.FormatFloat(t.Tau[i].Value, 'g', -1, 64)
		}
		highest := t.Highest[i]
		if highest == "" {
			highest = "NA"
		}
		order := "NA"
		if len(t.Order[i]) > 0 {
			order = strings.Join(t.Order[i], ";")
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\n", gene, tau, highest, order)
	}
	return w.Flush()
}
