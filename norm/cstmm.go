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
	"bufio"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/metacurate/metacurate/expr"
)

// Orthogroups maps orthogroup identifiers to the member genes of each
// species, as read from an OrthoFinder Orthogroups.tsv table.
type Orthogroups struct {
	Species []string
	IDs     []string
	Genes   map[string]map[string][]string // orthogroup -> species -> genes
}

// GeneCounts holds per-species member counts per orthogroup, as read
// from Orthogroups.GeneCount.tsv.
type GeneCounts struct {
	Species []string
	Counts  map[string]map[string]int // orthogroup -> species -> count
}

// ReadOrthogroups reads an Orthogroups.tsv table. Gene lists are
// comma-separated within a species cell.
func ReadOrthogroups(filename string) (ogs *Orthogroups, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		nerr := f.Close()
		if err == nil {
			err = nerr
		}
	}()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	if !scanner.Scan() {
		return nil, fmt.Errorf("%v: empty orthogroup table", filename)
	}
	header := strings.Split(scanner.Text(), "\t")
	if len(header) < 2 {
		return nil, fmt.Errorf("%v: no species columns", filename)
	}
	ogs = &Orthogroups{
		Species: header[1:],
		Genes:   make(map[string]map[string][]string),
	}
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), "\t")
		id := fields[0]
		ogs.IDs = append(ogs.IDs, id)
		genes := make(map[string][]string, len(ogs.Species))
		for i, sp := range ogs.Species {
			if i+1 >= len(fields) {
				break
			}
			cell := strings.TrimSpace(fields[i+1])
			if cell == "" {
				continue
			}
			for _, g := range strings.Split(cell, ",") {
				genes[sp] = append(genes[sp], strings.TrimSpace(g))
			}
		}
		ogs.Genes[id] = genes
	}
	return ogs, scanner.Err()
}

// ReadGeneCounts reads an Orthogroups.GeneCount.tsv table. A trailing
// Total column is ignored.
func ReadGeneCounts(filename string) (gc *GeneCounts, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		nerr := f.Close()
		if err == nil {
			err = nerr
		}
	}()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	if !scanner.Scan() {
		return nil, fmt.Errorf("%v: empty gene count table", filename)
	}
	header := strings.Split(scanner.Text(), "\t")
	species := header[1:]
	if len(species) > 0 && species[len(species)-1] == "Total" {
		species = species[:len(species)-1]
	}
	gc = &GeneCounts{
		Species: species,
		Counts:  make(map[string]map[string]int),
	}
	line := 1
	for scanner.Scan() {
		line++
		fields := strings.Split(scanner.Text(), "\t")
		counts := make(map[string]int, len(species))
		for i, sp := range species {
			if i+1 >= len(fields) {
				break
			}
			n, err := strconv.Atoi(strings.TrimSpace(fields[i+1]))
			if err != nil {
				return nil, fmt.Errorf("%v line %v: bad gene count %q", filename, line, fields[i+1])
			}
			counts[sp] = n
		}
		gc.Counts[fields[0]] = counts
	}
	return gc, scanner.Err()
}

// SingleCopy returns the sorted orthogroup identifiers that have
// exactly one member gene in every one of the given species.
// Multi-copy orthogroups are excluded entirely; they are never
// averaged or summed into the normalization.
func (gc *GeneCounts) SingleCopy(species []string) []string {
	var single []string
	for og, counts := range gc.Counts {
		ok := true
		for _, sp := range species {
			if counts[sp] != 1 {
				ok = false
				break
			}
		}
		if ok {
			single = append(single, og)
		}
	}
	sort.Strings(single)
	return single
}

// Merged is a single-copy orthogroup x sample matrix assembled across
// species. Column identity is kept as (species, run) pairs so that
// per-species output restores the original sample names with the
// species prefix stripped.
type Merged struct {
	Matrix  *expr.Matrix // orthogroup x prefixed sample columns
	Species []string     // species of each column
	Runs    []string     // original sample name of each column
}

// BuildMerged assembles the merged count matrix over the single-copy
// orthogroups. perSpecies maps species name to its raw count matrix
// with original gene identifiers. An orthogroup value that cannot be
// resolved in a species' matrix becomes NaN; a species whose genes
// are entirely unresolvable triggers a gene identifier mismatch
// warning.
func BuildMerged(ogs *Orthogroups, single []string, speciesOrder []string, perSpecies map[string]*expr.Matrix) *Merged {
	var sampleIDs, sampleSpecies, sampleRuns []string
	for _, sp := range speciesOrder {
		m := perSpecies[sp]
		for _, run := range m.SampleIDs {
			sampleIDs = append(sampleIDs, sp+"_"+run)
			sampleSpecies = append(sampleSpecies, sp)
			sampleRuns = append(sampleRuns, run)
		}
	}
	merged := expr.NewMatrix(single, sampleIDs)
	resolved := make(map[string]int, len(speciesOrder))
	col := 0
	for _, sp := range speciesOrder {
		m := perSpecies[sp]
		for i, og := range single {
			genes := ogs.Genes[og][sp]
			row := -1
			if len(genes) == 1 {
				row = m.GeneIndex(genes[0])
			}
			for j := range m.SampleIDs {
				if row < 0 {
					merged.Set(i, col+j, math.NaN())
				} else {
					merged.Set(i, col+j, m.At(row, j))
				}
			}
			if row >= 0 {
				resolved[sp]++
			}
		}
		col += len(m.SampleIDs)
	}
	for _, sp := range speciesOrder {
		if len(single) > 0 && resolved[sp] == 0 {
			log.Printf("Warning: no single-copy orthogroup gene of %v was found in its count table. Check for gene identifier mismatch between the orthogroup inference and the quantification.", sp)
		}
	}
	return &Merged{Matrix: merged, Species: sampleSpecies, Runs: sampleRuns}
}

// Result is the outcome of a cross-species TMM run.
type Result struct {
	Factors     *expr.FactorTable       // one entry per sample across all species
	PerSpecies  map[string]*expr.Matrix // normalized counts with original identifiers
	DroppedCols int                     // zero-sum columns excluded from estimation
	Reference   string                  // round-2 reference sample (prefixed name)
}

// Run computes cross-species TMM normalization factors on the merged
// single-copy matrix and rescales each species' raw counts by its
// samples' factors. Samples that drop out of the factor estimation
// (zero total count, or rows lost to missing values) keep factor 1 so
// their output is the raw counts, with a warning.
func Run(merged *Merged, perSpecies map[string]*expr.Matrix, speciesOrder []string) (*Result, error) {
	m := merged.Matrix

	// Rows with a missing value in any sample cannot enter the
	// estimation.
	var keepRows []int
	for i := range m.GeneIDs {
		complete := true
		for _, v := range m.Row(i) {
			if math.IsNaN(v) {
				complete = false
				break
			}
		}
		if complete {
			keepRows = append(keepRows, i)
		}
	}
	if len(keepRows) == 0 {
		return nil, fmt.Errorf("no single-copy orthogroup row is complete across all samples")
	}
	complete := m.SelectRows(keepRows)

	var keepCols []int
	dropped := 0
	for j := range complete.SampleIDs {
		if complete.ColSum(j) > 0 {
			keepCols = append(keepCols, j)
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		log.Printf("Dropped %v zero-sum sample column(s) from TMM estimation.", dropped)
	}
	if len(keepCols) == 0 {
		return nil, fmt.Errorf("all sample columns have zero total count over the single-copy orthogroups")
	}
	working := complete.SelectColumns(keepCols)

	data := make([][]float64, len(working.SampleIDs))
	for j := range working.SampleIDs {
		data[j] = working.Col(j)
	}
	factors, ref, err := TwoRoundFactors(data)
	if err != nil {
		return nil, err
	}

	table := expr.NewFactorTable()
	fitted := make(map[string]float64, len(working.SampleIDs))
	for j, sample := range working.SampleIDs {
		fitted[sample] = factors[j]
		if err := table.Add(sample, working.ColSum(j), factors[j]); err != nil {
			return nil, err
		}
	}
	for j, sample := range m.SampleIDs {
		if _, ok := fitted[sample]; ok {
			continue
		}
		log.Printf("Warning: sample %v was not part of TMM estimation; writing raw counts with factor 1.", sample)
		if err := table.Add(sample, complete.ColSum(j), 1); err != nil {
			return nil, err
		}
		fitted[sample] = 1
	}

	result := &Result{
		Factors:     table,
		PerSpecies:  make(map[string]*expr.Matrix, len(speciesOrder)),
		DroppedCols: dropped,
		Reference:   working.SampleIDs[ref],
	}
	col := 0
	for _, sp := range speciesOrder {
		raw := perSpecies[sp]
		normalized := raw.Apply(func(i, j int, v float64) float64 {
			return v / fitted[merged.Matrix.SampleIDs[col+j]]
		})
		result.PerSpecies[sp] = normalized
		col += len(raw.SampleIDs)
	}
	return result, nil
}
