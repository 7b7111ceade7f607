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
	"bufio"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
)

// Expression tables are tab-separated, first row header, first column
// row index. Missing numeric values ("", "NA", "NaN", "not_provided")
// become NaN in matrices and invalid Stats in metadata; that
// normalization happens only here.

const maxLineSize = 64 * 1024 * 1024

func missingString(field string) bool {
	switch strings.ToLower(field) {
	case "", "na", "nan", "not_provided", "none":
		return true
	}
	return false
}

func parseStat(field string) Stat {
	if missingString(field) {
		return Stat{}
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil || math.IsNaN(v) {
		return Stat{}
	}
	return ValidStat(v)
}

func formatValue(v float64) string {
	if math.IsNaN(v) {
		return "NA"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func newScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxLineSize)
	return scanner
}

// ReadMatrix reads a gene x sample table from a TSV file.
func ReadMatrix(filename string) (m *Matrix, err error) {
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
	scanner := newScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("%v: empty table", filename)
	}
	header := strings.Split(scanner.Text(), "\t")
	if len(header) < 2 {
		return nil, fmt.Errorf("%v: header has no sample columns", filename)
	}
	samples := header[1:]
	var genes []string
	var rows [][]float64
	seen := make(map[string]bool)
	line := 1
	for scanner.Scan() {
		line++
		fields := strings.Split(scanner.Text(), "\t")
		if len(fields) != len(samples)+1 {
			return nil, fmt.Errorf("%v line %v: %v fields, expected %v", filename, line, len(fields), len(samples)+1)
		}
		gene := fields[0]
		if seen[gene] {
			return nil, fmt.Errorf("%v line %v: duplicate gene identifier %v", filename, line, gene)
		}
		seen[gene] = true
		genes = append(genes, gene)
		row := make([]float64, len(samples))
		for j, field := range fields[1:] {
			if missingString(field) {
				row[j] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%v line %v: bad value %q: %v", filename, line, field, err)
			}
			row[j] = v
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%v: %v", filename, err)
	}
	m = NewMatrix(genes, samples)
	for i, row := range rows {
		copy(m.Row(i), row)
	}
	return m, nil
}

// WriteMatrix writes a gene x sample table to a TSV file. The
// header's first cell is the given index label (conventionally
// "target_id").
func WriteMatrix(filename, indexLabel string, m *Matrix) (err error) {
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
	fmt.Fprint(w, indexLabel)
	for _, s := range m.SampleIDs {
		fmt.Fprint(w, "\t", s)
	}
	fmt.Fprintln(w)
	for i, gene := range m.GeneIDs {
		fmt.Fprint(w, gene)
		for _, v := range m.Row(i) {
			fmt.Fprint(w, "\t", formatValue(v))
		}
		fmt.Fprintln(w)
	}
	return w.Flush()
}

// Metadata column names recognized by the curation core. Any other
// column is preserved untouched.
const (
	colRun              = "run"
	colBioProject       = "bioproject"
	colScientificName   = "scientific_name"
	colExclusion        = "exclusion"
	colMappingRate      = "mapping_rate"
	colInstrument       = "instrument"
	colLibSelection     = "lib_selection"
	colNumReadsFiltered = "num_read_fastp"
	colNumReadsDumped   = "num_read_dumped"
)

// ReadMetadata reads a sample metadata table. groupColumn names the
// column holding the supervised class (tissue/condition); it is
// required together with run, bioproject, and scientific_name. The
// exclusion column defaults to "no" when absent.
func ReadMetadata(filename, groupColumn string) (md *Metadata, err error) {
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
	scanner := newScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("%v: empty metadata table", filename)
	}
	header := strings.Split(scanner.Text(), "\t")
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}
	for _, required := range []string{colRun, colBioProject, colScientificName, groupColumn} {
		if _, ok := index[required]; !ok {
			return nil, fmt.Errorf("%v: required metadata column %v is missing", filename, required)
		}
	}
	interpreted := map[string]bool{
		colRun: true, colBioProject: true, colScientificName: true,
		colExclusion: true, colMappingRate: true, colInstrument: true,
		colLibSelection: true, colNumReadsFiltered: true, colNumReadsDumped: true,
		groupColumn: true,
	}
	var extraColumns []string
	for _, name := range header {
		if !interpreted[name] {
			extraColumns = append(extraColumns, name)
		}
	}
	field := func(fields []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(fields) {
			return ""
		}
		return fields[i]
	}
	var samples []*Sample
	line := 1
	for scanner.Scan() {
		line++
		fields := strings.Split(scanner.Text(), "\t")
		run := field(fields, colRun)
		if run == "" {
			return nil, fmt.Errorf("%v line %v: empty run identifier", filename, line)
		}
		s := &Sample{
			Run:              run,
			BioProject:       field(fields, colBioProject),
			ScientificName:   field(fields, colScientificName),
			Group:            field(fields, groupColumn),
			Instrument:       field(fields, colInstrument),
			LibrarySelection: field(fields, colLibSelection),
			MappingRate:      parseStat(field(fields, colMappingRate)),
			NumReadsFiltered: parseStat(field(fields, colNumReadsFiltered)),
			NumReadsDumped:   parseStat(field(fields, colNumReadsDumped)),
			Exclusion:        field(fields, colExclusion),
		}
		if s.Exclusion == "" || missingString(s.Exclusion) {
			s.Exclusion = ExclusionNo
		}
		if len(extraColumns) > 0 {
			s.Extra = make(map[string]string, len(extraColumns))
			for _, name := range extraColumns {
				s.Extra[name] = field(fields, name)
			}
		}
		samples = append(samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%v: %v", filename, err)
	}
	md, err = NewMetadata(samples, groupColumn)
	if err != nil {
		return nil, fmt.Errorf("%v: %v", filename, err)
	}
	md.ExtraColumns = extraColumns
	return md, nil
}

// WriteMetadata writes the updated metadata table, including rows for
// excluded samples.
func WriteMetadata(filename string, md *Metadata) (err error) {
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
	columns := []string{
		colRun, colBioProject, colScientificName, md.GroupColumn,
		colInstrument, colLibSelection, colNumReadsFiltered,
		colNumReadsDumped, colMappingRate, colExclusion,
	}
	columns = append(columns, md.ExtraColumns...)
	fmt.Fprintln(w, strings.Join(columns, "\t"))
	formatStat := func(s Stat) string {
		if !s.Valid {
			return "NA"
		}
		return strconv.FormatFloat(s.Value, 'g', -1, 64)
	}
	for _, s := range md.Samples {
		fields := []string{
			s.Run, s.BioProject, s.ScientificName, s.Group,
			s.Instrument, s.LibrarySelection,
			formatStat(s.NumReadsFiltered), formatStat(s.NumReadsDumped),
			formatStat(s.MappingRate), s.Exclusion,
		}
		for _, name := range md.ExtraColumns {
			fields = append(fields, s.Extra[name])
		}
		fmt.Fprintln(w, strings.Join(fields, "\t"))
	}
	return w.Flush()
}

// WriteFactorTable writes the normalization factor table.
func WriteFactorTable(filename string, t *FactorTable) (err error) {
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
	fmt.Fprintln(w, "sample\tlib_size\tnorm_factor")
	for i, s := range t.SampleIDs {
		fmt.Fprintf(w, "%v\t%v\t%v\n", s, formatValue(t.LibSize[i]), formatValue(t.Factor[i]))
	}
	return w.Flush()
}

// AlignSamples reconciles the count matrix, the effective length
// matrix, and the metadata. Matrix columns without a metadata row are
// a fatal error. Metadata rows whose run is absent from the matrix
// are flagged failed_quantification; they never pass silently. The
// returned matrices share the metadata's column order.
func AlignSamples(counts, lengths *Matrix, md *Metadata) (*Matrix, *Matrix, error) {
	for _, id := range counts.SampleIDs {
		if md.Lookup(id) == nil {
			return nil, nil, fmt.Errorf("matrix sample %v has no metadata row", id)
		}
	}
	var keep []string
	for _, s := range md.Samples {
		if counts.SampleIndex(s.Run) < 0 {
			md.Exclude(s.Run, ExclusionFailedQuant)
			log.Printf("Sample %v is present in metadata but missing from the count matrix. Flagged as %v.", s.Run, ExclusionFailedQuant)
			continue
		}
		keep = append(keep, s.Run)
	}
	alignedCounts, err := counts.SelectSamples(keep)
	if err != nil {
		return nil, nil, err
	}
	if lengths == nil {
		return alignedCounts, nil, nil
	}
	alignedLengths, err := lengths.SelectSamples(keep)
	if err != nil {
		return nil, nil, fmt.Errorf("effective length matrix: %v", err)
	}
	if len(lengths.GeneIDs) != len(counts.GeneIDs) {
		return nil, nil, fmt.Errorf("count matrix has %v genes but effective length matrix has %v", len(counts.GeneIDs), len(lengths.GeneIDs))
	}
	for i, gene := range counts.GeneIDs {
		if lengths.GeneIDs[i] != gene {
			return nil, nil, fmt.Errorf("gene order mismatch between count and effective length matrices at row %v: %v vs %v", i, gene, lengths.GeneIDs[i])
		}
	}
	return alignedCounts, alignedLengths, nil
}
