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

package cmd

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/metacurate/metacurate/expr"
	"github.com/metacurate/metacurate/norm"
)

// CstmmHelp is the help string for the cstmm command.
const CstmmHelp = "\ncstmm parameters:\n" +
	"metacurate cstmm orthogroup-dir input-dir output-dir\n" +
	"[--timed]\n" +
	"[--log-path path]\n"

// Cstmm implements the cstmm command: cross-species TMM
// normalization of per-species count tables over single-copy
// orthogroups.
func Cstmm() error {
	var (
		timed   bool
		logPath string
	)

	var flags flag.FlagSet

	flags.BoolVar(&timed, "timed", false, "measure the runtime")
	flags.StringVar(&logPath, "log-path", "", "write log output to the specified file")

	parseFlags(flags, 5, CstmmHelp)

	orthogroupDir := getFilename(os.Args[2], CstmmHelp)
	inputDir := getFilename(os.Args[3], CstmmHelp)
	outputDir := getFilename(os.Args[4], CstmmHelp)

	setLogOutput(logPath)

	orthogroupFile := filepath.Join(orthogroupDir, "Orthogroups.tsv")
	geneCountFile := filepath.Join(orthogroupDir, "Orthogroups.GeneCount.tsv")

	var sanityChecksFailed bool
	if !checkExist("", orthogroupFile) {
		sanityChecksFailed = true
	}
	if !checkExist("", geneCountFile) {
		sanityChecksFailed = true
	}
	if !checkExist("", inputDir) {
		sanityChecksFailed = true
	}
	if !checkCreate("", filepath.Join(outputDir, "cstmm", "write_test")) {
		sanityChecksFailed = true
	}
	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, CstmmHelp)
		os.Exit(1)
	}

	ogs, err := norm.ReadOrthogroups(orthogroupFile)
	if err != nil {
		return err
	}
	gc, err := norm.ReadGeneCounts(geneCountFile)
	if err != nil {
		return err
	}

	registry, err := norm.BuildRegistry(inputDir, gc.Species, norm.RawCountSuffix)
	if err != nil {
		return err
	}
	var speciesOrder []string
	perSpecies := make(map[string]*expr.Matrix)
	for _, sp := range gc.Species {
		key := norm.SpeciesKey(sp)
		input, ok := registry[key]
		if !ok {
			continue
		}
		m, err := expr.ReadMatrix(input.CountFile)
		if err != nil {
			return err
		}
		speciesOrder = append(speciesOrder, sp)
		perSpecies[sp] = m
	}
	if len(speciesOrder) < 2 {
		return fmt.Errorf("cross-species normalization needs count tables for at least 2 species, found %v", len(speciesOrder))
	}

	single := gc.SingleCopy(speciesOrder)
	log.Printf("%v orthogroups are single-copy in all %v species.", len(single), len(speciesOrder))
	if len(single) == 0 {
		return fmt.Errorf("no orthogroup is single-copy in every included species")
	}

	var result *norm.Result
	err = timedRun(timed, "Computing cross-species TMM normalization factors.", 1, func() error {
		merged := norm.BuildMerged(ogs, single, speciesOrder, perSpecies)
		var err error
		result, err = norm.Run(merged, perSpecies, speciesOrder)
		return err
	})
	if err != nil {
		return err
	}
	log.Printf("TMM reference sample: %v.", result.Reference)

	return timedRun(timed, "Writing normalized tables.", 2, func() error {
		for _, sp := range speciesOrder {
			key := norm.SpeciesKey(sp)
			dir := filepath.Join(outputDir, "cstmm", key)
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
			out := filepath.Join(dir, key+norm.CstmmCountSuffix)
			if err := expr.WriteMatrix(out, "target_id", result.PerSpecies[sp]); err != nil {
				return err
			}
		}
		factorFile := filepath.Join(outputDir, "cstmm", "normalization_factors.tsv")
		return expr.WriteFactorTable(factorFile, result.Factors)
	})
}
