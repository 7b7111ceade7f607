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

	"github.com/metacurate/metacurate/expr"
	"github.com/metacurate/metacurate/norm"
)

// SanityHelp is the help string for the sanity command.
const SanityHelp = "\nsanity parameters:\n" +
	"metacurate sanity metadata-file input-dir\n" +
	"[--curate-group-column name]\n" +
	"[--normalized-input]\n" +
	"[--log-path path]\n"

// Sanity implements the sanity command: it validates the metadata
// table and the per-species presence of expression input files
// before a curation run is attempted.
func Sanity() error {
	var (
		curateGroupColumn string
		normalizedInput   bool
		logPath           string
	)

	var flags flag.FlagSet

	flags.StringVar(&curateGroupColumn, "curate-group-column", "curate_group", "metadata column holding the group label")
	flags.BoolVar(&normalizedInput, "normalized-input", false, "input count tables are cstmm-normalized")
	flags.StringVar(&logPath, "log-path", "", "write log output to the specified file")

	parseFlags(flags, 4, SanityHelp)

	metadataFile := getFilename(os.Args[2], SanityHelp)
	inputDir := getFilename(os.Args[3], SanityHelp)

	setLogOutput(logPath)

	if !checkExist("", metadataFile) || !checkExist("", inputDir) {
		fmt.Fprint(os.Stderr, SanityHelp)
		os.Exit(1)
	}

	// ReadMetadata already rejects missing required columns and
	// duplicated run identifiers.
	md, err := expr.ReadMetadata(metadataFile, curateGroupColumn)
	if err != nil {
		return err
	}
	species := md.Species()
	if len(species) == 0 {
		return fmt.Errorf("%v: no species found; check the scientific_name column", metadataFile)
	}
	log.Printf("%v species detected:", len(species))
	for _, sp := range species {
		log.Printf("  %v", sp)
	}
	log.Printf("%v runs detected.", len(md.Samples))

	missingGroup := 0
	for _, s := range md.Samples {
		if s.Group == "" {
			missingGroup++
		}
	}
	if missingGroup > 0 {
		log.Printf("Warning: %v run(s) have an empty %v label.", missingGroup, curateGroupColumn)
	}

	countSuffix := norm.RawCountSuffix
	if normalizedInput {
		countSuffix = norm.CstmmCountSuffix
	}
	registry, err := norm.BuildRegistry(inputDir, species, countSuffix)
	if err != nil {
		return err
	}
	missing := 0
	for _, sp := range species {
		input, ok := registry[norm.SpeciesKey(sp)]
		if !ok {
			missing++
			continue
		}
		if input.LengthFile == "" {
			log.Printf("Warning: no effective length table for %v; length-based transforms will not be possible.", sp)
		}
	}
	if missing > 0 {
		return fmt.Errorf("expression input is missing for %v of %v species", missing, len(species))
	}
	log.Println("All sanity checks passed.")
	return nil
}
