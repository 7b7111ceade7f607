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
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"github.com/metacurate/metacurate/internal"
)

// Count file suffixes produced by upstream merge and cstmm steps.
const (
	RawCountSuffix   = "_est_counts.tsv"
	CstmmCountSuffix = "_cstmm_counts.tsv"
	EffLengthSuffix  = "_eff_length.tsv"
)

// SpeciesInput is the resolved set of input files for one species.
type SpeciesInput struct {
	Name       string // scientific name with spaces
	Directory  string
	CountFile  string
	LengthFile string // empty when no effective length table exists
}

// Registry maps a species (scientific name with spaces replaced by
// underscores) to its resolved input files. It is built once, before
// any computation; stages receive file paths from it instead of
// pattern-matching directories at run time.
type Registry map[string]SpeciesInput

// SpeciesKey converts a scientific name to the directory/file naming
// convention.
func SpeciesKey(scientificName string) string {
	return strings.ReplaceAll(scientificName, " ", "_")
}

// BuildRegistry resolves input files for the given species under
// inputDir, expecting <inputDir>/<species>/<species><countSuffix>.
// A species with no matching count file is skipped with a warning.
// More than one matching count file is a fatal configuration error.
func BuildRegistry(inputDir string, species []string, countSuffix string) (Registry, error) {
	registry := make(Registry, len(species))
	for _, name := range species {
		key := SpeciesKey(name)
		dir := filepath.Join(inputDir, key)
		files, err := internal.Directory(dir)
		if err != nil {
			log.Printf("Warning: no input directory for %v (%v). Skipping this species.", name, dir)
			continue
		}
		var countFiles, lengthFiles []string
		for _, f := range files {
			if strings.HasSuffix(f, countSuffix) {
				countFiles = append(countFiles, f)
			}
			if strings.HasSuffix(f, EffLengthSuffix) {
				lengthFiles = append(lengthFiles, f)
			}
		}
		switch {
		case len(countFiles) == 0:
			log.Printf("Warning: no count file matching *%v for %v in %v. Skipping this species.", countSuffix, name, dir)
			continue
		case len(countFiles) > 1:
			return nil, fmt.Errorf("found %v count files matching *%v for %v in %v, expected exactly one", len(countFiles), countSuffix, name, dir)
		}
		if len(lengthFiles) > 1 {
			return nil, fmt.Errorf("found %v effective length files for %v in %v, expected at most one", len(lengthFiles), name, dir)
		}
		input := SpeciesInput{
			Name:      name,
			Directory: dir,
			CountFile: filepath.Join(dir, countFiles[0]),
		}
		if len(lengthFiles) == 1 {
			input.LengthFile = filepath.Join(dir, lengthFiles[0])
		}
		registry[key] = input
	}
	return registry, nil
}
