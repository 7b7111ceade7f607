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

// metacurate statistically curates transcriptome expression matrices
// assembled from public RNA-seq archives: cross-species TMM
// normalization, batch-effect correction, iterative within-group
// outlier exclusion, and tissue-specificity scoring.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/metacurate/metacurate/cmd"
)

func printHelp() {
	fmt.Fprintln(os.Stderr, "Available commands: curate, cstmm, sanity")
	fmt.Fprint(os.Stderr, "\n", cmd.CurateHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.CstmmHelp)
	fmt.Fprint(os.Stderr, "\n", cmd.SanityHelp)
}

func main() {
	fmt.Fprintln(os.Stderr, cmd.ProgramMessage)
	if len(os.Args) < 2 {
		log.Println("Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, cmd.HelpMessage, "\n")
		printHelp()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "curate":
		err = cmd.Curate()
	case "cstmm":
		err = cmd.Cstmm()
	case "sanity":
		err = cmd.Sanity()
	case "help", "-h", "--h", "-help", "--help":
		fmt.Fprint(os.Stderr, cmd.HelpMessage, "\n")
		printHelp()
	default:
		log.Println("Unknown command: ", os.Args[1])
		fmt.Fprint(os.Stderr, cmd.HelpMessage, "\n")
		printHelp()
		os.Exit(1)
	}
	if err != nil {
		log.Println("Error: ", err)
		os.Exit(1)
	}
}
