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

// Package cmd implements the metacurate subcommands.
package cmd

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/metacurate/metacurate/utils"
)

// ProgramMessage is the first line printed when the metacurate binary
// is called.
var ProgramMessage string

func init() {
	ProgramMessage = fmt.Sprint(
		"\n", utils.ProgramName, " version ", utils.ProgramVersion,
		" compiled with ", runtime.Version(),
		" - see ", utils.ProgramURL, " for more information.\n",
	)
}

// HelpMessage is printed to show the --help flag
const HelpMessage = "Print command details:\n" +
	"[--help]\n"

func getFilename(s, help string) string {
	switch s {
	case "-h", "--h", "-help", "--help":
		fmt.Fprint(os.Stderr, help)
		os.Exit(0)
	default:
		if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "--") {
			log.Println("Filename(s) in command line missing.")
			fmt.Fprint(os.Stderr, help)
			os.Exit(1)
		}
	}
	return s
}

func parseFlags(flags flag.FlagSet, requiredArgs int, help string) {
	if len(os.Args) < requiredArgs {
		fmt.Fprintln(os.Stderr, "Incorrect number of parameters.")
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
	flags.SetOutput(io.Discard)
	if err := flags.Parse(os.Args[requiredArgs:]); err != nil {
		x := 0
		if err != flag.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			x = 1
		}
		fmt.Fprint(os.Stderr, help)
		os.Exit(x)
	}
	if flags.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Cannot parse remaining parameters:", flags.Args())
		fmt.Fprint(os.Stderr, help)
		os.Exit(1)
	}
}

func logCheckFile(parameter, format string, v ...interface{}) {
	if parameter != "" {
		log.Printf(format+" for command line parameter %v.\n", append(v, parameter)...)
	} else {
		log.Printf(format+".\n", v...)
	}
}

func checkExist(parameter, filename string) bool {
	if len(filename) == 0 {
		logCheckFile(parameter, "Error: Missing filename")
		return false
	}
	if filename[0] == '-' {
		logCheckFile(parameter, "Error: Missing filename before %v", filename)
		return false
	}
	if _, err := os.Stat(filename); err == nil {
		return true
	} else if os.IsNotExist(err) {
		logCheckFile(parameter, "Error: File %v does not exist", filename)
		return false
	} else if os.IsPermission(err) {
		logCheckFile(parameter, "Error: No permission to read file %v", filename)
		return false
	} else {
		logCheckFile(parameter, "Error %v when trying to access file %v", err, filename)
		return false
	}
}

func checkCreate(parameter, filename string) bool {
	if len(filename) == 0 {
		logCheckFile(parameter, "Error: Missing filename")
		return false
	}
	if filename[0] == '-' {
		logCheckFile(parameter, "Error: Missing filename before %v", filename)
		return false
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0700); err != nil {
		logCheckFile(parameter, "Error %v when trying to create directory for file %v", err, filename)
		return false
	}
	f, err := os.Create(filename)
	if err != nil {
		logCheckFile(parameter, "Error %v when trying to create file %v", err, filename)
		return false
	}
	if err := f.Close(); err != nil {
		logCheckFile(parameter, "Error %v when trying to close file %v", err, filename)
		return false
	}
	if err := os.Remove(filename); err != nil {
		logCheckFile(parameter, "Error %v when trying to remove file %v", err, filename)
		return false
	}
	return true
}

func setLogOutput(path string) {
	logOutput := os.Stderr
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			log.Panic(err, ", while creating log file ", path)
		}
		logOutput = f
	}
	log.SetOutput(logOutput)
}

// timedRun logs the start and end of a pipeline phase when timed is
// set.
func timedRun(timed bool, message string, phase int64, f func() error) error {
	if !timed {
		return f()
	}
	log.Printf("Phase %v: %v\n", phase, message)
	start := time.Now()
	err := f()
	log.Printf("Phase %v took %v.\n", phase, time.Since(start))
	return err
}
