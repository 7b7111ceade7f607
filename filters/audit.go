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

// Package filters implements the statistical curation stages of the
// pipeline: mapping-rate filtering, batch-effect correction, the
// iterative group-correlation outlier filter, and specificity
// scoring.
package filters

import (
	"bufio"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Decision records one exclusion decision. Iteration 0 marks
// decisions made by filters that run before the correlation loop.
type Decision struct {
	Run       string
	Reason    string
	Iteration int
}

// AuditLog accumulates every exclusion decision of one curation run.
// It is a required output, not a diagnostic: reruns with different
// thresholds are validated against it.
type AuditLog struct {
	RunID     uuid.UUID
	Species   string
	Decisions []Decision
}

// NewAuditLog returns an audit log tagged with a fresh run
// identifier.
func NewAuditLog(species string) *AuditLog {
	return &AuditLog{RunID: uuid.New(), Species: species}
}

// Record appends one decision.
func (l *AuditLog) Record(run, reason string, iteration int) {
	l.Decisions = append(l.Decisions, Decision{Run: run, Reason: reason, Iteration: iteration})
}

// Write writes the audit log as a TSV file. The header comment lines
// carry the run identifier and species.
func (l *AuditLog) Write(filename string) (err error) {
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
	fmt.Fprintf(w, "# curation_run\t%v\n", l.RunID)
	fmt.Fprintf(w, "# species\t%v\n", l.Species)
	fmt.Fprintln(w, "run\treason\titeration")
	for _, d := range l.Decisions {
		fmt.Fprintf(w, "%v\t%v\t%v\n", d.Run, d.Reason, d.Iteration)
	}
	return w.Flush()
}
