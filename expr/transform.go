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
	"fmt"
	"math"
	"strings"
)

// Units selects the length/library normalization applied to raw
// counts.
type Units int

// Supported units.
const (
	UnitsNone Units = iota
	UnitsFPKM
	UnitsTPM
)

// LogBase selects the optional log transform applied after unit
// conversion.
type LogBase int

// Supported log bases.
const (
	LogNone LogBase = iota
	Log2
	LogN
)

// Transform is a pluggable expression transformation. It must run
// after normalization factors are computed and is independent of the
// exclusion state, so the same transform applies to every snapshot of
// the matrix.
type Transform struct {
	Units       Units
	Log         LogBase
	Pseudocount bool // add 1 before taking the log
}

// ParseTransform parses a normalization string of the form
// (logn|log2|lognp1|log2p1|none)-(fpkm|tpm|none), or a bare unit or
// "none".
func ParseTransform(s string) (Transform, error) {
	var tf Transform
	logPart := "none"
	unitPart := strings.ToLower(s)
	if i := strings.Index(unitPart, "-"); i >= 0 {
		logPart = unitPart[:i]
		unitPart = unitPart[i+1:]
	}
	switch unitPart {
	case "none", "":
		tf.Units = UnitsNone
	case "fpkm":
		tf.Units = UnitsFPKM
	case "tpm":
		tf.Units = UnitsTPM
	default:
		return tf, fmt.Errorf("unknown expression unit %q", unitPart)
	}
	switch logPart {
	case "none":
		tf.Log = LogNone
	case "log2":
		tf.Log = Log2
	case "logn":
		tf.Log = LogN
	case "log2p1":
		tf.Log = Log2
		tf.Pseudocount = true
	case "lognp1":
		tf.Log = LogN
		tf.Pseudocount = true
	default:
		return tf, fmt.Errorf("unknown log transform %q", logPart)
	}
	return tf, nil
}

// String returns the parseable form of the transform.
func (tf Transform) String() string {
	unit := "none"
	switch tf.Units {
	case UnitsFPKM:
		unit = "fpkm"
	case UnitsTPM:
		unit = "tpm"
	}
	logPart := "none"
	switch tf.Log {
	case Log2:
		logPart = "log2"
	case LogN:
		logPart = "logn"
	}
	if tf.Pseudocount && tf.Log != LogNone {
		logPart += "p1"
	}
	return logPart + "-" + unit
}

// RequiresLengths reports whether the transform needs effective gene
// lengths.
func (tf Transform) RequiresLengths() bool { return tf.Units != UnitsNone }

// Apply converts raw counts to the transform's units. lengths is the
// effective length matrix (may be nil when the transform needs no
// lengths). factors supplies per-sample library sizes and TMM
// normalization factors; when nil, library sizes are the column sums
// and factors are 1. Effective library size is libSize * factor.
func (tf Transform) Apply(counts, lengths *Matrix, factors *FactorTable) (*Matrix, error) {
	if tf.RequiresLengths() && lengths == nil {
		return nil, fmt.Errorf("transform %v requires an effective length matrix", tf)
	}
	effLib := make([]float64, len(counts.SampleIDs))
	for j, sample := range counts.SampleIDs {
		libSize := counts.ColSum(j)
		factor := 1.0
		if factors != nil {
			if ls, f, ok := factors.Lookup(sample); ok {
				libSize, factor = ls, f
			}
		}
		effLib[j] = libSize * factor
	}
	var rpkSum []float64
	if tf.Units == UnitsTPM {
		rpkSum = make([]float64, len(counts.SampleIDs))
		for i := range counts.GeneIDs {
			row := counts.Row(i)
			lens := lengths.Row(i)
			for j, v := range row {
				if lens[j] > 0 {
					rpkSum[j] += v / (lens[j] / 1e3)
				}
			}
		}
	}
	out := counts.Apply(func(i, j int, v float64) float64 {
		switch tf.Units {
		case UnitsFPKM:
			l := lengths.At(i, j)
			if l <= 0 || effLib[j] <= 0 {
				v = math.NaN()
			} else {
				v = v * 1e9 / (l * effLib[j])
			}
		case UnitsTPM:
			l := lengths.At(i, j)
			if l <= 0 || rpkSum[j] <= 0 {
				v = math.NaN()
			} else {
				v = v / (l / 1e3) * 1e6 / rpkSum[j]
			}
		}
		if tf.Pseudocount {
			v++
		}
		switch tf.Log {
		case Log2:
			v = math.Log2(v)
		case LogN:
			v = math.Log(v)
		}
		return v
	})
	return out, nil
}

// Inverse undoes the log part of the transform, returning values on
// the linear expression scale. Values that come out negative (from
// the pseudocount subtraction) are floored at zero. The unit
// conversion itself is not undone; specificity scoring wants linear
// FPKM/TPM, not raw counts.
func (tf Transform) Inverse(m *Matrix) *Matrix {
	return m.Apply(func(i, j int, v float64) float64 {
		switch tf.Log {
		case Log2:
			v = math.Exp2(v)
		case LogN:
			v = math.Exp(v)
		}
		if tf.Pseudocount {
			v--
		}
		if v < 0 {
			v = 0
		}
		return v
	})
}
