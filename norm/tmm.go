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

// Package norm computes trimmed-mean-of-M-values (TMM) normalization
// factors across samples, and applies them to per-species count
// tables in cross-species runs.
package norm

import (
	"errors"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
)

// Trimming parameters of the TMM estimator, following Robinson and
// Oshlack (2010).
const (
	logRatioTrim = 0.3
	sumTrim      = 0.05
	aCutoff      = -1e10
)

func ones(n int) []float64 {
	f := make([]float64, n)
	for i := range f {
		f[i] = 1
	}
	return f
}

// prepare checks the sample vectors for equal length and fast-path
// cases. When no fast path applies, result holds the library size of
// each sample.
func prepare(data [][]float64) (done bool, result []float64, err error) {
	rows := len(data[0])
	if rows == 0 {
		return true, ones(len(data)), nil
	}
	if len(data) == 1 {
		return true, []float64{1}, nil
	}
	size := make([]float64, len(data))
	for i, col := range data {
		if len(col) != rows {
			return true, nil, errors.New("norm: mismatched sample vector lengths")
		}
		for _, v := range col {
			size[i] += v
		}
	}
	return false, size, nil
}

// expMeanLogScaled rescales factors so their log values average to
// zero.
func expMeanLogScaled(f []float64) []float64 {
	var expMeanLog float64
	for _, v := range f {
		expMeanLog += math.Log(v)
	}
	expMeanLog = math.Exp(expMeanLog / float64(len(f)))
	for i, v := range f {
		f[i] = v / expMeanLog
	}
	return f
}

// refIndex returns the sample whose upper quartile of size-scaled
// expression is closest to the mean upper quartile across samples,
// the standard automatic TMM reference choice.
func refIndex(data [][]float64, size []float64) int {
	q75 := make([]float64, len(data))
	y := make([]float64, 0, len(data[0]))
	for i, col := range data {
		y = y[:0]
		for _, v := range col {
			y = append(y, v/size[i])
		}
		q, err := stats.Percentile(y, 75)
		if err != nil {
			q = 0
		}
		q75[i] = q
	}
	var meanQ75 float64
	for _, v := range q75 {
		meanQ75 += v
	}
	meanQ75 /= float64(len(q75))
	ref := 0
	min := math.Abs(q75[0] - meanQ75)
	for i, v := range q75[1:] {
		if d := math.Abs(v - meanQ75); d < min {
			min = d
			ref = i + 1
		}
	}
	return ref
}

// ranker assigns sample ranks without mutating the data slice. Ties
// keep their insertion order, which is all the trimming step needs.
type ranker struct {
	f []float64
	r []int
}

func (r ranker) Len() int           { return len(r.f) }
func (r ranker) Less(i, j int) bool { return r.f[r.r[i]] < r.f[r.r[j]] }
func (r ranker) Swap(i, j int)      { r.r[i], r.r[j] = r.r[j], r.r[i] }

func (r *ranker) rank(f []float64) []float64 {
	if len(f) == 0 {
		return nil
	}
	r.f = f
	r.r = make([]int, len(f))
	for i := range r.r {
		r.r[i] = i
	}
	sort.Stable(r)
	rl := make([]float64, len(f))
	for i, j := range r.r {
		rl[j] = float64(i)
	}
	return rl
}

// tmmFactors computes the relative weighting of each sample against
// the reference sample, with double trimming on log fold-change and
// absolute intensity, weighted by asymptotic variance.
func tmmFactors(data [][]float64, refIdx int, size []float64) []float64 {
	f := make([]float64, len(data))
	ref := data[refIdx]
	invSizeRef := 1 / size[refIdx]
	for k, alt := range data {
		sizeAlt := size[k]
		invSizeAlt := 1 / sizeAlt

		eq := true
		for i, v := range alt {
			if ref[i] != v {
				eq = false
				break
			}
		}
		if eq {
			f[k] = 1
			continue
		}

		var (
			logRat = make([]float64, 0, len(alt))
			logInt = make([]float64, 0, len(alt))
			asmVar = make([]float64, 0, len(alt))
		)
		for i := range alt {
			// Gene-wise M_g and A_g statistics.
			lR := math.Log2((alt[i] * invSizeAlt) / (ref[i] * invSizeRef))
			aI := math.Log2(alt[i]*invSizeAlt*ref[i]*invSizeRef) / 2
			if aI < aCutoff || math.IsInf(lR, 0) || math.IsNaN(lR) || math.IsInf(aI, 0) || math.IsNaN(aI) {
				continue
			}
			logRat = append(logRat, lR)
			logInt = append(logInt, aI)
			asmVar = append(asmVar, (sizeAlt-alt[i])*invSizeAlt/alt[i]+(size[refIdx]-ref[i])*invSizeRef/ref[i])
		}

		n := float64(len(logRat))
		minRat := math.Floor(n * logRatioTrim)
		maxRat := n - minRat - 1
		minSum := math.Floor(n * sumTrim)
		maxSum := n - minSum - 1

		var r ranker
		rLogRat := r.rank(logRat)
		rLogInt := r.rank(logInt)

		var num, den float64
		for i := range logRat {
			if rLogRat[i] < minRat || rLogRat[i] > maxRat || rLogInt[i] < minSum || rLogInt[i] > maxSum {
				continue
			}
			num += logRat[i] / asmVar[i]
			den += 1 / asmVar[i]
		}
		if den == 0 {
			// Everything trimmed away; no usable signal against the
			// reference.
			f[k] = 1
			continue
		}
		f[k] = math.Pow(2, num/den)
	}
	return f
}

// Factors returns TMM normalization factors for the sample vectors in
// data. Each element of data is one sample's gene vector; all vectors
// must have equal length. If ref is a valid index into data it is
// used as the reference sample, otherwise the reference is chosen
// automatically by the upper-quartile rule. All returned factors are
// strictly positive.
func Factors(data [][]float64, ref int) ([]float64, error) {
	if len(data) == 0 {
		return nil, nil
	}
	done, result, err := prepare(data)
	if done {
		return result, err
	}
	size := result
	if ref < 0 || ref >= len(data) {
		ref = refIndex(data, size)
	}
	return expMeanLogScaled(tmmFactors(data, ref, size)), nil
}

// medianFactorIndex returns the sample sitting at the median position
// of the sorted factor vector. For even counts the lower median is
// taken; ties resolve to the lower sample index.
func medianFactorIndex(factors []float64) int {
	order := make([]int, len(factors))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return factors[order[a]] < factors[order[b]] })
	return order[(len(order)-1)/2]
}

// TwoRoundFactors computes TMM factors twice: round 1 with the
// automatic reference, round 2 with the sample at the median factor
// position of round 1 as the explicit reference. The refinement
// reduces sensitivity to an unrepresentative automatic reference.
// The chosen reference index of round 2 is returned alongside the
// factors.
func TwoRoundFactors(data [][]float64) (factors []float64, ref int, err error) {
	round1, err := Factors(data, -1)
	if err != nil {
		return nil, 0, err
	}
	if len(data) < 2 {
		return round1, 0, nil
	}
	ref = medianFactorIndex(round1)
	factors, err = Factors(data, ref)
	if err != nil {
		return nil, 0, err
	}
	return factors, ref, nil
}
