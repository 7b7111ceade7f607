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

package filters

import (
	"fmt"
	"log"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/metacurate/metacurate/expr"
	"github.com/metacurate/metacurate/internal"
)

// BatchBackend selects the batch-effect correction model.
type BatchBackend int

// Supported backends.
const (
	// BackendSVA estimates latent surrogate variables from the
	// residual matrix and removes their fitted contribution.
	BackendSVA BatchBackend = iota
	// BackendFactorResidual residualizes on the bioproject factor,
	// restricted to bioprojects with at least two samples.
	BackendFactorResidual
)

// ParseBatchBackend parses a backend name.
func ParseBatchBackend(s string) (BatchBackend, error) {
	switch s {
	case "sva":
		return BackendSVA, nil
	case "factor-residual":
		return BackendFactorResidual, nil
	}
	return 0, fmt.Errorf("unknown batch correction backend %q", s)
}

// Number of permutations and acceptance fraction of the parallel
// analysis that picks the surrogate variable count.
const (
	svPermutations = 20
	svAcceptFrac   = 0.95
)

// BatchCorrector removes technical variation from an expression
// matrix while preserving the group-of-interest signal. Correction is
// best effort: any failure of the statistical fit degrades to the
// uncorrected input with a prominent log line. It never aborts the
// pipeline.
type BatchCorrector struct {
	Backend BatchBackend
	Seed    int64
}

// Correct returns a corrected copy of m, which must already be
// restricted to retained samples. Only expressed genes (row sum > 0)
// are corrected; non-expressed rows are reattached unchanged.
func (c *BatchCorrector) Correct(m *expr.Matrix, md *expr.Metadata) *expr.Matrix {
	corrected, err := c.correct(m, md)
	if err != nil {
		log.Printf("Warning: batch effect correction failed (%v). Continuing with uncorrected data.", err)
		return m
	}
	return corrected
}

func (c *BatchCorrector) correct(m *expr.Matrix, md *expr.Metadata) (*expr.Matrix, error) {
	var expressed []int
	for i := range m.GeneIDs {
		if s := m.RowSum(i); s > 0 && !math.IsNaN(s) {
			expressed = append(expressed, i)
		}
	}
	if len(expressed) == 0 {
		return nil, fmt.Errorf("no expressed genes")
	}
	if len(m.SampleIDs) < 4 {
		return nil, fmt.Errorf("only %v samples, too few to fit a batch model", len(m.SampleIDs))
	}
	sub := m.SelectRows(expressed)

	var cleaned *mat.Dense
	var err error
	switch c.Backend {
	case BackendFactorResidual:
		cleaned, err = c.factorResidual(sub, md)
	default:
		cleaned, err = c.surrogateVariables(sub, md)
	}
	if err != nil {
		return nil, err
	}

	// Non-expressed rows are reattached unchanged.
	out := m.Clone()
	for k, i := range expressed {
		row := out.Row(i)
		for j := range row {
			row[j] = cleaned.At(k, j)
		}
	}
	return out, nil
}

// designMatrix builds the full model matrix: an intercept column plus
// one dummy column per group beyond the first (sorted group order).
func designMatrix(samples []string, md *expr.Metadata) (*mat.Dense, int, error) {
	groupSet := make(map[string]bool)
	groupOf := make([]string, len(samples))
	for j, run := range samples {
		s := md.Lookup(run)
		if s == nil {
			return nil, 0, fmt.Errorf("sample %v has no metadata row", run)
		}
		groupOf[j] = s.Group
		groupSet[s.Group] = true
	}
	groups := make([]string, 0, len(groupSet))
	for g := range groupSet {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	k := len(groups) // intercept + len(groups)-1 dummies
	x := mat.NewDense(len(samples), k, nil)
	for j := range samples {
		x.Set(j, 0, 1)
		for gi, g := range groups[1:] {
			if groupOf[j] == g {
				x.Set(j, gi+1, 1)
			}
		}
	}
	return x, k, nil
}

// olsBeta solves the least squares problem E' = Z B for B
// ((columns of Z) x genes). It errors when Z is rank deficient.
func olsBeta(e *mat.Dense, z *mat.Dense) (*mat.Dense, error) {
	var ztz, zte mat.Dense
	ztz.Mul(z.T(), z)
	zte.Mul(z.T(), e.T())
	var beta mat.Dense
	if err := beta.Solve(&ztz, &zte); err != nil {
		return nil, fmt.Errorf("degenerate design matrix: %v", err)
	}
	return &beta, nil
}

// surrogateVariables estimates latent batch variables on the
// residuals of the group model, then removes their fitted
// contribution from the expression values. The surrogate variable
// count comes from a permutation-based parallel analysis seeded
// deterministically.
func (c *BatchCorrector) surrogateVariables(sub *expr.Matrix, md *expr.Metadata) (*mat.Dense, error) {
	e := sub.Dense() // genes x samples
	g, n := e.Dims()
	x, k, err := designMatrix(sub.SampleIDs, md)
	if err != nil {
		return nil, err
	}
	if n <= k {
		return nil, fmt.Errorf("%v samples for %v model columns", n, k)
	}

	beta, err := olsBeta(e, x)
	if err != nil {
		return nil, err
	}
	var fit mat.Dense
	fit.Mul(x, beta)
	resid := mat.NewDense(g, n, nil)
	resid.Sub(e, fit.T())

	q, v, err := estimateSurrogates(resid, c.Seed)
	if err != nil {
		return nil, err
	}
	if q == 0 {
		log.Println("No surrogate variables detected; expression values left unadjusted this round.")
		return e, nil
	}

	// Full design: group model columns followed by the surrogate
	// loadings. Only the surrogate contribution is removed.
	z := mat.NewDense(n, k+q, nil)
	for j := 0; j < n; j++ {
		for col := 0; col < k; col++ {
			z.Set(j, col, x.At(j, col))
		}
		for col := 0; col < q; col++ {
			z.Set(j, k+col, v.At(j, col))
		}
	}
	fullBeta, err := olsBeta(e, z)
	if err != nil {
		return nil, err
	}
	svBeta := fullBeta.Slice(k, k+q, 0, g)
	sv := z.Slice(0, n, k, k+q)
	var batch mat.Dense
	batch.Mul(sv, svBeta)
	cleaned := mat.NewDense(g, n, nil)
	cleaned.Sub(e, batch.T())
	return cleaned, nil
}

// estimateSurrogates runs a Buja-Eyuboglu style parallel analysis:
// the observed singular values of the residual matrix are compared
// against those of row-wise permuted copies, and leading components
// that beat the permuted values in at least svAcceptFrac of the
// permutations count as surrogate variables. Returns the count and
// the right singular vectors.
func estimateSurrogates(resid *mat.Dense, seed int64) (int, *mat.Dense, error) {
	g, n := resid.Dims()
	var svd mat.SVD
	if !svd.Factorize(resid, mat.SVDThin) {
		return 0, nil, fmt.Errorf("SVD of residual matrix did not converge")
	}
	observed := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)

	rng := internal.NewRand(seed)
	perm := make([]int, n)
	shuffled := mat.NewDense(g, n, nil)
	row := make([]float64, n)
	wins := make([]int, len(observed))
	for b := 0; b < svPermutations; b++ {
		for i := 0; i < g; i++ {
			rng.Perm(perm)
			src := resid.RawRowView(i)
			for j, p := range perm {
				row[j] = src[p]
			}
			shuffled.SetRow(i, row)
		}
		var permSVD mat.SVD
		if !permSVD.Factorize(shuffled, mat.SVDThin) {
			return 0, nil, fmt.Errorf("SVD of permuted residual matrix did not converge")
		}
		permuted := permSVD.Values(nil)
		for i := range observed {
			if observed[i] > permuted[i] {
				wins[i]++
			}
		}
	}
	need := int(math.Ceil(svAcceptFrac * svPermutations))
	q := 0
	for _, w := range wins {
		if w < need {
			break
		}
		q++
	}
	// Keep the problem overdetermined.
	if max := n - 2; q > max {
		q = max
	}
	if q < 0 {
		q = 0
	}
	qv := mat.DenseCopyOf(v.Slice(0, n, 0, len(observed)))
	return q, qv, nil
}

// factorResidual removes per-bioproject shifts estimated jointly with
// the group model. Only bioprojects with at least two samples enter
// the fit; samples from singleton bioprojects are left unchanged and
// restored in place, not dropped.
func (c *BatchCorrector) factorResidual(sub *expr.Matrix, md *expr.Metadata) (*mat.Dense, error) {
	e := sub.Dense()
	g, n := e.Dims()

	bioprojects := make([]string, n)
	tally := make(map[string]int)
	for j, run := range sub.SampleIDs {
		s := md.Lookup(run)
		if s == nil {
			return nil, fmt.Errorf("sample %v has no metadata row", run)
		}
		bioprojects[j] = s.BioProject
		tally[s.BioProject]++
	}
	var cols []int
	for j := range sub.SampleIDs {
		if tally[bioprojects[j]] >= 2 {
			cols = append(cols, j)
		}
	}
	if len(cols) < 4 {
		return nil, fmt.Errorf("only %v samples in replicated bioprojects", len(cols))
	}
	replicated := make([]string, len(cols))
	for i, j := range cols {
		replicated[i] = sub.SampleIDs[j]
	}
	fitMatrix, err := sub.SelectSamples(replicated)
	if err != nil {
		return nil, err
	}
	ef := fitMatrix.Dense()

	x, k, err := designMatrix(replicated, md)
	if err != nil {
		return nil, err
	}
	bpSet := make(map[string]bool)
	var bpOrder []string
	for _, j := range cols {
		if !bpSet[bioprojects[j]] {
			bpSet[bioprojects[j]] = true
			bpOrder = append(bpOrder, bioprojects[j])
		}
	}
	sort.Strings(bpOrder)
	q := len(bpOrder) - 1 // drop-first coding against the intercept
	if q < 1 {
		return nil, fmt.Errorf("a single bioproject cannot define a batch contrast")
	}
	z := mat.NewDense(len(cols), k+q, nil)
	for row, j := range cols {
		for col := 0; col < k; col++ {
			z.Set(row, col, x.At(row, col))
		}
		for col, bp := range bpOrder[1:] {
			if bioprojects[j] == bp {
				z.Set(row, k+col, 1)
			}
		}
	}
	beta, err := olsBeta(ef, z)
	if err != nil {
		return nil, err
	}
	bpBeta := beta.Slice(k, k+q, 0, g)
	bpDesign := z.Slice(0, len(cols), k, k+q)
	var batch mat.Dense
	batch.Mul(bpDesign, bpBeta)

	cleaned := mat.DenseCopyOf(e)
	for row, j := range cols {
		for i := 0; i < g; i++ {
			cleaned.Set(i, j, ef.At(i, row)-batch.At(row, i))
		}
	}
	return cleaned, nil
}
