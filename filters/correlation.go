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

	"gonum.org/v1/gonum/stat"

	"github.com/metacurate/metacurate/expr"
)

// Correlation methods.
const (
	MethodPearson  = "pearson"
	MethodSpearman = "spearman"
)

// GroupCorrelationFilter iteratively excludes samples whose
// expression profile correlates better with another group than with
// their own. Between iterations the batch corrector reruns on the
// reduced sample set; the loop stops when the retained sample count
// is stable.
type GroupCorrelationFilter struct {
	Method             string  // pearson or spearman
	MinDif             float64 // additive penalty on the own-group coefficient
	Threshold          float64 // absolute own-group correlation floor
	OnePerIteration    bool    // one-per-iteration resolution instead of bulk
	BalanceBioprojects bool    // average bioproject means into group means
	Corrector          *BatchCorrector
}

// CorrelationResult is the outcome of the filter run.
type CorrelationResult struct {
	Iterations    int
	Excluded      int
	Corrected     *expr.Matrix // final corrected matrix over retained samples
	GroupMeans    *expr.Matrix // gene x group means from the final matrix
	DroppedGroups []string     // groups whose every member ended up excluded
}

type candidate struct {
	run        string
	group      string
	bioproject string
	ownCorr    float64 // unpenalized own-group leave-out correlation
}

// Run executes the state machine. base is the transformed,
// uncorrected matrix over all samples; the exclusion state in md
// masks columns at every step and only ever grows. With fewer than
// two group labels the filter is a no-op: correlation against a
// single class discriminates nothing.
func (f *GroupCorrelationFilter) Run(base *expr.Matrix, md *expr.Metadata, audit *AuditLog) (*CorrelationResult, error) {
	result := &CorrelationResult{}
	dropped := make(map[string]bool)

	if len(md.Groups()) < 2 {
		log.Println("A single group label is present; skipping correlation-based outlier detection.")
		result.Iterations = 1
		return f.finish(base, md, result)
	}

	maxIterations := len(base.SampleIDs) + 1
	for {
		result.Iterations++
		if result.Iterations > maxIterations {
			return nil, fmt.Errorf("correlation filter did not converge after %v iterations", maxIterations)
		}

		retained := base.Retained(md)
		corrected := retained
		if f.Corrector != nil {
			corrected = f.Corrector.Correct(retained, md)
		}

		groups := f.activeGroups(md, dropped, result)
		if len(groups) < 2 {
			log.Println("Fewer than two groups remain; stopping outlier detection.")
			break
		}

		candidates, err := f.findCandidates(corrected, md, groups)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			break
		}

		var excluded []string
		if f.OnePerIteration {
			excluded = resolveOnePerIteration(candidates)
		} else {
			excluded = resolveBulk(candidates, corrected, md)
		}
		if len(excluded) == 0 {
			break
		}
		for _, run := range excluded {
			md.Exclude(run, expr.ExclusionLowCorrelation)
			if audit != nil {
				audit.Record(run, expr.ExclusionLowCorrelation, result.Iterations)
			}
			result.Excluded++
		}
		log.Printf("Iteration %v: excluded %v sample(s) with low within-group correlation.", result.Iterations, len(excluded))
	}

	return f.finish(base, md, result)
}

// finish recorrects the final retained set and computes the final
// group means.
func (f *GroupCorrelationFilter) finish(base *expr.Matrix, md *expr.Metadata, result *CorrelationResult) (*CorrelationResult, error) {
	retained := base.Retained(md)
	corrected := retained
	if f.Corrector != nil {
		corrected = f.Corrector.Correct(retained, md)
	}
	result.Corrected = corrected
	result.GroupMeans = GroupMeans(corrected, md, f.BalanceBioprojects)
	return result, nil
}

// activeGroups returns the group labels that still have retained
// members. A group whose every member is excluded is removed from the
// analysis permanently, with a warning; the removal is monotonic like
// the exclusions that caused it.
func (f *GroupCorrelationFilter) activeGroups(md *expr.Metadata, droppedSet map[string]bool, result *CorrelationResult) []string {
	members := make(map[string]int)
	all := make(map[string]bool)
	for _, s := range md.Samples {
		if droppedSet[s.Group] {
			continue
		}
		all[s.Group] = true
		if !s.Excluded() {
			members[s.Group]++
		}
	}
	var active []string
	for g := range all {
		if members[g] > 0 {
			active = append(active, g)
			continue
		}
		log.Printf("Warning: every sample of group %v is excluded. The group is removed from the analysis.", g)
		droppedSet[g] = true
		result.DroppedGroups = append(result.DroppedGroups, g)
	}
	sort.Strings(active)
	sort.Strings(result.DroppedGroups)
	return active
}

// findCandidates computes, for every retained sample, its correlation
// against every group mean. The own-group comparison leaves the
// sample's bioproject out of the mean when another bioproject
// supports the group; otherwise it falls back to the including-self
// mean, which is known to weaken the test for singleton-bioproject
// groups.
func (f *GroupCorrelationFilter) findCandidates(corrected *expr.Matrix, md *expr.Metadata, groups []string) ([]candidate, error) {
	groupSet := make(map[string]bool, len(groups))
	for _, g := range groups {
		groupSet[g] = true
	}

	means := make(map[string][]float64, len(groups))
	for _, g := range groups {
		means[g] = groupMeanVector(corrected, md, g, "", f.BalanceBioprojects)
	}

	var candidates []candidate
	for j, run := range corrected.SampleIDs {
		s := md.Lookup(run)
		if s == nil || s.Excluded() || !groupSet[s.Group] {
			continue
		}
		profile := corrected.Col(j)

		leaveOut := groupMeanVector(corrected, md, s.Group, s.BioProject, f.BalanceBioprojects)
		if leaveOut == nil {
			// No other bioproject contributes to this group; the
			// own-group mean includes the sample itself.
			leaveOut = means[s.Group]
		}
		ownCorr, err := correlate(f.Method, profile, leaveOut)
		if err != nil {
			return nil, fmt.Errorf("sample %v vs group %v: %v", run, s.Group, err)
		}

		bestOther := math.Inf(-1)
		for _, g := range groups {
			if g == s.Group {
				continue
			}
			r, err := correlate(f.Method, profile, means[g])
			if err != nil {
				return nil, fmt.Errorf("sample %v vs group %v: %v", run, g, err)
			}
			if r > bestOther {
				bestOther = r
			}
		}

		if bestOther > ownCorr+f.MinDif || ownCorr < f.Threshold {
			candidates = append(candidates, candidate{
				run:        run,
				group:      s.Group,
				bioproject: s.BioProject,
				ownCorr:    ownCorr,
			})
		}
	}
	return candidates, nil
}

// resolveOnePerIteration bounds one iteration's damage: at most one
// run per distinct bioproject and at most one per distinct group, the
// worst-correlating candidate in each, deduplicated with the
// bioproject pick winning conflicts.
func resolveOnePerIteration(candidates []candidate) []string {
	ordered := append([]candidate(nil), candidates...)
	sort.Slice(ordered, func(a, b int) bool {
		if ordered[a].ownCorr != ordered[b].ownCorr {
			return ordered[a].ownCorr < ordered[b].ownCorr
		}
		return ordered[a].run < ordered[b].run
	})
	picked := make(map[string]bool)
	var runs []string
	seenBP := make(map[string]bool)
	for _, c := range ordered {
		if seenBP[c.bioproject] {
			continue
		}
		seenBP[c.bioproject] = true
		picked[c.run] = true
		runs = append(runs, c.run)
	}
	seenGroup := make(map[string]bool)
	for _, c := range ordered {
		if picked[c.run] {
			seenGroup[c.group] = true
		}
	}
	for _, c := range ordered {
		if seenGroup[c.group] || picked[c.run] {
			continue
		}
		seenGroup[c.group] = true
		picked[c.run] = true
		runs = append(runs, c.run)
	}
	sort.Strings(runs)
	return runs
}

// resolveBulk removes whole bioprojects, preferring the least
// supported: the bioproject(s) whose candidates' group has the fewest
// other bioprojects behind it, with ties broken toward the smallest
// candidate count. Every retained sample of the selected
// bioproject(s) goes.
func resolveBulk(candidates []candidate, corrected *expr.Matrix, md *expr.Metadata) []string {
	// Bioprojects backing each group among currently retained samples.
	groupBPs := make(map[string]map[string]bool)
	for _, run := range corrected.SampleIDs {
		s := md.Lookup(run)
		if s == nil || s.Excluded() {
			continue
		}
		if groupBPs[s.Group] == nil {
			groupBPs[s.Group] = make(map[string]bool)
		}
		groupBPs[s.Group][s.BioProject] = true
	}

	type bpScore struct {
		support int
		count   int
	}
	scores := make(map[string]*bpScore)
	for _, c := range candidates {
		sc := scores[c.bioproject]
		if sc == nil {
			sc = &bpScore{support: math.MaxInt32}
			scores[c.bioproject] = sc
		}
		sc.count++
		others := 0
		for bp := range groupBPs[c.group] {
			if bp != c.bioproject {
				others++
			}
		}
		if others < sc.support {
			sc.support = others
		}
	}

	minSupport, minCount := math.MaxInt32, math.MaxInt32
	for _, sc := range scores {
		if sc.support < minSupport || (sc.support == minSupport && sc.count < minCount) {
			minSupport, minCount = sc.support, sc.count
		}
	}
	selected := make(map[string]bool)
	for bp, sc := range scores {
		if sc.support == minSupport && sc.count == minCount {
			selected[bp] = true
		}
	}

	var runs []string
	for _, run := range corrected.SampleIDs {
		s := md.Lookup(run)
		if s != nil && !s.Excluded() && selected[s.BioProject] {
			runs = append(runs, run)
		}
	}
	sort.Strings(runs)
	return runs
}

// GroupMeans returns the gene x group mean matrix over retained
// samples. With balanceBioprojects, samples are first averaged within
// each bioproject and the bioproject means are then averaged, so one
// large bioproject cannot dominate its group mean.
func GroupMeans(m *expr.Matrix, md *expr.Metadata, balanceBioprojects bool) *expr.Matrix {
	groups := md.Groups()
	means := expr.NewMatrix(append([]string(nil), m.GeneIDs...), groups)
	for k, g := range groups {
		vec := groupMeanVector(m, md, g, "", balanceBioprojects)
		for i := range m.GeneIDs {
			means.Set(i, k, vec[i])
		}
	}
	return means
}

// groupMeanVector computes the mean expression profile of a group
// over the retained samples present in m. When excludeBioproject is
// nonempty, samples of that bioproject are left out; if that leaves
// the group empty, nil is returned so the caller can fall back.
func groupMeanVector(m *expr.Matrix, md *expr.Metadata, group, excludeBioproject string, balanceBioprojects bool) []float64 {
	byBP := make(map[string][]int)
	n := 0
	for j, run := range m.SampleIDs {
		s := md.Lookup(run)
		if s == nil || s.Excluded() || s.Group != group {
			continue
		}
		if excludeBioproject != "" && s.BioProject == excludeBioproject {
			continue
		}
		byBP[s.BioProject] = append(byBP[s.BioProject], j)
		n++
	}
	if n == 0 {
		return nil
	}
	mean := make([]float64, len(m.GeneIDs))
	if balanceBioprojects {
		for i := range m.GeneIDs {
			row := m.Row(i)
			var sum float64
			for _, cols := range byBP {
				var bpSum float64
				for _, j := range cols {
					bpSum += row[j]
				}
				sum += bpSum / float64(len(cols))
			}
			mean[i] = sum / float64(len(byBP))
		}
		return mean
	}
	for i := range m.GeneIDs {
		row := m.Row(i)
		var sum float64
		for _, cols := range byBP {
			for _, j := range cols {
				sum += row[j]
			}
		}
		mean[i] = sum / float64(n)
	}
	return mean
}

// correlate computes the correlation between two equal-length
// vectors, skipping positions where either value is not finite.
func correlate(method string, x, y []float64) (float64, error) {
	xs := make([]float64, 0, len(x))
	ys := make([]float64, 0, len(y))
	for i := range x {
		if !finite(x[i]) || !finite(y[i]) {
			continue
		}
		xs = append(xs, x[i])
		ys = append(ys, y[i])
	}
	if len(xs) < 3 {
		return 0, fmt.Errorf("fewer than 3 finite value pairs")
	}
	switch method {
	case MethodPearson, "":
		return stat.Correlation(xs, ys, nil), nil
	case MethodSpearman:
		return stat.Correlation(avgRanks(xs), avgRanks(ys), nil), nil
	}
	return 0, fmt.Errorf("unknown correlation method %q", method)
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

// avgRanks returns sample ranks with ties assigned the mean rank of
// their coequals.
func avgRanks(f []float64) []float64 {
	order := make([]int, len(f))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return f[order[a]] < f[order[b]] })
	ranks := make([]float64, len(f))
	for i := 0; i < len(order); {
		j := i
		for j+1 < len(order) && f[order[j+1]] == f[order[i]] {
			j++
		}
		r := float64(i+j) / 2
		for k := i; k <= j; k++ {
			ranks[order[k]] = r
		}
		i = j + 1
	}
	return ranks
}
