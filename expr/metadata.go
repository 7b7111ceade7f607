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
	"sort"
)

// Exclusion reasons. ExclusionNo marks a retained sample; every other
// value is sticky: once a sample carries a reason other than "no", it
// keeps a non-"no" reason for the rest of the run.
const (
	ExclusionNo             = "no"
	ExclusionLowMappingRate = "low_mapping_rate"
	ExclusionLowCorrelation = "low_within_group_correlation"
	ExclusionFailedQuant    = "failed_quantification"
	ExclusionNonTarget      = "non_target_group"
)

// Stat is an optional floating-point statistic. Upstream tables
// encode absent values in several ways ("", "NA", "not_provided");
// the loader normalizes all of them to an invalid Stat once, so no
// downstream conditional ever inspects sentinel strings.
type Stat struct {
	Value float64
	Valid bool
}

// ValidStat wraps a present value.
func ValidStat(v float64) Stat { return Stat{Value: v, Valid: true} }

// Sample is one metadata row, keyed by sequencing run.
type Sample struct {
	Run              string
	BioProject       string
	ScientificName   string
	Group            string
	Instrument       string
	LibrarySelection string
	MappingRate      Stat
	NumReadsFiltered Stat // read count after quality filtering
	NumReadsDumped   Stat // raw dumped read count
	Exclusion        string

	// Extra holds columns the curation core does not interpret, so
	// the updated metadata table round-trips losslessly.
	Extra map[string]string
}

// Excluded reports whether the sample carries a non-"no" exclusion
// reason.
func (s *Sample) Excluded() bool { return s.Exclusion != ExclusionNo }

// ProcessedReads returns the read count used as the mapping-rate
// denominator, preferring the post-quality-filter count.
func (s *Sample) ProcessedReads() Stat {
	if s.NumReadsFiltered.Valid {
		return s.NumReadsFiltered
	}
	return s.NumReadsDumped
}

// Metadata is the sample table for one curation run. Rows are never
// deleted; exclusion is tracked per row so the final output preserves
// every originally-considered sample for audit.
type Metadata struct {
	Samples []*Sample

	// GroupColumn remembers which metadata column supplied Group, so
	// the updated table writes it back under its original name.
	GroupColumn string

	// ExtraColumns preserves the order of uninterpreted columns.
	ExtraColumns []string

	byRun map[string]*Sample
}

// NewMetadata builds the run index over the given samples.
func NewMetadata(samples []*Sample, groupColumn string) (*Metadata, error) {
	md := &Metadata{
		Samples:     samples,
		GroupColumn: groupColumn,
		byRun:       make(map[string]*Sample, len(samples)),
	}
	for _, s := range samples {
		if _, dup := md.byRun[s.Run]; dup {
			return nil, fmt.Errorf("duplicate run %v in metadata", s.Run)
		}
		if s.Exclusion == "" {
			s.Exclusion = ExclusionNo
		}
		md.byRun[s.Run] = s
	}
	return md, nil
}

// Lookup returns the sample with the given run identifier, or nil.
func (md *Metadata) Lookup(run string) *Sample { return md.byRun[run] }

// Exclude flags the sample with the given reason. The flag is
// monotonic: a sample that already carries a reason keeps it, so
// reasons record the first filter that rejected the sample.
func (md *Metadata) Exclude(run, reason string) {
	s := md.byRun[run]
	if s == nil || s.Excluded() {
		return
	}
	s.Exclusion = reason
}

// Retained returns the samples whose exclusion reason is "no", in
// table order.
func (md *Metadata) Retained() []*Sample {
	var kept []*Sample
	for _, s := range md.Samples {
		if !s.Excluded() {
			kept = append(kept, s)
		}
	}
	return kept
}

// RetainedRuns returns the run identifiers of retained samples, in
// table order.
func (md *Metadata) RetainedRuns() []string {
	var runs []string
	for _, s := range md.Samples {
		if !s.Excluded() {
			runs = append(runs, s.Run)
		}
	}
	return runs
}

// Groups returns the sorted distinct group labels among retained
// samples.
func (md *Metadata) Groups() []string {
	seen := make(map[string]bool)
	var groups []string
	for _, s := range md.Samples {
		if s.Excluded() || seen[s.Group] {
			continue
		}
		seen[s.Group] = true
		groups = append(groups, s.Group)
	}
	sort.Strings(groups)
	return groups
}

// Species returns the distinct scientific names over all samples, in
// first-appearance order.
func (md *Metadata) Species() []string {
	seen := make(map[string]bool)
	var spp []string
	for _, s := range md.Samples {
		if seen[s.ScientificName] {
			continue
		}
		seen[s.ScientificName] = true
		spp = append(spp, s.ScientificName)
	}
	return spp
}

// SubsetSpecies returns a metadata table restricted to one species.
// The sample rows are shared, not copied, so exclusion flags set on
// the subset are visible in the full table.
func (md *Metadata) SubsetSpecies(scientificName string) (*Metadata, error) {
	var samples []*Sample
	for _, s := range md.Samples {
		if s.ScientificName == scientificName {
			samples = append(samples, s)
		}
	}
	sub := &Metadata{
		Samples:      samples,
		GroupColumn:  md.GroupColumn,
		ExtraColumns: md.ExtraColumns,
		byRun:        make(map[string]*Sample, len(samples)),
	}
	for _, s := range samples {
		sub.byRun[s.Run] = s
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("no metadata rows for species %v", scientificName)
	}
	return sub, nil
}

// SelectGroups flags samples whose group label is not in the given
// set as excluded. An empty set keeps everything.
func (md *Metadata) SelectGroups(groups []string) {
	if len(groups) == 0 {
		return
	}
	want := make(map[string]bool, len(groups))
	for _, g := range groups {
		want[g] = true
	}
	for _, s := range md.Samples {
		if !s.Excluded() && !want[s.Group] {
			s.Exclusion = ExclusionNonTarget
		}
	}
}

// ExclusionCounts returns the number of samples per exclusion reason,
// with reasons sorted for stable reporting.
func (md *Metadata) ExclusionCounts() (reasons []string, counts []int) {
	tally := make(map[string]int)
	for _, s := range md.Samples {
		tally[s.Exclusion]++
	}
	for r := range tally {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	counts = make([]int, len(reasons))
	for i, r := range reasons {
		counts[i] = tally[r]
	}
	return reasons, counts
}
