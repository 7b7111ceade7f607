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

import "testing"

func newTestMetadata(t *testing.T) *Metadata {
	t.Helper()
	md, err := NewMetadata([]*Sample{
		{Run: "r1", BioProject: "p1", ScientificName: "Apis mellifera", Group: "brain"},
		{Run: "r2", BioProject: "p1", ScientificName: "Apis mellifera", Group: "brain"},
		{Run: "r3", BioProject: "p2", ScientificName: "Apis mellifera", Group: "thorax"},
		{Run: "r4", BioProject: "p3", ScientificName: "Bombus terrestris", Group: "brain"},
	}, "curate_group")
	if err != nil {
		t.Fatal(err)
	}
	return md
}

func TestExclusionMonotonic(t *testing.T) {
	md := newTestMetadata(t)
	md.Exclude("r1", ExclusionLowMappingRate)
	md.Exclude("r1", ExclusionLowCorrelation)
	if md.Lookup("r1").Exclusion != ExclusionLowMappingRate {
		t.Error("exclusion reason must keep the first cause")
	}
	if len(md.RetainedRuns()) != 3 {
		t.Error("retained count after exclusion failed")
	}
}

func TestDuplicateRunRejected(t *testing.T) {
	_, err := NewMetadata([]*Sample{{Run: "r1"}, {Run: "r1"}}, "curate_group")
	if err == nil {
		t.Error("duplicate run identifiers must be rejected")
	}
}

func TestGroupsAndSpecies(t *testing.T) {
	md := newTestMetadata(t)
	groups := md.Groups()
	if len(groups) != 2 || groups[0] != "brain" || groups[1] != "thorax" {
		t.Error("Groups failed")
	}
	spp := md.Species()
	if len(spp) != 2 || spp[0] != "Apis mellifera" {
		t.Error("Species failed")
	}
	md.Exclude("r3", ExclusionLowCorrelation)
	if len(md.Groups()) != 1 {
		t.Error("Groups must skip excluded samples")
	}
}

func TestSubsetSpeciesSharesRows(t *testing.T) {
	md := newTestMetadata(t)
	sub, err := md.SubsetSpecies("Apis mellifera")
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Samples) != 3 {
		t.Error("SubsetSpecies sample count failed")
	}
	sub.Exclude("r2", ExclusionLowCorrelation)
	if !md.Lookup("r2").Excluded() {
		t.Error("subset must share rows with the full table")
	}
	if _, err := md.SubsetSpecies("Danio rerio"); err == nil {
		t.Error("empty species subset must be an error")
	}
}

func TestSelectGroups(t *testing.T) {
	md := newTestMetadata(t)
	md.SelectGroups([]string{"brain"})
	if !md.Lookup("r3").Excluded() {
		t.Error("non-target group must be excluded")
	}
	if md.Lookup("r1").Excluded() {
		t.Error("target group must stay retained")
	}
	md2 := newTestMetadata(t)
	md2.SelectGroups(nil)
	if len(md2.Retained()) != 4 {
		t.Error("empty selection must keep everything")
	}
}

func TestExclusionCounts(t *testing.T) {
	md := newTestMetadata(t)
	md.Exclude("r1", ExclusionLowMappingRate)
	md.Exclude("r2", ExclusionLowCorrelation)
	reasons, counts := md.ExclusionCounts()
	total := 0
	for _, c := range counts {
		total += c
	}
	if total != 4 || len(reasons) != 3 {
		t.Error("ExclusionCounts failed")
	}
}

func TestProcessedReadsPreference(t *testing.T) {
	s := &Sample{NumReadsFiltered: ValidStat(80), NumReadsDumped: ValidStat(100)}
	if r := s.ProcessedReads(); !r.Valid || r.Value != 80 {
		t.Error("post-quality-filter count must be preferred")
	}
	s = &Sample{NumReadsDumped: ValidStat(100)}
	if r := s.ProcessedReads(); !r.Valid || r.Value != 100 {
		t.Error("fallback to dumped count failed")
	}
	s = &Sample{}
	if s.ProcessedReads().Valid {
		t.Error("missing read counts must stay invalid")
	}
}
