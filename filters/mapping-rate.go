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
	"log"

	"github.com/metacurate/metacurate/expr"
)

// ComputeMappingRates fills in missing mapping rates from the raw
// count matrix: total raw counts divided by the processed read count
// (post-quality-filter count preferred over the raw dumped count).
// Samples whose mapping rate the loader already supplied are left
// untouched.
func ComputeMappingRates(rawCounts *expr.Matrix, md *expr.Metadata) {
	for _, s := range md.Samples {
		if s.MappingRate.Valid {
			continue
		}
		j := rawCounts.SampleIndex(s.Run)
		if j < 0 {
			continue
		}
		reads := s.ProcessedReads()
		if !reads.Valid || reads.Value <= 0 {
			continue
		}
		s.MappingRate = expr.ValidStat(rawCounts.ColSum(j) / reads.Value)
	}
}

// MappingRateFilter excludes samples whose mapping rate falls below
// Cutoff. A missing mapping rate passes, not fails. The filter is
// idempotent: rerunning it with the same cutoff over already-filtered
// data excludes nothing further.
type MappingRateFilter struct {
	Cutoff float64
}

// Apply flags below-cutoff samples as low_mapping_rate and returns
// the matrix restricted to retained samples. Metadata rows are never
// deleted.
func (f MappingRateFilter) Apply(m *expr.Matrix, md *expr.Metadata, audit *AuditLog) *expr.Matrix {
	excluded := 0
	for _, s := range md.Samples {
		if s.Excluded() {
			continue
		}
		if s.MappingRate.Valid && s.MappingRate.Value < f.Cutoff {
			md.Exclude(s.Run, expr.ExclusionLowMappingRate)
			if audit != nil {
				audit.Record(s.Run, expr.ExclusionLowMappingRate, 0)
			}
			excluded++
		}
	}
	if excluded > 0 {
		log.Printf("Mapping rate filter excluded %v sample(s) below cutoff %v.", excluded, f.Cutoff)
	}
	return m.Retained(md)
}
