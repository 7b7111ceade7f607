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

package cmd

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/exascience/pargo/parallel"

	"github.com/metacurate/metacurate/expr"
	"github.com/metacurate/metacurate/filters"
	"github.com/metacurate/metacurate/norm"
)

// CurateHelp is the help string for the curate command.
const CurateHelp = "\ncurate parameters:\n" +
	"metacurate curate metadata-file input-dir output-dir\n" +
	"[--norm transform]\n" +
	"[--dist-method pearson|spearman]\n" +
	"[--mapping-rate cutoff]\n" +
	"[--min-dif margin]\n" +
	"[--correlation-threshold threshold]\n" +
	"[--one-outlier-per-iter]\n" +
	"[--bulk-exclusion]\n" +
	"[--balance-bioprojects]\n" +
	"[--batch-backend sva|factor-residual]\n" +
	"[--curate-group labels]\n" +
	"[--curate-group-column name]\n" +
	"[--normalized-input]\n" +
	"[--batch n]\n" +
	"[--seed n]\n" +
	"[--timed]\n" +
	"[--log-path path]\n"

type curateOptions struct {
	transform          expr.Transform
	distMethod         string
	mappingRateCutoff  float64
	minDif             float64
	corrThreshold      float64
	onePerIteration    bool
	balanceBioprojects bool
	backend            filters.BatchBackend
	seed               int64
	timed              bool
}

// Curate implements the curate command: per-species statistical
// curation of expression matrices against their sample metadata.
func Curate() error {
	var (
		normString        string
		distMethod        string
		mappingRate       float64
		minDif            float64
		corrThreshold     float64
		onePerIter        bool
		bulkExclusion     bool
		balanceBPs        bool
		backendString     string
		curateGroup       string
		curateGroupColumn string
		normalizedInput   bool
		batch             int
		seed              int64
		timed             bool
		logPath           string
	)

	var flags flag.FlagSet

	flags.StringVar(&normString, "norm", "log2p1-fpkm", "expression transform, (logn|log2|lognp1|log2p1|none)-(fpkm|tpm|none)")
	flags.StringVar(&distMethod, "dist-method", "pearson", "correlation method for outlier detection, pearson or spearman")
	flags.Float64Var(&mappingRate, "mapping-rate", 0.2, "minimum mapping rate, samples below are excluded")
	flags.Float64Var(&minDif, "min-dif", 0, "margin added to the own-group correlation before comparing against other groups")
	flags.Float64Var(&corrThreshold, "correlation-threshold", 0.3, "minimum own-group correlation, samples below are excluded")
	flags.BoolVar(&onePerIter, "one-outlier-per-iter", true, "exclude at most one run per bioproject and group per iteration")
	flags.BoolVar(&bulkExclusion, "bulk-exclusion", false, "exclude whole least-supported bioprojects instead of single runs")
	flags.BoolVar(&balanceBPs, "balance-bioprojects", false, "average bioproject means into the group means")
	flags.StringVar(&backendString, "batch-backend", "sva", "batch effect correction backend, sva or factor-residual")
	flags.StringVar(&curateGroup, "curate-group", "", "comma-separated group labels to include; empty means all")
	flags.StringVar(&curateGroupColumn, "curate-group-column", "curate_group", "metadata column holding the group label")
	flags.BoolVar(&normalizedInput, "normalized-input", false, "input count tables are cstmm-normalized")
	flags.IntVar(&batch, "batch", 0, "process only the n-th species of the metadata table (1-based)")
	flags.Int64Var(&seed, "seed", 0, "seed for the surrogate variable permutations")
	flags.BoolVar(&timed, "timed", false, "measure the runtime")
	flags.StringVar(&logPath, "log-path", "", "write log output to the specified file")

	parseFlags(flags, 5, CurateHelp)

	metadataFile := getFilename(os.Args[2], CurateHelp)
	inputDir := getFilename(os.Args[3], CurateHelp)
	outputDir := getFilename(os.Args[4], CurateHelp)

	setLogOutput(logPath)

	var sanityChecksFailed bool
	if !checkExist("", metadataFile) {
		sanityChecksFailed = true
	}
	if !checkExist("", inputDir) {
		sanityChecksFailed = true
	}
	transform, err := expr.ParseTransform(normString)
	if err != nil {
		log.Printf("Error: %v.\n", err)
		sanityChecksFailed = true
	}
	backend, err := filters.ParseBatchBackend(backendString)
	if err != nil {
		log.Printf("Error: %v.\n", err)
		sanityChecksFailed = true
	}
	switch distMethod {
	case filters.MethodPearson, filters.MethodSpearman:
	default:
		log.Printf("Error: Invalid correlation method %v.\n", distMethod)
		sanityChecksFailed = true
	}
	if transform.Units == expr.UnitsTPM && normalizedInput {
		// TPM rescales each column to a fixed sum, which undoes the
		// cross-sample TMM factors baked into cstmm counts.
		log.Println("Error: TPM transformation of TMM-normalized input is not meaningful. Use an fpkm transform on cstmm counts.")
		sanityChecksFailed = true
	}
	if onePerIter && bulkExclusion {
		log.Println("Error: --one-outlier-per-iter and --bulk-exclusion are mutually exclusive.")
		sanityChecksFailed = true
	}
	if !checkCreate("", filepath.Join(outputDir, "curate", "write_test")) {
		sanityChecksFailed = true
	}
	if sanityChecksFailed {
		fmt.Fprint(os.Stderr, CurateHelp)
		os.Exit(1)
	}

	md, err := expr.ReadMetadata(metadataFile, curateGroupColumn)
	if err != nil {
		return err
	}
	if curateGroup != "" {
		md.SelectGroups(strings.Split(curateGroup, ","))
	}
	log.Printf("Group labels to be included: %v", strings.Join(md.Groups(), ", "))

	species := md.Species()
	log.Printf("Found %v species in this metadata table.", len(species))
	if batch > 0 {
		if batch > len(species) {
			return fmt.Errorf("--batch %v exceeds the %v species in the metadata table", batch, len(species))
		}
		log.Printf("Batch mode: processing species %v of %v.", batch, len(species))
		species = species[batch-1 : batch]
	}

	countSuffix := norm.RawCountSuffix
	if normalizedInput {
		countSuffix = norm.CstmmCountSuffix
	}
	registry, err := norm.BuildRegistry(inputDir, species, countSuffix)
	if err != nil {
		return err
	}

	opts := curateOptions{
		transform:          transform,
		distMethod:         distMethod,
		mappingRateCutoff:  mappingRate,
		minDif:             minDif,
		corrThreshold:      corrThreshold,
		onePerIteration:    !bulkExclusion,
		balanceBioprojects: balanceBPs,
		backend:            backend,
		seed:               seed,
		timed:              timed,
	}

	// Species runs are independent pure functions of their inputs, so
	// they fan out in parallel. A failed species must not disturb the
	// outputs of the others.
	errs := make([]error, len(species))
	parallel.Range(0, len(species), 0, func(low, high int) {
		for i := low; i < high; i++ {
			key := norm.SpeciesKey(species[i])
			input, ok := registry[key]
			if !ok {
				continue
			}
			errs[i] = curateSpecies(input, md, outputDir, opts)
		}
	})
	failed := 0
	for i, err := range errs {
		if err != nil {
			failed++
			log.Printf("Error: curation of %v failed: %v", species[i], err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("curation failed for %v of %v species", failed, len(species))
	}
	return nil
}

// curateSpecies runs the full curation pipeline for one species.
// Panics from deep statistical code are recovered into an error so
// that one species cannot take down the whole batch.
func curateSpecies(input norm.SpeciesInput, fullMD *expr.Metadata, outputDir string, opts curateOptions) (err error) {
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("%v", x)
		}
	}()

	md, err := fullMD.SubsetSpecies(input.Name)
	if err != nil {
		return err
	}
	audit := filters.NewAuditLog(input.Name)

	counts, err := expr.ReadMatrix(input.CountFile)
	if err != nil {
		return err
	}
	var lengths *expr.Matrix
	if opts.transform.RequiresLengths() {
		if input.LengthFile == "" {
			return fmt.Errorf("transform %v needs an effective length table, none found in %v", opts.transform, input.Directory)
		}
		lengths, err = expr.ReadMatrix(input.LengthFile)
		if err != nil {
			return err
		}
	}
	counts, lengths, err = expr.AlignSamples(counts, lengths, md)
	if err != nil {
		return err
	}
	for _, s := range md.Samples {
		if s.Exclusion == expr.ExclusionFailedQuant {
			audit.Record(s.Run, expr.ExclusionFailedQuant, 0)
		}
	}

	filters.ComputeMappingRates(counts, md)

	var transformed *expr.Matrix
	err = timedRun(opts.timed, fmt.Sprint("Transforming expression values for ", input.Name, "."), 1, func() error {
		var err error
		transformed, err = opts.transform.Apply(counts, lengths, nil)
		return err
	})
	if err != nil {
		return err
	}

	filters.MappingRateFilter{Cutoff: opts.mappingRateCutoff}.Apply(transformed, md, audit)

	corrector := &filters.BatchCorrector{Backend: opts.backend, Seed: opts.seed}
	outlierFilter := &filters.GroupCorrelationFilter{
		Method:             opts.distMethod,
		MinDif:             opts.minDif,
		Threshold:          opts.corrThreshold,
		OnePerIteration:    opts.onePerIteration,
		BalanceBioprojects: opts.balanceBioprojects,
		Corrector:          corrector,
	}
	var result *filters.CorrelationResult
	err = timedRun(opts.timed, fmt.Sprint("Detecting outliers for ", input.Name, "."), 2, func() error {
		var err error
		result, err = outlierFilter.Run(transformed, md, audit)
		return err
	})
	if err != nil {
		return err
	}

	return timedRun(opts.timed, fmt.Sprint("Writing curated tables for ", input.Name, "."), 3, func() error {
		return writeCurateOutputs(input, md, transformed, result, audit, outputDir, opts)
	})
}

func writeCurateOutputs(input norm.SpeciesInput, md *expr.Metadata, transformed *expr.Matrix, result *filters.CorrelationResult, audit *filters.AuditLog, outputDir string, opts curateOptions) error {
	key := norm.SpeciesKey(input.Name)
	dir := filepath.Join(outputDir, "curate", key)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	prefix := filepath.Join(dir, key)

	uncorrected := transformed.Retained(md)
	if err := expr.WriteMatrix(prefix+"_uncorrected.tsv", "target_id", uncorrected); err != nil {
		return err
	}
	if err := expr.WriteMatrix(prefix+"_curated.tsv", "target_id", result.Corrected); err != nil {
		return err
	}
	if err := expr.WriteMatrix(prefix+"_group_means.tsv", "target_id", result.GroupMeans); err != nil {
		return err
	}
	linearMeans := opts.transform.Inverse(result.GroupMeans)
	tau := filters.Specificity(linearMeans)
	if err := tau.Write(prefix + "_tau.tsv"); err != nil {
		return err
	}
	if err := expr.WriteMetadata(prefix+"_metadata.tsv", md); err != nil {
		return err
	}
	if err := audit.Write(prefix + "_exclusion_log.tsv"); err != nil {
		return err
	}

	reasons, counts := md.ExclusionCounts()
	log.Printf("%v: correlation filter converged after %v iteration(s).", input.Name, result.Iterations)
	for i, reason := range reasons {
		if reason == expr.ExclusionNo {
			log.Printf("%v: %v sample(s) retained.", input.Name, counts[i])
			continue
		}
		log.Printf("%v: %v sample(s) excluded: %v.", input.Name, counts[i], reason)
	}
	return nil
}
