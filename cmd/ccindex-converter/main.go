// This program converts one collection's downloaded cdx-*.gz shards into
// Parquet, independent of the Orchestrator — useful for backfilling a
// single collection or re-running conversion after a manual fix, without
// re-running the whole download/convert/sort/index state machine. Flag
// naming follows cmd/zoekt-git-index's single-purpose-binary convention.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/commoncrawl/ccindex"
	"github.com/commoncrawl/ccindex/convert"
)

func main() {
	var (
		collection = flag.String("collection", "", "collection id, e.g. CC-MAIN-2024-10 (required)")
		sourceDir  = flag.String("source_dir", "", "directory holding the collection's cdx-*.gz shards (required)")
		outputDir  = flag.String("output_dir", "", "directory to write converted Parquet shards into (required)")
		sort       = flag.Bool("sort", false, "additionally sort each shard's Parquet by (host_rev, url, ts) via DuckDB")
		overwrite  = flag.Bool("overwrite", false, "reconvert a shard even if its Parquet output already exists and validates")
		batchRows  = flag.Int("batch_rows", convert.DefaultBatchRows, "rows buffered per Parquet writer flush")
		sortMemGB  = flag.Float64("sort_memory_gb", 2, "DuckDB memory_limit for the -sort pass")
		sortTmp    = flag.String("sort_temp_dir", "", "DuckDB temp_directory for the -sort pass, for spilling large sorts")
		shardIndex = flag.Int("shard", -1, "convert only this shard index instead of the whole collection; -1 means all")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if *collection == "" || *sourceDir == "" || *outputDir == "" {
		logger.Error("-collection, -source_dir and -output_dir are all required")
		os.Exit(2)
	}

	opts := convert.Options{
		BatchRows:    *batchRows,
		SortMemoryGB: *sortMemGB,
		SortTempDir:  *sortTmp,
	}
	if *sort {
		opts.Sort = convert.SortDuckDB
	}
	if !*overwrite {
		opts.Action = convert.ActionSkipIfExists
	}

	ctx := context.Background()

	indices := shardIndices(*shardIndex)
	converted, skipped, failed := 0, 0, 0
	for _, i := range indices {
		shard := ccindex.Shard{Collection: *collection, Index: i}
		cdxjPath := filepath.Join(*sourceDir, shard.Name())
		if _, err := os.Stat(cdxjPath); err != nil {
			skipped++
			continue
		}
		sp, err := convert.ConvertShard(ctx, cdxjPath, *collection, shard, *outputDir, opts)
		if err != nil {
			logger.Error("shard conversion failed", "shard", shard.Name(), "err", err)
			failed++
			continue
		}
		if sp.Empty {
			logger.Info("shard empty", "shard", shard.Name())
		} else {
			logger.Info("shard converted", "shard", shard.Name(), "path", sp.Path, "sorted_path", sp.SortedPath)
		}
		converted++
	}

	logger.Info("conversion run finished", "collection", *collection, "converted", converted, "skipped_missing_source", skipped, "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func shardIndices(single int) []int {
	if single >= 0 {
		return []int{single}
	}
	out := make([]int, ccindex.ExpectedShardCount)
	for i := range out {
		out[i] = i
	}
	return out
}
