// This program sorts every unsorted *.parquet shard under a directory into
// *.sorted.parquet, independent of the Orchestrator — for backfilling a
// collection converted without -sort, or re-sorting after a schema fix. It does not touch *.sorted.parquet or *.parquet.empty inputs.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/commoncrawl/ccindex/convert"
)

func main() {
	var (
		dir       = flag.String("dir", "", "directory of *.parquet shards to sort (required)")
		workers   = flag.Int("workers", 4, "concurrent DuckDB sort connections")
		memGB     = flag.Float64("sort_memory_gb", 2, "DuckDB memory_limit per sort connection")
		tempDir   = flag.String("sort_temp_dir", "", "DuckDB temp_directory for spilling large sorts")
		keepInput = flag.Bool("keep_input", false, "keep the unsorted *.parquet after writing *.sorted.parquet instead of removing it")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	if *dir == "" {
		logger.Error("-dir is required")
		os.Exit(2)
	}

	shards, err := unsortedShards(*dir)
	if err != nil {
		logger.Error("listing shards", "err", err)
		os.Exit(1)
	}
	if len(shards) == 0 {
		logger.Info("no unsorted shards found", "dir", *dir)
		return
	}

	opts := convert.Options{SortMemoryGB: *memGB, SortTempDir: *tempDir}

	g, ctx := errgroup.WithContext(context.Background())
	sem := semaphore.NewWeighted(int64(*workers))

	var failed atomic.Int32
	for _, src := range shards {
		src := src
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			dst := strings.TrimSuffix(src, ".parquet") + ".sorted.parquet"
			if err := convert.SortParquet(ctx, src, dst, opts); err != nil {
				logger.Error("sort failed", "src", src, "err", err)
				failed.Add(1)
				return nil // one shard's failure doesn't abort the rest of the batch
			}
			logger.Info("sorted", "src", src, "dst", dst)
			if !*keepInput {
				os.Remove(src)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("sort run aborted", "err", err)
		os.Exit(1)
	}
	if failed.Load() > 0 {
		os.Exit(1)
	}
}

// unsortedShards lists every *.parquet file directly under dir that is not
// itself a *.sorted.parquet output from a prior run.
func unsortedShards(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".parquet") || strings.HasSuffix(name, ".sorted.parquet") {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}
