// Package orchestrate implements the Orchestrator: drives a collection
// through Download → Convert → Sort → Index with resume, heartbeat logging,
// auto-heal, and optional cleanup.
package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/commoncrawl/ccindex"
	"github.com/commoncrawl/ccindex/convert"
	"github.com/commoncrawl/ccindex/dbindex"
	"github.com/commoncrawl/ccindex/validate"
)

// Options configures one Orchestrator run.
type Options struct {
	CCIndexRoot   string
	ParquetRoot   string
	DuckDBRoot    string
	LogDir        string
	Workers       int
	SortWorkers   int
	SortMemoryGB  float64 // forwarded to convert.Options for Stage 3
	HeartbeatSec  int
	ForceReindex  bool
	CleanupDryRun bool
	Cleanup       bool
	Downloader    Downloader
	Logger        *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.SortWorkers <= 0 {
		o.SortWorkers = o.Workers
	}
	if o.HeartbeatSec <= 0 {
		o.HeartbeatSec = 30
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Downloader fetches one shard's cdx-*.gz into the orchestrator's source
// directory. Supplied by the caller so this package stays decoupled from
// the WARC Fetcher's HTTP client wiring.
type Downloader interface {
	DownloadShard(ctx context.Context, collection string, shard ccindex.Shard, destPath string) error
}

// Result summarizes one collection run.
type Result struct {
	Collection   string
	FinalState   ccindex.RunState
	Completeness ccindex.CollectionCompleteness
	HealAttempts []ccindex.HealAttempt
}

// RunCollection drives collection through every stage, resuming from
// whatever state the Validator reports and applying auto-heal on failure.
// It never stops the overall multi-collection run on a single collection's
// failure, except when a ResourceExhaustion error is returned — callers
// must treat that as a signal to halt the whole run.
func RunCollection(ctx context.Context, collection string, year int, opts Options) (Result, error) {
	opts = opts.withDefaults()
	result := Result{Collection: collection}

	paths := validate.Paths{
		SourceDir:    filepath.Join(opts.CCIndexRoot, collection),
		ParquetDir:   filepath.Join(opts.ParquetRoot, "cc_pointers_by_collection", fmt.Sprint(year), collection),
		CollectionDB: filepath.Join(opts.DuckDBRoot, collection+".duckdb"),
	}

	report, err := validate.Check(ctx, collection, ccindex.ExpectedShardCount, paths)
	if err != nil {
		return result, err
	}
	if report.Complete && !opts.ForceReindex {
		result.FinalState = ccindex.StateComplete
		result.Completeness = report
		opts.Logger.Info("collection already complete, skipping", "collection", collection)
		return result, nil
	}

	stop := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go heartbeat(opts.Logger, collection, time.Duration(opts.HeartbeatSec)*time.Second, stop, heartbeatDone)
	defer func() { close(stop); <-heartbeatDone }()

	healer := &Healer{Collection: collection, Stage: "run"}

	if opts.Downloader != nil {
		if err := downloadStage(ctx, collection, paths.SourceDir, opts); err != nil {
			result.FinalState = ccindex.StateFailed
			return result, err
		}
	}
	result.FinalState = ccindex.StateDownloaded

	shards, err := convertStage(ctx, collection, paths.SourceDir, paths.ParquetDir, opts, healer)
	if err != nil {
		result.FinalState = ccindex.StateFailed
		result.HealAttempts = healer.Attempts()
		return result, err
	}
	result.FinalState = ccindex.StateConverted

	if err := sortStage(ctx, shards, opts, healer); err != nil {
		result.FinalState = ccindex.StateFailed
		result.HealAttempts = healer.Attempts()
		return result, err
	}
	result.FinalState = ccindex.StateSorted

	stats, err := dbindex.BuildCollectionIndex(ctx, paths.CollectionDB, collection, year, shards, dbindex.CollectionIndexOptions{
		Mode:             dbindex.ModeDomain,
		ExtractRowGroups: true,
		ForceReindex:     opts.ForceReindex,
		CreateIndexes:    true,
		ParquetRoot:      opts.ParquetRoot,
	})
	if err != nil {
		result.FinalState = ccindex.StateFailed
		result.HealAttempts = healer.Attempts()
		return result, err
	}
	result.FinalState = ccindex.StateIndexed
	opts.Logger.Info("indexed collection", "collection", collection, "shards_ingested", stats.ShardsIngested, "rows", stats.RowsIngested)

	finalReport, err := validate.Check(ctx, collection, ccindex.ExpectedShardCount, paths)
	if err != nil {
		return result, err
	}
	result.Completeness = finalReport
	if finalReport.Complete {
		result.FinalState = ccindex.StateComplete
		if opts.Cleanup {
			if opts.LogDir != "" {
				lock := NewLock(filepath.Join(opts.LogDir, ".orchestrator.lock"))
				if err := lock.TryLock(); err != nil {
					return result, err
				}
				defer lock.Unlock()
			}
			if err := Cleanup(ctx, collection, paths, opts.CleanupDryRun, opts.Logger); err != nil {
				return result, err
			}
		}
	} else {
		result.FinalState = ccindex.StateFailed
	}
	result.HealAttempts = healer.Attempts()
	return result, nil
}

func downloadStage(ctx context.Context, collection, sourceDir string, opts Options) error {
	if err := os.MkdirAll(sourceDir, 0o755); err != nil {
		return ccindex.Wrap(ccindex.KindTransientIO, "orchestrate", sourceDir, err)
	}

	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(opts.Workers))

	for i := 0; i < ccindex.ExpectedShardCount; i++ {
		i := i
		shard := ccindex.Shard{Collection: collection, Index: i}
		destPath := filepath.Join(sourceDir, shard.Name())
		if _, err := os.Stat(destPath); err == nil {
			continue // already present; a valid shard is one that exists and gunzips cleanly (checked by the converter)
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return downloadAtomic(ctx, collection, shard, destPath, opts.Downloader)
		})
	}
	return g.Wait()
}

func downloadAtomic(ctx context.Context, collection string, shard ccindex.Shard, destPath string, dl Downloader) error {
	tmpPath := destPath + ".download"
	if err := dl.DownloadShard(ctx, collection, shard, tmpPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return ccindex.Wrap(ccindex.KindTransientIO, "orchestrate", destPath, err)
	}
	return nil
}

func convertStage(ctx context.Context, collection, sourceDir, outDir string, opts Options, healer *Healer) ([]ccindex.ShardParquet, error) {
	out := make([]ccindex.ShardParquet, ccindex.ExpectedShardCount)
	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(opts.Workers))

	for i := 0; i < ccindex.ExpectedShardCount; i++ {
		i := i
		shard := ccindex.Shard{Collection: collection, Index: i}
		cdxjPath := filepath.Join(sourceDir, shard.Name())
		if _, err := os.Stat(cdxjPath); err != nil {
			continue // missing source shard; caught by the Validator as incomplete
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			sp, err := convert.ConvertShard(ctx, cdxjPath, collection, shard, outDir, convert.Options{Action: convert.ActionSkipIfExists})
			if err != nil {
				healer.ShardFile = shard.Name()
				healErr := healer.Run(ctx, func(ctx context.Context, strategy ccindex.HealStrategy, attempt int) error {
					return reconvertWithStrategy(ctx, strategy, cdxjPath, collection, shard, outDir, opts.Downloader)
				})
				if healErr != nil {
					return healErr
				}
				sp, err = convert.ConvertShard(ctx, cdxjPath, collection, shard, outDir, convert.Options{Action: convert.ActionSkipIfExists})
				if err != nil {
					return err
				}
			}
			out[i] = sp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := out[:0]
	for _, sp := range out {
		if sp.Collection != "" {
			result = append(result, sp)
		}
	}
	return result, nil
}

// reconvertWithStrategy performs one step of the convert-stage heal chain.
// HealRedownload actually re-fetches cdxjPath when a downloader is wired:
// a corrupt source archive (not just a bad conversion) is otherwise
// unrecoverable by any amount of reconverting the same bytes.
func reconvertWithStrategy(ctx context.Context, strategy ccindex.HealStrategy, cdxjPath, collection string, shard ccindex.Shard, outDir string, downloader Downloader) error {
	switch strategy {
	case ccindex.HealRetrySame:
		_, err := convert.ConvertShard(ctx, cdxjPath, collection, shard, outDir, convert.Options{Action: convert.ActionOverwrite})
		return err
	case ccindex.HealReconvert:
		os.Remove(filepath.Join(outDir, shard.Name()+".parquet"))
		os.Remove(filepath.Join(outDir, shard.Name()+".sorted.parquet"))
		_, err := convert.ConvertShard(ctx, cdxjPath, collection, shard, outDir, convert.Options{Action: convert.ActionOverwrite})
		return err
	case ccindex.HealRedownload:
		os.Remove(filepath.Join(outDir, shard.Name()+".parquet"))
		os.Remove(filepath.Join(outDir, shard.Name()+".sorted.parquet"))
		if downloader != nil {
			if err := downloadAtomic(ctx, collection, shard, cdxjPath, downloader); err != nil {
				return err
			}
		}
		// No downloader wired at this call site: fall back to reconverting
		// whatever source bytes are already on disk rather than failing the
		// whole heal chain outright.
		_, err := convert.ConvertShard(ctx, cdxjPath, collection, shard, outDir, convert.Options{Action: convert.ActionOverwrite})
		return err
	}
	return nil
}

func sortStage(ctx context.Context, shards []ccindex.ShardParquet, opts Options, healer *Healer) error {
	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(opts.SortWorkers))

	for i, sp := range shards {
		i, sp := i, sp
		if sp.Empty || sp.Path == "" {
			continue // already sorted, or legitimately empty
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			sortedPath := sp.Path[:len(sp.Path)-len(".parquet")] + ".sorted.parquet"
			sortOpts := convert.Options{SortMemoryGB: opts.SortMemoryGB}
			if err := convert.SortParquet(ctx, sp.Path, sortedPath, sortOpts); err != nil {
				healer.ShardFile = sp.ShardFile
				if err := healer.Run(ctx, func(ctx context.Context, strategy ccindex.HealStrategy, attempt int) error {
					return resortWithStrategy(ctx, strategy, sp.Path, sortedPath, sortOpts)
				}); err != nil {
					return err
				}
			}
			shards[i].SortedPath = sortedPath
			return nil
		})
	}
	return g.Wait()
}

// resortWithStrategy escalates a sort failure. There is no network fetch to
// retry at this stage — the input is already a local Parquet file — so
// HealRedownload degrades to the largest memory budget this chain tries,
// with a spill directory set if none was configured, rather than being a
// no-op: the usual cause of a sort failure is a DuckDB ORDER BY spill OOM,
// and each step after retry-same doubles the memory ceiling.
func resortWithStrategy(ctx context.Context, strategy ccindex.HealStrategy, src, dst string, opts convert.Options) error {
	os.Remove(dst + ".tmp")
	mem := opts.SortMemoryGB
	if mem <= 0 {
		mem = 2
	}
	switch strategy {
	case ccindex.HealRetrySame:
		return convert.SortParquet(ctx, src, dst, opts)
	case ccindex.HealReconvert:
		opts.SortMemoryGB = mem * 2
		return convert.SortParquet(ctx, src, dst, opts)
	case ccindex.HealRedownload:
		opts.SortMemoryGB = mem * 4
		if opts.SortTempDir == "" {
			opts.SortTempDir = os.TempDir()
		}
		return convert.SortParquet(ctx, src, dst, opts)
	}
	return nil
}

func heartbeat(logger *slog.Logger, collection string, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			logger.Info("heartbeat: still running", "collection", collection)
		}
	}
}
