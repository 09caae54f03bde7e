// This program drives one or more Common Crawl collections through
// download, convert, sort and index, with resume-from-completeness and
// auto-heal on shard failure. Flag parsing mirrors cmd/zoekt-indexserver:
// flag.FlagSet plus CCINDEX_*-prefixed environment variable fallback for
// anything that would otherwise need to be passed on every invocation of a
// long-running deployment.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/commoncrawl/ccindex"
	"github.com/commoncrawl/ccindex/catalog"
	"github.com/commoncrawl/ccindex/dbindex"
	"github.com/commoncrawl/ccindex/orchestrate"
	"github.com/commoncrawl/ccindex/warcfetch"
)

func main() {
	var (
		ccindexRoot   = flag.String("ccindex_root", envOr("CCINDEX_ROOT", ""), "directory holding downloaded cdx-*.gz shards, one subdirectory per collection")
		parquetRoot   = flag.String("parquet_root", envOr("CCINDEX_PARQUET_ROOT", ""), "directory holding converted Parquet shards")
		duckdbRoot    = flag.String("duckdb_root", envOr("CCINDEX_DUCKDB_ROOT", ""), "directory holding per-collection DuckDB files")
		logDir        = flag.String("log_dir", envOr("CCINDEX_LOG_DIR", ""), "directory for orchestrator run logs")
		collections   = flag.String("collections", "", "comma-separated list of collection ids to run (e.g. CC-MAIN-2024-10); empty runs every collection the catalog lists for -year")
		year          = flag.Int("year", 0, "restrict -collections'  catalog lookup to this year; 0 means use -collections verbatim")
		workers       = flag.Int("workers", 8, "concurrent shard download/convert workers per collection")
		sortWorkers   = flag.Int("sort_workers", 0, "concurrent shard sort workers per collection; 0 auto-sizes from available RAM and -sort_memory_gb")
		sortMemoryGB  = flag.Float64("sort_memory_gb", 2, "DuckDB memory_limit (GB) budgeted per concurrent sort worker")
		minFreeDiskGB = flag.Float64("min_free_disk_gb", 10, "minimum free disk space required under -ccindex_root before any collection is processed")
		heartbeatSec  = flag.Int("heartbeat_sec", 30, "seconds between \"still running\" heartbeat log lines")
		forceReindex  = flag.Bool("force_reindex", false, "reindex a collection even if the Validator reports it complete")
		cleanup       = flag.Bool("cleanup", false, "delete intermediate cdx-*.gz and unsorted Parquet once a collection is complete")
		cleanupDry    = flag.Bool("cleanup_dry_run", false, "log what -cleanup would delete without deleting it")
		catalogCache  = flag.String("catalog_cache", envOr("CCINDEX_CATALOG_CACHE", ""), "cache path for the collections manifest, used when -year selects collections")
		logFormat     = flag.String("log_format", "", "log format: json or console; defaults to console on a terminal, json otherwise")
		logLevel      = flag.String("log_level", "info", "log level: debug, info, warn, error")
	)
	flag.Parse()

	level := parseSlogLevel(*logLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	format := *logFormat
	if format == "" {
		if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
			format = "console"
		}
	}
	if format == "console" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}
	slog.SetDefault(logger)

	if *ccindexRoot == "" || *parquetRoot == "" || *duckdbRoot == "" {
		logger.Error("ccindex_root, parquet_root and duckdb_root are all required")
		os.Exit(2)
	}

	ids, err := resolveCollections(*collections, *year, *catalogCache)
	if err != nil {
		logger.Error("resolving collection list", "err", err)
		os.Exit(1)
	}
	if len(ids) == 0 {
		logger.Error("no collections to run; pass -collections or -year")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orchestrate.CheckDiskSpace(ctx, *ccindexRoot, uint64(*minFreeDiskGB*1e9)); err != nil {
		logger.Error("disk space check failed before starting any collection", "err", err)
		os.Exit(1)
	}

	sortWorkerCount := orchestrate.AutoSortWorkers(uint64(*sortMemoryGB*1e9), *sortWorkers)

	downloader := warcfetch.NewFetcher(warcfetch.Options{})

	exitCode := 0
	touchedYears := make(map[int]bool)
	for _, id := range ids {
		y := *year
		if y == 0 {
			y = yearFromCollectionID(id)
		}
		touchedYears[y] = true
		result, err := orchestrate.RunCollection(ctx, id, y, orchestrate.Options{
			CCIndexRoot:   *ccindexRoot,
			ParquetRoot:   *parquetRoot,
			DuckDBRoot:    *duckdbRoot,
			LogDir:        *logDir,
			Workers:       *workers,
			SortWorkers:   sortWorkerCount,
			SortMemoryGB:  *sortMemoryGB,
			HeartbeatSec:  *heartbeatSec,
			ForceReindex:  *forceReindex,
			Cleanup:       *cleanup,
			CleanupDryRun: *cleanupDry,
			Downloader:    collectionDownloader{fetcher: downloader},
			Logger:        logger,
		})
		if err != nil {
			logger.Error("collection run failed", "collection", id, "err", err)
			exitCode = 1
			if errors.Is(err, ccindex.KindResourceExhaustion) {
				logger.Error("halting remaining collections after resource exhaustion", "collection", id)
				break
			}
			continue
		}
		logger.Info("collection run finished", "collection", id, "state", result.FinalState.String(),
			"heal_attempts", len(result.HealAttempts))
		if result.FinalState != ccindex.StateComplete {
			exitCode = 1
		}
	}

	rebuildMetaIndexes(ctx, *duckdbRoot, touchedYears, logger)

	os.Exit(exitCode)
}

// collectionDownloader adapts warcfetch's WARC-record fetcher to the cdx
// shard download the Orchestrator's Downloader interface names; cdx-*.gz
// shards live at a fixed URL under the collection's CC-INDEX prefix, so
// this delegates to the same range-GET-with-retry HTTP client rather than
// growing a second one.
type collectionDownloader struct {
	fetcher *warcfetch.Fetcher
}

func (d collectionDownloader) DownloadShard(ctx context.Context, collection string, shard ccindex.Shard, destPath string) error {
	return d.fetcher.DownloadCDXShard(ctx, collection, shard, destPath)
}

func resolveCollections(csv string, year int, catalogCache string) ([]string, error) {
	if csv != "" {
		var out []string
		for _, part := range strings.Split(csv, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
	if year == 0 {
		return nil, nil
	}
	if catalogCache == "" {
		return nil, fmt.Errorf("-year requires -catalog_cache (run the catalog refresh once to populate it)")
	}
	cat := catalog.New(catalog.Options{CachePath: catalogCache})
	entries, err := cat.Load()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range catalog.FilterByYear(entries, year) {
		out = append(out, e.ID)
	}
	return out, nil
}

// yearFromCollectionID extracts the year out of an id like "CC-MAIN-2024-10";
// collections passed explicitly via -collections without -year fall back to
// this so the Parquet/DuckDB layout's <year> path segment is still correct.
func yearFromCollectionID(id string) int {
	parts := strings.Split(id, "-")
	for _, p := range parts {
		if y, err := strconv.Atoi(p); err == nil && y > 1990 && y < 2100 {
			return y
		}
	}
	return 0
}

func parseSlogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func yearDBPath(duckdbRoot string, year int) string {
	return filepath.Join(duckdbRoot, fmt.Sprintf("year-%d.duckdb", year))
}

func masterDBPath(duckdbRoot string) string {
	return filepath.Join(duckdbRoot, "master.duckdb")
}

// discoverCollectionDBs lists every per-collection DuckDB file directly
// under duckdbRoot (named "<collection>.duckdb", as orchestrate.RunCollection
// writes them), skipping the meta-index files this program itself writes.
func discoverCollectionDBs(duckdbRoot string) ([]dbindex.CollectionDB, error) {
	entries, err := os.ReadDir(duckdbRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []dbindex.CollectionDB
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".duckdb") {
			continue
		}
		if name == "master.duckdb" || strings.HasPrefix(name, "year-") {
			continue
		}
		collection := strings.TrimSuffix(name, ".duckdb")
		out = append(out, dbindex.CollectionDB{
			Collection: collection,
			Year:       yearFromCollectionID(collection),
			DBPath:     filepath.Join(duckdbRoot, name),
		})
	}
	return out, nil
}

// rebuildMetaIndexes rolls every per-collection DuckDB under duckdbRoot back
// up into the per-year and master DuckDB hierarchy the Lookup API's
// lookup.Store reads. Run once after the per-collection loop finishes rather
// than incrementally, so it reflects whatever actually finished this run
// (and any earlier run) instead of drifting out of sync with partial state.
func rebuildMetaIndexes(ctx context.Context, duckdbRoot string, touchedYears map[int]bool, logger *slog.Logger) {
	collections, err := discoverCollectionDBs(duckdbRoot)
	if err != nil {
		logger.Error("scanning duckdb_root for meta-index rebuild", "err", err)
		return
	}
	if len(collections) == 0 {
		return
	}

	years := make(map[int]bool)
	for y := range touchedYears {
		years[y] = true
	}
	for _, c := range collections {
		years[c.Year] = true
	}

	for y := range years {
		if y == 0 {
			continue
		}
		if err := dbindex.BuildYearIndex(ctx, yearDBPath(duckdbRoot, y), y, collections); err != nil {
			logger.Error("rebuilding year index", "year", y, "err", err)
		}
	}

	if err := dbindex.BuildMasterIndex(ctx, masterDBPath(duckdbRoot), collections); err != nil {
		logger.Error("rebuilding master index", "err", err)
	}
}
