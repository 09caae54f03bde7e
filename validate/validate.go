// Package validate implements the Completeness Validator: a pure function
// over the filesystem and a collection's DuckDB that reports whether each
// pipeline stage is done. It holds no state of its own and is safe to call
// between every Orchestrator stage transition.
package validate

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/commoncrawl/ccindex"
	"github.com/commoncrawl/ccindex/convert"
)

// Paths locates the on-disk artifacts for one collection.
type Paths struct {
	SourceDir    string // <ccindex_root>/<collection>/
	ParquetDir   string // <parquet_root>/cc_pointers_by_collection/<year>/<collection>/
	CollectionDB string // <duckdb_collection_root>/<collection>.duckdb
}

// Check computes a CollectionCompleteness report for one collection by
// inspecting the filesystem and, if present, the collection's DuckDB.
func Check(ctx context.Context, collection string, expectedShards int, paths Paths) (ccindex.CollectionCompleteness, error) {
	report := ccindex.CollectionCompleteness{
		Collection:      collection,
		ParquetExpected: expectedShards,
	}

	tarGzCount, err := countMatching(paths.SourceDir, "cdx-*.gz")
	if err != nil {
		return report, err
	}
	report.TarGzCount = tarGzCount
	report.TarGzExpected = expectedShards

	sortedCount := 0
	parquetCount := 0
	for i := 0; i < expectedShards; i++ {
		shard := ccindex.Shard{Collection: collection, Index: i}
		sortedPath := filepath.Join(paths.ParquetDir, shard.Name()+".sorted.parquet")
		emptyPath := filepath.Join(paths.ParquetDir, shard.Name()+".parquet.empty")
		unsortedPath := filepath.Join(paths.ParquetDir, shard.Name()+".parquet")

		if ok, _ := convert.IsCompleteParquet(sortedPath); ok {
			sortedCount++
			parquetCount++
			continue
		}
		if _, err := os.Stat(emptyPath); err == nil {
			sortedCount++ // an empty marker counts as "sorted" for completeness
			continue
		}
		if ok, _ := convert.IsCompleteParquet(unsortedPath); ok {
			parquetCount++
		}
	}
	report.ParquetCount = parquetCount
	report.SortedCount = sortedCount

	exists, sorted, err := checkIndexDB(ctx, paths.CollectionDB)
	if err != nil {
		return report, err
	}
	report.DuckDBIndexExists = exists
	report.DuckDBIndexSorted = sorted

	report.Complete = report.SortedCount == report.ParquetExpected && report.DuckDBIndexExists && report.DuckDBIndexSorted
	return report, nil
}

// checkIndexDB reports whether the collection's DuckDB exists and is
// "marked sorted" — i.e. every shard referenced in cc_ingested_files
// corresponds to a *.sorted.parquet path, never an unsorted one.
func checkIndexDB(ctx context.Context, dbPath string) (exists, sorted bool, err error) {
	if _, statErr := os.Stat(dbPath); statErr != nil {
		return false, false, nil
	}
	exists = true

	db, openErr := sql.Open("duckdb", dbPath+"?access_mode=read_only")
	if openErr != nil {
		return exists, false, ccindex.Wrap(ccindex.KindFatal, "validate", dbPath, openErr)
	}
	defer db.Close()

	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cc_ingested_files WHERE path NOT LIKE '%.sorted.parquet'`)
	var unsorted int
	if err := row.Scan(&unsorted); err != nil {
		// A missing table means the index was never built.
		return exists, false, nil
	}
	return exists, unsorted == 0, nil
}

func countMatching(dir, pattern string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return 0, ccindex.Wrap(ccindex.KindFatal, "validate", dir, err)
	}
	return len(matches), nil
}
