package dbindex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/commoncrawl/ccindex"
	"github.com/commoncrawl/ccindex/rowgroup"
)

// CollectionIndexOptions configures one Stage 4 run.
type CollectionIndexOptions struct {
	Mode             IndexMode
	ExtractRowGroups bool
	ForceReindex     bool
	CreateIndexes    bool
	ParquetRoot      string // used to compute parquet_relpath
}

// CollectionIndexStats summarizes one BuildCollectionIndex run.
type CollectionIndexStats struct {
	ShardsIngested int
	ShardsSkipped  int
	RowsIngested   int64
	SlicesWritten  int64
}

// BuildCollectionIndex writes (or updates) the per-collection DuckDB at
// dbPath from the given sorted ShardParquet files, maintaining the
// IngestedFileLedger so repeat runs skip already-ingested shards unless
// ForceReindex is set. Each shard's data rows and ledger row are written in
// the same transaction, so a crash mid-ingest can never leave the ledger
// ahead of the data it describes.
func BuildCollectionIndex(ctx context.Context, dbPath, collection string, year int, shards []ccindex.ShardParquet, opts CollectionIndexOptions) (CollectionIndexStats, error) {
	var stats CollectionIndexStats

	db, err := openDuckDB(ctx, dbPath, collectionSchema)
	if err != nil {
		return stats, err
	}
	defer db.Close()

	for _, shard := range shards {
		if shard.Empty || shard.SortedPath == "" {
			continue
		}

		info, err := os.Stat(shard.SortedPath)
		if err != nil {
			return stats, ccindex.Wrap(ccindex.KindTransientIO, "dbindex", shard.SortedPath, err)
		}

		if !opts.ForceReindex {
			already, err := isIngested(ctx, db, shard.SortedPath, info)
			if err != nil {
				return stats, err
			}
			if already {
				stats.ShardsSkipped++
				continue
			}
		}

		rows, slices, err := ingestShard(ctx, db, collection, year, shard, opts)
		if err != nil {
			return stats, err
		}
		stats.ShardsIngested++
		stats.RowsIngested += rows
		stats.SlicesWritten += int64(slices)
	}

	if opts.CreateIndexes {
		if err := createSecondaryIndexes(ctx, db, opts.Mode); err != nil {
			return stats, err
		}
	}

	return stats, nil
}

func isIngested(ctx context.Context, db *sql.DB, path string, info os.FileInfo) (bool, error) {
	row := db.QueryRowContext(ctx, `SELECT size_bytes, mtime_ns FROM cc_ingested_files WHERE path = ?`, path)
	var size, mtime int64
	if err := row.Scan(&size, &mtime); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, ccindex.Wrap(ccindex.KindFatal, "dbindex", path, err)
	}
	return size == info.Size() && mtime == info.ModTime().UnixNano(), nil
}

func ingestShard(ctx context.Context, db *sql.DB, collection string, year int, shard ccindex.ShardParquet, opts CollectionIndexOptions) (rows int64, slices int, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, ccindex.Wrap(ccindex.KindFatal, "dbindex", shard.SortedPath, err)
	}
	defer tx.Rollback()

	// Delete any prior rows for this shard so a re-ingest (e.g. after
	// auto-heal replaces a sorted Parquet) does not duplicate data.
	if _, err := tx.ExecContext(ctx, `DELETE FROM cc_domain_shards WHERE source_path = ?`, shard.SortedPath); err != nil {
		return 0, 0, ccindex.Wrap(ccindex.KindFatal, "dbindex", shard.SortedPath, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cc_domain_rowgroups WHERE source_path = ?`, shard.SortedPath); err != nil {
		return 0, 0, ccindex.Wrap(ccindex.KindFatal, "dbindex", shard.SortedPath, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cc_pointers WHERE shard_file = ? AND collection = ?`, shard.ShardFile, collection); err != nil {
		return 0, 0, ccindex.Wrap(ccindex.KindFatal, "dbindex", shard.SortedPath, err)
	}

	relPath := shard.SortedPath
	if opts.ParquetRoot != "" {
		if rel, relErr := filepath.Rel(opts.ParquetRoot, shard.SortedPath); relErr == nil {
			relPath = rel
		}
	}

	switch opts.Mode {
	case ModeURL:
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO cc_pointers
				(url, host_rev, ts, status, mime, digest, warc_filename, warc_offset, warc_length, shard_file, collection)
			SELECT url, host_rev, ts, status, mime, digest, warc_filename, warc_offset, warc_length, shard_file, collection
			FROM read_parquet('%s')`, shard.SortedPath))
		if err != nil {
			return 0, 0, ccindex.Wrap(ccindex.KindSchemaMismatch, "dbindex", shard.SortedPath, err)
		}
		n, _ := res.RowsAffected()
		rows = n
	default: // ModeDomain
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO cc_domain_shards
				(host_rev, host, source_path, parquet_relpath, collection, year, shard_file)
			SELECT DISTINCT host_rev, host, '%s', '%s', collection, %d, shard_file
			FROM read_parquet('%s')`, shard.SortedPath, relPath, year, shard.SortedPath))
		if err != nil {
			return 0, 0, ccindex.Wrap(ccindex.KindSchemaMismatch, "dbindex", shard.SortedPath, err)
		}
		n, _ := res.RowsAffected()
		rows = n
	}

	if opts.ExtractRowGroups {
		built, err := rowgroup.BuildSlices(shard.SortedPath, collection)
		if err != nil {
			return rows, 0, err
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO cc_domain_rowgroups
				(source_path, collection, host_rev, row_group, row_start, row_end, host_rev_min, host_rev_max)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return rows, 0, ccindex.Wrap(ccindex.KindFatal, "dbindex", shard.SortedPath, err)
		}
		defer stmt.Close()
		for _, s := range built {
			if _, err := stmt.ExecContext(ctx, s.SourcePath, s.Collection, s.HostRev, s.RowGroup, s.RowStart, s.RowEnd, s.HostRev, s.HostRev); err != nil {
				return rows, 0, ccindex.Wrap(ccindex.KindFatal, "dbindex", shard.SortedPath, err)
			}
		}
		slices = len(built)
	}

	info, statErr := os.Stat(shard.SortedPath)
	if statErr != nil {
		return rows, slices, ccindex.Wrap(ccindex.KindTransientIO, "dbindex", shard.SortedPath, statErr)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cc_ingested_files (path, size_bytes, mtime_ns, ingested_at, rows)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (path) DO UPDATE SET size_bytes = excluded.size_bytes, mtime_ns = excluded.mtime_ns, ingested_at = excluded.ingested_at, rows = excluded.rows`,
		shard.SortedPath, info.Size(), info.ModTime().UnixNano(), time.Now().UTC(), rows,
	); err != nil {
		return rows, slices, ccindex.Wrap(ccindex.KindFatal, "dbindex", shard.SortedPath, err)
	}

	if err := tx.Commit(); err != nil {
		return rows, slices, ccindex.Wrap(ccindex.KindFatal, "dbindex", shard.SortedPath, err)
	}
	return rows, slices, nil
}

func createSecondaryIndexes(ctx context.Context, db *sql.DB, mode IndexMode) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_domain_shards_host_rev ON cc_domain_shards(host_rev)`,
		`CREATE INDEX IF NOT EXISTS idx_domain_shards_host ON cc_domain_shards(host)`,
		`CREATE INDEX IF NOT EXISTS idx_domain_rowgroups_host_rev ON cc_domain_rowgroups(host_rev_min, host_rev_max)`,
	}
	if mode == ModeURL {
		stmts = append(stmts,
			`CREATE INDEX IF NOT EXISTS idx_pointers_url ON cc_pointers(url)`,
			`CREATE INDEX IF NOT EXISTS idx_pointers_host_rev ON cc_pointers(host_rev)`,
			`CREATE INDEX IF NOT EXISTS idx_pointers_collection ON cc_pointers(collection)`,
		)
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return ccindex.Wrap(ccindex.KindFatal, "dbindex", "create-indexes", err)
		}
	}
	return nil
}
