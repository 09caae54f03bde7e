package dbindex

import (
	"context"
	"fmt"

	"github.com/commoncrawl/ccindex"
)

// CollectionDB describes one collection's DuckDB file, as seen by the
// meta-index builders.
type CollectionDB struct {
	Collection string
	Year       int
	DBPath     string
}

// BuildYearIndex rolls those of the given collections whose Year equals year
// into a single per-year DuckDB at dbPath: collection_registry plus a mirror
// of each such collection's cc_domain_shards; collections of other years are
// skipped. Rebuilt wholesale on every call rather
// than updated incrementally.
func BuildYearIndex(ctx context.Context, dbPath string, year int, collections []CollectionDB) error {
	db, err := openDuckDB(ctx, dbPath, "")
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS collection_registry`); err != nil {
		return ccindex.Wrap(ccindex.KindFatal, "dbindex", dbPath, err)
	}
	if _, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS cc_domain_shards`); err != nil {
		return ccindex.Wrap(ccindex.KindFatal, "dbindex", dbPath, err)
	}
	if _, err := db.ExecContext(ctx, yearSchema); err != nil {
		return ccindex.Wrap(ccindex.KindSchemaMismatch, "dbindex", dbPath, err)
	}

	for i, c := range collections {
		if c.Year != year {
			continue
		}
		if _, err := db.ExecContext(ctx, `INSERT INTO collection_registry (collection, db_path) VALUES (?, ?)`, c.Collection, c.DBPath); err != nil {
			return ccindex.Wrap(ccindex.KindFatal, "dbindex", dbPath, err)
		}

		alias := fmt.Sprintf("src_%d", i)
		if _, err := db.ExecContext(ctx, fmt.Sprintf(`ATTACH '%s' AS %s (READ_ONLY)`, c.DBPath, alias)); err != nil {
			return ccindex.Wrap(ccindex.KindTransientIO, "dbindex", c.DBPath, err)
		}
		_, err := db.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO cc_domain_shards
				(host_rev, host, source_path, parquet_relpath, collection, year, shard_file)
			SELECT host_rev, host, source_path, parquet_relpath, collection, year, shard_file
			FROM %s.cc_domain_shards`, alias))
		_, detachErr := db.ExecContext(ctx, fmt.Sprintf(`DETACH %s`, alias))
		if err != nil {
			return ccindex.Wrap(ccindex.KindSchemaMismatch, "dbindex", c.DBPath, err)
		}
		if detachErr != nil {
			return ccindex.Wrap(ccindex.KindFatal, "dbindex", c.DBPath, detachErr)
		}
	}

	return nil
}

// BuildMasterIndex rebuilds the single master DuckDB at dbPath, listing
// every registered collection.
func BuildMasterIndex(ctx context.Context, dbPath string, collections []CollectionDB) error {
	db, err := openDuckDB(ctx, dbPath, masterSchema)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `DELETE FROM collection_summary`); err != nil {
		return ccindex.Wrap(ccindex.KindFatal, "dbindex", dbPath, err)
	}

	stmt, err := db.PrepareContext(ctx, `
		INSERT INTO collection_summary (year, collection, collection_db_path)
		VALUES (?, ?, ?)
		ON CONFLICT (collection) DO UPDATE SET year = excluded.year, collection_db_path = excluded.collection_db_path`)
	if err != nil {
		return ccindex.Wrap(ccindex.KindFatal, "dbindex", dbPath, err)
	}
	defer stmt.Close()

	for _, c := range collections {
		if _, err := stmt.ExecContext(ctx, c.Year, c.Collection, c.DBPath); err != nil {
			return ccindex.Wrap(ccindex.KindFatal, "dbindex", dbPath, err)
		}
	}
	return nil
}
