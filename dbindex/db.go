// Package dbindex implements the Per-Collection Indexer and the Meta-Index
// Builder: it writes the per-collection, per-year, and master DuckDB
// databases from sorted ShardParquet files.
package dbindex

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/commoncrawl/ccindex"
)

//go:embed schema_collection.sql
var collectionSchema string

//go:embed schema_year.sql
var yearSchema string

//go:embed schema_master.sql
var masterSchema string

// IndexMode selects the CollectionIndex shape: URL-level pointers or
// domain-to-shard/row-group mappings.
type IndexMode int

const (
	ModeDomain IndexMode = iota
	ModeURL
)

// openDuckDB opens (creating if absent) a DuckDB file at path and ensures
// the given schema exists. Grounded on the embed-schema + Ensure() idiom
// used elsewhere in the pack for per-database schema bootstrap.
func openDuckDB(ctx context.Context, path, schema string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindFatal, "dbindex", path, err)
	}
	if schema != "" {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			db.Close()
			return nil, ccindex.Wrap(ccindex.KindSchemaMismatch, "dbindex", path, err)
		}
	}
	return db, nil
}

// openReadOnly opens an existing DuckDB file without creating it and
// without allowing writes. Readers always open DuckDB files read-only;
// only the orchestrator opens them read-write.
func openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", fmt.Sprintf("%s?access_mode=read_only", path))
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindFatal, "dbindex", path, err)
	}
	return db, nil
}
