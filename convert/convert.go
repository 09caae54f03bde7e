// Package convert implements the Shard Converter: turns one CDXJ shard into
// a Parquet file with a fixed pointer-record schema, optionally sorted via
// an embedded DuckDB engine.
package convert

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/parquet-go/parquet-go"

	"github.com/commoncrawl/ccindex"
	"github.com/commoncrawl/ccindex/cdxj"
)

// DefaultBatchRows bounds peak memory during conversion: rows are buffered
// and flushed to the Parquet writer in batches of this size.
const DefaultBatchRows = 200_000

// parquetMagic is the four-byte footer/header magic every valid Parquet
// file starts and ends with.
const parquetMagic = "PAR1"

// pointerRow is the fixed Parquet schema for one PointerRecord.
type pointerRow struct {
	Collection string `parquet:"collection"`
	ShardFile  string `parquet:"shard_file"`
	SURT       string `parquet:"surt"`
	TS         string `parquet:"ts"`
	URL        string `parquet:"url"`
	Host       string `parquet:"host"`
	HostRev    string `parquet:"host_rev"`
	Status     int32  `parquet:"status"`
	MIME       string `parquet:"mime"`
	Digest     string `parquet:"digest"`
	WARCFile   string `parquet:"warc_filename"`
	WARCOffset int64  `parquet:"warc_offset"`
	WARCLength int64  `parquet:"warc_length"`
}

func toRow(r ccindex.PointerRecord) pointerRow {
	return pointerRow{
		Collection: r.Collection,
		ShardFile:  r.ShardFile,
		SURT:       r.SURT,
		TS:         r.Timestamp,
		URL:        r.URL,
		Host:       r.Host,
		HostRev:    r.HostRev,
		Status:     r.Status,
		MIME:       r.MIME,
		Digest:     r.Digest,
		WARCFile:   r.WARCFile,
		WARCOffset: r.WARCOffset,
		WARCLength: r.WARCLength,
	}
}

// SortMode selects whether a shard's Parquet is additionally rewritten in
// sorted order after initial conversion.
type SortMode int

const (
	SortNone SortMode = iota
	SortDuckDB
)

// Action controls idempotence: whether an already-complete output is left
// untouched or rebuilt.
type Action int

const (
	ActionOverwrite Action = iota
	ActionSkipIfExists
)

// Options configures one shard conversion.
type Options struct {
	BatchRows      int
	Sort           SortMode
	Action         Action
	SortMemoryGB   float64 // PRAGMA memory_limit for the sort connection
	SortTempDir    string  // PRAGMA temp_directory for spill
}

func (o Options) withDefaults() Options {
	if o.BatchRows <= 0 {
		o.BatchRows = DefaultBatchRows
	}
	if o.SortMemoryGB <= 0 {
		o.SortMemoryGB = 2
	}
	return o
}

// ConvertShard reads a CDXJ shard from cdxjPath and writes a Parquet file
// (or, if the shard contains zero rows, an ".empty" marker) under outputDir.
// It returns the resulting ShardParquet descriptor.
func ConvertShard(ctx context.Context, cdxjPath, collection string, shard ccindex.Shard, outputDir string, opts Options) (ccindex.ShardParquet, error) {
	opts = opts.withDefaults()

	unsortedPath := filepath.Join(outputDir, shard.Name()+".parquet")
	sortedPath := filepath.Join(outputDir, shard.Name()+".sorted.parquet")
	emptyPath := filepath.Join(outputDir, shard.Name()+".parquet.empty")

	if opts.Action == ActionSkipIfExists {
		if ok, _ := IsCompleteParquet(sortedPath); ok {
			return ccindex.ShardParquet{Collection: collection, ShardFile: shard.Name(), SortedPath: sortedPath}, nil
		}
		if _, err := os.Stat(emptyPath); err == nil {
			return ccindex.ShardParquet{Collection: collection, ShardFile: shard.Name(), Empty: true}, nil
		}
		if opts.Sort == SortNone {
			if ok, _ := IsCompleteParquet(unsortedPath); ok {
				return ccindex.ShardParquet{Collection: collection, ShardFile: shard.Name(), Path: unsortedPath}, nil
			}
		}
	}

	f, err := os.Open(cdxjPath)
	if err != nil {
		return ccindex.ShardParquet{}, ccindex.Wrap(ccindex.KindTransientIO, "convert", cdxjPath, err)
	}
	defer f.Close()

	parser, err := cdxj.NewParser(f, collection, shard.Name())
	if err != nil {
		return ccindex.ShardParquet{}, err
	}
	defer parser.Close()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return ccindex.ShardParquet{}, ccindex.Wrap(ccindex.KindTransientIO, "convert", outputDir, err)
	}

	tmpPath := unsortedPath + ".tmp"
	tmp, err := os.Create(tmpPath)
	if err != nil {
		return ccindex.ShardParquet{}, ccindex.Wrap(ccindex.KindTransientIO, "convert", tmpPath, err)
	}

	writer := parquet.NewGenericWriter[pointerRow](tmp, parquet.Compression(Codec))

	batch := make([]pointerRow, 0, opts.BatchRows)
	totalRows := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := writer.Write(batch); err != nil {
			return err
		}
		totalRows += len(batch)
		batch = batch[:0]
		return nil
	}

	writeErr := func() error {
		for parser.Next() {
			line := parser.Line()
			if line.Kind != cdxj.KindRecord {
				continue
			}
			batch = append(batch, toRow(line.Record))
			if len(batch) >= opts.BatchRows {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := parser.Err(); err != nil {
			return err
		}
		return flush()
	}()

	if writeErr == nil {
		writeErr = writer.Close()
	}
	if writeErr == nil {
		writeErr = tmp.Close()
	} else {
		tmp.Close()
	}
	if writeErr != nil {
		os.Remove(tmpPath)
		return ccindex.ShardParquet{}, ccindex.Wrap(ccindex.KindCorruptInput, "convert", shard.Name(), writeErr)
	}

	if totalRows == 0 {
		os.Remove(tmpPath)
		if err := os.WriteFile(emptyPath, nil, 0o644); err != nil {
			return ccindex.ShardParquet{}, ccindex.Wrap(ccindex.KindTransientIO, "convert", emptyPath, err)
		}
		return ccindex.ShardParquet{Collection: collection, ShardFile: shard.Name(), Empty: true}, nil
	}

	if err := os.Rename(tmpPath, unsortedPath); err != nil {
		os.Remove(tmpPath)
		return ccindex.ShardParquet{}, ccindex.Wrap(ccindex.KindTransientIO, "convert", unsortedPath, err)
	}

	out := ccindex.ShardParquet{Collection: collection, ShardFile: shard.Name(), Path: unsortedPath}

	if opts.Sort == SortDuckDB {
		if err := SortParquet(ctx, unsortedPath, sortedPath, opts); err != nil {
			return out, err
		}
		if err := os.Remove(unsortedPath); err != nil && !os.IsNotExist(err) {
			return out, ccindex.Wrap(ccindex.KindTransientIO, "convert", unsortedPath, err)
		}
		out.Path = ""
		out.SortedPath = sortedPath
	}

	return out, nil
}

// SortParquet rewrites src, ordered by (host_rev, url, ts), into dst using
// an embedded DuckDB connection. dst is produced via a .tmp-then-rename
// sequence so a crash mid-sort never leaves a partial sorted file visible.
func SortParquet(ctx context.Context, src, dst string, opts Options) error {
	opts = opts.withDefaults()

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return ccindex.Wrap(ccindex.KindFatal, "convert", "duckdb open", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA memory_limit='%.1fGB'", opts.SortMemoryGB)); err != nil {
		return ccindex.Wrap(ccindex.KindResourceExhaustion, "convert", "memory_limit", err)
	}
	if opts.SortTempDir != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA temp_directory='%s'", opts.SortTempDir)); err != nil {
			return ccindex.Wrap(ccindex.KindFatal, "convert", "temp_directory", err)
		}
	}

	tmpDst := dst + ".tmp"
	os.Remove(tmpDst)
	query := fmt.Sprintf(
		`COPY (SELECT * FROM read_parquet('%s') ORDER BY host_rev, url, ts) TO '%s' (FORMAT parquet, COMPRESSION zstd)`,
		src, tmpDst,
	)
	if _, err := db.ExecContext(ctx, query); err != nil {
		os.Remove(tmpDst)
		return ccindex.Wrap(ccindex.KindCorruptInput, "convert", src, err)
	}

	if err := os.Rename(tmpDst, dst); err != nil {
		os.Remove(tmpDst)
		return ccindex.Wrap(ccindex.KindTransientIO, "convert", dst, err)
	}
	return nil
}

// IsCompleteParquet reports whether path is a structurally valid, non-empty
// Parquet file with the columns this pipeline expects. Every downstream
// consumer runs this check before trusting a Parquet file as complete.
func IsCompleteParquet(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.Size() < int64(len(parquetMagic)*2) {
		return false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, 4)
	if _, err := f.Read(head); err != nil {
		return false, nil
	}
	if !bytes.Equal(head, []byte(parquetMagic)) {
		return false, nil
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return false, nil
	}
	if pf.NumRows() < 1 || len(pf.RowGroups()) < 1 {
		return false, nil
	}

	want := map[string]bool{
		"collection": false, "shard_file": false, "surt": false, "ts": false,
		"url": false, "host": false, "host_rev": false, "status": false,
		"mime": false, "digest": false, "warc_filename": false,
		"warc_offset": false, "warc_length": false,
	}
	for _, col := range pf.Schema().Columns() {
		name := col[len(col)-1]
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for _, present := range want {
		if !present {
			return false, nil
		}
	}
	return true, nil
}
