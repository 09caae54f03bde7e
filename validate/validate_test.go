package validate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/commoncrawl/ccindex"
)

func TestCheckEmptyShardCountsAsSorted(t *testing.T) {
	dir := t.TempDir()
	parquetDir := filepath.Join(dir, "parquet")
	if err := os.MkdirAll(parquetDir, 0o755); err != nil {
		t.Fatal(err)
	}

	shard := ccindex.Shard{Index: 0}
	markerPath := filepath.Join(parquetDir, shard.Name()+".parquet.empty")
	if err := os.WriteFile(markerPath, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := Check(context.Background(), "CC-MAIN-2024-10", 1, Paths{
		SourceDir:    dir,
		ParquetDir:   parquetDir,
		CollectionDB: filepath.Join(dir, "missing.duckdb"),
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.SortedCount != 1 {
		t.Fatalf("SortedCount = %d, want 1", report.SortedCount)
	}
	if report.DuckDBIndexExists {
		t.Fatalf("expected DuckDBIndexExists = false for a missing db file")
	}
	if report.Complete {
		t.Fatalf("expected Complete = false without an index db")
	}
}

func TestCheckCountsSourceShards(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 3; i++ {
		shard := ccindex.Shard{Index: i}
		if err := os.WriteFile(filepath.Join(dir, shard.Name()), []byte{0x1f, 0x8b}, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	report, err := Check(context.Background(), "CC-MAIN-2024-10", 3, Paths{
		SourceDir:    dir,
		ParquetDir:   filepath.Join(dir, "parquet"),
		CollectionDB: filepath.Join(dir, "missing.duckdb"),
	})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.TarGzCount != 3 {
		t.Fatalf("TarGzCount = %d, want 3", report.TarGzCount)
	}
}
