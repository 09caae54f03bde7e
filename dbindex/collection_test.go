package dbindex

import (
	"path/filepath"
	"testing"
)

// TestRelPathComputation exercises the same filepath.Rel call
// BuildCollectionIndex uses to derive parquet_relpath, since the full
// ingest path requires a live DuckDB engine (exercised in integration
// environments, not in this unit test).
func TestRelPathComputation(t *testing.T) {
	root := "/data/parquet"
	sorted := "/data/parquet/2024/CC-MAIN-2024-10/cdx-00001.gz.sorted.parquet"

	rel, err := filepath.Rel(root, sorted)
	if err != nil {
		t.Fatal(err)
	}
	want := "2024/CC-MAIN-2024-10/cdx-00001.gz.sorted.parquet"
	if rel != want {
		t.Fatalf("rel = %q, want %q", rel, want)
	}
}

func TestCollectionIndexStatsZeroValue(t *testing.T) {
	var s CollectionIndexStats
	if s.ShardsIngested != 0 || s.ShardsSkipped != 0 || s.RowsIngested != 0 || s.SlicesWritten != 0 {
		t.Fatalf("zero value should be all-zero, got %+v", s)
	}
}
