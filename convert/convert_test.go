package convert

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/commoncrawl/ccindex"
)

func writeGzipShard(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	w := gzip.NewWriter(f)
	if _, err := w.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConvertShardWritesParquet(t *testing.T) {
	dir := t.TempDir()
	line := `gov,18f)/about 20240115120000 {"url": "https://18f.gov/about", "status": "200", "mime": "text/html", "digest": "D1", "filename": "crawl-data/x/warc/y.warc.gz", "offset": "10", "length": "20"}` + "\n"
	shardPath := writeGzipShard(t, dir, "cdx-00001.gz", line)

	outDir := filepath.Join(dir, "out")
	shard := ccindex.Shard{Collection: "CC-MAIN-2024-10", Index: 1}

	out, err := ConvertShard(context.Background(), shardPath, "CC-MAIN-2024-10", shard, outDir, Options{Action: ActionOverwrite})
	if err != nil {
		t.Fatalf("ConvertShard: %v", err)
	}
	if out.Empty {
		t.Fatalf("expected a non-empty shard parquet")
	}
	if out.Path == "" {
		t.Fatalf("expected unsorted Path to be set")
	}
	ok, err := IsCompleteParquet(out.Path)
	if err != nil {
		t.Fatalf("IsCompleteParquet: %v", err)
	}
	if !ok {
		t.Fatalf("expected a structurally complete parquet at %s", out.Path)
	}
	if _, err := os.Stat(out.Path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("expected .tmp file to be renamed away, got err=%v", err)
	}
}

func TestConvertShardEmptyInputWritesMarker(t *testing.T) {
	dir := t.TempDir()
	shardPath := writeGzipShard(t, dir, "cdx-00099.gz", "# only a comment\n\n")
	outDir := filepath.Join(dir, "out")
	shard := ccindex.Shard{Collection: "CC-MAIN-2024-10", Index: 99}

	out, err := ConvertShard(context.Background(), shardPath, "CC-MAIN-2024-10", shard, outDir, Options{Action: ActionOverwrite})
	if err != nil {
		t.Fatalf("ConvertShard: %v", err)
	}
	if !out.Empty {
		t.Fatalf("expected Empty to be true for a zero-row shard")
	}
	markerPath := filepath.Join(outDir, shard.Name()+".parquet.empty")
	if _, err := os.Stat(markerPath); err != nil {
		t.Fatalf("expected empty marker at %s: %v", markerPath, err)
	}
	unsortedPath := filepath.Join(outDir, shard.Name()+".parquet")
	if _, err := os.Stat(unsortedPath); !os.IsNotExist(err) {
		t.Fatalf("expected no parquet file to be written for an empty shard")
	}
}

func TestConvertShardSkipIfExists(t *testing.T) {
	dir := t.TempDir()
	line := `gov,18f)/ 20240101000000 {"url": "https://18f.gov/"}` + "\n"
	shardPath := writeGzipShard(t, dir, "cdx-00002.gz", line)
	outDir := filepath.Join(dir, "out")
	shard := ccindex.Shard{Collection: "CC-MAIN-2024-10", Index: 2}

	first, err := ConvertShard(context.Background(), shardPath, "CC-MAIN-2024-10", shard, outDir, Options{Action: ActionOverwrite})
	if err != nil {
		t.Fatalf("first convert: %v", err)
	}
	info1, _ := os.Stat(first.Path)

	second, err := ConvertShard(context.Background(), shardPath, "CC-MAIN-2024-10", shard, outDir, Options{Action: ActionSkipIfExists})
	if err != nil {
		t.Fatalf("second convert: %v", err)
	}
	info2, _ := os.Stat(second.Path)

	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Fatalf("expected skip-if-exists to leave the existing parquet untouched")
	}
}

func TestIsCompleteParquetRejectsMissingAndTruncated(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "nope.parquet")
	if ok, err := IsCompleteParquet(missing); ok || err != nil {
		t.Fatalf("missing file: ok=%v err=%v, want false/nil", ok, err)
	}

	truncated := filepath.Join(dir, "truncated.parquet")
	if err := os.WriteFile(truncated, bytes.Repeat([]byte{0}, 4), 0o644); err != nil {
		t.Fatal(err)
	}
	if ok, _ := IsCompleteParquet(truncated); ok {
		t.Fatalf("truncated file should not be reported complete")
	}
}
