package warcfetch

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func gzRecordBytes(t *testing.T, body string) []byte {
	t.Helper()
	record := "WARC/1.0\r\nWARC-Type: response\r\n\r\nHTTP/1.1 200 OK\r\nContent-Type: text/html\r\n\r\n" + body
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write([]byte(record))
	w.Close()
	return buf.Bytes()
}

func TestFetchRecordIssuesRangeGETAndCaches(t *testing.T) {
	payload := gzRecordBytes(t, "<html>hi</html>")
	var requests int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		rng := r.Header.Get("Range")
		if rng == "" {
			t.Errorf("expected a Range header")
		}
		w.Header().Set("Content-Range", "bytes 0-*/*")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer srv.Close()

	cacheDir := t.TempDir()
	f := NewFetcher(Options{BaseURL: srv.URL, RangeCacheDir: cacheDir})

	rec1, err := f.FetchRecord(context.Background(), "crawl-data/x/warc/y.warc.gz", 1024, int64(len(payload)), FetchOptions{})
	if err != nil {
		t.Fatalf("FetchRecord: %v", err)
	}
	if requests != 1 {
		t.Fatalf("requests = %d, want 1", requests)
	}

	rec2, err := f.FetchRecord(context.Background(), "crawl-data/x/warc/y.warc.gz", 1024, int64(len(payload)), FetchOptions{})
	if err != nil {
		t.Fatalf("FetchRecord (cached): %v", err)
	}
	if requests != 1 {
		t.Fatalf("requests after cached fetch = %d, want 1 (should have hit cache)", requests)
	}
	if rec1.SHA256 != rec2.SHA256 {
		t.Fatalf("sha256 mismatch between live and cached fetch: %q vs %q", rec1.SHA256, rec2.SHA256)
	}
}

func TestFetchRecordRejectsNon206(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("not partial"))
	}))
	defer srv.Close()

	f := NewFetcher(Options{BaseURL: srv.URL})
	_, err := f.FetchRecord(context.Background(), "x.warc.gz", 0, 10, FetchOptions{})
	if err == nil {
		t.Fatalf("expected an error for a non-206 response")
	}
}

func TestReadRangeCacheRejectsSizeMismatch(t *testing.T) {
	dir := t.TempDir()
	f := NewFetcher(Options{RangeCacheDir: dir})

	path := f.rangeCachePath("x.warc.gz", 0, 9)
	if err := os.WriteFile(path, []byte("short"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, ok, err := f.readRangeCache("x.warc.gz", 0, 9, 10)
	if err != nil {
		t.Fatalf("readRangeCache: %v", err)
	}
	if ok {
		t.Fatalf("expected a size-mismatched cache entry to be treated as a miss")
	}
}

func TestEvictOldestRemovesOldestFilesFirst(t *testing.T) {
	dir := t.TempDir()
	f := NewFetcher(Options{RangeCacheDir: dir})

	old := filepath.Join(dir, "old.bin")
	newer := filepath.Join(dir, "newer.bin")
	if err := os.WriteFile(old, make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	oldTime := time.Now().Add(-time.Hour)
	if err := os.Chtimes(old, oldTime, oldTime); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(newer, make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := f.EvictOldest(150); err != nil {
		t.Fatalf("EvictOldest: %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expected the oldest file to be evicted")
	}
	if _, err := os.Stat(newer); err != nil {
		t.Fatalf("expected the newer file to survive eviction: %v", err)
	}
}
