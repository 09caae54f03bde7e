package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/commoncrawl/ccindex"
)

const fakeManifest = `[
  {"id": "CC-MAIN-2024-10", "name": "March 2024", "timeRange": "...", "from": "2024-02-26", "to": "2024-03-10"},
  {"id": "CC-MAIN-2023-50", "name": "December 2023"}
]`

func TestRefreshWritesAtomicCacheAndLoadReadsItBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fakeManifest))
	}))
	defer srv.Close()

	cachePath := filepath.Join(t.TempDir(), "collinfo.json")
	c := New(Options{CachePath: cachePath, ManifestURL: srv.URL})

	entries, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].FetchedAt.IsZero() {
		t.Fatalf("expected FetchedAt to be stamped")
	}

	loaded, err := c.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "CC-MAIN-2024-10" {
		t.Fatalf("Load = %+v", loaded)
	}
}

func TestLoadReturnsEmptyWhenNoCacheExists(t *testing.T) {
	c := New(Options{CachePath: filepath.Join(t.TempDir(), "missing.json")})
	entries, err := c.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if entries != nil {
		t.Fatalf("entries = %v, want nil", entries)
	}
}

func TestFilterByYearAndID(t *testing.T) {
	entries := []ccindex.CatalogEntry{
		{ID: "CC-MAIN-2024-10"},
		{ID: "CC-MAIN-2024-22"},
		{ID: "CC-MAIN-2023-50"},
	}
	byYear := FilterByYear(entries, 2024)
	want := []ccindex.CatalogEntry{{ID: "CC-MAIN-2024-10"}, {ID: "CC-MAIN-2024-22"}}
	if diff := cmp.Diff(want, byYear); diff != "" {
		t.Fatalf("FilterByYear mismatch (-want +got):\n%s", diff)
	}
	one := FilterByID(entries, "CC-MAIN-2023-50")
	if one == nil || one.ID != "CC-MAIN-2023-50" {
		t.Fatalf("FilterByID = %+v", one)
	}
	if FilterByID(entries, "nope") != nil {
		t.Fatalf("expected nil for a missing id")
	}
}

func TestSortedByIDDoesNotMutateInput(t *testing.T) {
	entries := []ccindex.CatalogEntry{{ID: "b"}, {ID: "a"}}
	sorted := SortedByID(entries)
	if sorted[0].ID != "a" || sorted[1].ID != "b" {
		t.Fatalf("sorted = %+v", sorted)
	}
	if entries[0].ID != "b" {
		t.Fatalf("input was mutated: %+v", entries)
	}
}
