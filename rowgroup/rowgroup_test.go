package rowgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/commoncrawl/ccindex"
)

func writeTestParquet(t *testing.T, path string, rows []PointerRow) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	w := parquet.NewGenericWriter[PointerRow](f)
	if _, err := w.Write(rows); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBuildSlicesGroupsContiguousHostRev(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cdx-00001.gz.sorted.parquet")

	rows := []PointerRow{
		{HostRev: "gov,18f", URL: "https://18f.gov/a", TS: "1"},
		{HostRev: "gov,18f", URL: "https://18f.gov/b", TS: "2"},
		{HostRev: "gov,usa", URL: "https://usa.gov/a", TS: "1"},
		{HostRev: "org,wikipedia", URL: "https://wikipedia.org/a", TS: "1"},
	}
	writeTestParquet(t, path, rows)

	slices, err := BuildSlices(path, "CC-MAIN-2024-10")
	if err != nil {
		t.Fatalf("BuildSlices: %v", err)
	}
	if len(slices) != 3 {
		t.Fatalf("len(slices) = %d, want 3 (%+v)", len(slices), slices)
	}

	want := map[string][2]int64{
		"gov,18f":       {0, 2},
		"gov,usa":       {2, 3},
		"org,wikipedia": {3, 4},
	}
	for _, s := range slices {
		bounds, ok := want[s.HostRev]
		if !ok {
			t.Fatalf("unexpected host_rev %q in slices", s.HostRev)
		}
		if s.RowStart != bounds[0] || s.RowEnd != bounds[1] {
			t.Errorf("slice for %q = [%d,%d), want [%d,%d)", s.HostRev, s.RowStart, s.RowEnd, bounds[0], bounds[1])
		}
	}
}

func TestReadSliceReturnsOnlyMatchingRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cdx-00002.gz.sorted.parquet")

	rows := []PointerRow{
		{HostRev: "gov,18f", URL: "https://18f.gov/a", TS: "1"},
		{HostRev: "gov,18f", URL: "https://18f.gov/b", TS: "2"},
		{HostRev: "gov,usa", URL: "https://usa.gov/a", TS: "1"},
	}
	writeTestParquet(t, path, rows)

	slices, err := BuildSlices(path, "CC-MAIN-2024-10")
	if err != nil {
		t.Fatalf("BuildSlices: %v", err)
	}

	var target ccindex.DomainSlice
	var found bool
	for _, s := range slices {
		if s.HostRev == "gov,18f" {
			found = true
			target = s
		}
	}
	if !found {
		t.Fatalf("expected a slice for gov,18f")
	}

	recs, err := ReadSlice(path, target, ToPointerRecord)
	if err != nil {
		t.Fatalf("ReadSlice: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len(recs) = %d, want 2", len(recs))
	}
	for _, r := range recs {
		if r.HostRev != "gov,18f" {
			t.Errorf("got HostRev %q, want gov,18f", r.HostRev)
		}
	}
}
