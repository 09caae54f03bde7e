package cdxj

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/commoncrawl/ccindex"
)

func gzipString(t *testing.T, s string) io.Reader {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf
}

func TestParserSkipsEmptyAndCommentLines(t *testing.T) {
	input := "\n# a comment\n\n"
	p, err := NewParser(gzipString(t, input), "CC-MAIN-2024-10", "cdx-00001.gz")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	var kinds []LineKind
	for p.Next() {
		kinds = append(kinds, p.Line().Kind)
	}
	if err := p.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []LineKind{KindEmpty, KindComment, KindEmpty}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds[%d] = %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestParserParsesWellFormedRecord(t *testing.T) {
	line := `gov,18f)/about 20240115120000 {"url": "https://www.18f.gov/about/", "status": "200", "mime": "text/html", "digest": "ABC123", "filename": "crawl-data/CC-MAIN-2024-10/segments/x/warc/y.warc.gz", "offset": "1024", "length": "2048"}` + "\n"
	p, err := NewParser(gzipString(t, line), "CC-MAIN-2024-10", "cdx-00042.gz")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if !p.Next() {
		t.Fatalf("expected one line, got none (err=%v)", p.Err())
	}
	got := p.Line()
	if got.Kind != KindRecord {
		t.Fatalf("Kind = %v, want KindRecord", got.Kind)
	}
	rec := got.Record
	if rec.Host != "18f.gov" {
		t.Errorf("Host = %q, want 18f.gov", rec.Host)
	}
	if rec.HostRev != "gov,18f" {
		t.Errorf("HostRev = %q, want gov,18f", rec.HostRev)
	}
	if !rec.HasStatus || rec.Status != 200 {
		t.Errorf("Status = %v (has=%v), want 200", rec.Status, rec.HasStatus)
	}
	if !rec.HasWARCLoc || rec.WARCOffset != 1024 || rec.WARCLength != 2048 {
		t.Errorf("WARC loc = %d/%d (has=%v), want 1024/2048", rec.WARCOffset, rec.WARCLength, rec.HasWARCLoc)
	}
	if rec.Collection != "CC-MAIN-2024-10" || rec.ShardFile != "cdx-00042.gz" {
		t.Errorf("Collection/ShardFile = %q/%q", rec.Collection, rec.ShardFile)
	}
	if p.Next() {
		t.Fatalf("expected exactly one record line")
	}
}

func TestParserTreatesMalformedJSONAsSkip(t *testing.T) {
	input := "com,example)/ 20240101000000 {not json\n"
	p, err := NewParser(gzipString(t, input), "CC-MAIN-2024-10", "cdx-00000.gz")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if !p.Next() {
		t.Fatalf("expected a line")
	}
	if got := p.Line().Kind; got != KindMalformed {
		t.Fatalf("Kind = %v, want KindMalformed", got)
	}
	if err := p.Err(); err != nil {
		t.Fatalf("malformed JSON must not be a fatal parser error, got %v", err)
	}
}

func TestParserToleratesBareURLThirdToken(t *testing.T) {
	input := "com,example)/ 20240101000000 http://example.com/\n"
	p, err := NewParser(gzipString(t, input), "CC-MAIN-2024-10", "cdx-00000.gz")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if !p.Next() {
		t.Fatalf("expected a line")
	}
	got := p.Line()
	if got.Kind != KindRecord {
		t.Fatalf("Kind = %v, want KindRecord", got.Kind)
	}
	if got.Record.URL != "http://example.com/" {
		t.Fatalf("URL = %q", got.Record.URL)
	}
}

func TestEmptyShardYieldsZeroRecords(t *testing.T) {
	p, err := NewParser(gzipString(t, "# only comments\n"), "CC-MAIN-2024-10", "cdx-00099.gz")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	records := 0
	for p.Next() {
		if p.Line().Kind == KindRecord {
			records++
		}
	}
	if err := p.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if records != 0 {
		t.Fatalf("records = %d, want 0", records)
	}
}

func TestDeriveHostStripsSchemeWwwAndPort(t *testing.T) {
	cases := []struct {
		url      string
		wantHost string
		wantRev  string
	}{
		{"https://www.18f.gov/about/", "18f.gov", "gov,18f"},
		{"http://EXAMPLE.com:8080/x", "example.com", "com,example"},
		{"https://sub.example.co.uk/", "sub.example.co.uk", "uk,co,example,sub"},
	}
	for _, tc := range cases {
		host, rev := ccindex.NormalizeHost(tc.url)
		if host != tc.wantHost || rev != tc.wantRev {
			t.Errorf("NormalizeHost(%q) = (%q, %q), want (%q, %q)", tc.url, host, rev, tc.wantHost, tc.wantRev)
		}
	}
}
