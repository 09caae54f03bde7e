package warcfetch

import (
	"bytes"
	"compress/gzip"
	"strings"
	"testing"
)

func gzipRecord(t *testing.T, warcHeaders, httpHeaders, body string) []byte {
	t.Helper()
	record := warcHeaders + "\r\n\r\nHTTP/1.1 200 OK\r\n" + httpHeaders + "\r\n\r\n" + body
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write([]byte(record)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestParseRecordSplitsWARCAndHTTPEnvelopes(t *testing.T) {
	warcHdrs := "WARC/1.0\r\nWARC-Type: response\r\nWARC-Target-URI: https://18f.gov/about/"
	httpHdrs := "Content-Type: text/html; charset=utf-8\r\nContent-Length: 32"
	body := "<!doctype html><title>Hi</title>"

	gz := gzipRecord(t, warcHdrs, httpHdrs, body)
	rec, err := parseRecord(gz, 4096)
	if err != nil {
		t.Fatalf("parseRecord: %v", err)
	}

	if rec.WARCHeaders["WARC-Type"] != "response" {
		t.Errorf("WARC-Type = %q, want response", rec.WARCHeaders["WARC-Type"])
	}
	if rec.HTTPStatus != 200 {
		t.Errorf("HTTPStatus = %d, want 200", rec.HTTPStatus)
	}
	if rec.HTTPHeaders["Content-Type"] != "text/html; charset=utf-8" {
		t.Errorf("Content-Type header = %q", rec.HTTPHeaders["Content-Type"])
	}
	if !strings.Contains(rec.BodyPreview, "Hi") {
		t.Errorf("BodyPreview = %q, want to contain Hi", rec.BodyPreview)
	}
	if !rec.IsHTML {
		t.Errorf("IsHTML = false, want true")
	}
	if rec.BytesReturned != len(gz) {
		t.Errorf("BytesReturned = %d, want %d", rec.BytesReturned, len(gz))
	}
}

func TestParseRecordSniffsHTMLWithoutContentType(t *testing.T) {
	warcHdrs := "WARC/1.0\r\nWARC-Type: response"
	httpHdrs := "Content-Length: 20"
	body := "<html><body>x</body></html>"

	gz := gzipRecord(t, warcHdrs, httpHdrs, body)
	rec, err := parseRecord(gz, 4096)
	if err != nil {
		t.Fatalf("parseRecord: %v", err)
	}
	if !rec.IsHTML {
		t.Errorf("IsHTML = false, want true (sniffed)")
	}
}

func TestParseRecordTruncatesPreview(t *testing.T) {
	warcHdrs := "WARC/1.0\r\nWARC-Type: response"
	httpHdrs := "Content-Type: text/plain"
	body := strings.Repeat("a", 100)

	gz := gzipRecord(t, warcHdrs, httpHdrs, body)
	rec, err := parseRecord(gz, 10)
	if err != nil {
		t.Fatalf("parseRecord: %v", err)
	}
	if len(rec.BodyPreview) != 10 {
		t.Fatalf("BodyPreview length = %d, want 10", len(rec.BodyPreview))
	}
}

func TestParseRecordRejectsMissingHTTPResponse(t *testing.T) {
	warcHdrs := "WARC/1.0\r\nWARC-Type: warcinfo"
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write([]byte(warcHdrs + "\r\n\r\nnot an http response"))
	w.Close()

	if _, err := parseRecord(buf.Bytes(), 4096); err == nil {
		t.Fatalf("expected error for missing HTTP/ response")
	}
}

func TestDechunkDecodesChunkedBody(t *testing.T) {
	chunked := "4\r\nWiki\r\n5\r\npedia\r\n0\r\n\r\n"
	out, err := dechunk([]byte(chunked))
	if err != nil {
		t.Fatalf("dechunk: %v", err)
	}
	if string(out) != "Wikipedia" {
		t.Fatalf("dechunk = %q, want Wikipedia", string(out))
	}
}
