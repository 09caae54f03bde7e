package warcfetch

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"

	"github.com/commoncrawl/ccindex"
)

// ParsedRecord is the fully decoded result of fetching one WARC record: the
// raw gzip-member bytes plus its WARC envelope, embedded HTTP response, and
// a decoded text preview of the body.
type ParsedRecord struct {
	RawBase64     string
	BytesReturned int
	SHA256        string
	WARCHeaders   map[string]string
	HTTPStatus    int
	HTTPStatusLn  string
	HTTPHeaders   map[string]string
	BodyPreview   string
	IsHTML        bool
}

// parseRecord decompresses one gzip member containing a WARC record,
// splits its WARC header block from the embedded HTTP response, splits the
// HTTP response's headers from its body, decodes chunked transfer-encoding
// if present, and builds a text preview of the body truncated to
// previewChars runes.
func parseRecord(gzMember []byte, previewChars int) (*ParsedRecord, error) {
	sum := sha256.Sum256(gzMember)

	decompressed, err := gunzip(gzMember)
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindCorruptInput, "warcfetch", "gunzip", err)
	}

	warcHeaders, rest, err := splitEnvelope(decompressed)
	if err != nil {
		return nil, err
	}

	httpStart := bytes.Index(rest, []byte("HTTP/"))
	if httpStart < 0 {
		return nil, ccindex.Wrap(ccindex.KindCorruptInput, "warcfetch", "split-envelope", fmt.Errorf("no embedded HTTP/ response found"))
	}
	httpBlock := rest[httpStart:]

	statusLine, httpHeaders, body, err := splitHTTPResponse(httpBlock)
	if err != nil {
		return nil, err
	}

	if enc := httpHeaders["Transfer-Encoding"]; strings.EqualFold(enc, "chunked") {
		body, err = dechunk(body)
		if err != nil {
			return nil, ccindex.Wrap(ccindex.KindCorruptInput, "warcfetch", "dechunk", err)
		}
	}

	status, statusText := parseStatusLine(statusLine)

	preview := decodeBodyPreview(body, httpHeaders["Content-Type"], previewChars)

	return &ParsedRecord{
		RawBase64:     base64.StdEncoding.EncodeToString(gzMember),
		BytesReturned: len(gzMember),
		SHA256:        hex.EncodeToString(sum[:]),
		WARCHeaders:   warcHeaders,
		HTTPStatus:    status,
		HTTPStatusLn:  statusText,
		HTTPHeaders:   httpHeaders,
		BodyPreview:   preview,
		IsHTML:        isHTML(httpHeaders["Content-Type"], body),
	}, nil
}

func gunzip(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// splitEnvelope separates a WARC record's header block (terminated by
// "\r\n\r\n" or, tolerating non-conformant producers, a bare "\n\n") from
// the record's content block.
func splitEnvelope(b []byte) (headers map[string]string, rest []byte, err error) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(b, sep)
	sepLen := len(sep)
	if idx < 0 {
		sep = []byte("\n\n")
		idx = bytes.Index(b, sep)
		sepLen = len(sep)
	}
	if idx < 0 {
		return nil, nil, ccindex.Wrap(ccindex.KindCorruptInput, "warcfetch", "split-envelope", fmt.Errorf("no WARC header terminator found"))
	}

	headers, err = parseHeaderBlock(b[:idx])
	if err != nil {
		return nil, nil, err
	}
	return headers, b[idx+sepLen:], nil
}

// splitHTTPResponse parses httpBlock as an HTTP/1.x response: a status
// line, a header block, and the remaining bytes as the body.
func splitHTTPResponse(httpBlock []byte) (statusLine string, headers map[string]string, body []byte, err error) {
	sep := []byte("\r\n\r\n")
	idx := bytes.Index(httpBlock, sep)
	sepLen := len(sep)
	if idx < 0 {
		sep = []byte("\n\n")
		idx = bytes.Index(httpBlock, sep)
		sepLen = len(sep)
	}
	if idx < 0 {
		return "", nil, nil, ccindex.Wrap(ccindex.KindCorruptInput, "warcfetch", "split-http", fmt.Errorf("no HTTP header terminator found"))
	}

	headerBlock := httpBlock[:idx]
	body = httpBlock[idx+sepLen:]

	lineEnd := bytes.IndexByte(headerBlock, '\n')
	if lineEnd < 0 {
		statusLine = strings.TrimRight(string(headerBlock), "\r\n")
		headerBlock = nil
	} else {
		statusLine = strings.TrimRight(string(headerBlock[:lineEnd]), "\r")
		headerBlock = headerBlock[lineEnd+1:]
	}

	headers, err = parseHeaderBlock(headerBlock)
	if err != nil {
		return "", nil, nil, err
	}
	return statusLine, headers, body, nil
}

func parseHeaderBlock(b []byte) (map[string]string, error) {
	out := make(map[string]string)
	if len(b) == 0 {
		return out, nil
	}
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(b)))
	for {
		line, err := tp.ReadLine()
		if err != nil {
			break
		}
		if line == "" {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(line[:i]))
		out[key] = strings.TrimSpace(line[i+1:])
	}
	return out, nil
}

func parseStatusLine(line string) (code int, text string) {
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, line
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, line
	}
	return n, line
}

// dechunk decodes an HTTP/1.1 chunked-encoded body.
func dechunk(body []byte) ([]byte, error) {
	cr := httputil.NewChunkedReader(bytes.NewReader(body))
	return io.ReadAll(cr)
}

// decodeBodyPreview decodes body's first previewChars runes as text, using
// the charset named in contentType when present, falling back to UTF-8
// with invalid sequences replaced.
func decodeBodyPreview(body []byte, contentType string, previewChars int) string {
	charset := "utf-8"
	if contentType != "" {
		if _, params, err := mime.ParseMediaType(contentType); err == nil {
			if cs, ok := params["charset"]; ok && cs != "" {
				charset = strings.ToLower(cs)
			}
		}
	}

	decoded := body
	if charset != "utf-8" && charset != "utf8" {
		if enc, err := htmlindex.Get(charset); err == nil {
			if d, err := enc.NewDecoder().Bytes(body); err == nil {
				decoded = d
			}
		}
	}

	s := sanitizeUTF8(decoded)
	return truncateRunes(s, previewChars)
}

func sanitizeUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	var sb strings.Builder
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			sb.WriteRune(utf8.RuneError)
			b = b[1:]
			continue
		}
		sb.WriteRune(r)
		b = b[size:]
	}
	return sb.String()
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		count++
		if count > n {
			return s[:i]
		}
	}
	return s
}

// isHTML reports whether the body looks like HTML: true when contentType
// names an HTML media type, otherwise decided by a doctype/tag sniff of the
// first 512 bytes of body.
func isHTML(contentType string, body []byte) bool {
	if contentType != "" {
		if mt, _, err := mime.ParseMediaType(contentType); err == nil {
			if strings.HasPrefix(mt, "text/html") || strings.HasPrefix(mt, "application/xhtml") {
				return true
			}
		}
	}
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	lower := strings.ToLower(string(head))
	return strings.Contains(lower, "<!doctype html") || strings.Contains(lower, "<html")
}
