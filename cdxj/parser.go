// Package cdxj parses Common Crawl CDXJ shard files: gzip streams of
// newline-delimited records of the form "<surt> <timestamp> <json-object>".
package cdxj

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/commoncrawl/ccindex"
)

// LineKind distinguishes the sum-type cases a CDXJ line can decode to.
// Replaces the source format's duck-typed line shapes with an explicit
// discriminated union.
type LineKind int

const (
	// KindEmpty is a blank line.
	KindEmpty LineKind = iota
	// KindComment is a line starting with '#'.
	KindComment
	// KindRecord is a successfully parsed pointer record.
	KindRecord
	// KindMalformed is a line that could not be parsed; it is never
	// treated as fatal.
	KindMalformed
)

// Line is one parsed CDXJ line: exactly one of its Kind-indicated fields is
// meaningful.
type Line struct {
	Kind    LineKind
	Record  ccindex.PointerRecord
	Raw     string // set for KindMalformed, the offending raw line
	Comment string // set for KindComment
}

// cdxjFields is the subset of a CDXJ JSON object this parser understands.
// Unknown fields are ignored; this is intentionally permissive per the
// format's tolerance for extra metadata.
type cdxjFields struct {
	URL      string      `json:"url"`
	Status   json.Number `json:"status"`
	MIME     string      `json:"mime"`
	Digest   string      `json:"digest"`
	Filename string      `json:"filename"`
	Offset   json.Number `json:"offset"`
	Length   json.Number `json:"length"`
}

// Parser streams Line values out of a gzip-compressed CDXJ shard. It never
// panics on malformed input; a JSON/shape error downgrades a line to
// KindMalformed rather than aborting the shard. Only an I/O error on the
// underlying gzip stream aborts the shard (surfaced by Err after Next
// returns false).
type Parser struct {
	collection string
	shardFile  string
	gz         *gzip.Reader
	scan       *bufio.Scanner
	cur        Line
	err        error
}

// NewParser wraps r (the raw, gzip-compressed shard bytes) into a Parser.
// collection and shardFile are stamped onto every produced PointerRecord.
func NewParser(r io.Reader, collection, shardFile string) (*Parser, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindCorruptInput, "cdxj", shardFile, err)
	}
	scan := bufio.NewScanner(gz)
	// CDXJ lines embed a JSON object and can exceed bufio's default 64KiB
	// token size for shards with unusually long URLs; grow the buffer.
	buf := make([]byte, 0, 64*1024)
	scan.Buffer(buf, 8*1024*1024)
	return &Parser{collection: collection, shardFile: shardFile, gz: gz, scan: scan}, nil
}

// Next advances to the next line, returning false when the stream is
// exhausted or an I/O error occurred (check Err in that case).
func (p *Parser) Next() bool {
	if !p.scan.Scan() {
		if err := p.scan.Err(); err != nil {
			p.err = ccindex.Wrap(ccindex.KindTransientIO, "cdxj", p.shardFile, err)
		}
		return false
	}
	p.cur = p.parseLine(p.scan.Text())
	return true
}

// Line returns the most recently parsed line.
func (p *Parser) Line() Line { return p.cur }

// Err returns the first I/O error encountered, if any. A nil Err after Next
// returns false means the shard was fully and validly consumed (it may
// still contain zero KindRecord lines; that is valid per spec).
func (p *Parser) Err() error { return p.err }

// Close releases the underlying gzip reader.
func (p *Parser) Close() error { return p.gz.Close() }

func (p *Parser) parseLine(line string) Line {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Line{Kind: KindEmpty}
	}
	if strings.HasPrefix(trimmed, "#") {
		return Line{Kind: KindComment, Comment: trimmed}
	}

	surt, timestamp, rest, ok := splitHead(trimmed)
	if !ok {
		return Line{Kind: KindMalformed, Raw: line}
	}

	var fields cdxjFields
	jsonStart := strings.IndexByte(rest, '{')
	if jsonStart >= 0 {
		if err := json.Unmarshal([]byte(rest[jsonStart:]), &fields); err != nil {
			// Tolerate lines where the URL is a bare third token instead
			// of living inside the JSON object; a third token that is
			// itself the broken JSON object makes the line malformed.
			if tok, ok := thirdToken(rest); ok && !strings.HasPrefix(tok, "{") {
				fields = cdxjFields{URL: tok}
			} else {
				return Line{Kind: KindMalformed, Raw: line}
			}
		}
	} else if tok, ok := thirdToken(rest); ok {
		fields.URL = tok
	} else {
		return Line{Kind: KindMalformed, Raw: line}
	}

	if fields.URL == "" {
		return Line{Kind: KindMalformed, Raw: line}
	}

	rec := ccindex.PointerRecord{
		Collection: p.collection,
		ShardFile:  p.shardFile,
		SURT:       surt,
		Timestamp:  timestamp,
		URL:        fields.URL,
		MIME:       fields.MIME,
		Digest:     fields.Digest,
		WARCFile:   fields.Filename,
	}
	rec.Host, rec.HostRev = ccindex.NormalizeHost(fields.URL)

	if n, ok := coerceInt32(fields.Status); ok {
		rec.Status = n
		rec.HasStatus = true
	}
	offset, hasOffset := coerceInt64(fields.Offset)
	length, hasLength := coerceInt64(fields.Length)
	if hasOffset && hasLength {
		rec.WARCOffset = offset
		rec.WARCLength = length
		rec.HasWARCLoc = true
	}

	return Line{Kind: KindRecord, Record: rec}
}

// splitHead extracts the SURT and timestamp tokens that begin every
// well-formed CDXJ line, returning the remainder of the line for JSON/token
// parsing.
func splitHead(line string) (surt, timestamp, rest string, ok bool) {
	i := strings.IndexByte(line, ' ')
	if i < 0 {
		return "", "", "", false
	}
	surt = line[:i]
	remainder := strings.TrimLeft(line[i+1:], " ")
	j := strings.IndexByte(remainder, ' ')
	if j < 0 {
		return "", "", "", false
	}
	timestamp = remainder[:j]
	rest = strings.TrimLeft(remainder[j+1:], " ")
	if surt == "" || timestamp == "" || rest == "" {
		return "", "", "", false
	}
	return surt, timestamp, rest, true
}

// thirdToken returns the first whitespace-separated token of rest, used as
// a fallback URL when rest is not a JSON object.
func thirdToken(rest string) (string, bool) {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

func coerceInt32(n json.Number) (int32, bool) {
	if n == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(string(n), 10, 32)
	if err != nil {
		return 0, false
	}
	return int32(v), true
}

func coerceInt64(n json.Number) (int64, bool) {
	if n == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(string(n), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

