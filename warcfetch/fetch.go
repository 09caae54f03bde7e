// Package warcfetch retrieves a single WARC record via HTTP Range GET,
// with on-disk range and full-WARC caching, and parses the record's WARC
// and embedded HTTP envelopes. Follows the retryablehttp client shape from
// cmd/zoekt-sourcegraph-indexserver/sg.go for the HTTP side, and the
// atomic-write / sanitize-path discipline from pkg/storage/local for the
// cache side.
package warcfetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/commoncrawl/ccindex"
)

const (
	defaultBaseURL  = "https://data.commoncrawl.org"
	fileMode        = 0o644
	dirMode         = 0o755
	defaultMaxItem  = 64 << 20 // 64MiB; ranges larger than this are never cached
	defaultTextPrev = 4096
)

// CacheMode selects whether FetchRecord may satisfy a request from a
// previously cached full WARC file instead of issuing a Range GET.
type CacheMode int

const (
	// CacheModeRange only consults/populates the per-range cache.
	CacheModeRange CacheMode = iota
	// CacheModeFull also consults a locally cached full *.warc.gz, seeking
	// directly into it when present.
	CacheModeFull
)

// Options configures a Fetcher.
type Options struct {
	BaseURL          string // defaults to https://data.commoncrawl.org
	RangeCacheDir    string // empty disables the range cache
	FullWarcCacheDir string // empty disables the full-WARC cache
	MaxItemBytes     int64  // ranges above this are never written to the range cache
	TextPreviewChars int
	HTTPClient       *retryablehttp.Client
}

// Fetcher retrieves and parses WARC records by byte range.
type Fetcher struct {
	baseURL      string
	rangeDir     string
	fullWarcDir  string
	maxItemBytes int64
	previewChars int
	client       *retryablehttp.Client
}

// NewFetcher builds a Fetcher from opts, filling in the same defaults the
// teacher's newSourcegraphClient applies to its retryablehttp.Client.
func NewFetcher(opts Options) *Fetcher {
	client := opts.HTTPClient
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	maxItem := opts.MaxItemBytes
	if maxItem <= 0 {
		maxItem = defaultMaxItem
	}
	preview := opts.TextPreviewChars
	if preview <= 0 {
		preview = defaultTextPrev
	}
	return &Fetcher{
		baseURL:      baseURL,
		rangeDir:     opts.RangeCacheDir,
		fullWarcDir:  opts.FullWarcCacheDir,
		maxItemBytes: maxItem,
		previewChars: preview,
		client:       client,
	}
}

// FetchOptions configures a single FetchRecord call.
type FetchOptions struct {
	CacheMode CacheMode
}

// FetchRecord retrieves bytes [offset, offset+length) of warcFilename
// (relative to the Fetcher's BaseURL), preferring a cached full WARC, then
// a cached range, then an HTTP Range GET, and parses the result into a
// ParsedRecord.
func (f *Fetcher) FetchRecord(ctx context.Context, warcFilename string, offset, length int64, opts FetchOptions) (*ParsedRecord, error) {
	if length <= 0 {
		return nil, ccindex.Wrap(ccindex.KindUserError, "warcfetch", warcFilename, fmt.Errorf("length must be positive, got %d", length))
	}
	endInclusive := offset + length - 1

	raw, err := f.fetchRange(ctx, warcFilename, offset, endInclusive, opts)
	if err != nil {
		return nil, err
	}

	return parseRecord(raw, f.previewChars)
}

func (f *Fetcher) fetchRange(ctx context.Context, warcFilename string, start, endInclusive int64, opts FetchOptions) ([]byte, error) {
	wantBytes := endInclusive - start + 1

	if opts.CacheMode == CacheModeFull && f.fullWarcDir != "" {
		if b, ok, err := f.readFromFullWarcCache(warcFilename, start, wantBytes); err != nil {
			return nil, err
		} else if ok {
			return b, nil
		}
	}

	if f.rangeDir != "" {
		if b, ok, err := f.readRangeCache(warcFilename, start, endInclusive, wantBytes); err != nil {
			return nil, err
		} else if ok {
			return b, nil
		}
	}

	b, err := f.httpRangeGet(ctx, warcFilename, start, endInclusive)
	if err != nil {
		return nil, err
	}

	if f.rangeDir != "" && wantBytes <= f.maxItemBytes {
		if err := f.writeRangeCache(warcFilename, start, endInclusive, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (f *Fetcher) httpRangeGet(ctx context.Context, warcFilename string, start, endInclusive int64) ([]byte, error) {
	u := strings.TrimSuffix(f.baseURL, "/") + "/" + strings.TrimPrefix(warcFilename, "/")
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindFatal, "warcfetch", warcFilename, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, endInclusive))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", warcFilename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return nil, ccindex.Wrap(ccindex.KindCorruptInput, "warcfetch", warcFilename,
			fmt.Errorf("range GET returned status %d, want 206", resp.StatusCode))
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", warcFilename, err)
	}
	return b, nil
}

// DownloadCDXShard fetches collection's shard.Name() index file (a whole
// cdx-NNNNN.gz, not a WARC byte range) from the Common Crawl index prefix
// and writes it to destPath, for the Orchestrator's Downloader interface.
// It reuses the Fetcher's retryablehttp client rather than opening a second
// HTTP client just for this one GET.
func (f *Fetcher) DownloadCDXShard(ctx context.Context, collection string, shard ccindex.Shard, destPath string) error {
	u := fmt.Sprintf("%s/cc-index/collections/%s/indexes/%s", strings.TrimSuffix(f.baseURL, "/"), collection, shard.Name())
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ccindex.Wrap(ccindex.KindFatal, "warcfetch", u, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", u, fmt.Errorf("shard GET returned status %d", resp.StatusCode))
	}

	if err := os.MkdirAll(filepath.Dir(destPath), dirMode); err != nil {
		return ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", destPath, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), filepath.Base(destPath)+".tmp-*")
	if err != nil {
		return ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", destPath, err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", destPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", destPath, err)
	}
	if err := os.Rename(tmp.Name(), destPath); err != nil {
		os.Remove(tmp.Name())
		return ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", destPath, err)
	}
	return os.Chmod(destPath, fileMode)
}

func (f *Fetcher) rangeCachePath(warcFilename string, start, endInclusive int64) string {
	key := ccindex.RangeCacheKey(warcFilename, start, endInclusive)
	return filepath.Join(f.rangeDir, key+".bin")
}

// readRangeCache returns the cached bytes for this exact range. Per the
// cache-validity invariant, the cache is trusted only when the file's size
// matches the requested byte count exactly; any mismatch is treated as a
// miss, not an error, so a truncated or corrupt cache entry self-heals via
// the normal fetch-then-overwrite path.
func (f *Fetcher) readRangeCache(warcFilename string, start, endInclusive, wantBytes int64) ([]byte, bool, error) {
	path := f.rangeCachePath(warcFilename, start, endInclusive)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", path, err)
	}
	if info.Size() != wantBytes {
		return nil, false, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, false, ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", path, err)
	}
	return b, true, nil
}

func (f *Fetcher) writeRangeCache(warcFilename string, start, endInclusive int64, b []byte) error {
	if err := os.MkdirAll(f.rangeDir, dirMode); err != nil {
		return ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", f.rangeDir, err)
	}
	path := f.rangeCachePath(warcFilename, start, endInclusive)
	return atomicWrite(path, b)
}

// fullWarcCachePath names a cached full *.warc.gz with a 16-hex prefix of
// the source-URL hash plus the original basename, so collisions on
// duplicate basenames across collections can't happen.
func (f *Fetcher) fullWarcCachePath(warcFilename string) string {
	h := sha256.Sum256([]byte(warcFilename))
	prefix := hex.EncodeToString(h[:])[:16]
	return filepath.Join(f.fullWarcDir, prefix+"__"+filepath.Base(warcFilename))
}

func (f *Fetcher) readFromFullWarcCache(warcFilename string, start, wantBytes int64) ([]byte, bool, error) {
	path := f.fullWarcCachePath(warcFilename)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", path, err)
	}
	defer file.Close()

	if _, err := file.Seek(start, io.SeekStart); err != nil {
		return nil, false, ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", path, err)
	}
	buf := make([]byte, wantBytes)
	if _, err := io.ReadFull(file, buf); err != nil {
		return nil, false, ccindex.Wrap(ccindex.KindCorruptInput, "warcfetch", path, err)
	}
	return buf, true, nil
}

// PutFullWarc caches warcURL's full body under the full-WARC cache
// directory, for callers that want to prefetch a whole segment (e.g. a bulk
// re-crawl of one domain) instead of paying a Range GET per record.
func (f *Fetcher) PutFullWarc(ctx context.Context, warcFilename string, body io.Reader) (int64, error) {
	if f.fullWarcDir == "" {
		return 0, ccindex.Wrap(ccindex.KindUserError, "warcfetch", warcFilename, fmt.Errorf("full-WARC cache is disabled"))
	}
	if err := os.MkdirAll(f.fullWarcDir, dirMode); err != nil {
		return 0, ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", f.fullWarcDir, err)
	}
	path := f.fullWarcCachePath(warcFilename)
	tmp, err := os.CreateTemp(f.fullWarcDir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return 0, ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", f.fullWarcDir, err)
	}
	written, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", warcFilename, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", warcFilename, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", warcFilename, err)
	}
	return written, nil
}

func atomicWrite(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", path, err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", path, err)
	}
	return os.Chmod(path, fileMode)
}

// EvictOldest deletes range-cache files, oldest mtime first, until the
// directory's total size is at or below maxTotalBytes. It is a no-op when
// the range cache is disabled.
func (f *Fetcher) EvictOldest(maxTotalBytes int64) error {
	if f.rangeDir == "" {
		return nil
	}
	entries, err := os.ReadDir(f.rangeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", f.rangeDir, err)
	}

	type fileInfo struct {
		path    string
		size    int64
		modTime time.Time
	}
	var files []fileInfo
	var total int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(f.rangeDir, e.Name())
		files = append(files, fileInfo{path: path, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}
	if total <= maxTotalBytes {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	for _, fi := range files {
		if total <= maxTotalBytes {
			break
		}
		if err := os.Remove(fi.path); err != nil && !os.IsNotExist(err) {
			return ccindex.Wrap(ccindex.KindTransientIO, "warcfetch", fi.path, err)
		}
		total -= fi.size
	}
	return nil
}
