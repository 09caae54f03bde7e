// Package catalog caches the Common Crawl collections manifest
// (collinfo.json) on disk so the orchestrator's collection filters and any
// enumeration UI can work offline. Follows the same "fetch remote manifest,
// filter, act" shape as the mirror-sync commands: fetch-and-cache plus
// offline filters by year or exact collection id.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/commoncrawl/ccindex"
)

const defaultManifestURL = "https://index.commoncrawl.org/collinfo.json"

// Catalog reads and refreshes a cached collections manifest.
type Catalog struct {
	cachePath   string
	manifestURL string
	client      *retryablehttp.Client
}

// Options configures a Catalog.
type Options struct {
	CachePath   string // required
	ManifestURL string // defaults to the public CC collinfo.json endpoint
	HTTPClient  *retryablehttp.Client
}

// New builds a Catalog backed by opts.CachePath.
func New(opts Options) *Catalog {
	client := opts.HTTPClient
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = nil
	}
	url := opts.ManifestURL
	if url == "" {
		url = defaultManifestURL
	}
	return &Catalog{cachePath: opts.CachePath, manifestURL: url, client: client}
}

// Load returns the cached manifest, or an empty list if no cache file
// exists yet. An absent cache is not an error: callers degrade to an
// empty result rather than fail an offline listing.
func (c *Catalog) Load() ([]ccindex.CatalogEntry, error) {
	b, err := os.ReadFile(c.cachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "catalog", c.cachePath, err)
	}

	var entries []ccindex.CatalogEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, ccindex.Wrap(ccindex.KindCorruptInput, "catalog", c.cachePath, err)
	}
	return entries, nil
}

// Refresh fetches the remote manifest and atomically replaces the cache
// file, returning the freshly fetched entries.
func (c *Catalog) Refresh(ctx context.Context) ([]ccindex.CatalogEntry, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.manifestURL, nil)
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindFatal, "catalog", c.manifestURL, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "catalog", c.manifestURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "catalog", c.manifestURL,
			fmt.Errorf("manifest fetch returned status %d", resp.StatusCode))
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "catalog", c.manifestURL, err)
	}

	var entries []ccindex.CatalogEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, ccindex.Wrap(ccindex.KindCorruptInput, "catalog", c.manifestURL, err)
	}
	now := time.Now()
	for i := range entries {
		entries[i].FetchedAt = now
	}

	if err := c.writeCache(b); err != nil {
		return nil, err
	}
	return entries, nil
}

func (c *Catalog) writeCache(raw []byte) error {
	dir := filepath.Dir(c.cachePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ccindex.Wrap(ccindex.KindTransientIO, "catalog", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(c.cachePath)+".tmp-*")
	if err != nil {
		return ccindex.Wrap(ccindex.KindTransientIO, "catalog", c.cachePath, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return ccindex.Wrap(ccindex.KindTransientIO, "catalog", c.cachePath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return ccindex.Wrap(ccindex.KindTransientIO, "catalog", c.cachePath, err)
	}
	if err := os.Rename(tmp.Name(), c.cachePath); err != nil {
		os.Remove(tmp.Name())
		return ccindex.Wrap(ccindex.KindTransientIO, "catalog", c.cachePath, err)
	}
	return nil
}

// FilterByYear returns entries whose ID embeds the given year, e.g.
// "CC-MAIN-2024-10" for year 2024.
func FilterByYear(entries []ccindex.CatalogEntry, year int) []ccindex.CatalogEntry {
	needle := "CC-MAIN-" + strconv.Itoa(year)
	var out []ccindex.CatalogEntry
	for _, e := range entries {
		if strings.HasPrefix(e.ID, needle) {
			out = append(out, e)
		}
	}
	return out
}

// FilterByID returns the single entry whose ID matches exactly, or nil if
// absent.
func FilterByID(entries []ccindex.CatalogEntry, id string) *ccindex.CatalogEntry {
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i]
		}
	}
	return nil
}

// SortedByID returns a copy of entries sorted ascending by ID, for stable
// UI enumeration.
func SortedByID(entries []ccindex.CatalogEntry) []ccindex.CatalogEntry {
	out := make([]ccindex.CatalogEntry, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
