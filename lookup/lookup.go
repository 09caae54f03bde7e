// Package lookup implements the Lookup API: search_domain and resolve_urls,
// resolving a domain or a batch of URLs to PointerRecords across the
// master → year → collection → Parquet hierarchy. Follows the same
// shard-selection → per-shard search → aggregate shape as shards/shards.go
// and shards/aggregate.go.
package lookup

import (
	"context"
	"database/sql"
	"fmt"
	"runtime"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/commoncrawl/ccindex"
	"github.com/commoncrawl/ccindex/rowgroup"
)

// Store opens the read-only DuckDB hierarchy this package queries.
type Store struct {
	MasterDBPath string
	YearDBPath   func(year int) string
}

// SearchDomainOptions configures one search_domain call.
type SearchDomainOptions struct {
	Year          int // 0 means "search all years"
	MaxMatches    int
	PerParquetCap int
	DebugScore    bool
}

// Timing records the stage-by-stage latency breakdown callers need for
// observability.
type Timing struct {
	Setup            time.Duration
	SchemaIntrospect time.Duration
	RowGroupLookup   time.Duration
	ParquetQuery     time.Duration
	Filter           time.Duration
}

// SearchDomainResult is the ranked output of search_domain plus its timing
// breakdown.
type SearchDomainResult struct {
	Records []ccindex.ScoredRecord
	Timing  Timing
}

// SearchDomain resolves domain to an ordered list of PointerRecords, ranked
// by ccindex.RankDomainResults.
func (s *Store) SearchDomain(ctx context.Context, domain string, opts SearchDomainOptions) (SearchDomainResult, error) {
	start := time.Now()
	var result SearchDomainResult
	if opts.MaxMatches <= 0 {
		opts.MaxMatches = 100
	}
	if opts.PerParquetCap <= 0 {
		opts.PerParquetCap = opts.MaxMatches
	}
	hostRev := ccindex.HostRevPrefix(domain)
	if hostRev == "" {
		return result, ccindex.Wrap(ccindex.KindUserError, "lookup", domain, fmt.Errorf("could not derive host_rev from domain"))
	}

	yearDBs, err := s.yearDBPaths(ctx, opts.Year)
	if err != nil {
		return result, err
	}
	result.Timing.Setup = time.Since(start)

	t1 := time.Now()
	var candidates []string
	for _, yearDB := range yearDBs {
		db, err := openReadOnly(yearDB)
		if err != nil {
			return result, err
		}
		yearCandidates, err := candidateParquets(ctx, db, hostRev)
		db.Close()
		if err != nil {
			return result, err
		}
		candidates = append(candidates, yearCandidates...)
	}
	result.Timing.SchemaIntrospect = time.Since(t1)

	var all []ccindex.PointerRecord
	t2 := time.Now()
	for _, c := range candidates {
		recs, err := searchOneParquet(ctx, c, hostRev, opts.PerParquetCap)
		if err != nil {
			return result, err
		}
		all = append(all, recs...)
	}
	result.Timing.RowGroupLookup = time.Since(t2)
	result.Timing.ParquetQuery = time.Since(t2)

	t3 := time.Now()
	ranked := ccindex.RankDomainResults(all, opts.DebugScore)
	if len(ranked) > opts.MaxMatches {
		ranked = ranked[:opts.MaxMatches]
	}
	result.Timing.Filter = time.Since(t3)
	result.Records = ranked
	return result, nil
}

// yearDBPaths resolves the set of per-year DuckDB files SearchDomain must
// query: just opts.Year's if given, otherwise every year the master index's
// collection_summary knows about (cc_domain_shards only exists in per-year
// DBs, never in the master DB itself — see dbindex.BuildMasterIndex).
func (s *Store) yearDBPaths(ctx context.Context, year int) ([]string, error) {
	if year != 0 {
		if s.YearDBPath == nil {
			return nil, ccindex.Wrap(ccindex.KindUserError, "lookup", "yearDBPaths", fmt.Errorf("no YearDBPath configured"))
		}
		return []string{s.YearDBPath(year)}, nil
	}
	if s.YearDBPath == nil {
		return nil, ccindex.Wrap(ccindex.KindUserError, "lookup", "yearDBPaths", fmt.Errorf("no YearDBPath configured for an all-years search"))
	}

	db, err := openReadOnly(s.MasterDBPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `SELECT DISTINCT year FROM collection_summary ORDER BY year`)
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindSchemaMismatch, "lookup", "yearDBPaths", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var y int
		if err := rows.Scan(&y); err != nil {
			return nil, ccindex.Wrap(ccindex.KindFatal, "lookup", "yearDBPaths", err)
		}
		out = append(out, s.YearDBPath(y))
	}
	return out, rows.Err()
}

// candidateParquets finds every ShardParquet whose rows might contain
// host_rev, via an exact match or a "host_rev,%" prefix match (so a parent
// domain query also surfaces subdomains).
func candidateParquets(ctx context.Context, db *sql.DB, hostRev string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT source_path FROM cc_domain_shards
		WHERE host_rev = ? OR host_rev LIKE ? || ',%'`, hostRev, hostRev)
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindSchemaMismatch, "lookup", "candidateParquets", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, ccindex.Wrap(ccindex.KindFatal, "lookup", "candidateParquets", err)
		}
		out = append(out, path)
	}
	return out, rows.Err()
}

// searchOneParquet resolves the rows of host_rev and of its subdomains
// (host_rev followed by ",") from one Parquet file, using row-group slices
// when available and falling back to a full filtered scan.
func searchOneParquet(ctx context.Context, path, hostRev string, limit int) ([]ccindex.PointerRecord, error) {
	slices, err := rowgroup.BuildSlices(path, "")
	if err == nil {
		var out []ccindex.PointerRecord
		for _, sl := range slices {
			isSub := len(sl.HostRev) > len(hostRev) && sl.HostRev[:len(hostRev)+1] == hostRev+","
			if sl.HostRev != hostRev && !isSub {
				continue
			}
			recs, err := rowgroup.ReadSlice(path, sl, rowgroup.ToPointerRecord)
			if err != nil {
				return nil, err
			}
			out = append(out, recs...)
			if len(out) >= limit {
				return out[:limit], nil
			}
		}
		return out, nil
	}

	// Fall back to a DuckDB-filtered scan of the whole file.
	db, openErr := sql.Open("duckdb", "")
	if openErr != nil {
		return nil, ccindex.Wrap(ccindex.KindFatal, "lookup", path, openErr)
	}
	defer db.Close()

	rows, queryErr := db.QueryContext(ctx, fmt.Sprintf(`
		SELECT collection, shard_file, surt, ts, url, host, host_rev, status, mime, digest, warc_filename, warc_offset, warc_length
		FROM read_parquet('%s') WHERE host_rev = ? OR host_rev LIKE ? || ',%%' LIMIT %d`, path, limit), hostRev, hostRev)
	if queryErr != nil {
		return nil, ccindex.Wrap(ccindex.KindSchemaMismatch, "lookup", path, queryErr)
	}
	defer rows.Close()

	var out []ccindex.PointerRecord
	for rows.Next() {
		var rec ccindex.PointerRecord
		var status sql.NullInt32
		if err := rows.Scan(&rec.Collection, &rec.ShardFile, &rec.SURT, &rec.Timestamp, &rec.URL, &rec.Host, &rec.HostRev,
			&status, &rec.MIME, &rec.Digest, &rec.WARCFile, &rec.WARCOffset, &rec.WARCLength); err != nil {
			return nil, ccindex.Wrap(ccindex.KindFatal, "lookup", path, err)
		}
		if status.Valid {
			rec.Status = status.Int32
			rec.HasStatus = true
		}
		rec.HasWARCLoc = rec.WARCFile != ""
		out = append(out, rec)
	}
	return out, rows.Err()
}

func openReadOnly(path string) (*sql.DB, error) {
	db, err := sql.Open("duckdb", fmt.Sprintf("%s?access_mode=read_only", path))
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindFatal, "lookup", path, err)
	}
	return db, nil
}

// ResolveURLsOptions configures one resolve_urls call.
type ResolveURLsOptions struct {
	Year        int
	PerURLLimit int
	DebugScore  bool
}

// ResolveURLs groups urls by normalized domain and resolves each domain's
// pointer set in parallel, then filters down to the URL variants requested.
// It preserves the input URL mapping; ordering within a URL's bucket is not
// guaranteed.
func (s *Store) ResolveURLs(ctx context.Context, urls []string, opts ResolveURLsOptions) (map[string][]ccindex.PointerRecord, error) {
	if opts.PerURLLimit <= 0 {
		opts.PerURLLimit = 10
	}

	byDomain := make(map[string][]string)
	for _, u := range urls {
		host, _ := ccindex.NormalizeHost(u)
		byDomain[host] = append(byDomain[host], u)
	}

	workers := len(byDomain)
	if max := maxWorkers(); workers > max {
		workers = max
	}
	if workers < 1 {
		workers = 1
	}
	sem := semaphore.NewWeighted(int64(workers))
	g, gctx := errgroup.WithContext(ctx)

	results := make(map[string][]ccindex.PointerRecord)
	var mu sync.Mutex
	for domain, domainURLs := range byDomain {
		domain, domainURLs := domain, domainURLs
		if err := sem.Acquire(gctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			sr, err := s.SearchDomain(gctx, domain, SearchDomainOptions{Year: opts.Year, MaxMatches: 10_000, DebugScore: opts.DebugScore})
			if err != nil {
				return err
			}
			variantIndex := buildVariantIndex(sr.Records)
			mu.Lock()
			for _, u := range domainURLs {
				matches := matchVariants(variantIndex, u)
				if len(matches) > opts.PerURLLimit {
					matches = matches[:opts.PerURLLimit]
				}
				results[u] = matches
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func maxWorkers() int {
	n := runtime.NumCPU()
	if n < 2 {
		return 2
	}
	return n
}

// buildVariantIndex maps every normalized URL-variant key to its matching
// scored records, so matchVariants is an O(1) lookup per requested URL.
func buildVariantIndex(records []ccindex.ScoredRecord) map[string][]ccindex.PointerRecord {
	idx := make(map[string][]ccindex.PointerRecord)
	for _, r := range records {
		for _, key := range urlVariantKeys(r.URL) {
			idx[key] = append(idx[key], r.PointerRecord)
		}
	}
	return idx
}

func matchVariants(idx map[string][]ccindex.PointerRecord, url string) []ccindex.PointerRecord {
	seen := make(map[ccindex.PointerRecord]bool)
	var out []ccindex.PointerRecord
	for _, key := range urlVariantKeys(url) {
		for _, rec := range idx[key] {
			if !seen[rec] {
				seen[rec] = true
				out = append(out, rec)
			}
		}
	}
	return out
}

// urlVariantKeys expands a URL into the normalized forms resolve_urls must
// treat as equivalent: http/https, with/without "www.", trailing slash
// toggled.
func urlVariantKeys(rawURL string) []string {
	base := stripSchemeAndWWW(rawURL)
	withSlash := base
	withoutSlash := base
	if len(base) > 0 && base[len(base)-1] == '/' {
		withoutSlash = base[:len(base)-1]
	} else {
		withSlash = base + "/"
	}
	return []string{withSlash, withoutSlash}
}

func stripSchemeAndWWW(rawURL string) string {
	s := rawURL
	for _, prefix := range []string{"https://www.", "http://www.", "https://", "http://"} {
		if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
			s = s[len(prefix):]
			break
		}
	}
	return s
}
