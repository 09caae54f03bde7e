// Package ccindex holds the data model, error taxonomy, and ranking function
// shared by every CCIndex component.
package ccindex

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// ExpectedShardCount is the fixed number of cdx-*.gz shards a Common Crawl
// collection is partitioned into.
const ExpectedShardCount = 300

// Collection identifies one monthly Common Crawl crawl, e.g. "CC-MAIN-2024-10".
type Collection struct {
	ID   string
	Year int
}

// Shard is one cdx-NNNNN.gz file belonging to a Collection.
type Shard struct {
	Collection string
	Index      int // N in cdx-NNNNN.gz, in [0, ExpectedShardCount)
	Path       string
}

// Name returns the canonical "cdx-NNNNN.gz" basename for the shard.
func (s Shard) Name() string {
	return shardName(s.Index)
}

func shardName(index int) string {
	return fmt.Sprintf("cdx-%05d.gz", index)
}

// PointerRecord is one CDXJ row: the location of a single WARC capture.
//
// (WARCFile, WARCOffset, WARCLength) uniquely identifies a capture.
type PointerRecord struct {
	Collection  string
	ShardFile   string
	SURT        string
	Timestamp   string // YYYYMMDDhhmmss
	URL         string
	Host        string // lowercased, "www." stripped
	HostRev     string // dot-reversed, comma-joined host, e.g. "gov,18f"
	Status      int32  // 0 means "absent" (CDXJ status was missing/non-numeric)
	HasStatus   bool
	MIME        string
	Digest      string
	WARCFile    string
	WARCOffset  int64
	WARCLength  int64
	HasWARCLoc  bool
}

// ShardParquet describes the columnar materialization of one Shard.
//
// During the pipeline two filenames may coexist: Path (unsorted,
// "<shard>.gz.parquet") and SortedPath ("<shard>.gz.sorted.parquet"). After
// Stage 3 only the sorted variant should remain. Empty indicates the source
// shard legitimately produced zero rows, recorded via a "*.parquet.empty"
// sidecar instead of a Parquet file.
type ShardParquet struct {
	Collection string
	ShardFile  string
	Path       string
	SortedPath string
	Empty      bool
}

// DomainSlice is a contiguous row range within one row group of a sorted
// ShardParquet, all sharing a common host_rev value.
type DomainSlice struct {
	SourcePath string
	Collection string
	HostRev    string
	RowGroup   int
	RowStart   int64
	RowEnd     int64 // exclusive
}

// IngestedFileLedgerEntry is one row of the per-collection ingestion ledger,
// used to make Stage 4 (indexing) resumable.
type IngestedFileLedgerEntry struct {
	Path       string
	SizeBytes  int64
	MtimeNanos int64
	IngestedAt time.Time
	Rows       int64
}

// RunState is the Orchestrator's per-collection state machine position. It
// is never persisted as its own table: the Validator re-derives it from the
// filesystem and DuckDB state on every run.
type RunState int

const (
	StateNew RunState = iota
	StateDownloaded
	StateConverted
	StateSorted
	StateIndexed
	StateComplete
	StateFailed
)

func (s RunState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateDownloaded:
		return "DOWNLOADED"
	case StateConverted:
		return "CONVERTED"
	case StateSorted:
		return "SORTED"
	case StateIndexed:
		return "INDEXED"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// HealStrategy names one step of the auto-heal escalation chain.
type HealStrategy int

const (
	HealRetrySame HealStrategy = iota
	HealReconvert
	HealRedownload
)

func (h HealStrategy) String() string {
	switch h {
	case HealRetrySame:
		return "retry-same"
	case HealReconvert:
		return "reconvert"
	case HealRedownload:
		return "redownload"
	default:
		return "unknown"
	}
}

// HealAttempt records one auto-heal retry. Attempts are kept in memory
// during a run and returned in orchestrate.Result.HealAttempts; they are not
// written to a file.
type HealAttempt struct {
	Collection string       `json:"collection"`
	ShardFile  string       `json:"shard_file"`
	Stage      string       `json:"stage"`
	Attempt    int          `json:"attempt"`
	Strategy   HealStrategy `json:"-"`
	StrategyS  string       `json:"strategy"`
	StartedAt  time.Time    `json:"started_at"`
	Outcome    string       `json:"outcome"` // "ok" | "failed"
}

// CollectionCompleteness is the Validator's report for one collection.
type CollectionCompleteness struct {
	Collection        string
	TarGzCount        int
	TarGzExpected     int
	ParquetCount      int
	ParquetExpected   int
	SortedCount       int
	DuckDBIndexExists bool
	DuckDBIndexSorted bool
	Complete          bool
}

// Job is a running or completed Orchestrator subprocess launched by the Job
// Manager.
type Job struct {
	PID       int       `json:"pid"`
	Label     string    `json:"label"`
	LogPath   string    `json:"log_path"`
	Cmd       []string  `json:"cmd"`
	StartedAt time.Time `json:"started_at"`
}

// CatalogEntry is one row of the cached collinfo.json manifest.
type CatalogEntry struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TimeRange string    `json:"timeRange,omitempty"`
	CDXAPI    string    `json:"cdx-api,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	FetchedAt time.Time `json:"-"`
}

// RangeCacheKey derives the on-disk cache key for a WARC byte range:
// sha256("range:" + warcURL + "|" + start + "|" + endInclusive).
func RangeCacheKey(warcURL string, start, endInclusive int64) string {
	h := sha256.Sum256([]byte("range:" + warcURL + "|" + strconv.FormatInt(start, 10) + "|" + strconv.FormatInt(endInclusive, 10)))
	return hex.EncodeToString(h[:])
}
