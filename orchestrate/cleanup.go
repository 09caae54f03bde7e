package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/commoncrawl/ccindex"
	"github.com/commoncrawl/ccindex/validate"
)

// Cleanup removes duplicate unsorted Parquets, zero-byte Parquets, and
// empty temp dirs for a COMPLETE collection. dryRun logs the plan and
// estimated byte total without deleting anything. Source cdx-*.gz archives
// are also deleted: the Validator excludes tar_gz_count from completeness,
// so source retention is not a hard safety floor — the freed byte total is
// always logged so an operator can audit deletions after the fact.
func Cleanup(ctx context.Context, collection string, paths validate.Paths, dryRun bool, logger *slog.Logger) error {
	candidates, err := planCleanup(collection, paths)
	if err != nil {
		return err
	}

	var totalBytes int64
	for _, c := range candidates {
		totalBytes += c.size
	}

	if dryRun {
		for _, c := range candidates {
			logger.Info("cleanup (dry-run): would remove", "path", c.path, "bytes", c.size)
		}
		logger.Info("cleanup (dry-run) summary", "collection", collection, "candidates", len(candidates),
			"estimated_bytes", totalBytes, "estimated", humanize.Bytes(uint64(totalBytes)))
		return nil
	}

	removed := 0
	var freedBytes int64
	for _, c := range candidates {
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			return ccindex.Wrap(ccindex.KindTransientIO, "orchestrate", c.path, err)
		}
		removed++
		freedBytes += c.size
	}
	logger.Info("cleanup complete", "collection", collection, "removed", removed,
		"freed_bytes", freedBytes, "freed", humanize.Bytes(uint64(freedBytes)))
	return nil
}

type cleanupCandidate struct {
	path string
	size int64
}

func planCleanup(collection string, paths validate.Paths) ([]cleanupCandidate, error) {
	var out []cleanupCandidate

	for i := 0; i < ccindex.ExpectedShardCount; i++ {
		shard := ccindex.Shard{Collection: collection, Index: i}
		sortedPath := filepath.Join(paths.ParquetDir, shard.Name()+".sorted.parquet")
		unsortedPath := filepath.Join(paths.ParquetDir, shard.Name()+".parquet")

		if info, err := os.Stat(unsortedPath); err == nil {
			if _, sortedErr := os.Stat(sortedPath); sortedErr == nil {
				// A sorted twin exists; the unsorted copy is a duplicate.
				out = append(out, cleanupCandidate{unsortedPath, info.Size()})
			} else if info.Size() == 0 {
				out = append(out, cleanupCandidate{unsortedPath, 0})
			}
		}

		sourcePath := filepath.Join(paths.SourceDir, shard.Name())
		if info, err := os.Stat(sourcePath); err == nil {
			out = append(out, cleanupCandidate{sourcePath, info.Size()})
		}
	}

	emptyDirs, err := findEmptyDirs(paths.ParquetDir)
	if err != nil {
		return nil, err
	}
	for _, d := range emptyDirs {
		out = append(out, cleanupCandidate{d, 0})
	}

	return out, nil
}

func findEmptyDirs(root string) ([]string, error) {
	var empty []string
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "orchestrate", root, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(root, e.Name())
		subEntries, err := os.ReadDir(sub)
		if err != nil {
			continue
		}
		if len(subEntries) == 0 {
			empty = append(empty, sub)
		}
	}
	return empty, nil
}

// CheckDiskSpace returns a *ccindex.Error with KindResourceExhaustion if
// free disk space under path is below minFreeBytes. Called up front by the
// driving loop, which halts the whole run on this error rather than just
// failing one collection.
func CheckDiskSpace(ctx context.Context, path string, minFreeBytes uint64) error {
	free, err := freeDiskBytes(path)
	if err != nil {
		return ccindex.Wrap(ccindex.KindFatal, "orchestrate", path, err)
	}
	if free < minFreeBytes {
		return ccindex.Wrap(ccindex.KindResourceExhaustion, "orchestrate", path,
			fmt.Errorf("free disk %s below required minimum %s", humanize.Bytes(free), humanize.Bytes(minFreeBytes)))
	}
	return nil
}
