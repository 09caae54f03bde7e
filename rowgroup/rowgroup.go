// Package rowgroup builds and consults the row-group slice index: for each
// sorted ShardParquet, the contiguous row ranges within each row group that
// share a single host_rev value. This is the performance-critical
// abstraction that lets the Lookup API read only the relevant portion of a
// Parquet instead of scanning it whole.
//
// The offset-table shape follows the same ngram-offset idiom the trigram
// index uses: precompute spans once so repeated lookups avoid a linear scan.
package rowgroup

import (
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/commoncrawl/ccindex"
)

// hostRevRow projects only the column this pass needs, so the scan avoids
// materializing the other twelve columns of the pointer schema.
type hostRevRow struct {
	HostRev string `parquet:"host_rev"`
}

// BuildSlices scans a sorted ShardParquet at path and returns one
// DomainSlice per contiguous run of identical host_rev values within each
// row group. Rows in a sorted ShardParquet are ordered by
// (host_rev, url, ts), so equal host_rev values are always contiguous
// within a row group; this function never needs to sort or hash.
func BuildSlices(path, collection string) ([]ccindex.DomainSlice, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "rowgroup", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "rowgroup", path, err)
	}

	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindCorruptInput, "rowgroup", path, err)
	}

	var slices []ccindex.DomainSlice
	var globalRow int64

	for rgIndex, rg := range pf.RowGroups() {
		reader := parquet.NewGenericRowGroupReader[hostRevRow](rg)
		rowsInGroup := rg.NumRows()

		var (
			curHostRev string
			curStart   int64
			haveRun    bool
			localRow   int64
		)

		buf := make([]hostRevRow, 4096)
		for localRow < rowsInGroup {
			n, readErr := reader.Read(buf)
			for i := 0; i < n; i++ {
				hr := buf[i].HostRev
				if !haveRun {
					curHostRev = hr
					curStart = localRow
					haveRun = true
				} else if hr != curHostRev {
					slices = append(slices, ccindex.DomainSlice{
						SourcePath: path,
						Collection: collection,
						HostRev:    curHostRev,
						RowGroup:   rgIndex,
						RowStart:   curStart,
						RowEnd:     localRow,
					})
					curHostRev = hr
					curStart = localRow
				}
				localRow++
			}
			globalRow += int64(n)
			if readErr != nil || n == 0 {
				break
			}
		}
		if haveRun {
			slices = append(slices, ccindex.DomainSlice{
				SourcePath: path,
				Collection: collection,
				HostRev:    curHostRev,
				RowGroup:   rgIndex,
				RowStart:   curStart,
				RowEnd:     localRow,
			})
		}
		reader.Close()
	}

	return slices, nil
}

// ReadSlice returns the PointerRecord rows of slice from path, using the
// row group and [row_start, row_end) bounds directly instead of scanning
// the whole file.
func ReadSlice(path string, slice ccindex.DomainSlice, decode func(row PointerRow) ccindex.PointerRecord) ([]ccindex.PointerRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "rowgroup", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindTransientIO, "rowgroup", path, err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, ccindex.Wrap(ccindex.KindCorruptInput, "rowgroup", path, err)
	}
	rowGroups := pf.RowGroups()
	if slice.RowGroup < 0 || slice.RowGroup >= len(rowGroups) {
		return nil, ccindex.Wrap(ccindex.KindSchemaMismatch, "rowgroup", path, errRowGroupOutOfRange)
	}
	rg := rowGroups[slice.RowGroup]

	reader := parquet.NewGenericRowGroupReader[PointerRow](rg)
	defer reader.Close()

	want := slice.RowEnd - slice.RowStart
	if want <= 0 {
		return nil, nil
	}

	if slice.RowStart > 0 {
		if err := skipRows(reader, slice.RowStart); err != nil {
			return nil, ccindex.Wrap(ccindex.KindCorruptInput, "rowgroup", path, err)
		}
	}

	buf := make([]PointerRow, want)
	n, err := reader.Read(buf)
	if err != nil && n == 0 {
		return nil, ccindex.Wrap(ccindex.KindCorruptInput, "rowgroup", path, err)
	}

	out := make([]ccindex.PointerRecord, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, decode(buf[i]))
	}
	return out, nil
}

func skipRows(reader *parquet.GenericRowGroupReader[PointerRow], n int64) error {
	const chunk = 4096
	buf := make([]PointerRow, chunk)
	for n > 0 {
		want := int64(chunk)
		if n < want {
			want = n
		}
		got, err := reader.Read(buf[:want])
		n -= int64(got)
		if err != nil && got == 0 {
			return err
		}
	}
	return nil
}

// PointerRow mirrors convert's on-disk pointer schema so callers outside
// package convert can decode a sliced read without an import cycle.
type PointerRow struct {
	Collection string `parquet:"collection"`
	ShardFile  string `parquet:"shard_file"`
	SURT       string `parquet:"surt"`
	TS         string `parquet:"ts"`
	URL        string `parquet:"url"`
	Host       string `parquet:"host"`
	HostRev    string `parquet:"host_rev"`
	Status     int32  `parquet:"status"`
	MIME       string `parquet:"mime"`
	Digest     string `parquet:"digest"`
	WARCFile   string `parquet:"warc_filename"`
	WARCOffset int64  `parquet:"warc_offset"`
	WARCLength int64  `parquet:"warc_length"`
}

// ToPointerRecord converts a decoded PointerRow back into the shared
// PointerRecord type.
func ToPointerRecord(r PointerRow) ccindex.PointerRecord {
	return ccindex.PointerRecord{
		Collection: r.Collection,
		ShardFile:  r.ShardFile,
		SURT:       r.SURT,
		Timestamp:  r.TS,
		URL:        r.URL,
		Host:       r.Host,
		HostRev:    r.HostRev,
		Status:     r.Status,
		HasStatus:  r.Status != 0,
		MIME:       r.MIME,
		Digest:     r.Digest,
		WARCFile:   r.WARCFile,
		WARCOffset: r.WARCOffset,
		WARCLength: r.WARCLength,
		HasWARCLoc: r.WARCFile != "",
	}
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const errRowGroupOutOfRange = sentinelErr("row group index out of range")
