package ccindex

import "testing"

func TestScoreDomainResultSignals(t *testing.T) {
	cases := []struct {
		name string
		rec  PointerRecord
		want float64
	}{
		{
			name: "plain 200 html warc path",
			rec: PointerRecord{
				WARCFile: "crawl-data/CC-MAIN-2024-10/segments/x/warc/y.warc.gz",
				Status:   200, HasStatus: true,
				MIME: "text/html; charset=UTF-8",
			},
			want: scoreWARCPath + scoreStatusOK + scoreMimeHTML,
		},
		{
			name: "crawldiagnostics penalized",
			rec: PointerRecord{
				WARCFile: "crawl-data/CC-MAIN-2024-10/segments/x/crawldiagnostics/y.warc.gz",
				Status:   200, HasStatus: true,
			},
			want: scoreCrawlDiagnostics + scoreStatusOK,
		},
		{
			name: "non-200 no html",
			rec: PointerRecord{
				WARCFile: "segments/x/warc/y.warc.gz",
				Status:   404, HasStatus: true,
				MIME: "application/pdf",
			},
			want: scoreWARCPath,
		},
		{
			name: "no signals at all",
			rec:  PointerRecord{WARCFile: "segments/x/other/y.warc.gz"},
			want: 0,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := scoreDomainResult(tc.rec, false)
			if got.Score != tc.want {
				t.Fatalf("score = %v, want %v", got.Score, tc.want)
			}
		})
	}
}

func TestRankDomainResultsOrdersByScoreThenTimestamp(t *testing.T) {
	records := []PointerRecord{
		{URL: "a", WARCFile: "segments/x/other/y.warc.gz", Timestamp: "20240101000000"},
		{URL: "b", WARCFile: "segments/x/warc/y.warc.gz", Status: 200, HasStatus: true, Timestamp: "20240101000000"},
		{URL: "c", WARCFile: "segments/x/warc/y.warc.gz", Status: 200, HasStatus: true, Timestamp: "20240201000000"},
	}

	ranked := RankDomainResults(records, false)
	if len(ranked) != 3 {
		t.Fatalf("len(ranked) = %d, want 3", len(ranked))
	}
	if ranked[0].URL != "c" || ranked[1].URL != "b" || ranked[2].URL != "a" {
		got := []string{ranked[0].URL, ranked[1].URL, ranked[2].URL}
		t.Fatalf("ranked order = %v, want [c b a]", got)
	}
}

func TestAddScoreDebugString(t *testing.T) {
	rec := ScoredRecord{PointerRecord: PointerRecord{URL: "x"}}
	rec.addScore("warc-path", scoreWARCPath, true)
	if rec.Score != scoreWARCPath {
		t.Fatalf("Score = %v, want %v", rec.Score, scoreWARCPath)
	}
	if rec.Debug == "" {
		t.Fatalf("Debug string not populated when debugScore is true")
	}
}
