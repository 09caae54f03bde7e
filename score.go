// Copyright 2016 Google Inc. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ccindex

import (
	"fmt"
	"strings"
)

// Ranking weights for search_domain.
const (
	scoreWARCPath         = 4.0
	scoreCrawlDiagnostics = -4.0
	scoreStatusOK         = 2.0
	scoreMimeHTML         = 1.0
)

// ScoredRecord pairs a PointerRecord with its ranking score and, when
// requested, a human-readable breakdown of how the score was assembled.
type ScoredRecord struct {
	PointerRecord
	Score float64
	Debug string
}

// addScore increments the accumulated score by computed and, when
// debugScore is true, appends a breakdown entry to Debug.
func (r *ScoredRecord) addScore(what string, computed float64, debugScore bool) {
	if computed != 0 && debugScore {
		var b strings.Builder
		fmt.Fprintf(&b, "%s:%.2f, ", what, computed)
		r.Debug += b.String()
	}
	r.Score += computed
}

// scoreDomainResult computes the ranking score for one candidate pointer
// record in a search_domain result set:
//
//	WARC path contains "/warc/"           +4
//	WARC path contains "crawldiagnostics" -4
//	status == 200                         +2
//	mime starts with "text/html"          +1
//	tie-break: descending timestamp (applied by the caller, not here)
func scoreDomainResult(rec PointerRecord, debugScore bool) ScoredRecord {
	out := ScoredRecord{PointerRecord: rec}

	if strings.Contains(rec.WARCFile, "/warc/") {
		out.addScore("warc-path", scoreWARCPath, debugScore)
	}
	if strings.Contains(rec.WARCFile, "crawldiagnostics") {
		out.addScore("crawldiagnostics", scoreCrawlDiagnostics, debugScore)
	}
	if rec.HasStatus && rec.Status == 200 {
		out.addScore("status-200", scoreStatusOK, debugScore)
	}
	if strings.HasPrefix(rec.MIME, "text/html") {
		out.addScore("mime-html", scoreMimeHTML, debugScore)
	}

	if debugScore {
		out.Debug = fmt.Sprintf("score: %.2f <- %s", out.Score, strings.TrimSuffix(out.Debug, ", "))
	}
	return out
}

// RankDomainResults scores every candidate record and returns them ordered
// by descending score, tie-broken by descending timestamp.
func RankDomainResults(records []PointerRecord, debugScore bool) []ScoredRecord {
	scored := make([]ScoredRecord, len(records))
	for i, rec := range records {
		scored[i] = scoreDomainResult(rec, debugScore)
	}
	sortScoredRecords(scored)
	return scored
}

func sortScoredRecords(recs []ScoredRecord) {
	// Insertion sort: stable, quadratic in len(recs). lookup.SearchDomain
	// ranks every record it collected (up to PerParquetCap per candidate
	// Parquet) and applies MaxMatches only afterwards.
	for i := 1; i < len(recs); i++ {
		j := i
		for j > 0 && less(recs[j], recs[j-1]) {
			recs[j], recs[j-1] = recs[j-1], recs[j]
			j--
		}
	}
}

func less(a, b ScoredRecord) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Timestamp > b.Timestamp
}
