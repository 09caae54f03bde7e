package orchestrate

import (
	"context"
	"errors"
	"testing"

	"github.com/commoncrawl/ccindex"
)

func TestHealerSucceedsOnFirstStrategy(t *testing.T) {
	h := &Healer{Collection: "CC-MAIN-2024-10", ShardFile: "cdx-00001.gz", Stage: "sort"}
	calls := 0
	err := h.Run(context.Background(), func(ctx context.Context, strategy ccindex.HealStrategy, attempt int) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if len(h.Attempts()) != 1 || h.Attempts()[0].Outcome != "ok" {
		t.Fatalf("attempts = %+v", h.Attempts())
	}
}

func TestHealerEscalatesThroughChain(t *testing.T) {
	h := &Healer{Collection: "CC-MAIN-2024-10", ShardFile: "cdx-00002.gz", Stage: "sort"}
	var seen []ccindex.HealStrategy
	err := h.Run(context.Background(), func(ctx context.Context, strategy ccindex.HealStrategy, attempt int) error {
		seen = append(seen, strategy)
		if strategy == ccindex.HealRedownload {
			return nil
		}
		return errors.New("still failing")
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []ccindex.HealStrategy{ccindex.HealRetrySame, ccindex.HealReconvert, ccindex.HealRedownload}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen[%d] = %v, want %v", i, seen[i], want[i])
		}
	}
}

func TestHealerExhaustsBudgetAndFails(t *testing.T) {
	h := &Healer{Collection: "CC-MAIN-2024-10", ShardFile: "cdx-00003.gz", Stage: "sort"}
	err := h.Run(context.Background(), func(ctx context.Context, strategy ccindex.HealStrategy, attempt int) error {
		return errors.New("permanent failure")
	})
	if err == nil {
		t.Fatalf("expected an error when every strategy fails")
	}
	if len(h.Attempts()) != HealBudget {
		t.Fatalf("len(Attempts()) = %d, want %d", len(h.Attempts()), HealBudget)
	}
}

func TestHealerStopsOnResourceExhaustion(t *testing.T) {
	h := &Healer{Collection: "CC-MAIN-2024-10", ShardFile: "cdx-00004.gz", Stage: "sort"}
	calls := 0
	err := h.Run(context.Background(), func(ctx context.Context, strategy ccindex.HealStrategy, attempt int) error {
		calls++
		return ccindex.Wrap(ccindex.KindResourceExhaustion, "test", "", errors.New("oom"))
	})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !errors.Is(err, ccindex.KindResourceExhaustion) {
		t.Fatalf("expected KindResourceExhaustion, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (should halt immediately on resource exhaustion)", calls)
	}
}
