package orchestrate

import (
	"context"
	"errors"
	"time"

	"github.com/commoncrawl/ccindex"
)

// HealBudget bounds how many escalation steps auto-heal will take for a
// single shard before giving up and marking the collection FAILED.
const HealBudget = 3

// HealFunc performs one heal strategy for a shard and reports whether it
// succeeded. Implementations are supplied by the caller (the stage driving
// loop), since the specific action (retry-same with a bigger memory limit,
// reconvert, redownload) depends on stage-specific state this package does
// not own.
type HealFunc func(ctx context.Context, strategy ccindex.HealStrategy, attempt int) error

// Healer runs the escalation chain retry-same → reconvert → redownload,
// modeled as an explicit state machine over ccindex.HealStrategy rather
// than a recursive try/except: each attempt is a transition with a bounded
// budget, grounded on a circuit breaker's state-type-plus-transition-table
// shape generalized from open/closed/half-open to this three-step chain.
type Healer struct {
	Collection string
	ShardFile  string
	Stage      string

	attempts []ccindex.HealAttempt
}

// chain is the fixed escalation order every heal run walks through.
var chain = []ccindex.HealStrategy{
	ccindex.HealRetrySame,
	ccindex.HealReconvert,
	ccindex.HealRedownload,
}

// Run walks the escalation chain, calling fn for each strategy in order
// until fn succeeds or the chain (bounded by HealBudget) is exhausted. It
// returns nil on the first success, or the last error seen if every
// strategy failed.
func (h *Healer) Run(ctx context.Context, fn HealFunc) error {
	var lastErr error
	for i, strategy := range chain {
		if i >= HealBudget {
			break
		}
		attempt := ccindex.HealAttempt{
			Collection: h.Collection,
			ShardFile:  h.ShardFile,
			Stage:      h.Stage,
			Attempt:    i + 1,
			Strategy:   strategy,
			StrategyS:  strategy.String(),
			StartedAt:  time.Now().UTC(),
		}

		err := fn(ctx, strategy, i+1)
		if err == nil {
			attempt.Outcome = "ok"
			h.attempts = append(h.attempts, attempt)
			return nil
		}
		attempt.Outcome = "failed"
		h.attempts = append(h.attempts, attempt)
		lastErr = err

		if ccindex.KindResourceExhaustion == errKind(err) {
			// Resource exhaustion halts the whole run; it is not a
			// per-shard condition retrying can fix.
			return err
		}
	}
	if lastErr == nil {
		return nil
	}
	return ccindex.Wrap(ccindex.KindCorruptInput, "orchestrate", h.ShardFile, lastErr)
}

// Attempts returns every heal attempt recorded so far; RunCollection copies
// them into Result.HealAttempts.
func (h *Healer) Attempts() []ccindex.HealAttempt { return h.attempts }

func errKind(err error) ccindex.Kind {
	var e *ccindex.Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
