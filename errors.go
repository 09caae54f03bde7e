package ccindex

import "fmt"

// Kind classifies an error into one of the taxonomy buckets every component
// reports through. Kind implements the error interface so it can be used
// directly as an errors.Is target: errors.Is(err, ccindex.KindTransientIO)
// is true for any *Error wrapping that Kind, regardless of which package
// produced it.
type Kind string

const (
	// KindTransientIO covers download/read/HTTP errors, timeouts, rate
	// limits. Policy: retry with backoff at the stage that emitted it;
	// bubble up only after the retry budget is exhausted.
	KindTransientIO Kind = "transient_io"

	// KindCorruptInput covers unreadable gzip, malformed CDXJ, invalid
	// UTF-8 in Parquet. Policy: quarantine the offending unit and trigger
	// auto-heal (reconvert/redownload).
	KindCorruptInput Kind = "corrupt_input"

	// KindResourceExhaustion covers low memory or low disk below
	// configured thresholds. Policy: fail fast, never proceed with
	// destructive work.
	KindResourceExhaustion Kind = "resource_exhaustion"

	// KindSchemaMismatch covers a Parquet missing required columns.
	// Policy: rebuild it before sorting/indexing.
	KindSchemaMismatch Kind = "schema_mismatch"

	// KindContention covers another orchestrator-like process detected.
	// Policy: refuse destructive operations unless forced.
	KindContention Kind = "contention"

	// KindUserError covers invalid CLI combinations or missing required
	// arguments. Policy: print diagnostic, exit non-zero, do nothing.
	KindUserError Kind = "user_error"

	// KindFatal covers bugs/assertion failures. Policy: propagate, leave
	// on-disk state consistent.
	KindFatal Kind = "fatal"
)

func (k Kind) Error() string { return string(k) }

// Error wraps an inner error with a Kind, the component that raised it, and
// optional free-form context. It implements Unwrap so errors.Is/errors.As
// see through to the inner error, and Is so errors.Is(err, someKind) also
// matches directly against the Kind constants above.
type Error struct {
	Kind      Kind
	Component string
	Context   string
	Err       error
}

func (e *Error) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Kind, e.Context, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ccindex.KindTransientIO) (or any other Kind
// constant) match any *Error carrying that Kind, without callers needing to
// type-assert to *Error first.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

// Wrap builds a classified Error. component names the package raising it
// (e.g. "cdxj", "convert", "warcfetch"); context is optional free-form detail
// (e.g. a shard name or URL).
func Wrap(kind Kind, component, context string, err error) *Error {
	return &Error{Kind: kind, Component: component, Context: context, Err: err}
}
