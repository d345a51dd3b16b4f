package fluxflag

// ErrorKind classifies failures returned by the client façade, so callers
// can branch with [errors.Is] instead of string matching.
type ErrorKind struct {
	message string
}

func (k *ErrorKind) Error() string { return k.message }

var (
	// ErrEvaluation is returned by CreateFlag when the flag fails
	// core.Flag.Validate (missing key, unknown kind or state, value and
	// default of different kinds, rollout percentage outside [0,100],
	// variant value not among its variants). Targeting rules are not
	// validated. The evaluator itself never fails.
	ErrEvaluation = &ErrorKind{"evaluation error"}

	// ErrStorage wraps failures surfaced by the underlying store.Store.
	ErrStorage = &ErrorKind{"storage error"}

	// ErrConflict is returned by CreateFlag when a flag with the same key
	// already exists. Merges that lose to a newer VersionVector are
	// skipped, not reported as errors.
	ErrConflict = &ErrorKind{"version conflict"}
)

// wrapStorage wraps a lower-level store error with [ErrStorage] so callers
// can test with errors.Is(err, fluxflag.ErrStorage) without losing the
// underlying cause.
func wrapStorage(err error) error {
	if err == nil {
		return nil
	}
	return &wrappedError{kind: ErrStorage, cause: err}
}

type wrappedError struct {
	kind  *ErrorKind
	cause error
}

func (w *wrappedError) Error() string { return w.kind.message + ": " + w.cause.Error() }

func (w *wrappedError) Unwrap() error { return w.cause }

func (w *wrappedError) Is(target error) bool {
	return target == error(w.kind)
}
