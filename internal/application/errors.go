package application

import "errors"

// ErrAmbiguousSubmit marks a broadcast whose fate is unknown. The nonce stays
// allocated and the ledger record stays pending until the watchdog or the
// confirmation poller settles it.
var ErrAmbiguousSubmit = errors.New("transaction broadcast outcome is unknown")

// ErrReclaimRefused is returned when a nonce reclaim loses the race against a
// newer allocation. The caller must accept the refusal and move on.
var ErrReclaimRefused = errors.New("nonce reclaim refused: newer allocation exists")

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks an error as retryable by the pipeline's backoff loop.
// Anything not marked is terminal for the current job.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
