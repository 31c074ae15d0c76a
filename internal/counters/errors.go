package counters

import (
	"errors"
	"fmt"
)

// ErrExhausted is wrapped into the error returned once every fetch attempt
// has failed.
var ErrExhausted = errors.New("counters: export fetch attempts exhausted")

// TransientFetchError is a retryable failure to fetch an export result.
type TransientFetchError struct {
	URL        string
	StatusCode int // zero for network errors
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("counters: HTTP %d from %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("counters: fetch %s: %v", e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// ArchiveError reports a corrupt or incomplete export archive. It is never
// retried.
type ArchiveError struct {
	Member string
	Reason string
	Err    error
}

func (e *ArchiveError) Error() string {
	msg := "counters: bad export archive"
	if e.Member != "" {
		msg += ": " + e.Member
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ArchiveError) Unwrap() error { return e.Err }
