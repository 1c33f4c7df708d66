package offlinegateway

import (
	"errors"
	"fmt"
)

// ErrFailed is the terminal dispatch outcome: the network produced no
// response and no stored tier could satisfy the request. The client gets
// a 503 with the gateway's status header attached.
var ErrFailed = errors.New("no response available")

// StoreError wraps a cache write that failed while a request was being
// served. Caching is best-effort relative to serving: store errors are
// logged and counted, never surfaced to the client.
type StoreError struct {
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("cache write failed for %s: %v", e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
