// Copyright 2025 Certen Protocol
package chainadapter

import (
	"errors"
	"fmt"
)

// TransportError wraps a network/timeout/transient RPC error. The caller
// (delivery worker, watcher) retries with exponential backoff per policy.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("chainadapter: transport error during %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// PermanentError wraps an untrusted-remote, unknown-chain, or
// malformed-payload rejection. It is never retried.
type PermanentError struct {
	Reason RejectReason
	Detail string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("chainadapter: permanent rejection (%s): %s", e.Reason, e.Detail)
}

// ErrConfig is returned at startup when a configuration is inadmissible,
// e.g. a configured source chain does not appear in any destination's
// trusted-remote allowlist.
var ErrConfig = errors.New("chainadapter: configuration error")

// IsRetryable reports whether err should be retried by the caller's backoff
// policy (base 500ms, factor 2, cap 30s, jitter +-20%).
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
