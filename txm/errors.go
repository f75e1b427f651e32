package txm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTooManyPending signals backpressure: the number of in-flight
	// transactions reached the configured ceiling.
	ErrTooManyPending = errors.New("too many pending transactions")

	// ErrNotFound is returned for unknown transaction ids or untracked
	// nonce keys.
	ErrNotFound = errors.New("not found")
)

// InvalidRequestError rejects malformed caller input. Never retried.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s", e.Reason)
}

// ProviderError wraps an RPC failure (unreachable node, timeout). Retried
// up to the configured budget.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error during %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// SigningError wraps a signer rejection or unreachable signer. Retried up
// to the configured budget, then terminal.
type SigningError struct {
	KeyRef string
	Err    error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing failed for key %s: %v", e.KeyRef, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// BroadcastRejectedError means the chain rejected the signed payload, e.g.
// a nonce that is already used. Retrying with the same nonce cannot
// succeed, so this is terminal and the caller must rebuild.
type BroadcastRejectedError struct {
	Reason string
	Err    error
}

func (e *BroadcastRejectedError) Error() string {
	return fmt.Sprintf("broadcast rejected: %s", e.Reason)
}

func (e *BroadcastRejectedError) Unwrap() error { return e.Err }

// Retryable reports whether a submission attempt error is transient.
// Provider and signing failures are retried; rejections and bad input are
// not.
func Retryable(err error) bool {
	var provider *ProviderError
	var signing *SigningError
	return errors.As(err, &provider) || errors.As(err, &signing)
}

// rejectionReasons are node error fragments that indicate the payload
// itself was refused rather than the node being unavailable.
var rejectionReasons = []string{
	"nonce too low",
	"nonce too high",
	"already known",
	"replacement transaction underpriced",
	"transaction underpriced",
	"insufficient funds",
	"exceeds block gas limit",
	"invalid sender",
}

// ClassifyBroadcastError splits a broadcast failure into a terminal
// rejection or a retryable provider error based on the node's message.
func ClassifyBroadcastError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, reason := range rejectionReasons {
		if strings.Contains(msg, reason) {
			return &BroadcastRejectedError{Reason: reason, Err: err}
		}
	}
	return &ProviderError{Op: "broadcast", Err: err}
}
