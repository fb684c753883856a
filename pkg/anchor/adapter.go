// Package anchor defines the narrow interface the engine uses to talk to an
// external blockchain or distributed-ledger client, plus the resiliency glue
// (timeouts, retries, circuit breaking, rate limiting) wrapped around it.
// The engine never depends on a specific chain's transaction format, gas
// model, or address scheme.
package anchor

import (
	"context"
	"errors"
	"fmt"
)

// Receipt describes the on-chain state of an anchored digest.
type Receipt struct {
	// Height is the block height at which the anchoring transaction was
	// included.
	Height int64 `json:"height"`
	// Finalized reports whether the inclusion is final for the target
	// chain's finality rule.
	Finalized bool `json:"finalized"`
}

// Adapter is implemented by concrete chain clients (EVM-style,
// Substrate-style, or a relay fronting either). All methods block on network
// I/O; callers are expected to bound them with a context deadline.
type Adapter interface {
	// Submit anchors a digest and returns the external transaction
	// identifier.
	Submit(ctx context.Context, digest string) (string, error)
	// Verify reports whether the chain reference exists on chain.
	Verify(ctx context.Context, chainRef string) (bool, error)
	// FetchReceipt returns inclusion height and finality for a chain
	// reference.
	FetchReceipt(ctx context.Context, chainRef string) (Receipt, error)
}

// ErrorKind classifies adapter failures for retry decisions and stored error
// messages.
type ErrorKind string

const (
	// KindTimeout covers deadline exceeded and cancellation.
	KindTimeout ErrorKind = "timeout"
	// KindRejected covers failures the chain client reported about the
	// submission itself. Retrying without change will not help.
	KindRejected ErrorKind = "rejected"
	// KindUnavailable covers transport-level failures; transient.
	KindUnavailable ErrorKind = "unavailable"
)

// AdapterError is any failure from the external chain client.
type AdapterError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("anchor: %s %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("anchor: %s %s", e.Op, e.Kind)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Transient reports whether a retry can plausibly succeed.
func (e *AdapterError) Transient() bool {
	return e.Kind == KindTimeout || e.Kind == KindUnavailable
}

// Classify wraps an arbitrary error from an adapter call as an AdapterError,
// mapping context deadline/cancellation to KindTimeout. Errors that already
// are AdapterErrors pass through unchanged.
func Classify(op string, err error) *AdapterError {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &AdapterError{Kind: KindTimeout, Op: op, Err: err}
	}
	return &AdapterError{Kind: KindUnavailable, Op: op, Err: err}
}
