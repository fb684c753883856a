package anchor

import (
	"context"
	"crypto/rand"
	"log/slog"
	"math"
	"math/big"
	"time"

	"github.com/tidygen-community/anchor/pkg/ratelimit"
)

// ResilientOptions configures the resilient wrapper.
type ResilientOptions struct {
	// CallTimeout bounds each individual adapter call.
	CallTimeout time.Duration
	// MaxAttempts is the total number of tries per call (initial + retries).
	MaxAttempts int
	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit; BreakerReset is how long it stays open.
	BreakerThreshold int
	BreakerReset     time.Duration
	// Limiter, when set, gates Submit calls. LimiterKey selects the bucket.
	Limiter    ratelimit.Limiter
	LimiterKey string
	Logger     *slog.Logger
}

// DefaultResilientOptions mirror the production defaults of the chain relay.
func DefaultResilientOptions() ResilientOptions {
	return ResilientOptions{
		CallTimeout:      30 * time.Second,
		MaxAttempts:      3,
		BreakerThreshold: 5,
		BreakerReset:     10 * time.Second,
	}
}

// Resilient wraps an Adapter with per-call timeouts, exponential backoff with
// jitter for transient failures, a circuit breaker, and optional submission
// rate limiting. Rejected submissions are never retried here; the record
// lifecycle owns those.
type Resilient struct {
	inner   Adapter
	opts    ResilientOptions
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// NewResilient wraps inner with the given options.
func NewResilient(inner Adapter, opts ResilientOptions) *Resilient {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resilient{
		inner:   inner,
		opts:    opts,
		breaker: NewCircuitBreaker("anchor-adapter", opts.BreakerThreshold, opts.BreakerReset),
		logger:  logger,
	}
}

func (r *Resilient) Submit(ctx context.Context, digest string) (string, error) {
	if r.opts.Limiter != nil {
		key := r.opts.LimiterKey
		if key == "" {
			key = "submit"
		}
		allowed, err := r.opts.Limiter.Allow(ctx, key, 1)
		if err != nil {
			return "", Classify("submit", err)
		}
		if !allowed {
			return "", &AdapterError{Kind: KindUnavailable, Op: "submit", Err: errRateLimited}
		}
	}

	var ref string
	err := r.do(ctx, "submit", func(callCtx context.Context) error {
		var err error
		ref, err = r.inner.Submit(callCtx, digest)
		return err
	})
	return ref, err
}

func (r *Resilient) Verify(ctx context.Context, chainRef string) (bool, error) {
	var ok bool
	err := r.do(ctx, "verify", func(callCtx context.Context) error {
		var err error
		ok, err = r.inner.Verify(callCtx, chainRef)
		return err
	})
	return ok, err
}

func (r *Resilient) FetchReceipt(ctx context.Context, chainRef string) (Receipt, error) {
	var receipt Receipt
	err := r.do(ctx, "fetch_receipt", func(callCtx context.Context) error {
		var err error
		receipt, err = r.inner.FetchReceipt(callCtx, chainRef)
		return err
	})
	return receipt, err
}

// do runs one logical adapter call with breaker, timeout, and backoff.
func (r *Resilient) do(ctx context.Context, op string, call func(context.Context) error) error {
	if !r.breaker.Allow() {
		return &AdapterError{Kind: KindUnavailable, Op: op, Err: errCircuitOpen}
	}

	var lastErr *AdapterError
	for attempt := 0; attempt < r.opts.MaxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		err := call(callCtx)
		cancel()

		if err == nil {
			r.breaker.Success()
			return nil
		}

		lastErr = Classify(op, err)
		if !lastErr.Transient() {
			// Rejections count against the breaker but are not retried.
			r.breaker.Failure()
			return lastErr
		}
		if attempt == r.opts.MaxAttempts-1 {
			break
		}

		delay := backoff(attempt)
		r.logger.Warn("adapter call failed, backing off",
			"op", op, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			r.breaker.Failure()
			return Classify(op, ctx.Err())
		}
	}

	r.breaker.Failure()
	return lastErr
}

// backoff is base * 2^attempt plus up to 50ms of jitter.
func backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
	if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
		d += time.Duration(n.Int64()) * time.Millisecond
	}
	return d
}
