package anchor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tidygen-community/anchor/pkg/ratelimit"
)

// flaky fails the first n Submit calls with a transient error.
type flaky struct {
	mu       sync.Mutex
	failures int
	calls    int
	inner    *Fake
}

func (f *flaky) Submit(ctx context.Context, digest string) (string, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()

	if fail {
		return "", &AdapterError{Kind: KindUnavailable, Op: "submit"}
	}
	return f.inner.Submit(ctx, digest)
}

func (f *flaky) Verify(ctx context.Context, ref string) (bool, error) {
	return f.inner.Verify(ctx, ref)
}

func (f *flaky) FetchReceipt(ctx context.Context, ref string) (Receipt, error) {
	return f.inner.FetchReceipt(ctx, ref)
}

func testOptions() ResilientOptions {
	return ResilientOptions{
		CallTimeout:      time.Second,
		MaxAttempts:      3,
		BreakerThreshold: 5,
		BreakerReset:     50 * time.Millisecond,
	}
}

func TestResilientRetriesTransientFailures(t *testing.T) {
	f := &flaky{failures: 2, inner: NewFake()}
	r := NewResilient(f, testOptions())

	ref, err := r.Submit(context.Background(), "digest-1")
	if err != nil {
		t.Fatalf("Submit should have succeeded on the third attempt: %v", err)
	}
	if ref != ChainRef("digest-1") {
		t.Errorf("unexpected chain reference %s", ref)
	}
	if f.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", f.calls)
	}
}

func TestResilientExhaustsAttempts(t *testing.T) {
	f := &flaky{failures: 10, inner: NewFake()}
	r := NewResilient(f, testOptions())

	_, err := r.Submit(context.Background(), "digest-1")
	var ae *AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AdapterError, got %v", err)
	}
	if ae.Kind != KindUnavailable {
		t.Errorf("expected unavailable kind, got %s", ae.Kind)
	}
	if f.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", f.calls)
	}
}

func TestResilientDoesNotRetryRejections(t *testing.T) {
	fake := NewFake()
	fake.SubmitErr = &AdapterError{Kind: KindRejected, Op: "submit"}
	r := NewResilient(fake, testOptions())

	_, err := r.Submit(context.Background(), "digest-1")
	var ae *AdapterError
	if !errors.As(err, &ae) || ae.Kind != KindRejected {
		t.Fatalf("expected rejected AdapterError, got %v", err)
	}
	if fake.Submissions != 1 {
		t.Errorf("rejection was retried: %d attempts", fake.Submissions)
	}
}

func TestResilientBreakerOpens(t *testing.T) {
	fake := NewFake()
	fake.SubmitErr = &AdapterError{Kind: KindRejected, Op: "submit"}
	opts := testOptions()
	opts.BreakerThreshold = 2
	r := NewResilient(fake, opts)

	ctx := context.Background()
	_, _ = r.Submit(ctx, "d1")
	_, _ = r.Submit(ctx, "d2")

	_, err := r.Submit(ctx, "d3")
	var ae *AdapterError
	if !errors.As(err, &ae) {
		t.Fatalf("expected AdapterError, got %v", err)
	}
	if !errors.Is(err, errCircuitOpen) {
		t.Errorf("expected circuit-open error, got %v", err)
	}
	if fake.Submissions != 2 {
		t.Errorf("breaker did not block the third call: %d submissions", fake.Submissions)
	}
}

func TestBreakerHalfOpenAdmitsOneTrialCall(t *testing.T) {
	cb := NewCircuitBreaker("test", 1, 10*time.Millisecond)

	cb.Failure()
	if cb.Allow() {
		t.Fatal("open breaker must block")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("breaker should admit a trial call after the reset timeout")
	}
	if cb.Allow() {
		t.Fatal("second caller admitted while the trial call is in flight")
	}

	// A failed trial call reopens the breaker.
	cb.Failure()
	if cb.Allow() {
		t.Fatal("breaker should reopen after a failed trial call")
	}

	time.Sleep(20 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("breaker should admit another trial call after the reset timeout")
	}
	cb.Success()
	if !cb.Allow() || !cb.Allow() {
		t.Fatal("closed breaker must admit every caller")
	}
}

func TestResilientRateLimited(t *testing.T) {
	fake := NewFake()
	opts := testOptions()
	opts.Limiter = ratelimit.NewLocalLimiter(0.001, 1)
	r := NewResilient(fake, opts)

	ctx := context.Background()
	if _, err := r.Submit(ctx, "d1"); err != nil {
		t.Fatalf("first submission should pass: %v", err)
	}

	_, err := r.Submit(ctx, "d2")
	if !errors.Is(err, errRateLimited) {
		t.Fatalf("expected rate-limited error, got %v", err)
	}
}

func TestClassifyTimeout(t *testing.T) {
	err := Classify("submit", context.DeadlineExceeded)
	if err.Kind != KindTimeout {
		t.Errorf("expected timeout kind, got %s", err.Kind)
	}
	if !err.Transient() {
		t.Error("timeouts must be transient")
	}
}

func TestFakeReceipt(t *testing.T) {
	fake := NewFake()
	ctx := context.Background()

	ref, err := fake.Submit(ctx, "digest-1")
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	receipt, err := fake.FetchReceipt(ctx, ref)
	if err != nil {
		t.Fatalf("FetchReceipt failed: %v", err)
	}
	if !receipt.Finalized || receipt.Height == 0 {
		t.Errorf("unexpected receipt %+v", receipt)
	}

	ok, err := fake.Verify(ctx, ref)
	if err != nil || !ok {
		t.Errorf("Verify(%s) = %v, %v", ref, ok, err)
	}

	fake.Drop(ref)
	ok, _ = fake.Verify(ctx, ref)
	if ok {
		t.Error("dropped reference still verifies")
	}
}
