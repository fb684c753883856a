package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Fake is an in-memory Adapter for tests and development deployments. It
// derives chain references from the submitted digest, so submission is
// idempotent the way a content-addressed anchoring contract is.
type Fake struct {
	mu       sync.Mutex
	anchored map[string]Receipt // chainRef -> receipt
	height   int64

	// SubmitErr, VerifyErr, and ReceiptErr, when set, are returned by the
	// corresponding call. FailNext makes only the next Submit fail.
	SubmitErr  error
	VerifyErr  error
	ReceiptErr error
	FailNext   bool

	// Submissions counts Submit calls, including failed ones.
	Submissions int
}

// NewFake returns an empty fake chain.
func NewFake() *Fake {
	return &Fake{anchored: make(map[string]Receipt)}
}

// ChainRef returns the reference the fake assigns to a digest.
func ChainRef(digest string) string {
	sum := sha256.Sum256([]byte("anchor:" + digest))
	return "0x" + hex.EncodeToString(sum[:])
}

func (f *Fake) Submit(_ context.Context, digest string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Submissions++
	if f.FailNext {
		f.FailNext = false
		if f.SubmitErr != nil {
			return "", f.SubmitErr
		}
		return "", &AdapterError{Kind: KindUnavailable, Op: "submit"}
	}
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}

	ref := ChainRef(digest)
	if _, ok := f.anchored[ref]; !ok {
		f.height++
		f.anchored[ref] = Receipt{Height: f.height, Finalized: true}
	}
	return ref, nil
}

func (f *Fake) Verify(_ context.Context, chainRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.VerifyErr != nil {
		return false, f.VerifyErr
	}
	_, ok := f.anchored[chainRef]
	return ok, nil
}

func (f *Fake) FetchReceipt(_ context.Context, chainRef string) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReceiptErr != nil {
		return Receipt{}, f.ReceiptErr
	}
	r, ok := f.anchored[chainRef]
	if !ok {
		return Receipt{}, &AdapterError{Kind: KindRejected, Op: "fetch_receipt"}
	}
	return r, nil
}

// Drop removes a previously anchored reference, simulating chain drift for
// verification tests.
func (f *Fake) Drop(chainRef string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.anchored, chainRef)
}
