package events

import (
	"errors"
	"testing"
	"time"
)

func TestAppendChains(t *testing.T) {
	log := NewLog()

	e1, err := log.Append(TypeRecordCreated, "rec-1", "org-1", map[string]string{"digest": "abc"})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	e2, _ := log.Append(TypeRecordSubmitted, "rec-1", "org-1", nil)
	e3, _ := log.Append(TypeRecordConfirmed, "rec-1", "org-1", nil)

	if e1.PreviousHash != "genesis" {
		t.Errorf("first event should link to genesis, got %s", e1.PreviousHash)
	}
	if e2.PreviousHash != e1.EventHash {
		t.Error("e2 should link to e1")
	}
	if e3.PreviousHash != e2.EventHash {
		t.Error("e3 should link to e2")
	}
	if log.Head() != e3.EventHash {
		t.Error("head should be the latest event hash")
	}
	if err := log.VerifyChain(); err != nil {
		t.Errorf("VerifyChain failed on untampered log: %v", err)
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	log := NewLog()
	_, _ = log.Append(TypeRecordCreated, "rec-1", "org-1", nil)
	ev, _ := log.Append(TypeRecordSubmitted, "rec-1", "org-1", nil)
	_, _ = log.Append(TypeRecordConfirmed, "rec-1", "org-1", nil)

	ev.SubjectID = "rec-999"

	if err := log.VerifyChain(); !errors.Is(err, ErrChainBroken) {
		t.Errorf("expected ErrChainBroken, got %v", err)
	}
}

func TestBySubject(t *testing.T) {
	log := NewLog()
	_, _ = log.Append(TypeRecordCreated, "rec-1", "org-1", nil)
	_, _ = log.Append(TypeRecordCreated, "rec-2", "org-1", nil)
	_, _ = log.Append(TypeRecordSubmitted, "rec-1", "org-1", nil)

	got := log.BySubject("rec-1")
	if len(got) != 2 {
		t.Fatalf("expected 2 events for rec-1, got %d", len(got))
	}
	if got[0].Type != TypeRecordCreated || got[1].Type != TypeRecordSubmitted {
		t.Error("events out of order")
	}
}

func TestHandlerMayReadBackIntoLog(t *testing.T) {
	log := NewLog()

	var heads []string
	var sizes []int
	log.AddHandler(func(ev *Event) {
		heads = append(heads, log.Head())
		sizes = append(sizes, log.Size())
	})

	e1, err := log.Append(TypeRecordCreated, "rec-1", "org-1", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	e2, _ := log.Append(TypeRecordSubmitted, "rec-1", "org-1", nil)

	if len(heads) != 2 {
		t.Fatalf("expected 2 handler invocations, got %d", len(heads))
	}
	if heads[0] != e1.EventHash || heads[1] != e2.EventHash {
		t.Error("handler saw a stale chain head")
	}
	if sizes[0] != 1 || sizes[1] != 2 {
		t.Errorf("handler saw stale sizes %v", sizes)
	}
}

func TestExportBundle(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log := NewLog().WithClock(func() time.Time { return clock })

	_, _ = log.Append(TypeBatchCreated, "batch-1", "org-1", nil)
	_, _ = log.Append(TypeBatchSubmitted, "batch-1", "org-1", nil)

	bundle, err := log.Export("batch-1")
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if bundle.EventCount != 2 {
		t.Errorf("expected 2 events, got %d", bundle.EventCount)
	}
	if bundle.BundleHash == "" {
		t.Error("bundle hash missing")
	}

	if _, err := log.Export("no-such-subject"); !errors.Is(err, ErrEventNotFound) {
		t.Errorf("expected ErrEventNotFound, got %v", err)
	}
}
