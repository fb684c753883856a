// Package events implements an append-only, hash-chained log of lifecycle
// transitions. Every transition a record or batch goes through leaves an
// entry here, so the sequence of state changes is itself tamper-evident.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrEventNotFound = errors.New("event not found")
	ErrChainBroken   = errors.New("event chain is broken")
)

// Type categorizes lifecycle events.
type Type string

const (
	TypeRecordCreated   Type = "record_created"
	TypeRecordSubmitted Type = "record_submitted"
	TypeRecordConfirmed Type = "record_confirmed"
	TypeRecordFailed    Type = "record_failed"
	TypeRecordRejected  Type = "record_rejected"
	TypeRetryAttempted  Type = "retry_attempted"
	TypeHashVerified    Type = "hash_verified"
	TypeBatchCreated    Type = "batch_created"
	TypeBatchSubmitted  Type = "batch_submitted"
	TypeBatchConfirmed  Type = "batch_confirmed"
	TypeBatchFailed     Type = "batch_failed"
)

// Event is a single immutable entry.
type Event struct {
	EventID      string          `json:"event_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Type         Type            `json:"type"`
	SubjectID    string          `json:"subject_id"` // record or batch id
	TenantID     string          `json:"tenant_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	DataHash     string          `json:"data_hash"`
	PreviousHash string          `json:"previous_hash"`
	EventHash    string          `json:"event_hash"`
}

// Handler is called for each appended event.
type Handler func(*Event)

// Log is an in-memory append-only event log with hash chaining.
type Log struct {
	mu        sync.RWMutex
	events    []*Event
	byID      map[string]*Event
	sequence  uint64
	chainHead string
	handlers  []Handler
	clock     func() time.Time
}

// NewLog creates an empty log.
func NewLog() *Log {
	return &Log{
		byID:      make(map[string]*Event),
		chainHead: "genesis",
		clock:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append adds an event for subject with optional structured data.
func (l *Log) Append(t Type, subjectID, tenantID string, data any) (*Event, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("events: failed to serialize data: %w", err)
		}
		raw = b
	}

	l.mu.Lock()
	l.sequence++
	ev := &Event{
		EventID:      uuid.New().String(),
		Sequence:     l.sequence,
		Timestamp:    l.clock().UTC(),
		Type:         t,
		SubjectID:    subjectID,
		TenantID:     tenantID,
		Data:         raw,
		DataHash:     hashBytes(raw),
		PreviousHash: l.chainHead,
	}
	ev.EventHash = eventHash(ev)
	l.chainHead = ev.EventHash

	l.events = append(l.events, ev)
	l.byID[ev.EventID] = ev
	handlers := make([]Handler, len(l.handlers))
	copy(handlers, l.handlers)
	l.mu.Unlock()

	// Handlers run outside the lock so they may read back into the log.
	for _, h := range handlers {
		h(ev)
	}
	return ev, nil
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func eventHash(ev *Event) string {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		Type         Type      `json:"type"`
		SubjectID    string    `json:"subject_id"`
		TenantID     string    `json:"tenant_id"`
		DataHash     string    `json:"data_hash"`
		PreviousHash string    `json:"previous_hash"`
	}{ev.Sequence, ev.Timestamp, ev.Type, ev.SubjectID, ev.TenantID, ev.DataHash, ev.PreviousHash}

	raw, _ := json.Marshal(hashable)
	return hashBytes(raw)
}

// Get retrieves an event by id.
func (l *Log) Get(eventID string) (*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ev, ok := l.byID[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	return ev, nil
}

// Head returns the current chain head hash.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chainHead
}

// Size returns the number of events.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// BySubject returns all events for a record or batch id, oldest first.
func (l *Log) BySubject(subjectID string) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*Event
	for _, ev := range l.events {
		if ev.SubjectID == subjectID {
			out = append(out, ev)
		}
	}
	return out
}

// AddHandler registers a handler invoked for every appended event.
func (l *Log) AddHandler(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// VerifyChain recomputes every hash and checks the chain links.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	expectedPrev := "genesis"
	for i, ev := range l.events {
		if ev.PreviousHash != expectedPrev {
			return fmt.Errorf("%w: event %d has previous_hash %s, expected %s",
				ErrChainBroken, i, ev.PreviousHash, expectedPrev)
		}
		if computed := eventHash(ev); computed != ev.EventHash {
			return fmt.Errorf("%w: event %d hash mismatch", ErrChainBroken, i)
		}
		expectedPrev = ev.EventHash
	}
	return nil
}

// Bundle is an exportable slice of the log for audit handoff.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	CreatedAt  time.Time `json:"created_at"`
	EventCount int       `json:"event_count"`
	Events     []*Event  `json:"events"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// Export bundles all events for a subject (or every event when subjectID is
// empty).
func (l *Log) Export(subjectID string) (*Bundle, error) {
	var events []*Event
	if subjectID == "" {
		l.mu.RLock()
		events = append(events, l.events...)
		l.mu.RUnlock()
	} else {
		events = l.BySubject(subjectID)
	}
	if len(events) == 0 {
		return nil, ErrEventNotFound
	}

	b := &Bundle{
		BundleID:   uuid.New().String(),
		CreatedAt:  l.clock().UTC(),
		EventCount: len(events),
		Events:     events,
		ChainHead:  events[len(events)-1].EventHash,
	}
	raw, err := json.Marshal(b.Events)
	if err != nil {
		return nil, fmt.Errorf("events: failed to marshal bundle: %w", err)
	}
	b.BundleHash = hashBytes(raw)
	return b, nil
}
