// Package audit keeps the operator-facing event log.
//
// Events are append-only and hash-chained: each event's hash covers its
// content and the previous event's hash, so a rewritten history fails
// Verify. The kernel records the occurrences operators must be able to
// find later: dangling contract references, depth-exceeded denials,
// contract failures, failed settlement compensations and bootstrap.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Mindburn-Labs/agora/pkg/canonicalize"
	"github.com/Mindburn-Labs/agora/pkg/clock"
	"github.com/google/uuid"
)

var ErrChainBroken = errors.New("audit: hash chain is broken")

// EventType categorizes audit events.
type EventType string

const (
	EventDanglingContract       EventType = "dangling_contract"
	EventDepthExceeded          EventType = "depth_exceeded"
	EventContractError          EventType = "contract_error"
	EventSettlementCompensation EventType = "settlement_compensation"
	EventBootstrap              EventType = "bootstrap"
)

const genesisHash = "genesis"

// Event is a single immutable audit record.
type Event struct {
	ID           string         `json:"id"`
	Sequence     uint64         `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         EventType      `json:"type"`
	Subject      string         `json:"subject"`
	Action       string         `json:"action"`
	Details      map[string]any `json:"details,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

// Log is an in-process, append-only audit log. A nil *Log discards events.
type Log struct {
	mu     sync.RWMutex
	events []Event
	head   string
	clock  clock.Clock
	sink   io.Writer
}

type Option func(*Log)

// WithSink mirrors every event to w as a JSON line prefixed with "AUDIT: ".
func WithSink(w io.Writer) Option {
	return func(l *Log) { l.sink = w }
}

func WithClock(c clock.Clock) Option {
	return func(l *Log) { l.clock = c }
}

func New(opts ...Option) *Log {
	l := &Log{head: genesisHash, clock: clock.Real()}
	for _, o := range opts {
		o(l)
	}
	return l
}

func hashEvent(e Event) (string, error) {
	e.Hash = ""
	return canonicalize.Digest(e)
}

// Record appends an event.
func (l *Log) Record(_ context.Context, typ EventType, subject, action string, details map[string]any) (*Event, error) {
	if l == nil {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e := Event{
		ID:           uuid.New().String(),
		Sequence:     uint64(len(l.events)) + 1,
		Timestamp:    l.clock.Now().UTC(),
		Type:         typ,
		Subject:      subject,
		Action:       action,
		Details:      details,
		PreviousHash: l.head,
	}
	h, err := hashEvent(e)
	if err != nil {
		return nil, fmt.Errorf("audit: hash event: %w", err)
	}
	e.Hash = h
	l.events = append(l.events, e)
	l.head = h

	if l.sink != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = l.sink.Write(append(append([]byte("AUDIT: "), b...), '\n'))
		}
	}
	return &e, nil
}

// Filter selects events. Zero fields match everything.
type Filter struct {
	Type     EventType
	Subject  string
	Since    time.Time
	AfterSeq uint64
	Limit    int
}

func (f Filter) matches(e Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return e.Sequence > f.AfterSeq
}

// Query returns matching events in sequence order.
func (l *Log) Query(f Filter) []Event {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, 0)
	for _, e := range l.events {
		if f.matches(e) {
			out = append(out, e)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out
}

func (l *Log) Len() int {
	if l == nil {
		return 0
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Verify recomputes the chain.
func Verify(events []Event) error {
	prev := genesisHash
	for i, e := range events {
		if e.PreviousHash != prev {
			return fmt.Errorf("%w: event %d links to %s, expected %s", ErrChainBroken, i, e.PreviousHash, prev)
		}
		h, err := hashEvent(e)
		if err != nil {
			return fmt.Errorf("%w: event %d: %v", ErrChainBroken, i, err)
		}
		if h != e.Hash {
			return fmt.Errorf("%w: event %d hash mismatch", ErrChainBroken, i)
		}
		prev = e.Hash
	}
	return nil
}

// Verify checks the whole log.
func (l *Log) Verify() error {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	events := append([]Event(nil), l.events...)
	l.mu.RUnlock()
	return Verify(events)
}
