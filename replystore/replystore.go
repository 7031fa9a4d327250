// Package replystore is the outstanding-RPC registry: pending
// publishAndWait futures keyed by correlation id, each armed with its
// own timeout timer. Grounded on the correlation-id -> response
// channel map used by boulder's AMQP-RPC client, generalized to the
// resolve/reject/timeout contract spec §4.2 requires.
package replystore

import (
	"sync"
	"time"

	"github.com/baechuer/amqp-transport/txerrors"
)

// Entry is a PendingReply (spec §3). RoutingKey, CacheMessage and
// CacheTTLSec let the owner populate the response cache on resolve
// without a second lookup; SimpleReply is opaque to the store.
type Entry struct {
	CorrelationID string
	CreatedAt     time.Time
	Timeout       time.Duration
	RoutingKey    string
	SimpleReply   bool

	// Cache coordinates spec §4.3's "write through on resolve": the
	// original outbound message/routing key/TTL the caller used, so
	// the private router can populate the cache once the reply
	// arrives without a second lookup.
	CacheMessage interface{}
	CacheTTLSec  int

	Resolve func(value interface{})
	Reject  func(err error)

	timer *time.Timer
}

// Store is the Reply Storage component. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func New() *Store {
	return &Store{entries: make(map[string]*Entry)}
}

// Push inserts entry and arms its timeout timer. It returns a
// txerrors.Error(Validation) if the correlation id is already
// present, per spec's uniqueness invariant.
func (s *Store) Push(entry *Entry) error {
	s.mu.Lock()
	if _, exists := s.entries[entry.CorrelationID]; exists {
		s.mu.Unlock()
		return txerrors.NewValidation("duplicate correlationId: " + entry.CorrelationID)
	}

	entry.timer = time.AfterFunc(entry.Timeout, func() {
		s.timeout(entry.CorrelationID)
	})
	s.entries[entry.CorrelationID] = entry
	s.mu.Unlock()
	return nil
}

// Pop atomically removes and returns the entry for id, cancelling its
// timer. The second return is false if no such id is pending.
func (s *Store) Pop(id string) (*Entry, bool) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if ok && entry.timer != nil {
		entry.timer.Stop()
	}
	return entry, ok
}

// Reject pops id (if present) and invokes its rejecter. It is a no-op
// if id is absent, matching spec's idempotence requirement.
func (s *Store) Reject(id string, err error) {
	entry, ok := s.Pop(id)
	if !ok {
		return
	}
	entry.Reject(err)
}

func (s *Store) timeout(id string) {
	entry, ok := s.Pop(id)
	if !ok {
		return
	}
	entry.Reject(txerrors.NewTimeout("no reply within " + entry.Timeout.String()))
}

// Len reports the number of currently pending entries; used by tests.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RejectAll rejects every currently pending entry with err, used when
// the transport is closed (spec §5: "closing the transport rejects
// all pending replies with a connection error").
func (s *Store) RejectAll(err error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.Reject(id, err)
	}
}
