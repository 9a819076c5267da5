package api

import (
	"context"
	"sync"

	"github.com/davidahmann/docflow/pkg/types"
)

// IdemRecord is the stored outcome of an approval action submitted with an
// Idempotency-Key header.
type IdemRecord struct {
	IdemKey string
	Subject string
	StepID  string
	Action  types.Action
	Result  types.ApprovalHistory
}

type idemEntry struct {
	record IdemRecord
	ready  bool
	done   chan struct{}
}

// InMemoryIdemStore holds one entry per subject and key. An entry is either
// reserved by the request currently running the action or completed with
// its result.
type InMemoryIdemStore struct {
	mu    sync.Mutex
	items map[string]*idemEntry
}

func NewInMemoryIdemStore() *InMemoryIdemStore {
	return &InMemoryIdemStore{items: make(map[string]*idemEntry)}
}

// Keys are scoped to the authenticated subject.
func idemID(subject, key string) string {
	return subject + "\x00" + key
}

// Reserve claims the key. It returns (record, true) when a completed result
// exists; otherwise the caller owns the key until it calls Complete or
// Release. A reservation held by another request is waited out.
func (s *InMemoryIdemStore) Reserve(ctx context.Context, subject, idemKey string) (IdemRecord, bool, error) {
	id := idemID(subject, idemKey)
	for {
		s.mu.Lock()
		entry, ok := s.items[id]
		if !ok {
			s.items[id] = &idemEntry{done: make(chan struct{})}
			s.mu.Unlock()
			return IdemRecord{}, false, nil
		}
		if entry.ready {
			rec := entry.record
			s.mu.Unlock()
			return rec, true, nil
		}
		done := entry.done
		s.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return IdemRecord{}, false, ctx.Err()
		}
	}
}

// Complete stores the result for a reserved key and wakes its waiters.
func (s *InMemoryIdemStore) Complete(record IdemRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := idemID(record.Subject, record.IdemKey)
	entry, ok := s.items[id]
	if !ok {
		s.items[id] = &idemEntry{record: record, ready: true, done: closedChan()}
		return
	}
	if entry.ready {
		return
	}
	entry.record = record
	entry.ready = true
	close(entry.done)
}

// Release drops a reservation whose action failed so a waiter can retry it.
func (s *InMemoryIdemStore) Release(subject, idemKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := idemID(subject, idemKey)
	entry, ok := s.items[id]
	if !ok || entry.ready {
		return
	}
	delete(s.items, id)
	close(entry.done)
}

func (s *InMemoryIdemStore) Get(subject, idemKey string) (IdemRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.items[idemID(subject, idemKey)]
	if !ok || !entry.ready {
		return IdemRecord{}, false
	}
	return entry.record, true
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
