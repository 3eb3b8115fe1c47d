package purchase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu        sync.Mutex
	rows      map[string]Purchase
	getErr    error
	casHook   func(id string)
	casWrites int
}

func newMemoryStore(rows ...Purchase) *memoryStore {
	s := &memoryStore{rows: make(map[string]Purchase, len(rows))}
	for _, row := range rows {
		s.rows[row.ID] = row
	}
	return s
}

func ref(value string) *string { return &value }

func (s *memoryStore) Get(_ context.Context, id string) (Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return Purchase{}, s.getErr
	}
	p, ok := s.rows[id]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	return p, nil
}

func (s *memoryStore) CompareAndSetStatus(_ context.Context, id string, expected, next Status, reference *string) (bool, error) {
	if s.casHook != nil {
		s.casHook(id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok {
		return false, nil
	}
	if p.Status != expected {
		return false, nil
	}
	p.Status = next
	if reference != nil {
		p.PaymentReference = ref(*reference)
	}
	p.UpdatedAt = time.Now()
	s.rows[id] = p
	s.casWrites++
	return true, nil
}

func (s *memoryStore) SetPaymentReference(_ context.Context, id string, expected Status, reference string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	if !ok || p.Status != expected {
		return false, nil
	}
	p.PaymentReference = ref(reference)
	s.rows[id] = p
	return true, nil
}

func (s *memoryStore) ListBatchMembers(_ context.Context, token string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, p := range s.rows {
		if IsBatchMember(p.Reference(), token) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memoryStore) ListStalePending(_ context.Context, olderThan time.Time) ([]Purchase, error) {
	return nil, errors.New("not implemented")
}

func (s *memoryStore) status(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id].Status
}

func (s *memoryStore) reference(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id].Reference()
}
