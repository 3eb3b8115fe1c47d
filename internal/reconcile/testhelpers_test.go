package reconcile

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/noah-isme/lensa-payments/internal/payment"
	"github.com/noah-isme/lensa-payments/internal/purchase"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type memoryStore struct {
	mu       sync.Mutex
	rows     map[string]purchase.Purchase
	failOnce map[string]error
}

func newMemoryStore(rows ...purchase.Purchase) *memoryStore {
	m := &memoryStore{rows: map[string]purchase.Purchase{}}
	for _, r := range rows {
		m.rows[r.ID] = r
	}
	return m
}

func row(id string, status purchase.Status, reference string, age time.Duration) purchase.Purchase {
	p := purchase.Purchase{ID: id, Status: status, CreatedAt: baseTime.Add(-age)}
	if reference != "" {
		p.PaymentReference = &reference
	}
	return p
}

func (m *memoryStore) Get(_ context.Context, id string) (purchase.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failOnce[id]; ok {
		delete(m.failOnce, id)
		return purchase.Purchase{}, err
	}
	p, ok := m.rows[id]
	if !ok {
		return purchase.Purchase{}, purchase.ErrNotFound
	}
	return p, nil
}

func (m *memoryStore) CompareAndSetStatus(_ context.Context, id string, expected, next purchase.Status, reference *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Status != expected {
		return false, nil
	}
	p.Status = next
	if reference != nil {
		value := *reference
		p.PaymentReference = &value
	}
	m.rows[id] = p
	return true, nil
}

func (m *memoryStore) SetPaymentReference(_ context.Context, id string, expected purchase.Status, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.Status != expected {
		return false, nil
	}
	p.PaymentReference = &reference
	m.rows[id] = p
	return true, nil
}

func (m *memoryStore) ListBatchMembers(context.Context, string) ([]string, error) {
	return nil, nil
}

func (m *memoryStore) ListStalePending(_ context.Context, olderThan time.Time) ([]purchase.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []purchase.Purchase
	for _, p := range m.rows {
		if p.Status == purchase.StatusPending && p.CreatedAt.Before(olderThan) && p.PaymentReference != nil {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memoryStore) status(id string) purchase.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Status
}

type fakeFetcher struct {
	mu       sync.Mutex
	statuses map[string]string
	failing  map[string]bool
	calls    []string
}

func (f *fakeFetcher) FetchPayment(_ context.Context, id string) (payment.ProviderPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id)
	if f.failing[id] {
		return payment.ProviderPayment{}, errors.New("provider unavailable")
	}
	status, ok := f.statuses[id]
	if !ok {
		return payment.ProviderPayment{}, payment.ErrProviderStatus
	}
	return payment.ProviderPayment{ID: id, Status: status}, nil
}

type recordingConfirmer struct {
	mu    sync.Mutex
	calls [][]string
}

func (c *recordingConfirmer) Confirm(_ context.Context, ids []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, append([]string(nil), ids...))
}

// listedBefore lists the store, then completes one row as a concurrent webhook would.
type listedBefore struct {
	store   *memoryStore
	resolve string
}

func (l listedBefore) ListStalePending(ctx context.Context, olderThan time.Time) ([]purchase.Purchase, error) {
	stale, err := l.store.ListStalePending(ctx, olderThan)
	if err != nil {
		return nil, err
	}
	_, err = l.store.CompareAndSetStatus(ctx, l.resolve, purchase.StatusPending, purchase.StatusCompleted, nil)
	return stale, err
}

type failingLister struct{ err error }

func (f failingLister) ListStalePending(context.Context, time.Time) ([]purchase.Purchase, error) {
	return nil, f.err
}
