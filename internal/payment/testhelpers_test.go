package payment

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/noah-isme/lensa-payments/internal/purchase"
)

type fakeProvider struct {
	mu       sync.Mutex
	payments map[string]ProviderPayment
	orders   map[string]ProviderOrder
	err      error
	calls    []string
}

func (f *fakeProvider) FetchPayment(_ context.Context, id string) (ProviderPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "payment:"+id)
	if f.err != nil {
		return ProviderPayment{}, f.err
	}
	p, ok := f.payments[id]
	if !ok {
		return ProviderPayment{}, ErrProviderStatus
	}
	return p, nil
}

func (f *fakeProvider) FetchMerchantOrder(_ context.Context, id string) (ProviderOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "merchant_order:"+id)
	if f.err != nil {
		return ProviderOrder{}, f.err
	}
	o, ok := f.orders[id]
	if !ok {
		return ProviderOrder{}, ErrProviderStatus
	}
	return o, nil
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

type memoryPurchases struct {
	mu   sync.Mutex
	rows map[string]purchase.Purchase
	err  error
	// failOnce makes the next Get of an ID fail once.
	failOnce map[string]error
}

func newMemoryPurchases(rows ...purchase.Purchase) *memoryPurchases {
	m := &memoryPurchases{rows: map[string]purchase.Purchase{}}
	for _, r := range rows {
		m.rows[r.ID] = r
	}
	return m
}

func pendingPurchase(id, reference string) purchase.Purchase {
	p := purchase.Purchase{ID: id, Status: purchase.StatusPending}
	if reference != "" {
		p.PaymentReference = &reference
	}
	return p
}

func (m *memoryPurchases) Get(_ context.Context, id string) (purchase.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return purchase.Purchase{}, m.err
	}
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

func (m *memoryPurchases) CompareAndSetStatus(_ context.Context, id string, expected, next purchase.Status, reference *string) (bool, error) {
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

func (m *memoryPurchases) SetPaymentReference(_ context.Context, id string, expected purchase.Status, reference string) (bool, error) {
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

func (m *memoryPurchases) ListBatchMembers(_ context.Context, token string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, p := range m.rows {
		if purchase.IsBatchMember(p.Reference(), token) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memoryPurchases) ListStalePending(context.Context, time.Time) ([]purchase.Purchase, error) {
	return nil, errors.New("not used")
}

func (m *memoryPurchases) get(id string) purchase.Purchase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}
