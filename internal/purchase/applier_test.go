package purchase

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestApplier(store Store) *Applier {
	return NewApplier(store, zerolog.Nop(), false)
}

func TestApplyCompletesPendingPurchases(t *testing.T) {
	store := newMemoryStore(
		Purchase{ID: "p1", Status: StatusPending, PaymentReference: ref("p1,p2")},
		Purchase{ID: "p2", Status: StatusPending, PaymentReference: ref("p1,p2")},
	)
	applier := newTestApplier(store)

	res, err := applier.Apply(context.Background(), Transition{PurchaseIDs: []string{"p1", "p2"}, Target: StatusCompleted, ProviderPaymentID: "555"})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Target)
	require.ElementsMatch(t, []string{"p1", "p2"}, res.Changed)
	require.Equal(t, StatusCompleted, store.status("p1"))
	require.Equal(t, "555", store.reference("p1"))
}

func TestApplyIsIdempotent(t *testing.T) {
	store := newMemoryStore(Purchase{ID: "p1", Status: StatusPending})
	applier := newTestApplier(store)
	transition := Transition{PurchaseIDs: []string{"p1"}, Target: StatusCompleted, ProviderPaymentID: "1"}

	first, err := applier.Apply(context.Background(), transition)
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, first.Changed)

	second, err := applier.Apply(context.Background(), transition)
	require.NoError(t, err)
	require.Empty(t, second.Changed)
	require.Equal(t, []string{"p1"}, second.Unchanged)
	require.Equal(t, 1, store.casWrites)
}

func TestApplyNeverDowngradesCompleted(t *testing.T) {
	store := newMemoryStore(Purchase{ID: "p1", Status: StatusCompleted, PaymentReference: ref("777")})
	applier := newTestApplier(store)

	for _, target := range []Status{StatusPending, StatusFailed} {
		res, err := applier.Apply(context.Background(), Transition{PurchaseIDs: []string{"p1"}, Target: target, ProviderPaymentID: "778"})
		require.NoError(t, err)
		require.Equal(t, []string{"p1"}, res.Refused)
		require.Empty(t, res.Changed)
	}
	require.Equal(t, StatusCompleted, store.status("p1"))
	require.Equal(t, "777", store.reference("p1"))
}

func TestApplyFailedRules(t *testing.T) {
	t.Run("pending after failed is refused", func(t *testing.T) {
		store := newMemoryStore(Purchase{ID: "p1", Status: StatusFailed})
		res, err := newTestApplier(store).Apply(context.Background(), Transition{PurchaseIDs: []string{"p1"}, Target: StatusPending})
		require.NoError(t, err)
		require.Equal(t, []string{"p1"}, res.Refused)
		require.Equal(t, StatusFailed, store.status("p1"))
	})

	t.Run("failed is not left by a late approval", func(t *testing.T) {
		store := newMemoryStore(Purchase{ID: "p1", Status: StatusFailed})
		res, err := newTestApplier(store).Apply(context.Background(), Transition{PurchaseIDs: []string{"p1"}, Target: StatusCompleted})
		require.NoError(t, err)
		require.Equal(t, []string{"p1"}, res.Refused)
		require.Empty(t, res.Changed)
		require.Equal(t, StatusFailed, store.status("p1"))
	})

	t.Run("recovery mode lets a late approval win", func(t *testing.T) {
		store := newMemoryStore(Purchase{ID: "p1", Status: StatusFailed})
		applier := NewApplier(store, zerolog.Nop(), true)
		res, err := applier.Apply(context.Background(), Transition{PurchaseIDs: []string{"p1"}, Target: StatusCompleted})
		require.NoError(t, err)
		require.Equal(t, []string{"p1"}, res.Changed)
		require.Equal(t, StatusCompleted, store.status("p1"))
	})
}

func TestApplyPendingRecordsCorrelation(t *testing.T) {
	store := newMemoryStore(Purchase{ID: "p1", Status: StatusPending, PaymentReference: ref("p1")})
	applier := newTestApplier(store)

	res, err := applier.Apply(context.Background(), Transition{PurchaseIDs: []string{"p1"}, Target: StatusPending, ProviderPaymentID: "9001"})
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, res.Unchanged)
	require.Equal(t, []string{"p1"}, res.Correlated)
	require.Equal(t, "p1|mp:9001", store.reference("p1"))

	// An existing correlation is kept.
	res, err = applier.Apply(context.Background(), Transition{PurchaseIDs: []string{"p1"}, Target: StatusPending, ProviderPaymentID: "9002"})
	require.NoError(t, err)
	require.Empty(t, res.Correlated)
	require.Equal(t, "p1|mp:9001", store.reference("p1"))
}

func TestApplyWithoutProviderIDKeepsReference(t *testing.T) {
	store := newMemoryStore(Purchase{ID: "p1", Status: StatusPending, PaymentReference: ref("p1|mp:12")})
	res, err := newTestApplier(store).Apply(context.Background(), Transition{PurchaseIDs: []string{"p1"}, Target: StatusFailed})
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, res.Changed)
	require.Equal(t, "p1|mp:12", store.reference("p1"))
}

func TestApplyReportsMissingPurchases(t *testing.T) {
	store := newMemoryStore(Purchase{ID: "p1", Status: StatusPending})
	res, err := newTestApplier(store).Apply(context.Background(), Transition{PurchaseIDs: []string{"p1", "ghost"}, Target: StatusCompleted})
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, res.Changed)
	require.Equal(t, []string{"ghost"}, res.Missing)
}

func TestApplyRejectsUnknownTarget(t *testing.T) {
	_, err := newTestApplier(newMemoryStore()).Apply(context.Background(), Transition{PurchaseIDs: []string{"p1"}, Target: Status("refunded")})
	require.Error(t, err)
}

func TestApplyPropagatesStoreErrors(t *testing.T) {
	store := newMemoryStore(Purchase{ID: "p1", Status: StatusPending})
	store.getErr = errors.New("connection reset")
	_, err := newTestApplier(store).Apply(context.Background(), Transition{PurchaseIDs: []string{"p1"}, Target: StatusCompleted})
	require.ErrorContains(t, err, "connection reset")
}

func TestApplyRereadsAfterLostRace(t *testing.T) {
	store := newMemoryStore(Purchase{ID: "p1", Status: StatusPending})
	var once sync.Once
	store.casHook = func(id string) {
		once.Do(func() {
			store.mu.Lock()
			p := store.rows[id]
			p.Status = StatusCompleted
			store.rows[id] = p
			store.mu.Unlock()
		})
	}

	res, err := newTestApplier(store).Apply(context.Background(), Transition{PurchaseIDs: []string{"p1"}, Target: StatusFailed})
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, res.Refused)
	require.Equal(t, StatusCompleted, store.status("p1"))
}

func TestApplyConcurrentDeliveriesWriteOnce(t *testing.T) {
	store := newMemoryStore(Purchase{ID: "p1", Status: StatusPending}, Purchase{ID: "p2", Status: StatusPending})
	applier := newTestApplier(store)

	var wg sync.WaitGroup
	changed := make(chan []string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := applier.Apply(context.Background(), Transition{PurchaseIDs: []string{"p1", "p2"}, Target: StatusCompleted, ProviderPaymentID: "1"})
			if err == nil {
				changed <- res.Changed
			}
		}()
	}
	wg.Wait()
	close(changed)

	total := 0
	for ids := range changed {
		total += len(ids)
	}
	require.Equal(t, 2, total)
	require.Equal(t, 2, store.casWrites)
}

func TestResolveBatchReference(t *testing.T) {
	store := newMemoryStore(
		Purchase{ID: "a", Status: StatusPending, PaymentReference: ref("batch:batch_x")},
		Purchase{ID: "b", Status: StatusPending, PaymentReference: ref("batch:batch_x|mp:4")},
		Purchase{ID: "c", Status: StatusPending, PaymentReference: ref("batch:batch_xy")},
		Purchase{ID: "d", Status: StatusPending, PaymentReference: ref("batch:batch_x:photo-9")},
	)
	ids, err := newTestApplier(store).Resolve(context.Background(), BatchReference{Token: "batch_x"})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "d"}, ids)

	ids, err = newTestApplier(store).Resolve(context.Background(), DirectReference{IDs: []string{"z"}})
	require.NoError(t, err)
	require.Equal(t, []string{"z"}, ids)
}
