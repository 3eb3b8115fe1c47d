package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lensa-payments/internal/purchase"
)

func newSweeper(store *memoryStore, fetcher *fakeFetcher, confirmer *recordingConfirmer) *Sweeper {
	return &Sweeper{
		Purchases:  store,
		Provider:   fetcher,
		Ledger:     purchase.NewApplier(store, zerolog.Nop(), false),
		Confirmer:  confirmer,
		StaleAfter: 10 * time.Minute,
		Logger:     zerolog.Nop(),
		Now:        func() time.Time { return baseTime },
	}
}

func TestSweepReconcilesStalePurchaseWithoutWebhook(t *testing.T) {
	store := newMemoryStore(row("p4", purchase.StatusPending, "p4|mp:555", 15*time.Minute))
	fetcher := &fakeFetcher{statuses: map[string]string{"555": "approved"}}
	confirmer := &recordingConfirmer{}

	summary, err := newSweeper(store, fetcher, confirmer).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, purchase.StatusCompleted, store.status("p4"))
	require.Equal(t, 1, summary.Total)
	require.Equal(t, 1, summary.Reconciled)
	require.Len(t, summary.Details, 1)
	require.Equal(t, "555", summary.Details[0].PaymentID)
	require.Equal(t, OutcomeReconciled, summary.Details[0].Outcome)
	require.Equal(t, "approved", summary.Details[0].ProviderStatus)
	require.Equal(t, [][]string{{"p4"}}, confirmer.calls)
}

func TestSweepIgnoresRecentPurchases(t *testing.T) {
	store := newMemoryStore(row("fresh", purchase.StatusPending, "fresh|mp:1", 2*time.Minute))
	fetcher := &fakeFetcher{statuses: map[string]string{"1": "approved"}}

	summary, err := newSweeper(store, fetcher, &recordingConfirmer{}).Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, summary.Total)
	require.Empty(t, fetcher.calls)
	require.Equal(t, purchase.StatusPending, store.status("fresh"))
}

func TestSweepGroupsPurchasesSharingPayment(t *testing.T) {
	store := newMemoryStore(
		row("a", purchase.StatusPending, "batch:tok|mp:42", 30*time.Minute),
		row("b", purchase.StatusPending, "batch:tok|mp:42", 20*time.Minute),
		row("c", purchase.StatusPending, "c|mp:43", 25*time.Minute),
	)
	fetcher := &fakeFetcher{statuses: map[string]string{"42": "rejected", "43": "in_process"}}

	summary, err := newSweeper(store, fetcher, &recordingConfirmer{}).Run(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"42", "43"}, fetcher.calls)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 2, summary.Failed)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, []string{"a", "b"}, summary.Details[0].PurchaseIDs)
	require.Equal(t, purchase.StatusFailed, store.status("a"))
	require.Equal(t, purchase.StatusFailed, store.status("b"))
	require.Equal(t, purchase.StatusPending, store.status("c"))
	require.Equal(t, OutcomeSkipped, summary.Details[1].Outcome)
}

func TestSweepCountsReferencesWithoutPaymentID(t *testing.T) {
	store := newMemoryStore(
		row("legacy", purchase.StatusPending, "legacy", time.Hour),
		row("batch", purchase.StatusPending, "batch:tok", time.Hour),
		row("bare", purchase.StatusPending, "987654", 30*time.Minute),
	)
	fetcher := &fakeFetcher{statuses: map[string]string{"987654": "approved"}}

	summary, err := newSweeper(store, fetcher, &recordingConfirmer{}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 3, summary.NoPaymentID)
	require.Zero(t, summary.Reconciled)
	require.Equal(t, purchase.StatusPending, store.status("bare"))
	require.Empty(t, summary.Details)
	require.Empty(t, fetcher.calls)
}

func TestSweepIsolatesProviderErrors(t *testing.T) {
	store := newMemoryStore(
		row("x", purchase.StatusPending, "x|mp:1", time.Hour),
		row("y", purchase.StatusPending, "y|mp:2", 50*time.Minute),
	)
	fetcher := &fakeFetcher{
		statuses: map[string]string{"2": "approved"},
		failing:  map[string]bool{"1": true},
	}
	confirmer := &recordingConfirmer{}

	summary, err := newSweeper(store, fetcher, confirmer).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Errors)
	require.Equal(t, 1, summary.Reconciled)
	require.Equal(t, OutcomeError, summary.Details[0].Outcome)
	require.Equal(t, "provider unavailable", summary.Details[0].Error)
	require.Equal(t, purchase.StatusPending, store.status("x"))
	require.Equal(t, purchase.StatusCompleted, store.status("y"))
	require.Equal(t, [][]string{{"y"}}, confirmer.calls)
}

func TestSweepConfirmsPurchasesCompletedBeforeLedgerFailure(t *testing.T) {
	store := newMemoryStore(
		row("a", purchase.StatusPending, "batch:tok|mp:42", time.Hour),
		row("b", purchase.StatusPending, "batch:tok|mp:42", 50*time.Minute),
	)
	store.failOnce = map[string]error{"b": errors.New("connection reset")}
	fetcher := &fakeFetcher{statuses: map[string]string{"42": "approved"}}
	confirmer := &recordingConfirmer{}

	summary, err := newSweeper(store, fetcher, confirmer).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, [][]string{{"a"}}, confirmer.calls)
	require.Equal(t, 1, summary.Reconciled)
	require.Equal(t, 1, summary.Errors)
	require.Equal(t, OutcomeError, summary.Details[0].Outcome)
	require.Equal(t, 1, summary.Details[0].Changed)

	summary, err = newSweeper(store, fetcher, confirmer).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Total)
	require.Equal(t, 1, summary.Reconciled)
	require.Equal(t, [][]string{{"a"}, {"b"}}, confirmer.calls)
}

func TestSweepCountsOnlyRowsItMoved(t *testing.T) {
	store := newMemoryStore(
		row("a", purchase.StatusPending, "batch:tok|mp:42", time.Hour),
		row("b", purchase.StatusPending, "batch:tok|mp:42", time.Hour),
	)
	fetcher := &fakeFetcher{statuses: map[string]string{"42": "approved"}}
	sweeper := newSweeper(store, fetcher, &recordingConfirmer{})
	// A webhook resolved "a" between listing and applying.
	sweeper.Purchases = listedBefore{store: store, resolve: "a"}

	summary, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, summary.Total)
	require.Equal(t, 1, summary.Reconciled)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, OutcomeReconciled, summary.Details[0].Outcome)
	require.Equal(t, summary.Total, summary.Reconciled+summary.Failed+summary.Skipped+summary.NoPaymentID+summary.Errors)
}

func TestSweepTotalsAddUp(t *testing.T) {
	store := newMemoryStore(
		row("a", purchase.StatusPending, "a|mp:1", time.Hour),
		row("b", purchase.StatusPending, "b|mp:2", time.Hour),
		row("c", purchase.StatusPending, "c|mp:3", time.Hour),
		row("d", purchase.StatusPending, "d|mp:4", time.Hour),
		row("e", purchase.StatusPending, "e", time.Hour),
	)
	fetcher := &fakeFetcher{
		statuses: map[string]string{"1": "approved", "2": "cancelled", "3": "pending"},
		failing:  map[string]bool{"4": true},
	}

	s, err := newSweeper(store, fetcher, &recordingConfirmer{}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, s.Total, s.Reconciled+s.Failed+s.Skipped+s.NoPaymentID+s.Errors)
	require.Equal(t, 5, s.Total)
}

func TestSweepWaitsBetweenProviderCalls(t *testing.T) {
	store := newMemoryStore(
		row("a", purchase.StatusPending, "a|mp:1", time.Hour),
		row("b", purchase.StatusPending, "b|mp:2", time.Hour),
		row("c", purchase.StatusPending, "c|mp:3", time.Hour),
	)
	fetcher := &fakeFetcher{statuses: map[string]string{"1": "pending", "2": "pending", "3": "pending"}}
	sweeper := newSweeper(store, fetcher, &recordingConfirmer{})
	sweeper.CallDelay = 20 * time.Millisecond

	start := time.Now()
	_, err := sweeper.Run(context.Background())
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestSweepStopsWhenCanceledDuringDelay(t *testing.T) {
	store := newMemoryStore(
		row("a", purchase.StatusPending, "a|mp:1", time.Hour),
		row("b", purchase.StatusPending, "b|mp:2", time.Hour),
	)
	fetcher := &fakeFetcher{statuses: map[string]string{"1": "pending", "2": "approved"}}
	sweeper := newSweeper(store, fetcher, &recordingConfirmer{})
	sweeper.CallDelay = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	summary, err := sweeper.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, summary.Details, 1)
	require.Equal(t, []string{"1"}, fetcher.calls)
	require.Equal(t, purchase.StatusPending, store.status("b"))
}

func TestSweepReturnsListError(t *testing.T) {
	boom := errors.New("db down")
	sweeper := &Sweeper{Purchases: failingLister{err: boom}, Logger: zerolog.Nop()}
	_, err := sweeper.Run(context.Background())
	require.ErrorIs(t, err, boom)
}
