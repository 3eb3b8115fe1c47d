package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/lensa-payments/internal/obs"
	"github.com/noah-isme/lensa-payments/internal/payment"
	"github.com/noah-isme/lensa-payments/internal/purchase"
)

// Group outcomes reported per provider payment.
const (
	OutcomeReconciled = "reconciled"
	OutcomeFailed     = "failed"
	OutcomeSkipped    = "skipped"
	OutcomeError      = "error"
)

// StaleLister finds pending purchases older than a cutoff.
type StaleLister interface {
	ListStalePending(ctx context.Context, olderThan time.Time) ([]purchase.Purchase, error)
}

// PaymentFetcher reads a payment from the provider.
type PaymentFetcher interface {
	FetchPayment(ctx context.Context, id string) (payment.ProviderPayment, error)
}

// Applier writes status transitions to the ledger. The partial result is
// returned alongside any error.
type Applier interface {
	Apply(ctx context.Context, t purchase.Transition) (purchase.ApplyResult, error)
}

// GroupDetail describes what the sweep did for one provider payment.
type GroupDetail struct {
	PaymentID      string   `json:"paymentId"`
	PurchaseIDs    []string `json:"purchaseIds"`
	ProviderStatus string   `json:"providerStatus,omitempty"`
	Status         string   `json:"status,omitempty"`
	Outcome        string   `json:"outcome"`
	Changed        int      `json:"changed"`
	Error          string   `json:"error,omitempty"`
}

// Summary counts purchases by what happened to them. Total equals the sum of the
// other counters.
type Summary struct {
	Total       int           `json:"total"`
	Reconciled  int           `json:"reconciled"`
	Skipped     int           `json:"skipped"`
	Failed      int           `json:"failed"`
	NoPaymentID int           `json:"noPaymentId"`
	Errors      int           `json:"errors"`
	Details     []GroupDetail `json:"details"`
}

// Sweeper repairs purchases whose webhook never arrived by asking the provider
// for the payment recorded in their reference.
type Sweeper struct {
	Purchases  StaleLister
	Provider   PaymentFetcher
	Ledger     Applier
	Confirmer  payment.Confirmer
	StaleAfter time.Duration
	// CallDelay separates consecutive provider calls.
	CallDelay time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

type group struct {
	paymentID   string
	purchaseIDs []string
}

// Run performs one sweep. Provider and ledger failures are recorded per group and
// do not stop the sweep; only listing failures and cancellation return an error.
func (s *Sweeper) Run(ctx context.Context) (Summary, error) {
	ctx, span := otel.Tracer("reconcile").Start(ctx, "reconcile.sweep")
	defer span.End()

	summary := Summary{Details: []GroupDetail{}}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	staleAfter := s.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}

	stale, err := s.Purchases.ListStalePending(ctx, now().Add(-staleAfter))
	if err != nil {
		span.RecordError(err)
		return summary, err
	}
	summary.Total = len(stale)

	groups := groupByPayment(stale, &summary)
	span.SetAttributes(attribute.Int("reconcile.stale", len(stale)), attribute.Int("reconcile.groups", len(groups)))

	for i, g := range groups {
		if i > 0 && s.CallDelay > 0 {
			if err := sleep(ctx, s.CallDelay); err != nil {
				return summary, err
			}
		}
		detail := s.reconcileGroup(ctx, g)
		summary.count(detail)
		obs.IncCounter(obs.ReconcileGroupsTotal, detail.Outcome)
		summary.Details = append(summary.Details, detail)
	}

	s.Logger.Info().
		Int("total", summary.Total).
		Int("reconciled", summary.Reconciled).
		Int("skipped", summary.Skipped).
		Int("failed", summary.Failed).
		Int("no_payment_id", summary.NoPaymentID).
		Int("errors", summary.Errors).
		Msg("reconciliation sweep finished")
	return summary, nil
}

func (s *Sweeper) reconcileGroup(ctx context.Context, g group) GroupDetail {
	detail := GroupDetail{PaymentID: g.paymentID, PurchaseIDs: g.purchaseIDs}
	log := s.Logger.With().Str("payment_id", g.paymentID).Int("purchases", len(g.purchaseIDs)).Logger()

	p, err := s.Provider.FetchPayment(ctx, g.paymentID)
	if err != nil {
		log.Warn().Err(err).Msg("reconcile: fetch payment failed")
		detail.Outcome = OutcomeError
		detail.Error = err.Error()
		return detail
	}
	target := payment.MapStatus(p.Status)
	detail.ProviderStatus = p.Status
	detail.Status = string(target)

	// The whole group is applied together so siblings converge on one status.
	result, err := s.Ledger.Apply(ctx, purchase.Transition{PurchaseIDs: g.purchaseIDs, Target: target})
	detail.Changed = len(result.Changed)
	if target == purchase.StatusCompleted && len(result.Changed) > 0 && s.Confirmer != nil {
		s.Confirmer.Confirm(ctx, result.Changed)
	}
	if err != nil {
		log.Error().Err(err).Int("changed", detail.Changed).Msg("reconcile: apply transition failed")
		detail.Outcome = OutcomeError
		detail.Error = err.Error()
		return detail
	}

	switch target {
	case purchase.StatusCompleted:
		detail.Outcome = OutcomeReconciled
	case purchase.StatusFailed:
		detail.Outcome = OutcomeFailed
	default:
		detail.Outcome = OutcomeSkipped
	}
	log.Info().Str("provider_status", p.Status).Str("outcome", detail.Outcome).Int("changed", detail.Changed).Msg("reconcile: group processed")
	return detail
}

// count attributes a group's purchases to the summary counters. Only rows the
// sweep actually moved count as reconciled or failed; rows another writer had
// already resolved count as skipped.
func (s *Summary) count(d GroupDetail) {
	n := len(d.PurchaseIDs)
	moved := 0
	switch purchase.Status(d.Status) {
	case purchase.StatusCompleted:
		moved = d.Changed
		s.Reconciled += moved
	case purchase.StatusFailed:
		moved = d.Changed
		s.Failed += moved
	}
	if d.Outcome == OutcomeError {
		s.Errors += n - moved
		return
	}
	s.Skipped += n - moved
}

// groupByPayment buckets purchases by embedded provider payment ID, keeping the
// order in which payments were first seen.
func groupByPayment(stale []purchase.Purchase, summary *Summary) []group {
	index := make(map[string]int)
	var groups []group
	for _, p := range stale {
		paymentID := purchase.ParseCorrelation(p.Reference()).PaymentID
		if paymentID == "" {
			summary.NoPaymentID++
			continue
		}
		if i, seen := index[paymentID]; seen {
			groups[i].purchaseIDs = append(groups[i].purchaseIDs, p.ID)
			continue
		}
		index[paymentID] = len(groups)
		groups = append(groups, group{paymentID: paymentID, purchaseIDs: []string{p.ID}})
	}
	return groups
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
