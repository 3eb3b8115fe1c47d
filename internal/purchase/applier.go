package purchase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/lensa-payments/internal/obs"
)

const maxCASAttempts = 3

// Transition asks the ledger to move a set of purchases to Target.
type Transition struct {
	PurchaseIDs []string
	Target      Status
	// ProviderPaymentID is recorded on the rows when known. Terminal writes store it
	// bare; pending rows get it appended to their reference for later reconciliation.
	ProviderPaymentID string
}

// ApplyResult reports what happened to each requested purchase.
type ApplyResult struct {
	Target     Status
	Changed    []string
	Unchanged  []string
	Refused    []string
	Missing    []string
	Correlated []string
}

// Applier writes provider-driven status transitions to the purchase ledger.
// Writes are compare-and-set per row, so replays and concurrent deliveries are no-ops.
type Applier struct {
	Store  Store
	Logger zerolog.Logger
	// AllowFailedRecovery lets a later approval move a failed purchase to completed.
	// Off by default, so both terminal statuses are absorbing.
	AllowFailedRecovery bool
}

// NewApplier constructs an Applier.
func NewApplier(store Store, logger zerolog.Logger, allowFailedRecovery bool) *Applier {
	return &Applier{Store: store, Logger: logger, AllowFailedRecovery: allowFailedRecovery}
}

type decision int

const (
	decisionNoop decision = iota
	decisionWrite
	decisionRefuse
)

// decide implements the transition table. Terminal statuses are absorbing; the
// only exception is failed to completed when recovery is enabled.
func (a *Applier) decide(current, target Status) decision {
	if current == target {
		return decisionNoop
	}
	switch current {
	case StatusPending:
		return decisionWrite
	case StatusFailed:
		if target == StatusCompleted && a.AllowFailedRecovery {
			return decisionWrite
		}
		return decisionRefuse
	default:
		return decisionRefuse
	}
}

// Resolve expands a reference into purchase IDs, looking up batch members when needed.
func (a *Applier) Resolve(ctx context.Context, ref Reference) ([]string, error) {
	switch r := ref.(type) {
	case DirectReference:
		return r.IDs, nil
	case BatchReference:
		return a.Store.ListBatchMembers(ctx, r.Token)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("purchase: unsupported reference %T", ref)
	}
}

// Apply moves every purchase in t to t.Target where the transition rules allow it.
// On a storage error the partial result is returned together with the error;
// re-applying the same transition afterwards is safe.
func (a *Applier) Apply(ctx context.Context, t Transition) (result ApplyResult, err error) {
	ctx, span := otel.Tracer("purchase").Start(ctx, "purchase.apply")
	span.SetAttributes(
		attribute.String("purchase.target", string(t.Target)),
		attribute.Int("purchase.count", len(t.PurchaseIDs)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	result.Target = t.Target
	if _, ok := ParseStatus(string(t.Target)); !ok {
		return result, fmt.Errorf("purchase: invalid target status %q", t.Target)
	}
	providerID := strings.TrimSpace(t.ProviderPaymentID)

	for _, id := range t.PurchaseIDs {
		if err := a.applyOne(ctx, id, t.Target, providerID, &result); err != nil {
			return result, fmt.Errorf("apply %s to purchase %s: %w", t.Target, id, err)
		}
	}
	return result, nil
}

func (a *Applier) applyOne(ctx context.Context, id string, target Status, providerID string, result *ApplyResult) error {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := a.Store.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			a.Logger.Warn().Str("purchase_id", id).Str("target", string(target)).Msg("purchase not found")
			result.Missing = append(result.Missing, id)
			return nil
		}
		if err != nil {
			return err
		}

		switch a.decide(current.Status, target) {
		case decisionNoop:
			if target == StatusPending && providerID != "" {
				correlated, err := a.correlate(ctx, current, providerID)
				if err != nil {
					return err
				}
				if correlated {
					result.Correlated = append(result.Correlated, id)
				}
			}
			result.Unchanged = append(result.Unchanged, id)
			return nil
		case decisionRefuse:
			a.Logger.Warn().
				Str("purchase_id", id).
				Str("current", string(current.Status)).
				Str("target", string(target)).
				Msg("purchase transition refused")
			obs.IncCounter(obs.PurchaseTransitionRefusedTotal, string(current.Status), string(target))
			result.Refused = append(result.Refused, id)
			return nil
		}

		var reference *string
		if target.Terminal() && providerID != "" {
			reference = &providerID
		}
		ok, err := a.Store.CompareAndSetStatus(ctx, id, current.Status, target, reference)
		if errors.Is(err, ErrNotFound) {
			result.Missing = append(result.Missing, id)
			return nil
		}
		if err != nil {
			return err
		}
		if ok {
			a.Logger.Info().
				Str("purchase_id", id).
				Str("from", string(current.Status)).
				Str("to", string(target)).
				Msg("purchase status updated")
			obs.IncCounter(obs.PurchaseTransitionsTotal, string(current.Status), string(target))
			result.Changed = append(result.Changed, id)
			return nil
		}
		// Another writer moved the row first; decide again against the fresh status.
	}
	return ErrConcurrentUpdate
}

// correlate appends the provider payment ID to a pending purchase's reference so the
// reconciliation sweep can look it up later. Existing correlations are left alone.
func (a *Applier) correlate(ctx context.Context, p Purchase, providerID string) (bool, error) {
	if ParseCorrelation(p.Reference()).PaymentID != "" {
		return false, nil
	}
	composite := ProviderCorrelation{Original: p.Reference(), PaymentID: providerID}.Encode()
	return a.Store.SetPaymentReference(ctx, p.ID, StatusPending, composite)
}
