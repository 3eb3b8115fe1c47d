package notify

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/lensa-payments/internal/obs"
)

// Sender delivers a purchase confirmation to the notification service.
type Sender interface {
	SendConfirmation(ctx context.Context, purchaseIDs []string) error
}

// Dispatcher fires purchase confirmations for purchases that just completed.
// Each purchase is claimed once per GuardTTL so redelivered webhooks and a
// concurrent sweep cannot confirm it twice. Failures are logged, never returned.
type Dispatcher struct {
	Sender   Sender
	Guard    ConfirmGuard
	GuardTTL time.Duration
	Logger   zerolog.Logger
}

// Confirm sends one confirmation covering every purchase not confirmed yet.
func (d *Dispatcher) Confirm(ctx context.Context, purchaseIDs []string) {
	if d == nil || d.Sender == nil || len(purchaseIDs) == 0 {
		return
	}
	ctx, span := otel.Tracer("notify").Start(ctx, "notify.confirm")
	defer span.End()
	span.SetAttributes(attribute.Int("purchase.count", len(purchaseIDs)))

	claimed := d.claim(ctx, purchaseIDs)
	if len(claimed) == 0 {
		obs.IncCounter(obs.ConfirmationDispatchTotal, "duplicate")
		return
	}

	if err := d.Sender.SendConfirmation(ctx, claimed); err != nil {
		span.RecordError(err)
		obs.IncCounter(obs.ConfirmationDispatchTotal, "failed")
		d.Logger.Error().Err(err).Strs("purchase_ids", claimed).Msg("purchase confirmation failed")
		d.release(ctx, claimed)
		return
	}
	obs.IncCounter(obs.ConfirmationDispatchTotal, "sent")
	d.Logger.Info().Strs("purchase_ids", claimed).Msg("purchase confirmation sent")
}

func (d *Dispatcher) claim(ctx context.Context, purchaseIDs []string) []string {
	ids := normalizeIDs(purchaseIDs)
	if d.Guard == nil || d.GuardTTL <= 0 {
		return ids
	}
	claimed, err := d.Guard.Claim(ctx, ids, d.GuardTTL)
	if err != nil {
		// Fail open: send without the guard.
		d.Logger.Warn().Err(err).Strs("purchase_ids", ids).Msg("confirmation guard unavailable")
		return ids
	}
	return claimed
}

// release lets a later completion retry the purchases whose send failed.
func (d *Dispatcher) release(ctx context.Context, purchaseIDs []string) {
	if d.Guard == nil || d.GuardTTL <= 0 {
		return
	}
	if err := d.Guard.Release(ctx, purchaseIDs); err != nil {
		d.Logger.Warn().Err(err).Strs("purchase_ids", purchaseIDs).Msg("release confirmation guard failed")
	}
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
