package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/lensa-payments/internal/common"
	"github.com/noah-isme/lensa-payments/internal/obs"
	"github.com/noah-isme/lensa-payments/internal/purchase"
)

// Ledger resolves references to purchases and applies status transitions.
// Apply returns the partial result alongside any error.
type Ledger interface {
	Resolve(ctx context.Context, ref purchase.Reference) ([]string, error)
	Apply(ctx context.Context, t purchase.Transition) (purchase.ApplyResult, error)
}

// Confirmer hands newly completed purchases to the notification service. Best effort.
type Confirmer interface {
	Confirm(ctx context.Context, purchaseIDs []string)
}

// Webhook handles payment provider notifications: verify, classify, fetch the
// authoritative state, map it and apply it to the ledger.
type Webhook struct {
	Provider  Provider
	Verifier  SignatureVerifier
	Ledger    Ledger
	Confirmer Confirmer
	Logger    zerolog.Logger
	// StrictSignature rejects unverified notifications with 401 instead of processing them.
	StrictSignature bool
}

// Handle processes one provider notification. Failures before the ledger write
// answer 500 so the provider redelivers later; ignorable events answer 200.
func (h Webhook) Handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("payment").Start(r.Context(), "payment.webhook")
	defer span.End()

	eventLabel := string(EventUnrecognized)
	outcome := "error"
	defer func() {
		obs.IncCounter(obs.PaymentWebhookTotal, eventLabel, outcome)
	}()

	if h.Provider == nil || h.Ledger == nil {
		common.JSONError(w, http.StatusInternalServerError, "webhook unavailable")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		outcome = "invalid_body"
		common.JSONError(w, http.StatusBadRequest, "unable to read payload")
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	query := QueryIDs{
		DataID: r.URL.Query().Get("data.id"),
		ID:     r.URL.Query().Get("id"),
		Topic:  r.URL.Query().Get("topic"),
	}
	var note Notification
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &note); err != nil {
			if strings.TrimSpace(query.DataID) == "" && strings.TrimSpace(query.ID) == "" {
				outcome = "invalid_body"
				h.Logger.Warn().Err(err).Msg("payment webhook body is not valid JSON")
				common.JSONError(w, http.StatusBadRequest, "invalid JSON payload")
				return
			}
			note = Notification{}
		}
	}

	event := Classify(note, query)
	eventLabel = string(event.Kind)
	span.SetAttributes(attribute.String("payment.event", eventLabel), attribute.String("payment.event_id", event.ID))
	log := h.Logger.With().Str("event", eventLabel).Str("event_id", event.ID).Logger()

	signedID := strings.TrimSpace(query.DataID)
	if signedID == "" {
		signedID = event.ID
	}
	sig := h.Verifier.Verify(SignatureInput{
		Header:    r.Header.Get("x-signature"),
		RequestID: r.Header.Get("x-request-id"),
		DataID:    signedID,
	})
	span.SetAttributes(attribute.Bool("payment.signature_valid", sig.Valid))
	if !sig.Valid {
		if h.StrictSignature {
			outcome = "invalid_signature"
			log.Warn().Str("reason", sig.Reason).Msg("payment webhook rejected: signature not verified")
			common.JSONError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		log.Warn().Str("reason", sig.Reason).Msg("payment webhook signature not verified, continuing")
	}

	var (
		providerStatus string
		externalRef    string
		paymentID      string
	)
	switch event.Kind {
	case EventPayment:
		payment, err := h.Provider.FetchPayment(ctx, event.ID)
		if err != nil {
			outcome = "fetch_error"
			span.RecordError(err)
			log.Error().Err(err).Msg("fetch payment failed")
			common.JSONError(w, http.StatusInternalServerError, "failed to fetch payment")
			return
		}
		providerStatus = payment.Status
		externalRef = payment.ExternalReference
		paymentID = payment.ID
		if paymentID == "" {
			paymentID = event.ID
		}
		log.Info().
			Str("provider_status", payment.Status).
			Str("status_detail", payment.StatusDetail).
			Str("amount", payment.Amount.StringFixed(2)).
			Str("currency", payment.Currency).
			Msg("payment fetched")
	case EventMerchantOrder:
		order, err := h.Provider.FetchMerchantOrder(ctx, event.ID)
		if err != nil {
			outcome = "fetch_error"
			span.RecordError(err)
			log.Error().Err(err).Msg("fetch merchant order failed")
			common.JSONError(w, http.StatusInternalServerError, "failed to fetch merchant order")
			return
		}
		resolution := ResolveMerchantOrder(order)
		providerStatus = resolution.ProviderStatus
		externalRef = order.ExternalReference
		paymentID = resolution.PaymentID
		log.Info().
			Str("provider_status", providerStatus).
			Int("attempts", len(order.Payments)).
			Msg("merchant order fetched")
	default:
		outcome = "ignored"
		log.Info().Msg("payment webhook ignored: unrecognized event")
		common.JSON(w, http.StatusOK, map[string]string{"message": "event ignored"})
		return
	}

	ref, ok := purchase.ParseExternalReference(externalRef)
	if !ok {
		outcome = "no_reference"
		log.Warn().Msg("provider payment has no external reference")
		common.JSON(w, http.StatusOK, map[string]string{"message": "no external reference"})
		return
	}
	ids, err := h.Ledger.Resolve(ctx, ref)
	if err != nil {
		outcome = "db_error"
		span.RecordError(err)
		log.Error().Err(err).Msg("resolve external reference failed")
		common.JSONError(w, http.StatusInternalServerError, "failed to resolve purchases")
		return
	}
	if len(ids) == 0 {
		outcome = "no_purchases"
		log.Warn().Str("external_reference", externalRef).Msg("external reference matched no purchases")
		common.JSON(w, http.StatusOK, map[string]string{"message": "no purchases matched"})
		return
	}

	target := MapStatus(providerStatus)
	result, err := h.Ledger.Apply(ctx, purchase.Transition{PurchaseIDs: ids, Target: target, ProviderPaymentID: paymentID})
	// Rows completed before a failure are never reported as changed again.
	if target == purchase.StatusCompleted && len(result.Changed) > 0 && h.Confirmer != nil {
		h.Confirmer.Confirm(context.WithoutCancel(ctx), result.Changed)
	}
	if err != nil {
		outcome = "db_error"
		span.RecordError(err)
		log.Error().Err(err).Int("changed", len(result.Changed)).Msg("apply purchase transition failed")
		common.JSONError(w, http.StatusInternalServerError, "failed to update purchases")
		return
	}

	outcome = "applied"
	log.Info().
		Str("status", string(target)).
		Int("changed", len(result.Changed)).
		Int("unchanged", len(result.Unchanged)).
		Int("refused", len(result.Refused)).
		Int("missing", len(result.Missing)).
		Msg("payment webhook processed")
	common.JSON(w, http.StatusOK, map[string]any{"success": true, "status": string(target)})
}
