package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/lensa-payments/internal/obs"
	"github.com/noah-isme/lensa-payments/internal/resilience"
)

const defaultProviderBaseURL = "https://api.mercadopago.com"

// MercadoPago reads payments and merchant orders from the Mercado Pago REST API.
type MercadoPago struct {
	BaseURL     string
	AccessToken string
	HTTP        resilience.HTTPClient
}

type mpPayment struct {
	ID                json.Number     `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	ExternalReference string          `json:"external_reference"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
	CurrencyID        string          `json:"currency_id"`
}

type mpMerchantOrder struct {
	ID                json.Number `json:"id"`
	ExternalReference string      `json:"external_reference"`
	Payments          []struct {
		ID     json.Number `json:"id"`
		Status string      `json:"status"`
	} `json:"payments"`
}

// FetchPayment calls GET /v1/payments/{id}.
func (m MercadoPago) FetchPayment(ctx context.Context, id string) (ProviderPayment, error) {
	var body mpPayment
	if err := m.get(ctx, "payment", "/v1/payments/"+url.PathEscape(id), &body); err != nil {
		return ProviderPayment{}, err
	}
	return ProviderPayment{
		ID:                body.ID.String(),
		Status:            body.Status,
		StatusDetail:      body.StatusDetail,
		ExternalReference: body.ExternalReference,
		Amount:            body.TransactionAmount,
		Currency:          body.CurrencyID,
	}, nil
}

// FetchMerchantOrder calls GET /merchant_orders/{id}.
func (m MercadoPago) FetchMerchantOrder(ctx context.Context, id string) (ProviderOrder, error) {
	var body mpMerchantOrder
	if err := m.get(ctx, "merchant_order", "/merchant_orders/"+url.PathEscape(id), &body); err != nil {
		return ProviderOrder{}, err
	}
	order := ProviderOrder{
		ID:                body.ID.String(),
		ExternalReference: body.ExternalReference,
		Payments:          make([]ProviderPaymentSummary, 0, len(body.Payments)),
	}
	for _, p := range body.Payments {
		order.Payments = append(order.Payments, ProviderPaymentSummary{ID: p.ID.String(), Status: p.Status})
	}
	return order, nil
}

func (m MercadoPago) get(ctx context.Context, resource, path string, out any) (err error) {
	start := time.Now()
	defer func() {
		if obs.ProviderRequestLatency == nil {
			return
		}
		result := "success"
		if err != nil {
			result = "error"
		}
		obs.ProviderRequestLatency.WithLabelValues(resource, result).Observe(obs.DurationMillis(time.Since(start)))
	}()

	base := strings.TrimRight(strings.TrimSpace(m.BaseURL), "/")
	if base == "" {
		base = defaultProviderBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if token := strings.TrimSpace(m.AccessToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := m.HTTP.Do(ctx, req)
	var statusErr *resilience.StatusError
	if errors.As(err, &statusErr) {
		return fmt.Errorf("fetch %s: %w: %s", resource, ErrProviderStatus, statusErr.Status)
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", resource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fetch %s: %w: %d %s", resource, ErrProviderStatus, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", resource, err)
	}
	return nil
}
