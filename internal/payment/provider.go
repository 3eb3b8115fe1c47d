package payment

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrProviderStatus is returned when the provider API answers with a non-2xx status.
var ErrProviderStatus = errors.New("payment: provider returned an error status")

// ProviderPayment is the authoritative state of one provider payment.
type ProviderPayment struct {
	ID                string
	Status            string
	StatusDetail      string
	ExternalReference string
	Amount            decimal.Decimal
	Currency          string
}

// ProviderPaymentSummary is one payment attempt listed on a merchant order.
type ProviderPaymentSummary struct {
	ID     string
	Status string
}

// ProviderOrder is a merchant order aggregating several payment attempts.
type ProviderOrder struct {
	ID                string
	ExternalReference string
	Payments          []ProviderPaymentSummary
}

// Provider fetches authoritative payment state from the payment provider.
type Provider interface {
	FetchPayment(ctx context.Context, id string) (ProviderPayment, error)
	FetchMerchantOrder(ctx context.Context, id string) (ProviderOrder, error)
}
