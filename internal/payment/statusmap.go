package payment

import (
	"strings"

	"github.com/noah-isme/lensa-payments/internal/purchase"
)

// MapStatus converts provider status labels into ledger statuses.
func MapStatus(providerStatus string) purchase.Status {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "approved", "paid":
		return purchase.StatusCompleted
	case "rejected", "cancelled", "expired":
		return purchase.StatusFailed
	}
	return purchase.StatusPending
}

// OrderResolution is the aggregate outcome of a merchant order.
type OrderResolution struct {
	// ProviderStatus is "approved", "rejected" or "pending".
	ProviderStatus string
	// PaymentID is the approved attempt when there is one, else the latest attempt.
	PaymentID string
}

// ResolveMerchantOrder folds the order's payment attempts into one status: any
// approval wins; otherwise a rejection wins when no attempt is still pending;
// otherwise the order is pending.
func ResolveMerchantOrder(order ProviderOrder) OrderResolution {
	var (
		approvedID  string
		lastID      string
		anyRejected bool
		anyPending  bool
	)
	for _, p := range order.Payments {
		lastID = p.ID
		switch MapStatus(p.Status) {
		case purchase.StatusCompleted:
			if approvedID == "" {
				approvedID = p.ID
			}
		case purchase.StatusFailed:
			anyRejected = true
		default:
			anyPending = true
		}
	}
	switch {
	case approvedID != "":
		return OrderResolution{ProviderStatus: "approved", PaymentID: approvedID}
	case anyRejected && !anyPending:
		return OrderResolution{ProviderStatus: "rejected", PaymentID: lastID}
	default:
		return OrderResolution{ProviderStatus: "pending", PaymentID: lastID}
	}
}
