package purchase

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the ledger state of a photo purchase.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrNotFound is returned when a purchase row does not exist.
var ErrNotFound = errors.New("purchase: not found")

// ErrConcurrentUpdate is returned when a row kept changing underneath a status write.
var ErrConcurrentUpdate = errors.New("purchase: concurrent update")

// Terminal reports whether no further provider-driven change is expected.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseStatus converts a stored label into a Status.
func ParseStatus(value string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusPending:
		return StatusPending, true
	case StatusCompleted:
		return StatusCompleted, true
	case StatusFailed:
		return StatusFailed, true
	}
	return "", false
}

// Purchase is the subset of a purchase row the payment engine reads and writes.
type Purchase struct {
	ID               string
	BuyerID          string
	PhotoID          string
	Amount           decimal.Decimal
	Status           Status
	PaymentReference *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Reference returns the stored payment reference or an empty string.
func (p Purchase) Reference() string {
	if p.PaymentReference == nil {
		return ""
	}
	return *p.PaymentReference
}
