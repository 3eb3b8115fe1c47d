package payment

import (
	"encoding/json"
	"regexp"
	"strings"
)

// EventKind tags a classified notification.
type EventKind string

const (
	EventPayment       EventKind = "payment"
	EventMerchantOrder EventKind = "merchant_order"
	EventUnrecognized  EventKind = "unrecognized"
)

// Event is the classifier output: a kind plus the provider-side identifier.
type Event struct {
	Kind EventKind
	ID   string
}

// Notification is the subset of the webhook body the classifier reads.
type Notification struct {
	Topic    string `json:"topic"`
	Type     string `json:"type"`
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Data     struct {
		ID flexibleID `json:"id"`
	} `json:"data"`
}

// flexibleID accepts both JSON strings and numbers.
type flexibleID string

func (f *flexibleID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexibleID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexibleID(n.String())
	return nil
}

var (
	merchantOrderPattern = regexp.MustCompile(`merchant_orders/(\d+)`)
	paymentPattern       = regexp.MustCompile(`payments/(\d+)`)
)

// QueryIDs holds identifiers passed on the notification URL.
type QueryIDs struct {
	DataID string
	ID     string
	Topic  string
}

// Classify decides whether a notification refers to a payment, a merchant order, or
// nothing actionable. Any payment-like identifier found anywhere wins over rejecting
// the notification.
func Classify(n Notification, q QueryIDs) Event {
	topic := strings.ToLower(strings.TrimSpace(n.Topic))
	if topic == "" {
		topic = strings.ToLower(strings.TrimSpace(q.Topic))
	}
	kind := strings.ToLower(strings.TrimSpace(n.Type))
	action := strings.ToLower(strings.TrimSpace(n.Action))
	resource := strings.TrimSpace(n.Resource)
	bodyID := strings.TrimSpace(string(n.Data.ID))
	queryID := strings.TrimSpace(q.DataID)
	if queryID == "" {
		queryID = strings.TrimSpace(q.ID)
	}

	if topic == "payment" || kind == "payment" || strings.HasPrefix(action, "payment.") {
		if id := firstNonEmpty(bodyID, queryID, submatch(paymentPattern, resource), numericResource(resource)); id != "" {
			return Event{Kind: EventPayment, ID: id}
		}
	}

	if topic == "merchant_order" || kind == "merchant_order" || strings.Contains(resource, "merchant_orders/") {
		if id := submatch(merchantOrderPattern, resource); id != "" {
			return Event{Kind: EventMerchantOrder, ID: id}
		}
	}

	if id := firstNonEmpty(submatch(paymentPattern, resource), queryID, bodyID); id != "" {
		return Event{Kind: EventPayment, ID: id}
	}
	return Event{Kind: EventUnrecognized}
}

func submatch(re *regexp.Regexp, value string) string {
	m := re.FindStringSubmatch(value)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// numericResource covers legacy IPN payloads that put the bare payment ID in resource.
func numericResource(resource string) string {
	if isNumeric(resource) {
		return resource
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
