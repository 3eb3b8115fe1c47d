package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/lensa-payments/internal/resilience"
)

// ConfirmationPayload is the body posted to the notification service.
type ConfirmationPayload struct {
	EventID     string    `json:"eventId"`
	PurchaseIDs []string  `json:"purchaseIds"`
	OccurredAt  time.Time `json:"occurredAt"`
}

// NewConfirmationPayload builds a payload whose EventID is stable for the same purchase set.
func NewConfirmationPayload(purchaseIDs []string, now time.Time) ConfirmationPayload {
	ids := normalizeIDs(purchaseIDs)
	return ConfirmationPayload{
		EventID:     ConfirmationEventID(ids),
		PurchaseIDs: ids,
		OccurredAt:  now.UTC(),
	}
}

// ConfirmationEventID derives a deterministic identifier for a set of purchases.
func ConfirmationEventID(purchaseIDs []string) string {
	ids := normalizeIDs(purchaseIDs)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(ids, ","))).String()
}

// HTTPSender posts confirmations to the notification service over HTTP.
type HTTPSender struct {
	URL    string
	APIKey string
	// Secret signs the body when set; see ComputeSignature.
	Secret string
	HTTP   resilience.HTTPClient
	Now    func() time.Time
}

// SendConfirmation implements Sender.
func (s HTTPSender) SendConfirmation(ctx context.Context, purchaseIDs []string) error {
	if strings.TrimSpace(s.URL) == "" {
		return errors.New("notify: confirmation url not configured")
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	payload := NewConfirmationPayload(purchaseIDs, now())
	if len(payload.PurchaseIDs) == 0 {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	ts := now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "lensa-payments/1.0")
	req.Header.Set("X-Event-ID", payload.EventID)
	req.Header.Set("X-Idempotency-Key", payload.EventID)
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	if key := strings.TrimSpace(s.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if s.Secret != "" {
		req.Header.Set("X-Signature", ComputeSignature(s.Secret, ts, payload.EventID, body))
	}

	resp, err := s.HTTP.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("send confirmation: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// ComputeSignature is HMAC-SHA256 over "<ts>.<eventID>.<body>" keyed by secret.
func ComputeSignature(secret string, ts int64, eventID string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(strconv.FormatInt(ts, 10)))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write([]byte(eventID))
	_, _ = mac.Write([]byte("."))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
