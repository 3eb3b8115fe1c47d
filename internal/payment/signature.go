package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureInput carries the request values covered by the provider signature.
type SignatureInput struct {
	// Header is the raw x-signature value, e.g. "ts=1704908010,v1=618c85...".
	Header    string
	RequestID string
	DataID    string
}

// SignatureResult reports the verification outcome. Reason is set when Valid is false.
type SignatureResult struct {
	Valid  bool
	Reason string
}

// SignatureVerifier checks the HMAC-SHA256 signature providers attach to webhooks.
type SignatureVerifier struct {
	Secret string
}

// Verify never errors: every missing input degrades to an unverified result so the
// caller decides whether to continue.
func (v SignatureVerifier) Verify(in SignatureInput) SignatureResult {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return SignatureResult{Reason: "secret_not_configured"}
	}
	if strings.TrimSpace(in.Header) == "" {
		return SignatureResult{Reason: "missing_signature"}
	}
	dataID := strings.TrimSpace(in.DataID)
	if dataID == "" {
		return SignatureResult{Reason: "missing_data_id"}
	}
	ts, hash := parseSignatureHeader(in.Header)
	if ts == "" || hash == "" {
		return SignatureResult{Reason: "malformed_signature"}
	}

	manifest := signatureManifest(dataID, strings.TrimSpace(in.RequestID), ts)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(hash))) {
		return SignatureResult{Reason: "signature_mismatch"}
	}
	return SignatureResult{Valid: true}
}

func parseSignatureHeader(header string) (ts, v1 string) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	return ts, v1
}

// signatureManifest builds "id:<dataId>;request-id:<requestId>;ts:<ts>;".
// Alphanumeric data IDs are lower-cased; numeric ones are used as sent. Every
// part is always present, so a missing request ID signs as "request-id:;".
func signatureManifest(dataID, requestID, ts string) string {
	if !isNumeric(dataID) {
		dataID = strings.ToLower(dataID)
	}
	return "id:" + dataID + ";request-id:" + requestID + ";ts:" + ts + ";"
}

func isNumeric(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
