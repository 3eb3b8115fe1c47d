package purchase

import (
	"regexp"
	"strings"
)

const (
	batchTokenPrefix     = "batch_"
	batchReferencePrefix = "batch:"
	correlationSeparator = "|mp:"
)

var correlationPattern = regexp.MustCompile(`\|mp:(\d+)`)

// Reference identifies the purchases a provider payment settles.
// It is either a DirectReference or a BatchReference.
type Reference interface {
	isReference()
}

// DirectReference lists purchase identifiers verbatim.
type DirectReference struct {
	IDs []string
}

// BatchReference names a batch whose members carry the token in their payment reference.
type BatchReference struct {
	Token string
}

func (DirectReference) isReference() {}
func (BatchReference) isReference()  {}

// ParseExternalReference decodes the external reference attached to a provider payment.
// A value starting with "batch_" is a batch token; anything else is a comma separated
// list of purchase IDs. Blank entries are dropped and duplicates collapsed in order.
// The second return value is false when nothing usable was found.
func ParseExternalReference(raw string) (Reference, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, false
	}
	if strings.HasPrefix(value, batchTokenPrefix) {
		return BatchReference{Token: value}, true
	}
	parts := strings.Split(value, ",")
	ids := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, false
	}
	return DirectReference{IDs: ids}, true
}

// BatchPaymentReference returns the payment reference prefix stored on batch members.
func BatchPaymentReference(token string) string {
	return batchReferencePrefix + token
}

// IsBatchMember reports whether reference carries the batch:<token> prefix. The
// prefix must end at a token boundary so batch_1 does not claim batch_12 rows.
func IsBatchMember(reference, token string) bool {
	prefix := BatchPaymentReference(token)
	if token == "" || !strings.HasPrefix(reference, prefix) {
		return false
	}
	rest := reference[len(prefix):]
	return rest == "" || !isTokenByte(rest[0])
}

func isTokenByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	}
	return b == '_' || b == '-'
}

// ProviderCorrelation is the composite payment reference kept on pending purchases:
// the original reference followed by "|mp:<providerPaymentID>".
type ProviderCorrelation struct {
	Original  string
	PaymentID string
}

// ParseCorrelation extracts the embedded provider payment ID from a stored reference.
func ParseCorrelation(reference string) ProviderCorrelation {
	match := correlationPattern.FindStringSubmatchIndex(reference)
	if match == nil {
		return ProviderCorrelation{Original: reference}
	}
	return ProviderCorrelation{
		Original:  reference[:match[0]],
		PaymentID: reference[match[2]:match[3]],
	}
}

// Encode renders the composite reference.
func (c ProviderCorrelation) Encode() string {
	if c.PaymentID == "" {
		return c.Original
	}
	return c.Original + correlationSeparator + c.PaymentID
}
