package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// ErrInvalidToken is returned for any token that fails parsing or validation.
var ErrInvalidToken = errors.New("auth: invalid token")

// TokenParser verifies operator access tokens issued by the identity provider.
// Only HS256 is accepted; tokens must carry sub and exp.
type TokenParser struct {
	secret    []byte
	issuer    string
	audience  string
	clockSkew time.Duration
	now       func() time.Time
}

// NewTokenParser constructs a parser for HS256 tokens signed with secret.
// Empty issuer or audience disables that check.
func NewTokenParser(secret, issuer, audience string, clockSkew time.Duration) *TokenParser {
	return &TokenParser{
		secret:    []byte(secret),
		issuer:    strings.TrimSpace(issuer),
		audience:  strings.TrimSpace(audience),
		clockSkew: clockSkew,
		now:       time.Now,
	}
}

// ParseAccessToken returns the subject of a valid token.
func (p *TokenParser) ParseAccessToken(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", ErrInvalidToken
	}
	if err := requireHS256(trimmed); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(jwa.HS256, p.secret), jwt.WithValidate(false))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := jwt.Validate(parsed, p.validateOptions()...); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(parsed.Subject())
	if subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return subject, nil
}

func (p *TokenParser) validateOptions() []jwt.ValidateOption {
	opts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(p.now)),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
	}
	if p.clockSkew > 0 {
		opts = append(opts, jwt.WithAcceptableSkew(p.clockSkew))
	}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}
	return opts
}

// requireHS256 inspects the protected headers before any key is applied so
// that "none" and asymmetric algorithms are refused up front.
func requireHS256(token string) error {
	message, err := jws.ParseString(token)
	if err != nil {
		return err
	}
	signatures := message.Signatures()
	if len(signatures) != 1 {
		return fmt.Errorf("expected one signature, got %d", len(signatures))
	}
	headers := signatures[0].ProtectedHeaders()
	if headers == nil {
		return errors.New("missing protected headers")
	}
	if alg := headers.Algorithm(); alg != jwa.HS256 {
		return fmt.Errorf("unexpected algorithm %q", alg)
	}
	return nil
}
