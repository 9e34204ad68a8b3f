package services

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidSignature = errors.New("invalid signature")

// SignatureClaims follow the QStash callback signature: a JWT whose body claim
// is the base64url SHA-256 of the request body.
type SignatureClaims struct {
	jwt.RegisteredClaims
	Body string `json:"body"`
}

// TicketSigner signs resume callbacks for the self-hosted dispatcher.
type TicketSigner struct {
	key    []byte
	issuer string
	ttl    time.Duration
}

func NewTicketSigner(key, issuer string, ttl time.Duration) *TicketSigner {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &TicketSigner{key: []byte(key), issuer: issuer, ttl: ttl}
}

// Sign returns the signature header value for a body delivered to url.
func (s *TicketSigner) Sign(url string, body []byte) (string, error) {
	if len(s.key) == 0 {
		return "", errors.New("signing key not configured")
	}
	now := time.Now()
	claims := SignatureClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   url,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
		Body: bodyDigest(body),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing resume callback: %w", err)
	}
	return signed, nil
}

// TicketVerifier checks callback signatures against the current and, during
// rotation, the next signing key.
type TicketVerifier struct {
	keys   [][]byte
	issuer string
}

func NewTicketVerifier(currentKey, nextKey, issuer string) *TicketVerifier {
	v := &TicketVerifier{issuer: issuer}
	for _, k := range []string{currentKey, nextKey} {
		if k != "" {
			v.keys = append(v.keys, []byte(k))
		}
	}
	return v
}

// Enabled reports whether any key is configured.
func (v *TicketVerifier) Enabled() bool {
	return len(v.keys) > 0
}

// Verify validates signature, expiry, issuer and the body digest.
func (v *TicketVerifier) Verify(signature string, body []byte) (*SignatureClaims, error) {
	if signature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrInvalidSignature)
	}
	if !v.Enabled() {
		return nil, fmt.Errorf("%w: no verification key configured", ErrInvalidSignature)
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	var lastErr error
	for _, key := range v.keys {
		key := key
		token, err := jwt.ParseWithClaims(signature, &SignatureClaims{}, func(_ *jwt.Token) (interface{}, error) {
			return key, nil
		}, opts...)
		if err != nil {
			lastErr = err
			continue
		}
		claims, ok := token.Claims.(*SignatureClaims)
		if !ok || !token.Valid {
			lastErr = errors.New("unexpected claims")
			continue
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimRight(claims.Body, "=")), []byte(bodyDigest(body))) != 1 {
			return nil, fmt.Errorf("%w: body digest mismatch", ErrInvalidSignature)
		}
		return claims, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, lastErr)
}

func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
