package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignatureHeader carries the JWT that authenticates a dispatch delivery.
const SignatureHeader = "X-Nagare-Signature"

// ErrBadSignature is returned when a delivery signature fails verification.
var ErrBadSignature = errors.New("dispatch: invalid signature")

// SignatureClaims extends jwt.RegisteredClaims with a digest of the
// delivered body, binding the token to the exact payload.
type SignatureClaims struct {
	jwt.RegisteredClaims
	BodyHash string `json:"bodyHash"`
}

// Signer mints and verifies HS256 tokens for worker deliveries.
type Signer struct {
	key []byte
	ttl time.Duration
}

// NewSigner creates a Signer with the given shared key. Tokens are valid
// for five minutes, long enough to cover queue retries of a single delivery.
func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key), ttl: 5 * time.Minute}
}

// Sign returns a token bound to body, to be carried in SignatureHeader.
func (s *Signer) Sign(body []byte) (string, error) {
	now := time.Now()
	claims := SignatureClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "nagare",
			Audience:  jwt.ClaimStrings{"nagare-worker"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		BodyHash: hashBody(body),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("dispatch: sign delivery: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature, expiry, and body digest.
func (s *Signer) Verify(tokenStr string, body []byte) error {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&SignatureClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return s.key, nil
		},
		jwt.WithAudience("nagare-worker"),
		jwt.WithIssuer("nagare"),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return ErrBadSignature
	}

	claims, ok := token.Claims.(*SignatureClaims)
	if !ok || claims.BodyHash != hashBody(body) {
		return ErrBadSignature
	}
	return nil
}

func hashBody(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
