package exchange

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// signer builds per-request JWT tokens for authenticated calls.
// Each token carries a fresh nonce and, when the request has parameters,
// a SHA-512 hash of the canonical query string.
type signer struct {
	accessKey string
	secretKey string
}

func newSigner(accessKey, secretKey string) *signer {
	return &signer{accessKey: accessKey, secretKey: secretKey}
}

// Token returns a signed JWT for the given raw query string.
// Pass an empty query for parameterless endpoints.
func (s *signer) Token(query string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": s.accessKey,
		"nonce":      uuid.NewString(),
	}

	if query != "" {
		hash := sha512.Sum512([]byte(query))
		claims["query_hash"] = hex.EncodeToString(hash[:])
		claims["query_hash_alg"] = "SHA512"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.secretKey))
	if err != nil {
		return "", fmt.Errorf("signing request token: %w", err)
	}
	return signed, nil
}

// AuthorizationHeader returns the Bearer header value for the given query
func (s *signer) AuthorizationHeader(query string) (string, error) {
	token, err := s.Token(query)
	if err != nil {
		return "", err
	}
	return "Bearer " + token, nil
}
