// Package tokens issues opaque signing tokens. Tokens are
// base64(claims JSON).base64(HMAC) so expiry can be read back without a
// round trip to storage.
package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidToken = errors.New("invalid token")

type Issuer interface {
	GenerateToken(claims map[string]any, tokenType string, ttl time.Duration) (string, error)
	Expiry(token string) (time.Time, error)
}

type hmacIssuer struct {
	secret []byte
	now    func() time.Time
}

func NewHMACIssuer(secret string) Issuer {
	return &hmacIssuer{secret: []byte(secret), now: time.Now}
}

type tokenBody struct {
	Claims    map[string]any `json:"claims,omitempty"`
	TokenType string         `json:"token_type"`
	ExpiresAt int64          `json:"expires_at"`
}

func (i *hmacIssuer) GenerateToken(claims map[string]any, tokenType string, ttl time.Duration) (string, error) {
	body := tokenBody{
		Claims:    claims,
		TokenType: tokenType,
		ExpiresAt: i.now().Add(ttl).Unix(),
	}
	b, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(b)
	return payload + "." + i.sign(payload), nil
}

func (i *hmacIssuer) Expiry(token string) (time.Time, error) {
	payload, sig, ok := strings.Cut(token, ".")
	if !ok || !hmac.Equal([]byte(sig), []byte(i.sign(payload))) {
		return time.Time{}, ErrInvalidToken
	}
	b, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var body tokenBody
	if err := json.Unmarshal(b, &body); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return time.Unix(body.ExpiresAt, 0), nil
}

func (i *hmacIssuer) sign(payload string) string {
	mac := hmac.New(sha256.New, i.secret)
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
