// Package webhooks provides HMAC-SHA256 signing and verification for
// outbound webhook payloads.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// SignatureHeader carries the payload signature on outbound webhook requests.
const SignatureHeader = "X-Signlane-Signature"

// Sign computes the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// SignPayload canonicalizes payload as JSON and signs it. The canonical bytes
// are returned so the exact signed body can travel on the wire.
func SignPayload(secret string, payload any) (body []byte, signature string, err error) {
	body, err = json.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return body, Sign(secret, body), nil
}

// Verify recomputes the signature over body and compares in constant time.
// The "sha256=" prefix is optional on the presented signature.
func Verify(secret string, body []byte, signature string) bool {
	sig := strings.TrimSpace(signature)
	if sig == "" || secret == "" {
		return false
	}
	if strings.HasPrefix(strings.ToLower(sig), "sha256=") {
		sig = sig[len("sha256="):]
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// PayloadHash returns the sha256 of body, prefixed with the algorithm.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}
