package webhooks

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body, sig, err := SignPayload("topsecret", map[string]any{"event": "document.completed", "n": 1})
	require.NoError(t, err)
	assert.True(t, Verify("topsecret", body, sig))
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	body, sig, err := SignPayload("topsecret", map[string]any{"event": "document.completed"})
	require.NoError(t, err)

	tampered := append([]byte(nil), body...)
	tampered[0] ^= 0x01
	assert.False(t, Verify("topsecret", tampered, sig))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"x":1}`)
	assert.False(t, Verify("other", body, Sign("topsecret", body)))
}

func TestVerifyPrefixOptional(t *testing.T) {
	body := []byte(`{"x":1}`)
	sig := Sign("s", body)
	assert.True(t, Verify("s", body, sig))
	assert.True(t, Verify("s", body, sig[len("sha256="):]))
}

func TestVerifyRejectsGarbage(t *testing.T) {
	assert.False(t, Verify("s", []byte("{}"), ""))
	assert.False(t, Verify("", []byte("{}"), "sha256=00"))
	assert.False(t, Verify("s", []byte("{}"), "sha256=zz-not-hex"))
}

func TestPayloadHashIsPrefixedDigest(t *testing.T) {
	h := PayloadHash([]byte("{}"))
	assert.True(t, strings.HasPrefix(h, "sha256:"))
	assert.Len(t, h, len("sha256:")+64)
	assert.Equal(t, h, PayloadHash([]byte("{}")))
	assert.NotEqual(t, h, PayloadHash([]byte(`{"x":1}`)))
}
