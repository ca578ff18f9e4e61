package tokens

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndReadExpiry(t *testing.T) {
	issuer := NewHMACIssuer("secret")
	tok, err := issuer.GenerateToken(map[string]any{"document_id": "doc_1"}, "signing", time.Hour)
	require.NoError(t, err)

	exp, err := issuer.Expiry(tok)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)
}

func TestExpiryRejectsTamperedToken(t *testing.T) {
	issuer := NewHMACIssuer("secret")
	tok, err := issuer.GenerateToken(nil, "signing", time.Hour)
	require.NoError(t, err)

	payload, sig, ok := strings.Cut(tok, ".")
	require.True(t, ok)
	_, err = issuer.Expiry(payload + "x." + sig)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewHMACIssuer("other-secret").Expiry(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
