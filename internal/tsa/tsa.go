// Package tsa anchors artifact digests at an RFC 3161 timestamp authority,
// giving a completed document an independent proof of when its hash existed.
package tsa

import (
	"bytes"
	"context"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var oidSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}

type hashAlgorithm struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type imprint struct {
	HashAlgorithm hashAlgorithm
	HashedMessage []byte
}

type request struct {
	Version        int
	MessageImprint imprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	CertReq        bool                  `asn1:"optional"`
}

// Token is the DER-encoded timestamp reply as returned by the authority.
type Token struct {
	DER         []byte
	ContentType string
}

type Client struct {
	url    string
	policy asn1.ObjectIdentifier
	http   *http.Client
}

// New builds a client for the authority at tsaURL. policyOID may be empty;
// when set it is requested as the signing policy.
func New(tsaURL, policyOID string) (*Client, error) {
	c := &Client{url: tsaURL, http: &http.Client{Timeout: 10 * time.Second}}
	if strings.TrimSpace(policyOID) != "" {
		oid, err := parseOID(policyOID)
		if err != nil {
			return nil, err
		}
		c.policy = oid
	}
	return c, nil
}

// Anchor requests a timestamp token over a hex SHA-256 digest. A "sha256:"
// prefix on the digest is tolerated.
func (c *Client) Anchor(ctx context.Context, digestHex string) (Token, error) {
	digest, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(digestHex), "sha256:"))
	if err != nil {
		return Token{}, fmt.Errorf("timestamp digest: %w", err)
	}
	if len(digest) != 32 {
		return Token{}, fmt.Errorf("timestamp digest: want 32 bytes, got %d", len(digest))
	}

	der, err := asn1.Marshal(request{
		Version: 1,
		MessageImprint: imprint{
			HashAlgorithm: hashAlgorithm{
				Algorithm:  oidSHA256,
				Parameters: asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagNull},
			},
			HashedMessage: digest,
		},
		ReqPolicy: c.policy,
		CertReq:   true,
	})
	if err != nil {
		return Token{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(der))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/timestamp-query")
	req.Header.Set("Accept", "application/timestamp-reply")

	resp, err := c.http.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("timestamp authority: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Token{}, fmt.Errorf("timestamp authority returned %d", resp.StatusCode)
	}
	if len(body) == 0 {
		return Token{}, fmt.Errorf("timestamp authority returned an empty reply")
	}
	return Token{DER: body, ContentType: resp.Header.Get("Content-Type")}, nil
}

func parseOID(s string) (asn1.ObjectIdentifier, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid policy oid %q", s)
	}
	out := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid policy oid %q", s)
		}
		out = append(out, n)
	}
	return out, nil
}
