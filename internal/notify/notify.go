// Package notify sends email through a provider-specific Sender selected by
// a factory, replacing per-call provider switches at the call sites.
package notify

import (
	"context"
	"fmt"
	"strings"
)

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Message struct {
	To          []string
	Subject     string
	HTML        string
	Text        string
	Attachments []Attachment
}

type SendResult struct {
	MessageID string
}

type Sender interface {
	Send(ctx context.Context, msg Message) (SendResult, error)
}

// Credentials are the decrypted provider credentials. Field use varies by
// provider: SMTP uses Host/Port/Username/Password, the API providers use
// APIKey (and Domain for Mailgun).
type Credentials struct {
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	Domain   string `json:"domain,omitempty"`
}

type Settings struct {
	FromAddress string
	FromName    string
}

// NewSender builds the Sender for provider. Unknown providers are rejected
// rather than silently dropped.
func NewSender(provider string, creds Credentials, settings Settings) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "smtp":
		return newSMTPSender(creds, settings), nil
	case "sendgrid":
		return newSendGridSender(creds, settings), nil
	case "mailgun":
		return newMailgunSender(creds, settings), nil
	default:
		return nil, fmt.Errorf("unknown email provider %q", provider)
	}
}

func (s Settings) from() string {
	if s.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.FromName, s.FromAddress)
	}
	return s.FromAddress
}
