package notify

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

type smtpSender struct {
	creds    Credentials
	settings Settings
	send     func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func newSMTPSender(creds Credentials, settings Settings) *smtpSender {
	return &smtpSender{creds: creds, settings: settings, send: smtp.SendMail}
}

func (s *smtpSender) Send(_ context.Context, msg Message) (SendResult, error) {
	body, err := buildMIME(s.settings.from(), msg)
	if err != nil {
		return SendResult{}, err
	}
	addr := fmt.Sprintf("%s:%d", s.creds.Host, s.creds.Port)
	auth := smtp.PlainAuth("", s.creds.Username, s.creds.Password, s.creds.Host)
	if err := s.send(addr, auth, s.settings.FromAddress, msg.To, body); err != nil {
		return SendResult{}, fmt.Errorf("smtp send: %w", err)
	}
	return SendResult{MessageID: "smtp-" + uuid.NewString()}, nil
}

func buildMIME(from string, msg Message) ([]byte, error) {
	var b strings.Builder
	w := multipart.NewWriter(&b)

	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", w.Boundary())

	if msg.HTML != "" {
		part, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=utf-8"}})
		if err != nil {
			return nil, err
		}
		_, _ = part.Write([]byte(msg.HTML))
	}
	if msg.Text != "" {
		part, err := w.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
		if err != nil {
			return nil, err
		}
		_, _ = part.Write([]byte(msg.Text))
	}
	for _, att := range msg.Attachments {
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {att.ContentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", att.Filename)},
		})
		if err != nil {
			return nil, err
		}
		_, _ = part.Write([]byte(base64.StdEncoding.EncodeToString(att.Data)))
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}
