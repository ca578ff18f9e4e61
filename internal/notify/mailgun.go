package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

const mailgunBaseURL = "https://api.mailgun.net/v3"

type mailgunSender struct {
	creds    Credentials
	settings Settings
	baseURL  string
	http     *http.Client
}

func newMailgunSender(creds Credentials, settings Settings) *mailgunSender {
	return &mailgunSender{
		creds:    creds,
		settings: settings,
		baseURL:  mailgunBaseURL,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *mailgunSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("from", s.settings.from())
	_ = w.WriteField("to", strings.Join(msg.To, ","))
	_ = w.WriteField("subject", msg.Subject)
	if msg.Text != "" {
		_ = w.WriteField("text", msg.Text)
	}
	if msg.HTML != "" {
		_ = w.WriteField("html", msg.HTML)
	}
	for _, a := range msg.Attachments {
		part, err := w.CreateFormFile("attachment", a.Filename)
		if err != nil {
			return SendResult{}, err
		}
		_, _ = part.Write(a.Data)
	}
	if err := w.Close(); err != nil {
		return SendResult{}, err
	}

	url := fmt.Sprintf("%s/%s/messages", s.baseURL, s.creds.Domain)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return SendResult{}, err
	}
	req.SetBasicAuth("api", s.creds.APIKey)
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := s.http.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("mailgun send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return SendResult{}, fmt.Errorf("mailgun returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	var out struct {
		ID string `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return SendResult{MessageID: out.ID}, nil
}
