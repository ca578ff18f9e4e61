package notify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const sendgridBaseURL = "https://api.sendgrid.com/v3"

type sendgridSender struct {
	creds    Credentials
	settings Settings
	baseURL  string
	http     *http.Client
}

func newSendGridSender(creds Credentials, settings Settings) *sendgridSender {
	return &sendgridSender{
		creds:    creds,
		settings: settings,
		baseURL:  sendgridBaseURL,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *sendgridSender) Send(ctx context.Context, msg Message) (SendResult, error) {
	tos := make([]map[string]string, 0, len(msg.To))
	for _, to := range msg.To {
		tos = append(tos, map[string]string{"email": to})
	}
	content := []map[string]string{}
	if msg.Text != "" {
		content = append(content, map[string]string{"type": "text/plain", "value": msg.Text})
	}
	if msg.HTML != "" {
		content = append(content, map[string]string{"type": "text/html", "value": msg.HTML})
	}
	attachments := make([]map[string]string, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, map[string]string{
			"content":  base64.StdEncoding.EncodeToString(a.Data),
			"type":     a.ContentType,
			"filename": a.Filename,
		})
	}
	payload := map[string]any{
		"personalizations": []map[string]any{{"to": tos}},
		"from":             map[string]string{"email": s.settings.FromAddress, "name": s.settings.FromName},
		"subject":          msg.Subject,
		"content":          content,
	}
	if len(attachments) > 0 {
		payload["attachments"] = attachments
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/mail/send", bytes.NewReader(body))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Authorization", "Bearer "+s.creds.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("sendgrid send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return SendResult{}, fmt.Errorf("sendgrid returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return SendResult{MessageID: resp.Header.Get("X-Message-Id")}, nil
}
