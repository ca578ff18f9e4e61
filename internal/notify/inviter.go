package notify

import (
	"context"
	"fmt"

	"github.com/accordsai/signlane/pkg/domain"
	"github.com/accordsai/signlane/pkg/template"
)

// Factory builds the Sender for a document's notification config. The
// production factory decrypts the credential envelope; tests substitute a
// fake.
type Factory func(cfg domain.NotificationConfig) (Sender, error)

// NewFactory returns the production Factory, decrypting provider
// credentials with the given master secret.
func NewFactory(masterSecret string) Factory {
	return func(cfg domain.NotificationConfig) (Sender, error) {
		creds, err := DecryptCredentials(masterSecret, cfg.EncryptedCredentials)
		if err != nil {
			return nil, err
		}
		return NewSender(cfg.Provider, creds, Settings{FromAddress: cfg.FromAddress})
	}
}

// Inviter emails signing invitations to recipients as they become active.
type Inviter struct {
	senders Factory
	baseURL string
}

func NewInviter(senders Factory, signingBaseURL string) *Inviter {
	return &Inviter{senders: senders, baseURL: signingBaseURL}
}

func (i *Inviter) NotifyRecipient(ctx context.Context, doc domain.Document, r domain.Recipient) error {
	cfg := doc.Template.Notifications
	if cfg.Provider == "" {
		return nil
	}
	sender, err := i.senders(cfg)
	if err != nil {
		return err
	}
	link := fmt.Sprintf("%s/sign/%s?token=%s", i.baseURL, doc.DocumentID, r.SigningToken)
	values := map[string]string{"document_id": doc.DocumentID, "signing_link": link}
	for k, v := range doc.Payload {
		values[k] = v
	}
	_, err = sender.Send(ctx, Message{
		To:      []string{r.Email},
		Subject: template.Substitute(orTemplate(cfg.SubjectTemplate, "Your signature is requested"), values),
		HTML:    template.Substitute(orTemplate(cfg.BodyTemplate, `<p>Please sign the document: <a href="{{signing_link}}">open</a></p>`), values),
	})
	return err
}

func orTemplate(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
