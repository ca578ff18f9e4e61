package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordsai/signlane/internal/audit"
	"github.com/accordsai/signlane/internal/delivery"
	"github.com/accordsai/signlane/internal/notify"
	"github.com/accordsai/signlane/internal/storage"
	"github.com/accordsai/signlane/internal/store"
	"github.com/accordsai/signlane/pkg/domain"
	"github.com/accordsai/signlane/pkg/webhooks"
)

type fakeSender struct {
	mu       sync.Mutex
	messages []notify.Message
	fail     bool
}

func (s *fakeSender) Send(_ context.Context, msg notify.Message) (notify.SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return notify.SendResult{}, errors.New("provider rejected message")
	}
	s.messages = append(s.messages, msg)
	return notify.SendResult{MessageID: "msg-1"}, nil
}

func (s *fakeSender) sent() []notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func completedDoc() domain.Document {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.Document{
		DocumentID:     "doc_done",
		Status:         domain.StatusCompleted,
		Payload:        map[string]string{"client_name": "Acme Corp"},
		PDFURL:         "mem:///documents/doc_done/final.pdf",
		PDFHash:        "abc123",
		CallbackSecret: "whsec",
		CompletedAt:    &at,
		Template: domain.TemplateSnapshot{
			Notifications: domain.NotificationConfig{
				Provider:             "smtp",
				CompletionRecipients: []string{"legal@acme.test"},
			},
		},
		Recipients: []domain.Recipient{
			{Email: "one@acme.test", SignatureOrder: 1, Status: domain.RecipientSigned, SignedAt: &at},
			{Email: "two@acme.test", SignatureOrder: 2, Status: domain.RecipientSigned, SignedAt: &at},
		},
	}
}

type orchFixture struct {
	orch   *Orchestrator
	store  *store.MemoryStore
	blobs  *storage.MemoryStore
	sender *fakeSender
	sink   *audit.MemorySink
}

func newOrchFixture(t *testing.T, doc domain.Document) *orchFixture {
	t.Helper()
	f := &orchFixture{
		store:  store.NewMemoryStore(),
		blobs:  storage.NewMemoryStore(),
		sender: &fakeSender{},
		sink:   audit.NewMemorySink(),
	}
	require.NoError(t, f.store.CreateDocument(context.Background(), doc))
	_, err := f.blobs.Upload(context.Background(), []byte("%PDF final"), "documents/doc_done/final.pdf", storage.UploadOptions{})
	require.NoError(t, err)

	factory := func(domain.NotificationConfig) (notify.Sender, error) { return f.sender, nil }
	f.orch = NewOrchestrator(f.store, f.blobs, delivery.NewEngine(nil), delivery.Options{MaxAttempts: 1}, factory, f.sink)
	return f
}

func TestRunDeliversSignedWebhook(t *testing.T) {
	ctx := context.Background()
	var gotBody []byte
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(webhooks.SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	doc := completedDoc()
	doc.CallbackURL = srv.URL
	f := newOrchFixture(t, doc)

	summary := f.orch.Run(ctx, "doc_done")
	assert.True(t, summary.WebhookDelivered)
	assert.Equal(t, 1, summary.WebhookAttempts)

	assert.True(t, webhooks.Verify("whsec", gotBody, gotSig))
	var payload struct {
		Event      string `json:"event"`
		DocumentID string `json:"document_id"`
		Data       struct {
			PDFURL      string `json:"pdf_url"`
			PDFHash     string `json:"pdf_hash"`
			CompletedAt string `json:"completed_at"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "document.completed", payload.Event)
	assert.Equal(t, "doc_done", payload.DocumentID)
	assert.Equal(t, "abc123", payload.Data.PDFHash)
	assert.Equal(t, "2026-03-01T12:00:00Z", payload.Data.CompletedAt)

	stored, err := f.store.GetDocument(ctx, "doc_done")
	require.NoError(t, err)
	assert.Equal(t, "delivered", stored.CallbackStatus)
	assert.Equal(t, 1, stored.CallbackAttempts)
}

func TestRunSendsNoticesAndPDFEmail(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t, completedDoc())

	summary := f.orch.Run(ctx, "doc_done")
	assert.True(t, summary.NotificationsSent)
	assert.True(t, summary.PDFEmailed)
	assert.False(t, summary.WebhookDelivered, "no callback configured")

	var notices, withPDF int
	for _, msg := range f.sender.sent() {
		if len(msg.Attachments) > 0 {
			withPDF++
			assert.Equal(t, []string{"legal@acme.test"}, msg.To)
			assert.Equal(t, "doc_done.pdf", msg.Attachments[0].Filename)
			assert.Equal(t, []byte("%PDF final"), msg.Attachments[0].Data)
		} else {
			notices++
			assert.Contains(t, msg.HTML, "mem:///documents/doc_done/final.pdf")
		}
	}
	assert.Equal(t, 2, notices, "one notice per signed recipient")
	assert.Equal(t, 1, withPDF)

	events := f.sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "document.completion_fanout", events[0].EventType)
}

func TestRunBrokenWebhookDoesNotSuppressEmail(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	doc := completedDoc()
	doc.CallbackURL = srv.URL
	f := newOrchFixture(t, doc)
	f.orch.deliveryOpts = delivery.Options{MaxAttempts: 2}

	summary := f.orch.Run(ctx, "doc_done")
	assert.False(t, summary.WebhookDelivered)
	assert.True(t, summary.NotificationsSent)
	assert.True(t, summary.PDFEmailed)

	stored, err := f.store.GetDocument(ctx, "doc_done")
	require.NoError(t, err)
	assert.Equal(t, "failed", stored.CallbackStatus)
	assert.Equal(t, 2, stored.CallbackAttempts, "configured attempt policy is honored")
}

func TestRunSenderFactoryFailure(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t, completedDoc())
	f.orch.senders = func(domain.NotificationConfig) (notify.Sender, error) {
		return nil, errors.New("bad credentials envelope")
	}

	summary := f.orch.Run(ctx, "doc_done")
	assert.False(t, summary.NotificationsSent)
	assert.False(t, summary.PDFEmailed)
}

func TestRunPartialNoticeFailure(t *testing.T) {
	ctx := context.Background()
	f := newOrchFixture(t, completedDoc())
	f.sender.fail = true

	summary := f.orch.Run(ctx, "doc_done")
	assert.False(t, summary.NotificationsSent)
	assert.False(t, summary.PDFEmailed)
}

func TestRunSkipsNonCompletedDocument(t *testing.T) {
	ctx := context.Background()
	doc := completedDoc()
	doc.Status = domain.StatusSigned
	f := newOrchFixture(t, doc)

	summary := f.orch.Run(ctx, "doc_done")
	assert.Equal(t, Summary{}, summary)
	assert.Empty(t, f.sender.sent())
	assert.Empty(t, f.sink.Events())
}

func TestBlobPath(t *testing.T) {
	cases := map[string]string{
		"https://files.example.com/documents/doc_1/a.pdf": "documents/doc_1/a.pdf",
		"mem:///documents/doc_1/a.pdf":                    "documents/doc_1/a.pdf",
		"documents/doc_1/a.pdf":                           "documents/doc_1/a.pdf",
		"/plain/path.pdf":                                 "plain/path.pdf",
	}
	for in, want := range cases {
		assert.Equal(t, want, blobPath(in), in)
	}
}
