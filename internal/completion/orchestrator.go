package completion

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/accordsai/signlane/internal/audit"
	"github.com/accordsai/signlane/internal/delivery"
	"github.com/accordsai/signlane/internal/notify"
	"github.com/accordsai/signlane/internal/storage"
	"github.com/accordsai/signlane/internal/store"
	"github.com/accordsai/signlane/pkg/domain"
	"github.com/accordsai/signlane/pkg/template"
)

// Summary records which post-completion branches succeeded. Completion
// itself is final; these are best-effort and surface only through audit.
type Summary struct {
	NotificationsSent bool
	PDFEmailed        bool
	WebhookDelivered  bool
	WebhookAttempts   int
}

// Orchestrator fans out notifications, the signed-PDF email, and the signed
// webhook after a document completes. Each branch swallows its own error so
// a broken webhook endpoint can never suppress email delivery.
type Orchestrator struct {
	store        store.Store
	blobs        storage.Store
	delivery     *delivery.Engine
	deliveryOpts delivery.Options
	senders      notify.Factory
	audit        audit.Sink
	logger       *slog.Logger
}

func NewOrchestrator(st store.Store, blobs storage.Store, eng *delivery.Engine, opts delivery.Options, senders notify.Factory, sink audit.Sink) *Orchestrator {
	return &Orchestrator{
		store:        st,
		blobs:        blobs,
		delivery:     eng,
		deliveryOpts: opts,
		senders:      senders,
		audit:        sink,
		logger:       slog.Default().With("component", "orchestrator"),
	}
}

// Run executes the three delivery branches for a completed document and
// writes a summary audit record. It never returns an error; failures are
// per-branch and logged.
func (o *Orchestrator) Run(ctx context.Context, documentID string) Summary {
	var summary Summary

	doc, err := o.store.GetDocument(ctx, documentID)
	if err != nil {
		o.logger.Error("fanout load failed", "document_id", documentID, "error", err)
		return summary
	}
	if doc.Status != domain.StatusCompleted {
		o.logger.Warn("fanout on non-completed document", "document_id", documentID, "status", doc.Status)
		return summary
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		summary.NotificationsSent = o.sendCompletionNotices(gctx, doc)
		return nil
	})
	g.Go(func() error {
		summary.PDFEmailed = o.emailSignedPDF(gctx, doc)
		return nil
	})
	g.Go(func() error {
		summary.WebhookDelivered, summary.WebhookAttempts = o.deliverWebhook(gctx, doc)
		return nil
	})
	_ = g.Wait()

	o.audit.LogEvent(ctx, audit.Event{
		EventType: "document.completion_fanout",
		Actor:     "system",
		Resource:  documentID,
		Action:    "fanout",
		Metadata: map[string]any{
			"notifications_sent": summary.NotificationsSent,
			"pdf_emailed":        summary.PDFEmailed,
			"webhook_delivered":  summary.WebhookDelivered,
			"webhook_attempts":   summary.WebhookAttempts,
		},
	})
	return summary
}

func (o *Orchestrator) sendCompletionNotices(ctx context.Context, doc domain.Document) bool {
	cfg := doc.Template.Notifications
	if cfg.Provider == "" {
		return false
	}
	sender, err := o.senders(cfg)
	if err != nil {
		o.logger.Error("notification sender unavailable", "document_id", doc.DocumentID, "error", err)
		return false
	}

	subject := template.Substitute(orDefault(cfg.CompletionSubject, "Document {{document_id}} completed"), noticeValues(doc))
	body := template.Substitute(orDefault(cfg.CompletionBody, "<p>Your document has been completed and is available at {{pdf_url}}.</p>"), noticeValues(doc))

	ok := true
	for _, r := range doc.SignedRecipients() {
		if _, err := sender.Send(ctx, notify.Message{To: []string{r.Email}, Subject: subject, HTML: body}); err != nil {
			o.logger.Error("completion notice failed", "document_id", doc.DocumentID, "to", r.Email, "error", err)
			ok = false
		}
	}
	return ok
}

func (o *Orchestrator) emailSignedPDF(ctx context.Context, doc domain.Document) bool {
	cfg := doc.Template.Notifications
	if cfg.Provider == "" || len(cfg.CompletionRecipients) == 0 {
		return false
	}
	sender, err := o.senders(cfg)
	if err != nil {
		o.logger.Error("pdf email sender unavailable", "document_id", doc.DocumentID, "error", err)
		return false
	}
	pdf, err := o.blobs.Download(ctx, blobPath(doc.PDFURL))
	if err != nil {
		o.logger.Error("pdf download failed", "document_id", doc.DocumentID, "error", err)
		return false
	}
	_, err = sender.Send(ctx, notify.Message{
		To:      cfg.CompletionRecipients,
		Subject: fmt.Sprintf("Signed document %s", doc.DocumentID),
		HTML:    "<p>The signed document is attached.</p>",
		Attachments: []notify.Attachment{{
			Filename:    doc.DocumentID + ".pdf",
			ContentType: "application/pdf",
			Data:        pdf,
		}},
	})
	if err != nil {
		o.logger.Error("pdf email failed", "document_id", doc.DocumentID, "error", err)
		return false
	}
	return true
}

func (o *Orchestrator) deliverWebhook(ctx context.Context, doc domain.Document) (bool, int) {
	if doc.CallbackURL == "" {
		return false, 0
	}
	payload := map[string]any{
		"event":       "document.completed",
		"document_id": doc.DocumentID,
		"data": map[string]any{
			"pdf_url":      doc.PDFURL,
			"pdf_hash":     doc.PDFHash,
			"completed_at": completedAt(doc),
		},
	}
	result, err := o.delivery.Deliver(ctx, doc.CallbackURL, doc.CallbackSecret, payload, o.deliveryOpts)
	if err != nil {
		o.logger.Error("webhook delivery errored", "document_id", doc.DocumentID, "error", err)
	}
	if err := o.store.UpdateCallback(ctx, doc.DocumentID, result.FinalStatus, result.TotalAttempts); err != nil {
		o.logger.Error("callback status persist failed", "document_id", doc.DocumentID, "error", err)
	}
	return result.Success, result.TotalAttempts
}

func noticeValues(doc domain.Document) map[string]string {
	values := make(map[string]string, len(doc.Payload)+3)
	for k, v := range doc.Payload {
		values[k] = v
	}
	values["document_id"] = doc.DocumentID
	values["pdf_url"] = doc.PDFURL
	values["pdf_hash"] = doc.PDFHash
	return values
}

func completedAt(doc domain.Document) string {
	if doc.CompletedAt == nil {
		return ""
	}
	return doc.CompletedAt.UTC().Format(time.RFC3339)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// blobPath recovers the storage path from a stored URL. Uploads place
// objects under documents/..., so everything from that segment on is the path.
func blobPath(pdfURL string) string {
	u, err := url.Parse(pdfURL)
	if err == nil && u.Path != "" {
		pdfURL = u.Path
	}
	if i := strings.Index(pdfURL, "documents/"); i >= 0 {
		return pdfURL[i:]
	}
	return strings.TrimPrefix(pdfURL, "/")
}
