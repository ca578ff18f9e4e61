// Package completion turns a fully signed document into its final PDF
// artifact and fans out post-completion delivery.
package completion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/accordsai/signlane/internal/audit"
	"github.com/accordsai/signlane/internal/lock"
	"github.com/accordsai/signlane/internal/storage"
	"github.com/accordsai/signlane/internal/store"
	"github.com/accordsai/signlane/internal/tsa"
	"github.com/accordsai/signlane/pkg/domain"
	"github.com/accordsai/signlane/pkg/template"
)

const (
	lockTTL          = 5 * time.Minute
	lockMaxAttempts  = 3
	lockPollInterval = 2 * time.Second

	renderMaxAttempts = 4
	uploadMaxAttempts = 4
)

// Renderer is the external HTML-to-PDF collaborator.
type Renderer interface {
	HTMLToPDF(ctx context.Context, html string) ([]byte, error)
}

type RendererFunc func(ctx context.Context, html string) ([]byte, error)

func (f RendererFunc) HTMLToPDF(ctx context.Context, html string) ([]byte, error) {
	return f(ctx, html)
}

type Pipeline struct {
	store    store.Store
	locks    *lock.Service
	renderer Renderer
	blobs    storage.Store
	audit    audit.Sink
	queue    *Queue
	tsa      *tsa.Client
	logger   *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

func NewPipeline(st store.Store, locks *lock.Service, renderer Renderer, blobs storage.Store, sink audit.Sink, queue *Queue) *Pipeline {
	return &Pipeline{
		store:    st,
		locks:    locks,
		renderer: renderer,
		blobs:    blobs,
		audit:    sink,
		queue:    queue,
		logger:   slog.Default().With("component", "completion"),
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// UseTimestampAuthority enables best-effort RFC 3161 anchoring of the
// artifact hash after completion.
func (p *Pipeline) UseTimestampAuthority(c *tsa.Client) { p.tsa = c }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Complete runs the full pipeline for a signed document: lock, reload,
// compose, render, hash, upload, persist. A terminal failure after the lock
// was held marks the document error; the lock is released on every path.
// On success the post-completion fan-out is enqueued without blocking.
func (p *Pipeline) Complete(ctx context.Context, documentID string) error {
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status != domain.StatusSigned {
		return &domain.StatusError{DocumentID: documentID, Status: doc.Status, Want: domain.StatusSigned}
	}

	lockKey := fmt.Sprintf("document:%s:pdf-generation", documentID)
	acq, err := p.locks.AcquireWithRetry(ctx, lockKey, lockTTL, lockMaxAttempts, lockPollInterval)
	if err != nil {
		return fmt.Errorf("completion of %s: %w", documentID, err)
	}
	defer func() {
		if err := p.locks.Release(context.WithoutCancel(ctx), lockKey, acq.LockID); err != nil {
			p.logger.Error("lock release failed", "document_id", documentID, "error", err)
		}
	}()

	err = p.run(ctx, documentID)
	if err == nil {
		if p.queue != nil {
			p.queue.Enqueue(documentID)
		}
		return nil
	}

	var statusErr *domain.StatusError
	if errors.As(err, &statusErr) {
		// A concurrent pipeline got here first; nothing to undo.
		p.logger.Info("completion already handled", "document_id", documentID, "status", statusErr.Status)
		return err
	}

	if updErr := p.store.UpdateDocumentStatus(context.WithoutCancel(ctx), documentID, domain.StatusErrored, err.Error()); updErr != nil {
		p.logger.Error("failed to record error status", "document_id", documentID, "error", updErr)
	}
	p.audit.LogEvent(context.WithoutCancel(ctx), audit.Event{
		EventType: "document.completion_failed",
		Actor:     "system",
		Resource:  documentID,
		Action:    "complete",
		Metadata:  map[string]any{"reason": err.Error()},
	})
	return err
}

func (p *Pipeline) run(ctx context.Context, documentID string) error {
	// Reload under the lock so a copy that raced a concurrent mutation is
	// never rendered.
	doc, err := p.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status != domain.StatusSigned {
		return &domain.StatusError{DocumentID: documentID, Status: doc.Status, Want: domain.StatusSigned}
	}

	htmlDoc := ComposeFinalHTML(doc)

	pdf, err := p.renderWithRetry(ctx, htmlDoc)
	if err != nil {
		return fmt.Errorf("render: %w", err)
	}

	// The hash anchors the artifact after every substitution has landed.
	sum := sha256.Sum256(pdf)
	pdfHash := hex.EncodeToString(sum[:])

	path := fmt.Sprintf("documents/%s/%s.pdf", documentID, uuid.NewString())
	res, err := p.uploadWithRetry(ctx, pdf, path)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	completedAt := p.now().UTC()
	if err := p.store.MarkCompleted(ctx, documentID, res.URL, pdfHash, completedAt); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	p.audit.LogEvent(ctx, audit.Event{
		EventType: "document.completed",
		Actor:     "system",
		Resource:  documentID,
		Action:    "complete",
		Metadata:  map[string]any{"pdf_url": res.URL, "pdf_hash": pdfHash},
	})
	p.anchorHash(ctx, documentID, pdfHash, path)
	return nil
}

// anchorHash requests an RFC 3161 token over the artifact digest and stores
// it next to the PDF. Anchoring is best-effort: the document is already
// completed, so a failure is logged and nothing is rolled back.
func (p *Pipeline) anchorHash(ctx context.Context, documentID, pdfHash, pdfPath string) {
	if p.tsa == nil {
		return
	}
	token, err := p.tsa.Anchor(ctx, pdfHash)
	if err != nil {
		p.logger.Warn("hash anchoring failed", "document_id", documentID, "error", err)
		return
	}
	tokenPath := pdfPath + ".tsr"
	if _, err := p.blobs.Upload(ctx, token.DER, tokenPath, storage.UploadOptions{ContentType: token.ContentType}); err != nil {
		p.logger.Warn("timestamp token upload failed", "document_id", documentID, "error", err)
		return
	}
	p.audit.LogEvent(ctx, audit.Event{
		EventType: "document.hash_anchored",
		Actor:     "system",
		Resource:  documentID,
		Action:    "anchor",
		Metadata:  map[string]any{"pdf_hash": pdfHash, "token_path": tokenPath},
	})
}

func (p *Pipeline) renderWithRetry(ctx context.Context, htmlDoc string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < renderMaxAttempts; attempt++ {
		pdf, err := p.renderer.HTMLToPDF(ctx, htmlDoc)
		if err == nil {
			return pdf, nil
		}
		lastErr = err
		p.logger.Warn("render attempt failed", "attempt", attempt+1, "error", err)
		if attempt == renderMaxAttempts-1 {
			break
		}
		if err := p.sleep(ctx, time.Duration(1<<uint(attempt+1))*time.Second); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", renderMaxAttempts, lastErr)
}

func (p *Pipeline) uploadWithRetry(ctx context.Context, pdf []byte, path string) (storage.UploadResult, error) {
	var lastErr error
	for attempt := 0; attempt < uploadMaxAttempts; attempt++ {
		res, err := p.blobs.Upload(ctx, pdf, path, storage.UploadOptions{ContentType: "application/pdf"})
		if err == nil {
			return res, nil
		}
		lastErr = err
		p.logger.Warn("upload attempt failed", "attempt", attempt+1, "error", err)
		if attempt == uploadMaxAttempts-1 {
			break
		}
		if err := p.sleep(ctx, time.Duration(1<<uint(attempt+1))*time.Second); err != nil {
			return storage.UploadResult{}, err
		}
	}
	return storage.UploadResult{}, fmt.Errorf("after %d attempts: %w", uploadMaxAttempts, lastErr)
}

// ComposeFinalHTML substitutes payload values into the template HTML,
// injects signature images at their assigned delimiters, and appends the
// audit footer.
func ComposeFinalHTML(doc domain.Document) string {
	values := make(map[string]string, len(doc.Payload)+len(doc.Template.Delimiters))
	for _, d := range doc.Template.Delimiters {
		if d.DefaultValue != "" {
			values[d.Key] = d.DefaultValue
		}
	}
	for k, v := range doc.Payload {
		values[k] = v
	}
	for _, d := range doc.Template.Delimiters {
		if d.Type != domain.DelimiterSignature && d.Type != domain.DelimiterInitial {
			continue
		}
		for _, r := range doc.SignedRecipients() {
			if r.Email == d.AssignedTo && r.SignatureImage != "" {
				values[d.Key] = fmt.Sprintf(`<img src=%q alt="signature" class="signature-image"/>`, r.SignatureImage)
				break
			}
		}
	}
	return template.Substitute(doc.Template.HTML, values) + auditFooter(doc)
}

func auditFooter(doc domain.Document) string {
	var b strings.Builder
	b.WriteString("\n<div class=\"audit-footer\">\n<hr/>\n<h4>Signature Audit Trail</h4>\n<table>\n")
	b.WriteString("<tr><th>Signer</th><th>Signed At</th><th>IP Address</th><th>Location</th></tr>\n")
	for _, r := range doc.SignedRecipients() {
		signedAt := ""
		if r.SignedAt != nil {
			signedAt = r.SignedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			html.EscapeString(r.Email), signedAt, html.EscapeString(r.IPAddress), html.EscapeString(r.GeoLocation))
	}
	b.WriteString("</table>\n</div>\n")
	return b.String()
}
