// Package signing records recipient signatures and drives the workflow
// forward: routing rules, sequential activation, and the transition to the
// signed document status.
package signing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/accordsai/signlane/internal/audit"
	"github.com/accordsai/signlane/internal/routing"
	"github.com/accordsai/signlane/internal/store"
	"github.com/accordsai/signlane/pkg/domain"
)

var (
	ErrAlreadySigned = errors.New("recipient already signed")
	ErrNotSignable   = errors.New("recipient is not eligible to sign")
)

type SignRequest struct {
	IPAddress      string
	GeoLocation    string
	SignatureImage string
}

type Service struct {
	store   store.Store
	routing *routing.Engine
	audit   audit.Sink
	logger  *slog.Logger
	now     func() time.Time
}

func NewService(st store.Store, router *routing.Engine, sink audit.Sink) *Service {
	return &Service{
		store:   st,
		routing: router,
		audit:   sink,
		logger:  slog.Default().With("component", "signing"),
		now:     time.Now,
	}
}

// Sign records a signature for the recipient at order and returns the
// updated document. Signing events for one document must be serialized by
// the caller; only one recipient is active at a time.
func (s *Service) Sign(ctx context.Context, documentID string, order int, req SignRequest) (domain.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return domain.Document{}, err
	}
	switch doc.Status {
	case domain.StatusSent, domain.StatusInProgress:
	default:
		return domain.Document{}, &domain.StatusError{DocumentID: documentID, Status: doc.Status, Want: domain.StatusSent}
	}

	r, ok := doc.Recipient(order)
	if !ok {
		return domain.Document{}, fmt.Errorf("no recipient with order %d: %w", order, store.ErrNotFound)
	}
	switch r.Status {
	case domain.RecipientSigned:
		return domain.Document{}, ErrAlreadySigned
	case domain.RecipientActive:
	case domain.RecipientPending:
		// A pending recipient may sign only when nobody is ahead of them.
		if hasActive(doc) {
			return domain.Document{}, fmt.Errorf("%w: order %d is pending behind an active signer", ErrNotSignable, order)
		}
	default:
		return domain.Document{}, fmt.Errorf("%w: order %d is %s", ErrNotSignable, order, r.Status)
	}

	signedAt := s.now().UTC()
	r.Status = domain.RecipientSigned
	r.SigningToken = ""
	r.SignedAt = &signedAt
	r.IPAddress = req.IPAddress
	r.GeoLocation = req.GeoLocation
	r.SignatureImage = req.SignatureImage
	if err := s.store.UpdateRecipient(ctx, documentID, *r); err != nil {
		return domain.Document{}, err
	}
	if doc.Status == domain.StatusSent {
		if err := s.store.UpdateDocumentStatus(ctx, documentID, domain.StatusInProgress, ""); err != nil {
			return domain.Document{}, err
		}
		doc.Status = domain.StatusInProgress
	}
	s.audit.LogEvent(ctx, audit.Event{
		EventType: "recipient.signed",
		Actor:     r.Email,
		Resource:  documentID,
		Action:    "sign",
		Metadata:  map[string]any{"signature_order": order, "ip_address": req.IPAddress},
	})

	s.routing.HandleSigned(ctx, &doc, order)

	if doc.Status != domain.StatusSigned {
		if err := s.advance(ctx, &doc); err != nil {
			return domain.Document{}, err
		}
	}
	return doc, nil
}

// advance activates the next sequential pending recipient when nobody is
// active, and moves the document to signed once every recipient is settled.
func (s *Service) advance(ctx context.Context, doc *domain.Document) error {
	if doc.AllSettled() {
		if err := s.store.UpdateDocumentStatus(ctx, doc.DocumentID, domain.StatusSigned, ""); err != nil {
			return err
		}
		doc.Status = domain.StatusSigned
		s.audit.LogEvent(ctx, audit.Event{
			EventType: "document.signed",
			Actor:     "system",
			Resource:  doc.DocumentID,
			Action:    "status_change",
		})
		return nil
	}
	if hasActive(*doc) {
		return nil
	}
	next := nextPending(*doc)
	if next == 0 {
		return nil
	}
	if err := s.routing.MakeActive(ctx, doc, next); err != nil {
		return fmt.Errorf("activate next recipient %d: %w", next, err)
	}
	return nil
}

func hasActive(doc domain.Document) bool {
	for _, r := range doc.Recipients {
		if r.Status == domain.RecipientActive {
			return true
		}
	}
	return false
}

func nextPending(doc domain.Document) int {
	best := 0
	for _, r := range doc.Recipients {
		if r.Status != domain.RecipientPending {
			continue
		}
		if best == 0 || r.SignatureOrder < best {
			best = r.SignatureOrder
		}
	}
	return best
}
