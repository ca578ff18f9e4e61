package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/accordsai/signlane/pkg/domain"
)

// MemoryStore is the in-memory Store used by tests.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]domain.Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]domain.Document{}}
}

func cloneDoc(d domain.Document) domain.Document {
	out := d
	out.Recipients = append([]domain.Recipient(nil), d.Recipients...)
	out.Payload = make(map[string]string, len(d.Payload))
	for k, v := range d.Payload {
		out.Payload[k] = v
	}
	return out
}

func (s *MemoryStore) CreateDocument(_ context.Context, d domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[d.DocumentID]; ok {
		return fmt.Errorf("document %s already exists", d.DocumentID)
	}
	s.docs[d.DocumentID] = cloneDoc(d)
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return domain.Document{}, ErrNotFound
	}
	return cloneDoc(d), nil
}

func (s *MemoryStore) UpdateDocumentStatus(_ context.Context, id string, status domain.DocumentStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = status
	d.ErrorReason = reason
	d.UpdatedAt = time.Now()
	s.docs[id] = d
	return nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, id, pdfURL, pdfHash string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	d.Status = domain.StatusCompleted
	d.PDFURL = pdfURL
	d.PDFHash = pdfHash
	at := completedAt
	d.CompletedAt = &at
	d.ErrorReason = ""
	d.UpdatedAt = time.Now()
	s.docs[id] = d
	return nil
}

func (s *MemoryStore) UpdateRecipient(_ context.Context, docID string, r domain.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return ErrNotFound
	}
	for i := range d.Recipients {
		if d.Recipients[i].SignatureOrder == r.SignatureOrder {
			d.Recipients[i] = r
			d.UpdatedAt = time.Now()
			s.docs[docID] = d
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) AddRecipient(_ context.Context, docID string, r domain.Recipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[docID]
	if !ok {
		return ErrNotFound
	}
	d.Recipients = append(d.Recipients, r)
	d.UpdatedAt = time.Now()
	s.docs[docID] = d
	return nil
}

func (s *MemoryStore) UpdateCallback(_ context.Context, id, status string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	d.CallbackStatus = status
	d.CallbackAttempts = attempts
	d.UpdatedAt = time.Now()
	s.docs[id] = d
	return nil
}
