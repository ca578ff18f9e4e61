// Package store persists the document/recipient aggregate.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/accordsai/signlane/pkg/domain"
)

var ErrNotFound = errors.New("document not found")

type Store interface {
	CreateDocument(ctx context.Context, d domain.Document) error
	GetDocument(ctx context.Context, id string) (domain.Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status domain.DocumentStatus, reason string) error
	MarkCompleted(ctx context.Context, id, pdfURL, pdfHash string, completedAt time.Time) error
	UpdateRecipient(ctx context.Context, docID string, r domain.Recipient) error
	AddRecipient(ctx context.Context, docID string, r domain.Recipient) error
	UpdateCallback(ctx context.Context, id, status string, attempts int) error
}

// PGStore is the Postgres implementation.
type PGStore struct{ DB *pgxpool.Pool }

func NewPGStore(db *pgxpool.Pool) *PGStore { return &PGStore{DB: db} }

func (s *PGStore) CreateDocument(ctx context.Context, d domain.Document) error {
	payload, _ := json.Marshal(d.Payload)
	snapshot, _ := json.Marshal(d.Template)
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO documents(document_id,status,payload,template_snapshot,callback_url,callback_secret)
VALUES($1,$2,$3::jsonb,$4::jsonb,$5,$6)`,
		d.DocumentID, string(d.Status), string(payload), string(snapshot), d.CallbackURL, d.CallbackSecret)
	if err != nil {
		return err
	}
	for _, r := range d.Recipients {
		if err := insertRecipient(ctx, tx, d.DocumentID, r); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func insertRecipient(ctx context.Context, tx pgx.Tx, docID string, r domain.Recipient) error {
	_, err := tx.Exec(ctx, `INSERT INTO recipients(document_id,email,signature_order,status,signing_token,signed_at,ip_address,geo_location,signature_image)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		docID, r.Email, r.SignatureOrder, string(r.Status), r.SigningToken, r.SignedAt, r.IPAddress, r.GeoLocation, r.SignatureImage)
	return err
}

func (s *PGStore) GetDocument(ctx context.Context, id string) (domain.Document, error) {
	var d domain.Document
	var status string
	var payload, snapshot []byte
	err := s.DB.QueryRow(ctx, `SELECT document_id,status,payload,template_snapshot,pdf_url,pdf_hash,callback_url,callback_secret,callback_status,callback_attempts,completed_at,error_reason,created_at,updated_at
FROM documents WHERE document_id=$1`, id).
		Scan(&d.DocumentID, &status, &payload, &snapshot, &d.PDFURL, &d.PDFHash,
			&d.CallbackURL, &d.CallbackSecret, &d.CallbackStatus, &d.CallbackAttempts,
			&d.CompletedAt, &d.ErrorReason, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Document{}, ErrNotFound
	}
	if err != nil {
		return domain.Document{}, err
	}
	d.Status = domain.DocumentStatus(status)
	_ = json.Unmarshal(payload, &d.Payload)
	_ = json.Unmarshal(snapshot, &d.Template)

	rows, err := s.DB.Query(ctx, `SELECT email,signature_order,status,signing_token,signed_at,ip_address,geo_location,signature_image
FROM recipients WHERE document_id=$1 ORDER BY signature_order ASC`, id)
	if err != nil {
		return domain.Document{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var r domain.Recipient
		var rstatus string
		if err := rows.Scan(&r.Email, &r.SignatureOrder, &rstatus, &r.SigningToken, &r.SignedAt, &r.IPAddress, &r.GeoLocation, &r.SignatureImage); err != nil {
			return domain.Document{}, err
		}
		r.Status = domain.RecipientStatus(rstatus)
		d.Recipients = append(d.Recipients, r)
	}
	return d, rows.Err()
}

func (s *PGStore) UpdateDocumentStatus(ctx context.Context, id string, status domain.DocumentStatus, reason string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE documents SET status=$1, error_reason=$2, updated_at=now() WHERE document_id=$3`,
		string(status), reason, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) MarkCompleted(ctx context.Context, id, pdfURL, pdfHash string, completedAt time.Time) error {
	tag, err := s.DB.Exec(ctx, `UPDATE documents SET status='completed', pdf_url=$1, pdf_hash=$2, completed_at=$3, error_reason='', updated_at=now()
WHERE document_id=$4`, pdfURL, pdfHash, completedAt, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) UpdateRecipient(ctx context.Context, docID string, r domain.Recipient) error {
	tag, err := s.DB.Exec(ctx, `UPDATE recipients SET status=$1, signing_token=$2, signed_at=$3, ip_address=$4, geo_location=$5, signature_image=$6
WHERE document_id=$7 AND signature_order=$8`,
		string(r.Status), r.SigningToken, r.SignedAt, r.IPAddress, r.GeoLocation, r.SignatureImage, docID, r.SignatureOrder)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) AddRecipient(ctx context.Context, docID string, r domain.Recipient) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := insertRecipient(ctx, tx, docID, r); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) UpdateCallback(ctx context.Context, id, status string, attempts int) error {
	_, err := s.DB.Exec(ctx, `UPDATE documents SET callback_status=$1, callback_attempts=$2, updated_at=now() WHERE document_id=$3`,
		status, attempts, id)
	return err
}
