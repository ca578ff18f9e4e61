package domain

import (
	"fmt"
	"time"
)

type DocumentStatus string

const (
	StatusDraft      DocumentStatus = "draft"
	StatusSent       DocumentStatus = "sent"
	StatusInProgress DocumentStatus = "in_progress"
	StatusSigned     DocumentStatus = "signed"
	StatusCompleted  DocumentStatus = "completed"
	StatusErrored    DocumentStatus = "error"
	StatusRejected   DocumentStatus = "rejected"
	StatusExpired    DocumentStatus = "expired"
)

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientActive  RecipientStatus = "active"
	RecipientSigned  RecipientStatus = "signed"
	RecipientSkipped RecipientStatus = "skipped"
)

type DelimiterType string

const (
	DelimiterText      DelimiterType = "text"
	DelimiterEmail     DelimiterType = "email"
	DelimiterPhone     DelimiterType = "phone"
	DelimiterDate      DelimiterType = "date"
	DelimiterNumber    DelimiterType = "number"
	DelimiterSignature DelimiterType = "signature"
	DelimiterInitial   DelimiterType = "initial"
)

type Delimiter struct {
	Key          string        `json:"key"`
	Type         DelimiterType `json:"type"`
	Required     bool          `json:"required"`
	DefaultValue string        `json:"default_value,omitempty"`
	AssignedTo   string        `json:"assigned_to,omitempty"`
	Unused       bool          `json:"unused,omitempty"`
}

type RuleOperator string

const (
	OpEquals      RuleOperator = "equals"
	OpNotEquals   RuleOperator = "not_equals"
	OpGreaterThan RuleOperator = "greater_than"
	OpLessThan    RuleOperator = "less_than"
	OpContains    RuleOperator = "contains"
	OpIsEmpty     RuleOperator = "is_empty"
)

type RuleActionType string

const (
	ActionActivateSigner RuleActionType = "activate_signer"
	ActionSkipSigner     RuleActionType = "skip_signer"
	ActionAddSigner      RuleActionType = "add_signer"
	ActionComplete       RuleActionType = "complete"
)

type RuleCondition struct {
	DelimiterKey string       `json:"delimiter_key"`
	Operator     RuleOperator `json:"operator"`
	Value        string       `json:"value"`
}

type RuleAction struct {
	Type        RuleActionType `json:"type"`
	TargetOrder int            `json:"target_order,omitempty"`
	Email       string         `json:"email,omitempty"`
}

type RoutingRule struct {
	TriggeredBy int           `json:"triggered_by"`
	Condition   RuleCondition `json:"condition"`
	Action      RuleAction    `json:"action"`
}

// NotificationConfig is part of the immutable template snapshot. Credentials
// travel as an encrypted envelope; decryption happens in the notifier.
type NotificationConfig struct {
	Provider             string   `json:"provider,omitempty"`
	EncryptedCredentials string   `json:"encrypted_credentials,omitempty"`
	FromAddress          string   `json:"from_address,omitempty"`
	CompletionRecipients []string `json:"completion_recipients,omitempty"`
	SubjectTemplate      string   `json:"subject_template,omitempty"`
	BodyTemplate         string   `json:"body_template,omitempty"`
	CompletionSubject    string   `json:"completion_subject,omitempty"`
	CompletionBody       string   `json:"completion_body,omitempty"`
}

// TemplateSnapshot is frozen at send time so later template edits never change
// an in-flight document.
type TemplateSnapshot struct {
	HTML          string             `json:"html"`
	Delimiters    []Delimiter        `json:"delimiters"`
	RoutingRules  []RoutingRule      `json:"routing_rules,omitempty"`
	Notifications NotificationConfig `json:"notifications"`
}

type Recipient struct {
	Email          string          `json:"email"`
	SignatureOrder int             `json:"signature_order"`
	Status         RecipientStatus `json:"status"`
	SigningToken   string          `json:"-"`
	SignedAt       *time.Time      `json:"signed_at,omitempty"`
	IPAddress      string          `json:"ip_address,omitempty"`
	GeoLocation    string          `json:"geo_location,omitempty"`
	SignatureImage string          `json:"-"`
}

type Document struct {
	DocumentID       string            `json:"document_id"`
	Status           DocumentStatus    `json:"status"`
	Recipients       []Recipient       `json:"recipients"`
	Payload          map[string]string `json:"payload"`
	Template         TemplateSnapshot  `json:"template_snapshot"`
	PDFURL           string            `json:"pdf_url,omitempty"`
	PDFHash          string            `json:"pdf_hash,omitempty"`
	CallbackURL      string            `json:"callback_url,omitempty"`
	CallbackSecret   string            `json:"-"`
	CallbackStatus   string            `json:"callback_status,omitempty"`
	CallbackAttempts int               `json:"callback_attempts,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	ErrorReason      string            `json:"error_reason,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Recipient returns the recipient with the given signature order.
func (d *Document) Recipient(order int) (*Recipient, bool) {
	for i := range d.Recipients {
		if d.Recipients[i].SignatureOrder == order {
			return &d.Recipients[i], true
		}
	}
	return nil, false
}

// MaxOrder returns the highest signature order, or 0 for no recipients.
func (d *Document) MaxOrder() int {
	max := 0
	for i := range d.Recipients {
		if d.Recipients[i].SignatureOrder > max {
			max = d.Recipients[i].SignatureOrder
		}
	}
	return max
}

// AllSettled reports whether no recipient remains pending or active. A document
// with every recipient settled is eligible for the signed status.
func (d *Document) AllSettled() bool {
	for i := range d.Recipients {
		switch d.Recipients[i].Status {
		case RecipientPending, RecipientActive:
			return false
		}
	}
	return true
}

// SignedRecipients returns recipients in signed state ordered by signature order.
func (d *Document) SignedRecipients() []Recipient {
	out := make([]Recipient, 0, len(d.Recipients))
	for _, r := range d.Recipients {
		if r.Status == RecipientSigned {
			out = append(out, r)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].SignatureOrder < out[j-1].SignatureOrder; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

type StatusError struct {
	DocumentID string
	Status     DocumentStatus
	Want       DocumentStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("document %s has status %q, want %q", e.DocumentID, e.Status, e.Want)
}
