// Package routing evaluates per-recipient routing rules after a signature
// and applies their workflow mutations.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/accordsai/signlane/internal/store"
	"github.com/accordsai/signlane/internal/tokens"
	"github.com/accordsai/signlane/pkg/domain"
)

// Notifier delivers signing invitations to recipients who just became
// active. Delivery failures are the notifier's problem; routing only logs.
type Notifier interface {
	NotifyRecipient(ctx context.Context, doc domain.Document, r domain.Recipient) error
}

// NopNotifier discards invitations. Used when no provider is configured.
type NopNotifier struct{}

func (NopNotifier) NotifyRecipient(context.Context, domain.Document, domain.Recipient) error {
	return nil
}

const signingTokenTTL = 72 * time.Hour

var validate = validator.New()

type Engine struct {
	store    store.Store
	tokens   tokens.Issuer
	notifier Notifier
	logger   *slog.Logger
}

func NewEngine(st store.Store, issuer tokens.Issuer, notifier Notifier) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Engine{
		store:    st,
		tokens:   issuer,
		notifier: notifier,
		logger:   slog.Default().With("component", "routing"),
	}
}

// HandleSigned runs every rule whose trigger matches the signer, in
// template-declared order. A rule that fails to evaluate or apply is logged
// and skipped; its siblings still run. Mutations land on doc in place and in
// the store before returning.
func (e *Engine) HandleSigned(ctx context.Context, doc *domain.Document, signerOrder int) {
	for i, rule := range doc.Template.RoutingRules {
		if rule.TriggeredBy != signerOrder {
			continue
		}
		matched, err := EvaluateCondition(rule.Condition, doc.Payload)
		if err != nil {
			e.logger.Error("rule condition failed", "document_id", doc.DocumentID, "rule", i, "error", err)
			continue
		}
		if !matched {
			continue
		}
		if err := e.apply(ctx, doc, rule.Action); err != nil {
			e.logger.Error("rule action failed",
				"document_id", doc.DocumentID, "rule", i, "action", rule.Action.Type, "error", err)
		}
	}
}

// EvaluateCondition checks the condition against the document payload. The
// value under comparison is the payload value for the delimiter key, not
// anything on the recipient.
func EvaluateCondition(c domain.RuleCondition, payload map[string]string) (bool, error) {
	actual, ok := payload[c.DelimiterKey]
	blank := !ok || strings.TrimSpace(actual) == ""

	if c.Operator == domain.OpIsEmpty {
		return blank, nil
	}
	if blank {
		return false, nil
	}

	switch c.Operator {
	case domain.OpEquals:
		return actual == c.Value, nil
	case domain.OpNotEquals:
		return actual != c.Value, nil
	case domain.OpContains:
		return strings.Contains(actual, c.Value), nil
	case domain.OpGreaterThan:
		return compareOrdered(actual, c.Value) > 0, nil
	case domain.OpLessThan:
		return compareOrdered(actual, c.Value) < 0, nil
	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

// compareOrdered compares numerically when both sides parse as numbers and
// falls back to plain string ordering when either side does not. The
// fallback is intentional: "abc" > "10" holds lexicographically.
func compareOrdered(a, b string) int {
	fa, errA := strconv.ParseFloat(strings.TrimSpace(a), 64)
	fb, errB := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if errA == nil && errB == nil {
		switch {
		case fa > fb:
			return 1
		case fa < fb:
			return -1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func (e *Engine) apply(ctx context.Context, doc *domain.Document, action domain.RuleAction) error {
	switch action.Type {
	case domain.ActionActivateSigner:
		return e.activate(ctx, doc, action.TargetOrder)
	case domain.ActionSkipSigner:
		return e.skip(ctx, doc, action.TargetOrder)
	case domain.ActionAddSigner:
		return e.addSigner(ctx, doc, action.Email)
	case domain.ActionComplete:
		return e.complete(ctx, doc)
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

// activate moves the target to active with a fresh token. Signed recipients
// are left alone; skipped ones are reactivated.
func (e *Engine) activate(ctx context.Context, doc *domain.Document, order int) error {
	r, ok := doc.Recipient(order)
	if !ok {
		return fmt.Errorf("no recipient with order %d", order)
	}
	if r.Status == domain.RecipientSigned {
		return nil
	}
	return e.makeActive(ctx, doc, r)
}

// skip moves the target to skipped and chains activation of the next
// sequential pending recipient when one exists.
func (e *Engine) skip(ctx context.Context, doc *domain.Document, order int) error {
	r, ok := doc.Recipient(order)
	if !ok {
		return fmt.Errorf("no recipient with order %d", order)
	}
	if r.Status == domain.RecipientSigned {
		return nil
	}
	r.Status = domain.RecipientSkipped
	r.SigningToken = ""
	if err := e.store.UpdateRecipient(ctx, doc.DocumentID, *r); err != nil {
		return err
	}

	next, ok := doc.Recipient(order + 1)
	if !ok || next.Status != domain.RecipientPending {
		return nil
	}
	return e.makeActive(ctx, doc, next)
}

func (e *Engine) addSigner(ctx context.Context, doc *domain.Document, email string) error {
	if err := validate.Var(email, "required,email"); err != nil {
		return fmt.Errorf("invalid signer email %q", email)
	}
	r := domain.Recipient{
		Email:          email,
		SignatureOrder: doc.MaxOrder() + 1,
		Status:         domain.RecipientActive,
	}
	token, err := e.issueToken(doc, r)
	if err != nil {
		return err
	}
	r.SigningToken = token
	if err := e.store.AddRecipient(ctx, doc.DocumentID, r); err != nil {
		return err
	}
	doc.Recipients = append(doc.Recipients, r)
	e.notify(ctx, *doc, r)
	return nil
}

// complete force-skips every unsettled recipient and moves the document to
// signed. This is the only action that touches document-level status.
func (e *Engine) complete(ctx context.Context, doc *domain.Document) error {
	for i := range doc.Recipients {
		r := &doc.Recipients[i]
		switch r.Status {
		case domain.RecipientPending, domain.RecipientActive:
			r.Status = domain.RecipientSkipped
			r.SigningToken = ""
			if err := e.store.UpdateRecipient(ctx, doc.DocumentID, *r); err != nil {
				return err
			}
		}
	}
	if err := e.store.UpdateDocumentStatus(ctx, doc.DocumentID, domain.StatusSigned, ""); err != nil {
		return err
	}
	doc.Status = domain.StatusSigned
	return nil
}

// MakeActive issues a fresh token, persists the transition, and notifies.
// Exported for the signing service's sequential advance.
func (e *Engine) MakeActive(ctx context.Context, doc *domain.Document, order int) error {
	r, ok := doc.Recipient(order)
	if !ok {
		return fmt.Errorf("no recipient with order %d", order)
	}
	return e.makeActive(ctx, doc, r)
}

func (e *Engine) makeActive(ctx context.Context, doc *domain.Document, r *domain.Recipient) error {
	token, err := e.issueToken(doc, *r)
	if err != nil {
		return err
	}
	r.Status = domain.RecipientActive
	r.SigningToken = token
	if err := e.store.UpdateRecipient(ctx, doc.DocumentID, *r); err != nil {
		return err
	}
	e.notify(ctx, *doc, *r)
	return nil
}

func (e *Engine) issueToken(doc *domain.Document, r domain.Recipient) (string, error) {
	return e.tokens.GenerateToken(map[string]any{
		"document_id":     doc.DocumentID,
		"signature_order": r.SignatureOrder,
		"email":           r.Email,
	}, "signing", signingTokenTTL)
}

func (e *Engine) notify(ctx context.Context, doc domain.Document, r domain.Recipient) {
	if err := e.notifier.NotifyRecipient(ctx, doc, r); err != nil {
		e.logger.Warn("recipient notification failed",
			"document_id", doc.DocumentID, "order", r.SignatureOrder, "error", err)
	}
}
