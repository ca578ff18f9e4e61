package signing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordsai/signlane/internal/audit"
	"github.com/accordsai/signlane/internal/routing"
	"github.com/accordsai/signlane/internal/store"
	"github.com/accordsai/signlane/internal/tokens"
	"github.com/accordsai/signlane/pkg/domain"
)

func newFixture(t *testing.T, doc domain.Document) (*Service, *store.MemoryStore, *audit.MemorySink) {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateDocument(context.Background(), doc))
	sink := audit.NewMemorySink()
	router := routing.NewEngine(st, tokens.NewHMACIssuer("test"), nil)
	return NewService(st, router, sink), st, sink
}

func twoSignerDoc(rules ...domain.RoutingRule) domain.Document {
	return domain.Document{
		DocumentID: "doc_sign",
		Status:     domain.StatusSent,
		Payload:    map[string]string{"tier": "gold"},
		Template:   domain.TemplateSnapshot{RoutingRules: rules},
		Recipients: []domain.Recipient{
			{Email: "one@example.com", SignatureOrder: 1, Status: domain.RecipientActive, SigningToken: "tok1"},
			{Email: "two@example.com", SignatureOrder: 2, Status: domain.RecipientPending},
		},
	}
}

func TestSignActivatesNextAndTracksProgress(t *testing.T) {
	ctx := context.Background()
	svc, st, sink := newFixture(t, twoSignerDoc())

	doc, err := svc.Sign(ctx, "doc_sign", 1, SignRequest{IPAddress: "203.0.113.9", SignatureImage: "data:image/png;base64,AAA"})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusInProgress, doc.Status, "first signature moves sent to in_progress")

	one, _ := doc.Recipient(1)
	assert.Equal(t, domain.RecipientSigned, one.Status)
	assert.Empty(t, one.SigningToken, "token cleared after use")
	require.NotNil(t, one.SignedAt)
	assert.Equal(t, "203.0.113.9", one.IPAddress)

	two, _ := doc.Recipient(2)
	assert.Equal(t, domain.RecipientActive, two.Status)
	assert.NotEmpty(t, two.SigningToken)

	stored, err := st.GetDocument(ctx, "doc_sign")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, stored.Status)

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "recipient.signed", events[0].EventType)
	assert.Equal(t, "one@example.com", events[0].Actor)
}

func TestLastSignatureSignsDocument(t *testing.T) {
	ctx := context.Background()
	doc := twoSignerDoc()
	doc.Status = domain.StatusInProgress
	doc.Recipients[0].Status = domain.RecipientSigned
	doc.Recipients[1].Status = domain.RecipientActive
	svc, _, sink := newFixture(t, doc)

	got, err := svc.Sign(ctx, "doc_sign", 2, SignRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSigned, got.Status)

	var types []string
	for _, ev := range sink.Events() {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{"recipient.signed", "document.signed"}, types)
}

func TestSignWithSkipRuleShortensChain(t *testing.T) {
	ctx := context.Background()
	doc := domain.Document{
		DocumentID: "doc_sign",
		Status:     domain.StatusSent,
		Payload:    map[string]string{"tier": "gold"},
		Template: domain.TemplateSnapshot{RoutingRules: []domain.RoutingRule{{
			TriggeredBy: 1,
			Condition:   domain.RuleCondition{DelimiterKey: "tier", Operator: domain.OpEquals, Value: "gold"},
			Action:      domain.RuleAction{Type: domain.ActionSkipSigner, TargetOrder: 2},
		}}},
		Recipients: []domain.Recipient{
			{Email: "one@example.com", SignatureOrder: 1, Status: domain.RecipientActive},
			{Email: "two@example.com", SignatureOrder: 2, Status: domain.RecipientPending},
		},
	}
	svc, _, _ := newFixture(t, doc)

	got, err := svc.Sign(ctx, "doc_sign", 1, SignRequest{})
	require.NoError(t, err)

	// Rule skipped the only remaining recipient, so everyone is settled.
	assert.Equal(t, domain.StatusSigned, got.Status)
	two, _ := got.Recipient(2)
	assert.Equal(t, domain.RecipientSkipped, two.Status)
}

func TestSignRejectsWrongDocumentStatus(t *testing.T) {
	ctx := context.Background()
	doc := twoSignerDoc()
	doc.Status = domain.StatusCompleted
	svc, _, _ := newFixture(t, doc)

	_, err := svc.Sign(ctx, "doc_sign", 1, SignRequest{})
	var se *domain.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.StatusCompleted, se.Status)
}

func TestSignRejectsDoubleSign(t *testing.T) {
	ctx := context.Background()
	doc := twoSignerDoc()
	doc.Status = domain.StatusInProgress
	doc.Recipients[0].Status = domain.RecipientSigned
	doc.Recipients[1].Status = domain.RecipientActive
	svc, _, _ := newFixture(t, doc)

	_, err := svc.Sign(ctx, "doc_sign", 1, SignRequest{})
	assert.ErrorIs(t, err, ErrAlreadySigned)
}

func TestSignRejectsPendingBehindActive(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newFixture(t, twoSignerDoc())

	_, err := svc.Sign(ctx, "doc_sign", 2, SignRequest{})
	assert.ErrorIs(t, err, ErrNotSignable)
}

func TestSignAllowsPendingWhenNobodyActive(t *testing.T) {
	ctx := context.Background()
	doc := twoSignerDoc()
	doc.Recipients[0].Status = domain.RecipientSkipped
	svc, _, _ := newFixture(t, doc)

	got, err := svc.Sign(ctx, "doc_sign", 2, SignRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSigned, got.Status)
}

func TestSignUnknownRecipient(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newFixture(t, twoSignerDoc())

	_, err := svc.Sign(ctx, "doc_sign", 9, SignRequest{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}
