package routing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accordsai/signlane/internal/store"
	"github.com/accordsai/signlane/internal/tokens"
	"github.com/accordsai/signlane/pkg/domain"
)

type captureNotifier struct {
	notified []int
}

func (c *captureNotifier) NotifyRecipient(_ context.Context, _ domain.Document, r domain.Recipient) error {
	c.notified = append(c.notified, r.SignatureOrder)
	return nil
}

func newFixture(t *testing.T, doc domain.Document) (*Engine, *store.MemoryStore, *captureNotifier) {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.CreateDocument(context.Background(), doc))
	notifier := &captureNotifier{}
	return NewEngine(st, tokens.NewHMACIssuer("test"), notifier), st, notifier
}

func baseDoc(rules ...domain.RoutingRule) domain.Document {
	return domain.Document{
		DocumentID: "doc_route",
		Status:     domain.StatusInProgress,
		Payload:    map[string]string{"tier": "gold", "amount": "15"},
		Template:   domain.TemplateSnapshot{RoutingRules: rules},
		Recipients: []domain.Recipient{
			{Email: "one@example.com", SignatureOrder: 1, Status: domain.RecipientSigned},
			{Email: "two@example.com", SignatureOrder: 2, Status: domain.RecipientActive, SigningToken: "tok2"},
			{Email: "three@example.com", SignatureOrder: 3, Status: domain.RecipientPending},
		},
	}
}

func TestEvaluateConditionOperators(t *testing.T) {
	payload := map[string]string{"tier": "gold", "amount": "15", "blank": "  "}

	cases := []struct {
		name string
		cond domain.RuleCondition
		want bool
	}{
		{"equals match", domain.RuleCondition{DelimiterKey: "tier", Operator: domain.OpEquals, Value: "gold"}, true},
		{"equals miss", domain.RuleCondition{DelimiterKey: "tier", Operator: domain.OpEquals, Value: "silver"}, false},
		{"not_equals", domain.RuleCondition{DelimiterKey: "tier", Operator: domain.OpNotEquals, Value: "silver"}, true},
		{"contains", domain.RuleCondition{DelimiterKey: "tier", Operator: domain.OpContains, Value: "ol"}, true},
		{"numeric greater_than", domain.RuleCondition{DelimiterKey: "amount", Operator: domain.OpGreaterThan, Value: "10"}, true},
		{"numeric less_than", domain.RuleCondition{DelimiterKey: "amount", Operator: domain.OpLessThan, Value: "10"}, false},
		{"is_empty on blank", domain.RuleCondition{DelimiterKey: "blank", Operator: domain.OpIsEmpty}, true},
		{"is_empty on missing", domain.RuleCondition{DelimiterKey: "nope", Operator: domain.OpIsEmpty}, true},
		{"is_empty on present", domain.RuleCondition{DelimiterKey: "tier", Operator: domain.OpIsEmpty}, false},
		{"missing actual never matches", domain.RuleCondition{DelimiterKey: "nope", Operator: domain.OpEquals, Value: ""}, false},
		{"blank actual never matches not_equals", domain.RuleCondition{DelimiterKey: "blank", Operator: domain.OpNotEquals, Value: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := EvaluateCondition(tc.cond, payload)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestComparatorLexicographicFallback(t *testing.T) {
	// "abc" fails numeric parse, so comparison falls back to string order:
	// "abc" > "10" lexicographically.
	got, err := EvaluateCondition(
		domain.RuleCondition{DelimiterKey: "amount", Operator: domain.OpGreaterThan, Value: "10"},
		map[string]string{"amount": "abc"})
	require.NoError(t, err)
	assert.True(t, got)

	// Both numeric: 9 < 10 even though "9" > "10" as strings.
	got, err = EvaluateCondition(
		domain.RuleCondition{DelimiterKey: "amount", Operator: domain.OpGreaterThan, Value: "10"},
		map[string]string{"amount": "9"})
	require.NoError(t, err)
	assert.False(t, got)
}

func TestEvaluateConditionUnknownOperator(t *testing.T) {
	_, err := EvaluateCondition(domain.RuleCondition{DelimiterKey: "tier", Operator: "matches"}, map[string]string{"tier": "x"})
	assert.Error(t, err)
}

func TestSkipSignerChainsActivation(t *testing.T) {
	doc := baseDoc(domain.RoutingRule{
		TriggeredBy: 1,
		Condition:   domain.RuleCondition{DelimiterKey: "tier", Operator: domain.OpEquals, Value: "gold"},
		Action:      domain.RuleAction{Type: domain.ActionSkipSigner, TargetOrder: 2},
	})
	e, st, notifier := newFixture(t, doc)

	e.HandleSigned(context.Background(), &doc, 1)

	two, _ := doc.Recipient(2)
	assert.Equal(t, domain.RecipientSkipped, two.Status)
	assert.Empty(t, two.SigningToken, "token cleared on skip")

	three, _ := doc.Recipient(3)
	assert.Equal(t, domain.RecipientActive, three.Status)
	assert.NotEmpty(t, three.SigningToken, "chained activation issues a fresh token")
	assert.Equal(t, []int{3}, notifier.notified)

	// Mutations were persisted, not just applied in memory.
	stored, err := st.GetDocument(context.Background(), doc.DocumentID)
	require.NoError(t, err)
	storedTwo, _ := stored.Recipient(2)
	assert.Equal(t, domain.RecipientSkipped, storedTwo.Status)
}

func TestSkipSignerWithoutSuccessor(t *testing.T) {
	doc := baseDoc(domain.RoutingRule{
		TriggeredBy: 1,
		Condition:   domain.RuleCondition{DelimiterKey: "tier", Operator: domain.OpEquals, Value: "gold"},
		Action:      domain.RuleAction{Type: domain.ActionSkipSigner, TargetOrder: 3},
	})
	e, _, notifier := newFixture(t, doc)

	e.HandleSigned(context.Background(), &doc, 1)

	three, _ := doc.Recipient(3)
	assert.Equal(t, domain.RecipientSkipped, three.Status)
	assert.Empty(t, notifier.notified, "no successor, no activation")
}

func TestSkipSignerNoopWhenSigned(t *testing.T) {
	doc := baseDoc(domain.RoutingRule{
		TriggeredBy: 1,
		Condition:   domain.RuleCondition{DelimiterKey: "tier", Operator: domain.OpEquals, Value: "gold"},
		Action:      domain.RuleAction{Type: domain.ActionSkipSigner, TargetOrder: 1},
	})
	e, _, _ := newFixture(t, doc)

	e.HandleSigned(context.Background(), &doc, 1)

	one, _ := doc.Recipient(1)
	assert.Equal(t, domain.RecipientSigned, one.Status)
}

func TestActivateSignerReactivatesSkipped(t *testing.T) {
	doc := baseDoc(domain.RoutingRule{
		TriggeredBy: 1,
		Condition:   domain.RuleCondition{DelimiterKey: "amount", Operator: domain.OpGreaterThan, Value: "10"},
		Action:      domain.RuleAction{Type: domain.ActionActivateSigner, TargetOrder: 3},
	})
	doc.Recipients[2].Status = domain.RecipientSkipped
	e, _, notifier := newFixture(t, doc)

	e.HandleSigned(context.Background(), &doc, 1)

	three, _ := doc.Recipient(3)
	assert.Equal(t, domain.RecipientActive, three.Status)
	assert.NotEmpty(t, three.SigningToken)
	assert.Equal(t, []int{3}, notifier.notified)
}

func TestAddSignerAppendsAtMaxOrderPlusOne(t *testing.T) {
	doc := baseDoc(domain.RoutingRule{
		TriggeredBy: 1,
		Condition:   domain.RuleCondition{DelimiterKey: "tier", Operator: domain.OpEquals, Value: "gold"},
		Action:      domain.RuleAction{Type: domain.ActionAddSigner, Email: "extra@example.com"},
	})
	e, st, notifier := newFixture(t, doc)

	e.HandleSigned(context.Background(), &doc, 1)

	added, ok := doc.Recipient(4)
	require.True(t, ok)
	assert.Equal(t, "extra@example.com", added.Email)
	assert.Equal(t, domain.RecipientActive, added.Status)
	assert.NotEmpty(t, added.SigningToken)
	assert.Equal(t, []int{4}, notifier.notified)

	stored, err := st.GetDocument(context.Background(), doc.DocumentID)
	require.NoError(t, err)
	assert.Len(t, stored.Recipients, 4)
}

func TestCompleteForceSkipsAndSignsDocument(t *testing.T) {
	doc := baseDoc(domain.RoutingRule{
		TriggeredBy: 1,
		Condition:   domain.RuleCondition{DelimiterKey: "tier", Operator: domain.OpEquals, Value: "gold"},
		Action:      domain.RuleAction{Type: domain.ActionComplete},
	})
	e, st, _ := newFixture(t, doc)

	e.HandleSigned(context.Background(), &doc, 1)

	assert.Equal(t, domain.StatusSigned, doc.Status)
	two, _ := doc.Recipient(2)
	three, _ := doc.Recipient(3)
	assert.Equal(t, domain.RecipientSkipped, two.Status)
	assert.Empty(t, two.SigningToken)
	assert.Equal(t, domain.RecipientSkipped, three.Status)

	stored, err := st.GetDocument(context.Background(), doc.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSigned, stored.Status)
}

func TestRuleErrorDoesNotStopSiblings(t *testing.T) {
	doc := baseDoc(
		domain.RoutingRule{
			TriggeredBy: 1,
			Condition:   domain.RuleCondition{DelimiterKey: "tier", Operator: domain.OpEquals, Value: "gold"},
			Action:      domain.RuleAction{Type: domain.ActionAddSigner, Email: "not-an-email"},
		},
		domain.RoutingRule{
			TriggeredBy: 1,
			Condition:   domain.RuleCondition{DelimiterKey: "tier", Operator: domain.OpEquals, Value: "gold"},
			Action:      domain.RuleAction{Type: domain.ActionSkipSigner, TargetOrder: 2},
		},
	)
	e, _, _ := newFixture(t, doc)

	e.HandleSigned(context.Background(), &doc, 1)

	assert.Len(t, doc.Recipients, 3, "invalid add_signer must not insert")
	two, _ := doc.Recipient(2)
	assert.Equal(t, domain.RecipientSkipped, two.Status, "second rule still ran")
}

func TestRulesForOtherTriggersIgnored(t *testing.T) {
	doc := baseDoc(domain.RoutingRule{
		TriggeredBy: 2,
		Condition:   domain.RuleCondition{DelimiterKey: "tier", Operator: domain.OpEquals, Value: "gold"},
		Action:      domain.RuleAction{Type: domain.ActionSkipSigner, TargetOrder: 3},
	})
	e, _, _ := newFixture(t, doc)

	e.HandleSigned(context.Background(), &doc, 1)

	three, _ := doc.Recipient(3)
	assert.Equal(t, domain.RecipientPending, three.Status)
}

func TestMakeActiveIssuesTokenWithExpiry(t *testing.T) {
	doc := baseDoc()
	e, _, _ := newFixture(t, doc)

	require.NoError(t, e.MakeActive(context.Background(), &doc, 3))

	three, _ := doc.Recipient(3)
	exp, err := tokens.NewHMACIssuer("test").Expiry(three.SigningToken)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(signingTokenTTL), exp, 10*time.Second)
}
