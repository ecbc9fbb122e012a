package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Martian-dev/mailsync/internal/model"
)

func rule(typ model.RuleType, value string, action model.RuleAction) model.Rule {
	return model.Rule{Type: typ, Value: value, Action: action}
}

func TestEvaluate_ORSemantics(t *testing.T) {
	set := []model.Rule{
		rule(model.RuleSender, "promo@shop.com", model.ActionArchive),
		rule(model.RuleSubject, "weekly digest", model.ActionArchive),
	}

	assert.Equal(t, Archive, Evaluate(set, "promo@shop.com", "Hello there"))
	assert.Equal(t, Archive, Evaluate(set, "other@shop.com", "Your Weekly Digest"))
	assert.Equal(t, Keep, Evaluate(set, "other@shop.com", "Hello there"))
}

func TestEvaluate_MatchTypes(t *testing.T) {
	tests := []struct {
		name    string
		rule    model.Rule
		sender  string
		subject string
		want    Disposition
	}{
		{"sender substring", rule(model.RuleSender, "SHOP", model.ActionArchive), "news@shop.com", "", Archive},
		{"domain suffix", rule(model.RuleDomain, "shop.com", model.ActionArchive), "News@Shop.com", "", Archive},
		{"domain must be suffix", rule(model.RuleDomain, "shop", model.ActionArchive), "news@shop.com", "", Keep},
		{"subject substring", rule(model.RuleSubject, "receipt", model.ActionArchive), "a@b.com", "Your RECEIPT", Archive},
		{"trash rule archives at sync time", rule(model.RuleSender, "spam", model.ActionTrash), "spam@bulk.io", "", Archive},
		{"unknown action ignored", rule(model.RuleSender, "spam", model.RuleAction("label")), "spam@bulk.io", "", Keep},
		{"unknown type ignored", rule(model.RuleType("body"), "spam", model.ActionArchive), "spam@bulk.io", "", Keep},
		{"empty value never matches", rule(model.RuleSender, "  ", model.ActionArchive), "spam@bulk.io", "", Keep},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate([]model.Rule{tt.rule}, tt.sender, tt.subject))
		})
	}
}

func TestFirstMatch_ReturnsFirst(t *testing.T) {
	first := rule(model.RuleDomain, "shop.com", model.ActionArchive)
	first.ID = "r1"
	second := rule(model.RuleSender, "news", model.ActionArchive)
	second.ID = "r2"

	got, ok := FirstMatch([]model.Rule{first, second}, "news@shop.com", "")
	assert.True(t, ok)
	assert.Equal(t, "r1", got.ID)
}

func TestEvaluate_EmptySnapshot(t *testing.T) {
	assert.Equal(t, Keep, Evaluate(nil, "a@b.com", "x"))
	assert.Equal(t, "keep", Keep.String())
	assert.Equal(t, "archive", Archive.String())
}
