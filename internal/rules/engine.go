// Package rules evaluates user-defined match rules against synced messages.
package rules

import (
	"strings"

	"github.com/Martian-dev/mailsync/internal/model"
)

// Disposition is the sync-time outcome of evaluating a rule snapshot.
type Disposition int

const (
	Keep Disposition = iota
	Archive
)

func (d Disposition) String() string {
	if d == Archive {
		return "archive"
	}
	return "keep"
}

// Evaluate returns Archive when any rule in the snapshot matches. Trash rules are
// applied as Archive at sync time; deletion only happens through explicit bulk actions.
func Evaluate(ruleSet []model.Rule, senderAddress, subject string) Disposition {
	if _, ok := FirstMatch(ruleSet, senderAddress, subject); ok {
		return Archive
	}
	return Keep
}

// FirstMatch returns the first rule matching the message.
func FirstMatch(ruleSet []model.Rule, senderAddress, subject string) (model.Rule, bool) {
	sender := strings.ToLower(strings.TrimSpace(senderAddress))
	subj := strings.ToLower(subject)

	for _, r := range ruleSet {
		if r.Action != model.ActionArchive && r.Action != model.ActionTrash {
			continue
		}
		if Matches(r, sender, subj) {
			return r, true
		}
	}
	return model.Rule{}, false
}

// Matches applies one rule. sender and subject must already be lower-cased.
func Matches(r model.Rule, sender, subject string) bool {
	value := strings.ToLower(strings.TrimSpace(r.Value))
	if value == "" {
		return false
	}

	switch r.Type {
	case model.RuleSender:
		return strings.Contains(sender, value)
	case model.RuleDomain:
		return strings.HasSuffix(sender, value)
	case model.RuleSubject:
		return strings.Contains(subject, value)
	default:
		return false
	}
}
