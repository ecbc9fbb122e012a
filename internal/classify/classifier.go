// Package classify assigns one of the fixed categories to a message from its metadata.
package classify

import (
	"strings"

	"github.com/Martian-dev/mailsync/internal/model"
)

var (
	financeKeywords = []string{
		"invoice", "receipt", "payment", "bill", "statement",
		"transaction", "order confirmed", "your order",
	}
	financeSenders = []string{
		"stripe.com", "paypal.com", "wise.com", "billing", "finance",
		"accounting", "razorpay", "bank", "chase", "amex",
	}
	travelKeywords = []string{
		"flight", "booking", "reservation", "ticket", "boarding pass",
		"hotel", "airbnb", "uber", "lyft",
	}
	socialDomains = []string{
		"facebook.com", "facebookmail.com", "twitter.com", "x.com", "linkedin.com",
		"instagram.com", "pinterest.com", "tiktok.com", "youtube.com",
	}
	promoKeywords = []string{
		"sale", "% off", "discount", "offer", "deal", "limited time", "limited-time",
	}
)

// Classify maps message metadata to a category. The cascade is evaluated top to
// bottom and the first match wins. headers must use lower-case keys.
func Classify(senderAddress, subject, snippet string, headers map[string]string) model.Category {
	sender := strings.ToLower(strings.TrimSpace(senderAddress))
	subj := strings.ToLower(subject)
	snip := strings.ToLower(snippet)

	if containsAny(subj, financeKeywords) || containsAny(sender, financeSenders) {
		return model.CategoryFinance
	}

	if containsAny(subj, travelKeywords) {
		return model.CategoryTravel
	}

	if inDomains(domainOf(sender), socialDomains) {
		return model.CategorySocial
	}

	if HasListUnsubscribe(headers) {
		if containsAny(subj, promoKeywords) || containsAny(snip, promoKeywords) {
			return model.CategoryPromotions
		}
		return model.CategoryUpdates
	}

	return model.CategoryPrimary
}

// HasListUnsubscribe reports whether the message carries a list-unsubscribe style header.
func HasListUnsubscribe(headers map[string]string) bool {
	return headers["list-unsubscribe"] != "" || headers["list-unsubscribe-post"] != ""
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func domainOf(address string) string {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return ""
	}
	return strings.TrimSuffix(address[at+1:], ">")
}

// inDomains matches the domain itself or any subdomain of a listed domain.
func inDomains(domain string, domains []string) bool {
	if domain == "" {
		return false
	}
	for _, d := range domains {
		if domain == d || strings.HasSuffix(domain, "."+d) {
			return true
		}
	}
	return false
}
