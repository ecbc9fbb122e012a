package sync

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// ParseSender splits a From header into its display name and lower-cased address.
func ParseSender(from string) (name, address string) {
	from = strings.TrimSpace(from)
	if from == "" {
		return "", ""
	}
	if a, err := mail.ParseAddress(from); err == nil {
		return a.Name, strings.ToLower(a.Address)
	}

	// net/mail rejects a fair amount of real-world From lines; salvage the <addr> part
	if i := strings.LastIndexByte(from, '<'); i >= 0 {
		if j := strings.IndexByte(from[i:], '>'); j > 0 {
			name = strings.Trim(strings.TrimSpace(from[:i]), `"`)
			return name, strings.ToLower(strings.TrimSpace(from[i+1 : i+j]))
		}
	}
	return "", strings.ToLower(from)
}
