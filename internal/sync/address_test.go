package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSender(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		address string
	}{
		{"", "", ""},
		{"Alice <Alice@Example.com>", "Alice", "alice@example.com"},
		{`"Stripe, Inc." <receipts@stripe.com>`, "Stripe, Inc.", "receipts@stripe.com"},
		{"noreply@github.com", "", "noreply@github.com"},
		{"Broken Name, Inc <news@shop.example>", "Broken Name, Inc", "news@shop.example"},
	}

	for _, tt := range tests {
		name, address := ParseSender(tt.in)
		assert.Equal(t, tt.name, name, tt.in)
		assert.Equal(t, tt.address, address, tt.in)
	}
}
