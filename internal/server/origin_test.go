package server

import (
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeOrigins(t *testing.T) {
	normalized, allowAll := normalizeOrigins([]string{" HTTP://Example.TEST ", "", "not a url", "http://b.test:8080"}, zerolog.Nop())
	assert.False(t, allowAll)
	assert.Equal(t, []string{"http://example.test", "http://b.test:8080"}, normalized)

	_, allowAll = normalizeOrigins([]string{"*"}, zerolog.Nop())
	assert.True(t, allowAll)

	normalized, allowAll = normalizeOrigins(nil, zerolog.Nop())
	assert.Nil(t, normalized)
	assert.False(t, allowAll)
}

func TestOriginPolicy(t *testing.T) {
	policy := newOriginPolicy([]string{"http://example.test"}, zerolog.Nop())
	wildcard := newOriginPolicy([]string{"*"}, zerolog.Nop())

	tests := []struct {
		name     string
		origin   string
		allowed  bool
		wildcard bool
	}{
		{"exact", "http://example.test", true, true},
		{"upper case", "HTTP://EXAMPLE.TEST", true, true},
		{"different port", "http://example.test:9000", false, true},
		{"different host", "http://other.test", false, true},
		{"empty", "", false, false},
		{"garbage", "::", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.allowed, policy.check(req))
			assert.Equal(t, tt.wildcard, wildcard.isAllowed(req))
		})
	}
}
