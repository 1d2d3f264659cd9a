package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	assert.True(t, changed)
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		assert.Contains(t, out, marker)
	}
}

func TestRedactPIIUnchanged(t *testing.T) {
	out, changed := RedactPII("navigate to contact")
	assert.False(t, changed)
	assert.Equal(t, "navigate to contact", out)
}

func TestRedactSecret(t *testing.T) {
	out := RedactSecret("Authorization: Bearer ek_abc123def456 key=sk-proj-abcdefghijk")
	assert.NotContains(t, out, "ek_abc123def456")
	assert.NotContains(t, out, "sk-proj-abcdefghijk")
	assert.Contains(t, out, "Bearer [REDACTED]")
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "ek_abc***", MaskToken("ek_abcdefghijkl"))
	assert.Equal(t, "***", MaskToken("short"))
}

func TestForLog(t *testing.T) {
	out := ForLog(`{"email":"pat@example.org","token":"Bearer abc.def"}`)
	assert.Contains(t, out, "[REDACTED_EMAIL]")
	assert.Contains(t, out, "Bearer [REDACTED]")
}
