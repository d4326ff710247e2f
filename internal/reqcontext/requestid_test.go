package reqcontext

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsValidRequestID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"a1b2c3d4-e5f6-7890-abcd-ef1234567890", true},
		{"request_123-abc", true},
		{"x", true},
		{strings.Repeat("a", MaxRequestIDLength), true},
		{"", false},
		{strings.Repeat("a", MaxRequestIDLength+1), false},
		{"request 123", false},
		{"<script>", false},
		{"path/to/resource", false},
		{"reqest-é", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, IsValidRequestID(tt.id), "%q", tt.id)
	}
}

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	_, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.True(t, IsValidRequestID(id))
	assert.NotEqual(t, id, GenerateRequestID())
}

func TestGetOrGenerateRequestID(t *testing.T) {
	assert.Equal(t, "my-request-123", GetOrGenerateRequestID("my-request-123"))

	for _, bad := range []string{"", "invalid spaces", "<script>alert(1)</script>"} {
		got := GetOrGenerateRequestID(bad)
		assert.True(t, IsValidRequestID(got))
		assert.NotEqual(t, bad, got)
	}
}
