package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowID_Deterministic(t *testing.T) {
	first := FlowID("user-1", "github")
	second := FlowID("user-1", "github")

	assert.Equal(t, first, second)
	assert.Len(t, first, 32)
}

func TestFlowID_DistinguishesUserAndServer(t *testing.T) {
	tests := []struct {
		name string
		a, b [2]string
	}{
		{"different users", [2]string{"u1", "srv"}, [2]string{"u2", "srv"}},
		{"different servers", [2]string{"u1", "srv1"}, [2]string{"u1", "srv2"}},
		{"separator ambiguity", [2]string{"a:b", "c"}, [2]string{"a", "b:c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotEqual(t, FlowID(tt.a[0], tt.a[1]), FlowID(tt.b[0], tt.b[1]))
		})
	}
}

func TestToolHash_Basic(t *testing.T) {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"param1": map[string]interface{}{"type": "string"},
		},
	}

	hash1, err := ToolHash("server1", "tool1", schema)
	require.NoError(t, err)
	assert.NotEmpty(t, hash1)

	hash2, err := ToolHash("server1", "tool1", schema)
	require.NoError(t, err)
	assert.Equal(t, hash1, hash2)

	hash3, err := ToolHash("server2", "tool1", schema)
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash3)
}

func TestToolHash_NilSchema(t *testing.T) {
	h, err := ToolHash("server1", "tool1", nil)
	require.NoError(t, err)
	assert.Equal(t, StringHash("server1tool1"), h)
}
