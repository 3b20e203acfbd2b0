package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeKVs(t *testing.T) {
	t.Run("redacts secrets and clinical free text", func(t *testing.T) {
		out := sanitizeKVs([]interface{}{
			"api_key", "sk-123",
			"raw_input", "Patient reports chest pain",
			"stage", "intake",
		})
		require.Len(t, out, 6)
		assert.Equal(t, "[REDACTED]", out[1])
		assert.Equal(t, "[REDACTED]", out[3])
		assert.Equal(t, "intake", out[5])
	})

	t.Run("hashes identifiers deterministically", func(t *testing.T) {
		first := sanitizeKVs([]interface{}{"patient_id", "P-001"})
		second := sanitizeKVs([]interface{}{"patient_id", "P-001"})
		require.Len(t, first, 2)
		assert.NotEqual(t, "P-001", first[1])
		assert.Contains(t, first[1], "hash:")
		assert.Equal(t, first[1], second[1])
	})

	t.Run("keeps dangling key", func(t *testing.T) {
		out := sanitizeKVs([]interface{}{"stage", "memory", "orphan"})
		assert.Equal(t, []interface{}{"stage", "memory", "orphan"}, out)
	})

	t.Run("sanitises nested maps", func(t *testing.T) {
		out := sanitizeKVs([]interface{}{"payload", map[string]interface{}{"session_id": "s-1", "limit": 10}})
		nested, ok := out[1].(map[string]interface{})
		require.True(t, ok)
		assert.Contains(t, nested["session_id"], "hash:")
		assert.Equal(t, 10, nested["limit"])
	})
}

func TestNewNop(t *testing.T) {
	log := NewNop()
	assert.NotPanics(t, func() {
		log.With("stage", "intake").Info("stage completed", "patient_id", "P-1")
		log.Sync()
	})
}
