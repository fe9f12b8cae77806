package idempotency

import (
	"errors"
	"strings"
	"testing"

	"possync/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	g := NewGenerator()
	key := g.Generate()

	require.True(t, strings.HasPrefix(key, models.IdempotencyKeyPrefix))
	id, err := uuid.Parse(strings.TrimPrefix(key, models.IdempotencyKeyPrefix))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), id.Version())
	assert.True(t, Valid(key))
}

func TestGenerateUnique(t *testing.T) {
	var g Generator
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		key := g.Generate()
		_, dup := seen[key]
		require.False(t, dup, "duplicate key %s", key)
		seen[key] = struct{}{}
	}
}

func TestGenerateFallsBackToV4(t *testing.T) {
	g := &Generator{newV7: func() (uuid.UUID, error) {
		return uuid.Nil, errors.New("clock unavailable")
	}}

	key := g.Generate()
	id, err := uuid.Parse(strings.TrimPrefix(key, models.IdempotencyKeyPrefix))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), id.Version())
}

func TestValid(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"idk_" + uuid.NewString(), true},
		{uuid.NewString(), false},
		{"idk_not-a-uuid", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Valid(tt.key), tt.key)
	}
}

func TestNewOperationID(t *testing.T) {
	a, b := NewOperationID(), NewOperationID()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}
