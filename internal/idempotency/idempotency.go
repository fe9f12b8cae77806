// Package idempotency issues the keys that let the backend deduplicate replayed operations.
package idempotency

import (
	"strings"

	"possync/internal/models"

	"github.com/google/uuid"
)

// Generator produces "idk_" prefixed UUIDv7 keys. The zero value is ready to use.
type Generator struct {
	newV7 func() (uuid.UUID, error)
}

// NewGenerator returns a Generator backed by the package clock.
func NewGenerator() *Generator {
	return &Generator{newV7: uuid.NewV7}
}

// Generate returns a fresh key. It never fails: if the time-ordered
// generator errors, a random v4 UUID is used instead.
func (g *Generator) Generate() string {
	gen := uuid.NewV7
	if g != nil && g.newV7 != nil {
		gen = g.newV7
	}
	id, err := gen()
	if err != nil {
		id = uuid.New()
	}
	return models.IdempotencyKeyPrefix + id.String()
}

// Valid reports whether key looks like one produced by Generate.
func Valid(key string) bool {
	rest, ok := strings.CutPrefix(key, models.IdempotencyKeyPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}

// NewOperationID returns a process-unique operation identifier.
func NewOperationID() string {
	return uuid.NewString()
}
