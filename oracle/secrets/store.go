package secrets

import (
	"context"

	"github.com/google/uuid"
)

// Store keeps signing mnemonics. Get returns types.ErrSecretNotFound for an
// unknown key. Delete of an unknown key is not an error.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// NewKey returns a fresh opaque secret reference.
func NewKey(prefix string) string {
	return prefix + uuid.NewString()
}
