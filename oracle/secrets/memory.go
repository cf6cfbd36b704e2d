package secrets

import (
	"context"
	"sync"

	errorsmod "cosmossdk.io/errors"

	"github.com/GPTx-global/inferd/oracle/types"
)

// Memory is a process-local store for development and tests.
type Memory struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewMemory() *Memory {
	return &Memory{secrets: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.secrets[key]
	if !ok {
		return "", errorsmod.Wrap(types.ErrSecretNotFound, key)
	}
	return v, nil
}

func (m *Memory) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.secrets[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.secrets, key)
	return nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.secrets)
}
