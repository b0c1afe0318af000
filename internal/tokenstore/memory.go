package tokenstore

import (
	"context"
	"sync"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/models"
)

// MemoryStore keeps the tokens in process memory, they are lost on restart
type MemoryStore struct {
	lock   sync.RWMutex
	tokens models.AuthTokenPair
}

func NewMemoryStore(initial models.AuthTokenPair) *MemoryStore {
	return &MemoryStore{tokens: initial}
}

func (m *MemoryStore) GetAccessToken(context.Context) (string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.tokens.AccessToken, nil
}

func (m *MemoryStore) GetRefreshToken(context.Context) (string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.tokens.RefreshToken, nil
}

func (m *MemoryStore) SaveTokens(_ context.Context, tokens models.AuthTokenPair) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.tokens = tokens
	return nil
}

func (m *MemoryStore) ClearTokens(context.Context) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.tokens = models.AuthTokenPair{}
	return nil
}

// GetTokens returns a copy of the stored pair
func (m *MemoryStore) GetTokens(context.Context) (models.AuthTokenPair, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.tokens, nil
}
