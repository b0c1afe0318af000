package models

import (
	"context"
)

type IDGenerator interface {
	ID() (string, error)
}

// Encryptor protects token values at rest. Storage backends that accept one store only
// encrypted values and decrypt them on read.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(encrypted string) (string, error)
}

type TokensSaver interface {
	// SaveTokens replaces the stored pair in one operation
	SaveTokens(ctx context.Context, tokens AuthTokenPair) error
}

type TokensClearer interface {
	// ClearTokens removes both tokens
	ClearTokens(ctx context.Context) error
}

type AccessTokenGetter interface {
	// GetAccessToken returns an empty string if no access token is stored
	GetAccessToken(ctx context.Context) (string, error)
}

type RefreshTokenGetter interface {
	// GetRefreshToken returns an empty string if no refresh token is stored
	GetRefreshToken(ctx context.Context) (string, error)
}

// TokensStorage is the durable holder of the current access and refresh token pair.
// A SaveTokens call that returns before a GetAccessToken call starts has to be visible to it.
type TokensStorage interface {
	TokensSaver
	TokensClearer
	AccessTokenGetter
	RefreshTokenGetter
}
