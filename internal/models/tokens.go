package models

import (
	"fmt"
)

// AuthTokenPair holds the access and refresh token that are currently in use.
// Both values are opaque, they are never parsed or validated.
type AuthTokenPair struct {
	AccessToken  string `json:"accessToken" yaml:"accessToken"`
	RefreshToken string `json:"refreshToken" yaml:"refreshToken"`
}

// Empty is true when neither token is set
func (p AuthTokenPair) Empty() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// Complete is true when both tokens are set
func (p AuthTokenPair) Complete() bool {
	return p.AccessToken != "" && p.RefreshToken != ""
}

// Encrypt returns a copy of the pair with both values encrypted. A nil encryptor is a no-op.
func (p AuthTokenPair) Encrypt(enc Encryptor) (AuthTokenPair, error) {
	return p.transform(enc, Encryptor.Encrypt)
}

// Decrypt returns a copy of the pair with both values decrypted. A nil encryptor is a no-op.
func (p AuthTokenPair) Decrypt(enc Encryptor) (AuthTokenPair, error) {
	return p.transform(enc, Encryptor.Decrypt)
}

func (p AuthTokenPair) transform(enc Encryptor, fn func(Encryptor, string) (string, error)) (AuthTokenPair, error) {
	if enc == nil {
		return p, nil
	}
	output := AuthTokenPair{}
	var err error
	// empty values stay empty so that "absent" survives a round trip
	if p.AccessToken != "" {
		output.AccessToken, err = fn(enc, p.AccessToken)
		if err != nil {
			return AuthTokenPair{}, err
		}
	}
	if p.RefreshToken != "" {
		output.RefreshToken, err = fn(enc, p.RefreshToken)
		if err != nil {
			return AuthTokenPair{}, err
		}
	}
	return output, nil
}

// String implements the Stringer interface for printing the pair in logs
func (p AuthTokenPair) String() string {
	return fmt.Sprintf(
		"AuthTokenPair<AccessToken: %s, RefreshToken: %s>",
		redact(p.AccessToken),
		redact(p.RefreshToken),
	)
}

func redact(value string) string {
	if value == "" {
		return "absent"
	}
	return "redacted"
}
