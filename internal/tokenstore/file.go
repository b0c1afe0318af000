package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/models"
	"gopkg.in/yaml.v3"
)

const defaultDirName string = "tokenrelay"
const defaultFileName string = "tokens.yaml"

// DefaultFilePath is where the tokens are kept when no other storage is configured
func DefaultFilePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultDirName, defaultFileName), nil
}

// FileStore keeps the tokens in a yaml file that only the current user can read.
// Writes go to a temporary file in the same directory which is then renamed over
// the old one, readers never see a partially written pair.
type FileStore struct {
	path      string
	encryptor models.Encryptor
	lock      sync.RWMutex
}

type FileStoreOption func(*FileStore) error

func WithFilePath(path string) FileStoreOption {
	return func(f *FileStore) error {
		if path == "" {
			return fmt.Errorf("the token file path cannot be empty")
		}
		f.path = path
		return nil
	}
}

func WithFileEncryptor(enc models.Encryptor) FileStoreOption {
	return func(f *FileStore) error {
		f.encryptor = enc
		return nil
	}
}

func NewFileStore(options ...FileStoreOption) (*FileStore, error) {
	store := FileStore{}
	for _, opt := range options {
		err := opt(&store)
		if err != nil {
			return &FileStore{}, err
		}
	}
	if store.path == "" {
		path, err := DefaultFilePath()
		if err != nil {
			return &FileStore{}, err
		}
		store.path = path
	}
	return &store, nil
}

func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) read() (models.AuthTokenPair, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.AuthTokenPair{}, nil
		}
		return models.AuthTokenPair{}, err
	}
	var tokens models.AuthTokenPair
	err = yaml.Unmarshal(raw, &tokens)
	if err != nil {
		return models.AuthTokenPair{}, fmt.Errorf("cannot parse the token file %s: %w", f.path, err)
	}
	return tokens.Decrypt(f.encryptor)
}

func (f *FileStore) GetTokens(context.Context) (models.AuthTokenPair, error) {
	f.lock.RLock()
	defer f.lock.RUnlock()
	return f.read()
}

func (f *FileStore) GetAccessToken(ctx context.Context) (string, error) {
	tokens, err := f.GetTokens(ctx)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

func (f *FileStore) GetRefreshToken(ctx context.Context) (string, error) {
	tokens, err := f.GetTokens(ctx)
	if err != nil {
		return "", err
	}
	return tokens.RefreshToken, nil
}

func (f *FileStore) SaveTokens(_ context.Context, tokens models.AuthTokenPair) error {
	encrypted, err := tokens.Encrypt(f.encryptor)
	if err != nil {
		return err
	}
	raw, err := yaml.Marshal(encrypted)
	if err != nil {
		return err
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	dir := filepath.Dir(f.path)
	err = os.MkdirAll(dir, 0700)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+defaultFileName+"-*")
	if err != nil {
		return err
	}
	// CreateTemp already uses 0600
	defer os.Remove(tmp.Name())
	_, err = tmp.Write(raw)
	if err != nil {
		tmp.Close()
		return err
	}
	err = tmp.Sync()
	if err != nil {
		tmp.Close()
		return err
	}
	err = tmp.Close()
	if err != nil {
		return err
	}
	err = os.Rename(tmp.Name(), f.path)
	if err != nil {
		slog.Error("FILE STORE", "message", "replacing the token file failed", "path", f.path, "error", err)
		return err
	}
	return nil
}

func (f *FileStore) ClearTokens(context.Context) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	err := os.Remove(f.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
