package tokenstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/SwissDataScienceCenter/renku-tokenrelay/internal/models"
	coreV1 "k8s.io/api/core/v1"
	k8sErrors "k8s.io/apimachinery/pkg/api/errors"
	metaV1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	typedCoreV1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

const secretAccessTokenKey string = "accessToken"
const secretRefreshTokenKey string = "refreshToken"

// K8sSecretClient is the subset of the k8s secrets client used by the store
type K8sSecretClient interface {
	Get(ctx context.Context, name string, opts metaV1.GetOptions) (*coreV1.Secret, error)
	Create(ctx context.Context, secret *coreV1.Secret, opts metaV1.CreateOptions) (*coreV1.Secret, error)
	Update(ctx context.Context, secret *coreV1.Secret, opts metaV1.UpdateOptions) (*coreV1.Secret, error)
	Delete(ctx context.Context, name string, opts metaV1.DeleteOptions) error
}

var _ K8sSecretClient = typedCoreV1.SecretInterface(nil)

// SecretStore keeps the tokens in a single k8s secret, both keys are replaced with one update
type SecretStore struct {
	secrets   K8sSecretClient
	name      string
	encryptor models.Encryptor
}

type SecretStoreOption func(*SecretStore) error

func WithSecretClient(client K8sSecretClient) SecretStoreOption {
	return func(s *SecretStore) error {
		s.secrets = client
		return nil
	}
}

func WithSecretName(name string) SecretStoreOption {
	return func(s *SecretStore) error {
		s.name = name
		return nil
	}
}

func WithSecretEncryptor(enc models.Encryptor) SecretStoreOption {
	return func(s *SecretStore) error {
		s.encryptor = enc
		return nil
	}
}

// WithClusterConfig connects to the cluster the relay runs in, falling back to the
// kubeconfig file in the home directory
func WithClusterConfig(namespace string) SecretStoreOption {
	return func(s *SecretStore) error {
		clientConfig, err := rest.InClusterConfig()
		if err != nil {
			slog.Info("SECRET STORE", "message", "cannot find in-cluster config, looking for kubeconfig file")
			var kubeconfigPath string
			if home := homedir.HomeDir(); home != "" {
				kubeconfigPath = filepath.Join(home, ".kube", "config")
			}
			clientConfig, err = clientcmd.BuildConfigFromFlags("", kubeconfigPath)
			if err != nil {
				return fmt.Errorf("cannot find a k8s config in kubeconfig path: %w", err)
			}
		}
		clientset, err := kubernetes.NewForConfig(clientConfig)
		if err != nil {
			return err
		}
		s.secrets = clientset.CoreV1().Secrets(namespace)
		return nil
	}
}

func NewSecretStore(options ...SecretStoreOption) (*SecretStore, error) {
	store := SecretStore{}
	for _, opt := range options {
		err := opt(&store)
		if err != nil {
			return &SecretStore{}, err
		}
	}
	if store.secrets == nil {
		return &SecretStore{}, fmt.Errorf("the k8s secrets client is not initialized")
	}
	if store.name == "" {
		return &SecretStore{}, fmt.Errorf("the secret name is not set")
	}
	return &store, nil
}

func (s *SecretStore) GetTokens(ctx context.Context) (models.AuthTokenPair, error) {
	secret, err := s.secrets.Get(ctx, s.name, metaV1.GetOptions{})
	if err != nil {
		if k8sErrors.IsNotFound(err) {
			return models.AuthTokenPair{}, nil
		}
		return models.AuthTokenPair{}, err
	}
	tokens := models.AuthTokenPair{
		AccessToken:  string(secret.Data[secretAccessTokenKey]),
		RefreshToken: string(secret.Data[secretRefreshTokenKey]),
	}
	return tokens.Decrypt(s.encryptor)
}

func (s *SecretStore) GetAccessToken(ctx context.Context) (string, error) {
	tokens, err := s.GetTokens(ctx)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

func (s *SecretStore) GetRefreshToken(ctx context.Context) (string, error) {
	tokens, err := s.GetTokens(ctx)
	if err != nil {
		return "", err
	}
	return tokens.RefreshToken, nil
}

func (s *SecretStore) SaveTokens(ctx context.Context, tokens models.AuthTokenPair) error {
	encrypted, err := tokens.Encrypt(s.encryptor)
	if err != nil {
		return err
	}
	data := map[string][]byte{
		secretAccessTokenKey:  []byte(encrypted.AccessToken),
		secretRefreshTokenKey: []byte(encrypted.RefreshToken),
	}
	secret, err := s.secrets.Get(ctx, s.name, metaV1.GetOptions{})
	if err != nil {
		if !k8sErrors.IsNotFound(err) {
			return err
		}
		_, err = s.secrets.Create(
			ctx,
			&coreV1.Secret{
				ObjectMeta: metaV1.ObjectMeta{Name: s.name},
				Type:       coreV1.SecretTypeOpaque,
				Data:       data,
			},
			metaV1.CreateOptions{},
		)
		return err
	}
	updated := secret.DeepCopy()
	updated.Data = data
	_, err = s.secrets.Update(ctx, updated, metaV1.UpdateOptions{})
	return err
}

func (s *SecretStore) ClearTokens(ctx context.Context) error {
	err := s.secrets.Delete(ctx, s.name, metaV1.DeleteOptions{})
	if err != nil && !k8sErrors.IsNotFound(err) {
		return err
	}
	return nil
}
