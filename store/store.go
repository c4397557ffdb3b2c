// Package store is the namespace-scoped secure store facade. It selects one
// secret backend at construction and delegates every operation to it.
package store

import (
	"context"
	"errors"
	"io"
	"time"

	"rahoogan/secure-store/secrets"

	"github.com/rs/zerolog/log"
)

// SecureStoreMetadata describes a stored secret without its payload.
type SecureStoreMetadata struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	CreateTimeMs int64             `json:"createTimeMs"`
	Properties   map[string]string `json:"properties"`
}

type SecureStoreData struct {
	Metadata SecureStoreMetadata `json:"metadata"`
	Data     []byte              `json:"data"`
}

type Options struct {
	// Registry defaults to secrets.DefaultRegistry.
	Registry *secrets.Registry
	// PluginDir holds backend descriptors. Empty means one backend per
	// registered type.
	PluginDir string
	// Backend is the identifier of the backend to activate.
	Backend string
	// Metrics is optional.
	Metrics *Metrics
}

type SecureStore struct {
	backendID string
	backend   secrets.SecretStoreDriver
	metrics   *Metrics
}

// New discovers the available backends, then selects and initializes the
// configured one. No store is returned unless every step succeeds.
func New(ctx context.Context, opts Options) (*SecureStore, error) {
	registry := opts.Registry
	if registry == nil {
		registry = secrets.DefaultRegistry
	}
	backends, err := registry.Discover(opts.PluginDir)
	if err != nil {
		log.Error().Err(err).Msg("Secret backend discovery failed")
		return nil, err
	}
	id, backend, err := secrets.Activate(ctx, backends, opts.Backend)
	if err != nil {
		return nil, err
	}
	log.Info().Str("backend", id).Msg("Secure store ready")
	return NewWithBackend(id, backend, opts.Metrics), nil
}

// NewWithBackend wraps a backend that has already completed Setup.
func NewWithBackend(id string, backend secrets.SecretStoreDriver, metrics *Metrics) *SecureStore {
	return &SecureStore{backendID: id, backend: backend, metrics: metrics}
}

// Backend reports the identifier of the active backend.
func (s *SecureStore) Backend() string {
	return s.backendID
}

// Close releases the backend's resources if it holds any.
func (s *SecureStore) Close() error {
	if closer, ok := s.backend.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, secrets.ErrSecretNotFound):
		return outcomeNotFound
	default:
		return outcomeError
	}
}

// ListSecureData maps the name of every secret in namespace to its
// description. An unknown namespace yields an empty map.
func (s *SecureStore) ListSecureData(ctx context.Context, namespace string) (out map[string]string, err error) {
	defer func(started time.Time) { s.metrics.observe("list", outcome(err), started) }(time.Now())

	resp, err := s.backend.List(ctx, &secrets.ListSecrets{Namespace: namespace})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return map[string]string{}, nil
	}
	out = make(map[string]string, len(resp.Secrets))
	for _, secret := range resp.Secrets {
		out[secret.Metadata.Name] = secret.Metadata.Description
	}
	return out, nil
}

// GetSecureData returns the secret stored under namespace and name, or a
// *secrets.SecretNotFoundError.
func (s *SecureStore) GetSecureData(ctx context.Context, namespace, name string) (data *SecureStoreData, err error) {
	defer func(started time.Time) { s.metrics.observe("get", outcome(err), started) }(time.Now())

	resp, err := s.backend.Get(ctx, &secrets.GetSecret{Namespace: namespace, Name: name})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Secret == nil {
		return nil, &secrets.SecretNotFoundError{Namespace: namespace, Name: name}
	}
	secret := resp.Secret
	return &SecureStoreData{
		Metadata: SecureStoreMetadata{
			Name:         secret.Metadata.Name,
			Description:  secret.Metadata.Description,
			CreateTimeMs: secret.Metadata.CreateTimeMs,
			Properties:   secrets.CloneProperties(secret.Metadata.Properties),
		},
		Data: append([]byte(nil), secret.Data...),
	}, nil
}

// PutSecureData creates or overwrites a secret. data is stored as its raw
// bytes.
func (s *SecureStore) PutSecureData(ctx context.Context, namespace, name, data, description string, properties map[string]string) (err error) {
	defer func(started time.Time) { s.metrics.observe("put", outcome(err), started) }(time.Now())

	return s.backend.Create(ctx, &secrets.CreateSecret{
		Namespace:   namespace,
		Name:        name,
		Data:        []byte(data),
		Description: description,
		Properties:  secrets.CloneProperties(properties),
	})
}

// DeleteSecureData removes a secret. Deleting a missing secret succeeds.
func (s *SecureStore) DeleteSecureData(ctx context.Context, namespace, name string) (err error) {
	defer func(started time.Time) { s.metrics.observe("delete", outcome(err), started) }(time.Now())

	return s.backend.Delete(ctx, &secrets.DeleteSecret{Namespace: namespace, Name: name})
}
