package secrets

import (
	"context"
	"maps"
	"sync"
)

// Non-confidential details about a secret
type SecretMetadata struct {
	Name         string
	Description  string
	CreateTimeMs int64 // Set by the backend at store time
	Properties   map[string]string
}

// Stores all details about a secret
type Secret struct {
	Metadata SecretMetadata
	Data     []byte
}

// Clone returns a deep copy so callers never share payload or property
// storage with a backend.
func (s Secret) Clone() Secret {
	out := Secret{Metadata: s.Metadata}
	if s.Data != nil {
		out.Data = append([]byte(nil), s.Data...)
	}
	out.Metadata.Properties = CloneProperties(s.Metadata.Properties)
	return out
}

// CloneProperties copies a property map, returning an empty map for nil.
func CloneProperties(props map[string]string) map[string]string {
	out := make(map[string]string, len(props))
	maps.Copy(out, props)
	return out
}

// The type to request all secrets of a namespace
type ListSecrets struct {
	Namespace string
}

// The response type for a request to list secrets
type ListSecretResponse struct {
	Secrets []Secret
}

// The type to request a secret value
type GetSecret struct {
	Namespace string
	Name      string
}

// The response type for requests to get a secret value.
// Secret is nil when nothing is stored under the requested name.
type GetSecretResponse struct {
	Secret *Secret
}

// The type to request storing a secret. An existing secret with the same
// namespace and name is replaced.
type CreateSecret struct {
	Namespace   string
	Name        string
	Data        []byte
	Description string
	Properties  map[string]string
}

// The type to request deleting a secret
type DeleteSecret struct {
	Namespace string
	Name      string
}

// This is the interface which all secretstore plugins must fulfil.
// Implementations must be safe for concurrent use.
type SecretStoreDriver interface {
	Setup(ctx context.Context, newState StateFactory) error                  // Run one-time setup for the secrets backend
	List(ctx context.Context, req *ListSecrets) (*ListSecretResponse, error) // List every secret in a namespace
	Get(ctx context.Context, req *GetSecret) (*GetSecretResponse, error)     // Get a secret, if present
	Create(ctx context.Context, req *CreateSecret) error                     // Store or overwrite a secret
	Delete(ctx context.Context, req *DeleteSecret) error                     // Delete a secret; missing secrets are not an error
}

// StateFactory produces the empty container a backend receives in Setup.
type StateFactory func() *State

// State is a mutable key/value container owned by the backend it was
// handed to. Nothing outside that backend reads it.
type State struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewState is the StateFactory used when activating a backend.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Range calls fn for every entry until fn returns false. fn must not call
// back into the State.
func (s *State) Range(fn func(key string, value any) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.values {
		if !fn(k, v) {
			return
		}
	}
}
