package secrets

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is matching against the typed errors below
var (
	ErrInitialization      = errors.New("secret backend initialization failed")
	ErrDiscovery           = errors.New("secret backend discovery failed")
	ErrNoBackendConfigured = errors.New("no secret backend configured")
	ErrBackendNotFound     = errors.New("secret backend not found")
	ErrSecretNotFound      = errors.New("secret not found")
	ErrBackendWrite        = errors.New("secret backend write failed")
)

// InitializationError is returned when the selected backend fails Setup.
type InitializationError struct {
	Backend string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize secret backend %q: %v", e.Backend, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

func (e *InitializationError) Is(target error) bool { return target == ErrInitialization }

// DiscoveryError is returned when the plugin location itself is unusable.
type DiscoveryError struct {
	Path string
	Err  error
}

func (e *DiscoveryError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("discover secret backends: %v", e.Err)
	}
	return fmt.Sprintf("discover secret backends in %s: %v", e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

func (e *DiscoveryError) Is(target error) bool { return target == ErrDiscovery }

// NoBackendConfiguredError is returned when no backend identifier is
// configured and the choice is not unambiguous.
type NoBackendConfiguredError struct {
	Available []string
}

func (e *NoBackendConfiguredError) Error() string {
	if len(e.Available) == 0 {
		return "no secret backend configured and none were discovered"
	}
	return fmt.Sprintf("no secret backend configured, choose one of: %s", strings.Join(e.Available, ", "))
}

func (e *NoBackendConfiguredError) Is(target error) bool { return target == ErrNoBackendConfigured }

// BackendNotFoundError is returned when the configured identifier matches no
// discovered backend.
type BackendNotFoundError struct {
	Backend   string
	Available []string
}

func (e *BackendNotFoundError) Error() string {
	return fmt.Sprintf("secret backend %q not found (available: %s)", e.Backend, strings.Join(e.Available, ", "))
}

func (e *BackendNotFoundError) Is(target error) bool { return target == ErrBackendNotFound }

// SecretNotFoundError signals that nothing is stored under namespace/name.
type SecretNotFoundError struct {
	Namespace string
	Name      string
}

func (e *SecretNotFoundError) Error() string {
	return fmt.Sprintf("secure data %q not found in namespace %q", e.Name, e.Namespace)
}

func (e *SecretNotFoundError) Is(target error) bool { return target == ErrSecretNotFound }

// BackendWriteError wraps a persistence failure on store or delete.
type BackendWriteError struct {
	Backend   string
	Op        string // "store" or "delete"
	Namespace string
	Name      string
	Err       error
}

func (e *BackendWriteError) Error() string {
	return fmt.Sprintf("%s %s secret %q in namespace %q: %v", e.Backend, e.Op, e.Name, e.Namespace, e.Err)
}

func (e *BackendWriteError) Unwrap() error { return e.Err }

func (e *BackendWriteError) Is(target error) bool { return target == ErrBackendWrite }

// NewWriteError is a helper for backends reporting a failed store or delete.
func NewWriteError(backend, op, namespace, name string, err error) error {
	return &BackendWriteError{Backend: backend, Op: op, Namespace: namespace, Name: name, Err: err}
}

// IsNotFound reports whether err signals a missing secret.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSecretNotFound)
}
