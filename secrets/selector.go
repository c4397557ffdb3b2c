package secrets

import (
	"context"
	"slices"

	"github.com/rs/zerolog/log"
)

// Select picks the backend named by active from the discovered set. With no
// active identifier the set must contain exactly one backend.
func Select(backends map[string]SecretStoreDriver, active string) (string, SecretStoreDriver, error) {
	available := identifiers(backends)
	if active == "" {
		if len(backends) != 1 {
			return "", nil, &NoBackendConfiguredError{Available: available}
		}
		return available[0], backends[available[0]], nil
	}
	backend, ok := backends[active]
	if !ok {
		return "", nil, &BackendNotFoundError{Backend: active, Available: available}
	}
	return active, backend, nil
}

// Activate selects one backend and runs its Setup with a fresh State. None
// of the other discovered backends are initialized.
func Activate(ctx context.Context, backends map[string]SecretStoreDriver, active string) (string, SecretStoreDriver, error) {
	id, backend, err := Select(backends, active)
	if err != nil {
		log.Error().Err(err).Msg("Could not select a secret backend")
		return "", nil, err
	}

	log.Debug().Str("backend", id).Msg("Initializing secret backend")
	if err := backend.Setup(ctx, NewState); err != nil {
		log.Error().Err(err).Str("backend", id).Msg("Secret backend could not be initialized")
		return "", nil, &InitializationError{Backend: id, Err: err}
	}
	return id, backend, nil
}

func identifiers(backends map[string]SecretStoreDriver) []string {
	ids := make([]string, 0, len(backends))
	for id := range backends {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
