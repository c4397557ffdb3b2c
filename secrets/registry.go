package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Factory builds an uninitialized backend from descriptor config. It must not
// touch the network or disk; that belongs in Setup.
type Factory func(id string, config map[string]any) (SecretStoreDriver, error)

// Descriptor names one backend instance in a plugin directory.
type Descriptor struct {
	Name   string         `yaml:"name" json:"name"`
	Type   string         `yaml:"type" json:"type"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

const descriptorSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "type"],
  "additionalProperties": false,
  "properties": {
    "name":   {"type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9][A-Za-z0-9._-]*$"},
    "type":   {"type": "string", "minLength": 1},
    "config": {"type": ["object", "null"]}
  }
}`

var descriptorExtensions = []string{".yaml", ".yml", ".json"}

// Registry maps backend types to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// DefaultRegistry holds the backends that register themselves from init.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register makes a backend type available in DefaultRegistry. It panics if
// the type is registered twice or the factory is nil.
func Register(backendType string, factory Factory) {
	DefaultRegistry.RegisterFactory(backendType, factory)
}

func (r *Registry) RegisterFactory(backendType string, factory Factory) {
	if factory == nil {
		panic("secrets: Register factory is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[backendType]; dup {
		panic("secrets: Register called twice for backend type " + backendType)
	}
	r.factories[backendType] = factory
}

// Types returns the registered backend types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}

func (r *Registry) factory(backendType string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[backendType]
	return f, ok
}

// Discover builds one uninitialized backend per identifier.
//
// With no plugin directory every registered type is instantiated once under
// its own type name. Otherwise each descriptor file in pluginDir yields one
// backend named by the descriptor. Backends whose type is unknown or whose
// factory fails are left out; an unusable directory or a malformed
// descriptor fails the whole discovery with a DiscoveryError.
func (r *Registry) Discover(pluginDir string) (map[string]SecretStoreDriver, error) {
	if pluginDir == "" {
		return r.discoverBuiltin(), nil
	}

	descriptors, err := LoadDescriptors(pluginDir)
	if err != nil {
		return nil, err
	}

	backends := make(map[string]SecretStoreDriver, len(descriptors))
	for _, d := range descriptors {
		if _, dup := backends[d.Name]; dup {
			log.Warn().Str("backend", d.Name).Msg("Duplicate secret backend identifier, keeping the first descriptor")
			continue
		}
		backend, err := r.build(d.Name, d.Type, d.Config)
		if err != nil {
			log.Warn().Err(err).Str("backend", d.Name).Str("type", d.Type).Msg("Secret backend excluded from discovery")
			continue
		}
		backends[d.Name] = backend
	}
	return backends, nil
}

func (r *Registry) discoverBuiltin() map[string]SecretStoreDriver {
	backends := make(map[string]SecretStoreDriver)
	for _, t := range r.Types() {
		backend, err := r.build(t, t, map[string]any{})
		if err != nil {
			log.Warn().Err(err).Str("type", t).Msg("Secret backend excluded from discovery")
			continue
		}
		backends[t] = backend
	}
	return backends
}

func (r *Registry) build(id, backendType string, config map[string]any) (backend SecretStoreDriver, err error) {
	factory, ok := r.factory(backendType)
	if !ok {
		return nil, fmt.Errorf("unknown secret backend type: %s", backendType)
	}
	if config == nil {
		config = map[string]any{}
	}
	// A panicking plugin must not take discovery down with it.
	defer func() {
		if p := recover(); p != nil {
			backend, err = nil, fmt.Errorf("secret backend factory panicked: %v", p)
		}
	}()
	backend, err = factory(id, config)
	if err == nil && backend == nil {
		err = errors.New("secret backend factory returned nil")
	}
	return backend, err
}

// LoadDescriptors parses and validates every descriptor file in dir, in
// file name order.
func LoadDescriptors(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &DiscoveryError{Path: dir, Err: err}
	}

	schema := gojsonschema.NewStringLoader(descriptorSchema)
	descriptors := []Descriptor{}
	for _, entry := range entries {
		if entry.IsDir() || !slices.Contains(descriptorExtensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		d, err := loadDescriptor(path, schema)
		if err != nil {
			return nil, &DiscoveryError{Path: path, Err: err}
		}
		descriptors = append(descriptors, d)
	}
	return descriptors, nil
}

func loadDescriptor(path string, schema gojsonschema.JSONLoader) (Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, err
	}

	// YAML is a superset of JSON, so one decoder serves both extensions.
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Descriptor{}, fmt.Errorf("parse descriptor: %w", err)
	}
	if doc == nil {
		return Descriptor{}, errors.New("descriptor is empty")
	}

	result, err := gojsonschema.Validate(schema, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return Descriptor{}, fmt.Errorf("validate descriptor: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return Descriptor{}, fmt.Errorf("invalid descriptor: %s", strings.Join(msgs, "; "))
	}

	// Round-trip through JSON so nested config maps have string keys only.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return Descriptor{}, fmt.Errorf("normalize descriptor: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(normalized, &d); err != nil {
		return Descriptor{}, fmt.Errorf("decode descriptor: %w", err)
	}
	return d, nil
}
