package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/connector/base"
	"github.com/ajitpratap0/feedstream/pkg/connector/core"
	"github.com/ajitpratap0/feedstream/pkg/errors"
	"github.com/ajitpratap0/feedstream/pkg/logger"
)

// FetcherFactory builds the fetch collaborator for one connector configuration.
type FetcherFactory func(cfg config.ConnectorConfig, logger *zap.Logger) (core.Fetcher, error)

// Registry maps feed types to fetcher factories and builds polling sources
// from connector configurations.
type Registry struct {
	factories map[string]FetcherFactory
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		factories: make(map[string]FetcherFactory),
		logger:    logger.OrNop(log).With(zap.String("component", "connector_registry")),
	}
}

// Register adds a factory for feedType
func (r *Registry) Register(feedType string, factory FetcherFactory) error {
	if feedType == "" || factory == nil {
		return errors.New(errors.ErrorTypeConfig, "feed type and factory are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[feedType]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("feed type %s already registered", feedType))
	}

	r.factories[feedType] = factory
	r.logger.Debug("feed type registered", zap.String("type", feedType))
	return nil
}

// Create builds a stopped source for cfg using the factory registered for
// cfg.Feed.Type.
func (r *Registry) Create(cfg config.ConnectorConfig, log *zap.Logger) (core.Source, error) {
	r.mu.RLock()
	factory, exists := r.factories[cfg.Feed.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("feed type %q not registered", cfg.Feed.Type)).
			WithDetail("connector", cfg.Name)
	}

	fetcher, err := factory(cfg, log)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("failed to create fetcher for connector %s", cfg.Name))
	}

	return base.NewConnector(cfg, fetcher, log)
}

// Has reports whether feedType is registered
func (r *Registry) Has(feedType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[feedType]
	return exists
}

// List returns the registered feed types in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
