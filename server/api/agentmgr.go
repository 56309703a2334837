package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Andy963/ads/agent"
	"github.com/Andy963/ads/provider"
)

var (
	// ErrUnknownAgent is returned for kinds that are not configured.
	ErrUnknownAgent = errors.New("agent not configured")
	// ErrModelsUnsupported is returned when a backend cannot list models.
	ErrModelsUnsupported = errors.New("model listing not supported")
)

// modelTTL bounds how long a backend's model list is served from cache.
const modelTTL = 10 * time.Minute

// Catalog implements AgentDirectory over a router and the providers behind
// its adapters.
type Catalog struct {
	router  *agent.Router
	listers map[agent.Kind]provider.ModelLister
	models  *expirable.LRU[agent.Kind, []provider.ModelInfo]
}

// NewCatalog creates a Catalog. Providers that do not implement
// provider.ModelLister are reported as unsupported.
func NewCatalog(router *agent.Router, providers map[agent.Kind]provider.Provider) *Catalog {
	c := &Catalog{
		router:  router,
		listers: make(map[agent.Kind]provider.ModelLister, len(providers)),
		models:  expirable.NewLRU[agent.Kind, []provider.ModelInfo](len(agent.Kinds()), nil, modelTTL),
	}
	for kind, p := range providers {
		if l, ok := p.(provider.ModelLister); ok {
			c.listers[kind] = l
		}
	}
	return c
}

// Statuses reports every configured backend.
func (c *Catalog) Statuses() []agent.Info {
	return c.router.Statuses()
}

// Models returns the models offered by the backend serving kind.
func (c *Catalog) Models(ctx context.Context, kind agent.Kind) ([]provider.ModelInfo, error) {
	known := false
	for _, k := range c.router.Kinds() {
		if k == kind {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, kind)
	}
	if cached, ok := c.models.Get(kind); ok {
		return cached, nil
	}
	l, ok := c.listers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelsUnsupported, kind)
	}
	models, err := l.Models(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s models: %w", kind, err)
	}
	c.models.Add(kind, models)
	return models, nil
}
