package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Andy963/ads/task"
)

// modelFamilies is checked in order; the first family with a matching
// substring wins.
var modelFamilies = []struct {
	kind    Kind
	markers []string
}{
	{KindGemini, []string{"gemini"}},
	{KindClaude, []string{"claude", "sonnet", "opus", "haiku"}},
	{KindCodex, []string{"gpt", "codex", "o1", "o3", "o4"}},
}

// SelectAgentForModel infers the backend family from a model name.
func SelectAgentForModel(model string) Kind {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return DefaultKind
	}
	for _, f := range modelFamilies {
		for _, marker := range f.markers {
			if strings.Contains(m, marker) {
				return f.kind
			}
		}
	}
	return DefaultKind
}

// SelectAgentForTask returns the task's explicit agent when it names a
// known family, otherwise infers one from the task's model.
func SelectAgentForTask(t *task.Task) Kind {
	if k := Kind(strings.ToLower(strings.TrimSpace(t.AgentID))); k.Valid() {
		return k
	}
	return SelectAgentForModel(t.Model)
}

// Router builds adapters for the families that have a registered factory.
type Router struct {
	registry *Registry
	fallback Kind

	mu   sync.Mutex
	last map[Kind]Adapter
}

// NewRouter creates a Router over registry. Tasks routed to a family with
// no factory fall back to fallback when that family is registered.
func NewRouter(registry *Registry, fallback Kind) *Router {
	return &Router{registry: registry, fallback: fallback, last: make(map[Kind]Adapter)}
}

// Resolve picks the family that should run t.
func (r *Router) Resolve(t *task.Task) (Kind, error) {
	k := SelectAgentForTask(t)
	if _, ok := r.registry.Get(k); ok {
		return k, nil
	}
	if _, ok := r.registry.Get(r.fallback); ok {
		return r.fallback, nil
	}
	return "", fmt.Errorf("no adapter registered for agent %q", k)
}

// New creates a fresh adapter session for kind.
func (r *Router) New(kind Kind) (Adapter, error) {
	f, ok := r.registry.Get(kind)
	if !ok {
		return nil, fmt.Errorf("no adapter registered for agent %q", kind)
	}
	a, err := f()
	if err != nil {
		return nil, fmt.Errorf("create %s adapter: %w", kind, err)
	}
	r.mu.Lock()
	r.last[kind] = a
	r.mu.Unlock()
	return a, nil
}

// Kinds returns the registered families in routing priority order.
func (r *Router) Kinds() []Kind {
	var out []Kind
	for _, k := range Kinds() {
		if _, ok := r.registry.Get(k); ok {
			out = append(out, k)
		}
	}
	return out
}

// Statuses reports the most recently created session of every registered
// family. Families without a session report idle.
func (r *Router) Statuses() []Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Info
	for _, k := range r.Kinds() {
		if a, ok := r.last[k]; ok {
			out = append(out, a.Status())
			continue
		}
		out = append(out, Info{Kind: k, Status: StatusIdle})
	}
	return out
}
