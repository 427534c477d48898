package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/blueberrycongee/llmgate/pkg/types"
)

// Registry maps model identifiers to bindings. It is populated once at
// startup and read-only afterwards.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*Binding
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{bindings: make(map[string]*Binding)}
}

// Register adds a binding. Registering the same model twice or a binding
// without a completion call is a configuration bug.
func (r *Registry) Register(b *Binding) error {
	if b == nil || b.Model == "" {
		return fmt.Errorf("binding requires a model name")
	}
	if b.Complete == nil {
		return fmt.Errorf("binding %s requires a completion call", b.Model)
	}
	if b.PricePerTokenUSD < 0 {
		return fmt.Errorf("binding %s has negative price", b.Model)
	}
	if b.NativeModel == "" {
		b.NativeModel = b.Model
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bindings[b.Model]; exists {
		return fmt.Errorf("model %s already registered", b.Model)
	}
	r.bindings[b.Model] = b
	return nil
}

// Resolve returns the binding for a model identifier.
func (r *Registry) Resolve(model string) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[model]
	return b, ok
}

// PricePerToken returns the per-token price for a model.
func (r *Registry) PricePerToken(model string) (float64, bool) {
	b, ok := r.Resolve(model)
	if !ok {
		return 0, false
	}
	return b.PricePerTokenUSD, true
}

// Len returns the number of registered bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}

// Models lists the catalog, sorted by model name.
func (r *Registry) Models() []types.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]types.ModelInfo, 0, len(r.bindings))
	for _, b := range r.bindings {
		infos = append(infos, types.ModelInfo{
			Name:             b.Model,
			Provider:         b.Provider,
			PricePerTokenUSD: b.PricePerTokenUSD,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}
