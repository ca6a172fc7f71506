package routing

import (
	"context"
	"reflect"
	"sort"
	"sync/atomic"

	apperrors "message-router/internal/common/errors"
	"message-router/internal/common/logging"
	"message-router/internal/transport"
)

// BindingDialer resolves a descriptor's binding by name and dials it
// through a transport registry.
type BindingDialer struct {
	registry *transport.Registry
	bindings atomic.Pointer[map[string]transport.Binding]
	logger   logging.Logger
}

func NewBindingDialer(registry *transport.Registry, bindings map[string]transport.Binding) *BindingDialer {
	d := &BindingDialer{registry: registry, logger: logging.WithComponent("routing")}
	d.SetBindings(bindings)
	return d
}

// SetBindings replaces the binding set and returns the names of bindings
// that existed before with different settings. Connections already cached
// keep the settings they were opened with.
func (b *BindingDialer) SetBindings(bindings map[string]transport.Binding) []string {
	cp := make(map[string]transport.Binding, len(bindings))
	for name, binding := range bindings {
		binding.Name = name
		cp[name] = binding
	}
	old := b.bindings.Swap(&cp)
	if old == nil {
		return nil
	}

	var changed []string
	for name, binding := range cp {
		prev, ok := (*old)[name]
		if ok && !reflect.DeepEqual(prev, binding) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	for _, name := range changed {
		b.logger.Warn("Binding settings changed; cached connections keep the previous settings until restart",
			logging.String("binding", name),
		)
	}
	return changed
}

func (b *BindingDialer) Dial(ctx context.Context, d Descriptor) (transport.Factory, error) {
	bindings := *b.bindings.Load()
	binding, ok := bindings[d.Binding]
	if !ok {
		return nil, apperrors.ConfigErrorf("unknown binding %q", d.Binding)
	}
	return b.registry.Dial(ctx, binding, d.Address)
}
