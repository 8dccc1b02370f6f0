package worker

import (
	"context"
	"sort"
	"sync"

	"recurring-scheduler/internal/models"
	"recurring-scheduler/internal/store"
)

// MutationFunc runs inside the store transaction that completes its call, so its
// writes commit together with the call's completion.
type MutationFunc func(ctx context.Context, tx store.Tx, args models.Args) error

// ActionFunc runs outside any transaction and may do slow or external work.
type ActionFunc func(ctx context.Context, args models.Args) error

// Registry maps function names to the handlers scheduled calls invoke.
type Registry struct {
	mu        sync.RWMutex
	mutations map[string]MutationFunc
	actions   map[string]ActionFunc
}

func NewRegistry() *Registry {
	return &Registry{
		mutations: make(map[string]MutationFunc),
		actions:   make(map[string]ActionFunc),
	}
}

// RegisterMutation binds a transactional handler to name, replacing any earlier one.
func (r *Registry) RegisterMutation(name string, fn MutationFunc) {
	if name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actions, name)
	r.mutations[name] = fn
}

// RegisterAction binds a non-transactional handler to name, replacing any earlier one.
func (r *Registry) RegisterAction(name string, fn ActionFunc) {
	if name == "" || fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.mutations, name)
	r.actions[name] = fn
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	m, a := r.lookup(name)
	return m != nil || a != nil
}

// Names lists registered functions in lexical order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.mutations)+len(r.actions))
	for name := range r.mutations {
		names = append(names, name)
	}
	for name := range r.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) lookup(name string) (MutationFunc, ActionFunc) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mutations[name], r.actions[name]
}

type callKey struct{}

// WithCall attaches the executing call to ctx.
func WithCall(ctx context.Context, call models.ScheduledCall) context.Context {
	return context.WithValue(ctx, callKey{}, call)
}

// CallFromContext returns the scheduled call whose handler is running.
func CallFromContext(ctx context.Context) (models.ScheduledCall, bool) {
	call, ok := ctx.Value(callKey{}).(models.ScheduledCall)
	return call, ok
}
