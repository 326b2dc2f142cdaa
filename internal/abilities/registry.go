package abilities

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry is the process-wide ability map. Registration overwrites on
// duplicate names with a warning; execution never returns a Go error to the
// caller — failures are folded into the Result.
type Registry struct {
	mu        sync.RWMutex
	abilities map[string]Ability
	schemas   map[string]*jsonschema.Schema
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		abilities: make(map[string]Ability),
		schemas:   make(map[string]*jsonschema.Schema),
		logger:    logger.With("component", "abilities"),
	}
}

// Register adds an ability, replacing any existing one with the same name.
// A parameters schema that fails to compile disables validation for that
// ability but does not block registration.
func (r *Registry) Register(a Ability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.abilities[name]; exists {
		r.logger.Warn("ability already registered, overwriting", "ability", name)
	}
	r.abilities[name] = a
	delete(r.schemas, name)

	if raw := a.ParametersSchema(); len(raw) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(name+".json", bytes.NewReader(raw)); err != nil {
			r.logger.Warn("ability parameters schema is invalid, skipping validation",
				"ability", name, "error", err)
			return
		}
		schema, err := compiler.Compile(name + ".json")
		if err != nil {
			r.logger.Warn("ability parameters schema failed to compile, skipping validation",
				"ability", name, "error", err)
			return
		}
		r.schemas[name] = schema
	}
}

// Unregister removes an ability by name, reporting whether it was present.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.abilities[name]
	delete(r.abilities, name)
	delete(r.schemas, name)
	return ok
}

// Get returns an ability by name.
func (r *Registry) Get(name string) (Ability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.abilities[name]
	return a, ok
}

// List returns every registered ability sorted by name.
func (r *Registry) List() []Ability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Ability, 0, len(r.abilities))
	for _, a := range r.abilities {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the sorted ability names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.abilities))
	for name := range r.abilities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolSchemas projects every registered ability into its tool schema,
// sorted by name.
func (r *Registry) ToolSchemas() []ToolSchema {
	list := r.List()
	out := make([]ToolSchema, 0, len(list))
	for _, a := range list {
		out = append(out, ToToolSchema(a))
	}
	return out
}

// Execute runs an ability by name: permission check, parameter validation,
// then the ability body. Every failure mode comes back as a failed Result;
// panics are recovered.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any, actx *Context) *Result {
	r.mu.RLock()
	a, ok := r.abilities[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if !ok {
		return &Result{Success: false, Error: fmt.Sprintf("Ability '%s' not found", name)}
	}

	for _, perm := range a.RequiredPermissions() {
		if !actx.HasPermission(perm) {
			return &Result{Success: false, Error: fmt.Sprintf("Ability '%s' requires permission '%s'", name, perm)}
		}
	}

	if schema != nil {
		var doc any = map[string]any{}
		if params != nil {
			doc = normalizeForValidation(params)
		}
		if err := schema.Validate(doc); err != nil {
			return &Result{Success: false, Error: fmt.Sprintf("invalid parameters for '%s': %v", name, err)}
		}
	}

	result, err := r.execute(ctx, a, params, actx)
	if err != nil {
		return &Result{Success: false, Error: err.Error()}
	}
	if result == nil {
		return &Result{Success: true}
	}
	return result
}

// execute invokes the ability body, converting panics into errors.
func (r *Registry) execute(ctx context.Context, a Ability, params map[string]any, actx *Context) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("ability panicked", "ability", a.Name(), "panic", rec)
			result = nil
			err = fmt.Errorf("ability '%s' panicked: %v", a.Name(), rec)
		}
	}()
	return a.Execute(ctx, params, actx)
}

// normalizeForValidation converts a params map into the generic form the
// schema validator expects (ints become float64, as after a JSON decode).
func normalizeForValidation(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalizeForValidation(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeForValidation(e)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
