package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/precious112/Argus/pkg/llm"
)

// Registry holds the registered tool specs. Argument schemas are compiled at
// registration so dispatch only pays for validation.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]*registeredTool
	order []string
}

type registeredTool struct {
	spec   Spec
	schema *jsonschema.Schema // nil when the spec declares no schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]*registeredTool)}
}

// Register validates and adds a tool. Names are unique; re-registering an
// existing name is an error.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if spec.Handler == nil {
		return fmt.Errorf("register tool %q: handler is required", spec.Name)
	}
	if !spec.Risk.Valid() {
		return fmt.Errorf("register tool %q: unknown risk level %q", spec.Name, spec.Risk)
	}
	if spec.DisplayType == "" {
		spec.DisplayType = DisplayJSONTree
	}
	if !spec.DisplayType.Valid() {
		return fmt.Errorf("register tool %q: unknown display type %q", spec.Name, spec.DisplayType)
	}

	schema, err := compileSchema(spec.ParametersSchema)
	if err != nil {
		return fmt.Errorf("register tool %q: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[spec.Name]; exists {
		return fmt.Errorf("register tool %q: already registered", spec.Name)
	}
	r.specs[spec.Name] = &registeredTool{spec: spec, schema: schema}
	r.order = append(r.order, spec.Name)
	return nil
}

func compileSchema(raw string) (*jsonschema.Schema, error) {
	if raw == "" {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// Get returns the spec for a tool name.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.specs[name]
	if !ok {
		return Spec{}, false
	}
	return t.spec, true
}

func (r *Registry) lookup(name string) (*registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.specs[name]
	return t, ok
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions renders the registry for a model request, in registration
// order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		spec := r.specs[name].spec
		out = append(out, llm.ToolDefinition{
			Name:             spec.Name,
			Description:      spec.Description,
			ParametersSchema: spec.ParametersSchema,
		})
	}
	return out
}
