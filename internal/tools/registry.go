package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kousw/codelia/pkg/models"
)

// entry pairs a tool with its normalized definition and compiled
// validator.
type entry struct {
	tool      Tool
	def       models.ToolDefinition
	validator *jsonschema.Schema
}

// Registry manages available tools with thread-safe registration and
// lookup. Schema normalization happens once, at registration.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	hosted []models.ToolDefinition
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*entry)}
}

// Register adds a tool, normalizing and compiling its schema. A tool
// with the same name replaces the previous one.
func (r *Registry) Register(tool Tool) error {
	schema, err := NormalizeSchema(tool.Schema())
	if err != nil {
		return fmt.Errorf("tool %s: %w", tool.Name(), err)
	}
	validator, err := compileSchema(tool.Name(), schema)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; !exists {
		r.order = append(r.order, tool.Name())
	}
	r.tools[tool.Name()] = &entry{
		tool: tool,
		def: models.ToolDefinition{
			Type:        models.ToolTypeFunction,
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  schema,
			Strict:      true,
		},
		validator: validator,
	}
	return nil
}

// RegisterHosted adds a provider-executed tool definition. Hosted tools
// have no local executor; they only surface as callback lifecycles.
func (r *Registry) RegisterHosted(def models.ToolDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hosted = append(r.hosted, def)
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Get returns a tool by exact name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Validator returns the compiled schema for a tool, or nil.
func (r *Registry) Validator(name string) *jsonschema.Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.tools[name]; ok {
		return e.validator
	}
	return nil
}

// Definitions returns all tool definitions in registration order,
// hosted definitions last.
func (r *Registry) Definitions() []models.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]models.ToolDefinition, 0, len(r.order)+len(r.hosted))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	defs = append(defs, r.hosted...)
	return defs
}

// Len returns the number of executable tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ParseArgs parses raw tool call arguments. Unparseable text becomes
// {"_raw": <text>} with parsedOK=false so the caller skips schema
// validation and the tool itself decides validity.
func ParseArgs(raw string) (parsed any, rawArgs json.RawMessage, parsedOK bool) {
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		fallback, _ := json.Marshal(map[string]string{"_raw": raw})
		var v any
		_ = json.Unmarshal(fallback, &v)
		return v, fallback, false
	}
	return parsed, json.RawMessage(raw), true
}
