package tools

import (
	"github.com/forgecli/forge/pkg/config"
	"github.com/forgecli/forge/pkg/protocol"
	"github.com/forgecli/forge/pkg/registry"
)

// Registry holds tool descriptors and renders them as provider schemas.
// The operation mode is fixed at construction and shapes both what the
// model sees and what Resolve will hand to the executor.
type Registry struct {
	base *registry.BaseRegistry[*Descriptor]
	mode config.OperationMode
}

// NewRegistry creates an empty registry for the given operation mode.
func NewRegistry(mode config.OperationMode) *Registry {
	return &Registry{
		base: registry.NewBaseRegistry[*Descriptor](),
		mode: mode,
	}
}

// OperationMode returns the registry's operation mode.
func (r *Registry) OperationMode() config.OperationMode {
	return r.mode
}

// Register adds a descriptor. It fails with ErrDuplicateName on a name
// collision and ErrInvalidSchema when the parameter schema is not an
// object with a properties map.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil || d.Name == "" || !protocol.ToolNamePattern.MatchString(d.Name) {
		name := ""
		if d != nil {
			name = d.Name
		}
		return &RegistryError{Tool: name, Action: "register", Message: "invalid tool name", Err: ErrInvalidSchema}
	}
	if !isObjectSchema(d.Parameters) {
		return &RegistryError{Tool: d.Name, Action: "register", Message: "parameter schema must be an object with properties", Err: ErrInvalidSchema}
	}
	if _, exists := r.base.Get(d.Name); exists {
		return &RegistryError{Tool: d.Name, Action: "register", Message: "name already registered", Err: ErrDuplicateName}
	}
	return r.base.Register(d.Name, d)
}

// Merge unions another registry's descriptors into this one. On a name
// collision the incoming descriptor loses. Returns the number of skipped
// duplicates.
func (r *Registry) Merge(other *Registry) int {
	if other == nil {
		return 0
	}
	skipped := 0
	for _, d := range other.base.List() {
		if _, exists := r.base.Get(d.Name); exists {
			skipped++
			continue
		}
		if err := r.base.Register(d.Name, d); err != nil {
			skipped++
		}
	}
	return skipped
}

// Resolve looks up a descriptor visible to the given mode. Tools filtered
// out by the operation mode resolve as ErrNotFound, so a model that
// hallucinates a hidden tool gets the same answer as for an unknown one.
func (r *Registry) Resolve(name string, mode AgentMode) (*Descriptor, error) {
	d, exists := r.base.Get(name)
	if !exists || !r.visible(d, mode) {
		return nil, ErrNotFound
	}
	return d, nil
}

// Schemas renders the descriptors visible to the given mode as the OpenAI
// function-calling envelope, in insertion order.
func (r *Registry) Schemas(mode AgentMode) []protocol.ToolSchema {
	schemas := make([]protocol.ToolSchema, 0, r.base.Count())
	for _, d := range r.base.List() {
		if !r.visible(d, mode) {
			continue
		}
		schemas = append(schemas, protocol.NewToolSchema(d.Name, d.Description, d.Parameters))
	}
	return schemas
}

// EffectivePermission applies the operation mode to a descriptor's declared
// permission: safe mode promotes auto write tools to ask.
func (r *Registry) EffectivePermission(d *Descriptor) Permission {
	if r.mode == config.ModeSafe && d.Capabilities.Write && d.Permission == PermissionAuto {
		return PermissionAsk
	}
	return d.Permission
}

// Names returns all registered names in insertion order, unfiltered.
func (r *Registry) Names() []string {
	return r.base.Names()
}

// Count returns the number of registered descriptors, unfiltered.
func (r *Registry) Count() int {
	return r.base.Count()
}

// visible applies agent-mode and operation-mode filtering. Plan mode
// removes write and shell capable tools structurally.
func (r *Registry) visible(d *Descriptor, mode AgentMode) bool {
	if !d.AllowsMode(mode) {
		return false
	}
	if r.mode == config.ModePlan && (d.Capabilities.Write || d.Capabilities.Shell) {
		return false
	}
	return true
}

func isObjectSchema(schema map[string]interface{}) bool {
	if schema == nil {
		return false
	}
	if t, ok := schema["type"].(string); !ok || t != "object" {
		return false
	}
	_, hasProps := schema["properties"].(map[string]interface{})
	return hasProps
}
