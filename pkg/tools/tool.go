// Package tools holds the tool catalog: descriptors, the registry that
// renders them as provider schemas, the builtin tool set, and the MCP bridge
// for external servers.
package tools

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Permission is a tool's declared permission policy.
type Permission string

const (
	// PermissionAuto executes without confirmation.
	PermissionAuto Permission = "auto"
	// PermissionAsk requires a user decision through the permission callback.
	PermissionAsk Permission = "ask"
	// PermissionDeny blocks the tool unconditionally.
	PermissionDeny Permission = "deny"
)

// AgentMode distinguishes a delegating agent from a delegated one.
type AgentMode string

const (
	ModeParent AgentMode = "parent"
	ModeChild  AgentMode = "child"
)

// Capabilities declares what a tool can do to the host.
type Capabilities struct {
	Write bool
	Shell bool
}

// Handler executes a tool with parsed, schema-valid arguments.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Descriptor is one callable tool in the registry.
type Descriptor struct {
	Name        string
	Description string
	// Parameters is a JSON Schema object. OpenAI compatibility requires
	// "type":"object" with a "properties" map, even when empty.
	Parameters   map[string]interface{}
	Permission   Permission
	AllowedModes []AgentMode
	// MutexKey serializes in-flight calls sharing the same key. Empty
	// means fully concurrent.
	MutexKey     string
	Capabilities Capabilities
	// Timeout overrides the executor default for this tool. Zero uses
	// the default.
	Timeout time.Duration
	Handler Handler
}

// AllowsMode reports whether the descriptor is visible to the given mode.
// An empty AllowedModes list means visible to all modes.
func (d *Descriptor) AllowsMode(mode AgentMode) bool {
	if len(d.AllowedModes) == 0 {
		return true
	}
	for _, m := range d.AllowedModes {
		if m == mode {
			return true
		}
	}
	return false
}

var (
	// ErrDuplicateName reports a registration colliding with an existing tool.
	ErrDuplicateName = errors.New("duplicate tool name")
	// ErrInvalidSchema reports a parameter schema that is not an object
	// with a properties map.
	ErrInvalidSchema = errors.New("invalid tool schema")
	// ErrNotFound reports a lookup of an unregistered or filtered tool.
	ErrNotFound = errors.New("tool not found")
)

// RegistryError carries component context for registry failures.
type RegistryError struct {
	Tool    string
	Action  string
	Message string
	Err     error
}

func (e *RegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tools[%s] %s: %s: %v", e.Tool, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("tools[%s] %s: %s", e.Tool, e.Action, e.Message)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}
