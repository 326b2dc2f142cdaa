// Package abilities defines the Ability contract and the process-wide
// registry that executes abilities with permission checks and JSON-schema
// parameter validation.
package abilities

import (
	"context"
	"encoding/json"
)

// Type distinguishes built-in abilities from plugin-provided ones.
type Type string

const (
	TypeBuiltin Type = "builtin"
	TypePlugin  Type = "plugin"
)

// Context carries per-call identity and permissions into an ability.
type Context struct {
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id"`
	CharacterState map[string]any `json:"character_state,omitempty"`
	Permissions    []string       `json:"permissions,omitempty"`
}

// HasPermission reports whether the context grants a permission.
func (c *Context) HasPermission(perm string) bool {
	if c == nil {
		return false
	}
	for _, p := range c.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Result is the outcome of an ability execution. Failures travel in Error
// with Success=false rather than as Go errors so the dialogue loop can feed
// them back to the model.
type Result struct {
	Success     bool   `json:"success"`
	Data        any    `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
	EmotionHint string `json:"emotion_hint,omitempty"`
}

// Ability is a named, parameter-validated, permission-gated unit of
// functionality exposable as an LLM tool.
type Ability interface {
	// Name returns the unique ability name used for registration and tool
	// calling.
	Name() string

	// DisplayName returns the human-readable name.
	DisplayName() string

	// Description explains what the ability does, for the LLM.
	Description() string

	// Type reports whether the ability is builtin or plugin-provided.
	Type() Type

	// Category groups related abilities.
	Category() string

	// ParametersSchema returns the JSON Schema for Execute's params, or nil
	// when the ability takes none.
	ParametersSchema() json.RawMessage

	// RequiredPermissions lists permissions the calling context must hold.
	RequiredPermissions() []string

	// Execute runs the ability.
	Execute(ctx context.Context, params map[string]any, actx *Context) (*Result, error)
}

// ExecuteFunc is the signature of a function-backed ability body.
type ExecuteFunc func(ctx context.Context, params map[string]any, actx *Context) (*Result, error)

// FuncAbility adapts a plain function into an Ability.
type FuncAbility struct {
	AbilityName string
	Display     string
	Desc        string
	Kind        Type
	Group       string
	Schema      json.RawMessage
	Permissions []string
	Fn          ExecuteFunc
}

func (a *FuncAbility) Name() string { return a.AbilityName }

func (a *FuncAbility) DisplayName() string {
	if a.Display == "" {
		return a.AbilityName
	}
	return a.Display
}

func (a *FuncAbility) Description() string { return a.Desc }

func (a *FuncAbility) Type() Type {
	if a.Kind == "" {
		return TypeBuiltin
	}
	return a.Kind
}

func (a *FuncAbility) Category() string { return a.Group }

func (a *FuncAbility) ParametersSchema() json.RawMessage { return a.Schema }

func (a *FuncAbility) RequiredPermissions() []string { return a.Permissions }

func (a *FuncAbility) Execute(ctx context.Context, params map[string]any, actx *Context) (*Result, error) {
	return a.Fn(ctx, params, actx)
}

// ToolSchema is the tool projection of an ability handed to LLM providers
// and the MCP server.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToToolSchema projects an ability into its tool schema. Abilities without
// a parameters schema get an empty object schema.
func ToToolSchema(a Ability) ToolSchema {
	params := a.ParametersSchema()
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return ToolSchema{
		Name:        a.Name(),
		Description: a.Description(),
		Parameters:  params,
	}
}
