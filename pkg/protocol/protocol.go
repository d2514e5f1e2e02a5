// Package protocol defines the message and tool-call data model shared by the
// agent loop, the memory window, the tool executor, and the LLM providers.
//
// Messages follow the OpenAI chat shape: a role, textual content, an optional
// list of tool calls (assistant only), and a tool_call_id (tool role only).
package protocol

import (
	"encoding/json"
	"fmt"
	"regexp"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a structured request by the model to invoke a named tool.
// The ID is opaque, generated by the provider, and used solely to correlate
// the tool-role result message with the call.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Args parses the call's raw JSON arguments into a map.
func (tc *ToolCall) Args() (map[string]interface{}, error) {
	if tc.Arguments == "" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	return args, nil
}

// Message is the atomic unit of conversation.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

func Assistant(content string, toolCalls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

func ToolResult(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// HasToolCalls reports whether the message carries at least one tool call.
func (m *Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// AnswersCall reports whether a tool-role message answers the given call ID.
func (m *Message) AnswersCall(callID string) bool {
	return m.Role == RoleTool && m.ToolCallID == callID
}

// Validate checks the structural invariants of a single message.
func (m *Message) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser:
		if len(m.ToolCalls) > 0 {
			return fmt.Errorf("%s message cannot carry tool calls", m.Role)
		}
	case RoleAssistant:
	case RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("tool message requires a tool_call_id")
		}
	default:
		return fmt.Errorf("unknown role %q", m.Role)
	}
	return nil
}

// ToolNamePattern matches valid tool names. Bridged tools use the compound
// form <server>__<tool>; the double underscore is reserved as the namespace
// separator.
var ToolNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// BridgeSeparator joins a bridge server name and a tool name.
const BridgeSeparator = "__"
