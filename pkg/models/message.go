package models

import (
	"encoding/json"
	"fmt"
)

// Role identifies the sender of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Tool names the engine understands. The set is closed: the loop dispatches
// on these values and anything else is answered with an unknown_tool result.
const (
	ToolCodeExecution = "code_execution"
	ToolAskSubRLM     = "ask_sub_rlm"
)

// Message is one entry in a reasoning conversation. Assistant messages may
// carry tool calls; tool messages carry results keyed to a prior call id.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a structured request embedded in an assistant message.
// Arguments is a JSON object; its shape depends on Name.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// CodeArgument decodes the {"code": ...} argument of a code_execution call.
func (tc ToolCall) CodeArgument() (string, error) {
	var args struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(tc.Arguments, &args); err != nil {
		return "", fmt.Errorf("malformed %s arguments: %w", tc.Name, err)
	}
	return args.Code, nil
}

// QueryArgument decodes the {"query": ...} argument of an ask_sub_rlm call.
func (tc ToolCall) QueryArgument() (string, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(tc.Arguments, &args); err != nil {
		return "", fmt.Errorf("malformed %s arguments: %w", tc.Name, err)
	}
	return args.Query, nil
}

// ToolDefinition describes a tool advertised to the model.
type ToolDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON Schema
}
