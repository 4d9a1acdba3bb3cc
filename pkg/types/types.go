// Package types defines the conversation types shared between the LLM
// providers, the agent loop and the tool registry.
//
// They are deliberately provider-neutral: each provider package converts them
// to and from its SDK's wire types, so the rest of procagent never imports an
// SDK directly.
package types

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is a single entry in a conversation history.
type Message struct {
	// Role is one of [RoleSystem], [RoleUser], [RoleAssistant] or [RoleTool].
	Role string `json:"role"`

	// Content is the text content of the message. Assistant messages that only
	// request tool calls may leave it empty.
	Content string `json:"content,omitempty"`

	// Name is an optional participant name.
	Name string `json:"name,omitempty"`

	// ToolCalls holds the tool invocations requested by an assistant message.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	// ID is the provider-assigned call identifier.
	ID string `json:"id"`

	// Name is the tool name the model asked for.
	Name string `json:"name"`

	// Arguments is the raw JSON argument object as produced by the model. It is
	// not guaranteed to be valid JSON.
	Arguments string `json:"arguments"`
}

// ToolDefinition is the model-facing description of a tool.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string `json:"name"`

	// Description explains what the tool does; it is shown to the model.
	Description string `json:"description"`

	// Parameters is the JSON Schema of the tool's argument object.
	Parameters map[string]any `json:"parameters"`
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsVision indicates the model can process image inputs.
	SupportsVision bool
}
