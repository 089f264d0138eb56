// Package kiro speaks the CodeWhisperer-family assistant API: request payload
// shapes, endpoints, and the retrying HTTP client.
package kiro

// Field order in these structs matches the order the upstream emits and
// expects; json.Marshal preserves it.

type Payload struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

type ConversationState struct {
	ConversationID  string           `json:"conversationId"`
	SystemPrompt    string           `json:"systemPrompt,omitempty"`
	History         []HistoryMessage `json:"history"`
	CurrentMessage  CurrentMessage   `json:"currentMessage"`
	ChatTriggerType string           `json:"chatTriggerType"`
}

type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

type HistoryMessage struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

type UserInputMessageContext struct {
	ToolResults []ToolResult  `json:"toolResults,omitempty"`
	Tools       []ToolWrapper `json:"tools,omitempty"`
}

type ToolResult struct {
	ToolUseID string        `json:"toolUseId"`
	Content   []TextContent `json:"content"`
	Status    string        `json:"status"`
}

type TextContent struct {
	Text string `json:"text"`
}

type ToolWrapper struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

type InputSchema struct {
	JSON any `json:"json"`
}

type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

type ToolUse struct {
	ToolUseID string `json:"toolUseId"`
	Name      string `json:"name"`
	Input     any    `json:"input"`
}
