// Package convert translates OpenAI chat-completion requests into the
// upstream conversationState payload. The translation is a pure function of
// the request and the static model map; only the conversation id varies.
package convert

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/kiro-gateway/internal/domain"
	"github.com/felipepmaragno/kiro-gateway/internal/kiro"
)

// Upstream rejects tool descriptions over 10240 bytes; leave room for the
// ellipsis.
const maxToolDescLen = 10237

const origin = "AI_EDITOR"

// turn is the normalized form a message takes between the conversion steps:
// flattened text plus whatever tool structures the role carries.
type turn struct {
	role        string
	text        string
	toolCalls   []domain.ToolCall
	toolResults []kiro.ToolResult
}

// ToConversationState applies the conversion rules in order: system-prompt
// extraction, adjacent-role merge, tool-result threading, current/history
// split, tool declarations, model id substitution. It returns the payload and
// any diagnostics for dropped non-text content parts.
func ToConversationState(req domain.ChatRequest, internalModelID, profileArn, conversationID string) (kiro.Payload, []string) {
	var diags []string

	// System prompt extraction.
	var systemParts []string
	turns := make([]turn, 0, len(req.Messages))
	for _, msg := range req.Messages {
		text, dropped := flattenContent(msg.Content)
		if dropped > 0 {
			diags = append(diags, fmt.Sprintf("dropped %d non-text content part(s) from %s message", dropped, msg.Role))
		}

		if msg.Role == "system" {
			systemParts = append(systemParts, text)
			continue
		}

		t := turn{role: msg.Role, text: text, toolCalls: msg.ToolCalls}
		if msg.Role == "tool" {
			t.toolResults = []kiro.ToolResult{toolResult(msg, text)}
			t.text = ""
		}
		turns = append(turns, t)
	}
	systemPrompt := strings.Join(systemParts, "\n")

	// Adjacent-role merge.
	merged := make([]turn, 0, len(turns))
	for _, t := range turns {
		if n := len(merged); n > 0 && merged[n-1].role == t.role {
			prev := &merged[n-1]
			prev.text = joinText(prev.text, t.text)
			prev.toolCalls = append(prev.toolCalls, t.toolCalls...)
			prev.toolResults = append(prev.toolResults, t.toolResults...)
			continue
		}
		merged = append(merged, t)
	}

	// Tool-result threading: each tool turn becomes a synthetic user turn
	// whose context references the answered toolUseId, in place.
	for i := range merged {
		if merged[i].role == "tool" {
			merged[i].role = "user"
		}
	}

	// Current vs history split.
	history := make([]kiro.HistoryMessage, 0, len(merged))
	current := kiro.UserInputMessage{ModelID: internalModelID, Origin: origin}

	for i, t := range merged {
		last := i == len(merged)-1

		switch t.role {
		case "assistant":
			history = append(history, kiro.HistoryMessage{
				AssistantResponseMessage: assistantMessage(t),
			})
			// An assistant-final conversation still needs a current user
			// message; it stays empty.

		default:
			user := kiro.UserInputMessage{
				Content: t.text,
				ModelID: internalModelID,
				Origin:  origin,
			}
			if len(t.toolResults) > 0 {
				user.UserInputMessageContext = &kiro.UserInputMessageContext{ToolResults: t.toolResults}
			}
			if last {
				current = user
			} else {
				history = append(history, kiro.HistoryMessage{UserInputMessage: &user})
			}
		}
	}

	// Tool declarations ride on the current message.
	if tools := toolWrappers(req.Tools); len(tools) > 0 {
		if current.UserInputMessageContext == nil {
			current.UserInputMessageContext = &kiro.UserInputMessageContext{}
		}
		current.UserInputMessageContext.Tools = tools
	}

	return kiro.Payload{
		ConversationState: kiro.ConversationState{
			ConversationID:  conversationID,
			SystemPrompt:    systemPrompt,
			History:         history,
			CurrentMessage:  kiro.CurrentMessage{UserInputMessage: current},
			ChatTriggerType: "MANUAL",
		},
		ProfileArn: profileArn,
	}, diags
}

// flattenContent turns string-or-parts content into plain text. Text parts
// concatenate in order; anything else is counted as dropped.
func flattenContent(raw json.RawMessage) (string, int) {
	if len(raw) == 0 {
		return "", 0
	}

	parsed := gjson.ParseBytes(raw)
	if parsed.Type == gjson.String {
		return parsed.String(), 0
	}
	if !parsed.IsArray() {
		return parsed.Raw, 0
	}

	var sb strings.Builder
	dropped := 0
	for _, part := range parsed.Array() {
		switch {
		case part.Type == gjson.String:
			sb.WriteString(part.String())
		case part.Get("type").String() == "text":
			sb.WriteString(part.Get("text").String())
		default:
			dropped++
		}
	}
	return sb.String(), dropped
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n" + b
	}
}

func toolResult(msg domain.Message, text string) kiro.ToolResult {
	return kiro.ToolResult{
		ToolUseID: msg.ToolCallID,
		Content:   []kiro.TextContent{{Text: text}},
		Status:    "success",
	}
}

func assistantMessage(t turn) *kiro.AssistantResponseMessage {
	out := &kiro.AssistantResponseMessage{Content: t.text}
	for _, tc := range t.toolCalls {
		var input any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &input); err != nil {
				input = tc.Function.Arguments
			}
		}
		out.ToolUses = append(out.ToolUses, kiro.ToolUse{
			ToolUseID: tc.ID,
			Name:      tc.Function.Name,
			Input:     input,
		})
	}
	return out
}

func toolWrappers(tools []domain.Tool) []kiro.ToolWrapper {
	wrappers := make([]kiro.ToolWrapper, 0, len(tools))
	for _, t := range tools {
		var schema any
		if len(t.Function.Parameters) > 0 {
			if err := json.Unmarshal(t.Function.Parameters, &schema); err != nil {
				schema = nil
			}
		}
		wrappers = append(wrappers, kiro.ToolWrapper{
			ToolSpecification: kiro.ToolSpecification{
				Name:        t.Function.Name,
				Description: truncateDescription(t.Function.Description),
				InputSchema: kiro.InputSchema{JSON: schema},
			},
		})
	}
	return wrappers
}

// truncateDescription caps the description at the upstream byte limit,
// backing up to a UTF-8 boundary.
func truncateDescription(desc string) string {
	if len(desc) <= maxToolDescLen {
		return desc
	}
	n := maxToolDescLen
	for n > 0 && !utf8.RuneStart(desc[n]) {
		n--
	}
	return desc[:n] + "..."
}
