// Package synth maps parser events onto the OpenAI response surface, either
// as a chunked SSE stream or a single aggregated completion.
package synth

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/kiro-gateway/internal/domain"
	"github.com/felipepmaragno/kiro-gateway/internal/eventstream"
)

// EventSource is the pull side of the parser: Next yields events until
// io.EOF. The synthesizer asks for the next event only after the previous
// chunk has been handed off, so back-pressure reaches the upstream read.
type EventSource interface {
	Next() (eventstream.Event, error)
}

// Synthesizer carries the per-request identity stamped on every chunk.
type Synthesizer struct {
	id      string
	created int64
	model   string
}

func New(model string) *Synthesizer {
	return &Synthesizer{
		id:      "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24],
		created: time.Now().Unix(),
		model:   model,
	}
}

// Stream pulls events from src and emits one chunk per text delta, tool-call
// start and tool-call input delta; tool-call stops, usage and context-usage
// events produce no chunk of their own. emit returning
// an error (the client went away) stops the pull chain. The stream always
// ends with exactly one terminal chunk carrying a finish reason; the [DONE]
// sentinel is the transport's job.
func (s *Synthesizer) Stream(src EventSource, emit func(domain.StreamChunk) error) error {
	var (
		usage        *domain.Usage
		textLen      int
		toolIndex    = -1
		sentRole     bool
		finishReason = "stop"
		parseErr     error
	)

	for {
		ev, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		switch ev := ev.(type) {
		case eventstream.TextDelta:
			textLen += len(ev.Text)
			delta := domain.Delta{Content: ev.Text}
			if !sentRole {
				delta.Role = "assistant"
				sentRole = true
			}
			if err := emit(s.chunk(delta, nil, nil)); err != nil {
				return err
			}

		case eventstream.ToolCallStart:
			toolIndex++
			idx := toolIndex
			delta := domain.Delta{ToolCalls: []domain.ToolCall{{
				Index:    &idx,
				ID:       ev.ToolUseID,
				Type:     "function",
				Function: domain.ToolCallFunction{Name: ev.Name},
			}}}
			if !sentRole {
				delta.Role = "assistant"
				sentRole = true
			}
			if err := emit(s.chunk(delta, nil, nil)); err != nil {
				return err
			}

		case eventstream.ToolCallInputDelta:
			idx := toolIndex
			delta := domain.Delta{ToolCalls: []domain.ToolCall{{
				Index:    &idx,
				Function: domain.ToolCallFunction{Arguments: ev.Fragment},
			}}}
			if err := emit(s.chunk(delta, nil, nil)); err != nil {
				return err
			}

		case eventstream.ToolCallStop:
			// Nothing rides on the wire; the next tool index opens a fresh
			// entry.

		case eventstream.Usage:
			usage = s.usage(ev)

		case eventstream.ContextUsage:
			// Informational only; nothing in the OpenAI surface carries it.

		case eventstream.StreamEnd:
			finishReason = ev.FinishReason
			parseErr = ev.Err
		}
	}

	if usage == nil {
		usage = estimateUsage(textLen)
	}

	terminal := s.chunk(domain.Delta{}, &finishReason, usage)
	if err := emit(terminal); err != nil {
		return err
	}
	return parseErr
}

// Collect buffers the whole event sequence into a single completion object.
func (s *Synthesizer) Collect(src EventSource) (*domain.ChatResponse, error) {
	var (
		text         strings.Builder
		toolCalls    []domain.ToolCall
		argBuffers   = map[string]*strings.Builder{}
		usage        *domain.Usage
		finishReason = "stop"
	)

	for {
		ev, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch ev := ev.(type) {
		case eventstream.TextDelta:
			text.WriteString(ev.Text)

		case eventstream.ToolCallStart:
			toolCalls = append(toolCalls, domain.ToolCall{
				ID:       ev.ToolUseID,
				Type:     "function",
				Function: domain.ToolCallFunction{Name: ev.Name},
			})
			argBuffers[ev.ToolUseID] = &strings.Builder{}

		case eventstream.ToolCallInputDelta:
			if buf, ok := argBuffers[ev.ToolUseID]; ok {
				buf.WriteString(ev.Fragment)
			}

		case eventstream.ToolCallStop:
			// Arguments finalize below once the stream drains.

		case eventstream.Usage:
			usage = s.usage(ev)

		case eventstream.ContextUsage:

		case eventstream.StreamEnd:
			finishReason = ev.FinishReason
			if ev.Err != nil {
				return nil, ev.Err
			}
		}
	}

	for i := range toolCalls {
		if buf, ok := argBuffers[toolCalls[i].ID]; ok {
			toolCalls[i].Function.Arguments = buf.String()
		}
	}

	if usage == nil {
		usage = estimateUsage(text.Len())
	}

	content := text.String()
	return &domain.ChatResponse{
		ID:      s.id,
		Object:  "chat.completion",
		Created: s.created,
		Model:   s.model,
		Choices: []domain.Choice{{
			Index: 0,
			Message: &domain.ResponseMessage{
				Role:      "assistant",
				Content:   &content,
				ToolCalls: toolCalls,
			},
			FinishReason: &finishReason,
		}},
		Usage: usage,
	}, nil
}

func (s *Synthesizer) chunk(delta domain.Delta, finishReason *string, usage *domain.Usage) domain.StreamChunk {
	return domain.StreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []domain.Choice{{
			Index:        0,
			Delta:        &delta,
			FinishReason: finishReason,
		}},
		Usage: usage,
	}
}

func (s *Synthesizer) usage(ev eventstream.Usage) *domain.Usage {
	u := &domain.Usage{
		PromptTokens:     ev.PromptTokens,
		CompletionTokens: ev.CompletionTokens,
		TotalTokens:      ev.PromptTokens + ev.CompletionTokens,
	}
	if len(ev.Extra) > 0 {
		u.Extra = make(map[string]json.RawMessage, len(ev.Extra))
		for k, v := range ev.Extra {
			u.Extra[k] = v
		}
	}
	return u
}

// estimateUsage stands in when the upstream never reported usage: roughly
// four characters per completion token.
func estimateUsage(textLen int) *domain.Usage {
	if textLen == 0 {
		return &domain.Usage{}
	}
	completion := textLen / 4
	if completion == 0 {
		completion = 1
	}
	return &domain.Usage{CompletionTokens: completion, TotalTokens: completion}
}

// WriteSSE frames a chunk for the event-stream transport.
func WriteSSE(w io.Writer, chunk domain.StreamChunk) error {
	data, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshal chunk: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// WriteDone emits the stream sentinel.
func WriteDone(w io.Writer) error {
	_, err := io.WriteString(w, "data: [DONE]\n\n")
	return err
}
