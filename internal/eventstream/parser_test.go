package eventstream

import (
	"bytes"
	"errors"
	"io"
	"testing"

	awsstream "github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream/eventstreamapi"

	"github.com/felipepmaragno/kiro-gateway/internal/domain"
)

func encodeFrame(t *testing.T, buf *bytes.Buffer, eventType string, payload string) {
	t.Helper()

	msg := awsstream.Message{Payload: []byte(payload)}
	msg.Headers.Set(eventstreamapi.MessageTypeHeader, awsstream.StringValue(eventstreamapi.EventMessageType))
	if eventType != "" {
		msg.Headers.Set(eventstreamapi.EventTypeHeader, awsstream.StringValue(eventType))
	}

	enc := awsstream.NewEncoder()
	if err := enc.Encode(buf, msg); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func drainEvents(t *testing.T, p *Parser) []Event {
	t.Helper()

	var events []Event
	for {
		ev, err := p.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		events = append(events, ev)
	}
}

func TestParser_TextDeltas(t *testing.T) {
	var buf bytes.Buffer
	encodeFrame(t, &buf, "assistantResponseEvent", `{"content":"Hello"}`)
	encodeFrame(t, &buf, "assistantResponseEvent", `{"content":" world"}`)

	events := drainEvents(t, NewParser(&buf))

	want := []Event{
		TextDelta{Text: "Hello"},
		TextDelta{Text: " world"},
		StreamEnd{FinishReason: "stop"},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(events), events, len(want))
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %#v, want %#v", i, events[i], want[i])
		}
	}
}

func TestParser_NestedPayload(t *testing.T) {
	var buf bytes.Buffer
	encodeFrame(t, &buf, "assistantResponseEvent", `{"assistantResponseEvent":{"content":"hi"}}`)

	events := drainEvents(t, NewParser(&buf))
	if len(events) != 2 {
		t.Fatalf("got %d events %v, want 2", len(events), events)
	}
	if events[0] != (TextDelta{Text: "hi"}) {
		t.Errorf("event[0] = %#v, want TextDelta(hi)", events[0])
	}
}

func TestParser_BracketedToolCall(t *testing.T) {
	// The bracket run arrives split across frames at awkward boundaries,
	// including one that splits the "[Called " marker itself.
	var buf bytes.Buffer
	encodeFrame(t, &buf, "assistantResponseEvent", `{"content":"I will check. [Ca"}`)
	encodeFrame(t, &buf, "assistantResponseEvent", `{"content":"lled get_weather({\"ci"}`)
	encodeFrame(t, &buf, "assistantResponseEvent", `{"content":"ty\":\"Paris\"})] Done."}`)

	events := drainEvents(t, NewParser(&buf))

	if len(events) != 6 {
		t.Fatalf("got %d events %v, want 6", len(events), events)
	}
	if events[0] != (TextDelta{Text: "I will check. "}) {
		t.Errorf("event[0] = %#v", events[0])
	}
	start, ok := events[1].(ToolCallStart)
	if !ok || start.Name != "get_weather" {
		t.Fatalf("event[1] = %#v, want ToolCallStart(get_weather)", events[1])
	}
	delta, ok := events[2].(ToolCallInputDelta)
	if !ok || delta.Fragment != `{"city":"Paris"}` {
		t.Fatalf("event[2] = %#v, want input delta with args", events[2])
	}
	if delta.ToolUseID != start.ToolUseID {
		t.Errorf("input delta id %q != start id %q", delta.ToolUseID, start.ToolUseID)
	}
	stop, ok := events[3].(ToolCallStop)
	if !ok || stop.ToolUseID != start.ToolUseID {
		t.Fatalf("event[3] = %#v, want ToolCallStop(%s)", events[3], start.ToolUseID)
	}
	if events[4] != (TextDelta{Text: " Done."}) {
		t.Errorf("event[4] = %#v, want TextDelta( Done.)", events[4])
	}
	if events[5] != (StreamEnd{FinishReason: "tool_calls"}) {
		t.Errorf("event[5] = %#v, want StreamEnd(tool_calls)", events[5])
	}
}

func TestParser_BracketIDDeterministic(t *testing.T) {
	run := func() string {
		var buf bytes.Buffer
		encodeFrame(t, &buf, "assistantResponseEvent", `{"content":"[Called f({\"a\":1})]"}`)
		events := drainEvents(t, NewParser(&buf))
		for _, ev := range events {
			if start, ok := ev.(ToolCallStart); ok {
				return start.ToolUseID
			}
		}
		t.Fatal("no ToolCallStart emitted")
		return ""
	}

	if a, b := run(), run(); a != b {
		t.Errorf("synthetic ids differ across identical streams: %q vs %q", a, b)
	}
}

func TestParser_Deduplication(t *testing.T) {
	var buf bytes.Buffer
	for i := 0; i < 3; i++ {
		encodeFrame(t, &buf, "assistantResponseEvent", `{"content":"Hello"}`)
	}

	events := drainEvents(t, NewParser(&buf))

	deltas := 0
	for _, ev := range events {
		if _, ok := ev.(TextDelta); ok {
			deltas++
		}
	}
	if deltas != 1 {
		t.Errorf("got %d text deltas, want exactly 1", deltas)
	}
}

func TestParser_EscapeDecoding(t *testing.T) {
	var buf bytes.Buffer
	encodeFrame(t, &buf, "assistantResponseEvent", `{"content":"a\\nb\\tc\\\"d\\\\e"}`)

	events := drainEvents(t, NewParser(&buf))
	if len(events) == 0 {
		t.Fatal("no events")
	}
	delta, ok := events[0].(TextDelta)
	if !ok {
		t.Fatalf("event[0] = %#v, want TextDelta", events[0])
	}
	want := "a\nb\tc\"d\\e"
	if delta.Text != want {
		t.Errorf("decoded text = %q, want %q", delta.Text, want)
	}
}

func TestParser_ToolUseEventSequence(t *testing.T) {
	var buf bytes.Buffer
	encodeFrame(t, &buf, "toolUseEvent", `{"toolUseId":"tu_1","name":"get_weather"}`)
	encodeFrame(t, &buf, "toolUseEvent", `{"toolUseId":"tu_1","input":"{\"city\":"}`)
	encodeFrame(t, &buf, "toolUseEvent", `{"toolUseId":"tu_1","input":"\"Paris\"}"}`)
	encodeFrame(t, &buf, "toolUseEvent", `{"toolUseId":"tu_1","stop":true}`)

	events := drainEvents(t, NewParser(&buf))

	want := []Event{
		ToolCallStart{ToolUseID: "tu_1", Name: "get_weather"},
		ToolCallInputDelta{ToolUseID: "tu_1", Fragment: `{"city":`},
		ToolCallInputDelta{ToolUseID: "tu_1", Fragment: `"Paris"}`},
		ToolCallStop{ToolUseID: "tu_1"},
		StreamEnd{FinishReason: "tool_calls"},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(events), events, len(want))
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %#v, want %#v", i, events[i], want[i])
		}
	}
}

func TestParser_ToolUseRedeliverySuppressed(t *testing.T) {
	var buf bytes.Buffer
	encodeFrame(t, &buf, "toolUseEvent", `{"toolUseId":"tu_1","name":"f"}`)
	encodeFrame(t, &buf, "toolUseEvent", `{"toolUseId":"tu_1","stop":true}`)
	// Same id redelivered after its stop.
	encodeFrame(t, &buf, "toolUseEvent", `{"toolUseId":"tu_1","name":"f"}`)
	encodeFrame(t, &buf, "toolUseEvent", `{"toolUseId":"tu_1","stop":true}`)

	events := drainEvents(t, NewParser(&buf))

	starts := 0
	for _, ev := range events {
		if _, ok := ev.(ToolCallStart); ok {
			starts++
		}
	}
	if starts != 1 {
		t.Errorf("got %d tool starts, want 1", starts)
	}
}

func TestParser_CompleteToolUseInAssistantFrame(t *testing.T) {
	var buf bytes.Buffer
	encodeFrame(t, &buf, "assistantResponseEvent",
		`{"content":"","toolUses":[{"toolUseId":"tu_9","name":"lookup","input":{"q":"go"}}]}`)

	events := drainEvents(t, NewParser(&buf))

	want := []Event{
		ToolCallStart{ToolUseID: "tu_9", Name: "lookup"},
		ToolCallInputDelta{ToolUseID: "tu_9", Fragment: `{"q":"go"}`},
		ToolCallStop{ToolUseID: "tu_9"},
		StreamEnd{FinishReason: "tool_calls"},
	}
	if len(events) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(events), events, len(want))
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event[%d] = %#v, want %#v", i, events[i], want[i])
		}
	}
}

func TestParser_UsagePassthrough(t *testing.T) {
	var buf bytes.Buffer
	encodeFrame(t, &buf, "metadataEvent", `{"usage":{"inputTokens":12,"outputTokens":34,"credits":0.5}}`)

	events := drainEvents(t, NewParser(&buf))
	if len(events) != 2 {
		t.Fatalf("got %d events %v, want 2", len(events), events)
	}
	usage, ok := events[0].(Usage)
	if !ok {
		t.Fatalf("event[0] = %#v, want Usage", events[0])
	}
	if usage.PromptTokens != 12 || usage.CompletionTokens != 34 {
		t.Errorf("usage = %+v, want 12/34", usage)
	}
	if string(usage.Extra["credits"]) != "0.5" {
		t.Errorf("credits = %s, want 0.5 carried opaquely", usage.Extra["credits"])
	}
}

func TestParser_ContextUsage(t *testing.T) {
	var buf bytes.Buffer
	encodeFrame(t, &buf, "contextUsageEvent", `{"contextUsagePercentage":42.5}`)

	events := drainEvents(t, NewParser(&buf))
	if len(events) != 2 {
		t.Fatalf("got %d events %v, want 2", len(events), events)
	}
	if events[0] != (ContextUsage{Percent: 42.5}) {
		t.Errorf("event[0] = %#v, want ContextUsage(42.5)", events[0])
	}
}

func TestParser_MidFrameTermination(t *testing.T) {
	var buf bytes.Buffer
	encodeFrame(t, &buf, "assistantResponseEvent", `{"content":"partial"}`)

	var truncated bytes.Buffer
	encodeFrame(t, &truncated, "assistantResponseEvent", `{"content":"never arrives"}`)
	buf.Write(truncated.Bytes()[:truncated.Len()/2])

	events := drainEvents(t, NewParser(&buf))

	if len(events) == 0 {
		t.Fatal("no events")
	}
	last, ok := events[len(events)-1].(StreamEnd)
	if !ok {
		t.Fatalf("last event = %#v, want StreamEnd", events[len(events)-1])
	}
	if last.FinishReason != "error" {
		t.Errorf("finish reason = %q, want error", last.FinishReason)
	}
	if !errors.Is(last.Err, domain.ErrParse) {
		t.Errorf("StreamEnd.Err = %v, want ErrParse", last.Err)
	}
}

func TestParser_NextAfterEndReturnsEOF(t *testing.T) {
	var buf bytes.Buffer
	encodeFrame(t, &buf, "assistantResponseEvent", `{"content":"x"}`)

	p := NewParser(&buf)
	drainEvents(t, p)

	if _, err := p.Next(); err != io.EOF {
		t.Errorf("Next() after end = %v, want io.EOF", err)
	}
}
