package eventstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"strings"

	awsstream "github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream/eventstreamapi"
	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/kiro-gateway/internal/domain"
	"github.com/felipepmaragno/kiro-gateway/internal/metrics"
)

const (
	// Frames above this size are rejected as malformed.
	maxFramePayload = 10 * 1024 * 1024

	// How many recent text-delta fingerprints to keep for redelivery
	// suppression.
	dedupeWindow = 32

	bracketPrefix = "[Called "
)

// Parser consumes the upstream framed body incrementally and yields events in
// upstream order. It is a pull iterator: Next blocks on the body reader only
// when every already-decoded event has been handed out, so the whole chain
// from client socket to upstream read stays demand-driven.
type Parser struct {
	r   io.Reader
	dec *awsstream.Decoder

	pending []Event

	// Sliding window of fingerprints over recently emitted text deltas.
	recent []uint64

	// Bracket-dialect state.
	carry          string
	inBracket      bool
	bracketBuf     strings.Builder
	bracketDepth   int
	bracketOrdinal int

	// Structured tool-use state machine.
	openTool  *toolState
	seenTools map[string]bool

	sawToolCall bool
	finished    bool
}

type toolState struct {
	id   string
	name string
}

func NewParser(r io.Reader) *Parser {
	return &Parser{
		r:         r,
		dec:       awsstream.NewDecoder(),
		seenTools: make(map[string]bool),
	}
}

// Next returns the next event, reading and decoding more of the body as
// needed. After StreamEnd has been returned it yields io.EOF.
func (p *Parser) Next() (Event, error) {
	for {
		if len(p.pending) > 0 {
			ev := p.pending[0]
			p.pending = p.pending[1:]
			return ev, nil
		}
		if p.finished {
			return nil, io.EOF
		}

		// One byte is read ahead of the decoder: it reports io.EOF both for a
		// body that ends between frames and for one cut inside a frame, so
		// only an EOF before the first byte of a frame is a clean end.
		var first [1]byte
		_, err := io.ReadFull(p.r, first[:])
		if err == io.EOF {
			p.finish(nil)
			continue
		}
		var msg awsstream.Message
		if err == nil {
			// Each frame gets its own payload allocation: queued events keep
			// references into it via gjson.
			msg, err = p.dec.Decode(io.MultiReader(strings.NewReader(string(first[:])), p.r), nil)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = fmt.Errorf("%w: body ended mid-frame", domain.ErrParse)
			} else {
				err = fmt.Errorf("%w: %v", domain.ErrParse, err)
			}
			metrics.ParseErrors.Inc()
			p.finish(err)
			continue
		}
		if len(msg.Payload) > maxFramePayload {
			metrics.ParseErrors.Inc()
			p.finish(fmt.Errorf("%w: frame payload of %d bytes exceeds limit", domain.ErrParse, len(msg.Payload)))
			continue
		}

		p.handleFrame(msg)
	}
}

// finish flushes held-back text, closes any dangling tool call, and queues
// the terminal event. err non-nil marks a parse failure.
func (p *Parser) finish(err error) {
	p.finished = true

	if p.inBracket {
		// The bracket never closed; surface what was swallowed as text.
		p.emitText(p.bracketBuf.String())
		p.inBracket = false
	} else if p.carry != "" {
		p.emitText(p.carry)
		p.carry = ""
	}

	if p.openTool != nil {
		p.push(ToolCallStop{ToolUseID: p.openTool.id})
		p.seenTools[p.openTool.id] = true
		p.openTool = nil
	}

	reason := "stop"
	if p.sawToolCall {
		reason = "tool_calls"
	}
	if err != nil {
		reason = "error"
	}
	p.push(StreamEnd{FinishReason: reason, Err: err})
}

func (p *Parser) push(ev Event) {
	p.pending = append(p.pending, ev)
}

func (p *Parser) handleFrame(msg awsstream.Message) {
	eventType := headerString(msg.Headers, eventstreamapi.EventTypeHeader)

	payload := gjson.ParseBytes(msg.Payload)
	if !payload.IsObject() {
		return
	}

	// Events frequently arrive nested under a key matching their type.
	body := payload
	if eventType != "" {
		if nested := payload.Get(eventType); nested.IsObject() {
			body = nested
		}
	} else {
		for _, key := range []string{"assistantResponseEvent", "toolUseEvent", "metadataEvent"} {
			if nested := payload.Get(key); nested.IsObject() {
				eventType = key
				body = nested
				break
			}
		}
	}

	switch {
	case eventType == "toolUseEvent" || (body.Get("toolUseId").Exists() && !body.Get("content").Exists()):
		p.handleToolUseEvent(body)

	case body.Get("usage").Exists() || body.Get("inputTokens").Exists():
		p.handleUsage(body)

	case body.Get("contextUsagePercentage").Exists() || body.Get("percentage").Exists():
		p.handleContextUsage(body)

	default:
		if content := body.Get("content"); content.Type == gjson.String {
			p.handleText(content.String())
		}
		if toolUses := body.Get("toolUses"); toolUses.IsArray() {
			for _, tu := range toolUses.Array() {
				p.handleCompleteToolUse(tu)
			}
		}
	}
}

// handleToolUseEvent advances the per-id state machine:
// idle -> started -> receiving -> stopped.
func (p *Parser) handleToolUseEvent(body gjson.Result) {
	id := body.Get("toolUseId").String()
	name := body.Get("name").String()
	input := body.Get("input")
	stop := body.Get("stop").Bool()

	if id != "" && p.seenTools[id] {
		// Redelivery of an already-stopped id.
		return
	}

	if id != "" && name != "" && (p.openTool == nil || p.openTool.id != id) {
		if p.openTool != nil {
			// Interleaved start: close the previous id first.
			p.push(ToolCallStop{ToolUseID: p.openTool.id})
			p.seenTools[p.openTool.id] = true
		}
		p.openTool = &toolState{id: id, name: name}
		p.sawToolCall = true
		p.push(ToolCallStart{ToolUseID: id, Name: name})
	}

	if p.openTool == nil {
		return
	}

	if input.Exists() {
		fragment := ""
		if input.Type == gjson.String {
			fragment = input.String()
		} else if input.IsObject() {
			fragment = input.Raw
		}
		if fragment != "" {
			p.push(ToolCallInputDelta{ToolUseID: p.openTool.id, Fragment: fragment})
		}
	}

	if stop {
		p.push(ToolCallStop{ToolUseID: p.openTool.id})
		p.seenTools[p.openTool.id] = true
		p.openTool = nil
	}
}

// handleCompleteToolUse emits the full start/delta/stop triple for a tool use
// delivered whole inside an assistant-response frame.
func (p *Parser) handleCompleteToolUse(tu gjson.Result) {
	id := tu.Get("toolUseId").String()
	if id == "" || p.seenTools[id] {
		return
	}
	p.seenTools[id] = true
	p.sawToolCall = true

	p.push(ToolCallStart{ToolUseID: id, Name: tu.Get("name").String()})
	if input := tu.Get("input"); input.Exists() {
		fragment := input.Raw
		if input.Type == gjson.String {
			fragment = input.String()
		}
		p.push(ToolCallInputDelta{ToolUseID: id, Fragment: fragment})
	}
	p.push(ToolCallStop{ToolUseID: id})
}

func (p *Parser) handleUsage(body gjson.Result) {
	usage := body
	if nested := body.Get("usage"); nested.IsObject() {
		usage = nested
	}

	ev := Usage{}
	known := map[string]bool{}
	for key, field := range map[string]*int{
		"inputTokens":      &ev.PromptTokens,
		"promptTokens":     &ev.PromptTokens,
		"outputTokens":     &ev.CompletionTokens,
		"completionTokens": &ev.CompletionTokens,
	} {
		if v := usage.Get(key); v.Exists() {
			*field = int(v.Int())
			known[key] = true
		}
	}

	usage.ForEach(func(key, value gjson.Result) bool {
		if !known[key.String()] {
			if ev.Extra == nil {
				ev.Extra = make(map[string]json.RawMessage)
			}
			ev.Extra[key.String()] = json.RawMessage(value.Raw)
		}
		return true
	})

	p.push(ev)
}

func (p *Parser) handleContextUsage(body gjson.Result) {
	percent := body.Get("contextUsagePercentage")
	if !percent.Exists() {
		percent = body.Get("percentage")
	}
	p.push(ContextUsage{Percent: percent.Float()})
}

// handleText runs a text payload through escape decoding, bracket-dialect
// scanning, and redelivery suppression.
func (p *Parser) handleText(s string) {
	s = decodeEscapes(s)
	text := p.carry + s
	p.carry = ""

	for text != "" {
		if p.inBracket {
			consumed := p.scanBracket(text)
			text = text[consumed:]
			continue
		}

		idx := strings.Index(text, bracketPrefix)
		if idx >= 0 {
			p.emitText(text[:idx])
			p.inBracket = true
			p.bracketBuf.Reset()
			p.bracketBuf.WriteString(bracketPrefix)
			p.bracketDepth = 1
			text = text[idx+len(bracketPrefix):]
			continue
		}

		// Hold back a tail that could be the beginning of the marker split
		// across chunks.
		if hold := partialPrefix(text); hold > 0 {
			p.emitText(text[:len(text)-hold])
			p.carry = text[len(text)-hold:]
		} else {
			p.emitText(text)
		}
		return
	}
}

// scanBracket consumes bytes of a tool-call bracket run, tracking depth over
// [ { ( and their closers. Returns how many bytes were consumed.
func (p *Parser) scanBracket(text string) int {
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '[', '{', '(':
			p.bracketDepth++
		case ']', '}', ')':
			p.bracketDepth--
		}
		p.bracketBuf.WriteByte(c)

		if p.bracketDepth == 0 {
			p.inBracket = false
			p.finishBracket(p.bracketBuf.String())
			return i + 1
		}
	}
	return len(text)
}

// finishBracket turns an accumulated "[Called name(args)]" run into the
// synthetic start/delta/stop triple. The id is a pure function of the
// bracket's position and contents.
func (p *Parser) finishBracket(full string) {
	inner := strings.TrimSuffix(strings.TrimPrefix(full, bracketPrefix), "]")
	open := strings.Index(inner, "(")
	if open < 0 {
		// Not actually a call; surface the run as plain text.
		p.emitText(full)
		return
	}
	name := strings.TrimSpace(inner[:open])
	args := strings.TrimSuffix(inner[open+1:], ")")

	p.bracketOrdinal++
	id := fmt.Sprintf("tooluse_%d_%08x", p.bracketOrdinal, fingerprint(name+args))
	p.sawToolCall = true

	p.push(ToolCallStart{ToolUseID: id, Name: name})
	p.push(ToolCallInputDelta{ToolUseID: id, Fragment: args})
	p.push(ToolCallStop{ToolUseID: id})
}

// emitText queues a text delta unless an identical fragment was emitted
// within the dedupe window.
func (p *Parser) emitText(s string) {
	if s == "" {
		return
	}

	fp := fingerprint(s)
	for _, seen := range p.recent {
		if seen == fp {
			return
		}
	}
	p.recent = append(p.recent, fp)
	if len(p.recent) > dedupeWindow {
		p.recent = p.recent[1:]
	}

	p.push(TextDelta{Text: s})
}

func fingerprint(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// partialPrefix returns the length of the longest tail of text that is a
// proper prefix of the bracket marker.
func partialPrefix(text string) int {
	max := len(bracketPrefix) - 1
	if max > len(text) {
		max = len(text)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(text, bracketPrefix[:n]) {
			return n
		}
	}
	return 0
}

var escaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\t`, "\t", `\"`, `"`)

// decodeEscapes resolves literal escape sequences the upstream leaves in text
// payloads.
func decodeEscapes(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	return escaper.Replace(s)
}

func headerString(headers awsstream.Headers, name string) string {
	v := headers.Get(name)
	if v == nil {
		return ""
	}
	if sv, ok := v.(awsstream.StringValue); ok {
		return string(sv)
	}
	return ""
}
