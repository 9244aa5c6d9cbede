package anthropic

import (
	"context"
	"fmt"
	"io"

	"github.com/tidwall/gjson"

	relay "github.com/veylan/relay/internal"
	"github.com/veylan/relay/internal/provider/sseutil"
)

// streamState accumulates usage across the event sequence: input tokens
// arrive in message_start, output tokens in message_delta.
type streamState struct {
	inputTokens  int
	outputTokens int
}

// ReadStream parses the Anthropic SSE event sequence into neutral events.
// Text deltas come from content_block_delta/text_delta; thinking deltas are
// never surfaced to the client.
func (a *Adapter) ReadStream(ctx context.Context, body io.Reader, ch chan<- relay.StreamEvent) {
	defer close(ch)

	var state streamState
	var currentEvent string
	scanner := sseutil.NewScanner(body)
	for scanner.Scan() {
		event, data, ok := sseutil.ParseSSELine(scanner.Text())
		if !ok {
			continue
		}
		if event != "" {
			currentEvent = event
			continue
		}
		if data == "" {
			continue
		}

		for _, ev := range state.handleEvent(currentEvent, data) {
			if !send(ctx, ch, ev) || ev.Done {
				return
			}
		}
		currentEvent = ""
	}
	if err := scanner.Err(); err != nil {
		send(ctx, ch, relay.StreamEvent{Err: fmt.Errorf("anthropic: read stream: %w", err)})
		return
	}
	send(ctx, ch, relay.StreamEvent{Done: true})
}

func send(ctx context.Context, ch chan<- relay.StreamEvent, ev relay.StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		// The receiver may already be gone; never block on the farewell.
		select {
		case ch <- relay.StreamEvent{Err: ctx.Err()}:
		default:
		}
		return false
	}
}

func (s *streamState) handleEvent(event, data string) []relay.StreamEvent {
	switch event {
	case "message_start":
		s.inputTokens = int(gjson.Get(data, "message.usage.input_tokens").Int())
		return nil

	case "content_block_delta":
		r := gjson.Parse(data)
		if r.Get("delta.type").String() != "text_delta" {
			// thinking_delta, input_json_delta: internal to the model.
			return nil
		}
		if text := r.Get("delta.text").String(); text != "" {
			return []relay.StreamEvent{{Delta: text}}
		}
		return nil

	case "message_delta":
		s.outputTokens = int(gjson.Get(data, "usage.output_tokens").Int())
		return nil

	case "message_stop":
		usage := &relay.TokenUsage{
			InputTokens:  s.inputTokens,
			OutputTokens: s.outputTokens,
			TotalTokens:  s.inputTokens + s.outputTokens,
		}
		return []relay.StreamEvent{{Usage: usage}, {Done: true}}

	case "error":
		msg := gjson.Get(data, "error.message").String()
		if msg == "" {
			msg = data
		}
		return []relay.StreamEvent{{Err: fmt.Errorf("anthropic: upstream error: %s", msg)}}

	default: // ping, content_block_start, content_block_stop
		return nil
	}
}

// ParseResponse extracts the completion text and usage from a non-streaming
// Messages response body. Thinking blocks are skipped.
func (a *Adapter) ParseResponse(body []byte) (string, *relay.TokenUsage, error) {
	r := gjson.ParseBytes(body)

	var text string
	for _, block := range r.Get("content").Array() {
		if block.Get("type").String() == "text" {
			text += block.Get("text").String()
		}
	}
	if text == "" {
		return "", nil, fmt.Errorf("anthropic: response has no text content")
	}

	var usage *relay.TokenUsage
	if u := r.Get("usage"); u.IsObject() {
		in := int(u.Get("input_tokens").Int())
		out := int(u.Get("output_tokens").Int())
		if in+out > 0 {
			usage = &relay.TokenUsage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
		}
	}
	return text, usage, nil
}
