package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Pre-allocated byte slices for SSE formatting. These avoid heap allocations
// on every write in the streaming hot path.
var (
	sseDataPrefix = []byte("data: ")
	sseNewline    = []byte("\n\n")
	sseDone       = []byte("data: [DONE]\n\n")
)

// Pre-allocated header value slices for SSE responses.
// Direct map assignment avoids the []string{v} alloc that Header.Set creates.
var (
	sseHeaders      = []string{"text/event-stream"}
	sseCacheControl = []string{"no-cache"}
	sseConnection   = []string{"keep-alive"}
	sseAccelBuf     = []string{"no"}
)

// streamWriter writes client-bound SSE frames. It implements cascade.Sink.
// Every write is one complete frame followed by a flush, so the client never
// observes a partial event.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
	mode    string
}

func newStreamWriter(w http.ResponseWriter, mode string) (*streamWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	return &streamWriter{w: w, flusher: flusher, mode: mode}, nil
}

// start sends the SSE headers. Called lazily so pre-stream admission errors
// can still go out as plain JSON.
func (sw *streamWriter) start() {
	if sw.started {
		return
	}
	h := sw.w.Header()
	h["Content-Type"] = sseHeaders
	h["Cache-Control"] = sseCacheControl
	h["Connection"] = sseConnection
	h["X-Accel-Buffering"] = sseAccelBuf
	h["X-Cascade-Mode"] = []string{sw.mode}
	sw.w.WriteHeader(http.StatusOK)
	sw.started = true
}

// deltaFrame is the body of one content frame.
type deltaFrame struct {
	Content string `json:"content"`
}

// errorFrame is the body of a terminal error frame.
type errorFrame struct {
	Error   string   `json:"error"`
	Message string   `json:"message,omitempty"`
	Details []string `json:"details,omitempty"`
}

// Delta writes one content frame.
func (sw *streamWriter) Delta(text string) error {
	body, err := json.Marshal(deltaFrame{Content: text})
	if err != nil {
		return err
	}
	return sw.frame(body)
}

// Fail writes a terminal error frame.
func (sw *streamWriter) Fail(code, message string, details []string) error {
	body, err := json.Marshal(errorFrame{Error: code, Message: message, Details: details})
	if err != nil {
		return err
	}
	return sw.frame(body)
}

// Done writes the stream terminator.
func (sw *streamWriter) Done() error {
	sw.start()
	if _, err := sw.w.Write(sseDone); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

func (sw *streamWriter) frame(body []byte) error {
	sw.start()
	if _, err := sw.w.Write(sseDataPrefix); err != nil {
		return err
	}
	if _, err := sw.w.Write(body); err != nil {
		return err
	}
	if _, err := sw.w.Write(sseNewline); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
