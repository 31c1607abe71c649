package sandbox

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/jkaninda/codegate/internal/domain"
)

// Worker protocol: one JSON value per line over the worker's stdin/stdout.
//
//	host   -> worker  {"type":"execute", code, manifest, timeout_ms, call_stack}
//	worker -> host    {"type":"call", id, group, method, args}
//	host   -> worker  {"type":"result", id, value | error}
//	worker -> host    {"type":"done", result}
const (
	msgExecute = "execute"
	msgCall    = "call"
	msgResult  = "result"
	msgDone    = "done"
)

type protocolMessage struct {
	Type string `json:"type"`

	// execute
	Code      string                  `json:"code,omitempty"`
	Manifest  *domain.BindingManifest `json:"manifest,omitempty"`
	TimeoutMS int64                   `json:"timeout_ms,omitempty"`
	CallStack int                     `json:"call_stack,omitempty"`

	// call / result
	ID     uint64 `json:"id,omitempty"`
	Group  string `json:"group,omitempty"`
	Method string `json:"method,omitempty"`
	Args   []any  `json:"args,omitempty"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`

	// done
	Result *domain.Result `json:"result,omitempty"`
}

// lineWriter serializes protocol messages from concurrent goroutines.
type lineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineWriter(w io.Writer) *lineWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &lineWriter{enc: enc}
}

func (w *lineWriter) send(msg protocolMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enc.Encode(msg)
}
