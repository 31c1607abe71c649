package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jkaninda/codegate/internal/domain"
)

// ServeWorker runs the worker side of one isolated execution: it reads an
// execute message from r, runs the script, forwards every bound call to the
// host over w, and finishes with a done message. One execution per process.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer) error {
	dec := json.NewDecoder(r)
	out := newLineWriter(w)

	var req protocolMessage
	if err := dec.Decode(&req); err != nil {
		return fmt.Errorf("reading execute message: %w", err)
	}
	if req.Type != msgExecute || req.Manifest == nil {
		return fmt.Errorf("expected %s message, got %q", msgExecute, req.Type)
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultWorkerTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := &hostClient{out: out, pending: make(map[uint64]chan protocolMessage)}
	go c.readLoop(dec)

	start := time.Now()
	res := runScript(ctx, req.Code, *req.Manifest, c.call, scriptOptions{
		callStack: req.CallStack,
		timeout:   timeout,
	})
	res.Metrics = workerMetrics(start)

	// Values the host cannot decode are replaced here, since they cannot
	// cross the process boundary at all.
	if _, err := json.Marshal(res.Result); err != nil {
		res.Result = map[string]any{"_error": "Result could not be serialized"}
	}
	return out.send(protocolMessage{Type: msgDone, Result: &res})
}

// workerMetrics reports the worker's own CPU time and peak resident set.
// The process runs a single script, so these cover that script alone.
func workerMetrics(start time.Time) domain.Metrics {
	m := domain.Metrics{WallTimeMS: msSince(start)}
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err == nil {
		m.CPUTimeMS = float64(ru.Utime.Nano()+ru.Stime.Nano()) / 1e6
		m.MemoryUsedMB = float64(ru.Maxrss) / 1024 // kilobytes on Linux
	}
	return m
}

// defaultWorkerTimeout applies when the host sends no timeout.
const defaultWorkerTimeout = 30 * time.Second

// errHostGone is returned to pending calls once the host stops answering.
var errHostGone = errors.New("host connection closed")

// hostClient multiplexes bound calls over the worker's stdio.
type hostClient struct {
	out    *lineWriter
	nextID atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]chan protocolMessage
	closed  bool
}

func (c *hostClient) call(ctx context.Context, group, method string, args []any) (any, error) {
	id := c.nextID.Add(1)
	ch := make(chan protocolMessage, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errHostGone
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.out.send(protocolMessage{Type: msgCall, ID: id, Group: group, Method: method, Args: args}); err != nil {
		return nil, fmt.Errorf("sending call: %w", err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, errHostGone
		}
		if msg.Error != "" {
			return nil, errors.New(msg.Error)
		}
		return msg.Value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *hostClient) readLoop(dec *json.Decoder) {
	defer func() {
		c.mu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
	}()

	for {
		var msg protocolMessage
		if err := dec.Decode(&msg); err != nil {
			return
		}
		if msg.Type != msgResult {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}
