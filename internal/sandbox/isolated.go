package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/codegate/internal/domain"
)

const (
	defaultWarmWorkers = 2
	defaultGrace       = 2 * time.Second
)

// IsolatedConfig configures the worker backend.
type IsolatedConfig struct {
	Command      []string          // Worker argv. Default: this executable + "worker"
	Env          map[string]string // Extra worker environment.
	Warm         int               // Pre-started idle workers. Default: 2
	Limits       ResourceLimits
	MaxCallStack int
	Grace        time.Duration // Slack past the timeout before a hard kill. Default: 2s
	Launcher     Launcher      // Default: ProcessLauncher
	ScratchRoot  string        // Parent of per-worker temp directories. Default: os.TempDir()
}

// IsolatedSandbox runs every script in its own short-lived worker process.
// Workers are single-use; a few are kept started ahead of demand so an
// execution does not pay the spawn latency.
type IsolatedSandbox struct {
	cfg    IsolatedConfig
	logger *slog.Logger

	mu     sync.Mutex
	state  lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	warm   chan *worker
	wg     sync.WaitGroup
}

// NewIsolatedSandbox creates a worker backend. Call Initialize before use.
func NewIsolatedSandbox(cfg IsolatedConfig, logger *slog.Logger) *IsolatedSandbox {
	if cfg.Warm < 0 {
		cfg.Warm = 0
	} else if cfg.Warm == 0 {
		cfg.Warm = defaultWarmWorkers
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGrace
	}
	if cfg.Launcher == nil {
		cfg.Launcher = NewProcessLauncher(logger)
	}
	return &IsolatedSandbox{cfg: cfg, logger: logger}
}

// Mode returns ModeIsolated.
func (s *IsolatedSandbox) Mode() string { return ModeIsolated }

// Initialize resolves the worker command and starts the warm workers.
func (s *IsolatedSandbox) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateReady {
		return nil
	}

	if len(s.cfg.Command) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolving worker executable: %w", err)
		}
		s.cfg.Command = []string{exe, "worker"}
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.warm = make(chan *worker, s.cfg.Warm)
	s.state = stateReady

	for range s.cfg.Warm {
		s.refill()
	}
	s.logger.Info("isolated sandbox initialized",
		slog.String("launcher", s.cfg.Launcher.Name()),
		slog.Int("warm_workers", s.cfg.Warm),
		slog.Int("memory_limit_mb", resolveLimits(s.cfg.Limits).MaxMemoryMB),
	)
	return nil
}

// Dispose kills every worker and waits for background spawns to finish.
func (s *IsolatedSandbox) Dispose() error {
	s.mu.Lock()
	if s.state != stateReady {
		s.mu.Unlock()
		return nil
	}
	s.state = stateDisposed
	s.cancel()
	warm := s.warm
	s.mu.Unlock()

	s.wg.Wait()
	close(warm)
	for w := range warm {
		w.stop()
	}
	return nil
}

// Execute runs code in a dedicated worker.
func (s *IsolatedSandbox) Execute(ctx context.Context, code string, b Bindings, timeout time.Duration) domain.Result {
	w, err := s.acquire()
	if err != nil {
		return domain.Failure(err.Error())
	}
	defer w.stop()

	start := time.Now()
	res := s.drive(ctx, w, code, b, timeout)
	res.Metrics.WallTimeMS = msSince(start)
	return res
}

// drive runs the host side of the worker protocol until the worker answers,
// dies, or overruns its deadline.
func (s *IsolatedSandbox) drive(ctx context.Context, w *worker, code string, b Bindings, timeout time.Duration) domain.Result {
	runCtx, cancel := context.WithTimeout(ctx, timeout+s.cfg.Grace)
	defer cancel()

	manifest := b.Manifest()
	if err := w.out.send(protocolMessage{
		Type:      msgExecute,
		Code:      code,
		Manifest:  &manifest,
		TimeoutMS: timeout.Milliseconds(),
		CallStack: s.cfg.MaxCallStack,
	}); err != nil {
		return s.crashed(w, fmt.Errorf("sending execute message: %w", err))
	}

	done := make(chan domain.Result, 1)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg protocolMessage
			if err := w.dec.Decode(&msg); err != nil {
				readErr <- err
				return
			}
			switch msg.Type {
			case msgCall:
				go s.serveCall(runCtx, w, b, msg)
			case msgDone:
				if msg.Result == nil {
					readErr <- errors.New("worker sent an empty result")
				} else {
					done <- *msg.Result
				}
				return
			}
		}
	}()

	select {
	case res := <-done:
		return res
	case err := <-readErr:
		return s.crashed(w, err)
	case <-runCtx.Done():
		w.kill()
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.Failure("Execution cancelled")
		}
		s.logger.Warn("worker killed after deadline",
			slog.Duration("timeout", timeout),
			slog.Duration("grace", s.cfg.Grace),
		)
		return domain.Failure(timeoutMessage(timeout))
	}
}

// serveCall answers one bound call from the worker.
func (s *IsolatedSandbox) serveCall(ctx context.Context, w *worker, b Bindings, msg protocolMessage) {
	v, err := safeBindingCall(ctx, b, msg.Group, msg.Method, msg.Args)
	reply := protocolMessage{Type: msgResult, ID: msg.ID}
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Value = v
	}
	if sendErr := w.out.send(reply); sendErr != nil && err == nil {
		var unsupported *json.UnsupportedTypeError
		var unsupportedValue *json.UnsupportedValueError
		if errors.As(sendErr, &unsupported) || errors.As(sendErr, &unsupportedValue) {
			_ = w.out.send(protocolMessage{
				Type:  msgResult,
				ID:    msg.ID,
				Error: fmt.Sprintf("%s.%s returned a value that cannot be serialized", msg.Group, msg.Method),
			})
		}
	}
}

func safeBindingCall(ctx context.Context, b Bindings, group, method string, args []any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s.%s panicked: %v", group, method, r)
		}
	}()
	return b.Call(ctx, group, method, args)
}

// crashed reports a worker that stopped speaking the protocol.
func (s *IsolatedSandbox) crashed(w *worker, cause error) domain.Result {
	w.kill()
	<-w.exited
	// The first stderr line carries the runtime's fatal error, if any.
	detail, _, _ := strings.Cut(strings.TrimSpace(w.stderr.String()), "\n")
	s.logger.Error("worker exited unexpectedly",
		slog.String("cause", cause.Error()),
		slog.Any("exit", w.waitErr),
		slog.String("stderr", detail),
	)
	msg := "Worker exited unexpectedly"
	if w.waitErr != nil {
		msg += " (" + w.waitErr.Error() + ")"
	}
	if detail != "" {
		msg += ": " + detail
	}
	return domain.Failure(msg)
}

// acquire returns a live warm worker, or spawns one on demand.
func (s *IsolatedSandbox) acquire() (*worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.state.err(); err != nil {
		return nil, err
	}

	for {
		select {
		case w := <-s.warm:
			s.refill()
			if w.alive() {
				return w, nil
			}
			w.stop()
		default:
			w, err := s.spawn()
			if err != nil {
				return nil, fmt.Errorf("starting worker: %w", err)
			}
			return w, nil
		}
	}
}

// refill starts one replacement warm worker in the background. Callers hold s.mu.
func (s *IsolatedSandbox) refill() {
	if s.cfg.Warm == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		w, err := s.spawn()
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Warn("failed to start warm worker", slog.String("error", err.Error()))
			}
			return
		}
		select {
		case s.warm <- w:
		case <-s.ctx.Done():
			w.stop()
		default:
			w.stop()
		}
	}()
}

func (s *IsolatedSandbox) spawn() (*worker, error) {
	cmd, release, err := s.cfg.Launcher.Command(s.ctx, WorkerSpec{
		Command:     s.cfg.Command,
		Env:         s.cfg.Env,
		Limits:      s.cfg.Limits,
		ScratchRoot: s.cfg.ScratchRoot,
	})
	if err != nil {
		return nil, err
	}
	return startWorker(cmd, release)
}

// worker is one started, single-use worker process.
type worker struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File
	dec     *json.Decoder
	out     *lineWriter
	stderr  *bytes.Buffer
	exited  chan struct{}
	waitErr error
	once    sync.Once
}

func startWorker(cmd *exec.Cmd, release func()) (*worker, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		release()
		return nil, err
	}
	// A plain pipe keeps Wait from closing the read side under the decoder.
	r, pw, err := os.Pipe()
	if err != nil {
		release()
		return nil, err
	}
	stderr := &bytes.Buffer{}
	cmd.Stdout = pw
	cmd.Stderr = &limitedWriter{w: stderr, remaining: maxStderrBytes}

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = pw.Close()
		release()
		return nil, err
	}
	_ = pw.Close()

	w := &worker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: r,
		dec:    json.NewDecoder(r),
		out:    newLineWriter(stdin),
		stderr: stderr,
		exited: make(chan struct{}),
	}
	go func() {
		w.waitErr = cmd.Wait()
		release()
		close(w.exited)
	}()
	return w, nil
}

func (w *worker) alive() bool {
	select {
	case <-w.exited:
		return false
	default:
		return true
	}
}

func (w *worker) kill() {
	if w.alive() && w.cmd.Cancel != nil {
		_ = w.cmd.Cancel()
	}
}

// stop kills the worker and releases its pipes.
func (w *worker) stop() {
	w.once.Do(func() {
		_ = w.stdin.Close()
		w.kill()
		<-w.exited
		_ = w.stdout.Close()
	})
}
