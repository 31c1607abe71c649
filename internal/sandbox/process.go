package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
)

const (
	// maxStderrBytes caps captured worker stderr.
	maxStderrBytes = 64 << 10

	defaultCPUSeconds = 35
	defaultMemoryMB   = 2048
)

// WorkerSpec describes one worker process to launch.
type WorkerSpec struct {
	Command     []string          // Worker argv on the host.
	Env         map[string]string // Extra environment on top of the minimal set.
	Limits      ResourceLimits
	ScratchRoot string            // Parent of the worker's temp directory. Default: os.TempDir()
}

// Launcher builds worker commands. The returned command is not started;
// its Cancel func hard-kills the worker and release runs once it has exited.
type Launcher interface {
	Name() string
	Command(ctx context.Context, spec WorkerSpec) (cmd *exec.Cmd, release func(), err error)
}

// ProcessLauncher runs workers as plain OS processes.
//
//   - Each worker gets its own temp directory (removed after)
//   - Worker runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from the host, only a minimal set
//   - Address space and CPU time capped via ulimit
type ProcessLauncher struct {
	logger *slog.Logger
}

// NewProcessLauncher creates a process launcher.
func NewProcessLauncher(logger *slog.Logger) *ProcessLauncher {
	return &ProcessLauncher{logger: logger}
}

// Name returns "process".
func (l *ProcessLauncher) Name() string { return "process" }

// Command wraps spec.Command in a resource-limited shell exec.
func (l *ProcessLauncher) Command(ctx context.Context, spec WorkerSpec) (*exec.Cmd, func(), error) {
	if len(spec.Command) == 0 {
		return nil, nil, fmt.Errorf("empty worker command")
	}

	tmpDir, err := os.MkdirTemp(spec.ScratchRoot, "codegate-worker-*")
	if err != nil {
		return nil, nil, fmt.Errorf("creating worker temp dir: %w", err)
	}
	release := func() {
		if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
			l.logger.Warn("failed to remove worker temp dir",
				slog.String("dir", tmpDir),
				slog.String("error", rmErr.Error()),
			)
		}
	}

	limits := resolveLimits(spec.Limits)

	// sh -c 'ulimit -v KB; ulimit -t SEC; exec "$@"' _ cmd args...
	// The worker argv is passed positionally, never interpolated.
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		limits.MaxMemoryMB*1024, limits.MaxCPUSeconds,
	)
	args := make([]string, 0, 3+len(spec.Command))
	args = append(args, "-c", shellScript, "_")
	args = append(args, spec.Command...)

	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = tmpDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID targets the whole process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = buildEnv(tmpDir, spec.Env)
	return cmd, release, nil
}

func resolveLimits(l ResourceLimits) ResourceLimits {
	if l.MaxCPUSeconds <= 0 {
		l.MaxCPUSeconds = defaultCPUSeconds
	}
	if l.MaxMemoryMB <= 0 {
		l.MaxMemoryMB = defaultMemoryMB
	}
	return l
}

// buildEnv constructs a minimal environment. The host environment is never
// inherited, so credentials in it cannot reach a worker.
func buildEnv(tmpDir string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + tmpDir,
		"TMPDIR=" + tmpDir,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter stops writing after a byte limit. Excess is discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
