package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"time"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "jkaninda/codegate:latest"
)

// DockerConfig configures the container launcher.
type DockerConfig struct {
	Image         string   // Image that ships the codegate binary.
	WorkerCommand []string // Worker argv inside the container. Default: codegate worker
	CPUCores      float64  // --cpus rate limit.
	PIDsLimit     int      // --pids-limit.
}

// DockerLauncher runs each worker inside an ephemeral container.
//
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem with a small tmpfs
//   - Privilege escalation blocked, non-root user
//   - No network stack (--network=none)
//   - Memory hard limit with no swap, PIDs limit, CPU rate limit
//   - Container force-removed after the worker exits
type DockerLauncher struct {
	config DockerConfig
	logger *slog.Logger
}

// NewDockerLauncher creates a container launcher.
func NewDockerLauncher(cfg DockerConfig, logger *slog.Logger) *DockerLauncher {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if len(cfg.WorkerCommand) == 0 {
		cfg.WorkerCommand = []string{"codegate", "worker"}
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerLauncher{config: cfg, logger: logger}
}

// Name returns "docker".
func (l *DockerLauncher) Name() string { return "docker" }

// Command builds a docker run invocation for one worker. spec.Command is
// ignored in favour of the image's worker command.
func (l *DockerLauncher) Command(ctx context.Context, spec WorkerSpec) (*exec.Cmd, func(), error) {
	name, err := generateContainerName()
	if err != nil {
		return nil, nil, fmt.Errorf("generating container name: %w", err)
	}

	args := l.buildDockerArgs(name, resolveLimits(spec.Limits), spec.Env)
	args = append(args, l.config.WorkerCommand...)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Killing the client leaves the container behind; release removes it.
		return cmd.Process.Kill()
	}

	l.logger.Debug("docker worker prepared",
		slog.String("container", name),
		slog.String("image", l.config.Image),
	)
	return cmd, func() { l.forceRemoveContainer(name) }, nil
}

// buildDockerArgs returns the docker run flags up to and including the image.
func (l *DockerLauncher) buildDockerArgs(name string, limits ResourceLimits, env map[string]string) []string {
	memoryFlag := strconv.Itoa(limits.MaxMemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(l.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(l.config.PIDsLimit)

	args := []string{
		"run", "-i", "--rm",
		"--name", name,

		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=65534:65534",
		"--network=none",

		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag,
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,
		"--ulimit", "cpu=" + strconv.Itoa(limits.MaxCPUSeconds),

		"--tmpfs", "/tmp:rw,noexec,nosuid,size=16m",
		"--workdir", "/tmp",

		"--env", "HOME=/tmp",
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}
	for k, v := range env {
		args = append(args, "--env", k+"="+v)
	}
	return append(args, l.config.Image)
}

// forceRemoveContainer removes a container by name in case --rm did not fire
// (OOM kill, daemon restart, client killed on timeout).
func (l *DockerLauncher) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		l.logger.Warn("docker rm -f failed",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", string(out)),
		)
	}
}

// generateContainerName returns codegate-wkr-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "codegate-wkr-" + hex.EncodeToString(b), nil
}
