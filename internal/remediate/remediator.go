// Package remediate executes automatic remediation actions triggered by
// alert rules. Actions run fire-and-forget; outcomes are reported back to
// the caller for recording on the alert.
package remediate

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// Remediator executes a named remediation action with parameters.
type Remediator interface {
	Execute(ctx context.Context, action string, params map[string]string) error
}

// Registry routes actions to registered remediators by action name.
type Registry struct {
	logger  *zap.Logger
	actions map[string]Remediator
}

// NewRegistry creates an empty remediation registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("remediate"),
		actions: make(map[string]Remediator),
	}
}

// Register binds an action name to a remediator.
func (r *Registry) Register(action string, rem Remediator) {
	r.actions[action] = rem
}

// Execute runs the named action.
func (r *Registry) Execute(ctx context.Context, action string, params map[string]string) error {
	rem, ok := r.actions[action]
	if !ok {
		return fmt.Errorf("unknown remediation action: %s", action)
	}

	start := time.Now()
	err := rem.Execute(ctx, action, params)
	if err != nil {
		r.logger.Error("Remediation failed",
			zap.String("action", action),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return err
	}

	r.logger.Info("Remediation completed",
		zap.String("action", action),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// DockerRemediator restarts task containers through the Docker API.
type DockerRemediator struct {
	logger *zap.Logger
	docker *client.Client
}

// NewDockerRemediator creates a remediator backed by the local Docker
// daemon, with API version negotiation.
func NewDockerRemediator(logger *zap.Logger) (*DockerRemediator, error) {
	docker, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerRemediator{logger: logger.Named("remediate.docker"), docker: docker}, nil
}

// Execute restarts the container named in params["container"].
func (d *DockerRemediator) Execute(ctx context.Context, action string, params map[string]string) error {
	name := params["container"]
	if name == "" {
		return fmt.Errorf("restart_container requires a container parameter")
	}

	timeout := 10
	if err := d.docker.ContainerRestart(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("failed to restart container %s: %w", name, err)
	}

	d.logger.Info("Container restarted", zap.String("container", name))
	return nil
}

// ShellRemediator runs a configured command. Only commands from the allow
// list may execute.
type ShellRemediator struct {
	logger  *zap.Logger
	allowed map[string]bool
	timeout time.Duration
}

// NewShellRemediator creates a shell remediator restricted to the given
// commands.
func NewShellRemediator(logger *zap.Logger, allowedCommands []string, timeout time.Duration) *ShellRemediator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	allowed := make(map[string]bool, len(allowedCommands))
	for _, c := range allowedCommands {
		allowed[c] = true
	}
	return &ShellRemediator{
		logger:  logger.Named("remediate.shell"),
		allowed: allowed,
		timeout: timeout,
	}
}

// Execute runs params["command"] with optional params["args"]
// (space-separated).
func (s *ShellRemediator) Execute(ctx context.Context, action string, params map[string]string) error {
	command := params["command"]
	if command == "" {
		return fmt.Errorf("run_command requires a command parameter")
	}
	if !s.allowed[command] {
		return fmt.Errorf("command not in allow list: %s", command)
	}

	var args []string
	if raw := params["args"]; raw != "" {
		args = strings.Fields(raw)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, command, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %s failed: %w (output: %s)", command, err, strings.TrimSpace(string(output)))
	}

	s.logger.Info("Command executed",
		zap.String("command", command),
		zap.Strings("args", args))
	return nil
}
