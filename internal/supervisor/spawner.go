// Package supervisor runs the processes and long-lived services of vaultkeep:
// the detached restore worker and the serve-mode service tree.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/isdelr/vaultkeep/internal/procwatch"
	"github.com/rs/zerolog"
)

// WorkerCommand is the CLI subcommand that runs a restore.
const WorkerCommand = "restore-worker"

// SpawnRequest carries the two inputs of a restore worker plus the journal
// ownership token and optional config location.
type SpawnRequest struct {
	BackupPath  string
	JournalPath string
	Token       string
	ConfigPath  string
}

// Spawner starts a restore worker that outlives the caller.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (procwatch.Identity, error)
}

// ExecSpawner re-executes the current binary as a detached restore worker.
type ExecSpawner struct {
	Executable string
	log        zerolog.Logger
}

// NewExecSpawner returns a spawner for the running executable.
func NewExecSpawner(logger zerolog.Logger) (*ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecSpawner{Executable: exe, log: logger}, nil
}

// Args returns the worker command line for req, without the executable.
func Args(req SpawnRequest) []string {
	args := []string{WorkerCommand, req.BackupPath, req.JournalPath}
	if req.Token != "" {
		args = append(args, "--token", req.Token)
	}
	if req.ConfigPath != "" {
		args = append(args, "--config", req.ConfigPath)
	}
	return args
}

// Spawn starts the worker in its own session with no standard streams, so it
// survives the API process and its terminal. The child is reaped in the
// background while this process lives.
func (s *ExecSpawner) Spawn(ctx context.Context, req SpawnRequest) (procwatch.Identity, error) {
	cmd := exec.Command(s.Executable, Args(req)...)
	cmd.Env = os.Environ()
	cmd.SysProcAttr = detachedAttr()

	if err := cmd.Start(); err != nil {
		return procwatch.Identity{}, fmt.Errorf("start restore worker: %w", err)
	}
	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		s.log.Info().Int("pid", pid).AnErr("exit", err).Msg("Restore worker exited")
	}()

	id, err := procwatch.Identify(ctx, pid)
	if err != nil {
		// The worker may already have exited; the pid alone is still recorded.
		s.log.Warn().Err(err).Int("pid", pid).Msg("Could not read restore worker start time")
		return procwatch.Identity{PID: pid}, nil
	}
	s.log.Info().Int("pid", pid).Str("backup", req.BackupPath).Msg("Spawned restore worker")
	return id, nil
}
