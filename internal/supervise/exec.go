package supervise

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"github.com/vberezny/agentgate/internal/procutil"
)

// spawnResult carries everything one agent invocation produced.
type spawnResult struct {
	stdout   []byte
	stderr   []byte
	exitCode int
	timedOut bool
	canceled bool
	duration time.Duration
}

// spawn runs the agent binary once with the given argv, cwd and env,
// enforcing the wall-clock timeout. The child gets its own process group so
// TERM/KILL escalation reaches grandchildren. The binary is invoked by
// name via the argument vector only; no shell is involved.
func (s *Supervisor) spawn(ctx context.Context, workspace string, argv, env []string, timeout time.Duration) (*spawnResult, error) {
	cmd := exec.Command(s.AgentBin, argv...)
	cmd.Dir = workspace
	cmd.Env = env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	pid := cmd.Process.Pid

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	res := &spawnResult{exitCode: -1}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-waitCh:
	case <-timer.C:
		res.timedOut = true
		s.killGroup(cmd, waitCh, pid)
	case <-ctx.Done():
		res.canceled = true
		s.killGroup(cmd, waitCh, pid)
	}

	res.duration = time.Since(start)
	if cmd.ProcessState != nil {
		res.exitCode = cmd.ProcessState.ExitCode()
	}
	res.stdout = stdout.Bytes()
	res.stderr = stderr.Bytes()
	return res, nil
}

// killGroup escalates SIGTERM then SIGKILL against the child's process
// group, waiting out the configured grace in between. It returns once the
// child has been reaped or the post-KILL wait expires.
func (s *Supervisor) killGroup(cmd *exec.Cmd, waitCh chan error, pid int) {
	_ = signalGroup(cmd, syscall.SIGTERM)
	if s.KillGrace > 0 {
		select {
		case <-waitCh:
			return
		case <-time.After(s.KillGrace):
		}
	}
	_ = signalGroup(cmd, syscall.SIGKILL)
	select {
	case <-waitCh:
	case <-time.After(2 * time.Second):
		if procutil.Alive(pid) || procutil.GroupAlive(pid) {
			s.Log.Warn().Int("pid", pid).Msg("process group survived SIGKILL; possible leaked children")
		}
	}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return err
	}
	if err := syscall.Kill(-pgid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
