package executor

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/mensylisir/fleetctl/pkg/deploy/engine"
)

// pollInterval is how often a worker checks its subprocess for exit and
// the escalation flags for signals to forward.
const pollInterval = 100 * time.Millisecond

type subprocessResult struct {
	stdout []byte
	stderr []byte
}

// runSubprocess spawns a command in its own process group, polls it for
// completion, and forwards the soft-interrupt and terminate signals to the
// whole group when the escalation flags are raised. A non-zero exit code
// or a forwarded signal makes the step fail.
func runSubprocess(ctx context.Context, command engine.Command, env []string, signals *interruptState) (subprocessResult, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.Command(command.Args[0], command.Args[1:]...)
	cmd.Dir = command.Cwd
	cmd.Env = env
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// A separate process group lets signals reach the tool and all its
	// children without hitting the deployer itself.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return subprocessResult{}, errors.Wrapf(err, "starting %s", command.Args[0])
	}
	pgid := cmd.Process.Pid

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	sentInterrupt := false
	sentTerminate := false
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case waitErr := <-waitCh:
			result := subprocessResult{stdout: stdout.Bytes(), stderr: stderr.Bytes()}
			if waitErr != nil {
				return result, errors.Wrapf(waitErr, "subprocess '%s'", command.Name)
			}
			if sentInterrupt || sentTerminate {
				return result, errors.Errorf("subprocess '%s' interrupted", command.Name)
			}
			return result, nil
		case <-ticker.C:
			if signals.interruptRequested() && !sentInterrupt {
				_ = syscall.Kill(-pgid, syscall.SIGINT)
				sentInterrupt = true
			}
			if signals.terminateRequested() && !sentTerminate {
				_ = syscall.Kill(-pgid, syscall.SIGTERM)
				sentTerminate = true
			}
		case <-ctx.Done():
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
			<-waitCh
			result := subprocessResult{stdout: stdout.Bytes(), stderr: stderr.Bytes()}
			return result, errors.Errorf("subprocess '%s' aborted", command.Name)
		}
	}
}
