/*
Package lifecycle implements the worker process lifecycle: create a
connected Unix-domain socket pair, fork/exec the worker command with its
end wired to stdin, hand the host's end back as a link.Channel, and reap
the child on Stop. Go's os/exec already does the fork+exec step; this
package's job is the socketpair handover.
*/
package lifecycle

import (
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"

	"github.com/swapnili/qemu-oracle/link"
)

// Worker is one running remote device process: its channel and its pid.
type Worker struct {
	Channel *link.Channel
	PID     int
	cmd     *exec.Cmd
}

// Start forks command (with args) as the worker process, connects a
// socketpair across the fork boundary with the worker's end becoming the
// child's stdin, and returns a Channel wrapping the host's end. Any
// failure here fails the device's realize and is returned directly,
// never panicked.
func Start(command string, args ...string) (*Worker, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: socketpair: %w", err)
	}
	hostFD, workerFD := fds[0], fds[1]

	workerFile := os.NewFile(uintptr(workerFD), "mpworker-stdin")
	defer workerFile.Close()

	cmd := exec.Command(command, args...)
	cmd.Stdin = workerFile
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		unix.Close(hostFD)
		return nil, fmt.Errorf("lifecycle: exec %q: %w", command, err)
	}

	ch, err := link.NewChannel(hostFD)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		return nil, fmt.Errorf("lifecycle: wrap host channel: %w", err)
	}

	return &Worker{Channel: ch, PID: cmd.Process.Pid, cmd: cmd}, nil
}

// Stop closes the channel, which raises HUP on the worker's end of the
// socket, then waits for the process to exit and reaps it.
func (w *Worker) Stop() error {
	closeErr := w.Channel.Close()
	waitErr := w.cmd.Wait()
	if closeErr != nil {
		return closeErr
	}
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); ok {
			return nil
		}
		return fmt.Errorf("lifecycle: reap worker %d: %w", w.PID, waitErr)
	}
	return nil
}

// Kill forcibly terminates the worker process without waiting for an
// orderly shutdown, for error paths where Stop's HUP-then-wait sequence
// isn't appropriate (e.g. the device is being torn down after a
// transport error already killed the channel).
func (w *Worker) Kill() error {
	w.Channel.Close()
	if err := w.cmd.Process.Kill(); err != nil {
		return err
	}
	w.cmd.Wait()
	return nil
}
