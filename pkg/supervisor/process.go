package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const orphanKillGrace = 2 * time.Second

// workerProcess is the supervised child: its stdio pipes plus lifecycle
// control. Abstracted so tests can stand in a pipe-backed fake.
type workerProcess interface {
	Stdin() io.Writer
	Stdout() io.Reader
	PID() int
	// Terminate asks the process to exit gracefully.
	Terminate() error
	// Kill force-stops the process.
	Kill() error
	// Wait blocks until the process has exited.
	Wait() error
}

// execProcess runs the worker as a real child process.
type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// spawnWorker starts the worker command with stdio pipes. An empty
// command re-executes the current binary with the "worker" argument.
func spawnWorker(ctx context.Context, command []string) (workerProcess, error) {
	if len(command) == 0 {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating own binary: %w", err)
		}
		command = []string{self, "worker"}
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting worker %q: %w", command[0], err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *execProcess) Stdin() io.Writer  { return p.stdin }
func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) PID() int          { return p.cmd.Process.Pid }

func (p *execProcess) Terminate() error {
	p.stdin.Close()
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

// workerMarker returns the substring that identifies a worker process
// command line for the orphan scan.
func workerMarker(command []string) string {
	if len(command) == 0 {
		self, err := os.Executable()
		if err != nil {
			return ""
		}
		return self + " worker"
	}
	return strings.Join(command, " ")
}

// killOrphans finds worker processes left behind by a previous host run
// and stops them so two workers never hold the plugin state at once.
func killOrphans(marker string, log *slog.Logger) {
	if marker == "" {
		return
	}

	procs, err := process.Processes()
	if err != nil {
		log.Warn("Orphan scan failed", "error", err)
		return
	}

	self := int32(os.Getpid())
	for _, proc := range procs {
		if proc.Pid == self {
			continue
		}
		cmdline, err := proc.Cmdline()
		if err != nil || cmdline == "" {
			continue
		}
		if !strings.Contains(cmdline, marker) {
			continue
		}

		log.Warn("Found orphaned worker process, terminating", "pid", proc.Pid)
		if err := proc.Terminate(); err != nil {
			_ = proc.Kill()
			continue
		}
		if !waitGone(proc, orphanKillGrace) {
			log.Warn("Orphaned worker ignored termination, killing", "pid", proc.Pid)
			_ = proc.Kill()
		}
	}
}

func waitGone(proc *process.Process, grace time.Duration) bool {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		running, err := proc.IsRunning()
		if err != nil || !running {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}
