package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/aristath/swarm/internal/procs"
)

// Shell is a running interactive shell attached to a terminal.
type Shell interface {
	io.Reader
	io.Writer
	Resize(cols, rows int) error
	// Kill terminates the shell and everything it started.
	Kill() error
	// Wait blocks until the shell exits and returns its exit code.
	Wait() (int, error)
	Pid() int
}

// SpawnOptions describes the shell to start for a worker.
type SpawnOptions struct {
	Shell string
	Dir   string
	Cols  int
	Rows  int
}

// Spawner starts worker shells.
type Spawner interface {
	Spawn(opts SpawnOptions) (Shell, error)
}

// process is the sealed variant held by every worker: either a live shell or
// a stub for a slot whose shell could not be started.
type process interface {
	isProcess()
}

type liveProcess struct {
	shell Shell
}

type stubProcess struct {
	reason string
}

func (*liveProcess) isProcess() {}
func (stubProcess) isProcess()  {}

// PTYSpawner starts shells in pseudo-terminals. Every shell it starts is
// tracked by Procs until it exits.
type PTYSpawner struct {
	Procs *procs.Manager
}

// NewPTYSpawner returns a spawner with its own process manager.
func NewPTYSpawner() *PTYSpawner {
	return &PTYSpawner{Procs: procs.NewManager()}
}

// Spawn starts opts.Shell in opts.Dir with TERM=xterm-256color.
func (s *PTYSpawner) Spawn(opts SpawnOptions) (Shell, error) {
	cmd := exec.Command(opts.Shell)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	// pty.Start runs the shell as a session leader, so its pid is also its
	// process group id.
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(opts.Cols), Rows: uint16(opts.Rows)})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", opts.Shell, err)
	}

	sh := &ptyShell{cmd: cmd, tty: f, procs: s.Procs}
	if s.Procs != nil {
		s.Procs.Track(cmd)
	}
	return sh, nil
}

type ptyShell struct {
	cmd   *exec.Cmd
	tty   *os.File
	procs *procs.Manager

	closeOnce sync.Once
}

func (s *ptyShell) Read(p []byte) (int, error)  { return s.tty.Read(p) }
func (s *ptyShell) Write(p []byte) (int, error) { return s.tty.Write(p) }
func (s *ptyShell) Pid() int                    { return s.cmd.Process.Pid }

func (s *ptyShell) Resize(cols, rows int) error {
	return pty.Setsize(s.tty, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (s *ptyShell) Kill() error {
	err := procs.KillGroup(s.cmd)
	s.closeTTY()
	return err
}

func (s *ptyShell) Wait() (int, error) {
	err := s.cmd.Wait()
	s.closeTTY()
	if s.procs != nil {
		s.procs.Untrack(s.cmd)
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return -1, err
	}
	return s.cmd.ProcessState.ExitCode(), nil
}

func (s *ptyShell) closeTTY() {
	s.closeOnce.Do(func() {
		s.tty.Close()
	})
}
