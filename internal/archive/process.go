package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DirPlaceholder is replaced by the resolved directory in every argument
const DirPlaceholder = "{dir}"

// exitNothingToDo is zip's exit status when the input matched no files
const exitNothingToDo = 12

// ErrSpawn is returned when the archiving program could not be started
var ErrSpawn = errors.New("failed to start archiver")

// Config describes how the archiving program is invoked
type Config struct {
	Program     string
	Args        []string
	StderrLimit int           // bytes of stderr kept for diagnostics
	WaitDelay   time.Duration // grace period for I/O after the process exits
}

// DefaultConfig runs zip recursively with junked paths, writing to stdout
func DefaultConfig() Config {
	return Config{
		Program:     "zip",
		Args:        []string{"-q", "-r", "-j", "-", DirPlaceholder},
		StderrLimit: 16 * 1024,
		WaitDelay:   2 * time.Second,
	}
}

// Manager spawns one archiving process per request
type Manager struct {
	config Config
	logger *slog.Logger
}

// NewManager creates a manager. Zero fields in cfg take their defaults.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.Program == "" {
		cfg.Program = def.Program
		if cfg.Args == nil {
			cfg.Args = def.Args
		}
	}
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = def.StderrLimit
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = def.WaitDelay
	}
	return &Manager{config: cfg, logger: logger}
}

// Spawn starts the archiver against dir. The returned process must be
// terminated or waited on by the caller. The context is only used to tag log
// output; cancellation is the caller's job via Terminate.
func (m *Manager) Spawn(ctx context.Context, dir string) (*Process, error) {
	args := make([]string, len(m.config.Args))
	for i, arg := range m.config.Args {
		args[i] = strings.ReplaceAll(arg, DirPlaceholder, dir)
	}

	cmd := exec.Command(m.config.Program, args...)
	cmd.Stdin = nil
	cmd.WaitDelay = m.config.WaitDelay
	setProcessGroup(cmd)

	stderr := newTailBuffer(m.config.StderrLimit)
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, m.config.Program, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, m.config.Program, err)
	}

	m.logger.DebugContext(ctx, "Archiver started",
		slog.String("program", m.config.Program),
		slog.String("dir", dir),
		slog.Int("pid", cmd.Process.Pid),
	)

	return &Process{
		cmd:    cmd,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}, nil
}

// Process is a running archiver. Its output is read through Read.
type Process struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr *tailBuffer

	terminateOnce sync.Once
	waitOnce      sync.Once
	waitErr       error
	done          chan struct{}
}

// Read reads archive bytes from the process's standard output
func (p *Process) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

// Pid returns the operating system process id
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait reaps the process and reports how it exited. Call it only after Read
// has returned io.EOF, or after Terminate. It may be called more than once.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			err = &ExitError{
				Program: p.cmd.Path,
				Code:    exitErr.ExitCode(),
				Stderr:  p.stderr.String(),
				err:     exitErr,
			}
		}
		p.waitErr = err
		close(p.done)
	})
	return p.waitErr
}

// Terminate kills the process if it is still running and reaps it. It is safe
// to call repeatedly, concurrently, and after the process has already exited.
func (p *Process) Terminate() error {
	var err error
	p.terminateOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}
		if kerr := killProcess(p.cmd); kerr != nil && !errors.Is(kerr, errProcessDone) {
			err = fmt.Errorf("failed to kill archiver %d: %w", p.cmd.Process.Pid, kerr)
		}
		p.Wait()
	})
	return err
}

// Stderr returns the captured tail of the process's standard error
func (p *Process) Stderr() string {
	return p.stderr.String()
}

// ExitError reports a non-zero exit of the archiving program
type ExitError struct {
	Program string
	Code    int
	Stderr  string
	err     error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("archiver %s exited with status %d", e.Program, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.err
}

// IsNothingToDo reports whether err is zip's "nothing to do" exit, which it
// uses for directories that contain no files.
func IsNothingToDo(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.Code == exitNothingToDo
}

// tailBuffer keeps the last limit bytes written to it. Writes never fail, so
// the copying goroutine in os/exec always drains the pipe.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if len(p) >= b.limit {
		b.buf = append(b.buf[:0], p[len(p)-b.limit:]...)
		return n, nil
	}
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
