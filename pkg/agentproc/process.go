package agentproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/drewfead/triage/internal/executil"
)

const stderrTailLines = 20

// Process is one running runtime child.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	logger *slog.Logger

	events chan *Event
	done   chan struct{}
	quit   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	running    bool
	waitErr    error
	stderrTail []string
}

// Spawn starts the runtime and writes msg to its stdin as one JSON line.
func Spawn(ctx context.Context, opts *SpawnOptions, msg any, logger *slog.Logger) (*Process, error) {
	cmd, err := executil.CommandContext(ctx, opts.Command, opts.Args, opts.Env)
	if err != nil {
		return nil, err
	}
	cmd.Dir = opts.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start %s: %w", opts.Command, err)
	}

	p := &Process{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  stdout,
		stderr:  stderr,
		logger:  logger,
		events:  make(chan *Event, 64),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
		running: true,
	}

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() { defer pipes.Done(); p.readLoop() }()
	go func() { defer pipes.Done(); p.stderrLoop() }()
	go p.waitLoop(&pipes)

	if err := p.send(msg); err != nil {
		p.Close()
		return nil, fmt.Errorf("send request: %w", err)
	}
	return p, nil
}

// Events yields parsed stdout lines; closed when stdout reaches EOF.
func (p *Process) Events() <-chan *Event { return p.events }

// Done is closed once the process has exited and its pipes are drained.
func (p *Process) Done() <-chan struct{} { return p.done }

// PID returns the child's process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// WaitErr returns the exit error. Valid after Done is closed.
func (p *Process) WaitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// StderrTail returns the last lines the runtime wrote to stderr.
func (p *Process) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.stderrTail, "\n")
}

// Kill terminates the process if it is still running.
func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Close stops delivering events and kills the process. Safe to call more
// than once.
func (p *Process) Close() error {
	var err error
	p.once.Do(func() {
		close(p.quit)
		err = p.Kill()
	})
	return err
}

func (p *Process) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return err
	}
	// One request per process; closing stdin signals end of input.
	return p.stdin.Close()
}

func (p *Process) readLoop() {
	defer close(p.events)

	scanner := bufio.NewScanner(p.stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		ev, err := ParseEvent(line)
		if err != nil {
			p.logger.Debug("skipping unparseable runtime line", "error", err, "raw", truncate(string(line), 200))
			continue
		}
		select {
		case p.events <- ev:
		case <-p.quit:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("runtime stdout read failed", "error", err)
	}
}

func (p *Process) stderrLoop() {
	scanner := bufio.NewScanner(p.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		p.mu.Lock()
		p.stderrTail = append(p.stderrTail, line)
		if len(p.stderrTail) > stderrTailLines {
			p.stderrTail = p.stderrTail[len(p.stderrTail)-stderrTailLines:]
		}
		p.mu.Unlock()
	}
}

func (p *Process) waitLoop(pipes *sync.WaitGroup) {
	// Wait closes the pipes, so readers must finish first.
	pipes.Wait()
	err := p.cmd.Wait()

	p.mu.Lock()
	p.running = false
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
