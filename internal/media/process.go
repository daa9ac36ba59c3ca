package media

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

type ProcessState int

const (
	ProcessStateIdle ProcessState = iota
	ProcessStateRunning
	ProcessStateDone
	ProcessStateError
)

const stderrTailSize = 4 << 10

// process supervises one ffmpeg invocation. Pipes are attached by the caller
// before Start; Wait may be called any number of times.
type process struct {
	binary string
	args   []string
	logger *zap.Logger

	mu     sync.RWMutex
	state  ProcessState
	err    error
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stderr *tailBuffer

	waitOnce sync.Once
	waitErr  error
}

func newProcess(binary string, args []string, logger *zap.Logger) *process {
	return &process{
		binary: binary,
		args:   args,
		logger: logger,
		state:  ProcessStateIdle,
		stderr: &tailBuffer{limit: stderrTailSize},
	}
}

func (p *process) Start(ctx context.Context, attach func(cmd *exec.Cmd) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != ProcessStateIdle {
		return fmt.Errorf("process already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.cmd = exec.CommandContext(ctx, p.binary, p.args...)
	p.cmd.Stderr = p.stderr

	if attach != nil {
		if err := attach(p.cmd); err != nil {
			cancel()
			p.state = ProcessStateError
			p.err = err
			return err
		}
	}

	if err := p.cmd.Start(); err != nil {
		cancel()
		p.state = ProcessStateError
		p.err = err
		return err
	}

	p.state = ProcessStateRunning
	p.logger.Debug("process started",
		zap.String("binary", p.binary),
		zap.Int("pid", p.cmd.Process.Pid),
	)
	return nil
}

// Wait blocks until the process exits. A non-zero exit is reported with the
// tail of stderr attached.
func (p *process) Wait() error {
	p.mu.RLock()
	cmd := p.cmd
	started := p.state != ProcessStateIdle && p.err == nil
	p.mu.RUnlock()

	if cmd == nil || !started {
		return p.Err()
	}

	p.waitOnce.Do(func() {
		err := cmd.Wait()

		p.mu.Lock()
		defer p.mu.Unlock()
		p.cancel()

		if err != nil {
			if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
				err = fmt.Errorf("%s: %w: %s", p.binary, err, tail)
			} else {
				err = fmt.Errorf("%s: %w", p.binary, err)
			}
			p.state = ProcessStateError
			p.err = err
		} else {
			p.state = ProcessStateDone
		}
		p.waitErr = err
	})

	return p.waitErr
}

func (p *process) Kill() {
	p.mu.RLock()
	cancel := p.cancel
	p.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
}

func (p *process) State() ProcessState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *process) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.err
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
