package tracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/goverlay/internal/domain"

	"go.uber.org/zap"
)

const (
	defaultLoadTimeout = 60 * time.Second
	defaultCloseGrace  = 2 * time.Second
)

var DefaultCommand = []string{"python3", "models/track_worker.py"}

type Options struct {
	// Command is the worker argv; "--model <path>" is appended.
	Command     []string
	LoadTimeout time.Duration
	CloseGrace  time.Duration
	// Quiet drops worker log lines below warning.
	Quiet  bool
	Logger *zap.Logger
}

func (o *Options) setDefaults() {
	if len(o.Command) == 0 {
		o.Command = DefaultCommand
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = defaultLoadTimeout
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = defaultCloseGrace
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Loader starts a dedicated tracker worker for every session it hands out.
type Loader struct {
	opts   Options
	logger *zap.Logger
}

func NewLoader(opts Options) *Loader {
	opts.setDefaults()
	return &Loader{
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "tracker")),
	}
}

func (l *Loader) Load(ctx context.Context, modelPath string) (domain.Session, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrModelLoadFailed, err)
	}

	w, err := l.spawn(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrModelLoadFailed, err)
	}

	labels, err := l.handshake(ctx, w, modelPath)
	if err != nil {
		w.terminate(0)
		return nil, fmt.Errorf("%w: %w", domain.ErrModelLoadFailed, err)
	}

	l.logger.Debug("tracker worker ready",
		zap.String("model", modelPath),
		zap.Int("pid", w.cmd.Process.Pid),
		zap.Int("labels", len(labels)),
	)

	return newSession(w.stdin, w.stdout, labels, func() error {
		return w.terminate(l.opts.CloseGrace)
	}), nil
}

func (l *Loader) spawn(modelPath string) (*worker, error) {
	argv := append(append([]string{}, l.opts.Command[1:]...), "--model", modelPath)
	cmd := exec.Command(l.opts.Command[0], argv...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// cmd.Wait closes pipes it creates, which would drop a reply the worker
	// wrote just before exiting. The read end of this one stays ours.
	stdout, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = pw
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	err = cmd.Start()
	_ = pw.Close()
	if err != nil {
		_ = stdout.Close()
		return nil, fmt.Errorf("start %s: %w", l.opts.Command[0], err)
	}

	w := &worker{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		pipe:   stdout,
		exited: make(chan struct{}),
	}

	var logs sync.WaitGroup
	logs.Add(1)
	go func() {
		defer logs.Done()
		l.forwardStderr(stderr)
	}()

	go func() {
		logs.Wait()
		w.exitErr = cmd.Wait()
		close(w.exited)
	}()

	return w, nil
}

// handshake waits for the worker to load its weights and report its label
// table. The worker's exit or the load timeout abort the wait.
func (l *Loader) handshake(ctx context.Context, w *worker, modelPath string) ([]string, error) {
	type result struct {
		labels []string
		err    error
	}
	done := make(chan result, 1)

	go func() {
		// A worker that fails before reading hello may still have written
		// its error reply, so the read happens even when the write fails.
		werr := writeMessage(w.stdin, helloRequest{Type: msgHello, Model: modelPath})
		var resp readyResponse
		if err := readMessage(w.stdout, &resp); err != nil {
			done <- result{err: errors.Join(werr, err)}
			return
		}
		switch resp.Type {
		case msgReady:
			done <- result{labels: resp.Labels}
		case msgError:
			done <- result{err: fmt.Errorf("worker: %s", resp.Error)}
		default:
			done <- result{err: fmt.Errorf("unexpected %q message during handshake", resp.Type)}
		}
	}()

	timer := time.NewTimer(l.opts.LoadTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.labels, r.err
	case <-w.exited:
	case <-timer.C:
		return nil, fmt.Errorf("worker did not become ready within %s", l.opts.LoadTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// The worker is gone but its last reply may still be buffered in the pipe.
	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("worker exited during load: %w", errors.Join(r.err, w.exitErr))
		}
		return nil, exitedError("worker exited after ready", w.exitErr)
	case <-timer.C:
		return nil, exitedError("worker exited during load", w.exitErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func exitedError(msg string, exitErr error) error {
	if exitErr != nil {
		return fmt.Errorf("%s: %w", msg, exitErr)
	}
	return errors.New(msg)
}

func (l *Loader) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case containsAny(line, "[ERROR]", "[CRITICAL]", "Traceback"):
			l.logger.Error("tracker worker", zap.String("log", line))
		case containsAny(line, "[WARNING]", "[WARN]"):
			l.logger.Warn("tracker worker", zap.String("log", line))
		case l.opts.Quiet:
		default:
			l.logger.Debug("tracker worker", zap.String("log", line))
		}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	pipe   *os.File

	exited  chan struct{}
	exitErr error
}

// terminate closes stdin so the worker can exit on its own, then kills it
// once grace has elapsed.
func (w *worker) terminate(grace time.Duration) error {
	_ = w.stdin.Close()
	defer w.pipe.Close()

	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-w.exited:
			if w.exitErr != nil {
				return fmt.Errorf("tracker worker exit: %w", w.exitErr)
			}
			return nil
		case <-timer.C:
		}
	}

	_ = w.cmd.Process.Kill()
	<-w.exited
	return nil
}
