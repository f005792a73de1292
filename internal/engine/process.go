package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const closeGrace = 2 * time.Second

// ErrWorkerExited is returned once the worker process has died. The loaded
// model died with it, so the engine stays unusable.
var ErrWorkerExited = errors.New("engine worker exited")

// ProcessConfig describes the worker command line
type ProcessConfig struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // appended to the current environment
}

// workerRequest is one line sent to the worker
type workerRequest struct {
	ID         uint64 `json:"id"`
	Op         string `json:"op"`
	Checkpoint string `json:"checkpoint,omitempty"`
	Device     string `json:"device,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Features   string `json:"features,omitempty"`
	Length     int    `json:"length,omitempty"`
	OutDir     string `json:"out_dir,omitempty"`
}

// workerResponse is one line read back from the worker
type workerResponse struct {
	ID     uint64 `json:"id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Device string `json:"device,omitempty"`
	Model  string `json:"model,omitempty"`
	Text   string `json:"text,omitempty"`
	Audio  string `json:"audio,omitempty"`
}

// ProcessEngine drives a long-lived worker subprocess over stdin/stdout using
// newline-delimited JSON. Calls are serialized.
type ProcessEngine struct {
	config ProcessConfig
	logger *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	responses chan workerResponse
	exited    chan struct{}
	exitErr   error
	lost      error
	nextID    uint64
	closed    bool
}

// NewProcessEngine creates the backend. The worker starts on the first call.
func NewProcessEngine(config ProcessConfig, logger *slog.Logger) (*ProcessEngine, error) {
	if config.Command == "" {
		return nil, fmt.Errorf("worker command cannot be empty")
	}
	return &ProcessEngine{
		config: config,
		logger: logger.With("component", "engine_worker"),
	}, nil
}

// Load starts the worker if needed and asks it to load the model
func (p *ProcessEngine) Load(ctx context.Context, req LoadRequest) (*LoadInfo, error) {
	resp, err := p.call(ctx, workerRequest{
		Op:         "load",
		Checkpoint: req.Checkpoint,
		Device:     req.Device,
	})
	if err != nil {
		return nil, err
	}
	device := resp.Device
	if device == "" {
		device = req.Device
	}
	return &LoadInfo{Device: device, Model: resp.Model}, nil
}

// Generate runs one generation pass in the worker
func (p *ProcessEngine) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	resp, err := p.call(ctx, workerRequest{
		Op:       "generate",
		Audio:    req.AudioPath,
		Features: req.FeaturesPath,
		Length:   req.Length,
		OutDir:   req.OutDir,
	})
	if err != nil {
		return nil, err
	}
	return &GenerateResult{Text: resp.Text, AudioPath: resp.Audio}, nil
}

// Close stops the worker. Closing stdin lets a well-behaved worker exit on its
// own; it is killed if still running.
func (p *ProcessEngine) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.cmd == nil {
		return nil
	}
	p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(closeGrace):
		p.cmd.Process.Kill()
		<-p.exited
	}
	p.cmd = nil
	return nil
}

// call sends one request and waits for its response
func (p *ProcessEngine) call(ctx context.Context, req workerRequest) (*workerResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("engine worker is closed")
	}
	if p.cmd != nil {
		select {
		case <-p.exited:
			p.loseLocked()
		default:
		}
	}
	if p.lost != nil {
		return nil, fmt.Errorf("%s: %w", req.Op, p.lost)
	}
	if err := p.startLocked(); err != nil {
		return nil, err
	}

	p.nextID++
	req.ID = p.nextID

	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.Op, err)
	}
	line = append(line, '\n')
	if _, err := p.stdin.Write(line); err != nil {
		// a broken pipe means the worker is gone
		p.killLocked()
		return nil, fmt.Errorf("failed to send %s request: %w", req.Op, p.lost)
	}

	for {
		select {
		case resp := <-p.responses:
			if resp.ID != 0 && resp.ID != req.ID {
				p.logger.Warn("Discarding stale worker response", "id", resp.ID, "expected", req.ID)
				continue
			}
			if !resp.OK {
				if resp.Error == "" {
					resp.Error = "unknown error"
				}
				return nil, fmt.Errorf("worker %s failed: %s", req.Op, resp.Error)
			}
			return &resp, nil
		case <-p.exited:
			p.loseLocked()
			return nil, fmt.Errorf("%s: %w", req.Op, p.lost)
		case <-ctx.Done():
			// The worker may still answer; the response would desync the stream.
			p.killLocked()
			return nil, fmt.Errorf("%s: %w", req.Op, ctx.Err())
		}
	}
}

func (p *ProcessEngine) startLocked() error {
	if p.cmd != nil {
		return nil
	}

	cmd := exec.Command(p.config.Command, p.config.Args...)
	cmd.Dir = p.config.Dir
	if len(p.config.Env) > 0 {
		cmd.Env = append(os.Environ(), p.config.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open worker stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start worker %q: %w", p.config.Command, err)
	}

	p.cmd = cmd
	p.stdin = stdin
	p.responses = make(chan workerResponse, 16)
	p.exited = make(chan struct{})

	readersDone := make(chan struct{}, 2)
	go p.readResponses(stdout, p.responses, readersDone)
	go p.logStderr(stderr, readersDone)

	exited := p.exited
	go func() {
		// Wait must not run before the pipes are drained
		<-readersDone
		<-readersDone
		p.exitErr = cmd.Wait()
		close(exited)
	}()

	p.logger.Info("Engine worker started", "command", p.config.Command, "pid", cmd.Process.Pid)
	return nil
}

func (p *ProcessEngine) killLocked() {
	if p.cmd == nil {
		return
	}
	p.cmd.Process.Kill()
	<-p.exited
	p.loseLocked()
}

// loseLocked records the death of the worker. No replacement is started.
func (p *ProcessEngine) loseLocked() {
	p.stdin.Close()
	p.cmd = nil
	p.lost = fmt.Errorf("%w: %v", ErrWorkerExited, p.exitErr)
	p.logger.Error("Engine worker exited", "error", p.exitErr)
}

func (p *ProcessEngine) readResponses(r io.Reader, out chan<- workerResponse, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			var resp workerResponse
			if jerr := json.Unmarshal(line, &resp); jerr != nil {
				p.logger.Warn("Ignoring non-protocol worker output", "line", string(line))
			} else {
				select {
				case out <- resp:
				default:
					p.logger.Warn("Dropping unsolicited worker response", "id", resp.ID)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (p *ProcessEngine) logStderr(r io.Reader, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("worker", "stderr", scanner.Text())
	}
}
