package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/skypro1111/omni-voice-service/internal/engine"
	"github.com/skypro1111/omni-voice-service/internal/features"
	"github.com/skypro1111/omni-voice-service/internal/metrics"
	"github.com/skypro1111/omni-voice-service/internal/slot"
)

// State is the engine lifecycle state
type State int32

const (
	Uninitialized State = iota
	Initializing
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	ErrEngineInit           = errors.New("engine initialization failed")
	ErrGenerationIncomplete = errors.New("generation produced no answer waveform")
)

// featuresFile is written next to the engine scratch directory for one run
const featuresFile = ".features.msgpack"

// InitError records why the engine could not be loaded. It is returned for
// every call after the failure.
type InitError struct {
	Device string
	Err    error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("engine initialization failed on %s: %v", e.Device, e.Err)
}

func (e *InitError) Unwrap() []error { return []error{ErrEngineInit, e.Err} }

// Config contains gateway settings
type Config struct {
	Checkpoint      string
	Device          string // auto, cpu, cuda:N
	LoadTimeout     time.Duration
	GenerateTimeout time.Duration
	Probe           engine.GPUProbe
	Metrics         *metrics.Metrics // optional
}

// Answer is the outcome of one successful generation
type Answer struct {
	Text       string
	Path       string // engine-chosen waveform location
	Length     int
	DurationMS float64
}

// Snapshot describes the gateway for health reporting
type Snapshot struct {
	State       string  `json:"state"`
	Initialized bool    `json:"initialized"`
	Device      string  `json:"device,omitempty"`
	Model       string  `json:"model,omitempty"`
	LoadSeconds float64 `json:"load_seconds,omitempty"`
	LastError   string  `json:"last_error,omitempty"`
	Generations uint64  `json:"generations"`
	LastInferMS int64   `json:"last_inference_ms,omitempty"`
}

// Gateway owns the inference engine: it loads the model once on first use and
// runs one generation at a time against the output slot.
type Gateway struct {
	config    Config
	engine    engine.Engine
	extractor *features.Extractor
	output    *slot.Slot
	logger    *slog.Logger

	group singleflight.Group
	runMu sync.Mutex

	mu          sync.RWMutex
	state       State
	device      string
	model       string
	initErr     *InitError
	loadTime    time.Duration
	generations uint64
	lastInfer   time.Duration
}

// New creates a gateway. The engine is not loaded until the first EnsureReady.
func New(config Config, eng engine.Engine, extractor *features.Extractor, output *slot.Slot, logger *slog.Logger) *Gateway {
	if config.Probe == nil {
		config.Probe = engine.NvidiaSMIProbe
	}
	if extractor == nil {
		extractor = features.New(features.DefaultConfig())
	}
	return &Gateway{
		config:    config,
		engine:    eng,
		extractor: extractor,
		output:    output,
		logger:    logger.With("component", "gateway"),
	}
}

// State returns the current lifecycle state
func (g *Gateway) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// EnsureReady loads the engine on first use. Concurrent callers share one
// load; a failed load is permanent.
func (g *Gateway) EnsureReady(ctx context.Context) error {
	if done, err := g.settled(); done {
		return err
	}

	// The load outlives a caller that gives up waiting.
	ch := g.group.DoChan("init", func() (any, error) {
		if done, err := g.settled(); done {
			return nil, err
		}
		return nil, g.initialize(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settled reports the stored outcome once the engine is Ready or Failed
func (g *Gateway) settled() (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	switch g.state {
	case Ready:
		return true, nil
	case Failed:
		return true, g.initErr
	}
	return false, nil
}

func (g *Gateway) initialize(ctx context.Context) error {
	g.setState(Initializing)

	if g.config.LoadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.config.LoadTimeout)
		defer cancel()
	}

	device := engine.SelectDevice(ctx, g.config.Device, g.config.Probe)
	g.logger.Info("Loading engine", "checkpoint", g.config.Checkpoint, "device", device)

	start := time.Now()
	info, err := g.engine.Load(ctx, engine.LoadRequest{
		Checkpoint: g.config.Checkpoint,
		Device:     device,
	})
	elapsed := time.Since(start)
	if g.config.Metrics != nil {
		g.config.Metrics.RecordEngineLoad(elapsed.Seconds(), err == nil)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err != nil {
		g.state = Failed
		g.device = device
		g.initErr = &InitError{Device: device, Err: err}
		g.logger.Error("Engine initialization failed", "device", device, "error", err)
		return g.initErr
	}

	g.state = Ready
	g.device = info.Device
	g.model = info.Model
	g.loadTime = elapsed
	g.logger.Info("Engine ready", "device", info.Device, "load_time", elapsed)
	return nil
}

func (g *Gateway) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

// Run produces an answer for the canonical waveform at wavPath. The output
// slot is cleared first and left empty on failure; on success it holds only
// the engine's scratch output until the caller relocates it.
func (g *Gateway) Run(ctx context.Context, wavPath string) (*Answer, error) {
	if err := g.EnsureReady(ctx); err != nil {
		return nil, err
	}

	g.runMu.Lock()
	defer g.runMu.Unlock()

	g.output.Clear()
	if err := g.output.Ensure(); err != nil {
		return nil, err
	}

	answer, err := g.generate(ctx, wavPath)
	if err != nil {
		g.output.Clear()
		return nil, err
	}
	return answer, nil
}

func (g *Gateway) generate(ctx context.Context, wavPath string) (*Answer, error) {
	feats, err := g.extractor.ExtractFile(wavPath)
	if err != nil {
		return nil, fmt.Errorf("feature extraction failed: %w", err)
	}

	featPath := filepath.Join(g.output.Dir(), featuresFile)
	if err := feats.WriteFile(featPath); err != nil {
		return nil, err
	}
	defer os.Remove(featPath)

	// The request may go away; the generation pass still finishes.
	genCtx := context.WithoutCancel(ctx)
	if g.config.GenerateTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(genCtx, g.config.GenerateTimeout)
		defer cancel()
	}

	if g.config.Metrics != nil {
		g.config.Metrics.RecordInferenceRequest()
	}

	start := time.Now()
	res, err := g.engine.Generate(genCtx, engine.GenerateRequest{
		AudioPath:    wavPath,
		FeaturesPath: featPath,
		Length:       feats.Length,
		OutDir:       g.output.Dir(),
	})
	elapsed := time.Since(start)
	if err != nil {
		g.recordFailure(elapsed)
		if errors.Is(err, engine.ErrWorkerExited) {
			g.markLost(err)
		}
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	path := res.AudioPath
	if path == "" {
		path = engine.OutputPath(g.output.Dir())
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		g.recordFailure(elapsed)
		return nil, fmt.Errorf("%w: %s", ErrGenerationIncomplete, path)
	}
	if g.config.Metrics != nil {
		g.config.Metrics.RecordInferenceSuccess(elapsed.Seconds(), info.Size())
	}

	g.mu.Lock()
	g.generations++
	g.lastInfer = elapsed
	g.mu.Unlock()

	g.logger.Debug("Generation complete", "length", feats.Length, "duration", elapsed, "path", path)

	return &Answer{
		Text:       res.Text,
		Path:       path,
		Length:     feats.Length,
		DurationMS: feats.DurationMS,
	}, nil
}

// markLost moves a Ready engine to Failed once its backend is gone; the
// model is never loaded a second time.
func (g *Gateway) markLost(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = Failed
	g.initErr = &InitError{Device: g.device, Err: err}
	if g.config.Metrics != nil {
		g.config.Metrics.EngineReady.Set(0)
	}
	g.logger.Error("Engine lost", "device", g.device, "error", err)
}

func (g *Gateway) recordFailure(elapsed time.Duration) {
	if g.config.Metrics != nil {
		g.config.Metrics.RecordInferenceFailure(elapsed.Seconds())
	}
}

// Snapshot returns the current engine status
func (g *Gateway) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s := Snapshot{
		State:       g.state.String(),
		Device:      g.device,
		Model:       g.model,
		LoadSeconds: g.loadTime.Seconds(),
		Generations: g.generations,
		LastInferMS: g.lastInfer.Milliseconds(),
		Initialized: g.state == Ready,
	}
	if g.initErr != nil {
		s.LastError = g.initErr.Error()
	}
	return s
}

// Close shuts the engine backend down
func (g *Gateway) Close() error {
	return g.engine.Close()
}
