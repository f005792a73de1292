package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/skypro1111/omni-voice-service/internal/audio"
	"github.com/skypro1111/omni-voice-service/internal/features"
)

// MockEngine answers every capture with a short tone and a fixed text. It
// needs no model and is used for development and tests.
type MockEngine struct {
	Text       string
	SampleRate int
	ToneHz     float64
	Duration   time.Duration

	// Test hooks
	LoadDelay   time.Duration
	LoadErr     error
	GenerateErr error
	SkipOutput  bool // report success without writing a waveform

	loads     atomic.Int32
	generates atomic.Int32
}

// NewMockEngine returns a mock with the default answer
func NewMockEngine() *MockEngine {
	return &MockEngine{
		Text:       "This is a mock answer.",
		SampleRate: 24000,
		ToneHz:     440,
		Duration:   500 * time.Millisecond,
	}
}

// Load records the call and honors LoadDelay and LoadErr
func (m *MockEngine) Load(ctx context.Context, req LoadRequest) (*LoadInfo, error) {
	m.loads.Add(1)

	if m.LoadDelay > 0 {
		select {
		case <-time.After(m.LoadDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if req.Checkpoint == "" {
		return nil, errors.New("checkpoint is required")
	}
	return &LoadInfo{Device: req.Device, Model: "mock"}, nil
}

// Generate validates the features file and writes the tone waveform
func (m *MockEngine) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	m.generates.Add(1)

	if m.GenerateErr != nil {
		return nil, m.GenerateErr
	}
	if req.FeaturesPath != "" {
		feats, err := features.ReadFile(req.FeaturesPath)
		if err != nil {
			return nil, err
		}
		if req.Length > 0 && feats.Length != req.Length {
			return nil, fmt.Errorf("length mismatch: request %d, features %d", req.Length, feats.Length)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.SkipOutput {
		return &GenerateResult{Text: m.Text}, nil
	}

	path := OutputPath(req.OutDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	data, err := audio.EncodeWAV(m.tone(), m.SampleRate)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write answer: %w", err)
	}
	return &GenerateResult{Text: m.Text, AudioPath: path}, nil
}

// Close is a no-op
func (m *MockEngine) Close() error { return nil }

// Loads returns how many times Load was called
func (m *MockEngine) Loads() int { return int(m.loads.Load()) }

// Generates returns how many times Generate was called
func (m *MockEngine) Generates() int { return int(m.generates.Load()) }

func (m *MockEngine) tone() []int16 {
	n := int(m.Duration.Seconds() * float64(m.SampleRate))
	if n <= 0 {
		n = 1
	}
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.3 * math.Sin(2*math.Pi*m.ToneHz*float64(i)/float64(m.SampleRate))
	}
	return audio.FloatToPCM16(samples)
}
