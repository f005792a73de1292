package engine

import (
	"context"
	"path/filepath"
)

// ScratchDir and ScratchFile name the location an engine writes its answer
// waveform to, relative to the output directory it is given.
const (
	ScratchDir  = "A1-A2"
	ScratchFile = "00.wav"
)

// LoadRequest selects the model checkpoint and compute device
type LoadRequest struct {
	Checkpoint string `json:"checkpoint"`
	Device     string `json:"device"`
}

// LoadInfo describes a loaded model bundle
type LoadInfo struct {
	Device string `json:"device"`
	Model  string `json:"model,omitempty"`
}

// GenerateRequest is one speech-to-speech generation pass
type GenerateRequest struct {
	AudioPath    string `json:"audio"`    // canonical input waveform
	FeaturesPath string `json:"features"` // msgpack log-mel features
	Length       int    `json:"length"`   // audio token length
	OutDir       string `json:"out_dir"`  // engine writes its waveform under this directory
}

// GenerateResult carries the text response and where the waveform was written
type GenerateResult struct {
	Text      string `json:"text"`
	AudioPath string `json:"audio,omitempty"`
}

// Handler is the model capability: one-time load and one generation pass
type Handler interface {
	Load(ctx context.Context, req LoadRequest) (*LoadInfo, error)
	Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error)
}

// Engine is a Handler owning external resources
type Engine interface {
	Handler
	Close() error
}

// OutputPath returns the default answer location under outDir
func OutputPath(outDir string) string {
	return filepath.Join(outDir, ScratchDir, ScratchFile)
}
