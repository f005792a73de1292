package normalize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/skypro1111/omni-voice-service/internal/audio"
)

// WAVMimeType is the MIME type accepted without conversion
const WAVMimeType = "audio/wav"

var (
	// ErrToolUnavailable means the external conversion tool cannot be found
	ErrToolUnavailable = errors.New("conversion tool unavailable")

	// ErrMalformedWAV means a WAV upload failed the header check
	ErrMalformedWAV = errors.New("malformed WAV upload")
)

// ToolError reports which conversion tool is missing
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s not found: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() []error { return []error{ErrToolUnavailable, e.Err} }

// ConversionError wraps a decoder failure
type ConversionError struct {
	Ext    string
	Output string // trimmed tool output
	Err    error
}

func (e *ConversionError) Error() string {
	if e.Output != "" {
		return fmt.Sprintf("failed to convert .%s to WAV: %v: %s", e.Ext, e.Err, e.Output)
	}
	return fmt.Sprintf("failed to convert .%s to WAV: %v", e.Ext, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Config contains normalizer configuration
type Config struct {
	FFmpegPath         string
	SampleRate         int
	Channels           int
	DefaultExtension   string
	ValidateWAVUploads bool
	TempDir            string // defaults to os.TempDir()
}

// Normalizer converts uploads of any container/codec into the canonical waveform
type Normalizer struct {
	config Config
	logger *slog.Logger
}

// Result describes how an upload was normalized
type Result struct {
	Converted bool   `json:"converted"`
	SourceExt string `json:"source_ext,omitempty"`
}

// Status is the diagnostic snapshot reported by the health endpoint
type Status struct {
	Tool      string `json:"tool"`
	Available bool   `json:"available"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// New creates a normalizer
func New(config Config, logger *slog.Logger) *Normalizer {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 24000
	}
	if config.Channels <= 0 {
		config.Channels = 1
	}
	if config.DefaultExtension == "" {
		config.DefaultExtension = "webm"
	}
	return &Normalizer{config: config, logger: logger}
}

// IsWAV reports whether an upload takes the no-conversion path
func IsWAV(mimeType, filename string) bool {
	return strings.EqualFold(strings.TrimSpace(mimeType), WAVMimeType) ||
		strings.HasSuffix(strings.ToLower(filename), ".wav")
}

// Available checks that the conversion tool can be executed
func (n *Normalizer) Available() (string, error) {
	path, err := exec.LookPath(n.config.FFmpegPath)
	if err != nil {
		return "", &ToolError{Tool: n.config.FFmpegPath, Err: err}
	}
	return path, nil
}

// Status returns the conversion tool availability
func (n *Normalizer) Status() Status {
	st := Status{Tool: n.config.FFmpegPath}
	path, err := n.Available()
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Available = true
	st.Path = path
	return st
}

// Normalize writes the canonical waveform for src to dst. WAV uploads are
// written unchanged; everything else goes through the conversion tool.
func (n *Normalizer) Normalize(ctx context.Context, src io.Reader, mimeType, filename, dst string) (*Result, error) {
	if IsWAV(mimeType, filename) {
		if err := n.writeWAV(src, dst); err != nil {
			return nil, err
		}
		return &Result{Converted: false, SourceExt: "wav"}, nil
	}

	if _, err := n.Available(); err != nil {
		return nil, err
	}

	ext := extensionOf(filename, n.config.DefaultExtension)
	if err := n.convert(ctx, src, ext, dst); err != nil {
		return nil, err
	}
	return &Result{Converted: true, SourceExt: ext}, nil
}

func (n *Normalizer) writeWAV(src io.Reader, dst string) error {
	f, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}

	if !n.config.ValidateWAVUploads {
		return nil
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		return fmt.Errorf("failed to read back %s: %w", dst, err)
	}
	if err := audio.ValidateWAV(data); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedWAV, err)
	}
	return nil
}

func (n *Normalizer) convert(ctx context.Context, src io.Reader, ext, dst string) error {
	tmp, err := os.CreateTemp(n.config.TempDir, "capture_input_*."+ext)
	if err != nil {
		return fmt.Errorf("failed to create temp input: %w", err)
	}
	tmpPath := tmp.Name()
	defer n.release(tmpPath)

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp input: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp input: %w", err)
	}

	// ffmpeg -y -i input -ac 1 -ar 24000 -f wav output
	cmd := exec.CommandContext(ctx, n.config.FFmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-y", "-i", tmpPath,
		"-ac", strconv.Itoa(n.config.Channels),
		"-ar", strconv.Itoa(n.config.SampleRate),
		"-f", "wav",
		dst,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return &ToolError{Tool: n.config.FFmpegPath, Err: err}
		}
		return &ConversionError{Ext: ext, Output: trimOutput(output), Err: err}
	}

	if err := n.checkCanonical(dst); err != nil {
		return &ConversionError{Ext: ext, Err: err}
	}

	n.logger.Debug("Converted capture",
		slog.String("source_ext", ext),
		slog.String("dst", dst),
	)
	return nil
}

func (n *Normalizer) checkCanonical(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	info, err := audio.GetWAVInfo(data)
	if err != nil {
		return err
	}
	if int(info.Channels) != n.config.Channels || int(info.SampleRate) != n.config.SampleRate {
		return fmt.Errorf("unexpected output format: %d channel(s) at %d Hz", info.Channels, info.SampleRate)
	}
	return nil
}

// release removes the pre-conversion file, logging instead of failing
func (n *Normalizer) release(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		n.logger.Warn("Failed to remove temp input",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}

// extensionOf returns the lower-cased extension of filename, or def
func extensionOf(filename, def string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filepath.Base(filename))), ".")
	if ext == "" || strings.ContainsAny(ext, `/\*`) {
		return def
	}
	return ext
}

func trimOutput(b []byte) string {
	s := string(bytes.TrimSpace(b))
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return s
}
