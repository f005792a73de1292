package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/omni-voice-service/internal/audio"
	"github.com/skypro1111/omni-voice-service/internal/gateway"
	"github.com/skypro1111/omni-voice-service/internal/metrics"
	"github.com/skypro1111/omni-voice-service/internal/normalize"
	"github.com/skypro1111/omni-voice-service/internal/notify"
	"github.com/skypro1111/omni-voice-service/internal/slot"
)

// Capture is one uploaded recording
type Capture struct {
	Data     []byte
	MimeType string
	Filename string
	Duration string // client-reported, echoed back unverified
}

// InputInfo describes the canonical input waveform
type InputInfo struct {
	Filename        string  `json:"filename"`
	FilePath        string  `json:"file_path"`
	FileURL         string  `json:"file_url"`
	MimeType        string  `json:"mime_type"`
	Duration        string  `json:"duration"`         // client-reported
	DurationSeconds float64 `json:"duration_seconds"` // measured from the waveform
	SizeBytes       int64   `json:"size_bytes"`
	Converted       bool    `json:"converted"`
}

// AnswerInfo describes the generated answer
type AnswerInfo struct {
	TextResponse string `json:"text_response"`
	AnswerPath   string `json:"answer_path"`
	AnswerURL    string `json:"answer_url"`
	SizeBytes    int64  `json:"size_bytes"`
}

// Timing holds the request timing metrics
type Timing struct {
	SavedAtMS   int64 `json:"saved_at_ms"`
	InferenceMS int64 `json:"inference_ms"`
}

// Result is returned for every successful capture
type Result struct {
	Status    string     `json:"status"`
	RequestID string     `json:"request_id"`
	UserInput InputInfo  `json:"user_input"`
	Answer    AnswerInfo `json:"answer"`
	Metrics   Timing     `json:"metrics"`
}

// Notifier receives an event after every successful capture
type Notifier interface {
	Publish(ev notify.Event)
}

// Config contains orchestrator settings
type Config struct {
	InputURLPrefix  string // default /recordings/
	AnswerURLPrefix string // default /answers/
	ScratchDir      string // default os.TempDir()
}

// Pipeline runs one capture at a time through normalization, inference and
// answer relocation.
type Pipeline struct {
	config     Config
	input      *slot.Slot
	output     *slot.Slot
	normalizer *normalize.Normalizer
	gateway    *gateway.Gateway
	notifier   Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger

	mu sync.Mutex
}

// New creates the orchestrator. notifier and m may be nil.
func New(config Config, input, output *slot.Slot, normalizer *normalize.Normalizer,
	gw *gateway.Gateway, notifier Notifier, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if config.InputURLPrefix == "" {
		config.InputURLPrefix = "/recordings/"
	}
	if config.AnswerURLPrefix == "" {
		config.AnswerURLPrefix = "/answers/"
	}
	return &Pipeline{
		config:     config,
		input:      input,
		output:     output,
		normalizer: normalizer,
		gateway:    gw,
		notifier:   notifier,
		metrics:    m,
		logger:     logger.With("component", "pipeline"),
	}
}

// InputURL returns the URL the input slot's canonical file is served at
func (p *Pipeline) InputURL() string {
	return path.Join(p.config.InputURLPrefix, p.input.Filename())
}

// AnswerURL returns the URL the output slot's canonical file is served at
func (p *Pipeline) AnswerURL() string {
	return path.Join(p.config.AnswerURLPrefix, p.output.Filename())
}

// HandleCapture normalizes c into the input slot, runs inference and moves the
// answer into the output slot. Nothing is retried. Once started, the capture
// runs to completion even if ctx is cancelled.
func (p *Pipeline) HandleCapture(ctx context.Context, c Capture) (*Result, error) {
	requestID := uuid.NewString()
	logger := p.logger.With(slog.String("request_id", requestID))

	if len(c.Data) == 0 {
		return nil, p.fail(logger, &Error{Kind: KindBadRequest, Op: "capture", Err: ErrEmptyCapture})
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	logger.Info("Capture received",
		slog.String("filename", c.Filename),
		slog.String("mime_type", c.MimeType),
		slog.Int("bytes", len(c.Data)),
	)

	p.input.Clear()

	normStart := time.Now()
	occ, converted, err := p.accept(ctx, c)
	if err != nil {
		return nil, p.fail(logger, err)
	}
	normElapsed := time.Since(normStart)

	savedAt := time.Now()
	seconds := p.inputSeconds(logger, occ.Path)
	if p.metrics != nil {
		p.metrics.RecordCapture(occ.Size, seconds, converted, normElapsed.Seconds())
	}
	logger.Debug("Capture accepted",
		slog.String("path", occ.Path),
		slog.Int64("size", occ.Size),
		slog.Bool("converted", converted),
		slog.Duration("normalize_time", normElapsed),
	)

	inferStart := time.Now()
	answer, err := p.gateway.Run(ctx, occ.Path)
	if err != nil {
		kind := KindInference
		if errors.Is(err, gateway.ErrEngineInit) {
			kind = KindEngineInit
		}
		return nil, p.fail(logger, &Error{Kind: kind, Op: "inference", Err: err})
	}

	out, err := p.output.Relocate(answer.Path)
	if err != nil {
		p.output.Clear()
		return nil, p.fail(logger, &Error{Kind: KindInference, Op: "finalize answer", Err: err})
	}
	inferenceMS := time.Since(inferStart).Milliseconds()

	result := &Result{
		Status:    "saved",
		RequestID: requestID,
		UserInput: InputInfo{
			Filename:        occ.Filename,
			FilePath:        occ.Path,
			FileURL:         p.InputURL(),
			MimeType:        normalize.WAVMimeType,
			Duration:        c.Duration,
			DurationSeconds: seconds,
			SizeBytes:       occ.Size,
			Converted:       converted,
		},
		Answer: AnswerInfo{
			TextResponse: answer.Text,
			AnswerPath:   out.Path,
			AnswerURL:    p.AnswerURL(),
			SizeBytes:    out.Size,
		},
		Metrics: Timing{
			SavedAtMS:   savedAt.UnixMilli(),
			InferenceMS: inferenceMS,
		},
	}

	logger.Info("Answer ready",
		slog.Int64("inference_ms", inferenceMS),
		slog.Int64("answer_bytes", out.Size),
		slog.Int("text_length", len(answer.Text)),
	)

	if p.notifier != nil {
		p.notifier.Publish(notify.Event{
			Type:         notify.EventAnswerReady,
			RequestID:    requestID,
			InputURL:     result.UserInput.FileURL,
			AnswerURL:    result.Answer.AnswerURL,
			TextResponse: answer.Text,
			SavedAtMS:    result.Metrics.SavedAtMS,
			InferenceMS:  inferenceMS,
		})
	}

	return result, nil
}

// accept produces the canonical waveform in a scratch file and commits it to
// the input slot
func (p *Pipeline) accept(ctx context.Context, c Capture) (*slot.Occupant, bool, error) {
	scratch, err := os.CreateTemp(p.config.ScratchDir, "capture_*.wav")
	if err != nil {
		return nil, false, &Error{Kind: KindInternal, Op: "normalize", Err: err}
	}
	scratchPath := scratch.Name()
	scratch.Close()
	defer p.release(scratchPath)

	res, err := p.normalizer.Normalize(ctx, bytes.NewReader(c.Data), c.MimeType, c.Filename, scratchPath)
	if err != nil {
		if errors.Is(err, normalize.ErrToolUnavailable) {
			return nil, false, &Error{Kind: KindToolUnavailable, Op: "normalize", Err: err, Hint: hintToolMissing}
		}
		e := &Error{Kind: KindBadRequest, Op: "normalize", Err: err}
		var convErr *normalize.ConversionError
		if errors.As(err, &convErr) {
			e.Hint = hintConversionFailed
		}
		return nil, false, e
	}

	occ, err := p.input.WriteFile(scratchPath)
	if err != nil {
		return nil, false, &Error{Kind: KindInternal, Op: "store input", Err: err}
	}
	return occ, res.Converted, nil
}

func (p *Pipeline) fail(logger *slog.Logger, err error) error {
	kind := KindOf(err)
	if p.metrics != nil {
		p.metrics.RecordCaptureFailure(kind.String())
	}
	level := slog.LevelError
	if kind == KindBadRequest {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "Capture failed",
		slog.String("kind", kind.String()),
		slog.String("error", err.Error()),
	)
	return err
}

// release removes a scratch file, logging instead of failing
func (p *Pipeline) release(name string) {
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("Failed to remove scratch file",
			slog.String("path", name),
			slog.String("error", err.Error()),
		)
	}
}

// inputSeconds measures the committed input; 0 when it cannot be parsed
func (p *Pipeline) inputSeconds(logger *slog.Logger, name string) float64 {
	data, err := os.ReadFile(name)
	if err == nil {
		var seconds float64
		if seconds, err = audio.GetWAVDuration(data); err == nil {
			return seconds
		}
	}
	logger.Warn("Failed to measure input duration",
		slog.String("path", name),
		slog.String("error", err.Error()),
	)
	return 0
}
