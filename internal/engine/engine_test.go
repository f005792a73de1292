package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/skypro1111/omni-voice-service/internal/audio"
	"github.com/skypro1111/omni-voice-service/internal/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// helperHandler wraps the mock with failure modes selected by HELPER_MODE.
// Like a real worker it refuses to generate before a load.
type helperHandler struct {
	mock   *MockEngine
	mode   string
	loaded bool
}

func (h *helperHandler) Load(ctx context.Context, req LoadRequest) (*LoadInfo, error) {
	info, err := h.mock.Load(ctx, req)
	if err == nil {
		h.loaded = true
	}
	return info, err
}

func (h *helperHandler) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if !h.loaded {
		return nil, errors.New("model not loaded in this worker")
	}
	switch h.mode {
	case "crash":
		os.Exit(3)
	case "slow":
		time.Sleep(10 * time.Second)
	}
	return h.mock.Generate(ctx, req)
}

// TestHelperWorker is not a real test: it is the worker subprocess started by
// the process backend tests.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_WORKER") != "1" {
		return
	}
	h := &helperHandler{mock: NewMockEngine(), mode: os.Getenv("HELPER_MODE")}
	h.mock.Text = "hello from worker"
	if err := ServeWorker(context.Background(), os.Stdin, os.Stdout, h); err != nil {
		os.Exit(2)
	}
	os.Exit(0)
}

func newHelperEngine(t *testing.T, mode string) *ProcessEngine {
	t.Helper()
	p, err := NewProcessEngine(ProcessConfig{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperWorker$"},
		Env:     []string{"GO_WANT_HELPER_WORKER=1", "HELPER_MODE=" + mode},
	}, newTestLogger())
	if err != nil {
		t.Fatalf("NewProcessEngine failed: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestProcessEngineRoundTrip(t *testing.T) {
	p := newHelperEngine(t, "")
	ctx := context.Background()

	info, err := p.Load(ctx, LoadRequest{Checkpoint: "./checkpoint", Device: "cpu"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if info.Device != "cpu" || info.Model != "mock" {
		t.Errorf("Unexpected load info: %+v", info)
	}

	outDir := t.TempDir()
	res, err := p.Generate(ctx, GenerateRequest{OutDir: outDir, Length: 26})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if res.Text != "hello from worker" {
		t.Errorf("Expected worker text, got %q", res.Text)
	}
	if res.AudioPath != OutputPath(outDir) {
		t.Errorf("Expected %s, got %s", OutputPath(outDir), res.AudioPath)
	}

	data, err := os.ReadFile(res.AudioPath)
	if err != nil {
		t.Fatalf("Answer not written: %v", err)
	}
	if err := audio.ValidateWAV(data); err != nil {
		t.Errorf("Answer is not a valid WAV: %v", err)
	}
}

func TestProcessEngineWorkerError(t *testing.T) {
	p := newHelperEngine(t, "")

	_, err := p.Load(context.Background(), LoadRequest{})
	if err == nil || !strings.Contains(err.Error(), "checkpoint is required") {
		t.Fatalf("Expected worker error to propagate, got %v", err)
	}

	// the worker stays usable after a failed request
	if _, err := p.Load(context.Background(), LoadRequest{Checkpoint: "ckpt"}); err != nil {
		t.Errorf("Load after error failed: %v", err)
	}
}

func TestProcessEngineWorkerExit(t *testing.T) {
	p := newHelperEngine(t, "crash")
	ctx := context.Background()

	if _, err := p.Load(ctx, LoadRequest{Checkpoint: "ckpt"}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	_, err := p.Generate(ctx, GenerateRequest{OutDir: t.TempDir()})
	if !errors.Is(err, ErrWorkerExited) {
		t.Fatalf("Expected ErrWorkerExited, got %v", err)
	}
}

func TestProcessEngineWorkerExitIsFinal(t *testing.T) {
	p := newHelperEngine(t, "crash")
	ctx := context.Background()

	if _, err := p.Load(ctx, LoadRequest{Checkpoint: "ckpt"}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := p.Generate(ctx, GenerateRequest{OutDir: t.TempDir()}); !errors.Is(err, ErrWorkerExited) {
		t.Fatalf("Expected ErrWorkerExited, got %v", err)
	}

	// a replacement worker would not have the model loaded
	_, err := p.Generate(ctx, GenerateRequest{OutDir: t.TempDir()})
	if !errors.Is(err, ErrWorkerExited) {
		t.Fatalf("Expected ErrWorkerExited after exit, got %v", err)
	}
	if strings.Contains(err.Error(), "not loaded") {
		t.Errorf("Generate reached an unloaded worker: %v", err)
	}

	if _, err := p.Load(ctx, LoadRequest{Checkpoint: "ckpt"}); !errors.Is(err, ErrWorkerExited) {
		t.Errorf("Expected Load to fail after exit, got %v", err)
	}
}

func TestProcessEngineContextCancel(t *testing.T) {
	p := newHelperEngine(t, "slow")

	if _, err := p.Load(context.Background(), LoadRequest{Checkpoint: "ckpt"}); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := p.Generate(ctx, GenerateRequest{OutDir: t.TempDir()})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func TestProcessEngineClosed(t *testing.T) {
	p := newHelperEngine(t, "")
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := p.Load(context.Background(), LoadRequest{Checkpoint: "ckpt"}); err == nil {
		t.Error("Expected error after Close")
	}
}

func TestProcessEngineMissingCommand(t *testing.T) {
	if _, err := NewProcessEngine(ProcessConfig{}, newTestLogger()); err == nil {
		t.Error("Expected error for empty command")
	}

	p, err := NewProcessEngine(ProcessConfig{Command: filepath.Join(t.TempDir(), "no-such-worker")}, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Load(context.Background(), LoadRequest{Checkpoint: "ckpt"}); err == nil {
		t.Error("Expected start failure")
	}
}

func TestServeWorkerProtocol(t *testing.T) {
	input := strings.Join([]string{
		`{"id":1,"op":"load","checkpoint":"ckpt","device":"cpu"}`,
		`not json`,
		`{"id":2,"op":"transcribe"}`,
		`{"id":3,"op":"load"}`,
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := ServeWorker(context.Background(), strings.NewReader(input), &out, NewMockEngine()); err != nil {
		t.Fatalf("ServeWorker failed: %v", err)
	}

	var responses []workerResponse
	dec := json.NewDecoder(&out)
	for dec.More() {
		var r workerResponse
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("Bad response line: %v", err)
		}
		responses = append(responses, r)
	}

	if len(responses) != 4 {
		t.Fatalf("Expected 4 responses, got %d", len(responses))
	}

	tests := []struct {
		id      uint64
		ok      bool
		errPart string
	}{
		{1, true, ""},
		{0, false, "invalid request"},
		{2, false, "unknown op"},
		{3, false, "checkpoint is required"},
	}
	for i, tt := range tests {
		r := responses[i]
		if r.ID != tt.id || r.OK != tt.ok || !strings.Contains(r.Error, tt.errPart) {
			t.Errorf("Response %d = %+v, want id=%d ok=%v error~%q", i, r, tt.id, tt.ok, tt.errPart)
		}
	}
}

func TestHTTPEngine(t *testing.T) {
	wav, err := audio.EncodeWAV(make([]int16, 2400), 24000)
	if err != nil {
		t.Fatal(err)
	}

	var gotLength string
	var gotFiles []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/load":
			var req LoadRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Checkpoint == "" {
				http.Error(w, "bad load", http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(LoadInfo{Device: "cuda:0", Model: "omni"})
		case "/generate":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			gotLength = r.FormValue("length")
			for field := range r.MultipartForm.File {
				gotFiles = append(gotFiles, field)
			}
			w.Header().Set(AnswerTextHeader, base64.StdEncoding.EncodeToString([]byte("привіт")))
			w.Header().Set("Content-Type", "audio/wav")
			w.Write(wav)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	h, err := NewHTTPEngine(HTTPConfig{Endpoint: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewHTTPEngine failed: %v", err)
	}
	defer h.Close()
	ctx := context.Background()

	info, err := h.Load(ctx, LoadRequest{Checkpoint: "ckpt", Device: "auto"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if info.Device != "cuda:0" {
		t.Errorf("Expected server device, got %s", info.Device)
	}
	if _, err := h.Load(ctx, LoadRequest{}); err == nil {
		t.Error("Expected HTTP error for bad load")
	}

	dir := t.TempDir()
	inPath := filepath.Join(dir, "UserInput.wav")
	if err := os.WriteFile(inPath, wav, 0o644); err != nil {
		t.Fatal(err)
	}
	featPath := filepath.Join(dir, "features.msgpack")
	if err := os.WriteFile(featPath, []byte{0x80}, 0o644); err != nil {
		t.Fatal(err)
	}

	outDir := t.TempDir()
	res, err := h.Generate(ctx, GenerateRequest{AudioPath: inPath, FeaturesPath: featPath, Length: 6, OutDir: outDir})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if res.Text != "привіт" {
		t.Errorf("Expected decoded text, got %q", res.Text)
	}
	if gotLength != "6" || len(gotFiles) != 2 {
		t.Errorf("Server saw length=%q files=%v", gotLength, gotFiles)
	}
	written, err := os.ReadFile(OutputPath(outDir))
	if err != nil {
		t.Fatalf("Answer not written: %v", err)
	}
	if !bytes.Equal(written, wav) {
		t.Error("Answer bytes differ from server body")
	}
}

func TestHTTPEngineRejectsMissingWaveform(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{name: "empty body", body: nil},
		{name: "short body", body: []byte("RIFF")},
		{name: "not a wav", body: []byte(`{"text":"hello","audio":"..."}`)},
	}

	dir := t.TempDir()
	inPath := filepath.Join(dir, "UserInput.wav")
	if err := os.WriteFile(inPath, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set(AnswerTextHeader, base64.StdEncoding.EncodeToString([]byte("hello")))
				w.Write(tt.body)
			}))
			defer srv.Close()

			h, err := NewHTTPEngine(HTTPConfig{Endpoint: srv.URL})
			if err != nil {
				t.Fatal(err)
			}
			defer h.Close()

			outDir := t.TempDir()
			_, err = h.Generate(context.Background(), GenerateRequest{AudioPath: inPath, OutDir: outDir})
			if !errors.Is(err, ErrInvalidAnswer) {
				t.Fatalf("Expected ErrInvalidAnswer, got %v", err)
			}
			if _, err := os.Stat(OutputPath(outDir)); !os.IsNotExist(err) {
				t.Errorf("Expected no answer file, stat err=%v", err)
			}
		})
	}
}

func TestNewHTTPEngineRequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPEngine(HTTPConfig{}); err == nil {
		t.Error("Expected error for empty endpoint")
	}
}

func TestMockEngine(t *testing.T) {
	m := NewMockEngine()
	m.SkipOutput = true
	outDir := t.TempDir()

	res, err := m.Generate(context.Background(), GenerateRequest{OutDir: outDir})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if res.AudioPath != "" {
		t.Errorf("Expected no audio path, got %s", res.AudioPath)
	}
	if _, err := os.Stat(OutputPath(outDir)); !os.IsNotExist(err) {
		t.Errorf("Expected no answer file, got %v", err)
	}

	m.LoadErr = errors.New("no weights")
	if _, err := m.Load(context.Background(), LoadRequest{Checkpoint: "ckpt"}); err == nil {
		t.Error("Expected load error")
	}
	if m.Loads() != 1 || m.Generates() != 1 {
		t.Errorf("Unexpected counters: loads=%d generates=%d", m.Loads(), m.Generates())
	}
}

func TestSelectDevice(t *testing.T) {
	gpu := func(context.Context) bool { return true }
	noGPU := func(context.Context) bool { return false }

	tests := []struct {
		name       string
		preference string
		probe      GPUProbe
		want       string
	}{
		{"auto with gpu", "auto", gpu, DeviceGPU},
		{"auto without gpu", "auto", noGPU, DeviceCPU},
		{"empty means auto", "", gpu, DeviceGPU},
		{"nil probe", "auto", nil, DeviceCPU},
		{"explicit cpu", "cpu", gpu, DeviceCPU},
		{"explicit device", "CUDA:1", noGPU, "cuda:1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SelectDevice(context.Background(), tt.preference, tt.probe); got != tt.want {
				t.Errorf("SelectDevice(%q) = %s, want %s", tt.preference, got, tt.want)
			}
		})
	}
}

func TestNvidiaSMIProbeHiddenDevices(t *testing.T) {
	t.Setenv("CUDA_VISIBLE_DEVICES", "-1")
	if NvidiaSMIProbe(context.Background()) {
		t.Error("Expected no GPU when CUDA_VISIBLE_DEVICES=-1")
	}
}

func TestFromConfig(t *testing.T) {
	tests := []struct {
		cfg     config.EngineConfig
		wantErr bool
	}{
		{config.EngineConfig{Backend: "mock"}, false},
		{config.EngineConfig{Backend: "process", Command: "python3"}, false},
		{config.EngineConfig{Backend: "http", Endpoint: "http://localhost:9000"}, false},
		{config.EngineConfig{Backend: "process"}, true},
		{config.EngineConfig{Backend: "grpc"}, true},
	}

	for _, tt := range tests {
		e, err := FromConfig(tt.cfg, newTestLogger())
		if (err != nil) != tt.wantErr {
			t.Errorf("FromConfig(%s) error = %v, wantErr %v", tt.cfg.Backend, err, tt.wantErr)
		}
		if e != nil {
			e.Close()
		}
	}
}
