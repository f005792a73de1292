package normalize

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/skypro1111/omni-voice-service/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func silenceWAV(t *testing.T, sampleRate int, seconds float64) []byte {
	t.Helper()
	data, err := audio.EncodeWAV(make([]int16, int(float64(sampleRate)*seconds)), sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAV failed: %v", err)
	}
	return data
}

// fakeTool writes an executable shell script standing in for ffmpeg
func fakeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script tools are not supported on windows")
	}
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("Failed to write fake tool: %v", err)
	}
	return path
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected temp dir to be empty, found %d entries", len(entries))
	}
}

func TestIsWAV(t *testing.T) {
	tests := []struct {
		mime     string
		filename string
		want     bool
	}{
		{"audio/wav", "blob", true},
		{"AUDIO/WAV", "", true},
		{"audio/webm;codecs=opus", "recording.WAV", true},
		{"audio/webm;codecs=opus", "recording.webm", false},
		{"audio/wave", "blob", false},
		{"audio/x-wav", "capture.ogg", false},
		{"", "", false},
	}

	for _, tt := range tests {
		if got := IsWAV(tt.mime, tt.filename); got != tt.want {
			t.Errorf("IsWAV(%q, %q) = %v, want %v", tt.mime, tt.filename, got, tt.want)
		}
	}
}

func TestExtensionOf(t *testing.T) {
	tests := map[string]string{
		"recording.webm": "webm",
		"clip.OGG":       "ogg",
		"blob":           "webm",
		"":               "webm",
		"dir/voice.m4a":  "m4a",
	}
	for in, want := range tests {
		if got := extensionOf(in, "webm"); got != want {
			t.Errorf("extensionOf(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeWAVBypassesConversion(t *testing.T) {
	dir := t.TempDir()
	// a missing tool must not matter for WAV uploads
	n := New(Config{FFmpegPath: "no-such-ffmpeg-binary", ValidateWAVUploads: true}, testLogger())

	payload := silenceWAV(t, 48000, 2)
	dst := filepath.Join(dir, "UserInput.wav")

	res, err := n.Normalize(context.Background(), bytes.NewReader(payload), "audio/wav", "blob", dst)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if res.Converted {
		t.Error("Expected WAV upload to bypass conversion")
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("Expected canonical file to be byte-identical to the upload")
	}
}

func TestNormalizeMalformedWAV(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "UserInput.wav")
	garbage := []byte("this is not a RIFF stream at all, just text pretending")

	strict := New(Config{ValidateWAVUploads: true}, testLogger())
	_, err := strict.Normalize(context.Background(), bytes.NewReader(garbage), "audio/wav", "x.wav", dst)
	if !errors.Is(err, ErrMalformedWAV) {
		t.Fatalf("Expected ErrMalformedWAV, got %v", err)
	}

	lenient := New(Config{ValidateWAVUploads: false}, testLogger())
	if _, err := lenient.Normalize(context.Background(), bytes.NewReader(garbage), "audio/wav", "x.wav", dst); err != nil {
		t.Fatalf("Expected unchecked write to succeed, got %v", err)
	}
}

func TestNormalizeToolUnavailable(t *testing.T) {
	tmp := t.TempDir()
	n := New(Config{FFmpegPath: "no-such-ffmpeg-binary", TempDir: tmp}, testLogger())

	_, err := n.Normalize(context.Background(), strings.NewReader("webm bytes"), "audio/webm", "rec.webm", filepath.Join(t.TempDir(), "out.wav"))
	if !errors.Is(err, ErrToolUnavailable) {
		t.Fatalf("Expected ErrToolUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "no-such-ffmpeg-binary") {
		t.Errorf("Expected error to name the missing tool, got %q", err.Error())
	}

	var toolErr *ToolError
	if !errors.As(err, &toolErr) || toolErr.Tool != "no-such-ffmpeg-binary" {
		t.Errorf("Expected *ToolError naming the tool, got %#v", err)
	}
	assertEmptyDir(t, tmp)

	if n.Status().Available {
		t.Error("Expected status to report the tool unavailable")
	}
}

func TestNormalizeConversionFailure(t *testing.T) {
	tool := fakeTool(t, `echo "Invalid data found when processing input" >&2; exit 1`)
	tmp := t.TempDir()
	n := New(Config{FFmpegPath: tool, TempDir: tmp}, testLogger())

	_, err := n.Normalize(context.Background(), strings.NewReader("corrupt"), "audio/ogg", "rec.ogg", filepath.Join(t.TempDir(), "out.wav"))

	var convErr *ConversionError
	if !errors.As(err, &convErr) {
		t.Fatalf("Expected *ConversionError, got %v", err)
	}
	if convErr.Ext != "ogg" {
		t.Errorf("Expected ext ogg, got %s", convErr.Ext)
	}
	if !strings.Contains(convErr.Output, "Invalid data") {
		t.Errorf("Expected tool output in error, got %q", convErr.Output)
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		t.Error("Expected the underlying exit error to be wrapped")
	}
	assertEmptyDir(t, tmp)
}

func TestNormalizeConversionSuccessWithFakeTool(t *testing.T) {
	canonical := filepath.Join(t.TempDir(), "canonical.wav")
	if err := os.WriteFile(canonical, silenceWAV(t, 24000, 1), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FAKE_FFMPEG_OUTPUT", canonical)

	// copy the prepared canonical file to the last argument
	tool := fakeTool(t, `for last; do :; done; cp "$FAKE_FFMPEG_OUTPUT" "$last"`)
	tmp := t.TempDir()
	n := New(Config{FFmpegPath: tool, TempDir: tmp}, testLogger())

	dst := filepath.Join(t.TempDir(), "UserInput.wav")
	res, err := n.Normalize(context.Background(), strings.NewReader("opus in webm"), "audio/webm;codecs=opus", "", dst)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if !res.Converted || res.SourceExt != "webm" {
		t.Errorf("Unexpected result: %+v", res)
	}
	assertEmptyDir(t, tmp)
}

func TestNormalizeRejectsWrongOutputFormat(t *testing.T) {
	wrong := filepath.Join(t.TempDir(), "wrong.wav")
	if err := os.WriteFile(wrong, silenceWAV(t, 16000, 1), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("FAKE_FFMPEG_OUTPUT", wrong)

	tool := fakeTool(t, `for last; do :; done; cp "$FAKE_FFMPEG_OUTPUT" "$last"`)
	n := New(Config{FFmpegPath: tool, TempDir: t.TempDir()}, testLogger())

	_, err := n.Normalize(context.Background(), strings.NewReader("x"), "audio/ogg", "a.ogg", filepath.Join(t.TempDir(), "out.wav"))
	var convErr *ConversionError
	if !errors.As(err, &convErr) {
		t.Fatalf("Expected *ConversionError for 16 kHz output, got %v", err)
	}
}

func TestNormalizeWithFFmpeg(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}

	// 48 kHz WAV bytes declared as a webm upload; ffmpeg probes the content
	samples := make([]int16, 48000)
	for i := range samples {
		samples[i] = int16((i % 100) * 100)
	}
	input, err := audio.EncodeWAV(samples, 48000)
	if err != nil {
		t.Fatal(err)
	}

	tmp := t.TempDir()
	n := New(Config{FFmpegPath: "ffmpeg", TempDir: tmp}, testLogger())
	dst := filepath.Join(t.TempDir(), "UserInput.wav")

	if _, err := n.Normalize(context.Background(), bytes.NewReader(input), "audio/webm", "recording.webm", dst); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	info, err := audio.GetWAVInfo(data)
	if err != nil {
		t.Fatalf("Output is not a WAV: %v", err)
	}
	if info.Channels != 1 || info.SampleRate != 24000 {
		t.Errorf("Expected mono 24 kHz, got %d ch at %d Hz", info.Channels, info.SampleRate)
	}
	assertEmptyDir(t, tmp)
}
