// Command mock-engine is a worker for the process engine backend. It answers
// every capture with a tone and a fixed text, so the service can run end to
// end without a model.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skypro1111/omni-voice-service/internal/engine"
)

func main() {
	text := flag.String("text", "This is a mock answer.", "Text returned for every capture")
	duration := flag.Duration("duration", 500*time.Millisecond, "Length of the answer tone")
	tone := flag.Float64("tone", 440, "Tone frequency in Hz")
	sampleRate := flag.Int("sample-rate", 24000, "Answer sample rate")
	flag.Parse()

	// stdout carries the protocol; logs go to stderr
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	mock := engine.NewMockEngine()
	mock.Text = *text
	mock.Duration = *duration
	mock.ToneHz = *tone
	mock.SampleRate = *sampleRate

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Mock worker ready", slog.Int("pid", os.Getpid()))

	if err := engine.ServeWorker(ctx, os.Stdin, os.Stdout, mock); err != nil {
		logger.Error("Worker stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Worker input closed, exiting",
		slog.Int("loads", mock.Loads()),
		slog.Int("generates", mock.Generates()),
	)
}
