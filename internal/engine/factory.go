package engine

import (
	"fmt"
	"log/slog"

	"github.com/skypro1111/omni-voice-service/internal/config"
)

// FromConfig builds the backend selected by cfg.Backend
func FromConfig(cfg config.EngineConfig, logger *slog.Logger) (Engine, error) {
	switch cfg.Backend {
	case "process":
		p, err := NewProcessEngine(ProcessConfig{Command: cfg.Command, Args: cfg.Args}, logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "http":
		h, err := NewHTTPEngine(HTTPConfig{Endpoint: cfg.Endpoint})
		if err != nil {
			return nil, err
		}
		return h, nil
	case "mock":
		return NewMockEngine(), nil
	default:
		return nil, fmt.Errorf("unknown engine backend: %s", cfg.Backend)
	}
}
