package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies pipeline failures for the caller
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindToolUnavailable
	KindEngineInit
	KindInference
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindToolUnavailable:
		return "tool_unavailable"
	case KindEngineInit:
		return "engine_init"
	case KindInference:
		return "inference"
	default:
		return "internal"
	}
}

// ErrEmptyCapture is returned for an upload without audio bytes
var ErrEmptyCapture = errors.New("empty capture")

// Remediation hints returned with tool failures
const (
	hintToolMissing      = "Install ffmpeg and ensure it is in PATH (or set audio.ffmpeg_path)"
	hintConversionFailed = "Ensure ffmpeg is installed and supports the uploaded codec"
)

// Error is a classified pipeline failure
type Error struct {
	Kind Kind
	Op   string
	Err  error
	Hint string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of err, or KindInternal when it is not a pipeline error
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}

// HintOf returns the remediation hint carried by err, if any
func HintOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Hint
	}
	return ""
}
