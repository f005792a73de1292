package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// AnswerTextHeader carries the base64-encoded text response of /generate
const AnswerTextHeader = "X-Answer-Text"

// ErrInvalidAnswer is returned when /generate succeeds without a waveform
var ErrInvalidAnswer = errors.New("invalid answer waveform")

// HTTPConfig contains remote inference server settings
type HTTPConfig struct {
	Endpoint string
	// Timeout bounds the whole request; zero leaves it to the caller's context.
	Timeout time.Duration
}

// HTTPEngine talks to a remote inference server
type HTTPEngine struct {
	config     HTTPConfig
	httpClient *http.Client
}

// NewHTTPEngine creates a new remote engine client
func NewHTTPEngine(config HTTPConfig) (*HTTPEngine, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	config.Endpoint = strings.TrimRight(config.Endpoint, "/")

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        4,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &HTTPEngine{config: config, httpClient: httpClient}, nil
}

// Load asks the server to load the model
func (h *HTTPEngine) Load(ctx context.Context, req LoadRequest) (*LoadInfo, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode load request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.Endpoint+"/load", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	info := &LoadInfo{Device: req.Device}
	if len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, info); err != nil {
			return nil, fmt.Errorf("failed to parse load response: %w", err)
		}
	}
	return info, nil
}

// Generate uploads features and audio and stores the returned waveform under
// the request's output directory
func (h *HTTPEngine) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	body, contentType, err := h.createMultipartRequest(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.config.Endpoint+"/generate", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "audio/wav")

	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(msg))
	}

	text, err := base64.StdEncoding.DecodeString(resp.Header.Get(AnswerTextHeader))
	if err != nil {
		return nil, fmt.Errorf("invalid %s header: %w", AnswerTextHeader, err)
	}

	path := OutputPath(req.OutDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := writeBody(path, resp.Body); err != nil {
		return nil, err
	}

	return &GenerateResult{Text: string(text), AudioPath: path}, nil
}

// Close releases idle connections
func (h *HTTPEngine) Close() error {
	h.httpClient.CloseIdleConnections()
	return nil
}

// createMultipartRequest creates a multipart/form-data request body
func (h *HTTPEngine) createMultipartRequest(req GenerateRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if err := writer.WriteField("length", strconv.Itoa(req.Length)); err != nil {
		return nil, "", fmt.Errorf("failed to write length field: %w", err)
	}

	files := []struct{ field, path string }{
		{"features", req.FeaturesPath},
		{"audio", req.AudioPath},
	}
	for _, f := range files {
		if f.path == "" {
			continue
		}
		if err := attachFile(writer, f.field, f.path); err != nil {
			return nil, "", err
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

func attachFile(writer *multipart.Writer, field, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", field, err)
	}
	defer file.Close()

	part, err := writer.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("failed to write %s: %w", field, err)
	}
	return nil
}

// writeBody stores the answer waveform; a body that does not start with a
// RIFF/WAVE header is rejected before anything is written.
func writeBody(path string, body io.Reader) error {
	br := bufio.NewReader(body)
	head, err := br.Peek(12)
	if err != nil {
		return fmt.Errorf("%w: answer body too short (%d bytes)", ErrInvalidAnswer, len(head))
	}
	if string(head[0:4]) != "RIFF" || string(head[8:12]) != "WAVE" {
		return fmt.Errorf("%w: answer body is not a WAV stream", ErrInvalidAnswer)
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create answer file: %w", err)
	}
	if _, err := io.Copy(file, br); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("failed to write answer file: %w", err)
	}
	return file.Close()
}
