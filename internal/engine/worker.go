package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// maxWorkerLine bounds a single request line
const maxWorkerLine = 1 << 20

// ServeWorker is the worker side of the process protocol: it reads requests
// from r, dispatches them to h and writes one response line per request to w.
// It returns nil when r reaches EOF.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer, h Handler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxWorkerLine)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req workerRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := enc.Encode(workerResponse{Error: fmt.Sprintf("invalid request: %v", err)}); err != nil {
				return err
			}
			continue
		}

		if err := enc.Encode(dispatch(ctx, h, req)); err != nil {
			return fmt.Errorf("failed to write response: %w", err)
		}
	}
	return scanner.Err()
}

func dispatch(ctx context.Context, h Handler, req workerRequest) workerResponse {
	resp := workerResponse{ID: req.ID}

	switch req.Op {
	case "load":
		info, err := h.Load(ctx, LoadRequest{Checkpoint: req.Checkpoint, Device: req.Device})
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.OK = true
		resp.Device = info.Device
		resp.Model = info.Model

	case "generate":
		out, err := h.Generate(ctx, GenerateRequest{
			AudioPath:    req.Audio,
			FeaturesPath: req.Features,
			Length:       req.Length,
			OutDir:       req.OutDir,
		})
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.OK = true
		resp.Text = out.Text
		resp.Audio = out.AudioPath

	default:
		resp.Error = fmt.Sprintf("unknown op %q", req.Op)
	}
	return resp
}
