package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PreloadPayload is the payload of pool warm-up jobs.
type PreloadPayload struct {
	PoolID  string `json:"pool_id"`
	Model   string `json:"model"`
	Adapter string `json:"adapter,omitempty"`
}

// PreloadHandler warms a pool's model. The actual load is delegated to
// LoadFn so the serving runtime can plug in; the default is a no-op that
// validates the payload.
type PreloadHandler struct {
	// LoadFn performs the model load. Nil means validate-only.
	LoadFn func(ctx context.Context, p PreloadPayload) error
}

func (h *PreloadHandler) CanHandle(jobType string) bool {
	return jobType == "model_preload"
}

func (h *PreloadHandler) Execute(ctx context.Context, job *Job) (*Result, error) {
	var p PreloadPayload
	if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
		return nil, fmt.Errorf("invalid preload payload: %w", err)
	}
	if p.Model == "" {
		return nil, fmt.Errorf("preload payload missing model")
	}
	if h.LoadFn != nil {
		if err := h.LoadFn(ctx, p); err != nil {
			return nil, err
		}
	}
	out := map[string]any{"pool_id": p.PoolID, "model": p.Model}
	if p.Adapter != "" {
		out["adapter"] = p.Adapter
	}
	return &Result{Output: out}, nil
}

// EchoHandler answers inference jobs by reflecting the payload back. It
// stands in for a real serving backend and gives the end-to-end path
// something executable.
type EchoHandler struct {
	// Delay simulates compute time.
	Delay time.Duration
}

func (h *EchoHandler) CanHandle(jobType string) bool {
	return jobType == "inference"
}

func (h *EchoHandler) Execute(ctx context.Context, job *Job) (*Result, error) {
	if h.Delay > 0 {
		select {
		case <-time.After(h.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	var input map[string]any
	if job.Payload != "" {
		if err := json.Unmarshal([]byte(job.Payload), &input); err != nil {
			return nil, fmt.Errorf("invalid inference payload: %w", err)
		}
	}
	return &Result{Output: map[string]any{"echo": input, "attempts": job.Attempts}}, nil
}
