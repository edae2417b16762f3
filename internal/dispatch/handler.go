package dispatch

import "context"

// Job is the unit of work handed to a handler.
type Job struct {
	// ID uniquely identifies this job (the idempotency key).
	ID string

	// Type determines which handler processes this job.
	Type string

	// Payload is the opaque JSON payload.
	Payload string

	// Attempts is how many times this job has been attempted before.
	Attempts int
}

// Result is the outcome of handler execution.
type Result struct {
	// Output is the handler's result data, recorded for diagnostics.
	Output map[string]any
}

// Handler processes jobs of the types it declares.
type Handler interface {
	// CanHandle reports whether this handler processes jobType.
	CanHandle(jobType string) bool

	// Execute runs the job. The runner enforces the execution timeout via
	// ctx; a returned error marks the job failed and triggers the
	// requeue/dead-letter decision.
	Execute(ctx context.Context, job *Job) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface for one job type.
type HandlerFunc struct {
	Type string
	Fn   func(ctx context.Context, job *Job) (*Result, error)
}

// CanHandle reports whether jobType matches this handler's type.
func (h HandlerFunc) CanHandle(jobType string) bool {
	return jobType == h.Type
}

// Execute invokes the wrapped function.
func (h HandlerFunc) Execute(ctx context.Context, job *Job) (*Result, error) {
	return h.Fn(ctx, job)
}
