// Package kernel wraps one sandboxed per-session kernel process behind the
// execution API: submit a run, poll its output, and drive its in-kernel
// services.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelcompute/agent/pkg/log"
	"github.com/kestrelcompute/agent/pkg/runner"
)

// ExecMode selects how an Execute call feeds the kernel.
type ExecMode string

const (
	// ModeBatch runs the clean/build/exec phase triplet.
	ModeBatch ExecMode = "batch"
	// ModeQuery executes a code snippet in the kernel's REPL.
	ModeQuery ExecMode = "query"
	// ModeInput answers a pending input request of the current run.
	ModeInput ExecMode = "input"
	// ModeContinue polls for more output without feeding anything.
	ModeContinue ExecMode = "continue"
)

const (
	defaultAPIVersion   = 2
	defaultFlushTimeout = 2 * time.Second
)

// Config configures a Kernel.
type Config struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Image     string
	Runner    *runner.Runner
}

// Kernel is one session's kernel process as seen by the API layer. All
// methods delegate to the kernel's run multiplexer.
type Kernel struct {
	id        uuid.UUID
	sessionID uuid.UUID
	image     string
	runner    *runner.Runner
}

// New wraps an already-connected runner.
func New(cfg Config) (*Kernel, error) {
	if cfg.Runner == nil {
		return nil, errors.New("kernel: runner is required")
	}
	return &Kernel{
		id:        cfg.ID,
		sessionID: cfg.SessionID,
		image:     cfg.Image,
		runner:    cfg.Runner,
	}, nil
}

// ID returns the kernel identifier.
func (k *Kernel) ID() uuid.UUID { return k.id }

// SessionID returns the owning session's identifier.
func (k *Kernel) SessionID() uuid.UUID { return k.sessionID }

// Image returns the kernel image reference.
func (k *Kernel) Image() string { return k.image }

// ExecuteRequest is one execution step: a new run, a continuation, or an
// input answer.
type ExecuteRequest struct {
	RunID        string
	Mode         ExecMode
	Text         string
	BatchOpts    runner.BatchOptions
	APIVersion   int
	FlushTimeout time.Duration
}

// Execute attaches the request's run to the output stream, feeds the
// kernel according to the mode, and polls for the next result. A transport
// failure while feeding tears the kernel channel down since its state is
// no longer trustworthy.
func (k *Kernel) Execute(ctx context.Context, req ExecuteRequest) (*runner.NextResult, error) {
	runID, err := k.runner.AttachOutputQueue(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("kernel %s: attach run: %w", k.id, err)
	}

	switch req.Mode {
	case ModeBatch:
		err = k.runner.FeedBatch(ctx, req.BatchOpts)
	case ModeQuery:
		err = k.runner.FeedCode(ctx, req.Text)
	case ModeInput:
		err = k.runner.FeedInput(ctx, req.Text)
	case ModeContinue:
		// Nothing to feed; the run is already in flight.
	default:
		return nil, fmt.Errorf("kernel %s: unsupported execution mode %q", k.id, req.Mode)
	}
	if err != nil {
		log.Error("feed failed, closing kernel channel", "kernelId", k.id, "runId", runID, "error", err)
		_ = k.runner.Close()
		return nil, fmt.Errorf("kernel %s: feed %s run: %w", k.id, req.Mode, err)
	}

	apiVer := req.APIVersion
	if apiVer == 0 {
		apiVer = defaultAPIVersion
	}
	flushTimeout := req.FlushTimeout
	if flushTimeout == 0 {
		flushTimeout = defaultFlushTimeout
	}
	res, err := k.runner.GetNextResult(ctx, apiVer, flushTimeout)
	if err != nil {
		return nil, fmt.Errorf("kernel %s: next result: %w", k.id, err)
	}
	return res, nil
}

// CheckStatus probes the kernel's resource usage stats.
func (k *Kernel) CheckStatus(ctx context.Context) (map[string]float64, error) {
	return k.runner.FeedAndGetStatus(ctx)
}

// GetCompletions requests completion candidates for a code fragment.
func (k *Kernel) GetCompletions(ctx context.Context, codeText string, opts map[string]any) ([]string, error) {
	return k.runner.FeedAndGetCompletion(ctx, codeText, opts)
}

// Interrupt asks the kernel to interrupt the current execution.
func (k *Kernel) Interrupt(ctx context.Context) error {
	return k.runner.FeedInterrupt(ctx)
}

// StartService starts an in-kernel service app.
func (k *Kernel) StartService(ctx context.Context, serviceInfo map[string]any) (map[string]any, error) {
	return k.runner.FeedStartService(ctx, serviceInfo)
}

// StartModelService starts a model service inside the kernel.
func (k *Kernel) StartModelService(ctx context.Context, modelInfo map[string]any) (map[string]any, error) {
	return k.runner.FeedStartModelService(ctx, modelInfo)
}

// ShutdownService stops a named in-kernel service app.
func (k *Kernel) ShutdownService(ctx context.Context, serviceName string) error {
	return k.runner.FeedShutdownService(ctx, serviceName)
}

// GetServiceApps lists the service apps the kernel image advertises.
func (k *Kernel) GetServiceApps(ctx context.Context) (map[string]any, error) {
	return k.runner.FeedServiceApps(ctx)
}

// Ping reports the kernel's status, or nil when unreachable.
func (k *Kernel) Ping(ctx context.Context) map[string]float64 {
	return k.runner.Ping(ctx)
}

// Close shuts the kernel channel down.
func (k *Kernel) Close() error {
	return k.runner.Close()
}
