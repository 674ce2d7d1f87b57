package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kestrelcompute/agent/pkg/events"
	"github.com/kestrelcompute/agent/pkg/log"
)

// ErrChannelClosed reports an operation against a runner whose kernel
// channel has died or been closed. This is a channel-level failure,
// distinct from any run-level terminal status.
var ErrChannelClosed = errors.New("runner: kernel channel closed")

// ClientFeature is an opt-in capability negotiated by the API client.
type ClientFeature string

const (
	// FeatureInput lets the client answer waiting-input requests.
	FeatureInput ClientFeature = "input"
	// FeatureContinuation makes polls flush after a timeout with a
	// "continued" status instead of blocking until the run ends.
	FeatureContinuation ClientFeature = "continuation"
)

// DefaultClientFeatures is the feature set assumed for modern clients.
var DefaultClientFeatures = []ClientFeature{FeatureInput, FeatureContinuation}

// Transport is the duplex frame channel to one kernel.
type Transport interface {
	Send(ctx context.Context, parts [][]byte) error
	Recv(ctx context.Context) ([][]byte, error)
	Close() error
}

// maxRecordSize caps a single stdout/stderr record. Larger payloads are
// truncated before decoding.
const maxRecordSize = 10 * (1 << 20)

// controlQueueCap bounds each typed control-reply queue.
const controlQueueCap = 128

// keepaliveInterval paces the status probes that keep the REPL port
// mapping alive in the host's NAT table.
const keepaliveInterval = 10 * time.Second

// serviceCallTimeout bounds service control calls with no health-check
// derived deadline.
const serviceCallTimeout = 10 * time.Second

// EventData is an out-of-band event forwarded into the kernel.
type EventData struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// BatchOptions carries the per-phase commands of a batch-mode run. Unset
// phases are sent as empty commands so the kernel always sees the full
// clean/build/exec triplet.
type BatchOptions struct {
	Clean string `json:"clean,omitempty"`
	Build string `json:"build,omitempty"`
	Exec  string `json:"exec,omitempty"`
}

// Config configures a Runner.
type Config struct {
	KernelID  uuid.UUID
	SessionID uuid.UUID
	Transport Transport
	Producer  events.Producer
	// ExecTimeout arms the watchdog; zero disables it.
	ExecTimeout    time.Duration
	ClientFeatures []ClientFeature
}

// Runner multiplexes one kernel channel: it serializes control commands
// onto the transport, demultiplexes output frames into typed queues, and
// arbitrates the output stream between concurrent runs.
type Runner struct {
	kernelID    uuid.UUID
	sessionID   uuid.UUID
	transport   Transport
	producer    events.Producer
	features    map[ClientFeature]struct{}
	execTimeout time.Duration

	statusQueue       chan []byte
	completionQueue   chan []byte
	serviceQueue      chan []byte
	modelServiceQueue chan []byte
	serviceAppsQueue  chan []byte

	registry *runRegistry

	// closed is closed by Close; done is closed when the demux loop exits
	// for any reason and makes the channel-dead state observable.
	closed    chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	failMu  sync.Mutex
	failErr error

	wg sync.WaitGroup
}

// New starts a runner on the given transport. The demultiplexer and
// keepalive loops run until Close or a transport failure; a positive
// ExecTimeout also arms the execution watchdog.
func New(cfg Config) (*Runner, error) {
	if cfg.Transport == nil {
		return nil, errors.New("runner: transport is required")
	}
	if cfg.ExecTimeout < 0 {
		return nil, errors.New("runner: execution timeout must be zero or positive")
	}
	producer := cfg.Producer
	if producer == nil {
		producer = events.NopProducer{}
	}
	features := make(map[ClientFeature]struct{}, len(cfg.ClientFeatures))
	for _, f := range cfg.ClientFeatures {
		features[f] = struct{}{}
	}
	r := &Runner{
		kernelID:          cfg.KernelID,
		sessionID:         cfg.SessionID,
		transport:         cfg.Transport,
		producer:          producer,
		features:          features,
		execTimeout:       cfg.ExecTimeout,
		statusQueue:       make(chan []byte, controlQueueCap),
		completionQueue:   make(chan []byte, controlQueueCap),
		serviceQueue:      make(chan []byte, controlQueueCap),
		modelServiceQueue: make(chan []byte, controlQueueCap),
		serviceAppsQueue:  make(chan []byte, controlQueueCap),
		registry:          newRunRegistry(),
		closed:            make(chan struct{}),
		done:              make(chan struct{}),
	}
	r.wg.Add(2)
	go r.readOutput()
	go r.keepalive()
	if r.execTimeout > 0 {
		r.wg.Add(1)
		go r.watchdog()
	}
	return r, nil
}

// Close shuts the runner down: it stops the background loops, closes the
// transport, and waits for the loops to exit. Idempotent.
func (r *Runner) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		// Closing the transport unblocks the demux loop's pending Recv.
		_ = r.transport.Close()
		r.wg.Wait()
	})
	return nil
}

func (r *Runner) isClosed() bool {
	select {
	case <-r.closed:
		return true
	default:
		return false
	}
}

// fail records the first channel failure and marks the runner dead.
func (r *Runner) fail(err error) {
	r.failMu.Lock()
	if r.failErr == nil {
		r.failErr = err
	}
	r.failMu.Unlock()
}

// channelErr describes why the channel is unusable. It always wraps
// ErrChannelClosed.
func (r *Runner) channelErr() error {
	r.failMu.Lock()
	defer r.failMu.Unlock()
	if r.failErr != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, r.failErr)
	}
	return ErrChannelClosed
}

// send serializes one [tag, payload] command frame onto the transport.
func (r *Runner) send(ctx context.Context, tag string, payload []byte) error {
	select {
	case <-r.done:
		return r.channelErr()
	default:
	}
	if payload == nil {
		payload = []byte{}
	}
	if err := r.transport.Send(ctx, [][]byte{[]byte(tag), payload}); err != nil {
		return fmt.Errorf("runner: feed %s: %w", tag, err)
	}
	return nil
}

// FeedBatch submits a batch-mode run as its clean/build/exec phases.
func (r *Runner) FeedBatch(ctx context.Context, opts BatchOptions) error {
	if err := r.send(ctx, "clean", []byte(opts.Clean)); err != nil {
		return err
	}
	if err := r.send(ctx, "build", []byte(opts.Build)); err != nil {
		return err
	}
	return r.send(ctx, "exec", []byte(opts.Exec))
}

// FeedCode submits a query-mode snippet.
func (r *Runner) FeedCode(ctx context.Context, text string) error {
	return r.send(ctx, "code", []byte(text))
}

// FeedInput answers a pending input request.
func (r *Runner) FeedInput(ctx context.Context, text string) error {
	return r.send(ctx, "input", []byte(text))
}

// FeedEvent forwards an out-of-band event into the kernel.
func (r *Runner) FeedEvent(ctx context.Context, ev EventData) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("runner: encode event: %w", err)
	}
	return r.send(ctx, "event", payload)
}

// FeedInterrupt asks the kernel to interrupt the current execution.
func (r *Runner) FeedInterrupt(ctx context.Context) error {
	return r.send(ctx, "interrupt", nil)
}

// FeedAndGetStatus probes the kernel and waits for its status reply.
func (r *Runner) FeedAndGetStatus(ctx context.Context) (map[string]float64, error) {
	if err := r.send(ctx, "status", nil); err != nil {
		return nil, err
	}
	select {
	case raw := <-r.statusQueue:
		var status map[string]float64
		if err := msgpack.Unmarshal(raw, &status); err != nil {
			return nil, fmt.Errorf("runner: decode status reply: %w", err)
		}
		return status, nil
	case <-r.done:
		return nil, r.channelErr()
	case <-r.closed:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FeedAndGetCompletion requests code completion candidates. A cancelled
// wait yields an empty candidate list so an in-flight completion can never
// fail an API request.
func (r *Runner) FeedAndGetCompletion(ctx context.Context, codeText string, opts map[string]any) ([]string, error) {
	payload := map[string]any{"code": codeText}
	for k, v := range opts {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("runner: encode completion request: %w", err)
	}
	if err := r.send(ctx, "complete", data); err != nil {
		return nil, err
	}
	select {
	case raw := <-r.completionQueue:
		var candidates []string
		if err := json.Unmarshal(raw, &candidates); err != nil {
			return nil, fmt.Errorf("runner: decode completion reply: %w", err)
		}
		return candidates, nil
	case <-r.done:
		return nil, r.channelErr()
	case <-ctx.Done():
		return []string{}, nil
	}
}

// failedValue is the structured reply for a service call that did not
// complete. It is a value, not an error: the caller's request succeeded,
// the kernel-side operation did not.
func failedValue(reason string) map[string]any {
	return map[string]any{"status": "failed", "error": reason}
}

// modelServiceTimeout derives the reply deadline from the model's health
// check: enough time for every retry plus slack, or a flat default when no
// health check is declared.
func modelServiceTimeout(modelInfo map[string]any) time.Duration {
	service, _ := modelInfo["service"].(map[string]any)
	healthCheck, _ := service["health_check"].(map[string]any)
	if healthCheck == nil {
		return serviceCallTimeout
	}
	maxRetries, okRetries := healthCheck["max_retries"].(float64)
	maxWait, okWait := healthCheck["max_wait_time"].(float64)
	if !okRetries || !okWait {
		return serviceCallTimeout
	}
	return time.Duration((maxRetries*maxWait + 10) * float64(time.Second))
}

func (r *Runner) waitServiceReply(ctx context.Context, queue <-chan []byte, timeout time.Duration) (map[string]any, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case raw := <-queue:
		var reply map[string]any
		if err := json.Unmarshal(raw, &reply); err != nil {
			return nil, fmt.Errorf("runner: decode service reply: %w", err)
		}
		return reply, nil
	case <-timer.C:
		return failedValue("timeout"), nil
	case <-ctx.Done():
		return failedValue("cancelled"), nil
	case <-r.done:
		return nil, r.channelErr()
	}
}

// FeedStartModelService starts a model service inside the kernel and waits
// for the result, bounded by the health-check-derived deadline.
func (r *Runner) FeedStartModelService(ctx context.Context, modelInfo map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(modelInfo)
	if err != nil {
		return nil, fmt.Errorf("runner: encode model service request: %w", err)
	}
	if err := r.send(ctx, "start-model-service", payload); err != nil {
		return nil, err
	}
	return r.waitServiceReply(ctx, r.modelServiceQueue, modelServiceTimeout(modelInfo))
}

// FeedStartService starts an in-kernel service app and waits for the result.
func (r *Runner) FeedStartService(ctx context.Context, serviceInfo map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(serviceInfo)
	if err != nil {
		return nil, fmt.Errorf("runner: encode service request: %w", err)
	}
	if err := r.send(ctx, "start-service", payload); err != nil {
		return nil, err
	}
	return r.waitServiceReply(ctx, r.serviceQueue, serviceCallTimeout)
}

// FeedShutdownService asks the kernel to stop a named service app. The
// kernel does not reply to this command.
func (r *Runner) FeedShutdownService(ctx context.Context, serviceName string) error {
	payload, err := json.Marshal(serviceName)
	if err != nil {
		return fmt.Errorf("runner: encode shutdown request: %w", err)
	}
	return r.send(ctx, "shutdown-service", payload)
}

// FeedServiceApps lists the service apps the kernel image advertises.
func (r *Runner) FeedServiceApps(ctx context.Context) (map[string]any, error) {
	if err := r.send(ctx, "get-apps", nil); err != nil {
		return nil, err
	}
	return r.waitServiceReply(ctx, r.serviceAppsQueue, serviceCallTimeout)
}

// Ping probes the kernel and swallows failures, for liveness checks where
// "unreachable" is an answer rather than an error.
func (r *Runner) Ping(ctx context.Context) map[string]float64 {
	status, err := r.FeedAndGetStatus(ctx)
	if err != nil {
		log.Error("kernel ping failed", "kernelId", r.kernelID, "error", err)
		return nil
	}
	return status
}

// keepalive periodically probes kernel status so the host keeps the REPL
// port mapping in its NAT table.
func (r *Runner) keepalive() {
	defer r.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		if _, err := r.FeedAndGetStatus(context.Background()); err != nil {
			if !r.isClosed() && !errors.Is(err, ErrChannelClosed) {
				log.Error("keepalive status probe failed", "kernelId", r.kernelID, "error", err)
			}
			return
		}
		select {
		case <-r.closed:
			return
		case <-r.done:
			return
		case <-ticker.C:
		}
	}
}

// watchdog injects an exec-timeout record into the active run's queue once
// the configured execution deadline passes.
func (r *Runner) watchdog() {
	defer r.wg.Done()
	timer := time.NewTimer(r.execTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		r.registry.pushActive(ResultRecord{Type: RecordExecTimeout})
	case <-r.closed:
	case <-r.done:
	}
}

// pushControl offers a reply to a typed control queue, dropping it when
// the queue is full so a stalled caller cannot wedge the demultiplexer.
func (r *Runner) pushControl(queue chan []byte, tag string, data []byte) {
	select {
	case queue <- data:
	default:
		log.Warn("control reply queue full, dropping", "kernelId", r.kernelID, "tag", tag)
	}
}

// modelServiceStatus is the body of a model-service-status frame.
type modelServiceStatus struct {
	ModelName string `json:"model_name"`
	IsHealthy bool   `json:"is_healthy"`
}

// readOutput is the demultiplexer: the sole reader of the transport. It
// routes each [tag, payload] frame to the matching control queue, the
// event producer, or the active run's output queue.
func (r *Runner) readOutput() {
	defer r.wg.Done()
	defer close(r.done)
	// Separate incremental decoders per stream: some kernels flush
	// mid-codepoint, and stdout must not corrupt stderr's state.
	stdoutDecoder := newStreamDecoder()
	stderrDecoder := newStreamDecoder()
	for {
		parts, err := r.transport.Recv(context.Background())
		if err != nil {
			if !r.isClosed() {
				log.Error("kernel channel failed, stopping demultiplexer",
					"kernelId", r.kernelID, "error", err)
				r.fail(err)
			}
			return
		}
		if len(parts) != 2 {
			log.Warn("invalid output frame shape, skipping",
				"kernelId", r.kernelID, "parts", len(parts))
			continue
		}
		tag, data := string(parts[0]), parts[1]

		switch tag {
		case "status":
			r.pushControl(r.statusQueue, tag, data)
		case "completion":
			r.pushControl(r.completionQueue, tag, data)
		case "service-result":
			r.pushControl(r.serviceQueue, tag, data)
		case "model-service-result":
			r.pushControl(r.modelServiceQueue, tag, data)
		case "apps-result":
			r.pushControl(r.serviceAppsQueue, tag, data)
		case "model-service-status":
			r.produceHealthEvent(data)
		case "stdout":
			r.pushStream(stdoutDecoder, RecordStdout, data)
		case "stderr":
			r.pushStream(stderrDecoder, RecordStderr, data)
		default:
			// Anything else, known control signals and future tags
			// alike, goes to the current run's output queue.
			r.registry.pushActive(ResultRecord{Type: RecordType(tag), Data: string(data)})
		}

		// A finished run segment ends both text streams; flush decoder
		// state so a dangling partial codepoint cannot leak into the
		// next run's output.
		if tag == string(RecordFinished) || tag == string(RecordBuildFinished) {
			stdoutDecoder.Close()
			stderrDecoder.Close()
		}
	}
}

// pushStream truncates, decodes, and enqueues one stdout/stderr record.
// With no active run the raw bytes are discarded without touching the
// decoder, so suspended-stream garbage cannot shift its state.
func (r *Runner) pushStream(dec *streamDecoder, typ RecordType, data []byte) {
	if r.registry.activeEntry() == nil {
		return
	}
	if len(data) > maxRecordSize {
		data = data[:maxRecordSize]
	}
	r.registry.pushActive(ResultRecord{Type: typ, Data: dec.Write(data)})
}

func (r *Runner) produceHealthEvent(data []byte) {
	var status modelServiceStatus
	if err := json.Unmarshal(data, &status); err != nil {
		log.Warn("invalid model-service-status payload, skipping",
			"kernelId", r.kernelID, "error", err)
		return
	}
	health := events.Healthy
	if !status.IsHealthy {
		health = events.Unhealthy
	}
	ev := events.NewModelServiceStatusEvent(r.kernelID, r.sessionID, status.ModelName, health)
	if err := r.producer.Produce(context.Background(), ev); err != nil {
		log.Error("failed to produce model service status event",
			"kernelId", r.kernelID, "error", err)
	}
}

// AttachOutputQueue registers runID (minting a fresh id when empty) and
// blocks until that run owns the output stream. It returns the effective
// run id.
func (r *Runner) AttachOutputQueue(ctx context.Context, runID string) (string, error) {
	select {
	case <-r.done:
		return "", r.channelErr()
	default:
	}
	return r.registry.attach(ctx, runID, r.done)
}

// exitPayload is the JSON body of a finished-class control record.
type exitPayload struct {
	ExitCode *int `json:"exitCode"`
}

func decodeExitCode(data string) *int {
	if data == "" {
		return nil
	}
	var p exitPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil
	}
	return p.ExitCode
}

// pollOutcome is the decision a control record forces on the consume loop.
type pollOutcome struct {
	status   RecordType
	exitCode *int
	options  map[string]any
	// advance releases the output stream to the next run; otherwise the
	// current run stays attached for continuation.
	advance bool
}

// classifyRecord maps a control record to its poll outcome, or reports
// that polling should continue.
func classifyRecord(rec ResultRecord) (pollOutcome, bool) {
	switch rec.Type {
	case RecordFinished:
		return pollOutcome{status: RecordFinished, exitCode: decodeExitCode(rec.Data), advance: true}, true
	case RecordCleanFinished:
		return pollOutcome{status: RecordCleanFinished, exitCode: decodeExitCode(rec.Data)}, true
	case RecordBuildFinished:
		return pollOutcome{status: RecordBuildFinished, exitCode: decodeExitCode(rec.Data)}, true
	case RecordExecTimeout:
		return pollOutcome{status: RecordExecTimeout, advance: true}, true
	case RecordWaitingInput:
		opts := map[string]any{}
		if rec.Data != "" {
			// Malformed options degrade to none; the input request itself
			// still reaches the client.
			_ = json.Unmarshal([]byte(rec.Data), &opts)
		}
		return pollOutcome{status: RecordWaitingInput, options: opts}, true
	default:
		return pollOutcome{}, false
	}
}

// GetNextResult drains the active run's output queue into one result. It
// returns on a terminal control record, or, for continuation-capable
// clients, after flushTimeout with a "continued" status. Records buffered
// before a channel failure are still delivered.
func (r *Runner) GetNextResult(ctx context.Context, apiVer int, flushTimeout time.Duration) (*NextResult, error) {
	entry := r.registry.activeEntry()
	if entry == nil {
		return nil, errors.New("runner: no active run, attach an output queue first")
	}

	_, hasContinuation := r.features[FeatureContinuation]
	var flush <-chan time.Time
	if hasContinuation && flushTimeout > 0 {
		timer := time.NewTimer(flushTimeout)
		defer timer.Stop()
		flush = timer.C
	}

	var records []ResultRecord
	for {
		var rec ResultRecord
		// Prefer buffered records over timer and shutdown signals so a
		// dying channel still yields what the kernel managed to say.
		select {
		case rec = <-entry.queue:
		default:
			select {
			case rec = <-entry.queue:
			case <-flush:
				return r.concludePoll(entry, records, apiVer, pollOutcome{status: RecordContinued})
			case <-r.done:
				return nil, r.channelErr()
			case <-ctx.Done():
				r.registry.resume()
				return nil, ctx.Err()
			}
		}

		if isConsoleType(rec.Type) {
			records = append(records, rec)
		}
		if outcome, terminal := classifyRecord(rec); terminal {
			if outcome.status == RecordExecTimeout {
				log.Warn("execution timeout detected", "kernelId", r.kernelID)
			}
			return r.concludePoll(entry, records, apiVer, outcome)
		}
	}
}

func (r *Runner) concludePoll(entry *runEntry, records []ResultRecord, apiVer int, outcome pollOutcome) (*NextResult, error) {
	result := &NextResult{
		RunID:    entry.id,
		Status:   outcome.status,
		ExitCode: outcome.exitCode,
		Options:  outcome.options,
	}
	if err := aggregateConsole(result, records, apiVer); err != nil {
		r.registry.resume()
		return nil, err
	}
	if outcome.advance {
		r.registry.advance()
	} else {
		r.registry.resume()
	}
	return result, nil
}
