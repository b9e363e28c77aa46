package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/sicko7947/stepflow"
	"github.com/sicko7947/stepflow/telemetry"
)

// Engine advances runs by replaying their workflow program against the
// ledger, executing one new step per advance.
type Engine struct {
	ledger   stepflow.Ledger
	leaser   stepflow.Leaser
	registry *stepflow.Registry
	logger   zerolog.Logger
	config   EngineConfig
	clock    stepflow.Clock
	metrics  *Metrics
	recorder *telemetry.Recorder
	sinks    []telemetry.Sink
	owner    string

	scheduler *Scheduler
	recoverer *Recoverer
	cron      *cron.Cron

	// Bounded pool for background drives
	baseCtx  context.Context
	stop     context.CancelFunc
	slots    chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	inflight map[string]bool // runID -> resubmitted while in flight
	held     map[string]int  // runID -> leases held by this engine
}

// EngineConfig holds engine configuration
type EngineConfig struct {
	MaxConcurrentRuns int
	LeaseTTL          time.Duration
	SchedulerInterval time.Duration
	SchedulerBatch    int
	RecoveryInterval  time.Duration
	// StaleAfter is how long a PENDING or RUNNING run may go without an
	// update before the recovery sweep checks its lease
	StaleAfter time.Duration
}

// DefaultEngineConfig provides sensible defaults
var DefaultEngineConfig = EngineConfig{
	MaxConcurrentRuns: 10,
	LeaseTTL:          30 * time.Second,
	SchedulerInterval: time.Second,
	SchedulerBatch:    100,
	RecoveryInterval:  30 * time.Second,
	StaleAfter:        5 * time.Minute,
}

func (c EngineConfig) withDefaults() EngineConfig {
	if c.MaxConcurrentRuns <= 0 {
		c.MaxConcurrentRuns = DefaultEngineConfig.MaxConcurrentRuns
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultEngineConfig.LeaseTTL
	}
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = DefaultEngineConfig.SchedulerInterval
	}
	if c.SchedulerBatch <= 0 {
		c.SchedulerBatch = DefaultEngineConfig.SchedulerBatch
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = DefaultEngineConfig.RecoveryInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultEngineConfig.StaleAfter
	}
	return c
}

// EngineOption configures the engine
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the engine
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig sets a custom configuration for the engine
func WithConfig(config EngineConfig) EngineOption {
	return func(e *Engine) {
		e.config = config
	}
}

// WithClock sets the clock used for sleep wake times
func WithClock(clock stepflow.Clock) EngineOption {
	return func(e *Engine) {
		e.clock = clock
	}
}

// WithLeaser moves run leases out of the ledger, e.g. to Redis
func WithLeaser(leaser stepflow.Leaser) EngineOption {
	return func(e *Engine) {
		e.leaser = leaser
	}
}

// WithMetrics enables Prometheus metrics
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTelemetrySinks adds sinks that receive every AIWrap telemetry entry
func WithTelemetrySinks(sinks ...telemetry.Sink) EngineOption {
	return func(e *Engine) {
		e.sinks = append(e.sinks, sinks...)
	}
}

// WithExtractor sets the gjson paths used to pull text and usage out of
// AIWrap results
func WithExtractor(x telemetry.Extractor) EngineOption {
	return func(e *Engine) {
		e.recorder = telemetry.NewRecorder(x)
	}
}

// WithOwner sets the lease owner identity of this engine instance
func WithOwner(owner string) EngineOption {
	return func(e *Engine) {
		e.owner = owner
	}
}

// NewEngine creates a new engine with optional configuration.
// If no logger is provided, a default stdout logger with Info level is used.
// If no config is provided, DefaultEngineConfig is used.
func NewEngine(ledger stepflow.Ledger, registry *stepflow.Registry, opts ...EngineOption) *Engine {
	defaultLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)

	eng := &Engine{
		ledger:   ledger,
		leaser:   ledger,
		registry: registry,
		logger:   defaultLogger,
		config:   DefaultEngineConfig,
		clock:    stepflow.SystemClock{},
		recorder: telemetry.NewRecorder(telemetry.DefaultExtractor),
		owner:    uuid.New().String(),
		inflight: make(map[string]bool),
		held:     make(map[string]int),
	}

	for _, opt := range opts {
		opt(eng)
	}

	eng.config = eng.config.withDefaults()
	eng.slots = make(chan struct{}, eng.config.MaxConcurrentRuns)
	eng.baseCtx, eng.stop = context.WithCancel(context.Background())
	eng.scheduler = newScheduler(eng)
	eng.recoverer = newRecoverer(eng)
	return eng
}

// Scheduler returns the sleep scheduler
func (e *Engine) Scheduler() *Scheduler {
	return e.scheduler
}

// Recoverer returns the stale run sweeper
func (e *Engine) Recoverer() *Recoverer {
	return e.recoverer
}

// Registry returns the workflow registry
func (e *Engine) Registry() *stepflow.Registry {
	return e.registry
}

// Start begins the periodic sleep scan and recovery sweep
func (e *Engine) Start() error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))

	if _, err := c.AddFunc("@every "+e.config.SchedulerInterval.String(), func() {
		if _, err := e.scheduler.Tick(e.baseCtx); err != nil {
			e.logger.Error().Err(err).Msg("Sleep scheduler tick failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule sleep scanner: %w", err)
	}

	if _, err := c.AddFunc("@every "+e.config.RecoveryInterval.String(), func() {
		if _, err := e.recoverer.Sweep(e.baseCtx); err != nil {
			e.logger.Error().Err(err).Msg("Recovery sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule recovery sweep: %w", err)
	}

	e.cron = c
	c.Start()

	e.logger.Info().
		Str("owner", e.owner).
		Dur("scheduler_interval", e.config.SchedulerInterval).
		Dur("recovery_interval", e.config.RecoveryInterval).
		Int("max_concurrent_runs", e.config.MaxConcurrentRuns).
		Msg("Engine started")
	return nil
}

// Close stops the background jobs and waits for in-flight drives
func (e *Engine) Close() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	e.stop()
	e.wg.Wait()
}

// StartRun creates a run of wf for evt and schedules it
func (e *Engine) StartRun(
	ctx context.Context,
	wf *stepflow.Workflow,
	evt *stepflow.Event,
	opts ...stepflow.StartOption,
) (*stepflow.Run, error) {
	options := &stepflow.StartOptions{}
	for _, opt := range opts {
		opt(options)
	}

	if evt == nil {
		return nil, fmt.Errorf("event is required to start workflow %s", wf.ID())
	}
	if _, err := e.registry.Get(wf.ID()); err != nil {
		return nil, &stepflow.DefinitionError{WorkflowID: wf.ID(), Reason: "not registered with the engine"}
	}

	runID := options.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	now := e.clock.Now()
	run := &stepflow.Run{
		RunID:      runID,
		WorkflowID: wf.ID(),
		Event:      *evt,
		Status:     stepflow.RunStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.ledger.CreateRun(ctx, run); err != nil {
		return nil, stepflow.NewLedgerError("create_run", runID, fmt.Errorf("failed to create run: %w", err))
	}

	stepflow.LogRunStarted(e.logger, runID, wf.ID(), evt.ID)
	e.metrics.runStarted(wf.ID())

	if options.Synchronous {
		if err := e.Drive(ctx, runID); err != nil {
			return run, err
		}
		return e.ledger.GetRun(ctx, runID)
	}

	e.Submit(runID)
	return run, nil
}

// Submit drives runID in the background on the bounded pool. Submitting a
// run that is already in flight makes it drive once more afterwards.
func (e *Engine) Submit(runID string) {
	if e.baseCtx.Err() != nil {
		return
	}

	e.mu.Lock()
	if _, busy := e.inflight[runID]; busy {
		e.inflight[runID] = true
		e.mu.Unlock()
		return
	}
	e.inflight[runID] = false
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()

		select {
		case e.slots <- struct{}{}:
		case <-e.baseCtx.Done():
			e.mu.Lock()
			delete(e.inflight, runID)
			e.mu.Unlock()
			return
		}
		defer func() { <-e.slots }()

		for {
			if err := e.Drive(e.baseCtx, runID); err != nil && !errors.Is(err, stepflow.ErrLeaseHeld) {
				e.logger.Error().Err(err).Str("run_id", runID).Msg("Run drive failed")
			}

			e.mu.Lock()
			again := e.inflight[runID] && e.baseCtx.Err() == nil
			if !again {
				delete(e.inflight, runID)
				e.mu.Unlock()
				return
			}
			e.inflight[runID] = false
			e.mu.Unlock()
		}
	}()
}

// GetRun returns the run summary
func (e *Engine) GetRun(ctx context.Context, runID string) (*stepflow.RunSummary, error) {
	run, err := e.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Summary(), nil
}

// LoadRun returns the full run record
func (e *Engine) LoadRun(ctx context.Context, runID string) (*stepflow.Run, error) {
	return e.ledger.GetRun(ctx, runID)
}

// GetSteps returns the run's step records in program order
func (e *Engine) GetSteps(ctx context.Context, runID string) ([]*stepflow.StepRecord, error) {
	if _, err := e.ledger.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.ledger.ListSteps(ctx, runID)
}

// ListRuns lists runs with filtering
func (e *Engine) ListRuns(ctx context.Context, filter stepflow.RunFilter) ([]*stepflow.Run, error) {
	return e.ledger.ListRuns(ctx, filter)
}

// Cancel moves a non-terminal run to CANCELLED. An in-flight step may
// finish but its result is discarded.
func (e *Engine) Cancel(ctx context.Context, runID string) (*stepflow.RunSummary, error) {
	run, err := e.ledger.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if run.Status.IsTerminal() {
		return nil, fmt.Errorf("cannot cancel run in %s state: %w", run.Status, stepflow.ErrRunTerminal)
	}

	now := e.clock.Now()
	run.Status = stepflow.RunStatusCancelled
	run.CompletedAt = &now
	run.UpdatedAt = now
	run.Error = stepflow.NewWorkflowError(stepflow.ErrCodeCancelled, "run cancelled")

	if err := e.ledger.UpdateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to update run on cancellation: %w", err)
	}

	stepflow.LogRunCancelled(e.logger, runID)
	e.metrics.runFinished(run.WorkflowID, string(run.Status))
	return run.Summary(), nil
}

// restartRun schedules a run-level retry after an infrastructure failure,
// or fails the run once its restart budget is spent.
func (e *Engine) restartRun(ctx context.Context, runID string, cause error) {
	run, err := e.ledger.GetRun(ctx, runID)
	if err != nil {
		stepflow.LogPersistenceError(e.logger, runID, "restart_run", err)
		return
	}
	if run.Status.IsTerminal() {
		return
	}

	wf, err := e.registry.Get(run.WorkflowID)
	if err != nil {
		e.failRun(ctx, run, stepflow.NewWorkflowError(stepflow.ErrCodeNotFound, err.Error()))
		return
	}

	attempts := run.Attempt + 1
	decision := wf.RunRetryPolicy().Decide(attempts, cause)
	if !decision.Retry {
		e.failRun(ctx, run, stepflow.NewWorkflowError(
			stepflow.ErrCodeRestartsExceeded,
			fmt.Sprintf("run abandoned after %d attempts: %v", attempts, cause),
		))
		return
	}

	run.Attempt = attempts
	run.UpdatedAt = e.clock.Now()
	if err := e.ledger.UpdateRun(ctx, run); err != nil {
		stepflow.LogPersistenceError(e.logger, runID, "restart_run", err)
		return
	}

	stepflow.LogRunRestarting(e.logger, runID, run.Attempt, decision.Delay, cause)
	e.metrics.runRestarted(run.WorkflowID)

	time.AfterFunc(decision.Delay, func() {
		e.Submit(runID)
	})
}
