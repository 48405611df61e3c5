package projection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/store"
)

// ErrInvalidConfig indicates an unusable processor configuration.
var ErrInvalidConfig = errors.New("invalid processor configuration")

const tracerName = "github.com/Wet-Ink-Corporation/praecepta-sub002/es/projection"

// State is the lifecycle state of a Processor.
type State int32

// Processor states.
const (
	// StateIdle means the processor is caught up and waiting for a wakeup.
	StateIdle State = iota
	// StateCatchingUp means batches are being processed.
	StateCatchingUp
	// StateRebuilding means the read model was cleared and is being replayed.
	StateRebuilding
	// StateStopped means Run has returned or was never called.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCatchingUp:
		return "catching_up"
	case StateRebuilding:
		return "rebuilding"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Store is what a processor needs from an event store adapter.
type Store interface {
	store.EventReader
	store.CheckpointStore
	store.PositionReader
}

// Stall describes a projection stuck on repeated failures.
type Stall struct {
	Err        error
	Projection string
	Position   int64
	Attempts   int
}

// ProcessorConfig configures a projection processor.
type ProcessorConfig struct {
	// Logger is an optional logger. If nil, logging is disabled.
	Logger es.Logger

	// Tracer creates a span per batch. If nil, the global tracer provider is used.
	Tracer trace.Tracer

	// PartitionStrategy determines which events this processor handles
	PartitionStrategy PartitionStrategy

	// OnStall is called once when failures at one position reach StallThreshold.
	// Retries continue afterwards.
	OnStall func(ctx context.Context, stall Stall)

	// BatchSize is the number of events to read per batch
	BatchSize int

	// PartitionKey identifies this processor instance (0-indexed)
	PartitionKey int

	// TotalPartitions is the total number of processor instances
	TotalPartitions int

	// PollInterval is how often the log is checked without a wakeup.
	PollInterval time.Duration

	// ShutdownGrace bounds how long an in-flight batch may run after the
	// context is canceled before it is aborted and rolled back.
	ShutdownGrace time.Duration

	// InitialBackoff is the first retry delay after a failed batch.
	InitialBackoff time.Duration

	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration

	// StallThreshold is the number of consecutive failures at the same
	// position that counts as a stall.
	StallThreshold int
}

// DefaultProcessorConfig returns the default configuration.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:         100,
		PartitionKey:      0,
		TotalPartitions:   1,
		PartitionStrategy: HashPartitionStrategy{},
		PollInterval:      time.Second,
		ShutdownGrace:     10 * time.Second,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		StallThreshold:    3,
	}
}

// Validate checks the configuration.
func (c *ProcessorConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	}
	if c.TotalPartitions < 1 {
		return fmt.Errorf("%w: total partitions must be at least 1, got %d", ErrInvalidConfig, c.TotalPartitions)
	}
	if c.PartitionKey < 0 || c.PartitionKey >= c.TotalPartitions {
		return fmt.Errorf("%w: partition key %d out of range [0, %d)", ErrInvalidConfig, c.PartitionKey, c.TotalPartitions)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	}
	return nil
}

// Status is a point-in-time view of a processor for ops tooling.
type Status struct {
	Name                string
	LastError           string
	State               State
	Position            int64
	ConsecutiveFailures int
}

// rebuildRequest parks a processor between batches until the coordinating
// RebuildAll call sends the outcome of the reset on release. The processor
// closes applied once it has acted on the outcome.
type rebuildRequest struct {
	release chan rebuildResult
	applied chan struct{}
}

type rebuildResult struct {
	err    error
	target int64
}

// Processor runs one projection.
type Processor struct {
	db       es.TxBeginner
	store    Store
	proj     Projection
	logger   es.Logger
	tracer   trace.Tracer
	scope    map[string]struct{}
	rebuilds chan rebuildRequest
	config   ProcessorConfig

	mu            sync.Mutex
	status        Status
	failedAt      int64
	rebuildTarget int64

	running atomic.Bool
}

// NewProcessor creates a processor for proj.
func NewProcessor(db es.TxBeginner, st Store, proj Projection, config ProcessorConfig) *Processor {
	if config.PartitionStrategy == nil {
		config.PartitionStrategy = HashPartitionStrategy{}
	}
	if config.StallThreshold <= 0 {
		config.StallThreshold = DefaultProcessorConfig().StallThreshold
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	p := &Processor{
		db:       db,
		store:    st,
		proj:     proj,
		logger:   es.LoggerOrNoOp(config.Logger),
		tracer:   tracer,
		rebuilds: make(chan rebuildRequest),
		config:   config,
		failedAt: -1,
	}
	p.status = Status{Name: proj.Name(), State: StateStopped}

	if scoped, ok := proj.(ScopedProjection); ok {
		if types := scoped.EventTypes(); len(types) > 0 {
			p.scope = make(map[string]struct{}, len(types))
			for _, t := range types {
				p.scope[t] = struct{}{}
			}
		}
	}
	return p
}

// Name returns the projection name.
func (p *Processor) Name() string {
	return p.proj.Name()
}

// CursorName is the key the tracking cursor is stored under. Partitioned
// workers each track their own cursor.
func (p *Processor) CursorName() string {
	if p.config.TotalPartitions <= 1 {
		return p.proj.Name()
	}
	return fmt.Sprintf("%s#%d/%d", p.proj.Name(), p.config.PartitionKey, p.config.TotalPartitions)
}

// Status returns the processor's current status.
func (p *Processor) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Run processes events until ctx is canceled. wake delivers "new events"
// hints; the log is also polled every PollInterval, so wake may be nil.
// Handler failures never stop Run: the batch is rolled back and retried.
// Run returns ctx.Err() after the in-flight batch finishes or ShutdownGrace
// elapses.
func (p *Processor) Run(ctx context.Context, wake <-chan struct{}) error {
	if err := p.config.Validate(); err != nil {
		return err
	}
	if !p.running.CompareAndSwap(false, true) {
		return fmt.Errorf("projection %q is already running", p.proj.Name())
	}
	defer p.running.Store(false)
	defer p.setState(StateStopped)

	p.logger.Info(ctx, "projection processor starting",
		"projection", p.proj.Name(),
		"cursor", p.CursorName(),
		"partition_key", p.config.PartitionKey,
		"total_partitions", p.config.TotalPartitions,
		"batch_size", p.config.BatchSize)

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	retry := p.newBackOff()
	for {
		if err := p.catchUp(ctx, retry); err != nil {
			p.logger.Info(ctx, "projection processor stopped",
				"projection", p.proj.Name(),
				"reason", err)
			return err
		}

		select {
		case <-ctx.Done():
			p.logger.Info(ctx, "projection processor stopped",
				"projection", p.proj.Name(),
				"reason", ctx.Err())
			return ctx.Err()
		case req := <-p.rebuilds:
			p.awaitRebuild(ctx, req)
		case _, ok := <-wake:
			if !ok {
				wake = nil
			}
		case <-ticker.C:
		}
	}
}

// Rebuild clears the read model and replays the log from the start.
// It returns once the read model is cleared and the cursor reset; replay
// continues in the background in StateRebuilding. Run must be active.
// Partitions share one read model, so a partitioned projection is rebuilt
// with RebuildAll over every partition instead.
func (p *Processor) Rebuild(ctx context.Context) error {
	return RebuildAll(ctx, p)
}

// RebuildAll rebuilds the processors of one projection together. Each
// processor finishes its in-flight batch and parks. The read model is then
// cleared once and every cursor reset in a single transaction, and only then
// do the processors resume, replaying in StateRebuilding.
func RebuildAll(ctx context.Context, processors ...*Processor) error {
	if len(processors) == 0 {
		return fmt.Errorf("%w: no processors to rebuild", ErrInvalidConfig)
	}
	lead := processors[0]
	clearable, ok := canRebuild(lead.proj)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRebuildUnsupported, lead.proj.Name())
	}

	// Parking in cursor order keeps concurrent rebuilds of the same
	// processors from waiting on each other.
	ordered := make([]*Processor, len(processors))
	copy(ordered, processors)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].CursorName() < ordered[j].CursorName() })
	for i, p := range ordered {
		if p.proj.Name() != lead.proj.Name() {
			return fmt.Errorf("%w: %s cannot be rebuilt with %s", ErrInvalidConfig, p.proj.Name(), lead.proj.Name())
		}
		if i > 0 && ordered[i-1].CursorName() == p.CursorName() {
			return fmt.Errorf("%w: cursor %s listed twice", ErrInvalidConfig, p.CursorName())
		}
	}
	for _, p := range ordered {
		if !p.running.Load() {
			return fmt.Errorf("%w: %s", ErrProcessorStopped, p.CursorName())
		}
	}

	parked := make([]rebuildRequest, 0, len(ordered))
	release := func(result rebuildResult) {
		for _, req := range parked {
			req.release <- result
		}
		for _, req := range parked {
			<-req.applied
		}
	}
	for _, p := range ordered {
		req := rebuildRequest{
			release: make(chan rebuildResult, 1),
			applied: make(chan struct{}),
		}
		select {
		case p.rebuilds <- req:
			parked = append(parked, req)
		case <-ctx.Done():
			release(rebuildResult{err: ctx.Err()})
			return ctx.Err()
		}
	}

	target, err := resetReadModel(ctx, lead, clearable, ordered)
	if err != nil {
		lead.logger.Error(ctx, "projection rebuild failed",
			"projection", lead.proj.Name(),
			"error", err)
	}
	release(rebuildResult{err: err, target: target})
	return err
}

// catchUp processes batches until the log is exhausted. It only returns an
// error when ctx is canceled.
func (p *Processor) catchUp(ctx context.Context, retry *backoff.ExponentialBackOff) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-p.rebuilds:
			p.awaitRebuild(ctx, req)
		default:
		}

		if p.Status().State != StateRebuilding {
			p.setState(StateCatchingUp)
		}

		read, err := p.processBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.recordFailure(ctx, err)
			timer := time.NewTimer(retry.NextBackOff())
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case req := <-p.rebuilds:
				timer.Stop()
				p.awaitRebuild(ctx, req)
				retry.Reset()
			case <-timer.C:
			}
			continue
		}

		p.recordSuccess()
		retry.Reset()
		p.finishRebuild(ctx, read < p.config.BatchSize)

		if read < p.config.BatchSize {
			p.setState(StateIdle)
			return nil
		}
	}
}

// processBatch handles one batch and returns the number of events read.
func (p *Processor) processBatch(ctx context.Context) (read int, err error) {
	batchCtx, done := p.batchContext(ctx)
	defer done()

	batchCtx, span := p.tracer.Start(batchCtx, "projection.batch", trace.WithAttributes(
		attribute.String("projection", p.proj.Name()),
		attribute.String("cursor", p.CursorName()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("events_read", read))
		span.End()
	}()

	tx, err := p.db.BeginTx(batchCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	//nolint:errcheck // Rollback is a no-op after Commit
	defer tx.Rollback()

	cursor := p.CursorName()
	checkpoint, err := p.store.GetCheckpoint(batchCtx, tx, cursor)
	if err != nil {
		return 0, err
	}

	events, err := p.store.ReadEvents(batchCtx, tx, checkpoint, p.config.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		p.setPosition(checkpoint)
		return 0, nil
	}

	handled := 0
	for i := range events {
		event := events[i]
		if !p.shouldHandle(&event) {
			continue
		}
		if err := p.proj.Handle(batchCtx, tx, event); err != nil {
			return 0, &HandlerError{
				Err:        err,
				Projection: p.proj.Name(),
				EventType:  event.EventType,
				StreamID:   event.StreamID,
				Position:   event.GlobalPosition,
			}
		}
		handled++
	}

	lastPosition := events[len(events)-1].GlobalPosition
	if err := p.store.UpdateCheckpoint(batchCtx, tx, cursor, lastPosition); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	p.setPosition(lastPosition)
	p.logger.Debug(ctx, "batch processed",
		"projection", p.proj.Name(),
		"events_read", len(events),
		"events_handled", handled,
		"checkpoint", lastPosition)
	return len(events), nil
}

// batchContext detaches a batch from ctx so that cancellation lets it finish,
// then aborts it if it is still running after ShutdownGrace.
func (p *Processor) batchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	batchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		if p.config.ShutdownGrace <= 0 {
			cancel()
			return
		}
		timer := time.NewTimer(p.config.ShutdownGrace)
		defer timer.Stop()
		select {
		case <-timer.C:
			p.logger.Warn(batchCtx, "shutdown grace exceeded, aborting batch",
				"projection", p.proj.Name(),
				"grace", p.config.ShutdownGrace)
			cancel()
		case <-batchCtx.Done():
		}
	})
	return batchCtx, func() {
		stop()
		cancel()
	}
}

func (p *Processor) shouldHandle(event *es.PersistedEvent) bool {
	if !p.config.PartitionStrategy.ShouldProcess(event.StreamID, p.config.PartitionKey, p.config.TotalPartitions) {
		return false
	}
	if p.scope == nil {
		return true
	}
	_, ok := p.scope[event.EventType]
	return ok
}

// awaitRebuild blocks until the read model reset requested by req is done.
// On failure the processor carries on from its old cursor.
func (p *Processor) awaitRebuild(ctx context.Context, req rebuildRequest) {
	defer close(req.applied)

	var result rebuildResult
	select {
	case result = <-req.release:
	case <-ctx.Done():
		return
	}
	if result.err != nil {
		return
	}

	p.mu.Lock()
	p.status.State = StateRebuilding
	p.status.Position = 0
	p.status.ConsecutiveFailures = 0
	p.status.LastError = ""
	p.failedAt = -1
	p.rebuildTarget = result.target
	p.mu.Unlock()

	p.logger.Info(ctx, "projection rebuild started",
		"projection", p.proj.Name(),
		"cursor", p.CursorName(),
		"target_position", result.target)
}

// resetReadModel clears the shared read model and resets the cursor of every
// processor in one transaction.
func resetReadModel(ctx context.Context, lead *Processor, clearable ClearableProjection, processors []*Processor) (int64, error) {
	tx, err := lead.db.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	//nolint:errcheck // Rollback is a no-op after Commit
	defer tx.Rollback()

	if err := clearable.Clear(ctx, tx); err != nil {
		return 0, fmt.Errorf("clear %s: %w", lead.proj.Name(), err)
	}
	for _, p := range processors {
		if err := lead.store.ResetCheckpoint(ctx, tx, p.CursorName()); err != nil {
			return 0, err
		}
	}
	target, err := lead.store.CurrentPosition(ctx, tx)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit rebuild reset: %w", err)
	}
	return target, nil
}

// finishRebuild leaves StateRebuilding once the position current at rebuild
// start has been reached, or the log is exhausted.
func (p *Processor) finishRebuild(ctx context.Context, exhausted bool) {
	p.mu.Lock()
	if p.status.State != StateRebuilding || (!exhausted && p.status.Position < p.rebuildTarget) {
		p.mu.Unlock()
		return
	}
	p.status.State = StateCatchingUp
	position := p.status.Position
	p.mu.Unlock()

	p.logger.Info(ctx, "projection rebuild completed",
		"projection", p.proj.Name(),
		"position", position)
}

func (p *Processor) recordFailure(ctx context.Context, err error) {
	position := p.Status().Position
	var handlerErr *HandlerError
	if errors.As(err, &handlerErr) {
		position = handlerErr.Position
	}

	p.mu.Lock()
	if position == p.failedAt {
		p.status.ConsecutiveFailures++
	} else {
		p.failedAt = position
		p.status.ConsecutiveFailures = 1
	}
	attempts := p.status.ConsecutiveFailures
	p.status.LastError = err.Error()
	p.mu.Unlock()

	p.logger.Error(ctx, "projection batch failed",
		"projection", p.proj.Name(),
		"position", position,
		"attempt", attempts,
		"error", err)

	if attempts == p.config.StallThreshold {
		p.logger.Error(ctx, "projection stalled",
			"projection", p.proj.Name(),
			"position", position,
			"attempts", attempts,
			"error", err)
		if p.config.OnStall != nil {
			p.config.OnStall(ctx, Stall{
				Err:        err,
				Projection: p.proj.Name(),
				Position:   position,
				Attempts:   attempts,
			})
		}
	}
}

func (p *Processor) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.ConsecutiveFailures = 0
	p.status.LastError = ""
	p.failedAt = -1
}

func (p *Processor) setState(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = state
}

func (p *Processor) setPosition(position int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.Position = position
}

func (p *Processor) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.config.InitialBackoff > 0 {
		b.InitialInterval = p.config.InitialBackoff
	}
	if p.config.MaxBackoff > 0 {
		b.MaxInterval = p.config.MaxBackoff
	}
	b.Reset()
	return b
}
