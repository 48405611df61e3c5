// Package runner runs many projection processors side by side in one process.
// Each processor gets its own goroutine and feed subscription; a projection
// that keeps failing retries on its own without affecting the others.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/projection"
)

var (
	// ErrNoProjections indicates that no projections were provided to run.
	ErrNoProjections = errors.New("no projections provided")

	// ErrDuplicateProjection indicates two processors tracking the same cursor.
	ErrDuplicateProjection = errors.New("duplicate projection")

	// ErrUnknownProjection indicates a name no registered processor has.
	ErrUnknownProjection = errors.New("unknown projection")

	// ErrAlreadyRunning indicates Add or Run on a runner that is running.
	ErrAlreadyRunning = errors.New("runner already running")
)

// Subscriber hands out wakeup channels. *notify.Feed implements it.
type Subscriber interface {
	Subscribe() (<-chan struct{}, func())
}

// Config configures a Runner.
type Config struct {
	// Logger is an optional logger. If nil, logging is disabled.
	Logger es.Logger

	// Feed wakes processors when events are committed. Optional: without it
	// processors rely on polling alone.
	Feed Subscriber
}

// Runner orchestrates multiple projection processors concurrently.
//
//	r := runner.New(runner.Config{Feed: feed, Logger: logger})
//	_ = r.Add(projection.NewProcessor(txs, store, summary, config))
//	_ = r.Add(projection.NewProcessor(txs, store, search, config))
//	err := r.Run(ctx)
type Runner struct {
	config     Config
	processors map[string]*projection.Processor
	mu         sync.RWMutex
	running    bool
}

// New creates a new projection runner.
func New(config Config) *Runner {
	return &Runner{
		config:     config,
		processors: make(map[string]*projection.Processor),
	}
}

// Add registers a processor. Processors are keyed by cursor name, so the
// partitions of one projection can all be added.
func (r *Runner) Add(p *projection.Processor) error {
	if p == nil {
		return errors.New("processor is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return ErrAlreadyRunning
	}
	key := p.CursorName()
	if _, exists := r.processors[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProjection, key)
	}
	r.processors[key] = p
	return nil
}

// Run runs every registered processor until ctx is canceled, then waits for
// all of them to finish their in-flight batch. It returns ctx.Err() on a
// normal shutdown, or the first error that is not a cancellation.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if len(r.processors) == 0 {
		r.mu.Unlock()
		return ErrNoProjections
	}
	r.running = true
	processors := make([]*projection.Processor, 0, len(r.processors))
	for _, p := range r.processors {
		processors = append(processors, p)
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "projection runner starting", "projections", len(processors))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range processors {
		g.Go(func() error {
			var wake <-chan struct{}
			if r.config.Feed != nil {
				ch, unsubscribe := r.config.Feed.Subscribe()
				defer unsubscribe()
				wake = ch
			}

			err := p.Run(gctx, wake)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("projection %q failed: %w", p.CursorName(), err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if r.config.Logger != nil {
			r.config.Logger.Error(ctx, "projection runner failed", "error", err)
		}
		return err
	}

	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "projection runner stopped")
	}
	return ctx.Err()
}

// Rebuild rebuilds every partition of the named projection together: all of
// them stop between batches, the read model is cleared once and their
// cursors reset before any partition replays.
func (r *Runner) Rebuild(ctx context.Context, name string) error {
	r.mu.RLock()
	var targets []*projection.Processor
	for _, p := range r.processors {
		if p.Name() == name {
			targets = append(targets, p)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownProjection, name)
	}
	if err := projection.RebuildAll(ctx, targets...); err != nil {
		return fmt.Errorf("rebuild %s: %w", name, err)
	}
	if r.config.Logger != nil {
		r.config.Logger.Info(ctx, "projection rebuild requested", "projection", name, "partitions", len(targets))
	}
	return nil
}

// Status returns the status of every processor, sorted by cursor name.
func (r *Runner) Status() []projection.Status {
	r.mu.RLock()
	keys := make([]string, 0, len(r.processors))
	for key := range r.processors {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	statuses := make([]projection.Status, 0, len(keys))
	for _, key := range keys {
		statuses = append(statuses, r.processors[key].Status())
	}
	r.mu.RUnlock()
	return statuses
}

// Partitioned creates one processor per partition of proj, each with its own
// cursor. base supplies everything except the partition fields.
func Partitioned(db es.TxBeginner, st projection.Store, proj projection.Projection, base projection.ProcessorConfig, totalPartitions int) ([]*projection.Processor, error) {
	if totalPartitions < 1 {
		return nil, fmt.Errorf("%w: total partitions must be at least 1, got %d", projection.ErrInvalidConfig, totalPartitions)
	}

	processors := make([]*projection.Processor, totalPartitions)
	for key := 0; key < totalPartitions; key++ {
		config := base
		config.PartitionKey = key
		config.TotalPartitions = totalPartitions
		if err := config.Validate(); err != nil {
			return nil, err
		}
		processors[key] = projection.NewProcessor(db, st, proj, config)
	}
	return processors, nil
}
