package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/store"
)

// ErrCorruptStream indicates persisted data no valid history could produce:
// a snapshot ahead of the stream head, or a gap in stream versions.
var ErrCorruptStream = errors.New("corrupt stream")

const tracerName = "github.com/Wet-Ink-Corporation/praecepta-sub002/es/aggregate"

// Store is what the repository needs from an event store adapter.
type Store interface {
	store.EventStore
	store.StreamReader
	store.SnapshotStore
}

// Notifier is told the last global position of every successful save.
type Notifier interface {
	Notify(position int64)
}

// Config configures a Repository.
type Config struct {
	// Logger is an optional logger. If nil, logging is disabled.
	Logger es.Logger

	// Notifier is woken after every successful save. Optional.
	Notifier Notifier

	// Reader begins the transactions of Load. If nil, Load uses the same
	// beginner as Save. SQLite deployments point it at a sqlite.OpenReader
	// pool so that loads do not queue on the write lock.
	Reader es.TxBeginner

	// Tracer creates spans around Load and Save.
	// If nil, the global tracer provider is used.
	Tracer trace.Tracer

	// SnapshotInterval is the number of events between snapshots.
	// 0 disables snapshotting.
	SnapshotInterval int64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		SnapshotInterval: 100,
	}
}

// Repository loads and saves aggregates of one state type.
type Repository[S State] struct {
	db       es.TxBeginner
	store    Store
	newState func() S
	tracer   trace.Tracer
	config   Config
}

// NewRepository creates a repository. newState returns a fresh zero state;
// it is called once per New and Load.
func NewRepository[S State](db es.TxBeginner, st Store, newState func() S, config Config) *Repository[S] {
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Repository[S]{
		db:       db,
		store:    st,
		newState: newState,
		tracer:   tracer,
		config:   config,
	}
}

// New returns an empty aggregate for a stream that does not exist yet.
// Saving it fails with a concurrency conflict if the stream does exist.
func (r *Repository[S]) New(tenantID, streamID string) *Aggregate[S] {
	return &Aggregate[S]{
		tenantID: tenantID,
		streamID: streamID,
		state:    r.newState(),
	}
}

// Load rebuilds an aggregate from its latest snapshot and the events after it.
// Returns store.ErrStreamNotFound when the stream has no snapshot and no events,
// and ErrCorruptStream when the persisted history is inconsistent.
func (r *Repository[S]) Load(ctx context.Context, tenantID, streamID string) (agg *Aggregate[S], err error) {
	ctx, span := r.tracer.Start(ctx, "aggregate.load", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("stream_id", streamID),
	))
	defer func() { endSpan(span, err) }()

	reader := r.db
	if r.config.Reader != nil {
		reader = r.config.Reader
	}
	tx, err := reader.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	//nolint:errcheck // Rollback after a read-only transaction
	defer tx.Rollback()

	agg, replayed, err := r.load(ctx, tx, tenantID, streamID)
	if err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("stream_version", agg.version),
		attribute.Int64("snapshot_version", agg.snapshotVersion),
		attribute.Int("replayed_events", replayed),
	)
	if r.config.Logger != nil {
		r.config.Logger.Debug(ctx, "aggregate loaded",
			"tenant_id", tenantID,
			"stream_id", streamID,
			"version", agg.version,
			"snapshot_version", agg.snapshotVersion,
			"replayed_events", replayed)
	}
	return agg, nil
}

// load folds the latest snapshot and the events after it within tx and
// returns the aggregate with the number of events replayed.
func (r *Repository[S]) load(ctx context.Context, tx es.DBTX, tenantID, streamID string) (*Aggregate[S], int, error) {
	agg := r.New(tenantID, streamID)
	haveSnapshot := r.restoreSnapshot(ctx, tx, agg)

	head, err := r.store.StreamVersion(ctx, tx, tenantID, streamID)
	if err != nil {
		return nil, 0, err
	}
	if agg.snapshotVersion > head {
		r.logCorrupt(ctx, agg, "snapshot ahead of stream head", "snapshot_version", agg.snapshotVersion, "head", head)
		return nil, 0, fmt.Errorf("%w: %s/%s snapshot version %d ahead of head %d",
			ErrCorruptStream, tenantID, streamID, agg.snapshotVersion, head)
	}

	stream, err := r.store.ReadStream(ctx, tx, tenantID, streamID, agg.version)
	if err != nil {
		return nil, 0, err
	}
	if !haveSnapshot && stream.IsEmpty() {
		return nil, 0, fmt.Errorf("%w: %s/%s", store.ErrStreamNotFound, tenantID, streamID)
	}

	for i := range stream.Events {
		event := &stream.Events[i]
		if event.StreamVersion != agg.version+1 {
			r.logCorrupt(ctx, agg, "gap in stream versions", "expected_version", agg.version+1, "found_version", event.StreamVersion)
			return nil, 0, fmt.Errorf("%w: %s/%s expected version %d, found %d",
				ErrCorruptStream, tenantID, streamID, agg.version+1, event.StreamVersion)
		}
		if err := agg.state.Apply(event.Event); err != nil {
			return nil, 0, fmt.Errorf("apply %s at version %d: %w", event.EventType, event.StreamVersion, err)
		}
		agg.version = event.StreamVersion
	}

	if agg.version != head {
		r.logCorrupt(ctx, agg, "replay did not reach stream head", "version", agg.version, "head", head)
		return nil, 0, fmt.Errorf("%w: %s/%s replayed to version %d, head is %d",
			ErrCorruptStream, tenantID, streamID, agg.version, head)
	}
	return agg, stream.Len(), nil
}

// restoreSnapshot loads the latest snapshot into agg. Any failure falls back
// to a full replay.
func (r *Repository[S]) restoreSnapshot(ctx context.Context, tx es.DBTX, agg *Aggregate[S]) bool {
	snapshot, err := r.store.LoadSnapshot(ctx, tx, agg.tenantID, agg.streamID)
	if errors.Is(err, store.ErrSnapshotNotFound) {
		return false
	}
	if err != nil {
		if r.config.Logger != nil {
			r.config.Logger.Warn(ctx, "snapshot load failed, replaying full stream",
				"tenant_id", agg.tenantID,
				"stream_id", agg.streamID,
				"error", err)
		}
		return false
	}

	state := r.newState()
	if err := json.Unmarshal(snapshot.State, state); err != nil {
		if r.config.Logger != nil {
			r.config.Logger.Warn(ctx, "snapshot decode failed, replaying full stream",
				"tenant_id", agg.tenantID,
				"stream_id", agg.streamID,
				"snapshot_version", snapshot.Version,
				"error", err)
		}
		return false
	}

	agg.state = state
	agg.version = snapshot.Version
	agg.snapshotVersion = snapshot.Version
	return true
}

// Save appends the aggregate's pending events in one transaction, expecting
// the stream to still be at the version it was loaded at. Concurrency
// conflicts are returned as is; the caller reloads and decides again.
// Saving an aggregate with nothing pending is a no-op.
func (r *Repository[S]) Save(ctx context.Context, agg *Aggregate[S]) (persisted []es.PersistedEvent, err error) {
	if len(agg.pending) == 0 {
		return nil, nil
	}

	ctx, span := r.tracer.Start(ctx, "aggregate.save", trace.WithAttributes(
		attribute.String("tenant_id", agg.tenantID),
		attribute.String("stream_id", agg.streamID),
		attribute.Int64("expected_version", agg.version),
		attribute.Int("event_count", len(agg.pending)),
	))
	defer func() { endSpan(span, err) }()

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	result, err := r.store.Append(ctx, tx, agg.expectedVersion(), agg.pending)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	agg.version = result.ToVersion()
	agg.pending = nil
	span.SetAttributes(attribute.Int64("stream_version", agg.version))

	if r.config.Notifier != nil {
		r.config.Notifier.Notify(result.LastPosition())
	}

	if r.config.SnapshotInterval > 0 && agg.version-agg.snapshotVersion >= r.config.SnapshotInterval {
		r.snapshot(ctx, agg)
	}

	return result.Events, nil
}

// snapshot is best-effort: the events are already committed, so failures are
// logged and the next load replays a longer tail.
func (r *Repository[S]) snapshot(ctx context.Context, agg *Aggregate[S]) {
	err := r.saveSnapshot(ctx, agg)
	if err != nil {
		if r.config.Logger != nil {
			r.config.Logger.Warn(ctx, "snapshot save failed",
				"tenant_id", agg.tenantID,
				"stream_id", agg.streamID,
				"version", agg.version,
				"error", err)
		}
		return
	}
	agg.snapshotVersion = agg.version
	if r.config.Logger != nil {
		r.config.Logger.Debug(ctx, "snapshot saved",
			"tenant_id", agg.tenantID,
			"stream_id", agg.streamID,
			"version", agg.version)
	}
}

func (r *Repository[S]) saveSnapshot(ctx context.Context, agg *Aggregate[S]) error {
	snapshot, err := encodeSnapshot(agg)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := r.store.SaveSnapshot(ctx, tx, snapshot); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func encodeSnapshot[S State](agg *Aggregate[S]) (es.Snapshot, error) {
	state, err := json.Marshal(agg.state)
	if err != nil {
		return es.Snapshot{}, fmt.Errorf("encode state: %w", err)
	}
	return es.Snapshot{
		TenantID:  agg.tenantID,
		StreamID:  agg.streamID,
		Version:   agg.version,
		State:     state,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (r *Repository[S]) logCorrupt(ctx context.Context, agg *Aggregate[S], msg string, keyvals ...interface{}) {
	if r.config.Logger == nil {
		return
	}
	r.config.Logger.Error(ctx, msg, append([]interface{}{
		"tenant_id", agg.tenantID,
		"stream_id", agg.streamID,
	}, keyvals...)...)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
