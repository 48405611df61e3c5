package aggregate

import (
	"context"
	"errors"
	"fmt"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
)

// Snapshotter is a projection that writes snapshots off the write path.
// Every Interval-th version of a stream it folds the stream inside the
// projection transaction and stores the result, so snapshots advance with
// the projection cursor. Run it with SnapshotInterval 0 on the repository
// to keep Save free of snapshot writes.
//
// Streams of other aggregate types can share the log; filter them with
// StreamFilter.
type Snapshotter[S State] struct {
	repo *Repository[S]
	// StreamFilter selects the streams this snapshotter folds. Nil selects all.
	StreamFilter func(tenantID, streamID string) bool
	name         string
	interval     int64
}

// NewSnapshotter creates a snapshot projection named name for repo's
// aggregate type, snapshotting every interval versions.
func NewSnapshotter[S State](name string, repo *Repository[S], interval int64) (*Snapshotter[S], error) {
	if name == "" {
		return nil, errors.New("snapshotter name is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("snapshot interval must be positive, got %d", interval)
	}
	return &Snapshotter[S]{repo: repo, name: name, interval: interval}, nil
}

// Name implements projection.Projection.
func (s *Snapshotter[S]) Name() string {
	return s.name
}

// Handle implements projection.Projection.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func (s *Snapshotter[S]) Handle(ctx context.Context, tx es.DBTX, event es.PersistedEvent) error {
	if event.StreamVersion%s.interval != 0 {
		return nil
	}
	if s.StreamFilter != nil && !s.StreamFilter(event.TenantID, event.StreamID) {
		return nil
	}

	agg, _, err := s.repo.load(ctx, tx, event.TenantID, event.StreamID)
	if err != nil {
		return fmt.Errorf("fold %s/%s: %w", event.TenantID, event.StreamID, err)
	}
	if agg.version == agg.snapshotVersion {
		return nil
	}

	snapshot, err := encodeSnapshot(agg)
	if err != nil {
		return err
	}
	if err := s.repo.store.SaveSnapshot(ctx, tx, snapshot); err != nil {
		return fmt.Errorf("save snapshot %s/%s: %w", event.TenantID, event.StreamID, err)
	}

	if s.repo.config.Logger != nil {
		s.repo.config.Logger.Debug(ctx, "snapshot projected",
			"projection", s.name,
			"tenant_id", event.TenantID,
			"stream_id", event.StreamID,
			"version", agg.version)
	}
	return nil
}

// Clear implements projection.ClearableProjection. Snapshots are derived
// from the log and overwritten by newer ones, so a rebuild keeps them.
func (s *Snapshotter[S]) Clear(context.Context, es.DBTX) error {
	return nil
}
