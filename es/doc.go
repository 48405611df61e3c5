// Package es provides core event sourcing infrastructure.
//
// # Overview
//
// This package defines the fundamental types shared by the rest of the module:
//   - Event, PersistedEvent: immutable domain events before and after append
//   - ExpectedVersion: the optimistic concurrency precondition of an append
//   - Snapshot, TrackingCursor: derived state persisted next to the log
//   - DBTX, Tx, TxBeginner: database and transaction abstractions
//   - Logger: optional structured logging
//
// Subpackages build on them:
//   - store: adapter interfaces and errors (ErrOptimisticConcurrency, ...)
//   - adapters/postgres, adapters/mysql, adapters/sqlite: SQL event logs
//   - aggregate: load/mutate/save repository with snapshots
//   - notify: in-process wakeup feed for projections
//   - projection, projection/runner: checkpointed projection runtime
//   - budget: connection pool budget bookkeeping
//   - migrations: schema generation for every dialect
//   - logging: zap-backed Logger
//
// # Design Philosophy
//
// Clean Architecture: Core interfaces are database-agnostic. Infrastructure
// concerns (like PostgreSQL) are isolated in adapter packages.
//
// Transaction Control: Stores take a DBTX instead of managing transactions.
// Appends can be combined atomically with other database work, and projection
// handlers write their read model in the transaction that advances the cursor.
//
// Immutability: Events are value objects. They have no position until
// persisted and assigned a global position by the event store.
//
// # Quick Start
//
// 1. Apply the schema:
//
//	config := migrations.DefaultConfig()
//	err := migrations.Apply(ctx, db, migrations.Postgres, &config)
//
// 2. Create an event store:
//
//	st := postgres.NewStore(postgres.DefaultStoreConfig())
//
// 3. Append events:
//
//	tx, _ := db.BeginTx(ctx, nil)
//	defer tx.Rollback()
//
//	events := []es.Event{
//	    {
//	        EventID:      uuid.New(),
//	        TenantID:     "acme",
//	        StreamID:     "ORD-1",
//	        EventType:    "OrderPlaced",
//	        EventVersion: 1,
//	        Payload:      payload,
//	        RecordedAt:   time.Now(),
//	    },
//	}
//
//	result, err := st.Append(ctx, tx, es.NoStream(), events)
//	if errors.Is(err, store.ErrOptimisticConcurrency) {
//	    // someone else changed the stream: reload and decide again
//	}
//	err = tx.Commit()
//
// 4. Read a stream:
//
//	stream, err := st.ReadStream(ctx, db, "acme", "ORD-1", 0)
//	for _, e := range stream.Events {
//	    fmt.Println(e.StreamVersion, e.EventType)
//	}
//
// Most applications use the aggregate repository instead of calling Append
// directly, and run projections with projection/runner. See examples/orders.
package es
