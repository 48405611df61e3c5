// Command migrate-gen generates SQL migration files for the event store.
//
// Usage:
//
//	go run github.com/Wet-Ink-Corporation/praecepta-sub002/cmd/migrate-gen -output migrations -filename init.sql
//
// Or with go generate:
//
//	//go:generate go run github.com/Wet-Ink-Corporation/praecepta-sub002/cmd/migrate-gen -output migrations
//
// Generate migrations for different dialects:
//
//	go run github.com/Wet-Ink-Corporation/praecepta-sub002/cmd/migrate-gen -adapter postgres -output migrations
//	go run github.com/Wet-Ink-Corporation/praecepta-sub002/cmd/migrate-gen -adapter mysql -output migrations
//	go run github.com/Wet-Ink-Corporation/praecepta-sub002/cmd/migrate-gen -adapter sqlite -output migrations
//
// Apply the schema directly instead of writing a file:
//
//	go run github.com/Wet-Ink-Corporation/praecepta-sub002/cmd/migrate-gen -adapter sqlite -apply -dsn events.db
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/adapters/mysql"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/adapters/postgres"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/adapters/sqlite"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/migrations"
	praecepta "github.com/Wet-Ink-Corporation/praecepta-sub002/pkg"
)

func main() {
	var (
		adapter          = flag.String("adapter", "postgres", "Database adapter: postgres, mysql, or sqlite")
		outputFolder     = flag.String("output", "migrations", "Output folder for migration file")
		outputFilename   = flag.String("filename", "", "Output filename (default: timestamp-based)")
		eventsTable      = flag.String("events-table", "events", "Name of events table")
		streamHeadsTable = flag.String("stream-heads-table", "stream_heads", "Name of stream heads table")
		snapshotsTable   = flag.String("snapshots-table", "snapshots", "Name of snapshots table")
		checkpointsTable = flag.String("checkpoints-table", "projection_checkpoints", "Name of checkpoints table")
		appendLockTable  = flag.String("append-lock-table", "event_append_lock", "Name of append lock table (mysql)")
		apply            = flag.Bool("apply", false, "Apply the schema to -dsn instead of writing a file")
		dsn              = flag.String("dsn", "", "Database to apply the schema to")
		printVersion     = flag.Bool("version", false, "Print version and exit")
	)

	flag.Parse()

	if *printVersion {
		fmt.Println(praecepta.Version())
		return
	}

	dialect, err := migrations.ParseDialect(*adapter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	config := migrations.DefaultConfig()
	config.OutputFolder = *outputFolder
	config.EventsTable = *eventsTable
	config.StreamHeadsTable = *streamHeadsTable
	config.SnapshotsTable = *snapshotsTable
	config.CheckpointsTable = *checkpointsTable
	config.AppendLockTable = *appendLockTable

	if *outputFilename != "" {
		config.OutputFilename = *outputFilename
	}

	if *apply {
		if err := applySchema(dialect, *dsn, &config); err != nil {
			fmt.Fprintf(os.Stderr, "Error applying migration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Applied %s migration\n", dialect)
		return
	}

	if err := migrations.Generate(dialect, &config); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating migration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s migration: %s/%s\n", dialect, config.OutputFolder, config.OutputFilename)
}

func applySchema(dialect migrations.Dialect, dsn string, config *migrations.Config) error {
	if dsn == "" {
		return fmt.Errorf("-dsn is required with -apply")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case migrations.Postgres:
		db, err = postgres.Open(ctx, dsn)
	case migrations.MySQL:
		db, err = mysql.Open(ctx, dsn)
	default:
		db, err = sqlite.Open(dsn)
	}
	if err != nil {
		return err
	}
	defer db.Close()

	return migrations.Apply(ctx, db, dialect, config)
}
