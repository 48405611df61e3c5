// Package migrations provides SQL migration generation and application.
//
// To generate migrations, use the migrate-gen command:
//
//	go run github.com/Wet-Ink-Corporation/praecepta-sub002/cmd/migrate-gen -adapter postgres -output migrations
//
// Or apply the schema directly at startup:
//
//	config := migrations.DefaultConfig()
//	err := migrations.Apply(ctx, db, migrations.SQLite, &config)
package migrations
