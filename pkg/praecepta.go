// Package praecepta provides an event-sourced storage engine for Go applications.
//
// This package serves as the main entry point for the module.
// The engine itself lives in the es package and its subpackages:
//
//	es                  - Core types and interfaces
//	es/store            - Event log, snapshot and checkpoint contracts
//	es/adapters/...     - PostgreSQL, MySQL and SQLite implementations
//	es/aggregate        - Aggregate repository with snapshotting
//	es/notify           - Notification feed
//	es/projection       - Projection runtime
//	es/budget           - Connection pool budget manager
//	es/migrations       - Migration generation
//
// See the examples directory for a complete working application.
package praecepta

// Version returns the current version of the module.
func Version() string {
	return "0.3.0"
}
