// Package budget tracks how many database connections each component
// intends to open and checks the total against the server's limit.
//
// The manager is bookkeeping only. It never opens or limits connections;
// each component honors its own declared size (see Configure).
//
// Startup order:
//
//	m := budget.NewManager(budget.Config{Logger: logger})
//	_ = m.Register("write-path", 10, 5)
//	_ = m.Register("projections", 4, 0)
//	warnings, err := m.Validate(90)
package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
)

var (
	// ErrBudgetExceeded is returned by Validate in strict mode when the
	// registered pools can open more connections than the ceiling allows.
	ErrBudgetExceeded = errors.New("connection budget exceeded")

	// ErrSealed is returned by Register after Validate has run.
	ErrSealed = errors.New("budget manager is sealed")

	// ErrDuplicateComponent is returned when a component registers twice.
	ErrDuplicateComponent = errors.New("component already registered")

	// ErrInvalidEntry is returned for empty names or negative sizes.
	ErrInvalidEntry = errors.New("invalid budget entry")
)

// Entry is one component's declared connection usage.
type Entry struct {
	Component   string `json:"component"`
	PoolSize    int    `json:"pool_size"`
	MaxOverflow int    `json:"max_overflow"`
}

// Max returns the most connections the component may hold at once.
func (e Entry) Max() int {
	return e.PoolSize + e.MaxOverflow
}

// Warning describes a budget problem found by Validate.
type Warning struct {
	Component string `json:"component,omitempty"`
	Message   string `json:"message"`
}

func (w Warning) String() string {
	if w.Component == "" {
		return w.Message
	}
	return w.Component + ": " + w.Message
}

// Report summarizes the registered entries.
type Report struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Ceiling int     `json:"ceiling"`
	// Validated is false until Validate has run.
	Validated bool `json:"validated"`
}

// Config configures a Manager.
type Config struct {
	// Logger receives warnings. Nil disables logging.
	Logger es.Logger

	// Strict makes Validate return ErrBudgetExceeded instead of only warning.
	Strict bool
}

// Manager collects component registrations and validates them once.
type Manager struct {
	config  Config
	entries map[string]Entry
	ceiling int
	sealed  bool
	mu      sync.Mutex
}

// NewManager creates an empty manager.
func NewManager(config Config) *Manager {
	config.Logger = es.LoggerOrNoOp(config.Logger)
	return &Manager{
		config:  config,
		entries: make(map[string]Entry),
	}
}

// Register declares a component's pool. Each component registers once,
// before Validate.
func (m *Manager) Register(component string, poolSize, maxOverflow int) error {
	if component == "" {
		return fmt.Errorf("%w: component name is required", ErrInvalidEntry)
	}
	if poolSize < 0 || maxOverflow < 0 {
		return fmt.Errorf("%w: %s: pool size and overflow must not be negative", ErrInvalidEntry, component)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sealed {
		return fmt.Errorf("%w: cannot register %s", ErrSealed, component)
	}
	if _, exists := m.entries[component]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateComponent, component)
	}

	m.entries[component] = Entry{Component: component, PoolSize: poolSize, MaxOverflow: maxOverflow}
	m.config.Logger.Debug(context.Background(), "budget registered", "component", component, "pool_size", poolSize, "max_overflow", maxOverflow)
	return nil
}

// Validate compares the sum of pool sizes and overflows to ceiling and
// seals the manager. Problems are returned as warnings and logged. In
// strict mode an exceeded budget also returns ErrBudgetExceeded.
func (m *Manager) Validate(ceiling int) ([]Warning, error) {
	m.mu.Lock()
	m.sealed = true
	m.ceiling = ceiling
	entries := m.sortedLocked()
	m.mu.Unlock()

	var warnings []Warning
	if ceiling <= 0 {
		warnings = append(warnings, Warning{Message: fmt.Sprintf("ceiling %d is not positive", ceiling)})
	}

	total := 0
	for _, e := range entries {
		total += e.Max()
		if e.PoolSize == 0 {
			warnings = append(warnings, Warning{Component: e.Component, Message: "pool size 0 leaves the pool unbounded"})
		}
	}

	exceeded := total > ceiling
	if exceeded {
		warnings = append(warnings, Warning{
			Message: fmt.Sprintf("components may open %d connections, ceiling is %d", total, ceiling),
		})
		m.config.Logger.Error(context.Background(), "connection budget exceeded", "total", total, "ceiling", ceiling, "components", len(entries))
	}

	for _, w := range warnings {
		m.config.Logger.Warn(context.Background(), "connection budget warning", "component", w.Component, "message", w.Message)
	}

	if exceeded && m.config.Strict {
		return warnings, fmt.Errorf("%w: %d connections over a ceiling of %d", ErrBudgetExceeded, total, ceiling)
	}

	m.config.Logger.Info(context.Background(), "connection budget validated", "total", total, "ceiling", ceiling, "warnings", len(warnings))
	return warnings, nil
}

// Report returns the registered entries sorted by component and their total.
func (m *Manager) Report() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := Report{Entries: m.sortedLocked(), Ceiling: m.ceiling, Validated: m.sealed}
	for _, e := range r.Entries {
		r.Total += e.Max()
	}
	return r
}

// Entry returns the registration for component.
func (m *Manager) Entry(component string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[component]
	return e, ok
}

func (m *Manager) sortedLocked() []Entry {
	entries := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Component < entries[j].Component })
	return entries
}

// Configure sizes db to match entry: idle connections up to the pool size
// and open connections up to pool plus overflow.
func Configure(db *sql.DB, entry Entry) {
	db.SetMaxIdleConns(entry.PoolSize)
	db.SetMaxOpenConns(entry.Max())
}
