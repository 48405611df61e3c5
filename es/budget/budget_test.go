package budget

import (
	"errors"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/adapters/sqlite"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/logging"
)

func TestManager_Register(t *testing.T) {
	tests := []struct {
		name        string
		component   string
		poolSize    int
		maxOverflow int
		wantErr     error
	}{
		{"valid", "write-path", 10, 5, nil},
		{"zero overflow", "projections", 4, 0, nil},
		{"empty name", "", 1, 0, ErrInvalidEntry},
		{"negative pool", "reports", -1, 0, ErrInvalidEntry},
		{"negative overflow", "reports", 1, -2, ErrInvalidEntry},
		{"duplicate", "write-path", 1, 1, ErrDuplicateComponent},
	}

	m := NewManager(Config{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Register(tt.component, tt.poolSize, tt.maxOverflow)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if e, ok := m.Entry("write-path"); !ok || e.Max() != 15 {
		t.Errorf("expected write-path entry with max 15, got %+v (%v)", e, ok)
	}
}

func TestManager_ValidateWithinBudget(t *testing.T) {
	m := NewManager(Config{Strict: true})
	mustRegister(t, m, "write-path", 10, 5)
	mustRegister(t, m, "projections", 4, 1)

	warnings, err := m.Validate(20)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
}

func TestManager_ValidateOverBudgetFailsOpen(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	m := NewManager(Config{Logger: logging.NewZapLogger(zap.New(core))})
	mustRegister(t, m, "write-path", 10, 5)
	mustRegister(t, m, "projections", 10, 0)

	warnings, err := m.Validate(20)
	if err != nil {
		t.Fatalf("expected fail-open, got %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", warnings)
	}
	if got := warnings[0].String(); got != "components may open 25 connections, ceiling is 20" {
		t.Errorf("unexpected warning %q", got)
	}
	if logs.FilterLevelExact(zapcore.ErrorLevel).FilterMessage("connection budget exceeded").Len() != 1 {
		t.Error("expected the exceeded budget to be logged at error level")
	}
}

func TestManager_ValidateStrict(t *testing.T) {
	m := NewManager(Config{Strict: true})
	mustRegister(t, m, "write-path", 10, 5)

	warnings, err := m.Validate(14)
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if len(warnings) != 1 {
		t.Errorf("expected the warning alongside the error, got %v", warnings)
	}
}

func TestManager_ValidateWarnings(t *testing.T) {
	m := NewManager(Config{})
	mustRegister(t, m, "adhoc", 0, 0)

	warnings, err := m.Validate(0)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(warnings) != 2 {
		t.Fatalf("expected ceiling and unbounded pool warnings, got %v", warnings)
	}
	if warnings[1].Component != "adhoc" {
		t.Errorf("expected warning for adhoc, got %+v", warnings[1])
	}
}

func TestManager_SealedAfterValidate(t *testing.T) {
	m := NewManager(Config{})
	mustRegister(t, m, "write-path", 2, 0)
	if _, err := m.Validate(10); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if err := m.Register("late", 1, 0); !errors.Is(err, ErrSealed) {
		t.Errorf("expected ErrSealed, got %v", err)
	}
}

func TestManager_Report(t *testing.T) {
	m := NewManager(Config{})
	mustRegister(t, m, "write-path", 10, 5)
	mustRegister(t, m, "api", 3, 2)

	r := m.Report()
	if r.Validated {
		t.Error("expected unvalidated report")
	}
	if r.Total != 20 || len(r.Entries) != 2 || r.Entries[0].Component != "api" {
		t.Errorf("unexpected report %+v", r)
	}

	if _, err := m.Validate(50); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if r = m.Report(); !r.Validated || r.Ceiling != 50 {
		t.Errorf("unexpected report after validation %+v", r)
	}
}

func TestConfigure(t *testing.T) {
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "budget.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	Configure(db, Entry{Component: "write-path", PoolSize: 3, MaxOverflow: 2})
	if got := db.Stats().MaxOpenConnections; got != 5 {
		t.Errorf("MaxOpenConnections = %d, want 5", got)
	}
}

func mustRegister(t *testing.T, m *Manager, component string, poolSize, maxOverflow int) {
	t.Helper()
	if err := m.Register(component, poolSize, maxOverflow); err != nil {
		t.Fatalf("Register(%s): %v", component, err)
	}
}
