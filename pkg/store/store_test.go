package store

import (
	"errors"
	"os"
	"testing"

	"github.com/rs/zerolog"

	"github.com/vzdtic/replicated-kv/pkg/wal"
)

func nopLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func newMemory(t *testing.T) *Memory {
	t.Helper()
	w, err := wal.Open(t.TempDir(), "test", 0, nopLogger())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return NewMemory(w, nopLogger())
}

func TestExecuteLogSetThenGet(t *testing.T) {
	m := newMemory(t)
	lsn, err := m.ExecuteLogSet("a", "1")
	if err != nil {
		t.Fatalf("ExecuteLogSet: %v", err)
	}
	if lsn != 1 {
		t.Fatalf("lsn = %d, want 1", lsn)
	}
	v, ok := m.Get("a")
	if !ok || v != "1" {
		t.Fatalf("Get(a) = %q, %v", v, ok)
	}
	if m.GetLSN() != 1 {
		t.Fatalf("GetLSN() = %d, want 1", m.GetLSN())
	}
}

func TestExecuteLogDeleteRemovesKey(t *testing.T) {
	m := newMemory(t)
	m.ExecuteLogSet("a", "1")
	m.ExecuteLogDelete("a")
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected a to be deleted")
	}
}

func TestRangeForwardAndBackward(t *testing.T) {
	m := newMemory(t)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		m.ExecuteLogSet(k, k)
	}
	fwd := m.RangeForward("c", 10)
	if len(fwd) != 3 || fwd[0].Key != "c" || fwd[2].Key != "e" {
		t.Fatalf("RangeForward: %+v", fwd)
	}
	bwd := m.RangeBackward("c", 10)
	if len(bwd) != 3 || bwd[0].Key != "c" || bwd[2].Key != "a" {
		t.Fatalf("RangeBackward: %+v", bwd)
	}
}

func TestApplyReplicationIdempotent(t *testing.T) {
	m := newMemory(t)
	rec := wal.Record{LSN: 1, Op: wal.OpSet, Key: "k", Value: "v"}

	applied, err := m.ApplyReplication(rec)
	if err != nil {
		t.Fatalf("ApplyReplication: %v", err)
	}
	if !applied {
		t.Fatalf("expected first apply to take effect")
	}
	if m.GetLSN() != 1 {
		t.Fatalf("GetLSN() = %d, want 1", m.GetLSN())
	}

	applied, err = m.ApplyReplication(rec)
	if err != nil {
		t.Fatalf("ApplyReplication (dup): %v", err)
	}
	if applied {
		t.Fatalf("expected duplicate apply to be a no-op")
	}
	if m.GetLSN() != 1 {
		t.Fatalf("GetLSN() after dup = %d, want 1", m.GetLSN())
	}
}

func TestApplyReplicationConflictDetected(t *testing.T) {
	m := newMemory(t)
	rec := wal.Record{LSN: 1, Op: wal.OpSet, Key: "k", Value: "v1"}
	if _, err := m.ApplyReplication(rec); err != nil {
		t.Fatalf("ApplyReplication: %v", err)
	}

	conflicting := wal.Record{LSN: 1, Op: wal.OpSet, Key: "k", Value: "v2"}
	_, err := m.ApplyReplication(conflicting)
	if !errors.Is(err, ErrLSNConflict) {
		t.Fatalf("expected ErrLSNConflict, got %v", err)
	}
}

func TestGetRecordsSinceForCatchUp(t *testing.T) {
	m := newMemory(t)
	m.ExecuteLogSet("a", "1")
	m.ExecuteLogSet("b", "2")
	m.ExecuteLogDelete("a")

	recs, err := m.GetRecordsSince(0)
	if err != nil {
		t.Fatalf("GetRecordsSince: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
}

func TestResetLogStateClearsEverything(t *testing.T) {
	m := newMemory(t)
	m.ExecuteLogSet("a", "1")
	if err := m.ResetLogState(); err != nil {
		t.Fatalf("ResetLogState: %v", err)
	}
	if m.GetLSN() != 0 {
		t.Fatalf("GetLSN() after reset = %d, want 0", m.GetLSN())
	}
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected state cleared after reset")
	}
}

func TestRecoverReplaysExistingWAL(t *testing.T) {
	dir := t.TempDir()
	w, err := wal.Open(dir, "test", 0, nopLogger())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	w.LogSet("a", "1")
	w.LogSet("b", "2")
	w.Close()

	w2, err := wal.Open(dir, "test", 0, nopLogger())
	if err != nil {
		t.Fatalf("wal.Open (reopen): %v", err)
	}
	defer w2.Close()

	m := NewMemory(w2, nopLogger())
	if err := m.Recover(); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if v, ok := m.Get("b"); !ok || v != "2" {
		t.Fatalf("Get(b) after recover = %q, %v", v, ok)
	}
	if m.GetLSN() != 2 {
		t.Fatalf("GetLSN() after recover = %d, want 2", m.GetLSN())
	}
}
