// Package store defines the narrow Store contract the replication
// engine depends on, and provides an in-memory implementation that
// stands in for the out-of-scope on-disk B+-tree engine. Range scans
// sort the map's keys at scan time.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vzdtic/replicated-kv/pkg/wal"
)

// KV is a single key/value pair, returned from range scans.
type KV struct {
	Key   string
	Value string
}

// Store is the adapter contract an ordered key-value engine with
// durable per-key apply must satisfy. Memory below is the reference
// implementation used by this repository.
type Store interface {
	Get(key string) (string, bool)
	RangeForward(startKey string, n int) []KV
	RangeBackward(endKey string, n int) []KV
	ExecuteLogSet(key, value string) (uint64, error)
	ExecuteLogDelete(key string) (uint64, error)
	ApplyReplication(rec wal.Record) (bool, error)
	GetLSN() uint64
	GetRecordsSince(lsn uint64) ([]wal.Record, error)
	ResetLogState() error
	Optimize() error
}

// ErrLSNConflict marks a detected conflict between an already-applied
// LSN and a differently-payloaded incoming record for that same LSN.
// This forces a WAL reset rather than silently trusting whichever
// payload was applied first.
var ErrLSNConflict = errors.New("store: LSN conflict detected")

// Memory is an in-memory Store, backed by a segmented WAL for
// durability and replay.
type Memory struct {
	mu sync.RWMutex

	log  *wal.WAL
	data map[string]string

	// lastRecordByLSN retains the payload most recently applied at
	// each LSN, solely so ApplyReplication can detect a same-LSN,
	// different-payload conflict.
	lastRecordByLSN map[uint64]wal.Record

	appliedLSN uint64
	zlog       zerolog.Logger
}

// NewMemory builds a Memory store writing through to w.
func NewMemory(w *wal.WAL, zlog zerolog.Logger) *Memory {
	return &Memory{
		log:             w,
		data:            make(map[string]string),
		lastRecordByLSN: make(map[uint64]wal.Record),
		zlog:            zlog.With().Str("component", "store").Logger(),
	}
}

// Recover replays every record in the underlying WAL to rebuild
// in-memory state; call once after NewMemory, before serving traffic.
func (m *Memory) Recover() error {
	recs, err := m.log.ReadAll()
	if err != nil {
		return fmt.Errorf("store: recovering: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.applyLocked(r)
	}
	return nil
}

func (m *Memory) applyLocked(r wal.Record) {
	switch r.Op {
	case wal.OpSet:
		m.data[r.Key] = r.Value
	case wal.OpDelete:
		delete(m.data, r.Key)
	}
	m.lastRecordByLSN[r.LSN] = r
	if r.LSN > m.appliedLSN {
		m.appliedLSN = r.LSN
	}
}

// Get returns the current value for key.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *Memory) sortedKeysLocked() []string {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RangeForward returns up to n pairs with key >= startKey, ascending.
func (m *Memory) RangeForward(startKey string, n int) []KV {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.sortedKeysLocked()
	var out []KV
	for _, k := range keys {
		if k < startKey {
			continue
		}
		out = append(out, KV{Key: k, Value: m.data[k]})
		if len(out) >= n {
			break
		}
	}
	return out
}

// RangeBackward returns up to n pairs with key <= endKey, descending.
func (m *Memory) RangeBackward(endKey string, n int) []KV {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.sortedKeysLocked()
	var out []KV
	for i := len(keys) - 1; i >= 0; i-- {
		k := keys[i]
		if k > endKey {
			continue
		}
		out = append(out, KV{Key: k, Value: m.data[k]})
		if len(out) >= n {
			break
		}
	}
	return out
}

// ExecuteLogSet atomically appends a SET record under a new LSN and
// applies it, returning 0 on failure.
func (m *Memory) ExecuteLogSet(key, value string) (uint64, error) {
	lsn, err := m.log.LogSet(key, value)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.applyLocked(wal.Record{LSN: lsn, Op: wal.OpSet, Key: key, Value: value})
	m.mu.Unlock()
	return lsn, nil
}

// ExecuteLogDelete atomically appends a DELETE record under a new LSN
// and applies it, returning 0 on failure.
func (m *Memory) ExecuteLogDelete(key string) (uint64, error) {
	lsn, err := m.log.LogDelete(key)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.applyLocked(wal.Record{LSN: lsn, Op: wal.OpDelete, Key: key})
	m.mu.Unlock()
	return lsn, nil
}

// ApplyReplication applies a record streamed from the leader. It is a
// no-op if rec.LSN <= applied_lsn, except that a same-LSN record whose
// payload differs from what was already applied is treated as a
// conflict: the caller (the follower's replication session) is
// expected to respond by forcing a RESET_WAL resync.
func (m *Memory) ApplyReplication(rec wal.Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.LSN <= m.appliedLSN {
		if prior, ok := m.lastRecordByLSN[rec.LSN]; ok {
			if prior.Op != rec.Op || prior.Key != rec.Key || prior.Value != rec.Value {
				m.zlog.Error().
					Uint64("lsn", rec.LSN).
					Str("prior_op", prior.Op.String()).
					Str("incoming_op", rec.Op.String()).
					Msg("LSN conflict: differing payload for already-applied LSN")
				return false, ErrLSNConflict
			}
		}
		return false, nil
	}

	if err := m.log.AppendReplicated(rec); err != nil {
		return false, err
	}
	m.applyLocked(rec)
	return true, nil
}

// GetLSN returns the persisted applied_lsn.
func (m *Memory) GetLSN() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.appliedLSN
}

// GetRecordsSince returns every WAL record with LSN > lsn, for
// follower catch-up.
func (m *Memory) GetRecordsSince(lsn uint64) ([]wal.Record, error) {
	return m.log.ReadFrom(lsn)
}

// ResetLogState truncates the WAL and clears in-memory state; used on
// RESET_WAL and on a detected LSN conflict.
func (m *Memory) ResetLogState() error {
	if err := m.log.ClearAll(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]string)
	m.lastRecordByLSN = make(map[uint64]wal.Record)
	m.appliedLSN = 0
	return nil
}

// Optimize compacts the WAL up to the current applied_lsn. May block.
func (m *Memory) Optimize() error {
	lsn := m.GetLSN()
	return m.log.ClearUpTo(lsn)
}
