// Package replication implements the leader/follower replication
// sessions: the HELLO/WRITE/DELETE/ACK/RESET_WAL wire protocol, LSN
// catch-up, and the quorum-ack wait on the leader side.
package replication

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vzdtic/replicated-kv/pkg/metrics"
	"github.com/vzdtic/replicated-kv/pkg/protocol"
	"github.com/vzdtic/replicated-kv/pkg/store"
	"github.com/vzdtic/replicated-kv/pkg/wal"
)

// SessionTimeout bounds how long a replication socket may block on a
// single read/write before being considered dead.
const SessionTimeout = 5 * time.Second

// AckWaitTimeout bounds how long the leader blocks waiting for a
// quorum of acks before replying at-least-once.
const AckWaitTimeout = 3 * time.Second

// FollowerConnection tracks one connected follower from the leader's
// side: its socket, the last LSN it has acked, and liveness.
type FollowerConnection struct {
	ID           string
	conn         net.Conn
	w            *protocol.Writer
	sendMu       sync.Mutex
	AckedUptoLSN uint64
	IsAlive      bool
	LastSeenMS   int64
}

func (f *FollowerConnection) send(line string) error {
	f.sendMu.Lock()
	defer f.sendMu.Unlock()
	f.conn.SetWriteDeadline(time.Now().Add(SessionTimeout))
	return f.w.WriteLine(line)
}

// Broadcaster owns the set of connected FollowerConnections and the
// quorum-ack condition variable. One Broadcaster is created per leader
// process.
type Broadcaster struct {
	mu        sync.Mutex
	cond      *sync.Cond
	followers map[string]*FollowerConnection
	st        store.Store
	log       zerolog.Logger
	nextID    uint64
}

// NewBroadcaster builds a Broadcaster fronting st.
func NewBroadcaster(st store.Store, log zerolog.Logger) *Broadcaster {
	b := &Broadcaster{
		followers: make(map[string]*FollowerConnection),
		st:        st,
		log:       log.With().Str("component", "replication-leader").Logger(),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// HandleFollower runs one follower session to completion: handshake,
// catch-up stream, then an ACK read loop. It blocks until the
// connection closes or fails, and should be run in its own goroutine
// per accepted connection.
func (b *Broadcaster) HandleFollower(conn net.Conn) {
	defer conn.Close()

	r := protocol.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(SessionTimeout))
	line, err := r.ReadLine()
	if err != nil {
		b.log.Warn().Err(err).Msg("follower session: failed to read HELLO")
		return
	}
	fields := protocol.Fields(line)
	if len(fields) != 2 || fields[0] != "HELLO" {
		b.log.Warn().Str("line", line).Msg("follower session: expected HELLO")
		return
	}
	startLSN, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		b.log.Warn().Str("line", line).Msg("follower session: malformed HELLO lsn")
		return
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("f%d", b.nextID)
	fc := &FollowerConnection{
		ID:      id,
		conn:    conn,
		w:       protocol.NewWriter(conn),
		IsAlive: true,
	}
	// Held until catch-up finishes: broadcasts to this follower queue
	// behind it instead of overtaking the catch-up stream.
	fc.sendMu.Lock()
	b.followers[id] = fc
	b.mu.Unlock()

	b.log.Info().Str("follower", id).Uint64("from_lsn", startLSN).Msg("follower connected")

	defer func() {
		b.mu.Lock()
		fc.IsAlive = false
		delete(b.followers, id)
		b.cond.Broadcast()
		b.mu.Unlock()
		b.log.Info().Str("follower", id).Msg("follower session ended")
	}()

	// Catch-up: stream everything since startLSN under the
	// per-connection send lock, so live broadcasts cannot interleave a
	// half-sent catch-up frame.
	records, err := b.st.GetRecordsSince(startLSN)
	if err != nil {
		fc.sendMu.Unlock()
		b.log.Error().Err(err).Str("follower", id).Msg("follower session: reading catch-up records")
		return
	}
	for _, rec := range records {
		conn.SetWriteDeadline(time.Now().Add(SessionTimeout))
		if err := fc.w.WriteLine(encodeRecord(rec)); err != nil {
			fc.sendMu.Unlock()
			b.log.Warn().Err(err).Str("follower", id).Msg("follower session: catch-up send failed")
			return
		}
	}
	fc.sendMu.Unlock()

	for {
		conn.SetReadDeadline(time.Now().Add(SessionTimeout))
		line, err := r.ReadLine()
		if err != nil {
			return
		}
		fields := protocol.Fields(line)
		if len(fields) != 2 || fields[0] != "ACK" {
			b.log.Warn().Str("line", line).Str("follower", id).Msg("follower session: malformed ACK, dropping frame")
			continue
		}
		ack, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		b.mu.Lock()
		if ack > fc.AckedUptoLSN {
			fc.AckedUptoLSN = ack
		}
		fc.LastSeenMS = time.Now().UnixMilli()
		b.cond.Broadcast()
		b.mu.Unlock()
		metrics.FollowerAckedLSN.WithLabelValues(id).Set(float64(fc.AckedUptoLSN))
	}
}

func encodeRecord(rec wal.Record) string {
	if rec.Op == wal.OpDelete {
		return fmt.Sprintf("DELETE %d %s", rec.LSN, rec.Key)
	}
	return fmt.Sprintf("WRITE %d %s %s", rec.LSN, rec.Key, protocol.EncodeValue([]byte(rec.Value)))
}

// Broadcast sends rec to every currently alive follower, best-effort.
// A send failure marks that connection dead; its session goroutine
// will observe the failure on its next operation and clean itself up.
func (b *Broadcaster) Broadcast(rec wal.Record) {
	line := encodeRecord(rec)
	b.mu.Lock()
	conns := make([]*FollowerConnection, 0, len(b.followers))
	for _, fc := range b.followers {
		if fc.IsAlive {
			conns = append(conns, fc)
		}
	}
	b.mu.Unlock()

	for _, fc := range conns {
		if err := fc.send(line); err != nil {
			b.mu.Lock()
			fc.IsAlive = false
			b.mu.Unlock()
			b.log.Warn().Err(err).Str("follower", fc.ID).Msg("broadcast send failed")
		}
	}
}

// BroadcastReset sends RESET_WAL to every alive follower, telling each
// to truncate its log and resync from scratch. The leader role does not
// call it.
func (b *Broadcaster) BroadcastReset() {
	b.mu.Lock()
	conns := make([]*FollowerConnection, 0, len(b.followers))
	for _, fc := range b.followers {
		if fc.IsAlive {
			conns = append(conns, fc)
		}
	}
	b.mu.Unlock()
	for _, fc := range conns {
		fc.send("RESET_WAL")
	}
}

// countAcksLocked returns how many alive followers have acked at least
// lsn. Must be called with b.mu held.
func (b *Broadcaster) countAcksLocked(lsn uint64) int {
	n := 0
	for _, fc := range b.followers {
		if fc.IsAlive && fc.AckedUptoLSN >= lsn {
			n++
		}
	}
	return n
}

// WaitForAcks blocks until at least required alive followers have
// acked lsn, or AckWaitTimeout elapses, whichever comes first. It
// returns true if quorum was reached, false on timeout — the caller
// (the leader role) treats a timeout as at-least-once propagation per
// the default and still replies OK.
//
// Every ACK receipt calls cond.Broadcast(); this goroutine wakes on
// each broadcast to re-check the count, falling back to a periodic
// nudge so the deadline is still honored if no further ACK arrives.
func (b *Broadcaster) WaitForAcks(lsn uint64, required int) bool {
	deadline := time.Now().Add(AckWaitTimeout)

	b.mu.Lock()
	defer b.mu.Unlock()

	for b.countAcksLocked(lsn) < required {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer := time.AfterFunc(minDuration(remaining, 100*time.Millisecond), func() {
			b.mu.Lock()
			b.cond.Broadcast()
			b.mu.Unlock()
		})
		b.cond.Wait()
		timer.Stop()
	}
	return true
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// FollowerStatus is a snapshot of one FollowerConnection, used by the
// supervisor's CLUSTER_STATUS relay over the INTERNAL_FOLLOWER_STATUS
// command.
type FollowerStatus struct {
	ID           string
	AckedUptoLSN uint64
	LastSeenMS   int64
}

// Snapshot returns the current status of every alive follower.
func (b *Broadcaster) Snapshot() []FollowerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]FollowerStatus, 0, len(b.followers))
	for _, fc := range b.followers {
		if fc.IsAlive {
			out = append(out, FollowerStatus{ID: fc.ID, AckedUptoLSN: fc.AckedUptoLSN, LastSeenMS: fc.LastSeenMS})
		}
	}
	return out
}
