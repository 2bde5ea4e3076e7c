package replication

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/vzdtic/replicated-kv/pkg/protocol"
	"github.com/vzdtic/replicated-kv/pkg/store"
	"github.com/vzdtic/replicated-kv/pkg/wal"
)

// MaxConsecutiveFailures is the count of non-useful sync sessions
// after which the follower process exits, relying on the supervisor to
// respawn it with the then-current role.
const MaxConsecutiveFailures = 5

// BaseBackoff and MaxBackoff bound the follower's reconnect backoff.
const (
	BaseBackoff = 1 * time.Second
	MaxBackoff  = 30 * time.Second
)

// ErrTooManyFailures is returned by Run when MaxConsecutiveFailures
// consecutive non-useful sessions have occurred; the caller is
// expected to exit the process.
var ErrTooManyFailures = errors.New("replication: too many consecutive sync failures")

// Syncer drives a follower's connect/catch-up/apply loop against a
// leader's replication port.
type Syncer struct {
	st  store.Store
	log zerolog.Logger

	dial func(addr string) (net.Conn, error)
}

// NewSyncer builds a Syncer applying replicated records to st.
func NewSyncer(st store.Store, log zerolog.Logger) *Syncer {
	return &Syncer{
		st:  st,
		log: log.With().Str("component", "replication-follower").Logger(),
		dial: func(addr string) (net.Conn, error) {
			return net.DialTimeout("tcp", addr, SessionTimeout)
		},
	}
}

// Run connects to leaderAddr and syncs forever, reconnecting with
// exponential backoff on failure. It returns ErrTooManyFailures after
// MaxConsecutiveFailures consecutive non-useful sessions; any other
// return indicates the stop channel fired.
func (s *Syncer) Run(leaderAddr string, stop <-chan struct{}) error {
	backoff := BaseBackoff
	failures := 0

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		useful, err := s.runSession(leaderAddr, stop)
		if err != nil {
			s.log.Warn().Err(err).Str("leader", leaderAddr).Msg("replication session ended with error")
		}
		if useful {
			failures = 0
			backoff = BaseBackoff
		} else {
			failures++
			s.log.Warn().Int("consecutive_failures", failures).Msg("non-useful replication session")
			if failures >= MaxConsecutiveFailures {
				return ErrTooManyFailures
			}
		}

		select {
		case <-stop:
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > MaxBackoff {
			backoff = MaxBackoff
		}
	}
}

// runSession performs one connect+handshake+apply loop. It returns
// useful=true if at least one WRITE/DELETE frame was applied or
// dropped-as-idempotent during the session (i.e. progress was made),
// matching the original's "useful session" failure-counter rule.
func (s *Syncer) runSession(leaderAddr string, stop <-chan struct{}) (useful bool, err error) {
	conn, err := s.dial(leaderAddr)
	if err != nil {
		return false, fmt.Errorf("replication: connecting to %s: %w", leaderAddr, err)
	}
	defer conn.Close()

	appliedLSN := s.st.GetLSN()
	w := protocol.NewWriter(conn)
	r := protocol.NewReader(conn)

	conn.SetWriteDeadline(time.Now().Add(SessionTimeout))
	if err := w.WriteLine(fmt.Sprintf("HELLO %d", appliedLSN)); err != nil {
		return false, fmt.Errorf("replication: sending HELLO: %w", err)
	}

	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-stop:
			conn.Close()
		case <-sessionDone:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(SessionTimeout))
		line, err := r.ReadLine()
		if err != nil {
			return useful, fmt.Errorf("replication: reading frame: %w", err)
		}

		fields := protocol.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "WRITE":
			if len(fields) < 4 {
				s.log.Warn().Str("line", line).Msg("malformed WRITE frame, dropping")
				continue
			}
			lsn, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				s.log.Warn().Str("line", line).Msg("malformed WRITE lsn, dropping")
				continue
			}
			key := fields[2]
			value, err := protocol.ReadValueTail(r, line, 3)
			if err != nil {
				s.log.Warn().Err(err).Str("line", line).Msg("malformed WRITE value, dropping")
				continue
			}
			if _, err := s.st.ApplyReplication(wal.Record{LSN: lsn, Op: wal.OpSet, Key: key, Value: value}); err != nil {
				if errors.Is(err, store.ErrLSNConflict) {
					s.log.Error().Uint64("lsn", lsn).Msg("LSN conflict, forcing resync from scratch")
					if rerr := s.st.ResetLogState(); rerr != nil {
						return useful, fmt.Errorf("replication: resetting after conflict: %w", rerr)
					}
					return true, errResetNeeded
				}
				return useful, fmt.Errorf("replication: applying WRITE: %w", err)
			}
			useful = true
			conn.SetWriteDeadline(time.Now().Add(SessionTimeout))
			if err := w.WriteLine(fmt.Sprintf("ACK %d", lsn)); err != nil {
				return useful, fmt.Errorf("replication: sending ACK: %w", err)
			}

		case "DELETE":
			if len(fields) < 3 {
				s.log.Warn().Str("line", line).Msg("malformed DELETE frame, dropping")
				continue
			}
			lsn, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				s.log.Warn().Str("line", line).Msg("malformed DELETE lsn, dropping")
				continue
			}
			key := fields[2]
			if _, err := s.st.ApplyReplication(wal.Record{LSN: lsn, Op: wal.OpDelete, Key: key}); err != nil {
				if errors.Is(err, store.ErrLSNConflict) {
					s.log.Error().Uint64("lsn", lsn).Msg("LSN conflict, forcing resync from scratch")
					if rerr := s.st.ResetLogState(); rerr != nil {
						return useful, fmt.Errorf("replication: resetting after conflict: %w", rerr)
					}
					return true, errResetNeeded
				}
				return useful, fmt.Errorf("replication: applying DELETE: %w", err)
			}
			useful = true
			conn.SetWriteDeadline(time.Now().Add(SessionTimeout))
			if err := w.WriteLine(fmt.Sprintf("ACK %d", lsn)); err != nil {
				return useful, fmt.Errorf("replication: sending ACK: %w", err)
			}

		case "RESET_WAL":
			if err := s.st.ResetLogState(); err != nil {
				return useful, fmt.Errorf("replication: applying RESET_WAL: %w", err)
			}
			return true, errResetNeeded

		default:
			s.log.Warn().Str("line", line).Msg("unrecognized replication frame, dropping")
		}
	}
}

// errResetNeeded is a private sentinel meaning "session ended cleanly
// because RESET_WAL was processed; reconnect and resend HELLO 0". Run
// treats any non-nil error identically (log + continue the loop), so
// this does not need to be exported.
var errResetNeeded = errors.New("replication: reset processed, restarting session")
