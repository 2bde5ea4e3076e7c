// Package leaderrole implements the leader's client-facing command
// server: SET/PUT/DEL/GET/GETFF/GETFB/OPTIMIZE over the client port,
// plus the follower-accept loop on the replication port.
package leaderrole

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/vzdtic/replicated-kv/pkg/metrics"
	"github.com/vzdtic/replicated-kv/pkg/protocol"
	"github.com/vzdtic/replicated-kv/pkg/replication"
	"github.com/vzdtic/replicated-kv/pkg/store"
	"github.com/vzdtic/replicated-kv/pkg/wal"
)

// Config holds the leader's startup parameters.
type Config struct {
	ClientAddr string // host:port for the client command server
	ReplAddr   string // host:port for the follower replication server
	// RequiredAcks is the number of follower acks (beyond the leader
	// itself) a write waits for before replying OK. Typically N/2.
	RequiredAcks int
	// RequireQuorumAck, when true, makes a quorum-wait timeout return
	// ERR_NO_QUORUM instead of OK lsn once a write's quorum wait times out.
	RequireQuorumAck bool
	// ControlAddr is the local election control port queried before
	// every write to confirm ElectedTerm still matches the current
	// term. Empty disables the check (standalone/test use).
	ControlAddr string
	// ElectedTerm is the term this process was spawned as leader for,
	// captured by the supervisor at spawn time.
	ElectedTerm uint64
}

// Leader runs the client command server and the follower-accept loop
// against a shared Store.
type Leader struct {
	cfg Config
	st  store.Store
	b   *replication.Broadcaster
	log zerolog.Logger

	clientLn net.Listener
	replLn   net.Listener
}

// New builds a Leader over st.
func New(cfg Config, st store.Store, log zerolog.Logger) *Leader {
	return &Leader{
		cfg: cfg,
		st:  st,
		b:   replication.NewBroadcaster(st, log),
		log: log.With().Str("component", "leader").Logger(),
	}
}

// Run opens both listeners and serves until the listeners are closed
// (via Stop) or an accept loop fails fatally.
func (l *Leader) Run() error {
	clientLn, err := net.Listen("tcp", l.cfg.ClientAddr)
	if err != nil {
		return fmt.Errorf("leader: listening on client addr %s: %w", l.cfg.ClientAddr, err)
	}
	l.clientLn = clientLn

	replLn, err := net.Listen("tcp", l.cfg.ReplAddr)
	if err != nil {
		clientLn.Close()
		return fmt.Errorf("leader: listening on repl addr %s: %w", l.cfg.ReplAddr, err)
	}
	l.replLn = replLn

	go l.acceptFollowers()
	return l.acceptClients()
}

// Stop closes both listeners, unblocking the accept loops.
func (l *Leader) Stop() {
	if l.clientLn != nil {
		l.clientLn.Close()
	}
	if l.replLn != nil {
		l.replLn.Close()
	}
}

func (l *Leader) acceptFollowers() {
	for {
		conn, err := l.replLn.Accept()
		if err != nil {
			return
		}
		go l.b.HandleFollower(conn)
	}
}

func (l *Leader) acceptClients() error {
	for {
		conn, err := l.clientLn.Accept()
		if err != nil {
			return nil
		}
		go l.handleClient(conn)
	}
}

func (l *Leader) handleClient(conn net.Conn) {
	defer conn.Close()
	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(replication.SessionTimeout))
		line, err := r.ReadLine()
		if err != nil {
			return
		}
		reply, keepGoing := l.dispatch(r, w, line)
		if reply != "" {
			conn.SetWriteDeadline(time.Now().Add(replication.SessionTimeout))
			if err := w.WriteLine(reply); err != nil {
				return
			}
		}
		if !keepGoing {
			return
		}
	}
}

// dispatch handles one command line, returning the single-line reply
// (empty if the command streams its own multi-line reply directly, as
// GETFF/GETFB do) and whether the session should continue.
func (l *Leader) dispatch(r *protocol.Reader, w *protocol.Writer, line string) (reply string, keepGoing bool) {
	fields := protocol.Fields(line)
	if len(fields) == 0 {
		return "ERR usage: SET|PUT|DEL|GET|GETFF|GETFB|OPTIMIZE", true
	}

	switch fields[0] {
	case "SET", "PUT":
		if len(fields) < 3 {
			return "ERR usage: SET key len value", true
		}
		key := fields[1]
		value, err := protocol.ReadValueTail(r, line, 2)
		if err != nil {
			return "ERR usage: SET key len value", true
		}
		return l.handleWrite(key, value, false), true

	case "DEL":
		if len(fields) < 2 {
			return "ERR usage: DEL key", true
		}
		return l.handleWrite(fields[1], "", true), true

	case "GET":
		if len(fields) < 2 {
			return "ERR usage: GET key", true
		}
		v, ok := l.st.Get(fields[1])
		if !ok {
			return "NOT_FOUND", true
		}
		return "VALUE " + protocol.EncodeValue([]byte(v)), true

	case "GETFF", "GETFB":
		if len(fields) < 3 {
			return "ERR usage: " + fields[0] + " key n", true
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil || n < 0 {
			return "ERR usage: " + fields[0] + " key n", true
		}
		var rows []store.KV
		if fields[0] == "GETFF" {
			rows = l.st.RangeForward(fields[1], n)
		} else {
			rows = l.st.RangeBackward(fields[1], n)
		}
		for _, kv := range rows {
			w.WriteLine(fmt.Sprintf("KEY_VALUE %s %s", kv.Key, protocol.EncodeValue([]byte(kv.Value))))
		}
		return "END", true

	case "OPTIMIZE":
		if err := l.st.Optimize(); err != nil {
			return "ERR " + err.Error(), true
		}
		return "OK_OPTIMIZED", true

	// INTERNAL_FOLLOWER_STATUS is not part of the client-facing
	// contract; it is consumed only by the local supervisor's
	// CLUSTER_STATUS relay.
	case "INTERNAL_FOLLOWER_STATUS":
		for _, fs := range l.b.Snapshot() {
			w.WriteLine(fmt.Sprintf("FOLLOWER_STATUS %s %d %d", fs.ID, fs.AckedUptoLSN, fs.LastSeenMS))
		}
		return "END", true

	// INTERNAL_LAST_SEQ lets the local supervisor read this node's
	// current LSN for the election's vote-granting last_seq check,
	// without the supervisor process touching the store directly.
	case "INTERNAL_LAST_SEQ":
		return fmt.Sprintf("LSN %d", l.st.GetLSN()), true

	default:
		return "ERR usage: SET|PUT|DEL|GET|GETFF|GETFB|OPTIMIZE", true
	}
}

func (l *Leader) handleWrite(key, value string, isDelete bool) string {
	if l.cfg.ControlAddr != "" {
		term, err := l.queryCurrentTerm()
		if err != nil || term != l.cfg.ElectedTerm {
			metrics.WriteFailuresTotal.Inc()
			l.log.Warn().Err(err).Uint64("elected_term", l.cfg.ElectedTerm).Uint64("current_term", term).Msg("rejecting write: no longer the elected leader for this term")
			return "ERR_WRITE_FAILED"
		}
	}

	var lsn uint64
	var err error
	if isDelete {
		lsn, err = l.st.ExecuteLogDelete(key)
	} else {
		lsn, err = l.st.ExecuteLogSet(key, value)
	}
	if err != nil || lsn == 0 {
		metrics.WriteFailuresTotal.Inc()
		l.log.Error().Err(err).Str("key", key).Msg("write failed")
		return "ERR_WRITE_FAILED"
	}
	metrics.LSNHighWaterMark.Set(float64(lsn))

	op := wal.OpSet
	if isDelete {
		op = wal.OpDelete
	}
	l.b.Broadcast(wal.Record{LSN: lsn, Op: op, Key: key, Value: value})

	if l.cfg.RequiredAcks > 0 {
		timer := metrics.NewTimer()
		ok := l.b.WaitForAcks(lsn, l.cfg.RequiredAcks)
		timer.ObserveDuration(metrics.QuorumAckLatency)
		if !ok && l.cfg.RequireQuorumAck {
			return "ERR_NO_QUORUM"
		}
	}
	return fmt.Sprintf("OK %d", lsn)
}

// queryCurrentTerm asks the local election control port for its
// current term, over loopback TCP — the election state machine runs
// in the separate supervisor process, not this one.
func (l *Leader) queryCurrentTerm() (uint64, error) {
	conn, err := net.DialTimeout("tcp", l.cfg.ControlAddr, time.Second)
	if err != nil {
		return 0, fmt.Errorf("leaderrole: querying term from %s: %w", l.cfg.ControlAddr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Second))

	w := protocol.NewWriter(conn)
	if err := w.WriteLine("INTERNAL_CURRENT_TERM"); err != nil {
		return 0, fmt.Errorf("leaderrole: sending term query: %w", err)
	}

	sc := bufio.NewScanner(conn)
	if !sc.Scan() {
		return 0, fmt.Errorf("leaderrole: no reply from %s", l.cfg.ControlAddr)
	}
	var term uint64
	if _, err := fmt.Sscanf(sc.Text(), "TERM %d", &term); err != nil {
		return 0, fmt.Errorf("leaderrole: parsing term reply %q: %w", sc.Text(), err)
	}
	return term, nil
}
