// Package followerrole implements the follower's read-only command
// server: GET/GETFF/GETFB served locally, writes redirected to the
// leader's client port, and anything else rejected as read-only.
package followerrole

import (
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vzdtic/replicated-kv/pkg/protocol"
	"github.com/vzdtic/replicated-kv/pkg/replication"
	"github.com/vzdtic/replicated-kv/pkg/store"
)

// Config holds the follower's startup parameters. The
// leader's client host/port is tracked separately via SetLeaderClientAddr
// so redirects always point at the address clients must retry against
// — unlike the original follower.cpp, which mistakenly redirected to
// the leader's replication port.
type Config struct {
	ReadAddr string // host:port for the read-only server
}

// Follower serves read-only client traffic from a local Store kept up
// to date by a replication.Syncer running independently.
type Follower struct {
	cfg Config
	st  store.Store
	log zerolog.Logger

	leaderClientAddr atomic.Value // string

	ln net.Listener
}

// New builds a Follower over st.
func New(cfg Config, st store.Store, log zerolog.Logger) *Follower {
	f := &Follower{
		cfg: cfg,
		st:  st,
		log: log.With().Str("component", "follower").Logger(),
	}
	f.leaderClientAddr.Store("")
	return f
}

// SetLeaderClientAddr updates the host:port clients are redirected to
// for writes. Safe to call concurrently with Run.
func (f *Follower) SetLeaderClientAddr(addr string) {
	f.leaderClientAddr.Store(addr)
}

// Run opens the read-only listener and serves until Stop is called.
func (f *Follower) Run() error {
	ln, err := net.Listen("tcp", f.cfg.ReadAddr)
	if err != nil {
		return fmt.Errorf("follower: listening on %s: %w", f.cfg.ReadAddr, err)
	}
	f.ln = ln
	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil
		}
		go f.handleClient(conn)
	}
}

// Stop closes the read-only listener.
func (f *Follower) Stop() {
	if f.ln != nil {
		f.ln.Close()
	}
}

func (f *Follower) handleClient(conn net.Conn) {
	defer conn.Close()
	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	for {
		conn.SetReadDeadline(time.Now().Add(replication.SessionTimeout))
		line, err := r.ReadLine()
		if err != nil {
			return
		}
		reply := f.dispatch(r, w, line)
		if reply != "" {
			conn.SetWriteDeadline(time.Now().Add(replication.SessionTimeout))
			if err := w.WriteLine(reply); err != nil {
				return
			}
		}
	}
}

func (f *Follower) dispatch(r *protocol.Reader, w *protocol.Writer, line string) string {
	fields := protocol.Fields(line)
	if len(fields) == 0 {
		return "ERR_READ_ONLY"
	}

	switch fields[0] {
	case "GET":
		if len(fields) < 2 {
			return "ERR usage: GET key"
		}
		v, ok := f.st.Get(fields[1])
		if !ok {
			return "NOT_FOUND"
		}
		return "VALUE " + protocol.EncodeValue([]byte(v))

	case "GETFF", "GETFB":
		if len(fields) < 3 {
			return "ERR usage: " + fields[0] + " key n"
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil || n < 0 {
			return "ERR usage: " + fields[0] + " key n"
		}
		var rows []store.KV
		if fields[0] == "GETFF" {
			rows = f.st.RangeForward(fields[1], n)
		} else {
			rows = f.st.RangeBackward(fields[1], n)
		}
		for _, kv := range rows {
			w.WriteLine(fmt.Sprintf("KEY_VALUE %s %s", kv.Key, protocol.EncodeValue([]byte(kv.Value))))
		}
		return "END"

	case "SET", "PUT", "DEL":
		return f.redirect()

	// INTERNAL_LAST_SEQ lets the local supervisor read this node's
	// current LSN for the election's vote-granting last_seq check,
	// without the supervisor process touching the store directly.
	case "INTERNAL_LAST_SEQ":
		return fmt.Sprintf("LSN %d", f.st.GetLSN())

	default:
		return "ERR_READ_ONLY"
	}
}

func (f *Follower) redirect() string {
	addr := f.leaderClientAddr.Load().(string)
	if addr == "" {
		return "ERR_READ_ONLY"
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "ERR_READ_ONLY"
	}
	return fmt.Sprintf("REDIRECT %s %s", host, port)
}
