// Package election implements the Raft-lite term/vote state machine:
// control-plane framing (HB/VOTE_REQ/VOTE_RESP/CLUSTER_STATUS),
// heartbeat timing, candidate/leader/follower transitions, and the
// effective-leader debounce. It deliberately omits Raft's log
// replication — that is the separate replication engine's job
// (pkg/replication); this package only decides who is leader and for
// which term.
package election

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/vzdtic/replicated-kv/pkg/cluster"
	"github.com/vzdtic/replicated-kv/pkg/metrics"
	"github.com/vzdtic/replicated-kv/pkg/protocol"
)

// State is a node's role in the term/vote state machine.
type State int32

const (
	Follower State = iota
	Candidate
	Leader
)

func (s State) String() string {
	switch s {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// EffectiveLeaderDebounce is how long a newly observed leader id must
// be carried continuously by heartbeats before it is trusted.
const EffectiveLeaderDebounce = 800 * time.Millisecond

// LastSeqSource supplies the node's own last-applied LSN, refreshed
// from the Store before every outgoing vote request and on a timer.
type LastSeqSource func() uint64

// Election owns one node's term/vote/role state and runs the
// heartbeat, timeout-monitor and control-port listener loops.
type Election struct {
	cfg     *cluster.Config
	selfID  int
	lastSeq LastSeqSource
	log     zerolog.Logger

	mu sync.Mutex

	currentTerm uint64
	votedFor    int // 0 means none
	state       State
	leaderID    int

	effectiveLeader        int
	leaderSeenSince        time.Time
	lastHeartbeat          time.Time
	electionInflight int32 // CAS guarded: at most one election at a time
	votesReceived    int
	electionTerm     uint64

	followerStatus atomic.Value // func() []string, set by the supervisor when this node is leader

	ln net.Listener
}

// New builds an Election for selfID against the static cluster config.
func New(cfg *cluster.Config, selfID int, lastSeq LastSeqSource, log zerolog.Logger) *Election {
	return &Election{
		cfg:           cfg,
		selfID:        selfID,
		lastSeq:       lastSeq,
		log:           log.With().Str("component", "election").Int("node", selfID).Logger(),
		state:         Follower,
		lastHeartbeat: time.Now(),
	}
}

// CurrentTerm returns the current election term.
func (e *Election) CurrentTerm() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTerm
}

// State returns the current role.
func (e *Election) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// EffectiveLeader returns the debounced leader id (0 if none trusted).
func (e *Election) EffectiveLeader() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.effectiveLeader
}

// SetFollowerStatusProvider registers a callback the control-port
// CLUSTER_STATUS handler uses to append FOLLOWER_STATUS lines when
// this node is leader. The supervisor sets this once it has spawned a
// leader child, by querying that child's INTERNAL_FOLLOWER_STATUS
// command over the client port.
func (e *Election) SetFollowerStatusProvider(fn func() []string) {
	e.followerStatus.Store(fn)
}

// IsLeader reports whether this node currently believes itself leader.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == Leader
}

func (e *Election) randomElectionTimeout() time.Duration {
	lo := e.cfg.ElectionTimeoutMinMS
	hi := e.cfg.ElectionTimeoutMaxMS
	if hi <= lo {
		return time.Duration(lo) * time.Millisecond
	}
	return time.Duration(lo+rand.Intn(hi-lo)) * time.Millisecond
}

// StaggeredStartDelay reduces split votes at cold start.
func (e *Election) StaggeredStartDelay() time.Duration {
	return time.Duration(400+(e.selfID*123)%400) * time.Millisecond
}

func (e *Election) controlAddr(id int) (string, error) {
	n, ok := e.cfg.Node(id)
	if !ok {
		return "", fmt.Errorf("election: unknown node id %d", id)
	}
	return fmt.Sprintf("%s:%d", n.Host, n.ControlPort), nil
}

// Run starts the control-port listener, the heartbeat sender (active
// only while leader), and the follower-timeout monitor. It blocks
// until stop is closed.
func (e *Election) Run(stop <-chan struct{}) error {
	self, ok := e.cfg.Node(e.selfID)
	if !ok {
		return fmt.Errorf("election: self id %d not found in cluster config", e.selfID)
	}
	addr := fmt.Sprintf("%s:%d", self.Host, self.ControlPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("election: listening on control port %s: %w", addr, err)
	}
	e.ln = ln

	go e.acceptLoop()
	go e.heartbeatLoop(stop)
	go e.monitorLoop(stop)

	if e.cfg.Size() == 1 {
		e.becomeLeaderSingleNode()
	} else {
		time.Sleep(e.StaggeredStartDelay())
		e.startElection()
	}

	<-stop
	ln.Close()
	return nil
}

func (e *Election) acceptLoop() {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}
		go e.handleConn(conn)
	}
}

func (e *Election) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	line, err := r.ReadLine()
	if err != nil {
		return
	}
	fields := protocol.Fields(line)
	if len(fields) == 0 {
		return
	}

	switch fields[0] {
	case "HB":
		e.handleHeartbeat(fields)
	case "VOTE_REQ":
		e.handleVoteRequest(fields, w)
	case "VOTE_RESP":
		e.handleVoteResponse(fields)
	case "CLUSTER_STATUS":
		e.handleClusterStatus(w)
	case "INTERNAL_CURRENT_TERM":
		e.handleCurrentTermQuery(w)
	}
}

// handleCurrentTermQuery answers the locally spawned leader child's
// per-write term check: the leader captures the term it was elected
// under and compares it against this on every write, so a write from a
// leader that has since been superseded (term advanced under it) fails
// fast instead of being applied locally with no followers ever told
// about it.
func (e *Election) handleCurrentTermQuery(w *protocol.Writer) {
	w.WriteLine(fmt.Sprintf("TERM %d", e.CurrentTerm()))
}

func (e *Election) handleHeartbeat(fields []string) {
	if len(fields) != 4 {
		return
	}
	term := parseUint(fields[1])
	leaderID := int(parseUint(fields[2]))

	e.mu.Lock()
	defer e.mu.Unlock()

	if term < e.currentTerm {
		return
	}
	if term > e.currentTerm {
		e.currentTerm = term
		e.votedFor = 0
	}
	prevLeaderID := e.leaderID
	e.state = Follower
	e.leaderID = leaderID
	e.lastHeartbeat = time.Now()

	if e.effectiveLeader != leaderID {
		if e.leaderSeenSince.IsZero() || prevLeaderID != leaderID {
			e.leaderSeenSince = time.Now()
		}
		if time.Since(e.leaderSeenSince) >= EffectiveLeaderDebounce {
			e.effectiveLeader = leaderID
			e.leaderSeenSince = time.Time{}
		}
	} else {
		e.leaderSeenSince = time.Time{}
	}
}

func (e *Election) handleVoteRequest(fields []string, w *protocol.Writer) {
	if len(fields) != 4 {
		return
	}
	term := parseUint(fields[1])
	candID := int(parseUint(fields[2]))
	candLastSeq := parseUint(fields[3])

	e.mu.Lock()
	if term > e.currentTerm {
		e.currentTerm = term
		e.votedFor = 0
		e.state = Follower
	}
	granted := false
	if term == e.currentTerm && (e.votedFor == 0 || e.votedFor == candID) && candLastSeq >= e.lastSeq() {
		e.votedFor = candID
		granted = true
	}
	replyTerm := e.currentTerm
	e.mu.Unlock()

	grantedInt := 0
	if granted {
		grantedInt = 1
	}
	w.WriteLine(fmt.Sprintf("VOTE_RESP %d %d", replyTerm, grantedInt))
}

func (e *Election) handleVoteResponse(fields []string) {
	if len(fields) != 3 {
		return
	}
	term := parseUint(fields[1])
	granted := fields[2] == "1"

	e.mu.Lock()
	defer e.mu.Unlock()

	if term > e.currentTerm {
		e.currentTerm = term
		e.votedFor = 0
		e.state = Follower
		return
	}
	if e.state != Candidate || term != e.electionTerm || !granted {
		return
	}
	e.votesReceived++
	if e.votesReceived >= e.cfg.Quorum() {
		e.becomeLeaderLocked()
	}
}

func (e *Election) handleClusterStatus(w *protocol.Writer) {
	e.mu.Lock()
	id := e.selfID
	role := e.state.String()
	term := e.currentTerm
	leaderID := e.leaderID
	lastHBAge := time.Since(e.lastHeartbeat).Milliseconds()
	e.mu.Unlock()

	w.WriteLine(fmt.Sprintf("STATUS %d %s %d %d %d %d", id, role, term, leaderID, e.lastSeq(), lastHBAge))
	if role == Leader.String() {
		if fn, ok := e.followerStatus.Load().(func() []string); ok && fn != nil {
			for _, line := range fn() {
				w.WriteLine(line)
			}
		}
	}
	w.WriteLine("END")
}

// startElection is the candidate path: term++, vote self, solicit
// votes from every peer, and race against the election timeout.
func (e *Election) startElection() {
	if !atomic.CompareAndSwapInt32(&e.electionInflight, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&e.electionInflight, 0)

	e.mu.Lock()
	e.currentTerm++
	e.votedFor = e.selfID
	e.state = Candidate
	e.votesReceived = 1 // vote for self
	e.electionTerm = e.currentTerm
	term := e.currentTerm
	mySeq := e.lastSeq()
	e.mu.Unlock()

	e.log.Info().Uint64("term", term).Msg("starting election")
	metrics.ElectionsStartedTotal.Inc()

	for _, peer := range e.cfg.Peers(e.selfID) {
		go e.requestVote(peer, term, mySeq)
	}

	deadline := time.Now().Add(e.randomElectionTimeout())
	for time.Now().Before(deadline) {
		e.mu.Lock()
		state := e.state
		votes := e.votesReceived
		e.mu.Unlock()
		if state != Candidate {
			return
		}
		if votes >= e.cfg.Quorum() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}

	e.mu.Lock()
	if e.state == Candidate {
		e.state = Follower
		e.log.Warn().Uint64("term", term).Msg("election timed out without majority")
	}
	e.mu.Unlock()
}

func (e *Election) requestVote(peer cluster.NodeInfo, term uint64, mySeq uint64) {
	addr, err := e.controlAddr(peer.ID)
	if err != nil {
		return
	}
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return // connection failure counts as an implicit denial
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	w := protocol.NewWriter(conn)
	if err := w.WriteLine(fmt.Sprintf("VOTE_REQ %d %d %d", term, e.selfID, mySeq)); err != nil {
		return
	}
	r := protocol.NewReader(conn)
	line, err := r.ReadLine()
	if err != nil {
		return
	}
	fields := protocol.Fields(line)
	if len(fields) != 3 || fields[0] != "VOTE_RESP" {
		return
	}
	e.handleVoteResponse(fields)
}

// becomeLeaderLocked transitions to Leader. Must be called with e.mu
// held.
func (e *Election) becomeLeaderLocked() {
	e.state = Leader
	e.leaderID = e.selfID
	e.effectiveLeader = e.selfID
	e.log.Info().Uint64("term", e.currentTerm).Msg("elected leader")
	metrics.ElectionsWonTotal.Inc()
	metrics.IsLeader.Set(1)
}

func (e *Election) becomeLeaderSingleNode() {
	e.mu.Lock()
	e.currentTerm++
	e.becomeLeaderLocked()
	e.mu.Unlock()
	time.Sleep(EffectiveLeaderDebounce)
}

func (e *Election) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(e.cfg.HeartbeatIntervalMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !e.IsLeader() {
				continue
			}
			e.sendHeartbeats()
		}
	}
}

func (e *Election) sendHeartbeats() {
	e.mu.Lock()
	term := e.currentTerm
	seq := e.lastSeq()
	e.mu.Unlock()

	line := fmt.Sprintf("HB %d %d %d", term, e.selfID, seq)
	for _, n := range e.cfg.Peers(e.selfID) {
		go func(n cluster.NodeInfo) {
			addr := fmt.Sprintf("%s:%d", n.Host, n.ControlPort)
			conn, err := net.DialTimeout("tcp", addr, 1*time.Second)
			if err != nil {
				return
			}
			defer conn.Close()
			conn.SetWriteDeadline(time.Now().Add(1 * time.Second))
			protocol.NewWriter(conn).WriteLine(line)
		}(n)
	}
}

func (e *Election) monitorLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			isLeader := e.state == Leader
			age := time.Since(e.lastHeartbeat)
			stale := !isLeader && age > time.Duration(e.cfg.HeartbeatTimeoutMS)*time.Millisecond
			e.mu.Unlock()

			if isLeader {
				metrics.IsLeader.Set(1)
			} else {
				metrics.IsLeader.Set(0)
				metrics.HeartbeatAgeSeconds.Set(age.Seconds())
			}
			if stale && atomic.LoadInt32(&e.electionInflight) == 0 {
				go e.startElection()
			}
		}
	}
}

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}
