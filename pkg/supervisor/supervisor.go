// Package supervisor implements the per-node role-process manager: it
// watches this node's Election state and spawns/terminates the
// leader-or-follower data-plane child process in response to role
// transitions, guaranteeing at most one child runs at a time.
package supervisor

import (
	"bufio"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/vzdtic/replicated-kv/pkg/cluster"
	"github.com/vzdtic/replicated-kv/pkg/election"
)

// Role mirrors the election state this supervisor is currently acting
// on, collapsed to the two data-plane possibilities plus "none".
type Role int

const (
	RoleNone Role = iota
	RoleLeader
	RoleFollower
)

// Binaries names the executables the supervisor spawns for each role.
// Defaults match the layout under cmd/.
type Binaries struct {
	Leader   string
	Follower string
}

func defaultBinaries() Binaries {
	return Binaries{Leader: "./leader", Follower: "./follower"}
}

// Config holds the supervisor's construction parameters.
type Config struct {
	SelfID   int
	DBName   string
	SnapPath string
	Binaries Binaries
}

// Supervisor watches e and keeps at most one data-plane child running,
// matching its command and arguments to the node's current role
// (its command-line contract and its restart-on-role-change behavior).
type Supervisor struct {
	cfg     Config
	cluster *cluster.Config
	e       *election.Election
	log     zerolog.Logger

	mu               sync.Mutex
	child            *exec.Cmd
	lastRole         Role
	lastEffectiveLdr int
}

// New builds a Supervisor for cfg's node against the static cluster
// config and the node's Election instance.
func New(cfg Config, clusterCfg *cluster.Config, e *election.Election, log zerolog.Logger) *Supervisor {
	if cfg.Binaries.Leader == "" && cfg.Binaries.Follower == "" {
		cfg.Binaries = defaultBinaries()
	}
	return &Supervisor{
		cfg:     cfg,
		cluster: clusterCfg,
		e:       e,
		log:     log.With().Str("component", "supervisor").Int("node", cfg.SelfID).Logger(),
	}
}

// Run polls the election state every 200ms and reconciles the running
// child against it, until stop is closed.
func (s *Supervisor) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			s.terminateChild()
			return
		case <-ticker.C:
			s.reconcile()
		}
	}
}

func (s *Supervisor) reconcile() {
	state := s.e.State()
	effectiveLeader := s.e.EffectiveLeader()

	s.mu.Lock()
	defer s.mu.Unlock()

	childDied := s.child != nil && s.child.ProcessState != nil

	switch state {
	case election.Leader:
		if s.lastRole != RoleLeader || childDied {
			s.terminateChildLocked()
			s.spawnLeaderLocked()
			s.lastRole = RoleLeader
			s.e.SetFollowerStatusProvider(s.queryFollowerStatus)
		}

	case election.Follower:
		if effectiveLeader == 0 {
			return
		}
		if s.lastRole != RoleFollower || s.lastEffectiveLdr != effectiveLeader || childDied {
			s.terminateChildLocked()
			s.spawnFollowerLocked(effectiveLeader)
			s.lastRole = RoleFollower
			s.lastEffectiveLdr = effectiveLeader
			s.e.SetFollowerStatusProvider(nil)
		}

	case election.Candidate:
		// No data-plane child while campaigning; the prior child (if
		// any) keeps running until a role is confirmed, matching
		// the at-most-one-data-plane-child invariant without thrashing
		// on every candidacy.
	}
}

func (s *Supervisor) spawnLeaderLocked() {
	requiredAcks := s.cluster.RequiredAcks()
	self, _ := s.cluster.Node(s.cfg.SelfID)
	args := []string{
		strconv.Itoa(int(s.cluster.ClientPort)),
		strconv.Itoa(int(s.cluster.ReplPort)),
		s.cfg.DBName,
		strconv.Itoa(requiredAcks),
		self.Host,
		"--elected-term", strconv.FormatUint(s.e.CurrentTerm(), 10),
		"--control-addr", fmt.Sprintf("127.0.0.1:%d", self.ControlPort),
	}
	s.startLocked(s.cfg.Binaries.Leader, args)
}

func (s *Supervisor) spawnFollowerLocked(leaderID int) {
	leader, ok := s.cluster.Node(leaderID)
	if !ok {
		s.log.Error().Int("leader_id", leaderID).Msg("cannot spawn follower: unknown leader node")
		return
	}
	args := []string{
		leader.Host,
		strconv.Itoa(int(s.cluster.ReplPort)),
		s.cfg.DBName,
		s.cfg.SnapPath,
		strconv.Itoa(int(s.cluster.ReadPort(s.cfg.SelfID))),
		strconv.Itoa(s.cfg.SelfID),
	}
	s.startLocked(s.cfg.Binaries.Follower, args)
}

func (s *Supervisor) startLocked(bin string, args []string) {
	cmd := exec.Command(bin, args...)
	if err := cmd.Start(); err != nil {
		s.log.Error().Err(err).Str("bin", bin).Strs("args", args).Msg("failed to spawn data-plane child")
		return
	}
	s.log.Info().Str("bin", bin).Strs("args", args).Int("pid", cmd.Process.Pid).Msg("spawned data-plane child")
	s.child = cmd
}

// terminateChild acquires the lock and delegates to terminateChildLocked.
func (s *Supervisor) terminateChild() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminateChildLocked()
}

// terminateChildLocked performs the graceful-then-forceful escalation
// escalation: SIGTERM + 2s wait, then SIGKILL + 5s wait, then
// log and continue if the child still survives.
func (s *Supervisor) terminateChildLocked() {
	if s.child == nil || s.child.Process == nil {
		s.child = nil
		return
	}
	proc := s.child.Process
	pid := proc.Pid

	proc.Signal(syscall.SIGTERM)
	if s.waitFor(2 * time.Second) {
		s.log.Info().Int("pid", pid).Msg("child terminated gracefully")
		s.child = nil
		return
	}

	proc.Signal(syscall.SIGKILL)
	if s.waitFor(5 * time.Second) {
		s.log.Warn().Int("pid", pid).Msg("child required SIGKILL to terminate")
		s.child = nil
		return
	}

	s.log.Error().Int("pid", pid).Msg("child survived SIGKILL; continuing, manual intervention required")
	s.child = nil
}

func (s *Supervisor) waitFor(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.child.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// LastSeq queries this node's currently running child (leader or
// follower) for its last applied LSN over loopback TCP, for use as the
// election's LastSeqSource. Returns 0 if no child is running or it is
// unreachable, which only costs this node its vote-granting edge in
// ties — it never blocks an election.
func (s *Supervisor) LastSeq() uint64 {
	s.mu.Lock()
	role := s.lastRole
	s.mu.Unlock()

	var addr, query string
	switch role {
	case RoleLeader:
		addr = fmt.Sprintf("127.0.0.1:%d", s.cluster.ClientPort)
		query = "INTERNAL_LAST_SEQ"
	case RoleFollower:
		addr = fmt.Sprintf("127.0.0.1:%d", s.cluster.ReadPort(s.cfg.SelfID))
		query = "INTERNAL_LAST_SEQ"
	default:
		return 0
	}

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		return 0
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Second))
	fmt.Fprintln(conn, query)

	var lsn uint64
	sc := bufio.NewScanner(conn)
	if sc.Scan() {
		fmt.Sscanf(sc.Text(), "LSN %d", &lsn)
	}
	return lsn
}

// queryFollowerStatus dials this node's own leader child over the
// client port and relays its FOLLOWER_STATUS lines, for the election
// control port's CLUSTER_STATUS reply. The leader child is a separate
// process, so this goes over loopback TCP rather than a direct call.
func (s *Supervisor) queryFollowerStatus() []string {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cluster.ClientPort)
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		s.log.Warn().Err(err).Msg("could not reach local leader child for follower status")
		return nil
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	fmt.Fprintln(conn, "INTERNAL_FOLLOWER_STATUS")

	var lines []string
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := sc.Text()
		if line == "END" {
			break
		}
		if strings.HasPrefix(line, "FOLLOWER_STATUS ") {
			lines = append(lines, line)
		}
	}
	return lines
}

// ChildPID returns the current child's PID, or 0 if none is running.
// Exposed for diagnostics (CLUSTER_STATUS relay).
func (s *Supervisor) ChildPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil || s.child.Process == nil {
		return 0
	}
	return s.child.Process.Pid
}
