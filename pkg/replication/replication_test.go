package replication

import (
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vzdtic/replicated-kv/pkg/store"
	"github.com/vzdtic/replicated-kv/pkg/wal"
)

func nopLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func newMemoryStore(t *testing.T) *store.Memory {
	t.Helper()
	w, err := wal.Open(t.TempDir(), "test", 0, nopLogger())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return store.NewMemory(w, nopLogger())
}

func TestCatchUpAndQuorumAck(t *testing.T) {
	leaderStore := newMemoryStore(t)
	leaderStore.ExecuteLogSet("a", "x")
	leaderStore.ExecuteLogSet("b", "y")
	leaderStore.ExecuteLogDelete("a")

	b := NewBroadcaster(leaderStore, nopLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		b.HandleFollower(conn)
	}()

	followerStore := newMemoryStore(t)
	syncer := NewSyncer(followerStore, nopLogger())

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		syncer.Run(ln.Addr().String(), stop)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if followerStore.GetLSN() == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if followerStore.GetLSN() != 3 {
		t.Fatalf("follower GetLSN() = %d, want 3", followerStore.GetLSN())
	}
	if v, ok := followerStore.Get("a"); ok {
		t.Fatalf("expected a deleted, got %q", v)
	}
	if v, ok := followerStore.Get("b"); !ok || v != "y" {
		t.Fatalf("Get(b) = %q, %v", v, ok)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.countAcksLockedHelper(3) >= 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if b.countAcksLockedHelper(3) < 1 {
		t.Fatalf("expected leader to observe follower ack of lsn 3")
	}

	close(stop)
	<-done
}

func (b *Broadcaster) countAcksLockedHelper(lsn uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countAcksLocked(lsn)
}

func TestWaitForAcksTimesOutWithoutQuorum(t *testing.T) {
	leaderStore := newMemoryStore(t)
	b := NewBroadcaster(leaderStore, nopLogger())

	start := time.Now()
	ok := b.WaitForAcks(1, 1)
	elapsed := time.Since(start)
	if ok {
		t.Fatalf("expected WaitForAcks to time out with no followers")
	}
	if elapsed < AckWaitTimeout {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestWaitForAcksReturnsOnQuorum(t *testing.T) {
	leaderStore := newMemoryStore(t)
	b := NewBroadcaster(leaderStore, nopLogger())

	fc := &FollowerConnection{ID: "f1", IsAlive: true}
	b.mu.Lock()
	b.followers["f1"] = fc
	b.mu.Unlock()

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.mu.Lock()
		fc.AckedUptoLSN = 5
		b.cond.Broadcast()
		b.mu.Unlock()
	}()

	start := time.Now()
	ok := b.WaitForAcks(5, 1)
	if !ok {
		t.Fatalf("expected quorum to be reached")
	}
	if time.Since(start) > AckWaitTimeout {
		t.Fatalf("took too long to observe quorum")
	}
}
