package followerrole

import (
	"bufio"
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

func startFollower(t *testing.T) (addr string, f *Follower) {
	t.Helper()
	w, err := wal.Open(t.TempDir(), "test", 0, nopLogger())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	st := store.NewMemory(w, nopLogger())
	st.ExecuteLogSet("a", "1")

	f = New(Config{ReadAddr: "127.0.0.1:0"}, st, nopLogger())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	f.ln = ln
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.handleClient(conn)
		}
	}()
	t.Cleanup(f.Stop)
	return ln.Addr().String(), f
}

func exchange(t *testing.T, addr, line string) []string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	conn.Write([]byte(line + "\n"))

	br := bufio.NewReader(conn)
	reply, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	return []string{reply[:len(reply)-1]}
}

func TestFollowerGetServedLocally(t *testing.T) {
	addr, _ := startFollower(t)
	lines := exchange(t, addr, "GET a")
	if lines[0] != "VALUE 1 1" {
		t.Fatalf("GET reply = %q, want VALUE 1 1", lines[0])
	}
}

func TestFollowerRejectsWriteWithoutLeaderKnown(t *testing.T) {
	addr, _ := startFollower(t)
	lines := exchange(t, addr, "SET a 1 x")
	if lines[0] != "ERR_READ_ONLY" {
		t.Fatalf("reply = %q, want ERR_READ_ONLY", lines[0])
	}
}

func TestFollowerRedirectsWriteWhenLeaderKnown(t *testing.T) {
	addr, f := startFollower(t)
	f.SetLeaderClientAddr("10.0.0.5:7001")
	lines := exchange(t, addr, "SET a 1 x")
	if lines[0] != "REDIRECT 10.0.0.5 7001" {
		t.Fatalf("reply = %q, want REDIRECT 10.0.0.5 7001", lines[0])
	}
}

func TestFollowerUnknownCommandIsReadOnlyError(t *testing.T) {
	addr, _ := startFollower(t)
	lines := exchange(t, addr, "BOGUS")
	if lines[0] != "ERR_READ_ONLY" {
		t.Fatalf("reply = %q, want ERR_READ_ONLY", lines[0])
	}
}
