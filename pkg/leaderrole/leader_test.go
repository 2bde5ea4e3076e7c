package leaderrole

import (
	"bufio"
	"fmt"
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

func startLeader(t *testing.T) (clientAddr string, l *Leader) {
	t.Helper()
	w, err := wal.Open(t.TempDir(), "test", 0, nopLogger())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	st := store.NewMemory(w, nopLogger())

	l = New(Config{ClientAddr: "127.0.0.1:0", ReplAddr: "127.0.0.1:0"}, st, nopLogger())

	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	replLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	l.clientLn = clientLn
	l.replLn = replLn
	go l.acceptFollowers()
	go l.acceptClients()
	t.Cleanup(l.Stop)

	return clientLn.Addr().String(), l
}

func dialAndExchange(t *testing.T, addr string, lines ...string) []string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	for _, line := range lines {
		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	br := bufio.NewReader(conn)
	var replies []string
	for i := 0; i < len(lines); i++ {
		reply, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString: %v", err)
		}
		replies = append(replies, reply[:len(reply)-1])
	}
	return replies
}

func TestSetThenGet(t *testing.T) {
	addr, _ := startLeader(t)
	replies := dialAndExchange(t, addr, "SET a 3 foo")
	if replies[0] != "OK 1" {
		t.Fatalf("SET reply = %q, want OK 1", replies[0])
	}
	replies = dialAndExchange(t, addr, "GET a")
	if replies[0] != "VALUE 3 foo" {
		t.Fatalf("GET reply = %q, want VALUE 3 foo", replies[0])
	}
}

func TestGetMissingKey(t *testing.T) {
	addr, _ := startLeader(t)
	replies := dialAndExchange(t, addr, "GET missing")
	if replies[0] != "NOT_FOUND" {
		t.Fatalf("GET reply = %q, want NOT_FOUND", replies[0])
	}
}

func TestDelete(t *testing.T) {
	addr, _ := startLeader(t)
	dialAndExchange(t, addr, "SET a 1 x")
	replies := dialAndExchange(t, addr, "DEL a")
	if replies[0] != "OK 2" {
		t.Fatalf("DEL reply = %q, want OK 2", replies[0])
	}
	replies = dialAndExchange(t, addr, "GET a")
	if replies[0] != "NOT_FOUND" {
		t.Fatalf("GET after DEL = %q, want NOT_FOUND", replies[0])
	}
}

func TestRangeScanBoundaries(t *testing.T) {
	addr, _ := startLeader(t)
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		dialAndExchange(t, addr, "SET "+k+" 1 "+k)
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	conn.Write([]byte("GETFF c 10\n"))
	br := bufio.NewReader(conn)
	var lines []string
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("ReadString: %v", err)
		}
		line = line[:len(line)-1]
		lines = append(lines, line)
		if line == "END" {
			break
		}
	}
	want := []string{"KEY_VALUE c 1 c", "KEY_VALUE d 1 d", "KEY_VALUE e 1 e", "END"}
	if len(lines) != len(want) {
		t.Fatalf("got %v, want %v", lines, want)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: got %q want %q", i, lines[i], want[i])
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	addr, _ := startLeader(t)
	replies := dialAndExchange(t, addr, "BOGUS")
	if replies[0][:4] != "ERR " {
		t.Fatalf("reply = %q, want ERR prefix", replies[0])
	}
}

// fakeControlPort answers every INTERNAL_CURRENT_TERM query with term,
// standing in for the election control port the leader would otherwise
// query over loopback TCP.
func fakeControlPort(t *testing.T, term uint64) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				br := bufio.NewReader(conn)
				if _, err := br.ReadString('\n'); err != nil {
					return
				}
				fmt.Fprintf(conn, "TERM %d\n", term)
			}()
		}
	}()
	return ln.Addr().String()
}

func TestWriteRejectedWhenTermNoLongerMatches(t *testing.T) {
	controlAddr := fakeControlPort(t, 5)

	w, err := wal.Open(t.TempDir(), "test", 0, nopLogger())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	st := store.NewMemory(w, nopLogger())

	l := New(Config{
		ClientAddr:  "127.0.0.1:0",
		ReplAddr:    "127.0.0.1:0",
		ControlAddr: controlAddr,
		ElectedTerm: 4,
	}, st, nopLogger())

	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	replLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	l.clientLn = clientLn
	l.replLn = replLn
	go l.acceptFollowers()
	go l.acceptClients()
	t.Cleanup(l.Stop)

	replies := dialAndExchange(t, clientLn.Addr().String(), "SET a 3 foo")
	if replies[0] != "ERR_WRITE_FAILED" {
		t.Fatalf("SET reply = %q, want ERR_WRITE_FAILED", replies[0])
	}
}

func TestWriteAcceptedWhenTermMatches(t *testing.T) {
	controlAddr := fakeControlPort(t, 4)

	w, err := wal.Open(t.TempDir(), "test", 0, nopLogger())
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	st := store.NewMemory(w, nopLogger())

	l := New(Config{
		ClientAddr:  "127.0.0.1:0",
		ReplAddr:    "127.0.0.1:0",
		ControlAddr: controlAddr,
		ElectedTerm: 4,
	}, st, nopLogger())

	clientLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	replLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	l.clientLn = clientLn
	l.replLn = replLn
	go l.acceptFollowers()
	go l.acceptClients()
	t.Cleanup(l.Stop)

	replies := dialAndExchange(t, clientLn.Addr().String(), "SET a 3 foo")
	if replies[0] != "OK 1" {
		t.Fatalf("SET reply = %q, want OK 1", replies[0])
	}
}
