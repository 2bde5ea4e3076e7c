package protocol

import (
	"bytes"
	"strings"
	"testing"
)

func TestReadLineStripsTerminator(t *testing.T) {
	r := NewReader(strings.NewReader("HELLO 42\r\n"))
	line, err := r.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	if line != "HELLO 42" {
		t.Fatalf("got %q, want %q", line, "HELLO 42")
	}
}

func TestEncodeValueRoundTrip(t *testing.T) {
	v := []byte("foo bar")
	encoded := EncodeValue(v)
	line := "WRITE 1 k " + encoded
	r := NewReader(strings.NewReader(""))
	got, err := ReadValueTail(r, line, 3)
	if err != nil {
		t.Fatalf("ReadValueTail: %v", err)
	}
	if got != string(v) {
		t.Fatalf("got %q want %q", got, v)
	}
}

func TestReadValueTailEmbeddedNewline(t *testing.T) {
	value := "line1\nline2"
	wire := "WRITE 1 k " + EncodeValue([]byte(value)) + "\n"

	r := NewReader(strings.NewReader(wire))
	firstLine, err := r.ReadLine()
	if err != nil {
		t.Fatalf("ReadLine: %v", err)
	}
	got, err := ReadValueTail(r, firstLine, 3)
	if err != nil {
		t.Fatalf("ReadValueTail: %v", err)
	}
	if got != value {
		t.Fatalf("got %q want %q", got, value)
	}
}

func TestWriteLine(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.WriteLine("OK 5"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if buf.String() != "OK 5\n" {
		t.Fatalf("got %q", buf.String())
	}
}

func TestReadValueTailMalformed(t *testing.T) {
	r := NewReader(strings.NewReader(""))
	if _, err := ReadValueTail(r, "WRITE 1 k notanumber v", 3); err == nil {
		t.Fatalf("expected error for malformed length")
	}
}
