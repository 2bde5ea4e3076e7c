package cluster

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndQuorum(t *testing.T) {
	path := writeConfig(t, `
nodes:
  - id: 1
    host: 127.0.0.1
    control_port: 8001
  - id: 2
    host: 127.0.0.2
    control_port: 8002
  - id: 3
    host: 127.0.0.3
    control_port: 8003
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", cfg.Size())
	}
	if cfg.Quorum() != 2 {
		t.Fatalf("Quorum() = %d, want 2", cfg.Quorum())
	}
	if cfg.RequiredAcks() != 1 {
		t.Fatalf("RequiredAcks() = %d, want 1", cfg.RequiredAcks())
	}
	if cfg.ClientPort != 7001 || cfg.HeartbeatIntervalMS != 400 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.ReadPort(2) != 7102 {
		t.Fatalf("ReadPort(2) = %d, want 7102", cfg.ReadPort(2))
	}
	peers := cfg.Peers(1)
	if len(peers) != 2 {
		t.Fatalf("Peers(1) = %v, want 2 entries", peers)
	}
}

func TestLoadRejectsEmptyNodeList(t *testing.T) {
	path := writeConfig(t, "client_port: 7001\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for empty node list")
	}
}

func TestNodeLookup(t *testing.T) {
	path := writeConfig(t, `
nodes:
  - id: 1
    host: h1
    control_port: 8001
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n, ok := cfg.Node(1); !ok || n.Host != "h1" {
		t.Fatalf("Node(1) = %+v, %v", n, ok)
	}
	if _, ok := cfg.Node(99); ok {
		t.Fatalf("Node(99) should not be found")
	}
}
