// Package cluster holds the statically configured cluster membership
// table: a fixed list of nodes, each with an id, host and control
// port, plus the fixed client/replication ports and the derived
// follower read-port formula.
package cluster

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeInfo is the immutable tuple describing one cluster member.
type NodeInfo struct {
	ID          int    `yaml:"id"`
	Host        string `yaml:"host"`
	ControlPort uint16 `yaml:"control_port"`
}

// Config is the static, file-loaded cluster topology plus the fixed
// leader-side ports and timing parameters. It replaces the original's
// compiled-in CLUSTER[] array with a loadable file.
type Config struct {
	Nodes           []NodeInfo `yaml:"nodes"`
	ClientPort      uint16     `yaml:"client_port"`
	ReplPort        uint16     `yaml:"repl_port"`
	FollowerReadBase uint16    `yaml:"follower_read_base"`

	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int `yaml:"heartbeat_timeout_ms"`
	ElectionTimeoutMinMS int `yaml:"election_timeout_min_ms"`
	ElectionTimeoutMaxMS int `yaml:"election_timeout_max_ms"`
}

// DefaultConfig returns the cluster's baseline tuning constants with an
// empty node list; callers load
// Nodes from a file via Load.
func DefaultConfig() Config {
	return Config{
		ClientPort:           7001,
		ReplPort:             7002,
		FollowerReadBase:     7100,
		HeartbeatIntervalMS:  400,
		HeartbeatTimeoutMS:   1500,
		ElectionTimeoutMinMS: 1200,
		ElectionTimeoutMaxMS: 1600,
	}
}

// Load reads a YAML cluster config file; any timing/port field the file
// leaves out keeps its DefaultConfig value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cluster: reading config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cluster: parsing config %s: %w", path, err)
	}
	if len(cfg.Nodes) == 0 {
		return nil, fmt.Errorf("cluster: config %s defines no nodes", path)
	}
	return &cfg, nil
}

// Size returns the number of configured nodes (the cluster size N).
func (c *Config) Size() int {
	return len(c.Nodes)
}

// Quorum returns floor(N/2)+1, the number of grants a candidate needs.
func (c *Config) Quorum() int {
	return c.Size()/2 + 1
}

// RequiredAcks returns floor(N/2), the default number of follower acks
// a leader waits for before replying OK (plus the leader itself forms
// a majority).
func (c *Config) RequiredAcks() int {
	return c.Size() / 2
}

// Node looks up a node by id.
func (c *Config) Node(id int) (NodeInfo, bool) {
	for _, n := range c.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeInfo{}, false
}

// ReadPort derives a follower's read-only port from its node id.
func (c *Config) ReadPort(id int) uint16 {
	return c.FollowerReadBase + uint16(id)
}

// Peers returns every node other than self.
func (c *Config) Peers(self int) []NodeInfo {
	peers := make([]NodeInfo, 0, len(c.Nodes)-1)
	for _, n := range c.Nodes {
		if n.ID != self {
			peers = append(peers, n)
		}
	}
	return peers
}
