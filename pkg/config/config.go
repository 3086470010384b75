// Package config loads node daemon configuration. A node can be started
// from a YAML file (the same gopkg.in/yaml.v3 convention the CLI uses
// for resource manifests), with the subset of fields bound in BindFlags
// overridable by a command flag.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/agentmesh/mesh/pkg/errs"
	"gopkg.in/yaml.v3"
)

// Node is the full configuration for one mesh node daemon: its identity,
// the directory's raft parameters, transport listen address, sandbox
// resource limits, and ambient logging/metrics settings.
type Node struct {
	NodeID string `yaml:"nodeId"`

	Directory DirectoryConfig `yaml:"directory"`
	Transport TransportConfig `yaml:"transport"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Restart   RestartConfig   `yaml:"restart"`
}

// DirectoryConfig configures the replicated directory's raft node.
type DirectoryConfig struct {
	BindAddr           string        `yaml:"bindAddr"`
	DataDir            string        `yaml:"dataDir"`
	Bootstrap          bool          `yaml:"bootstrap"`
	JoinAddr           string        `yaml:"joinAddr"`
	ElectionTimeoutMin time.Duration `yaml:"electionTimeoutMin"`
	ElectionTimeoutMax time.Duration `yaml:"electionTimeoutMax"`
	HeartbeatInterval  time.Duration `yaml:"heartbeatInterval"`
}

// TransportConfig configures the node-to-node gRPC transport.
type TransportConfig struct {
	ListenAddr string `yaml:"listenAddr"`
	TLSEnabled bool   `yaml:"tlsEnabled"`
	CertDir    string `yaml:"certDir"`
}

// SandboxConfig bounds every agent runtime instantiated on this node.
type SandboxConfig struct {
	MaxExecutionTimeMS int64  `yaml:"maxExecutionTimeMs"`
	MaxMemoryPages      uint32 `yaml:"maxMemoryPages"`
	StorageQuotaBytes   int64  `yaml:"storageQuotaBytes"`
	TickInterval        time.Duration `yaml:"tickInterval"`
}

// LogConfig mirrors pkg/log.Config so it can be loaded from file.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// MetricsConfig controls the node's Prometheus and health endpoints.
type MetricsConfig struct {
	ListenAddr   string `yaml:"listenAddr"`
	EnablePprof  bool   `yaml:"enablePprof"`
}

// RestartConfig selects the default restart strategy applied to agents
// spawned on this node that don't request one of their own.
type RestartConfig struct {
	Strategy   string        `yaml:"strategy"` // immediate, never, backoff, max-failures
	MaxRetries int           `yaml:"maxRetries"`
	BaseDelay  time.Duration `yaml:"baseDelay"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
}

func withDefaults(n *Node) {
	if n.Directory.ElectionTimeoutMin == 0 {
		n.Directory.ElectionTimeoutMin = 500 * time.Millisecond
	}
	if n.Directory.ElectionTimeoutMax == 0 {
		n.Directory.ElectionTimeoutMax = 1000 * time.Millisecond
	}
	if n.Directory.HeartbeatInterval == 0 {
		n.Directory.HeartbeatInterval = 250 * time.Millisecond
	}
	if n.Directory.DataDir == "" {
		n.Directory.DataDir = "./mesh-data"
	}
	if n.Transport.ListenAddr == "" {
		n.Transport.ListenAddr = "127.0.0.1:7700"
	}
	if n.Directory.BindAddr == "" {
		n.Directory.BindAddr = "127.0.0.1:7946"
	}
	if n.Sandbox.MaxExecutionTimeMS == 0 {
		n.Sandbox.MaxExecutionTimeMS = 100
	}
	if n.Sandbox.MaxMemoryPages == 0 {
		n.Sandbox.MaxMemoryPages = 256 // 16 MiB
	}
	if n.Sandbox.TickInterval == 0 {
		n.Sandbox.TickInterval = 100 * time.Millisecond
	}
	if n.Log.Level == "" {
		n.Log.Level = "info"
	}
	if n.Metrics.ListenAddr == "" {
		n.Metrics.ListenAddr = "127.0.0.1:9100"
	}
	if n.Restart.Strategy == "" {
		n.Restart.Strategy = "backoff"
	}
	if n.Restart.BaseDelay == 0 {
		n.Restart.BaseDelay = 500 * time.Millisecond
	}
	if n.Restart.MaxDelay == 0 {
		n.Restart.MaxDelay = 30 * time.Second
	}
	if n.Restart.MaxRetries == 0 {
		n.Restart.MaxRetries = 5
	}
}

// Load reads and parses a Node config from a YAML file at path, filling
// in defaults for anything left unset.
func Load(path string) (*Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "read config file", err)
	}

	var n Node
	if err := yaml.Unmarshal(data, &n); err != nil {
		return nil, errs.Wrap(errs.InvalidInput, "parse config YAML", err)
	}

	withDefaults(&n)
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}

// Default returns a Node config for nodeID with every field defaulted,
// for use when no config file is given (e.g. `agentd start` with only
// --node-id).
func Default(nodeID string) *Node {
	n := &Node{NodeID: nodeID}
	withDefaults(n)
	return n
}

// Validate checks that required fields are present and internally
// consistent, matching the ordering constraint the directory itself
// enforces between heartbeat interval and election timeout.
func (n *Node) Validate() error {
	if n.NodeID == "" {
		return errs.New(errs.InvalidInput, "nodeId is required")
	}
	if n.Directory.HeartbeatInterval >= n.Directory.ElectionTimeoutMin {
		return errs.New(errs.InvalidInput, fmt.Sprintf(
			"directory.heartbeatInterval (%s) must be less than directory.electionTimeoutMin (%s)",
			n.Directory.HeartbeatInterval, n.Directory.ElectionTimeoutMin))
	}
	if n.Directory.ElectionTimeoutMin > n.Directory.ElectionTimeoutMax {
		return errs.New(errs.InvalidInput, "directory.electionTimeoutMin must not exceed electionTimeoutMax")
	}
	return nil
}
