/*
Package storage provides BoltDB-backed state persistence for a mesh node's local data.

The storage package implements the Store interface using BoltDB as the underlying
database, providing ACID transactions for directory state — agent location
entries, service provider entries, agent snapshots, and the cluster CA. All
data is serialized as JSON and stored in separate buckets for efficient
querying and isolation.

# Architecture

This package uses BoltDB (bbolt) for embedded, transactional storage with zero external
dependencies:

	┌──────────────────── BOLTDB STORAGE ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            BoltStore                        │          │
	│  │  - File: <dataDir>/mesh.db               │          │
	│  │  - Format: B+tree with MVCC                 │          │
	│  │  - Transactions: ACID with fsync            │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Bucket Structure                │          │
	│  │  ┌────────────────────────────┐             │          │
	│  │  │ directory_agents   (name)  │             │          │
	│  │  │ directory_services (type+  │             │          │
	│  │  │                     name)  │             │          │
	│  │  │ agent_snapshots    (name)  │             │          │
	│  │  │ ca                 (fixed) │             │          │
	│  │  └────────────────────────────┘             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │        Transaction Management                │          │
	│  │  - Read: db.View() - Concurrent reads       │          │
	│  │  - Write: db.Update() - Serialized writes   │          │
	│  │  - Rollback: Automatic on error             │          │
	│  │  - Commit: Automatic on success + fsync     │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          JSON Serialization                  │          │
	│  │  - Marshal: Go struct → JSON bytes          │          │
	│  │  - Unmarshal: JSON bytes → Go struct        │          │
	│  │  - Validation: Type safety via Go types     │          │
	│  └────────────────────────────────────────────┘           │
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │           BoltDB File                        │          │
	│  │  - Copy-on-write B+tree                      │          │
	│  │  - Page size: 4KB                            │          │
	│  │  - mmap for reads                            │          │
	│  │  - Atomic writes with fsync                  │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

BoltStore:
  - Implements Store interface using BoltDB
  - Single database file per node
  - Automatic bucket creation on initialization
  - Thread-safe via BoltDB's transaction model

Buckets:
  - directory_agents: where each named agent currently lives
  - directory_services: which agents advertise which service types
  - agent_snapshots: serialized AgentSnapshot state for restart/migration
  - ca: certificate authority data (single entry)

Transaction Model:
  - Read transactions: db.View() - Concurrent, consistent snapshots
  - Write transactions: db.Update() - Serialized, atomic commits
  - Isolation: Snapshot isolation (MVCC)
  - Durability: fsync on commit ensures crash recovery

# CRUD Operations

Directory Agent Operations:

Put Directory Agent:
  - Upsert agent location entry keyed by agent name
  - JSON serialization of DirectoryAgentEntry
  - Called on every applied directory FSM log entry

Get Directory Agent:
  - Key lookup by agent name
  - Unmarshal JSON to DirectoryAgentEntry
  - Returns error if not found

List Directory Agents:
  - Cursor iteration over directory_agents bucket
  - Used to rebuild directory FSM state on restart

Delete Directory Agent:
  - Remove key from bucket
  - No error if key doesn't exist (idempotent)

Directory Service Operations:

Put Directory Service:
  - Store provider entry keyed by service type + provider name
  - Links a service type to an agent and its node

List Directory Services:
  - Full bucket scan and deserialization
  - Used by directory.QueryServices, which filters the result by service type

Delete Directory Service:
  - Remove one provider entry for a service type

Agent Snapshot Operations:

Save Agent Snapshot:
  - Store snapshot with agent name as key
  - Includes module hash, linear memory, scheduler state, migration history
  - Large payloads (linear memory) are JSON-encoded with the rest, so
    []byte fields are stored as base64 text

Load Agent Snapshot:
  - Direct key lookup by agent name
  - Returns the most recently saved snapshot

List Agent Snapshots:
  - Returns agent names with a stored snapshot

Delete Agent Snapshot:
  - Remove the snapshot stored under an agent name

No other package in this module calls the agent snapshot methods.

# Usage

Creating a Store:

	store, err := storage.NewBoltStore("/var/lib/agentmesh/node-1")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

Directory Agent Operations:

	// Put an agent's location
	entry := &types.DirectoryAgentEntry{
		Name:         "inventory-watcher",
		NodeID:       "node-abc123",
		Capabilities: []string{"storage.read"},
		UpdatedAt:    time.Now(),
	}
	err := store.PutDirectoryAgent(entry)

	// Get an agent's location
	entry, err := store.GetDirectoryAgent("inventory-watcher")

	// List all known agent locations
	entries, err := store.ListDirectoryAgents()

	// Delete a stale entry
	err = store.DeleteDirectoryAgent("inventory-watcher")

Directory Service Operations:

	// Advertise a service provider
	svc := &types.DirectoryServiceEntry{
		ServiceType: "pricing-quote",
		Name:        "inventory-watcher",
		Provider:    types.AgentId{Name: "inventory-watcher"},
		NodeID:      "node-abc123",
	}
	err := store.PutDirectoryService(svc)

	// List providers for a service type
	providers, err := store.ListDirectoryServices()

	// Withdraw a provider
	err = store.DeleteDirectoryService("pricing-quote", "inventory-watcher")

Agent Snapshot Operations:

	// Save a snapshot before migrating or stopping
	snap := &types.AgentSnapshot{
		AgentID:      types.AgentId{Name: "inventory-watcher"},
		ModuleHash:   moduleHash,
		LinearMemory: memDump,
	}
	err := store.SaveAgentSnapshot(snap)

	// Load on resume
	snap, err := store.LoadAgentSnapshot("inventory-watcher")

	// List agents with a resumable snapshot
	names, err := store.ListAgentSnapshots()

	// Clean up after a graceful exit
	err = store.DeleteAgentSnapshot("inventory-watcher")

Certificate Authority:

	// Save CA certificate and key
	caData := []byte("PEM-encoded CA cert and key")
	err := store.SaveCA(caData)

	// Get CA data
	caData, err := store.GetCA()

# Integration Points

This package integrates with:

  - pkg/directory: Raft FSM reads/writes the agent directory through this
    Store, and QueryServices reads the service entries
  - pkg/security: Stores the cluster CA's certificate and key
  - pkg/types: All entity definitions

# Design Patterns

Upsert Pattern:
  - Put uses the same method for create and update (db.Put)
  - No separate "exists" check needed
  - Simplifies API and caller code
  - Atomic replacement

Idempotent Deletes:
  - Delete returns no error if key doesn't exist
  - Safe to call multiple times
  - Simplifies cleanup code

Cursor Iteration:
  - ForEach pattern for full bucket scans
  - Memory efficient (streaming)
  - Consistent snapshot during iteration

Error Wrapping:
  - NewBoltStore wraps its errors with context: fmt.Errorf("op failed: %w", err)
  - The per-operation methods return bbolt and JSON errors unwrapped, and
    report a missing key as a plain "... not found" error

# Performance Characteristics

Read Operations:
  - Get by key: O(log n) via B+tree, typically < 1ms
  - List all: O(n) full scan, ~1ms per 1000 entries
  - Concurrent reads: Supported via MVCC snapshots

Write Operations:
  - Insert/Update: O(log n) for key, ~1-5ms with fsync
  - Delete: O(log n) for key, ~1-5ms with fsync
  - Serialized: Only one writer at a time (BoltDB limitation)

Database File Size:
  - Empty: 32KB (header + initial pages)
  - Small node (hundreds of agents): ~1MB
  - Growth: Linear with directory entry + snapshot count, dominated by
    per-agent linear memory in agent_snapshots

Memory Usage:
  - mmap: Database file mapped to memory
  - Read-only pages: Shared across processes
  - Write buffer: scales with the largest agent snapshot in the transaction
  - Page cache: OS manages (warm frequently accessed pages)

Transaction Latency:
  - Read transaction: < 100µs (memory access)
  - Write transaction: 1-5ms (fsync to disk)
  - Under load: May queue (single writer)

# Troubleshooting

Common Issues:

Database Locked:
  - Symptom: NewBoltStore does not return; bolt.Open is called without a
    lock timeout, so it waits for the file lock
  - Cause: Another process has exclusive lock
  - Solution: Ensure only one agentd process opens the data directory
  - Check: No dangling processes holding the file

Database Corruption:
  - Symptom: "invalid database" or checksum errors
  - Cause: Unclean shutdown, disk failure, bug
  - Solution: Rejoin the cluster and let the directory FSM replay from peers
  - Prevention: Use fsync (enabled by default)

Slow Writes:
  - Symptom: High latency on snapshot saves
  - Cause: Large linear memory dumps, slow disk
  - Check: fsync latency, disk I/O wait
  - Solution: Use SSD, trim unused linear memory before snapshotting

Large Database File:
  - Symptom: Database file grows large over time
  - Cause: No compaction, deleted keys leave space
  - Check: Compare file size to expected snapshot count
  - Solution: Manual compact (future) or backup/restore

# Monitoring

This package registers no metrics of its own. The directory package sets
its agent-count gauge from ListDirectoryAgents.

# Data Integrity

Transaction Guarantees:
  - Atomicity: All-or-nothing commits
  - Consistency: JSON validation before commit
  - Isolation: Snapshot reads, serialized writes
  - Durability: fsync ensures crash recovery

Backup and Restore:
  - Database is single file (easy to copy)
  - Backup: Copy file while database is closed OR use db.View()
  - Restore: Replace file and restart the node
  - Raft handles replication of directory state across nodes; agent
    snapshots are node-local and not replicated

Data Migration:
  - Schema changes handled via JSON flexibility
  - New fields: Add with omitempty tag (backward compatible)
  - Remove fields: Ignored during unmarshal
  - Major changes: Implement migration in NewBoltStore

# Security

Encryption at Rest:
  - Database file not encrypted by default
  - Recommendation: Use disk encryption (LUKS, dm-crypt)
  - CA private key material benefits most from disk encryption

File Permissions:
  - Database file: 0600 (owner read/write only)
  - Directory: not created by this package; NewBoltStore expects dataDir
    to exist already
  - Prevents unprivileged access to directory state and the cluster CA

Access Control:
  - No authentication within the database itself
  - Rely on OS file permissions
  - The admin gRPC surface provides the authorization layer above it
  - Direct database access only for recovery

# See Also

  - pkg/directory for Raft FSM integration and directory-service reads
  - pkg/types for all entity definitions
  - BoltDB documentation: https://github.com/etcd-io/bbolt
  - ACID properties: https://en.wikipedia.org/wiki/ACID
*/
package storage
