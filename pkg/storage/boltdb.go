package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/agentmesh/mesh/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketDirectoryAgents   = []byte("directory_agents")
	bucketDirectoryServices = []byte("directory_services")
	bucketAgentSnapshots    = []byte("agent_snapshots")
	bucketCA                = []byte("ca")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store rooted at dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "mesh.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDirectoryAgents,
			bucketDirectoryServices,
			bucketAgentSnapshots,
			bucketCA,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// PutDirectoryAgent upserts an agent location entry.
func (s *BoltStore) PutDirectoryAgent(entry *types.DirectoryAgentEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDirectoryAgents)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.Name), data)
	})
}

// GetDirectoryAgent looks up an agent's directory entry by name.
func (s *BoltStore) GetDirectoryAgent(name string) (*types.DirectoryAgentEntry, error) {
	var entry types.DirectoryAgentEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDirectoryAgents)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("agent not found: %s", name)
		}
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ListDirectoryAgents returns every agent location entry.
func (s *BoltStore) ListDirectoryAgents() ([]*types.DirectoryAgentEntry, error) {
	var entries []*types.DirectoryAgentEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDirectoryAgents)
		return b.ForEach(func(k, v []byte) error {
			var entry types.DirectoryAgentEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// DeleteDirectoryAgent removes an agent location entry; missing is a no-op.
func (s *BoltStore) DeleteDirectoryAgent(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDirectoryAgents)
		return b.Delete([]byte(name))
	})
}

func serviceKey(serviceType, provider string) []byte {
	return []byte(serviceType + "/" + provider)
}

// PutDirectoryService upserts a service provider entry, first removing any
// prior entry with the same (service_type, provider) pair.
func (s *BoltStore) PutDirectoryService(entry *types.DirectoryServiceEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDirectoryServices)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(serviceKey(entry.ServiceType, entry.Provider.Name), data)
	})
}

// ListDirectoryServices returns every registered service provider.
func (s *BoltStore) ListDirectoryServices() ([]*types.DirectoryServiceEntry, error) {
	var entries []*types.DirectoryServiceEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDirectoryServices)
		return b.ForEach(func(k, v []byte) error {
			var entry types.DirectoryServiceEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// DeleteDirectoryService removes the matching entry; missing is a no-op.
func (s *BoltStore) DeleteDirectoryService(serviceType, provider string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDirectoryServices)
		return b.Delete(serviceKey(serviceType, provider))
	})
}

// SaveAgentSnapshot persists an agent's full restorable state.
func (s *BoltStore) SaveAgentSnapshot(snap *types.AgentSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgentSnapshots)
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		return b.Put([]byte(snap.AgentID.Name), data)
	})
}

// LoadAgentSnapshot loads a previously persisted agent snapshot.
func (s *BoltStore) LoadAgentSnapshot(name string) (*types.AgentSnapshot, error) {
	var snap types.AgentSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgentSnapshots)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("snapshot not found: %s", name)
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeleteAgentSnapshot removes a persisted snapshot; missing is a no-op.
func (s *BoltStore) DeleteAgentSnapshot(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgentSnapshots)
		return b.Delete([]byte(name))
	})
}

// ListAgentSnapshots returns the agent names with a persisted snapshot.
func (s *BoltStore) ListAgentSnapshots() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgentSnapshots)
		return b.ForEach(func(k, v []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	return names, err
}

// SaveCA persists the cluster certificate authority material.
func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put([]byte("ca"), data)
	})
}

// GetCA returns the cluster certificate authority material.
func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCA).Get([]byte("ca"))
		if v == nil {
			return fmt.Errorf("CA not found")
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}
