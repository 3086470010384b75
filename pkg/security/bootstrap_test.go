package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/agentmesh/mesh/pkg/storage"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	key := DeriveKeyFromClusterID("bootstrap-test-cluster")
	require.NoError(t, SetClusterEncryptionKey(key))

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestEnsureCACreatesOnFirstCall(t *testing.T) {
	store := newTestStore(t)

	ca, err := EnsureCA(store)
	require.NoError(t, err)
	require.True(t, ca.IsInitialized())
}

func TestEnsureCALoadsExistingOnSecondCall(t *testing.T) {
	store := newTestStore(t)

	first, err := EnsureCA(store)
	require.NoError(t, err)

	second, err := EnsureCA(store)
	require.NoError(t, err)
	require.Equal(t, first.GetRootCACert(), second.GetRootCACert())
}

func TestEnsureNodeCertIssuesAndPersists(t *testing.T) {
	store := newTestStore(t)
	ca, err := EnsureCA(store)
	require.NoError(t, err)

	certDir := filepath.Join(t.TempDir(), "node-1")
	require.NoError(t, EnsureNodeCert(ca, certDir, "node-1", "agent", nil, nil))

	require.True(t, CertExists(certDir))
	_, err = os.Stat(filepath.Join(certDir, "ca.crt"))
	require.NoError(t, err)
}

func TestEnsureNodeCertIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ca, err := EnsureCA(store)
	require.NoError(t, err)

	certDir := filepath.Join(t.TempDir(), "node-1")
	require.NoError(t, EnsureNodeCert(ca, certDir, "node-1", "agent", nil, nil))

	before, err := LoadCertFromFile(certDir)
	require.NoError(t, err)

	require.NoError(t, EnsureNodeCert(ca, certDir, "node-1", "agent", nil, nil))

	after, err := LoadCertFromFile(certDir)
	require.NoError(t, err)
	require.Equal(t, before.Leaf.SerialNumber, after.Leaf.SerialNumber, "a non-expiring cert should not be reissued")
}
