package security

import (
	"net"

	"github.com/agentmesh/mesh/pkg/errs"
	"github.com/agentmesh/mesh/pkg/storage"
)

// EnsureCA loads the cluster CA from store, initializing and persisting
// a new one if none exists yet. Every node in a cluster must share the
// same CA; a node whose store holds no CA initializes its own, so a
// joining node shares the cluster CA only if its store already holds it.
func EnsureCA(store storage.Store) (*CertAuthority, error) {
	ca := NewCertAuthority(store)
	if err := ca.LoadFromStore(); err == nil {
		return ca, nil
	}
	if err := ca.Initialize(); err != nil {
		return nil, errs.Wrap(errs.Fatal, "initialize cluster CA", err)
	}
	if err := ca.SaveToStore(); err != nil {
		return nil, errs.Wrap(errs.Fatal, "persist cluster CA", err)
	}
	return ca, nil
}

// EnsureNodeCert returns certDir's node certificate, issuing and saving
// a fresh one (plus the CA cert alongside it, so ServerTLSConfig and
// ClientTLSConfig can load both from the same directory) if certDir is
// empty or its certificate needs rotation.
func EnsureNodeCert(ca *CertAuthority, certDir, nodeID, role string, dnsNames []string, ipAddresses []net.IP) error {
	if CertExists(certDir) {
		cert, err := LoadCertFromFile(certDir)
		if err == nil && !CertNeedsRotation(cert.Leaf) {
			return nil
		}
	}

	cert, err := ca.IssueNodeCertificate(nodeID, role, dnsNames, ipAddresses)
	if err != nil {
		return errs.Wrap(errs.Fatal, "issue node certificate", err)
	}
	if err := SaveCertToFile(cert, certDir); err != nil {
		return errs.Wrap(errs.Fatal, "save node certificate", err)
	}
	if err := SaveCACertToFile(ca.GetRootCACert(), certDir); err != nil {
		return errs.Wrap(errs.Fatal, "save CA certificate", err)
	}
	return nil
}
