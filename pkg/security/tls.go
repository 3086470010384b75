package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// ServerTLSConfig builds a mTLS config for a node's gRPC listener: it
// presents certDir's node certificate and requires (but verifies
// per-RPC, not here) a client certificate signed by the same CA.
func ServerTLSConfig(certDir string) (*tls.Config, error) {
	cert, err := LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load node certificate: %w", err)
	}

	caCert, err := LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		Certificates: []tls.Certificate{*cert},
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig builds a mTLS config for dialing a peer node: it
// presents certDir's own certificate and verifies the peer against the
// shared CA.
func ClientTLSConfig(certDir string) (*tls.Config, error) {
	cert, err := LoadCertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load node certificate: %w", err)
	}

	caCert, err := LoadCACertFromFile(certDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// PeerIdentity extracts the CommonName (role-nodeID or cli-clientID)
// asserted by a verified peer certificate.
func PeerIdentity(cert *x509.Certificate) string {
	if cert == nil {
		return ""
	}
	return cert.Subject.CommonName
}
