/*
Package security provides the cluster's PKI: a root certificate
authority, node and CLI certificate issuance and rotation, and at-rest
secret encryption, so node-to-node transport and directory join
handshakes run over mutual TLS instead of bare TCP.

A cluster's trust root is a single CertAuthority, generated once and
persisted through storage.Store.SaveCA/GetCA. Node and CLI certificates
are short-lived (90 days) and signed by that root. The CA's own private
key is encrypted by Encrypt with the 32-byte cluster key installed by
SetClusterEncryptionKey (e.g. one from DeriveKeyFromClusterID);
SecretsManager encrypts secrets with its own 32-byte key.
*/
package security
