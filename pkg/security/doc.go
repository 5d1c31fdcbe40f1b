/*
Package security provides the certificate authority and credential
handling for mutual TLS between consus daemons and clients.

Every connection in a consus cluster — client to txman, txman to kvs,
kvs to kvs during migration — is TLS 1.3 with both sides presenting a
certificate issued by the same cluster CA. A daemon that cannot prove
its identity does not get to acquire locks or stream partition data.

# Architecture

	┌───────────────────────────────────────────────┐
	│               CertAuthority                   │
	│  Initialize / LoadFromDisk / SaveToDisk       │
	│  IssueNodeCertificate(id, role, dns, ips)     │
	│  IssueClientCertificate(clientID)             │
	│  VerifyCertificate(cert)                      │
	└──────────────────────┬────────────────────────┘
	                       │ issued tls.Certificate
	                       ▼
	┌───────────────────────────────────────────────┐
	│            credential directory               │
	│  WriteKeypair / ReadKeypair                   │
	│  WriteCACert  / ReadCACert                    │
	│  daemon.crt  daemon.key  ca.crt               │
	└───────────────────────────────────────────────┘

# Certificate Authority

CertAuthority manages a self-signed RSA root kept as DER files under
its data directory. On first daemon start the root is generated and
saved; subsequent starts load it. Node certificates carry the daemon's
role and id in the CommonName ("kvs-7") plus the listen address as
SAN entries; client certificates carry only the client id. Node
certificates are issued for client and server auth, since a daemon
acts as both; client certificates are issued for client auth only.

Issued certificates are also recorded in an in-memory cache by id, so
the issuing process can answer "what did I last hand this node" via
GetCachedCert without re-parsing anything from disk.

# Credential directories

A credential directory is the unit of trust handed to a process:
its own keypair (daemon.crt / daemon.key, mode 0600) plus the cluster
CA certificate (ca.crt). Daemons keep theirs under their data
directory; consus-cli enrolls into ~/.consus/certs/cli via
CLICertDir. KeypairExists gates enrollment, NeedsRotation flags
certificates within 30 days of expiry, and VerifyChain checks a peer
certificate against the cluster root outside a TLS handshake (e.g.
when inspecting stored credentials).
*/
package security
