/*
Package client provides a Go client library for consus.

It round-trips TXMAN_READ and TXMAN_WRITE frames over pkg/wire against a
txman Paxos group, giving application code a Begin/Read/Write/Commit/Abort
interface without requiring it to speak the wire protocol directly. There
is no RPC stub generation step: pkg/wire's frames are encoded and decoded
by hand.

# Usage

	cfg := ... // loaded via pkg/config
	c, err := client.NewWithCert(cfg, "/etc/consus/certs/cli")
	if err != nil {
		log.Fatal(err)
	}

	tx, err := c.Begin(ctx)
	if err != nil {
		log.Fatal(err)
	}

	if _, err := tx.Write(ctx, []byte("accounts"), []byte("alice"), []byte("100")); err != nil {
		log.Fatal(err)
	}

	rc, err := tx.Commit(ctx)
	if err != nil || rc != wire.COMMITTED {
		tx.Abort(ctx)
	}

# Connection Management

Client lazily dials and pools a handful of connections per txman address,
the same checkout/checkin shape pkg/dispatch.RemoteReplica uses for kvs
replicas — there is no persistent connection held open before the first
request.

# Configuration

A Client holds one config.Configuration and round-robins Begin calls
across its PaxosGroups. SetConfiguration swaps in a newer configuration
without interrupting transactions already in flight; pkg/reconciler
treats Client as an Updatable consumer, so a long-lived client process
can stay current as the cluster's partition map changes.

# Certificates

NewWithCert loads a client certificate and the cluster CA from a
directory populated by 'consus-cli init' (see pkg/security), then dials
every txman connection over TLS 1.3 with that certificate presented for
mutual authentication.

# Retries

Read, Write, Commit and Abort each retry up to maxAttempts times against
the same txman address before failing, waiting resendInterval between
attempts — the default one-second resend interval a client is expected
to use while a request is outstanding, per the cancellation and timeout
behavior a txman daemon implements for at-least-once delivery.
*/
package client
