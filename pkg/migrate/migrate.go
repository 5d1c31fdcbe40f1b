// Package migrate implements partition handoff: on a partition
// reassignment the losing replica streams its records to the gaining
// replica in batches, stopping at the first batch that is not
// acknowledged.
package migrate

import (
	"context"
	"fmt"

	"github.com/consusdb/consus/pkg/datalayer"
	"github.com/consusdb/consus/pkg/ids"
	"github.com/consusdb/consus/pkg/wire"
)

// Sender delivers a MIGRATE_SYN batch to the gaining replica and
// waits for its MIGRATE_ACK.
type Sender interface {
	Send(ctx context.Context, batch wire.MigrateSyn) (wire.MigrateAck, error)
}

// DefaultBatchSize bounds how many records travel in one SYN frame.
const DefaultBatchSize = 256

// Migrator streams one partition's data out to a gaining replica.
type Migrator struct {
	data      *datalayer.Datalayer
	sender    Sender
	batchSize int
}

// New constructs a Migrator reading from data and delivering batches
// via sender.
func New(data *datalayer.Datalayer, sender Sender) *Migrator {
	return &Migrator{data: data, sender: sender, batchSize: DefaultBatchSize}
}

// Run streams every data record for partition in comparator order,
// batch by batch. It returns an error at the first batch that fails to
// send or is rejected, without resending it. Applies are idempotent on
// the receiving side (see pkg/datalayer.Apply), so running the
// migration again after a failure safely re-delivers records.
func (m *Migrator) Run(ctx context.Context, partition ids.PartitionID) error {
	batchID := uint64(0)
	var pending []wire.MigrateRecord
	var scanErr error

	flush := func(done bool) error {
		if len(pending) == 0 && !done {
			return nil
		}
		syn := wire.MigrateSyn{
			Partition: partition,
			BatchID:   batchID,
			Done:      done,
			Records:   pending,
		}
		ack, err := m.sender.Send(ctx, syn)
		if err != nil {
			return fmt.Errorf("migrate: send batch %d: %w", batchID, err)
		}
		if ack.RC != wire.SUCCESS {
			return fmt.Errorf("migrate: batch %d rejected: %s", batchID, ack.RC)
		}
		batchID++
		pending = nil
		return nil
	}

	err := m.data.ScanData(func(r datalayer.Record) bool {
		select {
		case <-ctx.Done():
			scanErr = ctx.Err()
			return false
		default:
		}

		pending = append(pending, wire.MigrateRecord{
			Table:     r.Table,
			Key:       r.Key,
			Timestamp: r.Timestamp,
			Value:     r.Value,
		})

		if len(pending) >= m.batchSize {
			if err := flush(false); err != nil {
				scanErr = err
				return false
			}
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("migrate: scan: %w", err)
	}
	if scanErr != nil {
		return scanErr
	}

	return flush(true)
}

// Receiver applies incoming batches to the gaining replica's
// datalayer and answers with an ack, the other half of the SYN/ACK
// exchange.
type Receiver struct {
	data *datalayer.Datalayer
}

// NewReceiver constructs a Receiver applying batches to data.
func NewReceiver(data *datalayer.Datalayer) *Receiver {
	return &Receiver{data: data}
}

// Apply applies every record in syn, idempotently, and returns the ack
// to send back.
func (r *Receiver) Apply(syn wire.MigrateSyn) wire.MigrateAck {
	for _, rec := range syn.Records {
		if _, err := r.data.Apply(datalayer.Record{
			Table:     rec.Table,
			Key:       rec.Key,
			Timestamp: rec.Timestamp,
			Value:     rec.Value,
		}); err != nil {
			return wire.MigrateAck{Partition: syn.Partition, BatchID: syn.BatchID, RC: wire.SERVER_ERROR}
		}
	}
	return wire.MigrateAck{Partition: syn.Partition, BatchID: syn.BatchID, RC: wire.SUCCESS}
}
