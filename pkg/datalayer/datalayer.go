// Package datalayer is the durable data layer: multi-version
// key-value storage plus per-key lock records, built atop bbolt.
//
// An engine with a pluggable comparator could place lock records
// before data records in a single keyspace, and order data records by
// (table,key) ascending then timestamp descending. bbolt has no such
// hook, so this package reaches the same
// ordering structurally: lock records and data records live in
// separate buckets (locks always iterate before data is ever
// consulted, and the two record kinds can never collide), and each
// data key's trailing 8-byte timestamp is stored bit-complemented so
// that bbolt's native ascending byte-order walk of a (table,key)
// prefix yields descending-timestamp order — a seek to the smallest
// key ≥ encode(table,key,NOT(t)) lands on the greatest version ≤ t.
package datalayer

import (
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/consusdb/consus/pkg/ids"
)

var (
	bucketData  = []byte("data")
	bucketLocks = []byte("locks")
)

// ReturnCode mirrors the core's wire.ReturnCode values this package can
// produce, duplicated here (rather than imported) so pkg/datalayer has
// no dependency on pkg/wire's framing concerns.
type ReturnCode int

const (
	SUCCESS ReturnCode = iota
	NOT_FOUND
	SERVER_ERROR
	INVALID
)

// Datalayer is a handle on one KVS daemon's durable store.
type Datalayer struct {
	db *bolt.DB
}

// Open opens (creating if missing) the bbolt database at path and
// ensures both buckets exist.
func Open(path string) (*Datalayer, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("datalayer: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketData); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketLocks)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("datalayer: init buckets: %w", err)
	}

	return &Datalayer{db: db}, nil
}

// Close closes the underlying database.
func (d *Datalayer) Close() error { return d.db.Close() }

// dataKey packs (table,key) then the bit-complemented big-endian
// timestamp, so ascending byte order within a (table,key) prefix walks
// timestamps from newest to oldest.
func dataKey(table, key []byte, timestamp uint64) []byte {
	buf := ids.PutBytes(nil, table)
	buf = ids.PutBytes(buf, key)
	return ids.PutUint64BE(buf, ^timestamp)
}

// dataPrefix is dataKey without the timestamp suffix, used to recognize
// whether a scanned key still belongs to (table,key).
func dataPrefix(table, key []byte) []byte {
	buf := ids.PutBytes(nil, table)
	return ids.PutBytes(buf, key)
}

func lockKey(table, key []byte) []byte {
	buf := ids.PutBytes(nil, table)
	return ids.PutBytes(buf, key)
}

// Get seeks to the greatest version of (table,key) with timestamp ≤
// timestampLE. An empty stored value is a tombstone and is reported as
// NOT_FOUND along with its timestamp.
func (d *Datalayer) Get(table, key []byte, timestampLE uint64) (rc ReturnCode, timestamp uint64, value []byte, err error) {
	prefix := dataPrefix(table, key)
	seek := dataKey(table, key, timestampLE)

	err = d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketData).Cursor()
		k, v := c.Seek(seek)
		if k == nil || !hasPrefix(k, prefix) {
			rc = NOT_FOUND
			return nil
		}

		ts, ok := ids.GetUint64BE(k[len(k)-8:])
		if !ok {
			rc = INVALID
			return nil
		}
		timestamp = ^ts

		if len(v) == 0 {
			rc = NOT_FOUND
			return nil
		}
		value = append([]byte(nil), v...)
		rc = SUCCESS
		return nil
	})
	if err != nil {
		return SERVER_ERROR, 0, nil, fmt.Errorf("datalayer: get: %w", err)
	}
	return rc, timestamp, value, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) != len(prefix)+8 {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Put durably writes (table,key,timestamp)->value. value must be
// non-empty; an empty value is a tombstone written only through Del.
func (d *Datalayer) Put(table, key []byte, timestamp uint64, value []byte) (ReturnCode, error) {
	if len(value) == 0 {
		return INVALID, fmt.Errorf("datalayer: put requires a non-empty value")
	}
	return d.write(dataKey(table, key, timestamp), value)
}

// Del writes a tombstone (empty value) at (table,key,timestamp).
func (d *Datalayer) Del(table, key []byte, timestamp uint64) (ReturnCode, error) {
	return d.write(dataKey(table, key, timestamp), []byte{})
}

func (d *Datalayer) write(key, value []byte) (ReturnCode, error) {
	err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketData).Put(key, value)
	})
	if err != nil {
		return SERVER_ERROR, fmt.Errorf("datalayer: write: %w", err)
	}
	return SUCCESS, nil
}

// ReadLock returns the transaction group currently holding the lock on
// (table,key), NOT_FOUND if unlocked, INVALID if the stored record is
// corrupt.
func (d *Datalayer) ReadLock(table, key []byte) (ReturnCode, ids.TransactionGroup, error) {
	var rc ReturnCode
	var tg ids.TransactionGroup

	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLocks).Get(lockKey(table, key))
		if v == nil {
			rc = NOT_FOUND
			return nil
		}
		g, n := ids.GetGroup(v)
		if n == 0 {
			rc = INVALID
			return nil
		}
		tg = g
		rc = SUCCESS
		return nil
	})
	if err != nil {
		return SERVER_ERROR, ids.TransactionGroup{}, fmt.Errorf("datalayer: read_lock: %w", err)
	}
	return rc, tg, nil
}

// WriteLock durably records tg as the holder of (table,key).
func (d *Datalayer) WriteLock(table, key []byte, tg ids.TransactionGroup) (ReturnCode, error) {
	err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).Put(lockKey(table, key), ids.PutGroup(nil, tg))
	})
	if err != nil {
		return SERVER_ERROR, fmt.Errorf("datalayer: write_lock: %w", err)
	}
	return SUCCESS, nil
}

// ClearLock removes the lock record for (table,key), used once a lock
// is released and there is no next waiter to hand it to.
func (d *Datalayer) ClearLock(table, key []byte) (ReturnCode, error) {
	err := d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLocks).Delete(lockKey(table, key))
	})
	if err != nil {
		return SERVER_ERROR, fmt.Errorf("datalayer: clear_lock: %w", err)
	}
	return SUCCESS, nil
}

// Record is one (table,key,timestamp,value) tuple, used by the
// migrator to stream a partition's contents in comparator order.
type Record struct {
	Table     []byte
	Key       []byte
	Timestamp uint64
	Value     []byte
}

// ScanData iterates all data records in bucket order (lock records are
// never visited — they live in a separate bucket, structurally
// guaranteeing they sort before any data record reachable here),
// invoking fn for each until it returns false or iteration ends.
func (d *Datalayer) ScanData(fn func(Record) bool) error {
	return d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketData).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(k) < 8 {
				continue
			}
			table, key, ts, ok := splitDataKey(k)
			if !ok {
				continue
			}
			if !fn(Record{Table: table, Key: key, Timestamp: ts, Value: append([]byte(nil), v...)}) {
				return nil
			}
		}
		return nil
	})
}

func splitDataKey(k []byte) (table, key []byte, timestamp uint64, ok bool) {
	table, n := ids.GetBytes(k)
	if n == 0 {
		return nil, nil, 0, false
	}
	rest := k[n:]
	key, n = ids.GetBytes(rest)
	if n == 0 {
		return nil, nil, 0, false
	}
	rest = rest[n:]
	ts, ok := ids.GetUint64BE(rest)
	if !ok {
		return nil, nil, 0, false
	}
	return table, key, ^ts, true
}

// Apply writes a migrated record idempotently: re-applying the same
// (table,key,timestamp,value) is a no-op write of the identical bytes.
func (d *Datalayer) Apply(r Record) (ReturnCode, error) {
	return d.write(dataKey(r.Table, r.Key, r.Timestamp), r.Value)
}
