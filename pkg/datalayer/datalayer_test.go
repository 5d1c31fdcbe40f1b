package datalayer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/consusdb/consus/pkg/ids"
)

func open(t *testing.T) *Datalayer {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "data.db"))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestPutThenGetScenario(t *testing.T) {
	d := open(t)
	rc, err := d.Put([]byte("t"), []byte("k"), 10, []byte("v1"))
	require.NoError(t, err)
	require.Equal(t, SUCCESS, rc)

	rc2, ts, v, err := d.Get([]byte("t"), []byte("k"), 15)
	require.NoError(t, err)
	require.Equal(t, SUCCESS, rc2)
	require.Equal(t, uint64(10), ts)
	require.Equal(t, []byte("v1"), v)

	rc3, _, _, err := d.Get([]byte("t"), []byte("k"), 9)
	require.NoError(t, err)
	require.Equal(t, NOT_FOUND, rc3)
}

func TestTombstoneScenario(t *testing.T) {
	d := open(t)
	_, err := d.Put([]byte("t"), []byte("k"), 10, []byte("v1"))
	require.NoError(t, err)
	_, err = d.Del([]byte("t"), []byte("k"), 20)
	require.NoError(t, err)

	rc, ts, _, err := d.Get([]byte("t"), []byte("k"), 25)
	require.NoError(t, err)
	require.Equal(t, NOT_FOUND, rc)
	require.Equal(t, uint64(20), ts)
}

func TestPutRejectsEmptyValue(t *testing.T) {
	d := open(t)
	rc, err := d.Put([]byte("t"), []byte("k"), 1, []byte{})
	require.Error(t, err)
	require.Equal(t, INVALID, rc)
}

func TestGetReturnsGreatestVersionAtOrBelow(t *testing.T) {
	d := open(t)
	for _, ts := range []uint64{5, 10, 15} {
		_, err := d.Put([]byte("t"), []byte("k"), ts, []byte("v"))
		require.NoError(t, err)
	}
	rc, ts, _, err := d.Get([]byte("t"), []byte("k"), 12)
	require.NoError(t, err)
	require.Equal(t, SUCCESS, rc)
	require.Equal(t, uint64(10), ts)
}

func TestGetNotFoundForUnknownKey(t *testing.T) {
	d := open(t)
	rc, _, _, err := d.Get([]byte("t"), []byte("missing"), 100)
	require.NoError(t, err)
	require.Equal(t, NOT_FOUND, rc)
}

func TestLockRoundTrip(t *testing.T) {
	d := open(t)
	tg := ids.TransactionGroup{GroupID: 1, Seq: 2}

	rc, err := d.WriteLock([]byte("t"), []byte("k"), tg)
	require.NoError(t, err)
	require.Equal(t, SUCCESS, rc)

	rc2, got, err := d.ReadLock([]byte("t"), []byte("k"))
	require.NoError(t, err)
	require.Equal(t, SUCCESS, rc2)
	require.Equal(t, tg, got)

	rc3, err := d.ClearLock([]byte("t"), []byte("k"))
	require.NoError(t, err)
	require.Equal(t, SUCCESS, rc3)

	rc4, _, err := d.ReadLock([]byte("t"), []byte("k"))
	require.NoError(t, err)
	require.Equal(t, NOT_FOUND, rc4)
}

func TestScanDataVisitsAllRecords(t *testing.T) {
	d := open(t)
	_, _ = d.Put([]byte("t"), []byte("a"), 1, []byte("va"))
	_, _ = d.Put([]byte("t"), []byte("b"), 1, []byte("vb"))

	var recs []Record
	err := d.ScanData(func(r Record) bool {
		recs = append(recs, r)
		return true
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestApplyIsIdempotent(t *testing.T) {
	d := open(t)
	r := Record{Table: []byte("t"), Key: []byte("k"), Timestamp: 5, Value: []byte("v")}
	_, err := d.Apply(r)
	require.NoError(t, err)
	_, err = d.Apply(r)
	require.NoError(t, err)

	rc, ts, v, err := d.Get([]byte("t"), []byte("k"), 5)
	require.NoError(t, err)
	require.Equal(t, SUCCESS, rc)
	require.Equal(t, uint64(5), ts)
	require.Equal(t, []byte("v"), v)
}

func TestKeysWithDifferentLengthsDoNotCollide(t *testing.T) {
	d := open(t)
	_, err := d.Put([]byte("t"), []byte("ab"), 1, []byte("short"))
	require.NoError(t, err)
	_, err = d.Put([]byte("t"), []byte("a"), 1, []byte("other"))
	require.NoError(t, err)

	rc, _, v, err := d.Get([]byte("t"), []byte("ab"), 1)
	require.NoError(t, err)
	require.Equal(t, SUCCESS, rc)
	require.Equal(t, []byte("short"), v)

	rc2, _, v2, err := d.Get([]byte("t"), []byte("a"), 1)
	require.NoError(t, err)
	require.Equal(t, SUCCESS, rc2)
	require.Equal(t, []byte("other"), v2)
}
