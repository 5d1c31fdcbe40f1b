package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUvarintRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 40} {
		buf := PutUvarint(nil, v)
		got, n := Uvarint(buf)
		require.Equal(t, len(buf), n)
		require.Equal(t, v, got)
	}
}

func TestBytesRoundTrip(t *testing.T) {
	buf := PutBytes(nil, []byte("hello"))
	out, n := GetBytes(buf)
	require.Equal(t, len(buf), n)
	require.Equal(t, []byte("hello"), out)
}

func TestGetBytesTruncated(t *testing.T) {
	buf := PutUvarint(nil, 10)
	_, n := GetBytes(buf)
	require.Equal(t, 0, n)
}

func TestTxIDGroupDropsStartTS(t *testing.T) {
	a := TxID{GroupID: 1, Seq: 2, StartTS: 100}
	b := TxID{GroupID: 1, Seq: 2, StartTS: 200}
	require.Equal(t, a.Group(), b.Group())
	require.NotEqual(t, a.StartTS, b.StartTS)
}

func TestTransactionGroupIsZero(t *testing.T) {
	require.True(t, TransactionGroup{}.IsZero())
	require.False(t, (TransactionGroup{GroupID: 1}).IsZero())
}
