package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const cfgV1 = "cluster_id: 1\nversion_id: 1\nkvss:\n  - id: 1\n    bind: \"127.0.0.1:1\"\n"
const cfgV2 = "cluster_id: 1\nversion_id: 2\nkvss:\n  - id: 1\n    bind: \"127.0.0.1:1\"\n  - id: 2\n    bind: \"127.0.0.1:2\"\n"

func TestFileLinkCurrent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfgV1), 0644))

	l, err := NewFileLink(path)
	require.NoError(t, err)
	require.Equal(t, 1, int(l.Current().VersionID))
}

func TestFileLinkPollPublishesOnVersionBump(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfgV1), 0644))

	l, err := NewFileLink(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := l.Watch(ctx)

	go l.Poll(ctx, 10*time.Millisecond, nil)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(cfgV2), 0644))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case cfg := <-ch:
		require.Equal(t, 2, int(cfg.VersionID))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for configuration bump")
	}
}
