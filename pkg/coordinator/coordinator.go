// Package coordinator provides the core's view of the cluster
// coordinator: a source of the current Configuration plus a way to
// watch for the next VersionID bump. The coordinator itself — identifier
// issuance, configuration publication, leader election among
// coordinators — is a separate service; this package defines the narrow interface
// the core consumes and ships a file-backed stand-in so the daemons
// here can run end-to-end against a YAML configuration file instead of
// a real coordinator service.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/consusdb/consus/pkg/config"
)

// Link is the core's view of a cluster coordinator: the current
// configuration, and a channel that receives every configuration
// observed after a VersionID change.
type Link interface {
	Current() config.Configuration
	Watch(ctx context.Context) <-chan config.Configuration
}

// FileLink implements Link by polling a YAML configuration file for
// mtime changes, parsing it with the same gopkg.in/yaml.v3 library the
// rest of this repository uses for static configuration. It is a
// stand-in for the real coordinator's push-based configuration feed
// (see pkg/reconciler, which drives the poll loop).
type FileLink struct {
	path string

	mu      sync.RWMutex
	current config.Configuration
	modTime time.Time

	subsMu sync.Mutex
	subs   []chan config.Configuration
}

// NewFileLink loads path once and returns a FileLink serving it.
func NewFileLink(path string) (*FileLink, error) {
	l := &FileLink{path: path}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLink) reload() error {
	info, err := os.Stat(l.path)
	if err != nil {
		return fmt.Errorf("coordinator: stat %s: %w", l.path, err)
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return fmt.Errorf("coordinator: read %s: %w", l.path, err)
	}

	var cfg config.Configuration
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("coordinator: parse %s: %w", l.path, err)
	}

	l.mu.Lock()
	changed := l.current.VersionID != cfg.VersionID
	l.current = cfg
	l.modTime = info.ModTime()
	l.mu.Unlock()

	if changed {
		l.publish(cfg)
	}
	return nil
}

func (l *FileLink) publish(cfg config.Configuration) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- cfg:
		default:
		}
	}
}

// Current returns the most recently loaded configuration.
func (l *FileLink) Current() config.Configuration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Watch returns a channel fed with every configuration observed after
// a VersionID change, until ctx is cancelled. Poll drives the actual
// reloading; Watch only exposes the subscription.
func (l *FileLink) Watch(ctx context.Context) <-chan config.Configuration {
	ch := make(chan config.Configuration, 1)
	l.subsMu.Lock()
	l.subs = append(l.subs, ch)
	l.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		l.subsMu.Lock()
		defer l.subsMu.Unlock()
		for i, c := range l.subs {
			if c == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

// Poll re-reads the configuration file every interval until ctx is
// cancelled, comparing mtimes to avoid needless reparses. Errors are
// returned to the caller's logger via errFn rather than aborting the
// poll loop, since a transient read failure (e.g. the coordinator is
// mid-rewrite of the file) should not take the daemon down.
func (l *FileLink) Poll(ctx context.Context, interval time.Duration, errFn func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(l.path)
			if err != nil {
				if errFn != nil {
					errFn(err)
				}
				continue
			}
			l.mu.RLock()
			unchanged := info.ModTime().Equal(l.modTime)
			l.mu.RUnlock()
			if unchanged {
				continue
			}
			if err := l.reload(); err != nil && errFn != nil {
				errFn(err)
			}
		}
	}
}
