// Package dispatch implements the worker pool and per-message-type
// handler table every consus daemon runs: a bounded number of
// goroutines drain frames from accepted connections and route each to
// a handler keyed by wire.MessageType.
package dispatch

import (
	"sync"

	"github.com/consusdb/consus/pkg/wire"
)

// Pool is a fixed-size worker pool draining frames from a set of
// connections, sized by the daemon's --threads flag.
type Pool struct {
	threads int

	mu    sync.Mutex
	wg    sync.WaitGroup
	conns map[*wire.Conn]chan struct{}
}

// NewPool constructs a Pool that lets up to threads frames per
// connection be handled at once. threads <= 0 defaults to 1, matching a
// daemon started with --threads 0 by mistake still making progress.
func NewPool(threads int) *Pool {
	if threads <= 0 {
		threads = 1
	}
	return &Pool{threads: threads, conns: make(map[*wire.Conn]chan struct{})}
}

// Serve registers c with the pool and starts one goroutine that reads
// frames from it until it closes or errors, dispatching each via handle
// on a goroutine of its own. Serve returns immediately; call Wait to
// block until every registered connection has drained.
//
// Each connection gets its own reader goroutine; Pool.threads bounds
// how many frames from one connection may be handled concurrently,
// via a per-connection semaphore.
func (p *Pool) Serve(c *wire.Conn, handle func(*wire.Conn, wire.Message)) {
	sem := make(chan struct{}, p.threads)
	p.mu.Lock()
	p.conns[c] = sem
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.conns, c)
			p.mu.Unlock()
		}()

		for {
			msg, err := c.Recv()
			if err != nil {
				return
			}
			sem <- struct{}{}
			p.wg.Add(1)
			go func(msg wire.Message) {
				defer p.wg.Done()
				defer func() { <-sem }()
				handle(c, msg)
			}(msg)
		}
	}()
}

// Wait blocks until every connection registered with Serve has
// finished draining (connection closed or read error).
func (p *Pool) Wait() { p.wg.Wait() }
