package paxos

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/raft"
)

// Command is one entry in a Paxos group's replicated log: a slot
// number and the opaque payload the transaction state machine
// assigned to it. The FSM does not interpret Payload; it only commits
// it in order and hands it to whatever Applier the group was
// constructed with.
type Command struct {
	Slot    uint64 `json:"slot"`
	Payload []byte `json:"payload"`
}

// Applier is invoked, in slot order, once a Command has been committed
// by the group's Raft instance. It is how pkg/txn observes its own
// replicated operations landing.
type Applier func(Command)

// fsm implements raft.FSM over an ordered command log, keyed only by
// slot: commands across transactions sharing a group interleave by
// slot order, one decree per slot.
type fsm struct {
	mu      sync.Mutex
	applier Applier
	log     []Command
}

func newFSM(applier Applier) *fsm {
	return &fsm{applier: applier}
}

func (f *fsm) Apply(entry *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("paxos: unmarshal command: %w", err)
	}

	f.mu.Lock()
	f.log = append(f.log, cmd)
	f.mu.Unlock()

	if f.applier != nil {
		f.applier(cmd)
	}
	return nil
}

func (f *fsm) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]Command, len(f.log))
	copy(cp, f.log)
	return &fsmSnapshot{log: cp}, nil
}

func (f *fsm) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var log []Command
	if err := json.NewDecoder(rc).Decode(&log); err != nil {
		return fmt.Errorf("paxos: decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = log

	if f.applier != nil {
		for _, cmd := range log {
			f.applier(cmd)
		}
	}
	return nil
}

type fsmSnapshot struct {
	log []Command
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s.log); err != nil {
			return err
		}
		return sink.Close()
	}()
	if err != nil {
		sink.Cancel()
	}
	return err
}

func (s *fsmSnapshot) Release() {}
