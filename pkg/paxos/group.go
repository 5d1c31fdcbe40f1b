// Package paxos implements the TXMAN Paxos group: the ordered
// slot-assignment primitive every state-changing operation of the
// transaction state machine flows through. Each paxos_group_id runs
// its own independent Raft cluster rooted at its own subdirectory —
// many independent groups rather than one global consensus domain.
package paxos

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/consusdb/consus/pkg/ids"
)

// Group is one TXMAN Paxos group's local Raft participant.
type Group struct {
	ID   ids.PaxosGroupID
	raft *raft.Raft
	fsm  *fsm
}

// groupDir returns the on-disk root for a group's replicated log.
func groupDir(dataDir string, group ids.PaxosGroupID) string {
	return filepath.Join(dataDir, "groups", fmt.Sprintf("%d", group))
}

// Open starts (or rejoins) the local Raft participant for group,
// storing its log and snapshots under dataDir/groups/<group-id>.
// applier is invoked for every command this node's FSM commits.
func Open(dataDir, localID, bindAddr string, group ids.PaxosGroupID, applier Applier) (*Group, error) {
	dir := groupDir(dataDir, group)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("paxos: mkdir %s: %w", dir, err)
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(localID)
	cfg.HeartbeatTimeout = 500 * time.Millisecond
	cfg.ElectionTimeout = 500 * time.Millisecond
	cfg.CommitTimeout = 50 * time.Millisecond
	cfg.LeaderLeaseTimeout = 250 * time.Millisecond

	addr, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("paxos: resolve %s: %w", bindAddr, err)
	}
	transport, err := raft.NewTCPTransport(bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("paxos: transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(dir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("paxos: snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("paxos: log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(dir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("paxos: stable store: %w", err)
	}

	f := newFSM(applier)
	r, err := raft.NewRaft(cfg, f, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("paxos: new raft: %w", err)
	}

	return &Group{ID: group, raft: r, fsm: f}, nil
}

// Bootstrap forms a brand new single- or multi-member group. servers
// maps raft.ServerID to bind address; cmd/txmand passes the local node
// plus every other member the configuration lists for the group.
func (g *Group) Bootstrap(servers map[string]string) error {
	cfg := raft.Configuration{}
	for id, addr := range servers {
		cfg.Servers = append(cfg.Servers, raft.Server{
			ID:      raft.ServerID(id),
			Address: raft.ServerAddress(addr),
		})
	}
	future := g.raft.BootstrapCluster(cfg)
	if err := future.Error(); err != nil {
		return fmt.Errorf("paxos: bootstrap group %d: %w", g.ID, err)
	}
	return nil
}

// AddVoter admits a new member to the group; only the current leader
// can do this successfully.
func (g *Group) AddVoter(id, addr string) error {
	future := g.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// IsLeader reports whether this node is the current leader of its
// group; only the leader issues slot assignments.
func (g *Group) IsLeader() bool {
	return g.raft.State() == raft.Leader
}

// Leader returns the group's current leader address, if known.
func (g *Group) Leader() string {
	addr, _ := g.raft.LeaderWithID()
	return string(addr)
}

// Propose assigns slot to payload and blocks until it is committed
// locally. Only the leader may propose: on a follower the raft apply
// fails and Propose returns that error. Nothing in this repository
// forwards a follower's proposal to the leader.
func (g *Group) Propose(slot ids.Slot, payload []byte) error {
	cmd := Command{Slot: uint64(slot), Payload: payload}
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("paxos: marshal command: %w", err)
	}
	future := g.raft.Apply(data, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("paxos: apply group %d slot %d: %w", g.ID, slot, err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return fmt.Errorf("paxos: fsm error: %w", err)
	}
	return nil
}

// Shutdown stops this node's participation in the group.
func (g *Group) Shutdown() error {
	return g.raft.Shutdown().Error()
}
