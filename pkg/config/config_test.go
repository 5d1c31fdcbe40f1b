package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/consusdb/consus/pkg/ids"
)

func sampleConfig() Configuration {
	return Configuration{
		ClusterID: 1,
		VersionID: 4,
		DataCenters: []DataCenter{
			{ID: 1, Name: "us-east"},
			{ID: 2, Name: "us-west"},
		},
		Txmans: []TxmanState{
			{ID: 1, DataCenter: 1, GroupID: 1, Bind: "10.0.0.1:7000"},
		},
		PaxosGroups: []PaxosGroup{
			{ID: 1, Members: []ids.TxmanID{1}},
		},
		KVSs: []KVS{
			{ID: 1, DataCenter: 1, Bind: "10.0.0.10:7100"},
			{ID: 2, DataCenter: 1, Bind: "10.0.0.11:7100"},
			{ID: 3, DataCenter: 1, Bind: "10.0.0.12:7100"},
		},
	}
}

func TestOwningKVSIsDeterministic(t *testing.T) {
	c := sampleConfig()
	a, ok := c.OwningKVS([]byte("accounts"), []byte("alice"))
	require.True(t, ok)
	b, ok := c.OwningKVS([]byte("accounts"), []byte("alice"))
	require.True(t, ok)
	require.Equal(t, a, b)
}

func TestOwningKVSDistributes(t *testing.T) {
	c := sampleConfig()
	seen := map[ids.KVSID]bool{}
	for i := 0; i < 50; i++ {
		kvs, ok := c.OwningKVS([]byte("t"), []byte{byte(i)})
		require.True(t, ok)
		seen[kvs.ID] = true
	}
	require.Greater(t, len(seen), 1)
}

func TestOwningKVSEmpty(t *testing.T) {
	c := Configuration{}
	_, ok := c.OwningKVS([]byte("t"), []byte("k"))
	require.False(t, ok)
}

func TestReplicaSetGroupsByReplicationFactor(t *testing.T) {
	c := sampleConfig()
	c.ReplicationFactor = 3

	set, ok := c.ReplicaSet([]byte("accounts"), []byte("alice"))
	require.True(t, ok)
	require.Len(t, set, 3)

	set2, ok := c.ReplicaSet([]byte("accounts"), []byte("alice"))
	require.True(t, ok)
	require.Equal(t, set, set2)
}

func TestReplicaSetDefaultsToSingletons(t *testing.T) {
	c := sampleConfig()
	set, ok := c.ReplicaSet([]byte("t"), []byte("k"))
	require.True(t, ok)
	require.Len(t, set, 1)
}

func TestReplicaSetEmpty(t *testing.T) {
	c := Configuration{}
	_, ok := c.ReplicaSet([]byte("t"), []byte("k"))
	require.False(t, ok)
}

func TestGroupOfResolvesMembers(t *testing.T) {
	c := sampleConfig()
	members, ok := c.GroupOf(1)
	require.True(t, ok)
	require.Len(t, members, 1)
	require.Equal(t, ids.TxmanID(1), members[0].ID)
}

func TestConfigurationStringPluralization(t *testing.T) {
	empty := Configuration{ClusterID: 1, VersionID: 1}
	require.Contains(t, empty.String(), "default data center only")
	require.Contains(t, empty.String(), "no transaction managers")
	require.Contains(t, empty.String(), "no paxos groups")
	require.Contains(t, empty.String(), "no key value stores")

	one := Configuration{
		ClusterID:   1,
		VersionID:   1,
		DataCenters: []DataCenter{{ID: 1, Name: "dc1"}},
	}
	require.Contains(t, one.String(), "1 configured data center:")

	many := sampleConfig()
	require.Contains(t, many.String(), "2 configured data centers:")
	require.Contains(t, many.String(), "3 key value stores:")
}
