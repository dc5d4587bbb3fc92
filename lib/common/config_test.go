package common

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/dClaim/lib/idauthority"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raftConfig(t *testing.T) Config {
	t.Helper()
	conf := DefaultConfig()
	conf.Store.Backend = BackendRaft
	members, err := ParseClusterMembers("node-1=localhost:63001,node-2=localhost:63002")
	require.NoError(t, err)
	conf.Raft.ClusterMembers = members
	conf.Raft.ReplicaID = ParseReplicaID("node-1")
	return conf
}

func TestDefaultConfigIsValid(t *testing.T) {
	conf := DefaultConfig()
	require.NoError(t, conf.Validate())
	assert.Equal(t, BackendLocal, conf.Store.Backend)
	assert.Equal(t, EngineBirch, conf.Store.Engine)

	rid, err := conf.RIDBytes()
	require.NoError(t, err)
	assert.Nil(t, rid)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "cloud" }},
		{"unknown engine", func(c *Config) { c.Store.Engine = "maple" }},
		{"pebble without dir", func(c *Config) { c.Store.Engine = EnginePebble; c.Store.DataDir = "" }},
		{"pebble on raft", func(c *Config) { c.Store.Backend = BackendRaft; c.Store.Engine = EnginePebble }},
		{"unknown unit", func(c *Config) { c.TimestampUnit = "s" }},
		{"unknown log level", func(c *Config) { c.LogLevel = "loud" }},
		{"bad rid", func(c *Config) { c.RID = "xyz" }},
		{"expire below wait", func(c *Config) { c.Lock.Expire = c.Lock.Wait }},
		{"no lock retries", func(c *Config) { c.Lock.Retries = 0 }},
		{"no id retries", func(c *Config) { c.ID.Retries = 0 }},
		{"zero block size", func(c *Config) { c.ID.BlockSize = 0 }},
		{"fixed without bits", func(c *Config) { c.ID.ConflictMode = "fixed" }},
		{"raft without members", func(c *Config) { c.Store.Backend = BackendRaft }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := DefaultConfig()
			tt.modify(&conf)
			assert.Error(t, conf.Validate())
		})
	}
}

func TestValidateRaft(t *testing.T) {
	conf := raftConfig(t)
	require.NoError(t, conf.Validate())

	conf.Raft.ReplicaID = ParseReplicaID("node-3")
	assert.Error(t, conf.Validate(), "replica must be a cluster member")

	conf = raftConfig(t)
	conf.Raft.ElectionRTT = 2
	assert.Error(t, conf.Validate())
}

func TestConflictAvoidance(t *testing.T) {
	conf := DefaultConfig()
	conf.ID.ConflictMode = "fixed"
	conf.ID.ConflictBits = 4
	conf.ID.ConflictTag = 3

	ca, err := conf.ConflictAvoidance()
	require.NoError(t, err)
	assert.Equal(t, idauthority.ConflictAvoidance{Mode: idauthority.ModeFixed, Bits: 4, Tag: 3}, ca)

	conf.ID.ConflictTag = 16
	_, err = conf.ConflictAvoidance()
	assert.Error(t, err)
}

func TestRIDBytes(t *testing.T) {
	conf := DefaultConfig()
	conf.RID = "0a0b"
	rid, err := conf.RIDBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x0a, 0x0b}, rid)
}

func TestParseClusterMembers(t *testing.T) {
	members, err := ParseClusterMembers("node-1=a:1, 7=b:2")
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assert.Equal(t, "a:1", members[ParseReplicaID("node-1")])
	assert.Equal(t, "b:2", members[7])

	members, err = ParseClusterMembers("")
	require.NoError(t, err)
	assert.Empty(t, members)

	_, err = ParseClusterMembers("node-1")
	assert.Error(t, err)
	_, err = ParseClusterMembers("node-1=")
	assert.Error(t, err)
}

func TestParseReplicaID(t *testing.T) {
	assert.Equal(t, uint64(42), ParseReplicaID("42"))
	assert.Equal(t, ParseReplicaID("node-1"), ParseReplicaID("node-1"))
	assert.NotEqual(t, ParseReplicaID("node-1"), ParseReplicaID("node-2"))
}

func TestDragonboatConversion(t *testing.T) {
	conf := raftConfig(t)
	conf.Store.DataDir = "/tmp/dclaim"

	rc := conf.ToDragonboatConfig(9)
	assert.Equal(t, uint64(9), rc.ShardID)
	assert.Equal(t, conf.Raft.ReplicaID, rc.ReplicaID)
	assert.Equal(t, uint64(10), rc.ElectionRTT)
	assert.Equal(t, uint64(1), rc.HeartbeatRTT)
	assert.True(t, rc.CheckQuorum)
	assert.Equal(t, conf.Raft.SnapshotEntries, rc.SnapshotEntries)

	nh := conf.ToNodeHostConfig()
	assert.Equal(t, "localhost:63001", nh.RaftAddress)
	assert.Equal(t, "/tmp/dclaim", nh.NodeHostDir)
	assert.Equal(t, filepath.Join("/tmp/dclaim", "wal"), nh.WALDir)
	assert.Equal(t, uint64(100), nh.RTTMillisecond)

	conf.Raft.WALDir = "/fast/wal"
	assert.Equal(t, "/fast/wal", conf.ToNodeHostConfig().WALDir)
}

func TestString(t *testing.T) {
	conf := DefaultConfig()
	out := conf.String()
	assert.Contains(t, out, "STORE")
	assert.Contains(t, out, "LOCKING")
	assert.Contains(t, out, "ID BLOCKS")
	assert.Contains(t, out, "(random)")
	assert.NotContains(t, out, "RAFT PARAMETERS")

	conf = raftConfig(t)
	conf.Raft.Timeout = 3 * time.Second
	out = conf.String()
	assert.Contains(t, out, "RAFT PARAMETERS")
	assert.Contains(t, out, "localhost:63002")
	assert.Contains(t, out, "3s")
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]logger.LogLevel{
		"debug":    logger.DEBUG,
		"INFO":     logger.INFO,
		"warn":     logger.WARNING,
		"warning":  logger.WARNING,
		"error":    logger.ERROR,
		"critical": logger.CRITICAL,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
	assert.Error(t, InitLoggers("verbose"))
}

func TestLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	old := Output
	Output = &buf
	t.Cleanup(func() { Output = old })

	l := CreateLogger("locking")
	l.Infof("claim %d written", 7)
	l.Debugf("hidden")
	assert.Contains(t, buf.String(), "INFO  [locking] claim 7 written")
	assert.NotContains(t, buf.String(), "hidden")

	l.SetLevel(logger.ERROR)
	buf.Reset()
	l.Warningf("hidden")
	l.Errorf("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "ERROR [locking] shown")

	assert.Panics(t, func() { l.Panicf("boom") })
}
