package common

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dClaim/lib/db/util"
	"github.com/ValentinKolb/dClaim/lib/idauthority"
	"github.com/ValentinKolb/dClaim/lib/timestamp"
	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// Configuration structs
// --------------------------------------------------------------------------

// Backend selects where the column stores live
type Backend string

const (
	BackendLocal Backend = "local" // engines in this process
	BackendRaft  Backend = "raft"  // one dragonboat shard holding every store
)

// Engine selects the key-column-value engine
type Engine string

const (
	EngineBirch  Engine = "birch"  // in memory
	EnginePebble Engine = "pebble" // persistent, local backend only
)

// StoreConfig configures the storage backend
type StoreConfig struct {
	Backend Backend
	Engine  Engine
	DataDir string
}

// LockConfig configures the consistent key locker
type LockConfig struct {
	Wait    time.Duration // uncertainty window after a claim write
	Expire  time.Duration // claim lifetime
	Retries int           // claim write attempts per lock
	Timeout time.Duration // budget for one acquire
	Clean   bool          // delete expired foreign claims in the background
}

// IDConfig configures the id block authority
type IDConfig struct {
	Wait         time.Duration
	Retries      int
	Timeout      time.Duration // budget for one GetIDBlock
	BlockSize    uint64
	UpperBound   uint64
	ConflictMode string // none, fixed, global-auto
	ConflictBits uint8
	ConflictTag  uint32
}

// RaftConfig holds the dragonboat parameters for the raft backend
type RaftConfig struct {
	ReplicaID          uint64
	ShardID            uint64
	ClusterMembers     map[uint64]string
	RTTMillisecond     uint64
	ElectionRTT        uint64 // in multiples of RTTMillisecond
	HeartbeatRTT       uint64 // in multiples of RTTMillisecond
	SnapshotEntries    uint64
	CompactionOverhead uint64
	WALDir             string // defaults to <data-dir>/wal
	Timeout            time.Duration
}

// Config holds every process level setting of dClaim
type Config struct {
	Store         StoreConfig
	Lock          LockConfig
	ID            IDConfig
	Raft          RaftConfig
	TimestampUnit string // ms, us, ns
	RID           string // hex encoded writer identity (empty = random)
	LogLevel      string
}

// These default values are selected according to the RAFT Paper
const (
	defaultElectionRTT  = 10
	defaultHeartbeatRTT = 1
)

// DefaultConfig returns a configuration for a single process in memory setup
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			Backend: BackendLocal,
			Engine:  EngineBirch,
			DataDir: "data",
		},
		Lock: LockConfig{
			Wait:    100 * time.Millisecond,
			Expire:  5 * time.Minute,
			Retries: 3,
			Timeout: 10 * time.Second,
			Clean:   true,
		},
		ID: IDConfig{
			Wait:         300 * time.Millisecond,
			Retries:      20,
			Timeout:      10 * time.Second,
			BlockSize:    10000,
			UpperBound:   1 << 56,
			ConflictMode: idauthority.ModeNone.String(),
		},
		Raft: RaftConfig{
			ShardID:            1,
			RTTMillisecond:     100,
			ElectionRTT:        defaultElectionRTT,
			HeartbeatRTT:       defaultHeartbeatRTT,
			SnapshotEntries:    1000,
			CompactionOverhead: 500,
			Timeout:            5 * time.Second,
		},
		TimestampUnit: "ms",
		LogLevel:      "info",
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendLocal, BackendRaft:
	default:
		return fmt.Errorf("invalid backend %q (expected local or raft)", c.Store.Backend)
	}
	switch c.Store.Engine {
	case EngineBirch:
	case EnginePebble:
		if c.Store.Backend == BackendRaft {
			return fmt.Errorf("engine pebble is only supported by the local backend")
		}
		if c.Store.DataDir == "" {
			return fmt.Errorf("engine pebble requires a data directory")
		}
	default:
		return fmt.Errorf("invalid engine %q (expected birch or pebble)", c.Store.Engine)
	}

	if _, err := timestamp.ParseUnit(c.TimestampUnit); err != nil {
		return err
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.RIDBytes(); err != nil {
		return err
	}

	if c.Lock.Wait <= 0 || c.Lock.Expire <= 0 {
		return fmt.Errorf("lock wait and expire must be positive")
	}
	if c.Lock.Expire <= c.Lock.Wait {
		return fmt.Errorf("lock expire (%s) must exceed lock wait (%s)", c.Lock.Expire, c.Lock.Wait)
	}
	if c.Lock.Retries < 1 {
		return fmt.Errorf("lock retries must be at least 1")
	}

	if c.ID.Wait <= 0 || c.ID.Retries < 1 {
		return fmt.Errorf("id wait must be positive and id retries at least 1")
	}
	if c.ID.BlockSize == 0 || c.ID.UpperBound == 0 {
		return fmt.Errorf("id block size and upper bound must be positive")
	}
	if _, err := c.ConflictAvoidance(); err != nil {
		return err
	}

	if c.Store.Backend == BackendRaft {
		if len(c.Raft.ClusterMembers) == 0 {
			return fmt.Errorf("raft backend requires cluster members")
		}
		if _, ok := c.Raft.ClusterMembers[c.Raft.ReplicaID]; !ok {
			return fmt.Errorf("no address found for replica ID %d in cluster members", c.Raft.ReplicaID)
		}
		if c.Raft.ShardID == 0 {
			return fmt.Errorf("shard id must not be 0")
		}
		if c.Raft.RTTMillisecond == 0 || c.Raft.HeartbeatRTT == 0 || c.Raft.ElectionRTT <= 2*c.Raft.HeartbeatRTT {
			return fmt.Errorf("election rtt must be larger than twice the heartbeat rtt")
		}
	}
	return nil
}

// RIDBytes decodes the configured writer identity. An empty RID yields nil.
func (c *Config) RIDBytes() ([]byte, error) {
	if c.RID == "" {
		return nil, nil
	}
	rid, err := hex.DecodeString(c.RID)
	if err != nil {
		return nil, fmt.Errorf("invalid rid %q: %w", c.RID, err)
	}
	return rid, nil
}

// ConflictAvoidance builds the id authority tagging from the ID section
func (c *Config) ConflictAvoidance() (idauthority.ConflictAvoidance, error) {
	mode, err := idauthority.ParseMode(c.ID.ConflictMode)
	if err != nil {
		return idauthority.ConflictAvoidance{}, err
	}
	ca := idauthority.ConflictAvoidance{Mode: mode, Bits: c.ID.ConflictBits, Tag: c.ID.ConflictTag}
	return ca, ca.Validate()
}

// --------------------------------------------------------------------------
// helper functions for to interface with Dragonboat
// --------------------------------------------------------------------------

// ToDragonboatConfig converts the raft section to a Dragonboat replica config
func (c *Config) ToDragonboatConfig(shardID uint64) config.Config {
	return config.Config{
		ReplicaID:          c.Raft.ReplicaID,
		ShardID:            shardID,
		ElectionRTT:        c.Raft.ElectionRTT,
		HeartbeatRTT:       c.Raft.HeartbeatRTT,
		CheckQuorum:        true,
		SnapshotEntries:    c.Raft.SnapshotEntries,
		CompactionOverhead: c.Raft.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *Config) ToNodeHostConfig() config.NodeHostConfig {
	walDir := c.Raft.WALDir
	if walDir == "" {
		walDir = filepath.Join(c.Store.DataDir, "wal")
	}
	return config.NodeHostConfig{
		WALDir:         walDir,
		NodeHostDir:    c.Store.DataDir,
		RTTMillisecond: c.Raft.RTTMillisecond,
		RaftAddress:    c.Raft.ClusterMembers[c.Raft.ReplicaID],
	}
}

// ParseReplicaID maps a replica name (e.g. node-1) to its numeric id.
// Purely numeric names are used as is.
func ParseReplicaID(name string) uint64 {
	if id, err := strconv.ParseUint(name, 10, 64); err == nil {
		return id
	}
	return uint64(util.HashString(name, 0))
}

// ParseClusterMembers parses 'node-1=localhost:63001,node-2=localhost:63002,...'
func ParseClusterMembers(s string) (map[uint64]string, error) {
	members := make(map[uint64]string)
	if strings.TrimSpace(s) == "" {
		return members, nil
	}
	for _, member := range strings.Split(s, ",") {
		parts := strings.Split(strings.TrimSpace(member), "=")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid cluster member format: %s (expected ID=address)", member)
		}
		members[ParseReplicaID(parts[0])] = parts[1]
	}
	return members, nil
}

// --------------------------------------------------------------------------
// Pretty printer
// --------------------------------------------------------------------------

// String returns a formatted string representation of the configuration
func (c *Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Store")
	addField("Backend", string(c.Store.Backend))
	addField("Engine", string(c.Store.Engine))
	addField("Data Directory", c.Store.DataDir)

	addSection("Identity")
	rid := c.RID
	if rid == "" {
		rid = "(random)"
	}
	addField("RID", rid)
	addField("Timestamp Unit", c.TimestampUnit)
	addField("Log Level", c.LogLevel)

	addSection("Locking")
	addField("Wait", c.Lock.Wait.String())
	addField("Expire", c.Lock.Expire.String())
	addField("Retries", strconv.Itoa(c.Lock.Retries))
	addField("Timeout", c.Lock.Timeout.String())
	addField("Clean Expired Claims", strconv.FormatBool(c.Lock.Clean))

	addSection("ID Blocks")
	addField("Wait", c.ID.Wait.String())
	addField("Retries", strconv.Itoa(c.ID.Retries))
	addField("Timeout", c.ID.Timeout.String())
	addField("Block Size", strconv.FormatUint(c.ID.BlockSize, 10))
	addField("Upper Bound", strconv.FormatUint(c.ID.UpperBound, 10))
	addField("Conflict Mode", c.ID.ConflictMode)
	addField("Conflict Bits", strconv.Itoa(int(c.ID.ConflictBits)))
	addField("Conflict Tag", strconv.FormatUint(uint64(c.ID.ConflictTag), 10))

	if c.Store.Backend == BackendRaft {
		addSection("Node Identity")
		addField("RAFT Address", c.Raft.ClusterMembers[c.Raft.ReplicaID])
		addField("Node ID", strconv.FormatUint(c.Raft.ReplicaID, 10))
		addField("Shard ID", strconv.FormatUint(c.Raft.ShardID, 10))

		addSection("RAFT Parameters")
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.Raft.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.Raft.RTTMillisecond*c.Raft.ElectionRTT))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.Raft.RTTMillisecond*c.Raft.HeartbeatRTT))
		addField("Check Quorum", fmt.Sprintf("%t", true))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.Raft.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.Raft.CompactionOverhead))
		addField("Timeout", c.Raft.Timeout.String())
		addField("WAL Directory", c.ToNodeHostConfig().WALDir)

		addSection("Cluster")
		sb.WriteString("  Initial Cluster Members:\n")

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.Raft.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.Raft.ClusterMembers[k]))
		}
	}
	return sb.String()
}
