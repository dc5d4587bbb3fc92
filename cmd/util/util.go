package util

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/dClaim/lib/common"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of every environment variable read by dClaim (e.g. DCLAIM_LOCK_WAIT)
	EnvPrefix = "dclaim"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupConfigFlags adds every configuration flag to a command (as persistent flags)
func SetupConfigFlags(cmd *cobra.Command) {
	d := common.DefaultConfig()
	f := cmd.PersistentFlags()

	// store
	f.String("backend", string(d.Store.Backend), WrapString("Where the column stores live (local, raft)"))
	f.String("engine", string(d.Store.Engine), WrapString("Storage engine of the local backend (birch = in memory, pebble = persistent). The raft backend always uses birch"))
	f.String("data-dir", d.Store.DataDir, WrapString("Directory for pebble data and raft snapshots"))

	// identity
	f.String("rid", "", WrapString("Hex encoded writer identity, must be unique per process (random if empty)"))
	f.String("timestamp-unit", d.TimestampUnit, WrapString("Resolution of claim timestamps (ms, us, ns)"))
	f.String("log-level", d.LogLevel, WrapString("Level at which logs will be output (debug, info, warn, error, critical)"))

	// locking
	f.Duration("lock-wait", d.Lock.Wait, WrapString("Time a lock claim must age before it is checked"))
	f.Duration("lock-expire", d.Lock.Expire, WrapString("Lifetime of a lock claim"))
	f.Int("lock-retries", d.Lock.Retries, WrapString("Claim write attempts per lock"))
	f.Duration("lock-timeout", d.Lock.Timeout, WrapString("Time budget for acquiring one lock"))
	f.Bool("lock-clean", d.Lock.Clean, WrapString("Delete expired claims of other writers in the background"))

	// id blocks
	f.Duration("id-wait", d.ID.Wait, WrapString("Time an id claim must age before it is checked"))
	f.Int("id-retries", d.ID.Retries, WrapString("Allocation rounds per id block"))
	f.Duration("id-timeout", d.ID.Timeout, WrapString("Time budget for allocating one id block"))
	f.Uint64("id-block-size", d.ID.BlockSize, WrapString("Number of ids per block"))
	f.Uint64("id-upper-bound", d.ID.UpperBound, WrapString("Largest id of a namespace, tag bits included"))
	f.String("conflict-mode", d.ID.ConflictMode, WrapString("Id conflict avoidance (none, fixed, global-auto)"))
	f.Uint8("conflict-bits", d.ID.ConflictBits, WrapString("Width of the conflict avoidance tag in bits"))
	f.Uint32("conflict-tag", d.ID.ConflictTag, WrapString("Tag of this allocator (conflict-mode fixed only)"))

	// raft
	f.String("replica-id", "", WrapString("(raft backend) Unique name of this replica (e.g. 'node-1')"))
	f.Uint64("shard-id", d.Raft.ShardID, WrapString("(raft backend) Shard holding every column store"))
	f.String("cluster-members", "", WrapString("(raft backend) Comma-separated list of replicas in the format 'node-1=localhost:63001,node-2=localhost:63002,...'"))
	f.Uint64("rtt", d.Raft.RTTMillisecond, WrapString("(raft backend) Average round trip time between two replicas in milliseconds"))
	f.Uint64("election-rtt", d.Raft.ElectionRTT, WrapString("(raft backend) Election timeout in multiples of rtt"))
	f.Uint64("heartbeat-rtt", d.Raft.HeartbeatRTT, WrapString("(raft backend) Heartbeat interval in multiples of rtt"))
	f.Uint64("snapshot-entries", d.Raft.SnapshotEntries, WrapString("(raft backend) Applied log entries between automatic snapshots (0 disables them)"))
	f.Uint64("compaction-overhead", d.Raft.CompactionOverhead, WrapString("(raft backend) Log entries kept after a snapshot"))
	f.String("wal-dir", "", WrapString("(raft backend) Directory of the raft log (defaults to <data-dir>/wal)"))
	f.Duration("raft-timeout", d.Raft.Timeout, WrapString("(raft backend) Timeout of one raft proposal or read"))
}

// InitConfig loads .env files and sets up viper to read DCLAIM_ environment variables
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// GetConfig reads the configuration from viper and validates it
func GetConfig() (common.Config, error) {
	conf := common.Config{
		Store: common.StoreConfig{
			Backend: common.Backend(strings.ToLower(viper.GetString("backend"))),
			Engine:  common.Engine(strings.ToLower(viper.GetString("engine"))),
			DataDir: viper.GetString("data-dir"),
		},
		Lock: common.LockConfig{
			Wait:    viper.GetDuration("lock-wait"),
			Expire:  viper.GetDuration("lock-expire"),
			Retries: viper.GetInt("lock-retries"),
			Timeout: viper.GetDuration("lock-timeout"),
			Clean:   viper.GetBool("lock-clean"),
		},
		ID: common.IDConfig{
			Wait:         viper.GetDuration("id-wait"),
			Retries:      viper.GetInt("id-retries"),
			Timeout:      viper.GetDuration("id-timeout"),
			BlockSize:    viper.GetUint64("id-block-size"),
			UpperBound:   viper.GetUint64("id-upper-bound"),
			ConflictMode: viper.GetString("conflict-mode"),
			ConflictBits: uint8(viper.GetUint("conflict-bits")),
			ConflictTag:  viper.GetUint32("conflict-tag"),
		},
		Raft: common.RaftConfig{
			ShardID:            viper.GetUint64("shard-id"),
			RTTMillisecond:     viper.GetUint64("rtt"),
			ElectionRTT:        viper.GetUint64("election-rtt"),
			HeartbeatRTT:       viper.GetUint64("heartbeat-rtt"),
			SnapshotEntries:    viper.GetUint64("snapshot-entries"),
			CompactionOverhead: viper.GetUint64("compaction-overhead"),
			WALDir:             viper.GetString("wal-dir"),
			Timeout:            viper.GetDuration("raft-timeout"),
		},
		TimestampUnit: viper.GetString("timestamp-unit"),
		RID:           viper.GetString("rid"),
		LogLevel:      viper.GetString("log-level"),
	}

	members, err := common.ParseClusterMembers(viper.GetString("cluster-members"))
	if err != nil {
		return conf, err
	}
	conf.Raft.ClusterMembers = members
	if id := viper.GetString("replica-id"); id != "" {
		conf.Raft.ReplicaID = common.ParseReplicaID(id)
	} else if conf.Store.Backend == common.BackendRaft {
		return conf, fmt.Errorf("replica-id is required for the raft backend")
	}

	if err := conf.Validate(); err != nil {
		return conf, fmt.Errorf("invalid configuration: %w", err)
	}
	return conf, nil
}

// FormatDuration prints d rounded to a readable precision
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return d.String()
	case d < time.Millisecond:
		return d.Round(time.Microsecond / 100).String()
	default:
		return d.Round(time.Microsecond * 10).String()
	}
}

// SetupBackend binds the flags of cmd, loads the configuration, initializes the loggers
// and opens the configured backend
func SetupBackend(cmd *cobra.Command) (*Backend, error) {
	if err := BindCommandFlags(cmd); err != nil {
		return nil, err
	}
	conf, err := GetConfig()
	if err != nil {
		return nil, err
	}
	if err := common.InitLoggers(conf.LogLevel); err != nil {
		return nil, err
	}
	Logger.Debugf("configuration: %s", conf.String())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return OpenBackend(ctx, conf)
}
