// Package common holds the process level pieces shared by the dClaim commands:
// the configuration struct with its dragonboat conversions and the logger factory.
//
// Configuration is usually filled from cobra flags and DCLAIM_ environment variables
// (see cmd/util) and checked with Validate before any backend is created:
//
//	conf := common.DefaultConfig()
//	conf.Store.Backend = common.BackendRaft
//	conf.Raft.ClusterMembers, _ = common.ParseClusterMembers("node-1=localhost:63001")
//	conf.Raft.ReplicaID = common.ParseReplicaID("node-1")
//	if err := conf.Validate(); err != nil {
//		panic(err)
//	}
//	nh, err := dragonboat.NewNodeHost(conf.ToNodeHostConfig())
//
// InitLoggers installs a logger factory for dragonboat's logger package, which every
// dClaim package logs through. Lines are written as "date time LEVEL [name] message".
package common
