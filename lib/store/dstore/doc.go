// Package dstore implements a distributed, fault-tolerant key-column-value store using
// the Dragonboat RAFT consensus library. It provides an implementation of the
// store.IStoreManager interface whose stores are replicated across the nodes of one shard.
//
// Architecture:
//
// The dstore implementation consists of three main components:
//
//   - Store Client: Implements store.IStoreManager and store.IStore. It serializes row
//     mutations into commands, sends them to the consensus layer and processes responses.
//
//   - State Machine: A Dragonboat IConcurrentStateMachine implementation that processes
//     commands and queries on each node. The state machine holds one db.KCVDB per store
//     name, created on first write by the configured store.DBFactory.
//
//   - Communication Protocol: Defined in the internal package, this consists of Command
//     and Query structures with serialization logic for transmitting operations across
//     the network.
//
// Consistency:
//
//	Writes are always proposed through RAFT and acknowledged once applied.
//	Reads follow the consistency of the transaction they run in:
//
//	- store.ConsistencyKey uses SyncRead, the read observes every completed write.
//	  Lock claims and id allocation rely on this.
//
//	- store.ConsistencyDefault uses StaleRead on the local replica and may miss
//	  recent writes.
//
// Error Handling:
//
//	Busy shards are retried a few times. Timeouts and unavailable shards are reported
//	as store.RetCTemporaryFailure, a closed NodeHost as store.RetCClosed.
//
// Usage:
//
//	nh, _ := dragonboat.NewNodeHost(nhConfig)
//	_ = nh.StartConcurrentReplica(members, false, dstore.CreateStateMachineFactory(factory), rcConfig)
//	manager := dstore.NewDistributedStoreManager(nh, shardID, 5*time.Second)
//	s, _ := manager.OpenStore("locks")
package dstore
