package cell

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dClaim/cmd/util"
	"github.com/ValentinKolb/dClaim/lib/evstore"
	"github.com/ValentinKolb/dClaim/lib/store"
	"github.com/spf13/cobra"
)

var (
	backend *util.Backend
	manager *evstore.Manager

	expectValue  string
	expectAbsent bool
	cellTTL      time.Duration

	// CellCommands represents the cell command group
	CellCommands = &cobra.Command{
		Use:   "cell",
		Short: "Read and conditionally write single cells",
		Long: `Read and write single cells (store, key, column). Writes can be guarded with an
expected value: the cell is locked, the current value is compared and the write only
happens if it matches. Useful with a persistent backend (--engine pebble or --backend raft).`,
		PersistentPreRunE:  setupManager,
		PersistentPostRunE: closeBackend,
	}

	getCmd = &cobra.Command{
		Use:   "get [store] [key] [column]",
		Short: "Print the value of a cell",
		Args:  cobra.ExactArgs(3),
		RunE:  runGet,
	}

	putCmd = &cobra.Command{
		Use:   "put [store] [key] [column] [value]",
		Short: "Write a cell, optionally only if it has an expected value",
		Args:  cobra.ExactArgs(4),
		RunE:  runPut,
	}

	deleteCmd = &cobra.Command{
		Use:   "delete [store] [key] [column]",
		Short: "Delete a cell, optionally only if it has an expected value",
		Args:  cobra.ExactArgs(3),
		RunE:  runDelete,
	}
)

func init() {
	CellCommands.AddCommand(getCmd)
	CellCommands.AddCommand(putCmd)
	CellCommands.AddCommand(deleteCmd)

	for _, c := range []*cobra.Command{putCmd, deleteCmd} {
		c.Flags().StringVar(&expectValue, "expect", "", util.WrapString("Only write if the cell currently holds this value"))
		c.Flags().BoolVar(&expectAbsent, "expect-absent", false, util.WrapString("Only write if the cell does not exist"))
		c.MarkFlagsMutuallyExclusive("expect", "expect-absent")
	}
	putCmd.Flags().DurationVar(&cellTTL, "ttl", 0, util.WrapString("Time to live of the cell (0 = no expiry)"))
}

func setupManager(cmd *cobra.Command, _ []string) error {
	var err error
	backend, err = util.SetupBackend(cmd)
	if err != nil {
		return err
	}
	rid, err := backend.RID()
	if err != nil {
		return err
	}

	manager, err = evstore.NewManager(backend.Manager, backend.LockerProvider(rid), evstore.Options{MaxReadTime: backend.Config.Lock.Timeout})
	return err
}

func closeBackend(*cobra.Command, []string) error {
	if backend == nil {
		return nil
	}
	return backend.Close()
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, backend.Config.Lock.Timeout)
}

func runGet(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	s, err := manager.OpenLockingStore(args[0])
	if err != nil {
		return err
	}
	tx, err := manager.BeginTransaction(ctx, store.TxConfig{Name: "cli-get"})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	column := []byte(args[2])
	entries, err := s.GetSlice(ctx, store.KeySliceQuery{
		Key:        []byte(args[1]),
		SliceQuery: store.SliceQuery{Start: column, End: append(append([]byte{}, column...), 0x00), Limit: 1},
	}, tx)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("found=false")
		return nil
	}
	fmt.Printf("found=true, value=%s\n", entries[0].Value)
	return nil
}

func runPut(cmd *cobra.Command, args []string) error {
	return write(cmd, args[0], args[1], args[2], func(ctx context.Context, s *evstore.Store, key, column []byte, tx store.Tx) error {
		return s.Mutate(ctx, key, []store.Entry{{Column: column, Value: []byte(args[3]), TTL: cellTTL}}, nil, tx)
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	return write(cmd, args[0], args[1], args[2], func(ctx context.Context, s *evstore.Store, key, column []byte, tx store.Tx) error {
		return s.Mutate(ctx, key, nil, [][]byte{column}, tx)
	})
}

// write runs mutate in a transaction that is guarded by the expectation flags (if any)
func write(cmd *cobra.Command, storeName, k, c string, mutate func(context.Context, *evstore.Store, []byte, []byte, store.Tx) error) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	s, err := manager.OpenLockingStore(storeName)
	if err != nil {
		return err
	}
	tx, err := manager.BeginTransaction(ctx, store.TxConfig{Name: "cli-write"})
	if err != nil {
		return err
	}

	key, column := []byte(k), []byte(c)
	guarded := cmd.Flags().Changed("expect") || expectAbsent
	if guarded {
		var expected []byte
		if !expectAbsent {
			expected = []byte(expectValue)
		}
		if err := s.AcquireLock(ctx, key, column, expected, tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to lock cell: %w", err)
		}
	}

	if err := mutate(ctx, s, key, column, tx); err != nil {
		_ = tx.Rollback()
		fmt.Println("written=false")
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	fmt.Printf("written=true, guarded=%t\n", guarded)
	return nil
}
