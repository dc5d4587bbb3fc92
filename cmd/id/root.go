package id

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ValentinKolb/dClaim/cmd/util"
	"github.com/ValentinKolb/dClaim/lib/idauthority"
	"github.com/spf13/cobra"
)

var (
	backend   *util.Backend
	nextCount int

	// IDCommands represents the id command group
	IDCommands = &cobra.Command{
		Use:                "id",
		Short:              "Allocate unique id blocks",
		PersistentPreRunE:  setupBackend,
		PersistentPostRunE: closeBackend,
	}

	nextCmd = &cobra.Command{
		Use:   "next [partition] [namespace]",
		Short: "Allocate id blocks and print their ranges",
		Args:  cobra.ExactArgs(2),
		RunE:  runNext,
	}
)

func init() {
	IDCommands.AddCommand(nextCmd)
	IDCommands.AddCommand(perfCmd)

	nextCmd.Flags().IntVar(&nextCount, "count", 1, util.WrapString("Number of blocks to allocate"))
}

func setupBackend(cmd *cobra.Command, _ []string) error {
	var err error
	backend, err = util.SetupBackend(cmd)
	return err
}

func closeBackend(*cobra.Command, []string) error {
	if backend == nil {
		return nil
	}
	return backend.Close()
}

// parseRowArgs parses the partition and namespace arguments
func parseRowArgs(args []string) (uint32, uint32, error) {
	partition, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid partition %q: %w", args[0], err)
	}
	namespace, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid namespace %q: %w", args[1], err)
	}
	return uint32(partition), uint32(namespace), nil
}

func runNext(cmd *cobra.Command, args []string) error {
	partition, namespace, err := parseRowArgs(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	rid, err := backend.RID()
	if err != nil {
		return err
	}
	authority, err := backend.NewAuthority(rid)
	if err != nil {
		return err
	}
	defer authority.Close()

	for i := 0; i < nextCount; i++ {
		start := time.Now()
		block, err := authority.GetIDBlock(ctx, partition, namespace, backend.Config.ID.Timeout)
		if err != nil {
			return fmt.Errorf("failed to allocate block %d: %w", i, err)
		}
		fmt.Printf("%s first=%d last=%d took=%s\n", block, block.GetID(0), lastID(block), util.FormatDuration(time.Since(start)))
	}
	return nil
}

func lastID(block *idauthority.IDBlock) uint64 {
	return block.GetID(block.Size() - 1)
}
