package lock

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ValentinKolb/dClaim/cmd/util"
	"github.com/ValentinKolb/dClaim/lib/failure"
	"github.com/ValentinKolb/dClaim/lib/lockmgr"
	"github.com/spf13/cobra"
)

var (
	backend  *util.Backend
	lockMgr  lockmgr.ILockManager
	holdFor  time.Duration
	attempts int

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:                "lock",
		Short:              "Perform lock operations",
		PersistentPreRunE:  setupLockManager,
		PersistentPostRunE: closeBackend,
	}

	// acquireCmd represents the acquire command
	acquireCmd = &cobra.Command{
		Use:   "acquire [key] [column]",
		Short: "Acquire a lock, hold it and release it again",
		Long: `Acquire the lock on the coordinate (key, column), print the owner ID and release
the lock after --hold has passed or the command is interrupted. Keys and columns
are taken as raw strings.`,
		Args: cobra.ExactArgs(2),
		RunE: runAcquire,
	}
)

func init() {
	LockCommands.AddCommand(acquireCmd)

	acquireCmd.Flags().DurationVar(&holdFor, "hold", 0, util.WrapString("How long to hold the lock (0 releases it right away)"))
	acquireCmd.Flags().IntVar(&attempts, "attempts", 1, util.WrapString("How often to try again after a temporary failure"))
}

// setupLockManager opens the backend and creates the lock manager on the lock store
func setupLockManager(cmd *cobra.Command, _ []string) error {
	var err error
	backend, err = util.SetupBackend(cmd)
	if err != nil {
		return err
	}

	rid, err := backend.RID()
	if err != nil {
		return err
	}
	locker, err := backend.NewLocker(util.LockStoreName, rid)
	if err != nil {
		return err
	}
	lockMgr = lockmgr.NewLockManager(backend.Manager, locker)
	util.Logger.Debugf("lock manager ready (rid=%s)", hex.EncodeToString(rid))
	return nil
}

func closeBackend(*cobra.Command, []string) error {
	if backend == nil {
		return nil
	}
	return backend.Close()
}

// runAcquire handles the acquire lock command
func runAcquire(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	key, column := []byte(args[0]), []byte(args[1])

	var ownerID []byte
	var err error
	for i := 0; i < max(attempts, 1); i++ {
		acquireCtx, cancel := context.WithTimeout(ctx, backend.Config.Lock.Timeout)
		start := time.Now()
		ownerID, err = lockMgr.AcquireLock(acquireCtx, key, column)
		cancel()
		if err == nil {
			fmt.Printf("acquired=true, ownerId=%s, took=%s\n", hex.EncodeToString(ownerID), util.FormatDuration(time.Since(start)))
			break
		}
		if !failure.IsTemporary(err) {
			break
		}
		util.Logger.Infof("attempt %d failed: %v", i+1, err)
	}
	if err != nil {
		fmt.Printf("acquired=false, temporary=%t\n", failure.IsTemporary(err))
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	if holdFor > 0 {
		select {
		case <-time.After(holdFor):
		case <-ctx.Done():
		}
	}

	// release even if the command was interrupted
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), backend.Config.Lock.Timeout)
	defer cancel()
	if err := lockMgr.ReleaseLock(releaseCtx, ownerID); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	fmt.Printf("released=true\n")
	return nil
}
