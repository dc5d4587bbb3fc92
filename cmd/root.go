package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ValentinKolb/dClaim/cmd/cell"
	"github.com/ValentinKolb/dClaim/cmd/id"
	"github.com/ValentinKolb/dClaim/cmd/lock"
	"github.com/ValentinKolb/dClaim/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:     "dclaim",
		Short:   "claim based locks and unique id blocks",
		Version: Version,
		Long: fmt.Sprintf(`dClaim (v%s)

Distributed locks and unique id block allocation on top of a key consistent
column store, using timestamped claims that are verified after an uncertainty
window. Stores live in process (birch, pebble) or in a dragonboat RAFT shard.

Every flag can also be set as environment variable DCLAIM_<FLAG> (e.g.
DCLAIM_LOCK_WAIT=200ms), .env and .env.local files are loaded automatically.`, Version),
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dClaim",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dClaim v%s\n", Version)
		},
	}

	// configCmd prints the effective configuration
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := util.BindCommandFlags(cmd); err != nil {
				return err
			}
			conf, err := util.GetConfig()
			if err != nil {
				return err
			}
			fmt.Print(conf.String())
			return nil
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(id.IDCommands)
	RootCmd.AddCommand(cell.CellCommands)
	RootCmd.AddCommand(configCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	util.SetupConfigFlags(RootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := RootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
