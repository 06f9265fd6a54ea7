package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/swarmsync/config"
	"github.com/tendermint/swarmsync/libs/log"
	tmos "github.com/tendermint/swarmsync/libs/os"
	"github.com/tendermint/swarmsync/types"
)

// MakeInitFilesCommand returns the command to initialize a fresh swarmsync
// home: the config file and the account key.
func MakeInitFilesCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initializes a swarmsync home directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := initFilesWithConfig(conf, logger)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key.ID)
			return nil
		},
	}

	addDBFlags(cmd, conf)
	return cmd
}

func initFilesWithConfig(conf *config.Config, logger log.Logger) (types.AccountKey, error) {
	keyFile := conf.AccountKeyFile()
	if tmos.FileExists(keyFile) {
		logger.Info("Found account key", "path", keyFile)
	} else {
		logger.Info("Generated account key", "path", keyFile)
	}
	key, err := types.LoadOrGenAccountKey(keyFile)
	if err != nil {
		return types.AccountKey{}, err
	}

	configFile := config.ConfigFile(conf.RootDir)
	if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
		return types.AccountKey{}, err
	}
	logger.Info("Generated config", "path", configFile)
	return key, nil
}
