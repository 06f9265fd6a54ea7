package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/tendermint/swarmsync/config"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/node"
)

var errDeleteTarget = errors.New("exactly one of --hash or --all is required")

// MakeDeleteCommand returns the command deleting messages from the account's
// swarm.
func MakeDeleteCommand(nodeProvider NodeProvider, conf *config.Config, logger log.Logger) *cobra.Command {
	var (
		hashes []string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete messages from the account's swarm",
		Long: `Delete messages from the account's swarm.

The deletion succeeds only when every swarm member returned a signed
acknowledgment. With --all the members that did not are printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(hashes) > 0) {
				return errDeleteTarget
			}
			return withNode(nodeProvider, conf, logger, func(n *node.Node) error {
				if !all {
					return n.Deleter().DeleteMessages(cmd.Context(), n.Account(), hashes)
				}
				bad, err := n.Deleter().DeleteEverything(cmd.Context(), n.Account())
				if err != nil {
					return err
				}
				if len(bad) > 0 {
					logger.Error("some swarm members did not confirm the deletion", "count", len(bad))
					return printJSON(cmd.OutOrStdout(), bad)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&hashes, "hash", nil, "hash of a message to delete (repeatable)")
	cmd.Flags().BoolVar(&all, "all", false, "delete every message of every namespace")
	return cmd
}
