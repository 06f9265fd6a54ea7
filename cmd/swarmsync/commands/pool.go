package commands

import (
	"github.com/spf13/cobra"

	"github.com/tendermint/swarmsync/config"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/node"
)

// MakePoolCommand returns the command group inspecting the storage node pool.
func MakePoolCommand(nodeProvider NodeProvider, conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and refresh the storage node pool",
	}

	var clearSwarms bool
	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Replace the pool with the nodes storage nodes agree on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(nodeProvider, conf, logger, func(n *node.Node) error {
				nodes := n.Pool().ForceRefresh(cmd.Context())
				if clearSwarms {
					if err := n.Swarms().Reset(); err != nil {
						return err
					}
					logger.Info("cleared cached swarms")
				}
				return printJSON(cmd.OutOrStdout(), nodes)
			})
		},
	}
	refreshCmd.Flags().BoolVar(&clearSwarms, "clear_swarms", false, "forget every cached swarm so that they are fetched again")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the pool, bootstrapping it from the seeds if needed",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withNode(nodeProvider, conf, logger, func(n *node.Node) error {
					n.Pool().Refresh(cmd.Context())
					return printJSON(cmd.OutOrStdout(), n.Pool().Nodes())
				})
			},
		},
		refreshCmd,
	)
	return cmd
}
