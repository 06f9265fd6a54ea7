package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendermint/swarmsync/config"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/node"
	"github.com/tendermint/swarmsync/types"
)

// NodeProvider builds the node run and inspected by the commands.
type NodeProvider func(*config.Config, log.Logger) (*node.Node, error)

// DefaultNodeProvider builds a node from the configuration alone.
func DefaultNodeProvider(conf *config.Config, logger log.Logger) (*node.Node, error) {
	return node.New(conf, logger)
}

// AddNodeFlags exposes some common configuration options on the command-line
// These are exposed for convenience of commands embedding a swarmsync node
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String("account_id", conf.AccountID, "account to poll, derived from the account key when empty")

	// network flags
	cmd.Flags().String(
		"network.seed_nodes",
		conf.Network.SeedNodes,
		"comma-delimited seed endpoints, each optionally suffixed with @weight")
	cmd.Flags().Int("network.guard_count", conf.Network.GuardCount, "number of entry guards to maintain")
	cmd.Flags().Bool(
		"network.insecure_skip_verify",
		conf.Network.InsecureSkipVerify,
		"accept the self-signed certificates of storage nodes")

	// poller flags
	cmd.Flags().Duration(
		"poller.active_interval",
		conf.Poller.ActiveInterval,
		"poll period of recently active groups and of the loop itself")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus, "serve Prometheus metrics")
	cmd.Flags().String(
		"instrumentation.prometheus_listen_addr",
		conf.Instrumentation.PrometheusListenAddr,
		"Prometheus listen address")

	addDBFlags(cmd, conf)
}

func addDBFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String(
		"db_backend",
		conf.DBBackend,
		"database backend: goleveldb | cleveldb | boltdb | rocksdb | badgerdb")
	cmd.Flags().String(
		"db_dir",
		conf.DBPath,
		"database directory")
}

// NewRunNodeCmd returns the command that allows the CLI to start a node.
func NewRunNodeCmd(nodeProvider NodeProvider, conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the swarmsync client",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			n, err := nodeProvider(conf, logger)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			if err := n.Start(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("started node", "account", types.ShortKey(n.Account()))

			// Stop upon receiving SIGTERM or CTRL-C.
			<-ctx.Done()
			if n.IsRunning() {
				if err := n.Stop(); err != nil {
					logger.Error("unable to stop the node", "error", err)
				}
			}
			n.Wait()
			return nil
		},
	}

	AddNodeFlags(cmd, conf)
	return cmd
}
