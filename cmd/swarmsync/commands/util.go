package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/tendermint/swarmsync/config"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/node"
)

// withNode runs fn on an unstarted node and releases it afterwards.
func withNode(nodeProvider NodeProvider, conf *config.Config, logger log.Logger, fn func(*node.Node) error) error {
	n, err := nodeProvider(conf, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	defer func() {
		if err := n.Close(); err != nil {
			logger.Error("failed to close node", "err", err)
		}
	}()
	return fn(n)
}

func printJSON(w io.Writer, v interface{}) error {
	bz, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(bz))
	return err
}
