package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tendermint/swarmsync/cmd/swarmsync/commands"
	"github.com/tendermint/swarmsync/config"
	"github.com/tendermint/swarmsync/libs/cli"
	"github.com/tendermint/swarmsync/libs/log"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conf, err := commands.ParseConfig(config.DefaultConfig())
	if err != nil {
		panic(err)
	}

	logger, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
	if err != nil {
		panic(err)
	}

	nodeProvider := commands.DefaultNodeProvider

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitFilesCommand(conf, logger),
		commands.MakePoolCommand(nodeProvider, conf, logger),
		commands.MakeDeleteCommand(nodeProvider, conf, logger),
		commands.NewRunNodeCmd(nodeProvider, conf, logger),
		commands.VersionCmd,
	)

	if err := cli.RunWithTrace(ctx, rcmd); err != nil {
		os.Exit(1)
	}
}
