package service

import (
	"context"
	"fmt"

	"github.com/tendermint/swarmsync/libs/log"
)

// Group starts its member services in order and stops them in reverse order.
type Group struct {
	*BaseService
	services []Service
}

// NewGroup bundles services under one lifecycle.
func NewGroup(logger log.Logger, name string, services ...Service) *Group {
	g := &Group{services: services}
	g.BaseService = NewBaseService(logger, name, g)
	return g
}

func (g *Group) OnStart(ctx context.Context) error {
	for i, srv := range g.services {
		if err := srv.Start(ctx); err != nil {
			// unwind whatever already started
			for j := i - 1; j >= 0; j-- {
				_ = g.services[j].Stop()
			}
			return fmt.Errorf("starting %s: %w", srv, err)
		}
	}
	return nil
}

func (g *Group) OnStop() {
	for i := len(g.services) - 1; i >= 0; i-- {
		srv := g.services[i]
		if !srv.IsRunning() {
			continue
		}
		if err := srv.Stop(); err != nil {
			g.logger.Error("failed to stop service", "service", srv.String(), "err", err)
		}
	}
}
