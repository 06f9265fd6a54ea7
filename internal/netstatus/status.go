// Package netstatus tracks whether storage nodes are reachable at all. A
// single node that cannot be reached only makes the network suspect: the
// Checker confirms with a probe before flipping the flag offline. The flag
// goes back online on any successful request or through the Prober.
package netstatus

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/singleflight"

	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/libs/service"
)

// Status is the process wide connectivity flag. The zero value is offline;
// use New.
type Status struct {
	mtx       sync.RWMutex
	online    bool
	listeners []func(online bool)
}

// New returns a Status that starts online.
func New() *Status {
	return &Status{online: true}
}

// IsOnline reports the current value of the flag.
func (s *Status) IsOnline() bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.online
}

// SetOnline flips the flag, notifying listeners on change.
func (s *Status) SetOnline(online bool) {
	s.mtx.Lock()
	if s.online == online {
		s.mtx.Unlock()
		return
	}
	s.online = online
	listeners := make([]func(bool), len(s.listeners))
	copy(listeners, s.listeners)
	s.mtx.Unlock()

	for _, l := range listeners {
		l(online)
	}
}

// OnChange registers fn to be called after every flip.
func (s *Status) OnChange(fn func(online bool)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.listeners = append(s.listeners, fn)
}

// ProbeFunc checks whether the network can be reached.
type ProbeFunc func(ctx context.Context) error

// Prober periodically runs a probe while the status is offline and flips it
// back online once the probe succeeds.
type Prober struct {
	service.BaseService

	logger   log.Logger
	status   *Status
	probe    ProbeFunc
	clock    clock.Clock
	interval time.Duration
}

// NewProber returns a Prober checking every interval.
func NewProber(logger log.Logger, status *Status, probe ProbeFunc, clk clock.Clock, interval time.Duration) *Prober {
	p := &Prober{
		logger:   logger,
		status:   status,
		probe:    probe,
		clock:    clk,
		interval: interval,
	}
	p.BaseService = *service.NewBaseService(logger, "Prober", p)
	return p
}

// OnStart implements service.Service.
func (p *Prober) OnStart(ctx context.Context) error {
	go p.loop(ctx)
	return nil
}

// OnStop implements service.Service.
func (p *Prober) OnStop() {}

func (p *Prober) loop(ctx context.Context) {
	ticker := p.clock.Ticker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.Quit():
			return
		case <-ticker.C:
			if p.status.IsOnline() {
				continue
			}
			if err := p.probe(ctx); err != nil {
				p.logger.Debug("still offline", "err", err)
				continue
			}
			p.logger.Info("network reachable again")
			p.status.SetOnline(true)
		}
	}
}

// Checker confirms a suspected loss of connectivity. Concurrent callers
// share a single probe run.
type Checker struct {
	logger log.Logger
	status *Status
	probe  ProbeFunc
	group  singleflight.Group
}

// NewChecker returns a Checker flipping status offline when probe fails.
func NewChecker(logger log.Logger, status *Status, probe ProbeFunc) *Checker {
	return &Checker{
		logger: logger,
		status: status,
		probe:  probe,
	}
}

// NodeUnreachable is called after a storage node could not be reached. The
// status goes offline only if the probe fails as well. It reports whether
// the network is still considered online.
func (c *Checker) NodeUnreachable(ctx context.Context) bool {
	if !c.status.IsOnline() {
		return false
	}
	_, err, _ := c.group.Do("probe", func() (interface{}, error) {
		return nil, c.probe(ctx)
	})
	if err == nil {
		return true
	}
	if ctx.Err() != nil {
		return c.status.IsOnline()
	}
	c.logger.Info("connectivity probe failed, going offline", "err", err)
	c.status.SetOnline(false)
	return false
}
