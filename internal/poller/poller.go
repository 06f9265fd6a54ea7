// Package poller runs the global poll loop. Each cycle polls the account's own
// swarm and the swarms of the groups whose recency bucket says they are due.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/swarmsync/config"
	"github.com/tendermint/swarmsync/internal/netstatus"
	"github.com/tendermint/swarmsync/internal/retrieve"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/libs/service"
	"github.com/tendermint/swarmsync/types"
)

const (
	activeWindow = 2 * 24 * time.Hour
	mediumWindow = 7 * 24 * time.Hour

	// how far behind the inactive interval a paginated group is pushed
	paginationSlack = 5 * time.Second
)

// GroupRegistry is the account's record of the groups it belongs to.
type GroupRegistry interface {
	// LastActive returns the time of the group's latest activity. ok is
	// false when it is unknown.
	LastActive(identifier string) (t time.Time, ok bool)
	// IsTracked reports whether the account still follows the group.
	IsTracked(identifier string) bool
	// InvitePending reports whether the group was joined through an invite
	// that was not accepted yet.
	InvitePending(identifier string) bool
}

// Retriever polls one target.
type Retriever interface {
	PollOnce(ctx context.Context, target types.PollTarget) *retrieve.Result
}

// FirstPollFunc runs once, after the first poll of a group retrieved
// something.
type FirstPollFunc func(ctx context.Context) error

type entry struct {
	target      types.PollTarget
	lastPolled  time.Time
	onFirstPoll FirstPollFunc
}

// Details is the outcome of the scheduling decision of one cycle.
type Details struct {
	// Targets due this cycle. The account's own target is always first.
	ToPoll []types.PollTarget
	// Groups to stop polling because the registry does not know them.
	ToLeave []string
}

// Poller is the poll scheduler.
type Poller struct {
	service.BaseService

	logger    log.Logger
	cfg       *config.PollerConfig
	self      string
	retriever Retriever
	registry  GroupRegistry
	status    *netstatus.Status
	clock     clock.Clock
	metrics   *Metrics

	mtx     sync.Mutex
	entries []*entry
}

// Option sets an optional parameter on the Poller.
type Option func(*Poller)

// WithClock sets the clock driving the schedule.
func WithClock(c clock.Clock) Option { return func(p *Poller) { p.clock = c } }

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option { return func(p *Poller) { p.metrics = m } }

// NewPoller returns a Poller for the account self.
func NewPoller(
	logger log.Logger,
	cfg *config.PollerConfig,
	self string,
	retriever Retriever,
	registry GroupRegistry,
	status *netstatus.Status,
	options ...Option,
) *Poller {
	p := &Poller{
		logger:    logger,
		cfg:       cfg,
		self:      self,
		retriever: retriever,
		registry:  registry,
		status:    status,
		clock:     clock.New(),
		metrics:   NopMetrics(),
	}
	for _, opt := range options {
		opt(p)
	}
	p.BaseService = *service.NewBaseService(logger, "Poller", p)
	return p
}

// OnStart implements service.Service by starting the poll loop.
func (p *Poller) OnStart(ctx context.Context) error {
	go p.loop(ctx)
	return nil
}

// OnStop implements service.Service.
func (p *Poller) OnStop() {}

func (p *Poller) loop(ctx context.Context) {
	for {
		p.PollForAllKeys(ctx)

		// the next cycle is scheduled whatever happened in this one
		select {
		case <-ctx.Done():
			return
		case <-p.Quit():
			return
		case <-p.clock.After(p.cfg.ActiveInterval):
		}
	}
}

// AddTarget starts polling a group. onFirstPoll may be nil. Adding a group
// twice keeps the first registration.
func (p *Poller) AddTarget(identifier string, onFirstPoll FirstPollFunc) {
	if identifier == p.self {
		p.logger.Error("the account is always polled, not adding it as a group", "id", types.ShortKey(identifier))
		return
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()

	if p.find(identifier) != nil {
		return
	}
	p.logger.Info("adding group to polling", "id", types.ShortKey(identifier))
	p.entries = append(p.entries, &entry{
		target:      types.PollTarget{ID: identifier, Kind: types.KindForGroup(identifier)},
		onFirstPoll: onFirstPoll,
	})
	p.metrics.Targets.Set(float64(len(p.entries)))
}

// RemoveTarget stops polling a group.
func (p *Poller) RemoveTarget(identifier, reason string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	for i, e := range p.entries {
		if e.target.ID != identifier {
			continue
		}
		p.logger.Info("removing group from polling", "id", types.ShortKey(identifier), "reason", reason)
		p.entries = append(p.entries[:i], p.entries[i+1:]...)
		p.metrics.Targets.Set(float64(len(p.entries)))
		return
	}
}

// Targets returns the polled groups.
func (p *Poller) Targets() []types.PollTarget {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	targets := make([]types.PollTarget, len(p.entries))
	for i, e := range p.entries {
		targets[i] = e.target
	}
	return targets
}

// ForcePolledTimestamp overrides when a group was last polled. Unknown
// groups are ignored.
func (p *Poller) ForcePolledTimestamp(identifier string, t time.Time) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	if e := p.find(identifier); e != nil {
		e.lastPolled = t
	}
}

// PollingTimeout returns the interval of the group's recency bucket.
func (p *Poller) PollingTimeout(identifier string) time.Duration {
	lastActive, ok := p.registry.LastActive(identifier)
	if !ok || lastActive.IsZero() {
		return p.cfg.InactiveInterval
	}

	age := p.clock.Now().Sub(lastActive)
	switch {
	case age <= activeWindow:
		return p.cfg.ActiveInterval
	case age <= mediumWindow:
		return p.cfg.MediumInterval
	default:
		return p.cfg.InactiveInterval
	}
}

// ShouldPoll reports whether the group's interval elapsed since its last
// poll.
func (p *Poller) ShouldPoll(identifier string) bool {
	p.mtx.Lock()
	e := p.find(identifier)
	var lastPolled time.Time
	if e != nil {
		lastPolled = e.lastPolled
	}
	p.mtx.Unlock()

	if e == nil {
		return false
	}
	return p.clock.Now().Sub(lastPolled) >= p.PollingTimeout(identifier)
}

// PollingDetails decides what the next cycle polls. Groups with a pending
// invite are kept but not polled.
func (p *Poller) PollingDetails() Details {
	details := Details{
		ToPoll: []types.PollTarget{{ID: p.self, Kind: types.KindSelf}},
	}
	for _, target := range p.Targets() {
		if !p.registry.IsTracked(target.ID) {
			details.ToLeave = append(details.ToLeave, target.ID)
			continue
		}
		if !p.ShouldPoll(target.ID) {
			continue
		}
		if target.Kind == types.KindGroup && p.registry.InvitePending(target.ID) {
			continue
		}
		details.ToPoll = append(details.ToPoll, target)
	}
	return details
}

// PollForAllKeys runs one cycle. Nothing is polled while offline. Failures
// are logged per target and never returned.
func (p *Poller) PollForAllKeys(ctx context.Context) {
	if !p.status.IsOnline() {
		p.logger.Info("offline, skipping poll cycle")
		return
	}

	start := p.clock.Now()
	details := p.PollingDetails()
	for _, id := range details.ToLeave {
		p.RemoveTarget(id, "not in the group registry before poll")
	}

	var g errgroup.Group
	for _, target := range details.ToPoll {
		target := target
		g.Go(func() error {
			p.pollTarget(ctx, target)
			return nil
		})
	}
	_ = g.Wait()

	p.metrics.CycleDuration.Observe(p.clock.Since(start).Seconds())
}

func (p *Poller) pollTarget(ctx context.Context, target types.PollTarget) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll panicked", "target", target.String(), "err", fmt.Errorf("%v", r))
		}
	}()

	kind := target.Kind.String()
	p.metrics.Polls.With("kind", kind).Add(1)

	res := p.retriever.PollOnce(ctx, target)
	if res == nil {
		p.metrics.FailedPolls.With("kind", kind).Add(1)
	} else {
		p.metrics.Messages.With("kind", kind).Add(float64(res.Delivered))
	}

	if !target.Kind.IsGroup() {
		return
	}

	count := 0
	if res != nil {
		count = res.ContentCount
	}
	p.markPolled(target.ID, count)

	if res == nil {
		return
	}
	if res.Untracked {
		p.RemoveTarget(target.ID, "not in the group registry after poll")
		return
	}
	if target.Kind == types.KindGroup {
		p.firstPollDone(ctx, target.ID)
	}
}

// markPolled records a poll. A full page means more messages are waiting, so
// the group is made due again right away.
func (p *Poller) markPolled(identifier string, count int) {
	polledAt := p.clock.Now()
	if count >= p.cfg.PageCeiling {
		polledAt = polledAt.Add(-p.cfg.InactiveInterval - paginationSlack)
	}
	p.ForcePolledTimestamp(identifier, polledAt)
}

func (p *Poller) firstPollDone(ctx context.Context, identifier string) {
	p.mtx.Lock()
	var fn FirstPollFunc
	if e := p.find(identifier); e != nil {
		fn, e.onFirstPoll = e.onFirstPoll, nil
	}
	p.mtx.Unlock()

	if fn == nil {
		return
	}
	if err := fn(ctx); err != nil {
		p.logger.Error("first poll callback failed", "id", types.ShortKey(identifier), "err", err)
	}
}

// find must be called with mtx held.
func (p *Poller) find(identifier string) *entry {
	for _, e := range p.entries {
		if e.target.ID == identifier {
			return e
		}
	}
	return nil
}
