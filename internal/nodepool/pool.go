// Package nodepool maintains the global pool of storage nodes every other
// component samples from.
package nodepool

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/tendermint/swarmsync/internal/rpc"
	"github.com/tendermint/swarmsync/internal/seed"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/types"
)

const (
	// MinimumGuardCount is the number of guards a path needs at minimum.
	MinimumGuardCount = 1
	// OnionHops is the length of a request path.
	OnionHops = 3
	// MinPoolCount is the smallest pool considered usable. Below it the pool
	// is refilled from the store or the seeds.
	MinPoolCount = MinimumGuardCount * (OnionHops + 1) * 2

	// RequiredNodesForAgreement is how many nodes the sampled views must
	// share for a consensus refresh to be accepted.
	RequiredNodesForAgreement = 24
	// ConsensusSampleSize is the number of nodes asked for their view.
	ConsensusSampleSize = 3
	// ConsensusRetries is the number of consensus attempts after the first.
	ConsensusRetries = 3

	// NodeFailureThreshold is the number of reported failures after which a
	// node is dropped.
	NodeFailureThreshold = 3
)

var (
	// ErrPoolExhausted is returned when the pool is too small even after a
	// refresh.
	ErrPoolExhausted = errors.New("not enough storage nodes in the pool")

	errNoConsensus = errors.New("not enough common nodes")
)

// Store persists the pool.
type Store interface {
	LoadPool() ([]types.Node, error)
	SavePool(nodes []types.Node) error
}

// Pool is the in-memory storage node pool, mirrored to a Store.
type Pool struct {
	logger log.Logger
	store  Store
	seeds  seed.Fetcher
	client rpc.Client

	// serializes refreshes so that concurrent callers do not all bootstrap
	refreshMtx sync.Mutex

	mtx        sync.RWMutex
	nodes      []types.Node
	failures   map[string]int
	onReplaced []func(nodes []types.Node)
	onReset    []func()

	newConsensusBackOff func() backoff.BackOff
}

// NewPool returns an empty pool. Call Refresh to fill it.
func NewPool(logger log.Logger, store Store, seeds seed.Fetcher, client rpc.Client) *Pool {
	return &Pool{
		logger:   logger.With("module", "nodepool"),
		store:    store,
		seeds:    seeds,
		client:   client,
		failures: make(map[string]int),
		newConsensusBackOff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), ConsensusRetries)
		},
	}
}

// OnReplaced registers fn to be called after a consensus refresh replaced
// the pool.
func (p *Pool) OnReplaced(fn func(nodes []types.Node)) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.onReplaced = append(p.onReplaced, fn)
}

// OnReset registers fn to be called whenever failure counters are reset.
func (p *Pool) OnReset(fn func()) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.onReset = append(p.onReset, fn)
}

// Nodes returns a copy of the pool.
func (p *Pool) Nodes() []types.Node {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	nodes := make([]types.Node, len(p.nodes))
	copy(nodes, p.nodes)
	return nodes
}

// Len returns the pool size.
func (p *Pool) Len() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return len(p.nodes)
}

// Get looks a node up by address.
func (p *Pool) Get(address string) (types.Node, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	for _, n := range p.nodes {
		if n.Address() == address {
			return n, true
		}
	}
	return types.Node{}, false
}

// Refresh makes sure the pool holds at least MinPoolCount nodes, first from
// the store and then from the seeds. It never fails: on error the current
// pool is kept and the next caller tries again.
func (p *Pool) Refresh(ctx context.Context) {
	p.refresh(ctx, 0)
}

func (p *Pool) refresh(ctx context.Context, extra int) {
	p.refreshMtx.Lock()
	defer p.refreshMtx.Unlock()

	required := MinPoolCount + extra
	// another caller may have refilled the pool while we waited
	if p.Len() >= required {
		return
	}

	stored, err := p.store.LoadPool()
	if err != nil {
		p.logger.Error("failed to load pool", "err", err)
	} else if len(stored) >= required {
		p.setNodes(stored)
		p.logger.Debug("loaded pool from store", "nodes", len(stored))
		return
	}

	p.logger.Info("not enough nodes, bootstrapping from seed", "stored", len(stored), "required", required)
	p.bootstrap(ctx)
}

// bootstrap runs one seed fetch cycle. Callers hold refreshMtx.
func (p *Pool) bootstrap(ctx context.Context) {
	nodes, err := p.seeds.FetchPool(ctx)
	if err != nil {
		p.logger.Error("failed to fetch pool from seed", "err", err)
		return
	}
	if err := p.replace(nodes, false); err != nil {
		p.logger.Error("failed to persist pool", "err", err)
	}
}

// ForceRefresh refreshes the pool from the nodes themselves: ConsensusSampleSize
// random nodes are asked for their view and the intersection replaces the
// pool if it is large enough. The seeds are used when no consensus is
// reached.
func (p *Pool) ForceRefresh(ctx context.Context) []types.Node {
	p.Refresh(ctx)

	p.refreshMtx.Lock()
	defer p.refreshMtx.Unlock()

	attempt := 0
	op := func() error {
		attempt++
		common, err := p.consensus(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		p.logger.Info("got consensus, replacing pool", "nodes", len(common))
		return p.replace(common, true)
	}
	notify := func(err error, _ time.Duration) {
		p.logger.Info("consensus attempt failed", "attempt", attempt, "err", err)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(p.newConsensusBackOff(), ctx), notify)
	if err != nil {
		p.logger.Error("failed to refresh pool from nodes, using seed", "err", err)
		p.bootstrap(ctx)
	}
	return p.Nodes()
}

// consensus returns the nodes every sampled node agrees on.
func (p *Pool) consensus(ctx context.Context) ([]types.Node, error) {
	nodes := p.Nodes()
	if len(nodes) < ConsensusSampleSize {
		return nil, fmt.Errorf("%w: %d in pool", ErrPoolExhausted, len(nodes))
	}
	rand.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	sampled := nodes[:ConsensusSampleSize]

	views := make([][]types.Node, len(sampled))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range sampled {
		i, n := i, n
		g.Go(func() error {
			res, err := p.client.Batch(gctx, n, []rpc.SubRequest{rpc.GetServiceNodes()})
			if err != nil {
				return err
			}
			first, err := rpc.FirstOK(n, res)
			if err != nil {
				return err
			}
			views[i], err = rpc.DecodeServiceNodes(first)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	common := intersect(views)
	if len(common) < RequiredNodesForAgreement {
		return nil, fmt.Errorf("%w: %d", errNoConsensus, len(common))
	}
	return common, nil
}

// intersect keeps the nodes of the first view whose key is in every view.
func intersect(views [][]types.Node) []types.Node {
	if len(views) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, view := range views {
		seen := make(map[string]bool, len(view))
		for _, n := range view {
			if seen[n.Address()] {
				continue
			}
			seen[n.Address()] = true
			counts[n.Address()]++
		}
	}
	var common []types.Node
	for _, n := range views[0] {
		if counts[n.Address()] == len(views) {
			common = append(common, n)
			counts[n.Address()] = 0
		}
	}
	return common
}

// Sample returns a random node not listed in excluding. The pool must hold
// MinPoolCount nodes on top of the excluded ones.
func (p *Pool) Sample(ctx context.Context, excluding ...string) (types.Node, error) {
	required := MinPoolCount + len(excluding)
	if p.Len() < required {
		p.refresh(ctx, len(excluding))
	}

	nodes := p.Nodes()
	if len(nodes) < required {
		return types.Node{}, fmt.Errorf("%w: %d in pool, %d required", ErrPoolExhausted, len(nodes), required)
	}
	candidates := nodes
	if len(excluding) > 0 {
		excluded := make(map[string]bool, len(excluding))
		for _, e := range excluding {
			excluded[e] = true
		}
		candidates = candidates[:0]
		for _, n := range nodes {
			if !excluded[n.Address()] {
				candidates = append(candidates, n)
			}
		}
	}
	if len(candidates) == 0 {
		return types.Node{}, fmt.Errorf("%w: none left after excluding %d", ErrPoolExhausted, len(excluding))
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// Drop removes a node from the pool. Dropping an unknown node is a no-op.
func (p *Pool) Drop(address string) error {
	p.mtx.Lock()
	idx := -1
	for i, n := range p.nodes {
		if n.Address() == address {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.mtx.Unlock()
		return nil
	}
	nodes := make([]types.Node, 0, len(p.nodes)-1)
	nodes = append(nodes, p.nodes[:idx]...)
	nodes = append(nodes, p.nodes[idx+1:]...)
	p.nodes = nodes
	delete(p.failures, address)
	p.mtx.Unlock()

	p.logger.Info("dropped node from pool", "node", types.ShortKey(address), "remaining", len(nodes))
	return p.store.SavePool(nodes)
}

// ReportFailure counts a failed request to a node and drops it once it
// reached NodeFailureThreshold. It reports whether the node was dropped.
func (p *Pool) ReportFailure(address string) bool {
	p.mtx.Lock()
	p.failures[address]++
	count := p.failures[address]
	p.mtx.Unlock()

	if count < NodeFailureThreshold {
		p.logger.Debug("node failure", "node", types.ShortKey(address), "count", count)
		return false
	}
	if err := p.Drop(address); err != nil {
		p.logger.Error("failed to persist pool", "err", err)
	}
	return true
}

// ResetFailures clears every failure counter, including the ones kept by
// OnReset listeners.
func (p *Pool) ResetFailures() {
	p.mtx.Lock()
	p.failures = make(map[string]int)
	hooks := make([]func(), len(p.onReset))
	copy(hooks, p.onReset)
	p.mtx.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

func (p *Pool) setNodes(nodes []types.Node) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.nodes = nodes
}

// replace swaps the pool, persists it and resets failure counters.
func (p *Pool) replace(nodes []types.Node, byConsensus bool) error {
	p.setNodes(nodes)
	err := p.store.SavePool(nodes)

	if byConsensus {
		p.mtx.RLock()
		hooks := make([]func([]types.Node), len(p.onReplaced))
		copy(hooks, p.onReplaced)
		p.mtx.RUnlock()
		for _, fn := range hooks {
			fn(nodes)
		}
	}
	p.ResetFailures()
	return err
}
