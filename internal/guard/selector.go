// Package guard selects and keeps the entry guards: pool nodes verified to
// answer, used as first hops and as connectivity probes.
package guard

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tendermint/swarmsync/internal/nodepool"
	"github.com/tendermint/swarmsync/internal/rpc"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/types"
)

const (
	// DesiredGuardCount is the number of guards kept by default.
	DesiredGuardCount = 2
	// MaxSelectionAttempts bounds the probe cycles of one selection.
	MaxSelectionAttempts = 6
	// PathFailureThreshold is the number of failures after which a guard is
	// replaced.
	PathFailureThreshold = 3
)

// NodePool is the part of the node pool guards are selected from.
type NodePool interface {
	Refresh(ctx context.Context)
	Nodes() []types.Node
}

// Store persists the selected guards.
type Store interface {
	LoadGuards() ([]string, error)
	SaveGuards(guards []string) error
}

// Selector picks guards among the pool nodes.
type Selector struct {
	logger  log.Logger
	pool    NodePool
	store   Store
	client  rpc.Client
	desired int

	mtx          sync.Mutex
	pathFailures map[string]int
}

// NewSelector returns a Selector keeping desired guards.
func NewSelector(logger log.Logger, pool NodePool, store Store, client rpc.Client, desired int) *Selector {
	if desired <= 0 {
		desired = DesiredGuardCount
	}
	return &Selector{
		logger:       logger.With("module", "guard"),
		pool:         pool,
		store:        store,
		client:       client,
		desired:      desired,
		pathFailures: make(map[string]int),
	}
}

// Probe checks that node answers the info request.
func (s *Selector) Probe(ctx context.Context, node types.Node) error {
	res, err := s.client.Batch(ctx, node, []rpc.SubRequest{rpc.Info()})
	if err != nil {
		return err
	}
	_, err = rpc.FirstOK(node, res)
	return err
}

// SelectGuardNodes probes random pool nodes until enough answer. Each cycle
// probes as many candidates as guards are missing, concurrently. Candidates
// are taken untested first; once every pool node was tried the remaining
// cycles go through the pool again in a new order.
func (s *Selector) SelectGuardNodes(ctx context.Context) ([]types.Node, error) {
	s.pool.Refresh(ctx)
	nodes := s.pool.Nodes()
	if len(nodes) < nodepool.MinPoolCount {
		return nil, fmt.Errorf("not enough nodes in the pool: %d", len(nodes))
	}
	rand.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })

	var (
		selected []types.Node
		next     int
	)
	for attempt := 1; attempt <= MaxSelectionAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var candidates []types.Node
		candidates, next = nextCandidates(nodes, next, s.desired-len(selected), selected)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("ran out of guard candidates after %d attempts", attempt-1)
		}

		ok := make([]bool, len(candidates))
		var g errgroup.Group
		for i, n := range candidates {
			i, n := i, n
			g.Go(func() error {
				if err := s.Probe(ctx, n); err != nil {
					s.logger.Debug("guard candidate failed", "node", n.String(), "err", err)
					return nil
				}
				ok[i] = true
				return nil
			})
		}
		_ = g.Wait()

		for i, n := range candidates {
			if ok[i] {
				selected = append(selected, n)
			}
		}
		if len(selected) >= s.desired {
			selected = selected[:s.desired]
			if err := s.store.SaveGuards(types.NodeAddresses(selected)); err != nil {
				s.logger.Error("failed to persist guards", "err", err)
			}
			s.logger.Info("selected guard nodes", "guards", types.NodeAddresses(selected), "attempts", attempt)
			return selected, nil
		}
		s.logger.Info("not enough guards yet", "attempt", attempt, "selected", len(selected))
	}
	return nil, fmt.Errorf("failed to select guard nodes after %d attempts", MaxSelectionAttempts)
}

// nextCandidates takes up to need nodes from nodes starting at next, skipping
// the selected ones. Reaching the end reshuffles nodes and starts over. It
// returns the candidates and the position to continue from.
func nextCandidates(nodes []types.Node, next, need int, selected []types.Node) ([]types.Node, int) {
	skip := make(map[string]bool, len(selected)+need)
	for _, n := range selected {
		skip[n.Address()] = true
	}
	var candidates []types.Node
	for steps := 0; len(candidates) < need && steps < 2*len(nodes); steps++ {
		if next >= len(nodes) {
			rand.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
			next = 0
		}
		n := nodes[next]
		next++
		if skip[n.Address()] {
			continue
		}
		skip[n.Address()] = true
		candidates = append(candidates, n)
	}
	return candidates, next
}

// GuardNodes returns the persisted guards that are still in the pool, or a
// fresh selection when too few of them remain.
func (s *Selector) GuardNodes(ctx context.Context) ([]types.Node, error) {
	addrs, err := s.store.LoadGuards()
	if err != nil {
		return nil, err
	}
	s.pool.Refresh(ctx)
	byAddr := make(map[string]types.Node)
	for _, n := range s.pool.Nodes() {
		byAddr[n.Address()] = n
	}
	var guards []types.Node
	for _, a := range addrs {
		if n, ok := byAddr[a]; ok {
			guards = append(guards, n)
		}
	}
	if len(guards) >= s.desired {
		return guards[:s.desired], nil
	}
	return s.SelectGuardNodes(ctx)
}

// ReportPathFailure counts a failure of a request through guard. Once
// PathFailureThreshold is reached the guard is forgotten and replaced by the
// next GuardNodes call.
func (s *Selector) ReportPathFailure(guard string) {
	s.mtx.Lock()
	s.pathFailures[guard]++
	count := s.pathFailures[guard]
	if count >= PathFailureThreshold {
		delete(s.pathFailures, guard)
	}
	s.mtx.Unlock()

	if count < PathFailureThreshold {
		return
	}
	addrs, err := s.store.LoadGuards()
	if err != nil {
		s.logger.Error("failed to load guards", "err", err)
		return
	}
	kept := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a != guard {
			kept = append(kept, a)
		}
	}
	s.logger.Info("replacing failing guard", "guard", types.ShortKey(guard))
	if err := s.store.SaveGuards(kept); err != nil {
		s.logger.Error("failed to persist guards", "err", err)
	}
}

// ResetPathFailures clears the failure counters, typically after the pool
// was refreshed.
func (s *Selector) ResetPathFailures() {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.pathFailures = make(map[string]int)
}
