// Package swarm caches the replica set ("swarm") of every identifier the
// client talks to.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/tendermint/swarmsync/internal/rpc"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/types"
)

const (
	// MinSwarmNodeCount is the number of reachable members below which a
	// swarm is fetched again.
	MinSwarmNodeCount = 3

	// pools smaller than this are not trusted to prune cached swarms
	minPoolForPruning = 10
)

// ErrEmptySwarm is returned when no member of a swarm can be used.
var ErrEmptySwarm = errors.New("no usable node in swarm")

// Store persists replica sets.
type Store interface {
	LoadSwarm(identifier string) ([]string, error)
	SaveSwarm(identifier string, members []string) error
	PruneSwarmMembers(keep func(member string) bool) (uint64, error)
	ClearSwarms() error
}

// NodePool is the part of the node pool the cache relies on.
type NodePool interface {
	Nodes() []types.Node
	Sample(ctx context.Context, excluding ...string) (types.Node, error)
}

// Cache maps identifiers to the addresses of their swarm members. Only
// addresses are kept; nodes are resolved against the current pool.
type Cache struct {
	logger log.Logger
	store  Store
	pool   NodePool
	client rpc.Client

	mtx    sync.Mutex
	swarms map[string][]string
}

// NewCache returns an empty Cache.
func NewCache(logger log.Logger, store Store, pool NodePool, client rpc.Client) *Cache {
	return &Cache{
		logger: logger.With("module", "swarm"),
		store:  store,
		pool:   pool,
		client: client,
		swarms: make(map[string][]string),
	}
}

// Get returns the cached member addresses of identifier, reading through to
// the store. It never touches the network.
func (c *Cache) Get(identifier string) ([]string, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.get(identifier)
}

func (c *Cache) get(identifier string) ([]string, error) {
	if members, ok := c.swarms[identifier]; ok {
		return members, nil
	}
	members, err := c.store.LoadSwarm(identifier)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []string{}
	}
	c.swarms[identifier] = members
	return members, nil
}

// Resolve returns the members of identifier that are still in the pool,
// fetching the swarm again when fewer than MinSwarmNodeCount are left.
func (c *Cache) Resolve(ctx context.Context, identifier string) ([]types.Node, error) {
	members, err := c.Get(identifier)
	if err != nil {
		return nil, err
	}

	inSwarm := make(map[string]bool, len(members))
	for _, m := range members {
		inSwarm[m] = true
	}
	var reachable []types.Node
	for _, n := range c.pool.Nodes() {
		if inSwarm[n.Address()] {
			reachable = append(reachable, n)
		}
	}
	if len(reachable) >= MinSwarmNodeCount {
		return reachable, nil
	}

	c.logger.Debug("swarm too small, fetching it", "identifier", types.ShortKey(identifier), "reachable", len(reachable))
	return c.FetchFresh(ctx, identifier)
}

// FetchFresh asks a random pool node for the swarm of identifier, caches
// and persists it. The result is shuffled.
func (c *Cache) FetchFresh(ctx context.Context, identifier string) ([]types.Node, error) {
	node, err := c.pool.Sample(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.client.Batch(ctx, node, []rpc.SubRequest{rpc.GetSwarm(identifier)})
	if err != nil {
		return nil, fmt.Errorf("get_swarm for %s: %w", types.ShortKey(identifier), err)
	}
	first, err := rpc.FirstOK(node, res)
	if err != nil {
		return nil, fmt.Errorf("get_swarm for %s: %w", types.ShortKey(identifier), err)
	}
	nodes, err := rpc.DecodeSwarm(first)
	if err != nil {
		return nil, err
	}
	rand.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })

	if err := c.set(identifier, types.NodeAddresses(nodes)); err != nil {
		return nil, err
	}
	return nodes, nil
}

// DropMember removes address from the swarm of identifier only.
func (c *Cache) DropMember(identifier, address string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	members, err := c.get(identifier)
	if err != nil {
		return err
	}
	kept := make([]string, 0, len(members))
	for _, m := range members {
		if m != address {
			kept = append(kept, m)
		}
	}
	if len(kept) == len(members) {
		return nil
	}
	c.logger.Info("dropping node from swarm",
		"node", types.ShortKey(address), "identifier", types.ShortKey(identifier))
	c.swarms[identifier] = kept
	return c.store.SaveSwarm(identifier, kept)
}

// PickRandomMember resolves the swarm of identifier and returns one of its
// members not listed in excluding.
func (c *Cache) PickRandomMember(ctx context.Context, identifier string, excluding ...string) (types.Node, error) {
	nodes, err := c.Resolve(ctx, identifier)
	if err != nil {
		return types.Node{}, err
	}
	excluded := make(map[string]bool, len(excluding))
	for _, e := range excluding {
		excluded[e] = true
	}
	candidates := make([]types.Node, 0, len(nodes))
	for _, n := range nodes {
		if !excluded[n.Address()] {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return types.Node{}, fmt.Errorf("%w of %s", ErrEmptySwarm, types.ShortKey(identifier))
	}
	return candidates[rand.Intn(len(candidates))], nil
}

// Clear forgets every cached swarm. They are read again from the store.
func (c *Cache) Clear() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.swarms = make(map[string][]string)
}

// Reset forgets every swarm, in memory and in the store. They are fetched
// from the network again when next resolved.
func (c *Cache) Reset() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.swarms = make(map[string][]string)
	return c.store.ClearSwarms()
}

// PruneToPool removes nodes missing from pool from every persisted swarm
// and clears the cache. Small pools are ignored.
func (c *Cache) PruneToPool(pool []types.Node) {
	if len(pool) <= minPoolForPruning {
		return
	}
	inPool := make(map[string]bool, len(pool))
	for _, n := range pool {
		inPool[n.Address()] = true
	}
	n, err := c.store.PruneSwarmMembers(func(m string) bool { return inPool[m] })
	if err != nil {
		c.logger.Error("failed to prune swarms", "err", err)
	}
	c.logger.Debug("pruned swarms", "rewritten", n)
	c.Clear()
}

func (c *Cache) set(identifier string, members []string) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.swarms[identifier] = members
	return c.store.SaveSwarm(identifier, members)
}
