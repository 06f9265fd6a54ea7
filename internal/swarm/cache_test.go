package swarm

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/swarmsync/internal/rpc"
	"github.com/tendermint/swarmsync/internal/rpc/mocks"
	"github.com/tendermint/swarmsync/internal/store"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/types"
)

const identifier = "05" + "1111111111111111111111111111111111111111111111111111111111111111"

type fakePool struct {
	nodes []types.Node
}

func (p *fakePool) Nodes() []types.Node { return p.nodes }

func (p *fakePool) Sample(context.Context, ...string) (types.Node, error) {
	return p.nodes[0], nil
}

func makeNodes(from, count int) []types.Node {
	nodes := make([]types.Node, count)
	for i := range nodes {
		id := from + i
		nodes[i] = types.Node{
			PubkeyEd25519: fmt.Sprintf("%064x", id+1),
			PubkeyX25519:  fmt.Sprintf("%064x", id+100000),
			IP:            fmt.Sprintf("10.0.0.%d", id%250+1),
			Port:          22021,
		}
	}
	return nodes
}

func swarmResult(nodes []types.Node) []rpc.SubResult {
	body := `{"snodes":[`
	for i, n := range nodes {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"ip":%q,"port":"%d","pubkey_ed25519":%q,"pubkey_x25519":%q}`,
			n.IP, n.Port, n.PubkeyEd25519, n.PubkeyX25519)
	}
	return []rpc.SubResult{{Code: rpc.StatusOK, Body: []byte(body + `]}`)}}
}

func newTestCache(t *testing.T, pool *fakePool, client rpc.Client) (*Cache, *store.Store) {
	t.Helper()
	st := store.NewStore(dbm.NewMemDB())
	return NewCache(log.TestingLogger(t), st, pool, client), st
}

func TestGetReadsThroughStore(t *testing.T) {
	c, st := newTestCache(t, &fakePool{}, mocks.NewClient(t))

	members, err := c.Get(identifier)
	require.NoError(t, err)
	assert.Empty(t, members)

	// the empty answer is cached
	require.NoError(t, st.SaveSwarm(identifier, []string{"a"}))
	members, err = c.Get(identifier)
	require.NoError(t, err)
	assert.Empty(t, members)

	c.Clear()
	members, err = c.Get(identifier)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)
}

func TestResolveUsesCacheWhenLargeEnough(t *testing.T) {
	pool := &fakePool{nodes: makeNodes(0, 10)}
	c, st := newTestCache(t, pool, mocks.NewClient(t))

	members := types.NodeAddresses(pool.nodes[2:5])
	require.NoError(t, st.SaveSwarm(identifier, members))

	nodes, err := c.Resolve(context.Background(), identifier)
	require.NoError(t, err)
	assert.Equal(t, pool.nodes[2:5], nodes)
}

func TestResolveFetchesWhenTooFewReachable(t *testing.T) {
	pool := &fakePool{nodes: makeNodes(0, 10)}
	fresh := makeNodes(20, 5)

	client := mocks.NewClient(t)
	client.On("Batch", mock.Anything, pool.nodes[0], []rpc.SubRequest{rpc.GetSwarm(identifier)}).
		Return(swarmResult(fresh), nil).Once()

	c, st := newTestCache(t, pool, client)
	// two members left in the pool
	require.NoError(t, st.SaveSwarm(identifier, types.NodeAddresses(pool.nodes[:2])))

	nodes, err := c.Resolve(context.Background(), identifier)
	require.NoError(t, err)
	assert.ElementsMatch(t, fresh, nodes)

	stored, err := st.LoadSwarm(identifier)
	require.NoError(t, err)
	assert.ElementsMatch(t, types.NodeAddresses(fresh), stored)
}

func TestFetchFreshStatusError(t *testing.T) {
	pool := &fakePool{nodes: makeNodes(0, 10)}
	client := mocks.NewClient(t)
	client.On("Batch", mock.Anything, mock.Anything, mock.Anything).
		Return([]rpc.SubResult{{Code: rpc.StatusNotInSwarm}}, nil)

	c, _ := newTestCache(t, pool, client)
	_, err := c.FetchFresh(context.Background(), identifier)
	require.Error(t, err)
	assert.True(t, rpc.IsNotInSwarm(err))
}

func TestDropMemberOnlyAffectsOneIdentifier(t *testing.T) {
	c, st := newTestCache(t, &fakePool{}, mocks.NewClient(t))
	other := "05" + fmt.Sprintf("%064x", 7)
	require.NoError(t, st.SaveSwarm(identifier, []string{"a", "b"}))
	require.NoError(t, st.SaveSwarm(other, []string{"a", "b"}))

	require.NoError(t, c.DropMember(identifier, "a"))
	require.NoError(t, c.DropMember(identifier, "unknown"))

	members, err := c.Get(identifier)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)

	members, err = c.Get(other)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, members)

	stored, err := st.LoadSwarm(identifier)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, stored)
}

func TestPickRandomMember(t *testing.T) {
	pool := &fakePool{nodes: makeNodes(0, 10)}
	c, st := newTestCache(t, pool, mocks.NewClient(t))
	swarm := pool.nodes[:3]
	require.NoError(t, st.SaveSwarm(identifier, types.NodeAddresses(swarm)))

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		n, err := c.PickRandomMember(ctx, identifier, swarm[0].Address())
		require.NoError(t, err)
		assert.Contains(t, swarm[1:], n)
	}

	_, err := c.PickRandomMember(ctx, identifier, types.NodeAddresses(swarm)...)
	assert.ErrorIs(t, err, ErrEmptySwarm)
}

func TestPruneToPool(t *testing.T) {
	pool := makeNodes(0, 12)
	c, st := newTestCache(t, &fakePool{nodes: pool}, mocks.NewClient(t))
	require.NoError(t, st.SaveSwarm(identifier, []string{pool[0].Address(), "gone"}))
	_, err := c.Get(identifier)
	require.NoError(t, err)

	// small pools are not trusted
	c.PruneToPool(pool[:5])
	members, err := st.LoadSwarm(identifier)
	require.NoError(t, err)
	assert.Len(t, members, 2)

	c.PruneToPool(pool)
	members, err = c.Get(identifier)
	require.NoError(t, err)
	assert.Equal(t, []string{pool[0].Address()}, members)
}

func TestReset(t *testing.T) {
	pool := makeNodes(0, 12)
	c, st := newTestCache(t, &fakePool{nodes: pool}, mocks.NewClient(t))
	require.NoError(t, st.SaveSwarm(identifier, types.NodeAddresses(pool[:3])))
	members, err := c.Get(identifier)
	require.NoError(t, err)
	require.Len(t, members, 3)

	require.NoError(t, c.Reset())

	members, err = c.Get(identifier)
	require.NoError(t, err)
	assert.Empty(t, members)
	stored, err := st.LoadSwarm(identifier)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
