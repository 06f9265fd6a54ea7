package nodepool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"
	"pgregory.net/rapid"

	"github.com/tendermint/swarmsync/internal/rpc"
	"github.com/tendermint/swarmsync/internal/rpc/mocks"
	"github.com/tendermint/swarmsync/internal/store"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/types"
)

type fakeSeeds struct {
	calls int32
	nodes []types.Node
	err   error
}

func (f *fakeSeeds) FetchPool(context.Context) ([]types.Node, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.nodes, f.err
}

func (f *fakeSeeds) Calls() int { return int(atomic.LoadInt32(&f.calls)) }

func makeNodes(from, count int) []types.Node {
	nodes := make([]types.Node, count)
	for i := range nodes {
		id := from + i
		nodes[i] = types.Node{
			PubkeyEd25519: fmt.Sprintf("%064x", id+1),
			PubkeyX25519:  fmt.Sprintf("%064x", id+100000),
			IP:            fmt.Sprintf("10.0.%d.%d", id/250, id%250+1),
			Port:          22021,
		}
	}
	return nodes
}

func serviceNodesBody(nodes []types.Node) []byte {
	body := `{"result":{"service_node_states":[`
	for i, n := range nodes {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"public_ip":%q,"storage_port":%d,"pubkey_ed25519":%q,"pubkey_x25519":%q}`,
			n.IP, n.Port, n.PubkeyEd25519, n.PubkeyX25519)
	}
	return []byte(body + `]}}`)
}

func newTestPool(t *testing.T, seeds *fakeSeeds, client rpc.Client) (*Pool, *store.Store) {
	t.Helper()
	st := store.NewStore(dbm.NewMemDB())
	p := NewPool(log.TestingLogger(t), st, seeds, client)
	p.newConsensusBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, ConsensusRetries)
	}
	return p, st
}

func TestMinPoolCount(t *testing.T) {
	assert.Equal(t, 8, MinPoolCount)
}

func TestRefreshNoNetworkWhenLargeEnough(t *testing.T) {
	seeds := &fakeSeeds{}
	p, st := newTestPool(t, seeds, mocks.NewClient(t))
	require.NoError(t, st.SavePool(makeNodes(0, MinPoolCount)))

	p.Refresh(context.Background())
	assert.Equal(t, MinPoolCount, p.Len())

	p.Refresh(context.Background())
	assert.Equal(t, MinPoolCount, p.Len())
	assert.Zero(t, seeds.Calls())
}

func TestRefreshBootstrapsOnceWhenTooSmall(t *testing.T) {
	fresh := makeNodes(0, 20)
	seeds := &fakeSeeds{nodes: fresh}
	p, st := newTestPool(t, seeds, mocks.NewClient(t))
	require.NoError(t, st.SavePool(makeNodes(100, MinPoolCount-1)))

	var resets int32
	p.OnReset(func() { atomic.AddInt32(&resets, 1) })
	p.ReportFailure(fresh[0].Address())

	p.Refresh(context.Background())
	assert.Equal(t, 1, seeds.Calls())
	assert.Equal(t, fresh, p.Nodes())
	assert.EqualValues(t, 1, atomic.LoadInt32(&resets))

	stored, err := st.LoadPool()
	require.NoError(t, err)
	assert.Equal(t, fresh, stored)

	// the failure counter was reset with the pool
	assert.False(t, p.ReportFailure(fresh[0].Address()))
	assert.False(t, p.ReportFailure(fresh[0].Address()))
}

func TestRefreshKeepsStalePoolOnSeedFailure(t *testing.T) {
	seeds := &fakeSeeds{err: errors.New("seed down")}
	p, _ := newTestPool(t, seeds, mocks.NewClient(t))

	p.Refresh(context.Background())
	assert.Equal(t, 1, seeds.Calls())
	assert.Zero(t, p.Len())
}

func TestSample(t *testing.T) {
	nodes := makeNodes(0, MinPoolCount+1)
	seeds := &fakeSeeds{nodes: nodes}
	p, _ := newTestPool(t, seeds, mocks.NewClient(t))
	ctx := context.Background()

	n, err := p.Sample(ctx)
	require.NoError(t, err)
	assert.Contains(t, nodes, n)
	assert.Equal(t, 1, seeds.Calls())

	n, err = p.Sample(ctx, nodes[0].Address())
	require.NoError(t, err)
	assert.NotEqual(t, nodes[0], n)

	// two exclusions need MinPoolCount+2 nodes, the seed cannot provide them
	_, err = p.Sample(ctx, nodes[0].Address(), nodes[1].Address())
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Equal(t, 2, seeds.Calls())
}

func TestSampleEmptyPool(t *testing.T) {
	seeds := &fakeSeeds{err: errors.New("seed down")}
	p, _ := newTestPool(t, seeds, mocks.NewClient(t))

	_, err := p.Sample(context.Background())
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestDropAndReportFailure(t *testing.T) {
	nodes := makeNodes(0, MinPoolCount)
	p, st := newTestPool(t, &fakeSeeds{nodes: nodes}, mocks.NewClient(t))
	p.Refresh(context.Background())

	require.NoError(t, p.Drop("unknown"))
	assert.Equal(t, MinPoolCount, p.Len())

	addr := nodes[2].Address()
	for i := 1; i < NodeFailureThreshold; i++ {
		assert.False(t, p.ReportFailure(addr))
	}
	assert.True(t, p.ReportFailure(addr))

	_, ok := p.Get(addr)
	assert.False(t, ok)
	assert.Equal(t, MinPoolCount-1, p.Len())

	stored, err := st.LoadPool()
	require.NoError(t, err)
	assert.Len(t, stored, MinPoolCount-1)
	assert.NotContains(t, stored, nodes[2])
}

func TestForceRefreshConsensus(t *testing.T) {
	initial := makeNodes(0, 30)
	agreed := makeNodes(5, RequiredNodesForAgreement)

	client := mocks.NewClient(t)
	client.On("Batch", mock.Anything, mock.Anything, mock.Anything).Return(
		func(_ context.Context, n types.Node, _ []rpc.SubRequest) []rpc.SubResult {
			// every node agrees on agreed and adds itself
			view := make([]types.Node, 0, len(agreed)+1)
			view = append(view, agreed...)
			view = append(view, n)
			return []rpc.SubResult{{Code: rpc.StatusOK, Body: serviceNodesBody(view)}}
		}, nil).Times(ConsensusSampleSize)

	seeds := &fakeSeeds{nodes: initial}
	p, st := newTestPool(t, seeds, client)

	var replaced []types.Node
	p.OnReplaced(func(nodes []types.Node) { replaced = nodes })

	nodes := p.ForceRefresh(context.Background())
	assert.Equal(t, agreed, nodes)
	assert.Equal(t, agreed, replaced)
	assert.Equal(t, 1, seeds.Calls())

	stored, err := st.LoadPool()
	require.NoError(t, err)
	assert.Equal(t, agreed, stored)
}

func TestForceRefreshFallsBackToSeed(t *testing.T) {
	initial := makeNodes(0, 30)

	var calls int32
	client := mocks.NewClient(t)
	client.On("Batch", mock.Anything, mock.Anything, mock.Anything).Return(
		func(_ context.Context, n types.Node, _ []rpc.SubRequest) []rpc.SubResult {
			atomic.AddInt32(&calls, 1)
			// disjoint views
			return []rpc.SubResult{{Code: rpc.StatusOK, Body: serviceNodesBody([]types.Node{n})}}
		}, nil)

	seeds := &fakeSeeds{nodes: initial}
	p, _ := newTestPool(t, seeds, client)

	replaced := false
	p.OnReplaced(func([]types.Node) { replaced = true })

	nodes := p.ForceRefresh(context.Background())
	assert.Equal(t, initial, nodes)
	assert.False(t, replaced)
	assert.EqualValues(t, (ConsensusRetries+1)*ConsensusSampleSize, atomic.LoadInt32(&calls))
	// initial bootstrap and fallback
	assert.Equal(t, 2, seeds.Calls())
}

func TestIntersect(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		count := rapid.IntRange(1, 4).Draw(t, "views").(int)
		views := make([][]types.Node, count)
		for i := range views {
			ids := rapid.SliceOf(rapid.IntRange(0, 20)).Draw(t, fmt.Sprintf("view%d", i)).([]int)
			for _, id := range ids {
				views[i] = append(views[i], makeNodes(id, 1)[0])
			}
		}

		common := intersect(views)

		seen := make(map[string]bool)
		for _, n := range common {
			if seen[n.Address()] {
				t.Fatalf("duplicate %s", n)
			}
			seen[n.Address()] = true
			for i, view := range views {
				if !containsNode(view, n) {
					t.Fatalf("%s missing from view %d", n, i)
				}
			}
		}
		for _, n := range views[0] {
			inAll := true
			for _, view := range views {
				inAll = inAll && containsNode(view, n)
			}
			if inAll && !seen[n.Address()] {
				t.Fatalf("%s is common but was dropped", n)
			}
		}
	})
}

func containsNode(nodes []types.Node, n types.Node) bool {
	for _, m := range nodes {
		if m.Address() == n.Address() {
			return true
		}
	}
	return false
}
