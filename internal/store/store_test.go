package store

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/swarmsync/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(dbm.NewMemDB())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testNode(i int) types.Node {
	return types.Node{
		PubkeyEd25519: fmt.Sprintf("%064x", i),
		PubkeyX25519:  fmt.Sprintf("%064x", i+1000),
		IP:            fmt.Sprintf("10.0.0.%d", i%250+1),
		Port:          uint16(20000 + i),
	}
}

func TestPoolRoundTrip(t *testing.T) {
	s := newTestStore(t)

	nodes, err := s.LoadPool()
	require.NoError(t, err)
	require.Empty(t, nodes)

	want := []types.Node{testNode(1), testNode(2), testNode(3)}
	require.NoError(t, s.SavePool(want))

	nodes, err = s.LoadPool()
	require.NoError(t, err)
	require.Equal(t, want, nodes)
}

func TestSwarms(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSwarm("05aa", []string{"a", "b"}))
	require.NoError(t, s.SaveSwarm("05bb", []string{"c"}))

	members, err := s.LoadSwarm("05aa")
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, members)

	require.NoError(t, s.ClearSwarms())

	for _, id := range []string{"05aa", "05bb"} {
		members, err = s.LoadSwarm(id)
		require.NoError(t, err)
		require.Empty(t, members)
	}

	// other records survive
	require.NoError(t, s.SaveGuards([]string{"g"}))
	require.NoError(t, s.ClearSwarms())
	guards, err := s.LoadGuards()
	require.NoError(t, err)
	require.Equal(t, []string{"g"}, guards)
}

func TestPruneSwarmMembers(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveSwarm("05aa", []string{"a", "b", "c"}))
	require.NoError(t, s.SaveSwarm("05bb", []string{"a"}))

	inPool := map[string]bool{"a": true, "c": true}
	n, err := s.PruneSwarmMembers(func(m string) bool { return inPool[m] })
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	members, err := s.LoadSwarm("05aa")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, members)

	members, err = s.LoadSwarm("05bb")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)
}

func TestLastHashes(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	_, ok, err := s.LoadLastHash("node", "05aa", types.NamespaceDefault)
	require.NoError(t, err)
	require.False(t, ok)

	live := LastHash{Node: "node", Identifier: "05aa", Namespace: types.NamespaceDefault, Hash: "h1", ExpiresAt: now.Add(time.Hour)}
	expired := LastHash{Node: "node", Identifier: "05aa", Namespace: types.NamespaceGroupKeys, Hash: "h2", ExpiresAt: now.Add(-time.Hour)}
	require.NoError(t, s.SaveLastHash(live))
	require.NoError(t, s.SaveLastHash(expired))

	got, ok, err := s.LoadLastHash("node", "05aa", types.NamespaceDefault)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "h1", got.Hash)

	pruned, err := s.PruneLastHashes(now)
	require.NoError(t, err)
	require.EqualValues(t, 1, pruned)

	_, ok, err = s.LoadLastHash("node", "05aa", types.NamespaceGroupKeys)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = s.LoadLastHash("node", "05aa", types.NamespaceDefault)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLastHashNegativeNamespaceDoesNotCollide(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SaveLastHash(LastHash{Node: "n", Identifier: "05aa", Namespace: types.NamespaceLegacyClosedGroup, Hash: "legacy"}))
	require.NoError(t, s.SaveLastHash(LastHash{Node: "n", Identifier: "05aa", Namespace: types.NamespaceGroupRevokedRetrievable, Hash: "revoked"}))

	got, ok, err := s.LoadLastHash("n", "05aa", types.NamespaceLegacyClosedGroup)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "legacy", got.Hash)
}

func TestUnprocessed(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// inserted out of order on purpose
	envs := []types.UnprocessedEnvelope{
		{ID: "c", Hash: "hc", Envelope: []byte("3"), InsertedAt: base.Add(2 * time.Second), Attempts: 1},
		{ID: "a", Hash: "ha", Envelope: []byte("1"), InsertedAt: base, Attempts: 1},
		{ID: "b", Hash: "hb", Envelope: []byte("2"), InsertedAt: base, Attempts: 1},
	}
	for _, env := range envs {
		require.NoError(t, s.SaveUnprocessed(env))
	}
	require.Error(t, s.SaveUnprocessed(types.UnprocessedEnvelope{}))

	count, err := s.CountUnprocessed()
	require.NoError(t, err)
	require.Equal(t, 3, count)

	list, err := s.ListUnprocessed()
	require.NoError(t, err)
	ids := make([]string, len(list))
	for i, env := range list {
		ids[i] = env.ID
	}
	require.Equal(t, []string{"a", "b", "c"}, ids)

	require.NoError(t, s.UpdateUnprocessedAttempts("b", 4))
	require.NoError(t, s.UpdateUnprocessedAttempts("missing", 4))
	env, ok, err := s.GetUnprocessed("b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 4, env.Attempts)

	require.NoError(t, s.RemoveUnprocessed("b"))
	require.NoError(t, s.RemoveUnprocessed("b"))
	_, ok, err = s.GetUnprocessed("b")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.RemoveAllUnprocessed())
	count, err = s.CountUnprocessed()
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestUnprocessedSameTimestampKeepsInsertOrder(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// uuid-like ids that sort opposite to the insert order
	ids := []string{"f3", "c1", "a9", "07"}
	for _, id := range ids {
		require.NoError(t, s.SaveUnprocessed(types.UnprocessedEnvelope{ID: id, Hash: "h" + id, InsertedAt: at}))
	}
	// replacing an envelope keeps its place
	require.NoError(t, s.UpdateUnprocessedAttempts("f3", 2))

	list, err := s.ListUnprocessed()
	require.NoError(t, err)
	got := make([]string, len(list))
	for i, env := range list {
		got[i] = env.ID
	}
	require.Equal(t, ids, got)

	// the sequence survives clearing the backlog
	require.NoError(t, s.RemoveAllUnprocessed())
	require.NoError(t, s.SaveUnprocessed(types.UnprocessedEnvelope{ID: "late", InsertedAt: at}))
	env, ok, err := s.GetUnprocessed("late")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, len(ids)+1, env.Seq)
}

func TestSeenHashes(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.SaveSeenHashes(nil))
	require.NoError(t, s.SaveSeenHashes([]types.SeenHash{
		{Hash: "h1", ExpiresAt: now.Add(time.Hour)},
		{Hash: "h2", ExpiresAt: now.Add(-time.Minute)},
	}))

	seen, err := s.SeenHashes([]string{"h1", "h2", "h3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"h1": true, "h2": true}, seen)

	pruned, err := s.PruneSeenHashes(now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pruned)

	seen, err = s.SeenHashes([]string{"h1", "h2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"h1": true}, seen)
}

func TestPruneManySeenHashes(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	var batch []types.SeenHash
	for i := 0; i < 2500; i++ {
		batch = append(batch, types.SeenHash{Hash: strings.Repeat("x", 3) + fmt.Sprint(i), ExpiresAt: now.Add(-time.Second)})
	}
	require.NoError(t, s.SaveSeenHashes(batch))

	pruned, err := s.PruneSeenHashes(now)
	require.NoError(t, err)
	require.EqualValues(t, 2500, pruned)
}
