package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/swarmsync/config"
	"github.com/tendermint/swarmsync/internal/netstatus"
	"github.com/tendermint/swarmsync/internal/retrieve"
	"github.com/tendermint/swarmsync/libs/log"
	"github.com/tendermint/swarmsync/types"
)

var (
	u1     = types.AccountPrefix + fmt.Sprintf("%064x", 1)
	g1     = types.GroupPrefix + fmt.Sprintf("%064x", 2)
	g2     = types.GroupPrefix + fmt.Sprintf("%064x", 3)
	legacy = types.AccountPrefix + fmt.Sprintf("%064x", 4)
)

type fakeRegistry struct {
	mtx        sync.Mutex
	lastActive map[string]time.Time
	tracked    map[string]bool
	pending    map[string]bool
}

func newRegistry() *fakeRegistry {
	return &fakeRegistry{
		lastActive: make(map[string]time.Time),
		tracked:    make(map[string]bool),
		pending:    make(map[string]bool),
	}
}

func (r *fakeRegistry) track(id string, lastActive time.Time) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.tracked[id] = true
	if !lastActive.IsZero() {
		r.lastActive[id] = lastActive
	}
}

func (r *fakeRegistry) LastActive(id string) (time.Time, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	t, ok := r.lastActive[id]
	return t, ok
}

func (r *fakeRegistry) IsTracked(id string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.tracked[id]
}

func (r *fakeRegistry) InvitePending(id string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.pending[id]
}

type fakeRetriever struct {
	mtx    sync.Mutex
	polled []types.PollTarget
	result func(types.PollTarget) *retrieve.Result
}

func (r *fakeRetriever) PollOnce(_ context.Context, target types.PollTarget) *retrieve.Result {
	r.mtx.Lock()
	r.polled = append(r.polled, target)
	fn := r.result
	r.mtx.Unlock()

	if fn == nil {
		return &retrieve.Result{Target: target}
	}
	return fn(target)
}

func (r *fakeRetriever) count(id string) int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	n := 0
	for _, t := range r.polled {
		if t.ID == id {
			n++
		}
	}
	return n
}

type harness struct {
	poller    *Poller
	clock     *clock.Mock
	registry  *fakeRegistry
	retriever *fakeRetriever
	status    *netstatus.Status
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))

	h := &harness{
		clock:     clk,
		registry:  newRegistry(),
		retriever: &fakeRetriever{},
		status:    netstatus.New(),
	}
	h.poller = NewPoller(
		log.TestingLogger(t),
		config.TestPollerConfig(),
		u1,
		h.retriever,
		h.registry,
		h.status,
		WithClock(clk),
	)
	return h
}

func TestPollingTimeout(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()
	cfg := config.TestPollerConfig()

	testCases := []struct {
		name       string
		lastActive time.Time
		want       time.Duration
	}{
		{"unknown", time.Time{}, cfg.InactiveInterval},
		{"one hour", now.Add(-time.Hour), cfg.ActiveInterval},
		{"exactly two days", now.Add(-48 * time.Hour), cfg.ActiveInterval},
		{"three days", now.Add(-72 * time.Hour), cfg.MediumInterval},
		{"ten days", now.Add(-240 * time.Hour), cfg.InactiveInterval},
	}
	for i, tc := range testCases {
		tc := tc
		id := types.GroupPrefix + fmt.Sprintf("%064x", 100+i)
		t.Run(tc.name, func(t *testing.T) {
			h.registry.track(id, tc.lastActive)
			assert.Equal(t, tc.want, h.poller.PollingTimeout(id))
		})
	}
}

func TestSelfAlwaysPolled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.poller.PollForAllKeys(ctx)
	}
	assert.Equal(t, 3, h.retriever.count(u1))
	assert.Empty(t, h.poller.Targets())
}

func TestRecentAndInactiveGroups(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := h.clock.Now()

	// U1 active an hour ago, G1 ten days ago
	h.registry.track(g1, now.Add(-10*24*time.Hour))
	h.poller.AddTarget(g1, nil)
	h.poller.ForcePolledTimestamp(g1, now)

	h.poller.PollForAllKeys(ctx)
	assert.Equal(t, 1, h.retriever.count(u1))
	assert.Zero(t, h.retriever.count(g1))

	h.clock.Add(121 * time.Second)
	h.poller.PollForAllKeys(ctx)
	assert.Equal(t, 2, h.retriever.count(u1))
	assert.Equal(t, 1, h.retriever.count(g1))

	// polled again only after another inactive interval
	h.clock.Add(60 * time.Second)
	h.poller.PollForAllKeys(ctx)
	assert.Equal(t, 1, h.retriever.count(g1))
}

func TestNewGroupPolledRightAway(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.track(legacy, h.clock.Now().Add(-30*24*time.Hour))
	h.poller.AddTarget(legacy, nil)

	h.poller.PollForAllKeys(ctx)
	h.poller.PollForAllKeys(ctx)
	assert.Equal(t, 1, h.retriever.count(legacy))

	h.retriever.mtx.Lock()
	defer h.retriever.mtx.Unlock()
	for _, p := range h.retriever.polled {
		if p.ID == legacy {
			assert.Equal(t, types.KindLegacyGroup, p.Kind)
		}
	}
}

func TestActiveGroupPolledEveryCycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.track(g1, h.clock.Now().Add(-time.Hour))
	h.poller.AddTarget(g1, nil)

	for i := 0; i < 3; i++ {
		h.poller.PollForAllKeys(ctx)
		h.clock.Add(config.TestPollerConfig().ActiveInterval)
	}
	assert.Equal(t, 3, h.retriever.count(g1))
}

func TestFullPageMakesGroupDueAgain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.track(g1, time.Time{})
	h.poller.AddTarget(g1, nil)
	h.retriever.result = func(target types.PollTarget) *retrieve.Result {
		return &retrieve.Result{Target: target, ContentCount: 95}
	}

	h.poller.PollForAllKeys(ctx)
	h.poller.PollForAllKeys(ctx)
	assert.Equal(t, 2, h.retriever.count(g1))

	h.retriever.result = func(target types.PollTarget) *retrieve.Result {
		return &retrieve.Result{Target: target, ContentCount: 94}
	}
	h.poller.PollForAllKeys(ctx)
	h.poller.PollForAllKeys(ctx)
	assert.Equal(t, 3, h.retriever.count(g1))
}

func TestFailedPollStillMarksPolled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.track(g1, time.Time{})
	h.poller.AddTarget(g1, nil)
	h.retriever.result = func(types.PollTarget) *retrieve.Result { return nil }

	h.poller.PollForAllKeys(ctx)
	assert.False(t, h.poller.ShouldPoll(g1))
}

func TestOfflineSkipsCycle(t *testing.T) {
	h := newHarness(t)
	h.status.SetOnline(false)

	h.poller.PollForAllKeys(context.Background())
	assert.Zero(t, h.retriever.count(u1))
}

func TestPollingDetails(t *testing.T) {
	h := newHarness(t)
	now := h.clock.Now()

	h.registry.track(g1, now)
	h.registry.track(legacy, now)
	h.registry.track(g2, now)
	h.registry.pending[g2] = true

	h.poller.AddTarget(g1, nil)
	h.poller.AddTarget(g2, nil)
	h.poller.AddTarget(legacy, nil)
	h.poller.AddTarget(g1, nil)
	notTracked := types.GroupPrefix + fmt.Sprintf("%064x", 9)
	h.poller.AddTarget(notTracked, nil)
	h.poller.AddTarget(u1, nil)

	details := h.poller.PollingDetails()
	assert.Equal(t, []types.PollTarget{
		{ID: u1, Kind: types.KindSelf},
		{ID: g1, Kind: types.KindGroup},
		{ID: legacy, Kind: types.KindLegacyGroup},
	}, details.ToPoll)
	assert.Equal(t, []string{notTracked}, details.ToLeave)

	h.poller.PollForAllKeys(context.Background())
	assert.Len(t, h.poller.Targets(), 3)
	assert.Zero(t, h.retriever.count(g2))
	assert.Zero(t, h.retriever.count(notTracked))
}

func TestUntrackedAfterPollIsRemoved(t *testing.T) {
	h := newHarness(t)
	h.registry.track(g1, time.Time{})
	h.poller.AddTarget(g1, nil)
	h.retriever.result = func(target types.PollTarget) *retrieve.Result {
		return &retrieve.Result{Target: target, Untracked: target.ID == g1}
	}

	h.poller.PollForAllKeys(context.Background())
	assert.Empty(t, h.poller.Targets())
}

func TestFirstPollCallback(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	calls := 0
	h.registry.track(g1, h.clock.Now())
	h.poller.AddTarget(g1, func(context.Context) error {
		calls++
		return errors.New("logged only")
	})

	h.retriever.result = func(types.PollTarget) *retrieve.Result { return nil }
	h.poller.PollForAllKeys(ctx)
	assert.Zero(t, calls)

	h.retriever.result = nil
	for i := 0; i < 3; i++ {
		h.clock.Add(config.TestPollerConfig().ActiveInterval)
		h.poller.PollForAllKeys(ctx)
	}
	assert.Equal(t, 1, calls)
}

func TestPanickingPollDoesNotStopCycle(t *testing.T) {
	h := newHarness(t)
	h.registry.track(g1, time.Time{})
	h.poller.AddTarget(g1, nil)
	h.retriever.result = func(target types.PollTarget) *retrieve.Result {
		if target.Kind == types.KindGroup {
			types.ConversationKind(42).Namespaces()
		}
		return &retrieve.Result{Target: target}
	}

	assert.NotPanics(t, func() { h.poller.PollForAllKeys(context.Background()) })
	assert.Equal(t, 1, h.retriever.count(u1))
}

func TestPollerLoop(t *testing.T) {
	defer leaktest.Check(t)()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.poller.Start(ctx))
	require.Eventually(t, func() bool { return h.retriever.count(u1) == 1 }, time.Second, 10*time.Millisecond)

	// the loop waits on the clock between cycles
	for i := 2; i <= 3; i++ {
		want := i
		require.Eventually(t, func() bool {
			h.clock.Add(config.TestPollerConfig().ActiveInterval)
			return h.retriever.count(u1) >= want
		}, time.Second, 10*time.Millisecond)
	}

	cancel()
	h.poller.Wait()
}
