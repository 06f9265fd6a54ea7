package netstatus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/swarmsync/libs/log"
)

func TestStatusNotifiesOnChangeOnly(t *testing.T) {
	s := New()
	require.True(t, s.IsOnline())

	var flips []bool
	s.OnChange(func(online bool) { flips = append(flips, online) })

	s.SetOnline(true)
	s.SetOnline(false)
	s.SetOnline(false)
	s.SetOnline(true)

	assert.Equal(t, []bool{false, true}, flips)
}

func TestProberRestoresOnline(t *testing.T) {
	t.Cleanup(leaktest.Check(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := clock.NewMock()
	status := New()
	status.SetOnline(false)

	var calls int32
	probe := func(context.Context) error {
		if atomic.AddInt32(&calls, 1) < 2 {
			return errors.New("unreachable")
		}
		return nil
	}

	p := NewProber(log.TestingLogger(t), status, probe, clk, time.Second)
	require.NoError(t, p.Start(ctx))
	defer func() { _ = p.Stop() }()

	require.Eventually(t, func() bool {
		clk.Add(time.Second)
		return status.IsOnline()
	}, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}

func TestCheckerGoesOfflineOnlyWhenProbeFails(t *testing.T) {
	ctx := context.Background()
	status := New()

	var probeErr error
	var calls int
	c := NewChecker(log.TestingLogger(t), status, func(context.Context) error {
		calls++
		return probeErr
	})

	// one dead node on a working network
	assert.True(t, c.NodeUnreachable(ctx))
	assert.True(t, status.IsOnline())

	probeErr = errors.New("no route")
	assert.False(t, c.NodeUnreachable(ctx))
	assert.False(t, status.IsOnline())

	// already offline, nothing to confirm
	assert.False(t, c.NodeUnreachable(ctx))
	assert.Equal(t, 2, calls)
}

func TestCheckerIgnoresCanceledProbe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	status := New()
	c := NewChecker(log.TestingLogger(t), status, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})

	assert.True(t, c.NodeUnreachable(ctx))
	assert.True(t, status.IsOnline())
}
