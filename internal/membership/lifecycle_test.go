package membership

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testLifecycle(t *testing.T, cfg Config) (*Lifecycle, *Store, *Engine) {
	t.Helper()
	store := NewStore(0, nil, zerolog.Nop())
	gen := NewGenerationSource(1, time.Now())
	notifier := NewNotifier(zerolog.Nop())
	client := NewClient(200 * time.Millisecond)
	gate := NewGate()
	engine := NewEngine(cfg, "self", store, gen, notifier, client, gate, zerolog.Nop())
	member := NewMembership(cfg, "self", store, gen, notifier, engine, client, zerolog.Nop())
	fd := NewFailureDetector(cfg, "self", store, client, gen, engine, 1, zerolog.Nop())
	server, err := NewServer("127.0.0.1:0", "self", gate, engine, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })

	lc := NewLifecycle(cfg, "self", store, gen, engine, fd, member, client, server, zerolog.Nop())
	return lc, store, engine
}

func TestLifecycleDoShadowRoundTrivialWithNoContacts(t *testing.T) {
	lc, _, _ := testLifecycle(t, Config{})
	require.Equal(t, StateDisabled, lc.State())

	err := lc.DoShadowRound(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, StateShadowRound, lc.State())
}

func TestLifecycleStartGossipingEntersRunningAndSelfAdvertises(t *testing.T) {
	lc, store, _ := testLifecycle(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := lc.StartGossiping(ctx, 100, nil, true)
	require.NoError(t, err)
	require.Equal(t, StateRunning, lc.State())

	self, ok := store.Get("self")
	require.True(t, ok, "StartGossiping should seed the local entry")
	require.Equal(t, int32(100), self.HeartBeat.Generation)
	require.True(t, self.Alive)

	live, _ := store.LiveEndpoints()
	require.Contains(t, live, Addr("self"))
}

func TestLifecycleDoStopGossipingAnnouncesShutdownAndDrains(t *testing.T) {
	lc, store, _ := testLifecycle(t, Config{ShutdownAnnounceMS: 10})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, lc.StartGossiping(ctx, 100, nil, true))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	lc.DoStopGossiping(stopCtx)

	require.Equal(t, StateStopped, lc.State())

	self, ok := store.Get("self")
	require.True(t, ok)
	require.Equal(t, StatusShutdown, self.Status())
}

func TestLifecycleWaitForGossipToSettleSkipsWhenZero(t *testing.T) {
	lc, _, _ := testLifecycle(t, Config{SkipWaitForGossipToSettle: 0})

	done := make(chan struct{})
	go func() {
		lc.WaitForGossipToSettle(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForGossipToSettle should return immediately when SkipWaitForGossipToSettle is 0")
	}
}

func TestLifecycleWaitForGossipToSettleStabilizes(t *testing.T) {
	lc, _, _ := testLifecycle(t, Config{SkipWaitForGossipToSettle: 5})

	done := make(chan struct{})
	go func() {
		lc.WaitForGossipToSettle(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("WaitForGossipToSettle should settle quickly on an idle, static store")
	}
}
