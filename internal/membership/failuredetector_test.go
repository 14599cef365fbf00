package membership

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestFailureDetectorConvictsSilentPeer(t *testing.T) {
	store := NewStore(0, nil, zerolog.Nop())
	gen := NewGenerationSource(1, time.Now())
	notifier := NewNotifier(zerolog.Nop())
	client := NewClient(200 * time.Millisecond)
	gate := NewGate()
	cfg := Config{FailureDetectorTimeoutMS: 200}
	engine := NewEngine(cfg, "self", store, gen, notifier, client, gate, zerolog.Nop())

	st := NewEndpointState(1, 1)
	st.Apps[StatusKey] = VersionedValue{Value: StatusNormal, Version: 1}
	st.Alive = true
	if _, err := store.ApplyLocal(context.Background(), "unreachable:1", func(EndpointState, bool) (EndpointState, []ApplicationStateKey, bool) {
		return st, nil, true
	}); err != nil {
		t.Fatal(err)
	}
	store.MarkLive("unreachable:1")
	_, snapshotVersion := store.LiveEndpoints()

	fd := NewFailureDetector(cfg, "self", store, client, gen, engine, 1, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// runPeerTask pings "unreachable:1" (nobody listens there) every
	// echoInterval; after maxDuration of silence it convicts and returns.
	done := make(chan struct{})
	go func() {
		fd.runPeerTask(ctx, "unreachable:1", 0, snapshotVersion)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("runPeerTask should have convicted the silent peer and returned")
	}

	live, _ := store.LiveEndpoints()
	for _, a := range live {
		if a == "unreachable:1" {
			t.Fatal("a convicted peer should no longer be live")
		}
	}
}

func TestFailureDetectorRunReturnsOnCancelWithEmptyLiveSet(t *testing.T) {
	store := NewStore(0, nil, zerolog.Nop())
	gen := NewGenerationSource(1, time.Now())
	notifier := NewNotifier(zerolog.Nop())
	client := NewClient(100 * time.Millisecond)
	gate := NewGate()
	cfg := Config{FailureDetectorTimeoutMS: 100}
	engine := NewEngine(cfg, "self", store, gen, notifier, client, gate, zerolog.Nop())
	fd := NewFailureDetector(cfg, "self", store, client, gen, engine, 1, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		fd.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run should return promptly once ctx is cancelled, even with no live peers")
	}
}
