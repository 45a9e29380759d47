package loopback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/net/signal"
)

func newTestBoard(t *testing.T) *Board {
	board, err := OpenBoard(t.TempDir(), common.NewTestEntry(t, "board"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { board.Close() })
	return board
}

func testConfig() Config {
	return Config{
		PollInterval: 10 * time.Millisecond,
		Horizon:      time.Minute,
	}
}

func TestBoardReadAfterAndPrune(t *testing.T) {
	board := newTestBoard(t)
	start := time.Unix(1700000000, 0)

	for i := 0; i < 3; i++ {
		env := signal.Envelope{Kind: signal.KindCandidate, From: "aaa-1", ChannelID: "a/b", Timestamp: int64(i)}
		if err := board.Post(env, start.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	// Must not show up in channel "a/b"
	board.Post(signal.Envelope{Kind: signal.KindOffer, From: "x", ChannelID: "a"}, start)

	envs, cursor, err := board.ReadAfter("a/b", cursorAt("a/b", start))
	if err != nil {
		t.Fatal(err)
	}

	if len(envs) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(envs))
	}
	for i, env := range envs {
		if env.Timestamp != int64(i) || env.ChannelID != "a/b" {
			t.Fatalf("entries should be in posting order, got %+v at %d", env, i)
		}
	}

	envs, _, err = board.ReadAfter("a/b", cursor)
	if err != nil || len(envs) != 0 {
		t.Fatalf("nothing new expected after the cursor, got %d, %v", len(envs), err)
	}

	n, err := board.Prune("a/b", start.Add(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 pruned entries, got %d", n)
	}

	envs, _, _ = board.ReadAfter("a/b", cursorAt("a/b", start))
	if len(envs) != 1 || envs[0].Timestamp != 2 {
		t.Fatalf("only the last entry should remain")
	}
}

func TestBoardLatePostAfterCursor(t *testing.T) {
	board := newTestBoard(t)
	start := time.Unix(1700000000, 0)

	board.Post(signal.Envelope{Kind: signal.KindOffer, From: "bbb-2", ChannelID: "room", Timestamp: 1}, start.Add(10*time.Second))

	envs, cursor, err := board.ReadAfter("room", cursorAt("room", start))
	if err != nil || len(envs) != 1 {
		t.Fatalf("expected 1 entry, got %d, %v", len(envs), err)
	}

	// posted by a publisher whose clock lags behind
	board.Post(signal.Envelope{Kind: signal.KindAnswer, From: "aaa-1", ChannelID: "room", Timestamp: 2}, start.Add(5*time.Second))

	envs, _, err = board.ReadAfter("room", cursor)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 || envs[0].Timestamp != 2 {
		t.Fatalf("late entry should be read after the cursor, got %+v", envs)
	}
}

func TestLoopbackConcurrentPublishers(t *testing.T) {
	board := newTestBoard(t)
	ctx := context.Background()

	conf := testConfig()
	conf.PollInterval = time.Millisecond

	sub := NewTransport(board, conf, clock.New(), common.NewTestEntry(t, "subscriber"))
	defer sub.Disconnect()

	if err := sub.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	seen := make(map[string]bool)

	err := sub.Subscribe(ctx, "room", func(env signal.Envelope) {
		mu.Lock()
		seen[fmt.Sprintf("%s/%d", env.From, env.Timestamp)] = true
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	const publishers = 8
	const each = 200

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		pub := NewTransport(board, conf, clock.New(), common.NewTestEntry(t, "publisher"))
		if err := pub.Initialize(ctx); err != nil {
			t.Fatal(err)
		}

		wg.Add(1)
		go func(id string, pub *Transport) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				env := signal.Envelope{Kind: signal.KindCandidate, From: id, ChannelID: "room", Timestamp: int64(i)}
				if err := pub.Publish(ctx, env); err != nil {
					t.Error(err)
					return
				}
			}
		}(fmt.Sprintf("peer-%d", p), pub)
	}
	wg.Wait()

	deadline := time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()

		if n == publishers*each {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("lost %d envelopes", publishers*each-n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLoopbackPublishSubscribe(t *testing.T) {
	board := newTestBoard(t)
	ctx := context.Background()

	alice := NewTransport(board, testConfig(), clock.New(), common.NewTestEntry(t, "alice"))
	bob := NewTransport(board, testConfig(), clock.New(), common.NewTestEntry(t, "bob"))
	defer alice.Disconnect()
	defer bob.Disconnect()

	for _, tr := range []*Transport{alice, bob} {
		if err := tr.Initialize(ctx); err != nil {
			t.Fatal(err)
		}
		if !tr.SelfTest(ctx) {
			t.Fatalf("self test should pass")
		}
	}

	received := make(chan signal.Envelope, 4)
	if err := bob.Subscribe(ctx, "room", func(env signal.Envelope) { received <- env }); err != nil {
		t.Fatal(err)
	}

	env, _ := signal.NewEnvelope(signal.KindAnswer, "aaa-1", "bbb-2", "room", map[string]string{"type": "answer"}, time.Now())
	if err := alice.Publish(ctx, env); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-received:
		if got.Kind != signal.KindAnswer || got.To != "bbb-2" || got.Via != Name || string(got.Payload) != string(env.Payload) {
			t.Fatalf("unexpected envelope %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for answer")
	}

	bob.Unsubscribe(ctx)
	alice.Publish(ctx, env)

	select {
	case got := <-received:
		t.Fatalf("no envelope expected after Unsubscribe, got %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLoopbackClosedBoard(t *testing.T) {
	board := newTestBoard(t)
	ctx := context.Background()

	tr := NewTransport(board, testConfig(), clock.New(), common.NewTestEntry(t, "loopback"))
	if err := tr.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	board.Close()

	if tr.SelfTest(ctx) {
		t.Fatalf("self test should fail once the board is closed")
	}

	env := signal.Envelope{Kind: signal.KindOffer, From: "a", ChannelID: "room"}
	if err := tr.Publish(ctx, env); !errors.Is(err, signal.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	if err := tr.Initialize(ctx); err == nil {
		t.Fatalf("Initialize should fail on a closed board")
	}
}
