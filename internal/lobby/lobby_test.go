package lobby

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// fakeAuth treats "tok-<name>" as a valid session for <name>.
type fakeAuth struct{}

func (fakeAuth) Username(_ context.Context, token string) (string, error) {
	const prefix = "tok-"
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return "", errors.New("no such session")
	}
	return token[len(prefix):], nil
}

// tickClock returns strictly increasing times so join order is deterministic.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestLobby(t *testing.T, countdown time.Duration) *Lobby {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	return NewLobby(ctx, "TEST01", Config{
		Auth:      fakeAuth{},
		Countdown: countdown,
		Now:       (&tickClock{t: time.Date(2025, 12, 4, 20, 0, 0, 0, time.UTC)}).Now,
		Logger:    zaptest.NewLogger(t),
	})
}

// helper: receive one event with a timeout so tests never hang
func recvEvent(t *testing.T, ch <-chan Event, within time.Duration) Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			t.Fatalf("client outbox closed unexpectedly")
		}
		return evt
	case <-time.After(within):
		t.Fatalf("timed out waiting for event")
		return Event{} // unreachable
	}
}

func recvNoEvent(t *testing.T, ch <-chan Event, within time.Duration) {
	t.Helper()
	select {
	case evt, ok := <-ch:
		if !ok {
			// channel closed → that's fine; no further events possible
			return
		}
		t.Fatalf("expected no event within %v, but got: %+v", within, evt)
	case <-time.After(within):
		// good: no event
	}
}

func subscribe(t *testing.T, l *Lobby, id string) chan Event {
	t.Helper()
	out := make(chan Event, 16)
	l.Inbox() <- Subscribe{ClientID: id, Outbox: out}
	first := recvEvent(t, out, 100*time.Millisecond)
	if first.Type != EvtSnapshot {
		t.Fatalf("subscribe: want initial %s, got %s", EvtSnapshot, first.Type)
	}
	return out
}

func mustView(t *testing.T, l *Lobby) View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	v, err := l.View(ctx)
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	return v
}

func usernames(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Username
	}
	return out
}

func TestLobby_Join_BroadcastsSnapshotAndVersionIncrements(t *testing.T) {
	l := newTestLobby(t, time.Minute)
	ctx := context.Background()

	out := make(chan Event, 4)
	l.Inbox() <- Subscribe{ClientID: "c1", Outbox: out}

	first := recvEvent(t, out, 100*time.Millisecond)
	if first.Snapshot.Version != 0 || len(first.Snapshot.Entries) != 0 {
		t.Fatalf("after subscribe: want empty version 0, got %+v", first.Snapshot)
	}
	if first.Snapshot.State != StateOpen {
		t.Fatalf("new lobby should be open, got %s", first.Snapshot.State)
	}

	if err := l.Join(ctx, "tok-alice", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	next := recvEvent(t, out, 100*time.Millisecond)
	if next.Type != EvtSnapshot || next.Snapshot.Version != 1 {
		t.Fatalf("after join: want snapshot version 1, got %s v%d", next.Type, next.Snapshot.Version)
	}
	if got := usernames(next.Snapshot.Entries); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("after join: want [alice], got %v", got)
	}
	if next.Snapshot.Host != "alice" {
		t.Fatalf("host: want alice, got %q", next.Snapshot.Host)
	}
}

func TestLobby_Join_IsIdempotent(t *testing.T) {
	l := newTestLobby(t, time.Minute)
	ctx := context.Background()
	out := subscribe(t, l, "c1")

	if err := l.Join(ctx, "tok-alice", ""); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := l.SetReady(ctx, "tok-alice"); err != nil {
		t.Fatalf("ready: %v", err)
	}
	before := mustView(t, l).Entries[0]

	if err := l.Join(ctx, "tok-alice", "alice"); err != nil {
		t.Fatalf("second join: %v", err)
	}

	v := mustView(t, l)
	if len(v.Entries) != 1 {
		t.Fatalf("want exactly one entry, got %v", usernames(v.Entries))
	}
	if v.Entries[0] != before {
		t.Fatalf("second join changed entry: before %+v after %+v", before, v.Entries[0])
	}

	// join, ready, join -> three broadcasts
	for i := 1; i <= 3; i++ {
		evt := recvEvent(t, out, 100*time.Millisecond)
		if evt.Snapshot.Version != i {
			t.Fatalf("broadcast %d: got version %d", i, evt.Snapshot.Version)
		}
	}
}

func TestLobby_SetReady_UnknownPlayerRejected(t *testing.T) {
	l := newTestLobby(t, time.Minute)
	out := subscribe(t, l, "c1")

	err := l.SetReady(context.Background(), "tok-mallory")
	if !errors.Is(err, ErrNotInLobby) {
		t.Fatalf("want ErrNotInLobby, got %v", err)
	}

	recvNoEvent(t, out, 50*time.Millisecond)
	if v := mustView(t, l); len(v.Entries) != 0 || v.Version != 0 {
		t.Fatalf("rejected setReady must not change the lobby: %+v", v.Snapshot)
	}
}

func TestLobby_SetReady_AlreadyReadyStillBroadcasts(t *testing.T) {
	l := newTestLobby(t, time.Minute)
	ctx := context.Background()
	if err := l.Join(ctx, "tok-alice", ""); err != nil {
		t.Fatal(err)
	}
	if err := l.SetReady(ctx, "tok-alice"); err != nil {
		t.Fatal(err)
	}
	out := subscribe(t, l, "c1")

	if err := l.SetReady(ctx, "tok-alice"); err != nil {
		t.Fatalf("second ready: %v", err)
	}
	evt := recvEvent(t, out, 100*time.Millisecond)
	if !evt.Snapshot.Entries[0].Ready {
		t.Fatalf("entry should stay ready")
	}
}

func TestLobby_RejectsUnauthenticated(t *testing.T) {
	l := newTestLobby(t, time.Minute)
	ctx := context.Background()
	out := subscribe(t, l, "c1")

	cases := []struct {
		name string
		call func() error
	}{
		{"join with bad token", func() error { return l.Join(ctx, "garbage", "") }},
		{"join as someone else", func() error { return l.Join(ctx, "tok-bob", "alice") }},
		{"ready with bad token", func() error { return l.SetReady(ctx, "") }},
		{"leave with bad token", func() error { return l.Leave(ctx, "nope") }},
		{"start with bad token", func() error { return l.StartCountdown(ctx, "nope") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.call(); !errors.Is(err, ErrNotAuthenticated) {
				t.Fatalf("want ErrNotAuthenticated, got %v", err)
			}
		})
	}

	recvNoEvent(t, out, 50*time.Millisecond)
	if v := mustView(t, l); len(v.Entries) != 0 {
		t.Fatalf("unauthenticated calls created entries: %v", usernames(v.Entries))
	}
}

func TestLobby_Leave_RemovesEntryAndMovesHost(t *testing.T) {
	l := newTestLobby(t, time.Minute)
	ctx := context.Background()

	for _, name := range []string{"alice", "bob", "carol"} {
		if err := l.Join(ctx, "tok-"+name, name); err != nil {
			t.Fatal(err)
		}
	}
	if v := mustView(t, l); v.Host != "alice" {
		t.Fatalf("host: want alice, got %q", v.Host)
	}

	if err := l.Leave(ctx, "tok-alice"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	v := mustView(t, l)
	if got := usernames(v.Entries); fmt.Sprint(got) != "[bob carol]" {
		t.Fatalf("entries after leave: %v", got)
	}
	if v.Host != "bob" {
		t.Fatalf("host after leave: want bob, got %q", v.Host)
	}

	if err := l.Leave(ctx, "tok-alice"); !errors.Is(err, ErrNotInLobby) {
		t.Fatalf("second leave: want ErrNotInLobby, got %v", err)
	}
}

func TestLobby_Unsubscribe_KeepsEntry(t *testing.T) {
	l := newTestLobby(t, time.Minute)
	ctx := context.Background()
	out := subscribe(t, l, "c1")

	if err := l.Join(ctx, "tok-alice", ""); err != nil {
		t.Fatal(err)
	}
	_ = recvEvent(t, out, 100*time.Millisecond)

	l.Unsubscribe("c1")
	if _, ok := <-out; ok {
		t.Fatalf("outbox should be closed after unsubscribe")
	}

	v := mustView(t, l)
	if v.NumClients != 0 {
		t.Fatalf("NumClients: want 0, got %d", v.NumClients)
	}
	if len(v.Entries) != 1 {
		t.Fatalf("disconnect must not evict the player: %v", usernames(v.Entries))
	}
}

func TestAllReady(t *testing.T) {
	cases := []struct {
		name    string
		entries []Entry
		want    bool
	}{
		{"empty lobby", nil, false},
		{"one not ready", []Entry{{Username: "a", Ready: true}, {Username: "b"}}, false},
		{"single not ready", []Entry{{Username: "a"}}, false},
		{"all ready", []Entry{{Username: "a", Ready: true}, {Username: "b", Ready: true}}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := AllReady(tc.entries); got != tc.want {
				t.Fatalf("AllReady: got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLobby_StartCountdown_OnlyHost(t *testing.T) {
	l := newTestLobby(t, time.Minute)
	ctx := context.Background()

	if err := l.StartCountdown(ctx, "tok-alice"); !errors.Is(err, ErrNotHost) {
		t.Fatalf("empty lobby: want ErrNotHost, got %v", err)
	}

	_ = l.Join(ctx, "tok-alice", "")
	_ = l.Join(ctx, "tok-bob", "")

	if err := l.StartCountdown(ctx, "tok-bob"); !errors.Is(err, ErrNotHost) {
		t.Fatalf("non-host: want ErrNotHost, got %v", err)
	}
	if v := mustView(t, l); v.State != StateOpen {
		t.Fatalf("rejected start changed state to %s", v.State)
	}
}

func TestLobby_StartCountdown_TwiceSchedulesOneStart(t *testing.T) {
	l := newTestLobby(t, 150*time.Millisecond)
	ctx := context.Background()
	_ = l.Join(ctx, "tok-alice", "")
	out := subscribe(t, l, "c1")

	if err := l.StartCountdown(ctx, "tok-alice"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := l.StartCountdown(ctx, "tok-alice"); !errors.Is(err, ErrCountdownActive) {
		t.Fatalf("second start: want ErrCountdownActive, got %v", err)
	}

	evt := recvEvent(t, out, 100*time.Millisecond)
	if evt.Type != EvtCountdownStarted || evt.Snapshot.State != StateCountingDown {
		t.Fatalf("want countdownStarted, got %s (%s)", evt.Type, evt.Snapshot.State)
	}

	// Ready toggles and joins during the countdown are accepted and do not cancel it.
	if err := l.SetReady(ctx, "tok-alice"); err != nil {
		t.Fatalf("ready during countdown: %v", err)
	}
	if err := l.Join(ctx, "tok-bob", ""); err != nil {
		t.Fatalf("join during countdown: %v", err)
	}
	_ = recvEvent(t, out, 100*time.Millisecond)
	_ = recvEvent(t, out, 100*time.Millisecond)

	started := recvEvent(t, out, time.Second)
	if started.Type != EvtGameStarted || started.Snapshot.State != StateStarted {
		t.Fatalf("want gameStarted, got %s (%s)", started.Type, started.Snapshot.State)
	}
	recvNoEvent(t, out, 300*time.Millisecond)

	select {
	case <-l.Started():
	default:
		t.Fatalf("Started() should be closed")
	}

	if err := l.Join(ctx, "tok-carol", ""); !errors.Is(err, ErrLobbyStarted) {
		t.Fatalf("join after start: want ErrLobbyStarted, got %v", err)
	}
	if err := l.StartCountdown(ctx, "tok-alice"); !errors.Is(err, ErrLobbyStarted) {
		t.Fatalf("start after start: want ErrLobbyStarted, got %v", err)
	}
}

func TestLobby_Scenario_TwoPlayersReadyThenStart(t *testing.T) {
	l := newTestLobby(t, 100*time.Millisecond)
	ctx := context.Background()

	aliceOut := subscribe(t, l, "alice-conn")
	bobOut := subscribe(t, l, "bob-conn")

	_ = l.Join(ctx, "tok-alice", "alice")
	_ = l.Join(ctx, "tok-bob", "bob")
	if v := mustView(t, l); v.AllReady {
		t.Fatalf("allReady before anyone is ready")
	}

	_ = l.SetReady(ctx, "tok-alice")
	if v := mustView(t, l); v.AllReady {
		t.Fatalf("allReady with bob not ready")
	}
	_ = l.SetReady(ctx, "tok-bob")

	v := mustView(t, l)
	if !v.AllReady || v.Host != "alice" {
		t.Fatalf("want allReady with host alice, got allReady=%v host=%q", v.AllReady, v.Host)
	}

	if err := l.StartCountdown(ctx, "tok-alice"); err != nil {
		t.Fatalf("start: %v", err)
	}

	for name, out := range map[string]chan Event{"alice": aliceOut, "bob": bobOut} {
		var got []EventType
		deadline := time.After(time.Second)
	drain:
		for {
			select {
			case evt := <-out:
				got = append(got, evt.Type)
				if evt.Type == EvtGameStarted {
					break drain
				}
			case <-deadline:
				t.Fatalf("%s never received gameStarted; got %v", name, got)
			}
		}
		if got[len(got)-2] != EvtCountdownStarted {
			t.Fatalf("%s: countdownStarted should precede gameStarted, got %v", name, got)
		}
	}
}

func TestLobby_Shutdown_StopsTimer_NoFire(t *testing.T) {
	l := newTestLobby(t, 200*time.Millisecond)
	ctx := context.Background()
	_ = l.Join(ctx, "tok-alice", "")
	out := subscribe(t, l, "c1")

	if err := l.StartCountdown(ctx, "tok-alice"); err != nil {
		t.Fatal(err)
	}
	_ = recvEvent(t, out, 100*time.Millisecond)

	l.Inbox() <- Shutdown{}

	// Now assert no *new* event shows up (or channel is closed)
	recvNoEvent(t, out, 400*time.Millisecond)

	select {
	case <-l.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("lobby did not stop")
	}
	select {
	case <-l.Started():
		t.Fatalf("countdown fired after shutdown")
	default:
	}

	if err := l.Join(ctx, "tok-bob", ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("join on closed lobby: want ErrClosed, got %v", err)
	}
}

func TestLobby_DropSlowClient(t *testing.T) {
	l := newTestLobby(t, time.Minute)

	out := make(chan Event, 1)
	l.Inbox() <- Subscribe{ClientID: "ch1", Outbox: out}

	// The initial snapshot fills the buffer, so the join broadcast overflows it.
	if err := l.Join(context.Background(), "tok-alice", ""); err != nil {
		t.Fatal(err)
	}

	view := mustView(t, l)
	if view.NumClients != 0 {
		t.Fatalf("expected slow client to be dropped; NumClients=%d", view.NumClients)
	}
}

func TestLobby_ConcurrentJoinsAreSerialized(t *testing.T) {
	l := newTestLobby(t, time.Minute)
	ctx := context.Background()

	const players = 20
	out := make(chan Event, players+1)
	l.Inbox() <- Subscribe{ClientID: "watcher", Outbox: out}
	_ = recvEvent(t, out, 100*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < players; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("p%02d", i)
			if err := l.Join(ctx, "tok-"+name, name); err != nil {
				t.Errorf("join %s: %v", name, err)
			}
		}(i)
	}
	wg.Wait()

	prev := 0
	for i := 0; i < players; i++ {
		evt := recvEvent(t, out, 100*time.Millisecond)
		if evt.Snapshot.Version != prev+1 {
			t.Fatalf("versions must be consecutive: got %d after %d", evt.Snapshot.Version, prev)
		}
		if len(evt.Snapshot.Entries) != evt.Snapshot.Version {
			t.Fatalf("snapshot v%d has %d entries; partial state leaked", evt.Snapshot.Version, len(evt.Snapshot.Entries))
		}
		prev = evt.Snapshot.Version
	}
}
