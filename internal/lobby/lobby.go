// Package lobby runs the pre-game lobby: players join, mark themselves ready,
// and the host starts a countdown after which the match begins.
//
// Each Lobby is an actor. Every mutation enters through its inbox and is fully
// applied and broadcast before the next message is read.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
)

var ErrNotAuthenticated = errors.New("not authenticated")
var ErrNotInLobby = errors.New("player not in lobby")
var ErrNotHost = errors.New("only the host can start the countdown")
var ErrCountdownActive = errors.New("countdown already started")
var ErrLobbyStarted = errors.New("lobby already started")
var ErrClosed = errors.New("lobby closed")

const DefaultCountdown = 30 * time.Second

type State string

const (
	StateOpen         State = "open"
	StateCountingDown State = "counting_down"
	StateStarted      State = "started"
)

// Authenticator maps a session token to the username that owns it.
type Authenticator interface {
	Username(ctx context.Context, token string) (string, error)
}

type Entry struct {
	Username string    `json:"username"`
	Ready    bool      `json:"ready"`
	JoinedAt time.Time `json:"joined_at"`
}

type EventType string

const (
	EvtSnapshot         EventType = "lobbySnapshot"
	EvtCountdownStarted EventType = "countdownStarted"
	EvtGameStarted      EventType = "gameStarted"
)

// Event is what subscribers receive. Every event carries the snapshot that
// produced it.
type Event struct {
	Type     EventType
	Seconds  int
	Snapshot Snapshot
}

type Snapshot struct {
	Code     string
	Version  int
	State    State
	Entries  []Entry
	Host     string
	AllReady bool
}

type View struct {
	Snapshot
	NumClients int
}

type Config struct {
	Auth      Authenticator
	Countdown time.Duration
	Now       func() time.Time
	Logger    *zap.Logger
}

type Msg interface{ isLobbyMsg() }

// Subscribe attaches a connection. Outbox must be buffered; a subscriber whose
// outbox is full when an event is published is dropped.
type Subscribe struct {
	ClientID string
	Outbox   chan Event // where this client wants to receive events
}

func (Subscribe) isLobbyMsg() {}

// Unsubscribe detaches a connection. It does not remove the player's entry.
type Unsubscribe struct{ ClientID string }

func (Unsubscribe) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type join struct {
	Username string
	Reply    chan error
}

func (join) isLobbyMsg() {}

type setReady struct {
	Username string
	Reply    chan error
}

func (setReady) isLobbyMsg() {}

type leave struct {
	Username string
	Reply    chan error
}

func (leave) isLobbyMsg() {}

type startCountdown struct {
	Username string
	Reply    chan error
}

func (startCountdown) isLobbyMsg() {}

type countdownElapsed struct{}

func (countdownElapsed) isLobbyMsg() {}

type Lobby struct {
	code      string
	inbox     chan Msg
	state     State
	version   int
	entries   []Entry
	clients   map[string]chan Event
	timer     *time.Timer
	countdown time.Duration
	auth      Authenticator
	now       func() time.Time
	log       *zap.Logger
	started   chan struct{}
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewLobby(parent context.Context, code string, cfg Config) *Lobby {
	ctx, cancel := context.WithCancel(parent)

	if cfg.Countdown <= 0 {
		cfg.Countdown = DefaultCountdown
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	l := &Lobby{
		code:      code,
		inbox:     make(chan Msg, 64), // Small buffer
		state:     StateOpen,
		clients:   make(map[string]chan Event),
		countdown: cfg.Countdown,
		auth:      cfg.Auth,
		now:       cfg.Now,
		log:       cfg.Logger.With(zap.String("lobby", code)),
		started:   make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}

	go l.loop()
	return l
}

func (l *Lobby) Code() string { return l.code }

// Inbox exposes the control messages (Subscribe, Unsubscribe, GetState, Shutdown).
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Started is closed once the countdown has elapsed.
func (l *Lobby) Started() <-chan struct{} { return l.started }

// Done is closed when the lobby has shut down.
func (l *Lobby) Done() <-chan struct{} { return l.done }

// Join adds the token's owner to the lobby. Joining twice leaves the entry as is.
// username, when set, must match the session.
func (l *Lobby) Join(ctx context.Context, token, username string) error {
	name, err := l.authenticate(ctx, token)
	if err != nil {
		return err
	}
	if username != "" && username != name {
		return ErrNotAuthenticated
	}

	reply := make(chan error, 1)
	return l.request(ctx, join{Username: name, Reply: reply}, reply)
}

func (l *Lobby) SetReady(ctx context.Context, token string) error {
	name, err := l.authenticate(ctx, token)
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	return l.request(ctx, setReady{Username: name, Reply: reply}, reply)
}

func (l *Lobby) Leave(ctx context.Context, token string) error {
	name, err := l.authenticate(ctx, token)
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	return l.request(ctx, leave{Username: name, Reply: reply}, reply)
}

// StartCountdown arms the single countdown for this lobby. Only the host may
// call it and a pending countdown is never reset.
func (l *Lobby) StartCountdown(ctx context.Context, token string) error {
	name, err := l.authenticate(ctx, token)
	if err != nil {
		return err
	}

	reply := make(chan error, 1)
	return l.request(ctx, startCountdown{Username: name, Reply: reply}, reply)
}

func (l *Lobby) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	select {
	case l.inbox <- GetState{Reply: reply}:
	case <-l.done:
		return View{}, ErrClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}

	select {
	case v := <-reply:
		return v, nil
	case <-l.done:
		return View{}, ErrClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

// Close asks the lobby to shut down without blocking on one that already stopped.
func (l *Lobby) Close() {
	select {
	case l.inbox <- Shutdown{}:
	case <-l.done:
	}
}

// Unsubscribe detaches clientID without blocking on a lobby that already stopped.
func (l *Lobby) Unsubscribe(clientID string) {
	select {
	case l.inbox <- Unsubscribe{ClientID: clientID}:
	case <-l.done:
	}
}

func (l *Lobby) authenticate(ctx context.Context, token string) (string, error) {
	if l.auth == nil {
		return "", ErrNotAuthenticated
	}
	name, err := l.auth.Username(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAuthenticated, err)
	}
	return name, nil
}

func (l *Lobby) request(ctx context.Context, msg Msg, reply <-chan error) error {
	select {
	case l.inbox <- msg:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lobby) loop() {
	defer close(l.done)

	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Subscribe:
				// Register client + send current snapshot immediately
				l.clients[msg.ClientID] = msg.Outbox
				l.deliver(msg.ClientID, msg.Outbox, Event{Type: EvtSnapshot, Snapshot: l.snapshot()})

			case Unsubscribe:
				if ch, ok := l.clients[msg.ClientID]; ok {
					close(ch)
					delete(l.clients, msg.ClientID)
				}

			case join:
				msg.Reply <- l.join(msg.Username)

			case setReady:
				msg.Reply <- l.setReady(msg.Username)

			case leave:
				msg.Reply <- l.leave(msg.Username)

			case startCountdown:
				msg.Reply <- l.startCountdown(msg.Username)

			case countdownElapsed:
				l.startGame()

			case GetState:
				msg.Reply <- View{Snapshot: l.snapshot(), NumClients: len(l.clients)}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) join(name string) error {
	if l.state == StateStarted {
		return ErrLobbyStarted
	}
	if l.indexOf(name) < 0 {
		l.entries = append(l.entries, Entry{Username: name, JoinedAt: l.now()})
		l.log.Info("player joined", zap.String("username", name))
	}
	l.publish(Event{Type: EvtSnapshot})
	return nil
}

func (l *Lobby) setReady(name string) error {
	if l.state == StateStarted {
		return ErrLobbyStarted
	}
	i := l.indexOf(name)
	if i < 0 {
		return ErrNotInLobby
	}
	l.entries[i].Ready = true
	l.publish(Event{Type: EvtSnapshot})
	return nil
}

func (l *Lobby) leave(name string) error {
	if l.state == StateStarted {
		return ErrLobbyStarted
	}
	i := l.indexOf(name)
	if i < 0 {
		return ErrNotInLobby
	}
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	l.log.Info("player left", zap.String("username", name))
	l.publish(Event{Type: EvtSnapshot})
	return nil
}

func (l *Lobby) startCountdown(name string) error {
	switch l.state {
	case StateCountingDown:
		return ErrCountdownActive
	case StateStarted:
		return ErrLobbyStarted
	}
	if Host(l.ordered()) != name {
		return ErrNotHost
	}

	l.state = StateCountingDown
	l.timer = time.AfterFunc(l.countdown, func() {
		select {
		case l.inbox <- countdownElapsed{}:
		case <-l.done:
		}
	})

	l.log.Info("countdown started", zap.String("host", name), zap.Duration("countdown", l.countdown))
	l.publish(Event{Type: EvtCountdownStarted, Seconds: int(l.countdown.Round(time.Second) / time.Second)})
	return nil
}

func (l *Lobby) startGame() {
	if l.state != StateCountingDown {
		return
	}
	l.state = StateStarted
	l.timer = nil
	close(l.started)

	l.log.Info("game started", zap.Int("players", len(l.entries)))
	l.publish(Event{Type: EvtGameStarted})
}

func (l *Lobby) indexOf(name string) int {
	for i, e := range l.entries {
		if e.Username == name {
			return i
		}
	}
	return -1
}

func (l *Lobby) ordered() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

func (l *Lobby) snapshot() Snapshot {
	entries := l.ordered()
	return Snapshot{
		Code:     l.code,
		Version:  l.version,
		State:    l.state,
		Entries:  entries,
		Host:     Host(entries),
		AllReady: AllReady(entries),
	}
}

// publish bumps the version and sends one snapshot-bearing event to every subscriber.
func (l *Lobby) publish(evt Event) {
	l.version++
	evt.Snapshot = l.snapshot()
	for id, ch := range l.clients {
		l.deliver(id, ch, evt)
	}
}

func (l *Lobby) deliver(id string, ch chan Event, evt Event) {
	select {
	case ch <- evt:
		//ok
	default:
		// Client is slow/full - drop them.
		close(ch)
		delete(l.clients, id)
		l.log.Warn("dropped slow subscriber", zap.String("client", id))
	}
}

func (l *Lobby) shutdown() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	for id, ch := range l.clients {
		close(ch) // Tell client no more events
		delete(l.clients, id)
	}
	l.cancel()
}

// Host is the earliest joiner, or "" for an empty lobby.
func Host(ordered []Entry) string {
	if len(ordered) == 0 {
		return ""
	}
	return ordered[0].Username
}

// AllReady reports whether the lobby is non-empty and every player is ready.
func AllReady(entries []Entry) bool {
	if len(entries) == 0 {
		return false
	}
	for _, e := range entries {
		if !e.Ready {
			return false
		}
	}
	return true
}
