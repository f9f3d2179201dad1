// Package hub owns the set of live lobbies, keyed by join code.
package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/xss-ctf-backend/internal/lobby"
)

// DefaultCode is the lobby clients land in when they do not name one.
const DefaultCode = "MAIN"

// DefaultRetireAfter is how long a started lobby stays registered so its
// players still see the final snapshot.
const DefaultRetireAfter = 30 * time.Second

type HubMsg interface{ isHubMsg() }

// CreateLobby returns the lobby for Code, creating it if needed.
type CreateLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

// EnsureLobby is CreateLobby that also replaces a lobby whose match already
// started, since a started lobby accepts no further players.
type EnsureLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type RemoveLobby struct {
	Code string
}

type ListLobbies struct {
	Reply chan []string
}

// retireLobby drops Lobby if it is still the one registered under Code.
type retireLobby struct {
	Code  string
	Lobby *lobby.Lobby
}

type Hub struct {
	inbox       chan HubMsg
	lobbies     map[string]*lobby.Lobby
	cfg         lobby.Config
	retireAfter time.Duration
	log         *zap.Logger
	done        chan struct{}
	ctx         context.Context
	cancel      context.CancelFunc
}

type Option func(*Hub)

func WithRetireAfter(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.retireAfter = d
		}
	}
}

type ShutdownHub struct{}

func (CreateLobby) isHubMsg() {}
func (GetLobby) isHubMsg()    {}
func (EnsureLobby) isHubMsg() {}
func (RemoveLobby) isHubMsg() {}
func (ListLobbies) isHubMsg() {}
func (ShutdownHub) isHubMsg() {}
func (retireLobby) isHubMsg() {}

func NewHub(parent context.Context, cfg lobby.Config, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		inbox:       make(chan HubMsg, 64),
		lobbies:     make(map[string]*lobby.Lobby),
		cfg:         cfg,
		retireAfter: DefaultRetireAfter,
		log:         cfg.Logger.Named("hub"),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Done is closed once the hub and all of its lobbies have shut down.
func (h *Hub) Done() <-chan struct{} { return h.done }

// Get returns the lobby for code, or nil if there is none.
func (h *Hub) Get(ctx context.Context, code string) *lobby.Lobby {
	reply := make(chan *lobby.Lobby, 1)
	return h.ask(ctx, GetLobby{Code: code, Reply: reply}, reply)
}

// Ensure returns an open lobby for code, replacing one whose match started.
func (h *Hub) Ensure(ctx context.Context, code string) *lobby.Lobby {
	reply := make(chan *lobby.Lobby, 1)
	return h.ask(ctx, EnsureLobby{Code: code, Reply: reply}, reply)
}

// Shutdown stops every lobby, disposing of pending countdowns, and waits for
// the hub to exit or ctx to end.
func (h *Hub) Shutdown(ctx context.Context) error {
	select {
	case h.inbox <- ShutdownHub{}:
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) ask(ctx context.Context, msg HubMsg, reply <-chan *lobby.Lobby) *lobby.Lobby {
	select {
	case h.inbox <- msg:
	case <-h.done:
		return nil
	case <-ctx.Done():
		return nil
	}

	select {
	case lb := <-reply:
		return lb
	case <-h.done:
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateLobby:
				if lb := h.lobbies[msg.Code]; lb != nil {
					msg.Reply <- lb
					break
				}
				msg.Reply <- h.open(msg.Code)

			case GetLobby:
				msg.Reply <- h.lobbies[msg.Code] // May be nil

			case EnsureLobby:
				if lb := h.lobbies[msg.Code]; lb != nil {
					if !finished(lb) {
						msg.Reply <- lb
						break
					}
					lb.Close()
					h.log.Info("replacing finished lobby", zap.String("code", msg.Code))
				}
				msg.Reply <- h.open(msg.Code)

			case RemoveLobby:
				if lb := h.lobbies[msg.Code]; lb != nil {
					lb.Close()
					delete(h.lobbies, msg.Code)
				}

			case retireLobby:
				if h.lobbies[msg.Code] != msg.Lobby {
					break // Already replaced or removed
				}
				msg.Lobby.Close()
				delete(h.lobbies, msg.Code)
				h.log.Info("lobby retired", zap.String("code", msg.Code))

			case ListLobbies:
				codes := make([]string, 0, len(h.lobbies))
				for code := range h.lobbies {
					codes = append(codes, code)
				}
				msg.Reply <- codes

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) open(code string) *lobby.Lobby {
	lb := lobby.NewLobby(h.ctx, code, h.cfg)
	h.lobbies[code] = lb
	h.log.Info("lobby opened", zap.String("code", code))
	go h.watch(code, lb)
	return lb
}

// watch retires lb once it has been started for retireAfter, or as soon as it
// stops on its own.
func (h *Hub) watch(code string, lb *lobby.Lobby) {
	select {
	case <-lb.Started():
		t := time.NewTimer(h.retireAfter)
		defer t.Stop()
		select {
		case <-t.C:
		case <-lb.Done():
		case <-h.ctx.Done():
			return
		}
	case <-lb.Done():
	case <-h.ctx.Done():
		return
	}
	select {
	case h.inbox <- retireLobby{Code: code, Lobby: lb}:
	case <-h.done:
	}
}

func (h *Hub) shutdown() {
	for _, lb := range h.lobbies {
		lb.Close()
	}
	for _, lb := range h.lobbies {
		<-lb.Done()
	}
	clear(h.lobbies)
	h.cancel()
}

func finished(lb *lobby.Lobby) bool {
	select {
	case <-lb.Started():
		return true
	case <-lb.Done():
		return true
	default:
		return false
	}
}
