// Package ws serves the lobby over a websocket: lobby events are pushed to the
// client and client actions are forwarded to the lobby actor.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/xss-ctf-backend/internal/hub"
	"github.com/DoyleJ11/xss-ctf-backend/internal/lobby"
	"github.com/DoyleJ11/xss-ctf-backend/pkg/types"
)

const (
	writeTimeout = 3 * time.Second
	pingInterval = 25 * time.Second
	outboxSize   = 16
)

var errUnknownType = errors.New("unknown message type")

type Config struct {
	Hub  *hub.Hub
	Auth lobby.Authenticator

	// Token extracts the session token from the upgrade request.
	Token func(*http.Request) string

	OriginPatterns []string
	Logger         *zap.Logger
}

func Handler(cfg Config) http.HandlerFunc {
	log := zap.NewNop()
	if cfg.Logger != nil {
		log = cfg.Logger.Named("ws")
	}

	return func(w http.ResponseWriter, r *http.Request) {
		token := cfg.Token(r)
		username, err := cfg.Auth.Username(r.Context(), token)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		code := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("code")))
		var lb *lobby.Lobby
		if code == "" || code == hub.DefaultCode {
			lb = cfg.Hub.Ensure(r.Context(), hub.DefaultCode)
		} else {
			lb = cfg.Hub.Get(r.Context(), code)
		}
		if lb == nil {
			http.Error(w, "lobby not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: cfg.OriginPatterns})
		if err != nil {
			log.Debug("accept failed", zap.Error(err))
			return
		}
		defer conn.CloseNow()

		clientID := uuid.NewString()
		log := log.With(zap.String("client", clientID), zap.String("lobby", lb.Code()), zap.String("username", username))

		out := make(chan lobby.Event, outboxSize)
		select {
		case lb.Inbox() <- lobby.Subscribe{ClientID: clientID, Outbox: out}:
		case <-lb.Done():
			conn.Close(websocket.StatusGoingAway, "lobby closed")
			return
		}
		// Disconnecting only detaches the socket; the player stays in the lobby.
		defer lb.Unsubscribe(clientID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		log.Debug("client connected")
		go writeLoop(ctx, cancel, conn, out, lb.Done(), log)
		go pingLoop(ctx, cancel, conn)

		readLoop(ctx, conn, lb, token, log)
		log.Debug("client disconnected")
	}
}

// writeLoop drains the outbox until the lobby closes it, which happens on
// unsubscribe, on shutdown, or when this client fell too far behind. It also
// stops when the connection ends or the lobby stops, since a Subscribe that
// lands in a stopping lobby's inbox never gets its outbox closed.
func writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out <-chan lobby.Event, lobbyDone <-chan struct{}, log *zap.Logger) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-out:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "lobby closed")
				return
			}
			if err := write(ctx, conn, Message(evt)); err != nil {
				log.Debug("write failed", zap.Error(err))
				return
			}

		case <-lobbyDone:
			flush(ctx, conn, out)
			conn.Close(websocket.StatusGoingAway, "lobby closed")
			return
		}
	}
}

// flush writes whatever is already buffered in out without waiting for more.
func flush(ctx context.Context, conn *websocket.Conn, out <-chan lobby.Event) {
	for {
		select {
		case evt, ok := <-out:
			if !ok || write(ctx, conn, Message(evt)) != nil {
				return
			}
		default:
			return
		}
	}
}

func pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, pcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			pcancel()
			if err != nil {
				cancel()
				return
			}
		}
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, lb *lobby.Lobby, token string, log *zap.Logger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					log.Debug("read failed", zap.Error(err))
				}
			}
			return
		}

		var cm types.ClientMessage
		if err := json.Unmarshal(data, &cm); err != nil {
			_ = write(ctx, conn, types.ServerMessage{Type: types.MsgError, Error: "bad json"})
			continue
		}

		if err := dispatch(ctx, lb, token, cm); err != nil {
			if errors.Is(err, lobby.ErrClosed) {
				return
			}
			_ = write(ctx, conn, types.ErrorMessage(err))
		}
	}
}

func dispatch(ctx context.Context, lb *lobby.Lobby, token string, cm types.ClientMessage) error {
	switch cm.Type {
	case types.MsgJoin:
		return lb.Join(ctx, token, cm.Username)
	case types.MsgSetReady:
		return lb.SetReady(ctx, token)
	case types.MsgLeave:
		return lb.Leave(ctx, token)
	case types.MsgStartCountdown:
		return lb.StartCountdown(ctx, token)
	default:
		return errUnknownType
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
