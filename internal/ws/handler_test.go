package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/DoyleJ11/xss-ctf-backend/internal/hub"
	"github.com/DoyleJ11/xss-ctf-backend/internal/lobby"
	"github.com/DoyleJ11/xss-ctf-backend/pkg/types"
)

type fakeAuth struct{}

func (fakeAuth) Username(_ context.Context, token string) (string, error) {
	if name, ok := strings.CutPrefix(token, "tok-"); ok && name != "" {
		return name, nil
	}
	return "", errors.New("unknown token")
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func newServer(t *testing.T) (*httptest.Server, *hub.Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.NewHub(ctx, lobby.Config{
		Auth:      fakeAuth{},
		Countdown: 50 * time.Millisecond,
		Logger:    zaptest.NewLogger(t),
	})
	srv := httptest.NewServer(Handler(Config{Hub: h, Auth: fakeAuth{}, Token: bearer, Logger: zaptest.NewLogger(t)}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-h.Done()
	})
	return srv, h
}

func dial(t *testing.T, srv *httptest.Server, token, code string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?code=" + code
	return websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
}

func recv(t *testing.T, conn *websocket.Conn) types.ServerMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg types.ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msg types.ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestWriteLoop_StopsWhenConnectionEndsWithOutboxOpen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan lobby.Event, 1)
	lobbyDone := make(chan struct{})

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		// The outbox is never closed, as when Subscribe reached a lobby that
		// was already shutting down.
		writeLoop(ctx, cancel, nil, out, lobbyDone, zaptest.NewLogger(t))
	}()

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("writer still running after the connection ended")
	}
}

func TestHandler_ClosesSocketWhenLobbyStops(t *testing.T) {
	srv, h := newServer(t)

	alice, _, err := dial(t, srv, "tok-alice", "")
	require.NoError(t, err)
	defer alice.CloseNow()
	recv(t, alice)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	rctx, rcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer rcancel()
	_, _, err = alice.Read(rctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}

func TestHandler_RejectsWithoutSession(t *testing.T) {
	srv, _ := newServer(t)

	_, resp, err := dial(t, srv, "garbage", "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_UnknownLobby(t *testing.T) {
	srv, _ := newServer(t)

	_, resp, err := dial(t, srv, "tok-alice", "NOPE42")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_LobbyFlow(t *testing.T) {
	srv, _ := newServer(t)

	alice, _, err := dial(t, srv, "tok-alice", "")
	require.NoError(t, err)
	defer alice.CloseNow()

	first := recv(t, alice)
	assert.Equal(t, types.MsgLobbySnapshot, first.Type)
	require.NotNil(t, first.LobbySnapshot)
	assert.Equal(t, hub.DefaultCode, first.Code)
	assert.Empty(t, first.Entries)

	send(t, alice, types.ClientMessage{Type: types.MsgJoin, Username: "alice"})
	joined := recv(t, alice)
	assert.Equal(t, "alice", joined.Host)
	assert.Greater(t, joined.Version, first.Version)

	// Someone else's name is refused.
	send(t, alice, types.ClientMessage{Type: types.MsgJoin, Username: "mallory"})
	refused := recv(t, alice)
	assert.Equal(t, types.MsgError, refused.Type)
	assert.Contains(t, refused.Error, lobby.ErrNotAuthenticated.Error())

	send(t, alice, types.ClientMessage{Type: "dance"})
	unknown := recv(t, alice)
	assert.Equal(t, types.MsgError, unknown.Type)

	send(t, alice, types.ClientMessage{Type: types.MsgSetReady})
	ready := recv(t, alice)
	assert.True(t, ready.AllReady)

	send(t, alice, types.ClientMessage{Type: types.MsgStartCountdown})
	counting := recv(t, alice)
	assert.Equal(t, types.MsgCountdownStarted, counting.Type)
	assert.Equal(t, string(lobby.StateCountingDown), counting.State)

	started := recv(t, alice)
	assert.Equal(t, types.MsgGameStarted, started.Type)
	assert.Equal(t, string(lobby.StateStarted), started.State)
}

func TestHandler_NonHostCannotStart(t *testing.T) {
	srv, _ := newServer(t)

	alice, _, err := dial(t, srv, "tok-alice", "")
	require.NoError(t, err)
	defer alice.CloseNow()
	recv(t, alice)
	send(t, alice, types.ClientMessage{Type: types.MsgJoin})
	recv(t, alice)

	bob, _, err := dial(t, srv, "tok-bob", "")
	require.NoError(t, err)
	defer bob.CloseNow()
	recv(t, bob)
	send(t, bob, types.ClientMessage{Type: types.MsgJoin})
	joined := recv(t, bob)
	assert.Equal(t, "alice", joined.Host)
	assert.Len(t, joined.Entries, 2)

	send(t, bob, types.ClientMessage{Type: types.MsgStartCountdown})
	msg := recv(t, bob)
	assert.Equal(t, types.MsgError, msg.Type)
	assert.Equal(t, lobby.ErrNotHost.Error(), msg.Error)
}
