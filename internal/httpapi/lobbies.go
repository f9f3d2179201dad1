package httpapi

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/xss-ctf-backend/internal/game"
	"github.com/DoyleJ11/xss-ctf-backend/internal/hub"
	"github.com/DoyleJ11/xss-ctf-backend/internal/lobby"
	"github.com/DoyleJ11/xss-ctf-backend/internal/ws"
)

const maxCodeAttempts = 16

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

// createLobby opens a lobby under a fresh code. Only logged-in players may
// create one.
func (a *api) createLobby(w http.ResponseWriter, r *http.Request) {
	if _, err := a.game.Username(r.Context(), a.token(r)); err != nil {
		a.writeError(w, r, err)
		return
	}

	var lb *lobby.Lobby
	for attempt := 0; lb == nil; attempt++ {
		if attempt == maxCodeAttempts {
			a.writeError(w, r, fmt.Errorf("no free lobby code after %d attempts", maxCodeAttempts))
			return
		}
		c, err := GenerateCode()
		if err != nil {
			a.writeError(w, r, fmt.Errorf("generate code: %w", err))
			return
		}
		if a.hub.Get(r.Context(), c) != nil {
			a.log.Debug("collision on code, regenerating", zap.String("code", c))
			continue
		}
		lb = a.hub.Ensure(r.Context(), c)
		if lb == nil {
			a.writeError(w, r, lobby.ErrClosed)
			return
		}
	}

	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "code": lb.Code()})
}

// defaultLobby shows the main lobby next to everyone currently logged in.
func (a *api) defaultLobby(w http.ResponseWriter, r *http.Request) {
	lb := a.hub.Ensure(r.Context(), hub.DefaultCode)
	if lb == nil {
		a.writeError(w, r, lobby.ErrClosed)
		return
	}
	v, err := lb.View(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	players, err := a.game.Players(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, map[string]any{
		"ok":      true,
		"lobby":   ws.Snapshot(v.Snapshot),
		"clients": v.NumClients,
		"players": players,
		"count":   len(players),
	})
}

func (a *api) players(w http.ResponseWriter, r *http.Request) {
	players, err := a.game.Players(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, map[string]any{"ok": true, "players": players, "count": len(players)})
}

func (a *api) getLobby(w http.ResponseWriter, r *http.Request) {
	code := strings.ToUpper(chi.URLParam(r, "code"))
	lb := a.hub.Get(r.Context(), code)
	if lb == nil {
		a.writeError(w, r, fmt.Errorf("%w: lobby %s", game.ErrNotFound, code))
		return
	}
	a.writeLobby(w, r, lb)
}

func (a *api) listLobbies(w http.ResponseWriter, r *http.Request) {
	reply := make(chan []string, 1)
	select {
	case a.hub.Inbox() <- hub.ListLobbies{Reply: reply}:
	case <-a.hub.Done():
		a.writeError(w, r, lobby.ErrClosed)
		return
	case <-r.Context().Done():
		return
	}

	var codes []string
	select {
	case codes = <-reply:
	case <-a.hub.Done():
		a.writeError(w, r, lobby.ErrClosed)
		return
	case <-r.Context().Done():
		return
	}
	sort.Strings(codes)
	writeOK(w, map[string]any{"ok": true, "lobbies": codes})
}

func (a *api) writeLobby(w http.ResponseWriter, r *http.Request, lb *lobby.Lobby) {
	v, err := lb.View(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, map[string]any{
		"ok":      true,
		"lobby":   ws.Snapshot(v.Snapshot),
		"clients": v.NumClients,
	})
}
