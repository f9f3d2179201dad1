package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/xss-ctf-backend/internal/game"
)

type loginRequest struct {
	Username string `json:"username"`
}

type flagRequest struct {
	Flag string `json:"flag"`
}

func (a *api) info(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{
		"name":     "xss-ctf-backend",
		"status":   "active",
		"levels":   a.game.Levels(),
		"database": a.storeDriver,
	})
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	h, err := a.game.Health(r.Context())
	if err != nil {
		a.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    h.Status,
			"error":     "session store unavailable",
			"timestamp": h.Timestamp.Format(time.RFC3339),
		})
		return
	}
	writeOK(w, h)
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	req, err := requestBody[loginRequest](w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.game.Login(r.Context(), req.Username)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	a.setSessionCookie(w, res.Token, res.ExpiresAt)
	writeOK(w, map[string]any{
		"ok":        true,
		"token":     res.Token,
		"username":  res.Username,
		"expiresAt": res.ExpiresAt,
		"message":   "Login successful",
	})
}

func (a *api) logout(w http.ResponseWriter, r *http.Request) {
	if err := a.game.Logout(r.Context(), a.token(r)); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.clearSessionCookie(w)
	writeOK(w, map[string]any{"ok": true, "message": "Logged out successfully"})
}

func (a *api) profile(w http.ResponseWriter, r *http.Request) {
	p, err := a.game.Profile(r.Context(), a.token(r))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, map[string]any{
		"ok":       true,
		"username": p.Username,
		"progress": p.Progress,
	})
}

func (a *api) submitFlag(w http.ResponseWriter, r *http.Request) {
	req, err := requestBody[flagRequest](w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	res, err := a.game.SubmitFlag(r.Context(), a.token(r), req.Flag)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	// A wrong flag is a normal outcome, not a failed request.
	if !res.Accepted {
		writeOK(w, map[string]any{
			"ok":       false,
			"error":    res.Reason,
			"progress": res.Progress,
		})
		return
	}
	writeOK(w, map[string]any{
		"ok":       true,
		"message":  res.Message,
		"points":   res.Points,
		"progress": res.Progress,
	})
}

func (a *api) leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			a.writeError(w, r, game.ErrInvalidInput)
			return
		}
		limit = n
	}

	board, err := a.game.Leaderboard(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeOK(w, map[string]any{"ok": true, "leaderboard": board})
}
