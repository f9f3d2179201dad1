package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/DoyleJ11/xss-ctf-backend/internal/game"
	"github.com/DoyleJ11/xss-ctf-backend/internal/lobby"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// requestBody decodes a JSON body. An empty body decodes to the zero value.
func requestBody[T any](w http.ResponseWriter, r *http.Request) (T, error) {
	var req T
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		return req, fmt.Errorf("%w: malformed JSON body", game.ErrInvalidInput)
	}
	return req, nil
}

func writeOK(w http.ResponseWriter, body any) {
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps err onto a status code. Details of server-side failures are
// logged, never sent.
func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch {
	case status == http.StatusServiceUnavailable:
		a.log.Warn("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "service temporarily unavailable"
	case status >= http.StatusInternalServerError:
		a.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{OK: false, Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, game.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, game.ErrUnauthorized), errors.Is(err, lobby.ErrNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, game.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lobby.ErrCountdownActive), errors.Is(err, lobby.ErrLobbyStarted):
		return http.StatusConflict
	case errors.Is(err, game.ErrTransient), errors.Is(err, lobby.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
