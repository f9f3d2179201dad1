// Package types holds the JSON messages exchanged over the lobby websocket.
package types

import "time"

// Client -> Server message types.
const (
	MsgJoin           = "join"
	MsgSetReady       = "setReady"
	MsgLeave          = "leave"
	MsgStartCountdown = "startCountdown"
)

// Server -> Client message types.
const (
	MsgLobbySnapshot    = "lobbySnapshot"
	MsgCountdownStarted = "countdownStarted"
	MsgGameStarted      = "gameStarted"
	MsgError            = "error"
)

type ClientMessage struct {
	Type     string `json:"type"`
	Username string `json:"username,omitempty"`
}

// ServerMessage is flat on the wire: a snapshot's fields sit next to "type".
type ServerMessage struct {
	Type string `json:"type"`
	*LobbySnapshot
	Seconds int    `json:"seconds,omitempty"`
	Error   string `json:"error,omitempty"`
}

type LobbySnapshot struct {
	Code     string       `json:"code"`
	Version  int          `json:"version"`
	State    string       `json:"state"`
	Host     string       `json:"host"`
	AllReady bool         `json:"allReady"`
	Entries  []LobbyEntry `json:"entries"`
}

type LobbyEntry struct {
	Username string    `json:"username"`
	Ready    bool      `json:"ready"`
	JoinedAt time.Time `json:"joinedAt"`
}

func ErrorMessage(err error) ServerMessage {
	return ServerMessage{Type: MsgError, Error: err.Error()}
}
