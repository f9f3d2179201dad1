package ws

import (
	"github.com/DoyleJ11/xss-ctf-backend/internal/lobby"
	"github.com/DoyleJ11/xss-ctf-backend/pkg/types"
)

// Message renders a lobby event for the wire. Every message carries the
// snapshot that produced it.
func Message(evt lobby.Event) types.ServerMessage {
	snap := Snapshot(evt.Snapshot)
	msg := types.ServerMessage{Type: types.MsgLobbySnapshot, LobbySnapshot: &snap}

	switch evt.Type {
	case lobby.EvtCountdownStarted:
		msg.Type = types.MsgCountdownStarted
		msg.Seconds = evt.Seconds
	case lobby.EvtGameStarted:
		msg.Type = types.MsgGameStarted
	}
	return msg
}

func Snapshot(s lobby.Snapshot) types.LobbySnapshot {
	entries := make([]types.LobbyEntry, len(s.Entries))
	for i, e := range s.Entries {
		entries[i] = types.LobbyEntry{Username: e.Username, Ready: e.Ready, JoinedAt: e.JoinedAt}
	}
	return types.LobbySnapshot{
		Code:     s.Code,
		Version:  s.Version,
		State:    string(s.State),
		Host:     s.Host,
		AllReady: s.AllReady,
		Entries:  entries,
	}
}
