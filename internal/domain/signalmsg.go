package domain

import "encoding/json"

// Envelope types. Client -> relay types are on the left of each arrow in the
// protocol; the relay rewrites them into the corresponding delivery type.
const (
	TypeConnected = "connected"
	TypeError     = "error"

	TypeJoinRoom  = "join-room"
	TypeLeaveRoom = "leave-room"
	TypeRoomUsers = "room-users"
	TypeUserJoin  = "user-joined"
	TypeUserLeft  = "user-left"

	TypeSendingSignal           = "sending-signal"
	TypeReceivingSignal         = "receiving-signal"
	TypeReturningSignal         = "returning-signal"
	TypeReceivingReturnedSignal = "receiving-returned-signal"
	TypeICECandidate            = "ice-candidate"

	TypeRequestReconnection = "request-reconnection"
	TypeReconnectWithPeer   = "reconnect-with-peer"

	TypeSendMessage    = "send-message"
	TypeReceiveMessage = "receive-message"

	TypePing = "ping"
	TypePong = "pong"
)

// SignalMessage is the single wire envelope exchanged over the signaling
// channel. Signal, Candidate and Message are opaque to the relay.
type SignalMessage struct {
	Type         string          `json:"type"`
	RoomID       string          `json:"roomId,omitempty"`
	Username     string          `json:"username,omitempty"`
	UserToSignal string          `json:"userToSignal,omitempty"`
	CallerID     string          `json:"callerID,omitempty"`
	ID           string          `json:"id,omitempty"`
	To           string          `json:"to,omitempty"`
	From         string          `json:"from,omitempty"`
	PeerID       string          `json:"peerId,omitempty"`
	Signal       json.RawMessage `json:"signal,omitempty"`
	Candidate    json.RawMessage `json:"candidate,omitempty"`
	Users        []Participant   `json:"users,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	Restart      bool            `json:"restart,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	Error        string          `json:"error,omitempty"`
}

func NewErrorMessage(err error) SignalMessage {
	return SignalMessage{Type: TypeError, Error: err.Error()}
}
