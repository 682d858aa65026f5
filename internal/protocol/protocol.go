package protocol

import "encoding/json"

// Event names, client -> server.
const (
	EventJoinGame    = "joinGame"
	EventPlayerMove  = "playerMove"
	EventBlockPlace  = "blockPlace"
	EventBlockRemove = "blockRemove"
	EventChatMessage = "chatMessage"
	EventPing        = "ping"
)

// Event names, server -> client.
const (
	EventJoinSuccess        = "joinSuccess"
	EventJoinError          = "joinError"
	EventCurrentPlayers     = "currentPlayers"
	EventInitialBlocks      = "initialBlocks"
	EventNewPlayer          = "newPlayer"
	EventPlayerMoved        = "playerMoved"
	EventBlockPlaced        = "blockPlaced"
	EventBlockSaveSuccess   = "blockSaveSuccess"
	EventBlockSaveError     = "blockSaveError"
	EventBlockRemoved       = "blockRemoved"
	EventChatUpdate         = "chatUpdate"
	EventPong               = "pong"
	EventPlayerDisconnected = "playerDisconnected"
)

// Envelope is the wire frame for every event in both directions. The event
// name lives outside the payload because block payloads carry their own
// "type" field.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func DecodeBase(b []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(b, &e)
	return e, err
}

// Encode frames a payload for the wire. A nil payload (ping/pong) yields an
// envelope with no data field.
func Encode(event string, payload any) ([]byte, error) {
	e := Envelope{Event: event}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		e.Data = b
	}
	return json.Marshal(e)
}
