package gateway

import (
	"encoding/json"
	"time"
)

// Envelope is the wire format for server-to-client messages.
type Envelope struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
	At      time.Time              `json:"at"`
	UserID  string                 `json:"user_id,omitempty"`
	Channel string                 `json:"channel,omitempty"`
}

// NewEnvelope stamps an envelope with the current time.
func NewEnvelope(msgType string, payload map[string]interface{}) Envelope {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return Envelope{Type: msgType, Payload: payload, At: time.Now().UTC()}
}

func (e Envelope) encode() ([]byte, error) {
	return json.Marshal(e)
}

// inboundMessage is what scheduler clients send for rebroadcast.
type inboundMessage struct {
	Type    string                 `json:"type"`
	Payload map[string]interface{} `json:"payload"`
}
