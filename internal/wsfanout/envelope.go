package wsfanout

import "encoding/json"

// inboundEnvelope is the shape of client-sent room (un)subscription
// requests: {"type":"subscribe:mission","id":"m-1"}.
type inboundEnvelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// outboundEnvelope wraps a room event for delivery to a client.
type outboundEnvelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func encodeEnvelope(eventType, channel string, payload []byte) []byte {
	msg, err := json.Marshal(outboundEnvelope{Type: eventType, Channel: channel, Payload: payload})
	if err != nil {
		return nil
	}
	return msg
}
