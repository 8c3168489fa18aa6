package server

import (
	"encoding/json"
	"fmt"
)

// Media stream event names, as sent by the telephony provider.
const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventStop      = "stop"
	eventMark      = "mark"
	eventClear     = "clear"
)

// inboundFrame is one message from the telephony WebSocket. Only the fields
// for the event type in question are populated.
type inboundFrame struct {
	Event string `json:"event"`

	Start *startFrame `json:"start,omitempty"`
	Media *mediaFrame `json:"media,omitempty"`
	Stop  *stopFrame  `json:"stop,omitempty"`
}

// startFrame announces the stream and carries the call identity plus the
// custom parameters set in the TwiML.
type startFrame struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	AccountSID       string            `json:"accountSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

// mediaFrame carries one base64 μ-law audio payload.
type mediaFrame struct {
	Payload string `json:"payload"`
}

// stopFrame ends the stream.
type stopFrame struct {
	CallSID string `json:"callSid"`
}

// parseInbound decodes one inbound WebSocket message.
func parseInbound(data []byte) (inboundFrame, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return inboundFrame{}, fmt.Errorf("server: parse frame: %w", err)
	}
	if f.Event == "" {
		return inboundFrame{}, fmt.Errorf("server: frame missing event")
	}
	return f, nil
}

// outboundMedia renders an outbound audio message for the stream.
func outboundMedia(streamSID, payload string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     eventMedia,
		"streamSid": streamSID,
		"media":     map[string]string{"payload": payload},
	})
}

// outboundClear renders a clear message, telling the telephony side to drop
// its buffered audio.
func outboundClear(streamSID string) ([]byte, error) {
	return json.Marshal(map[string]any{
		"event":     eventClear,
		"streamSid": streamSID,
	})
}
