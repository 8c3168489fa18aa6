package server

import (
	"encoding/xml"
	"fmt"
)

// TwiML rendering for the voice webhook. The twilio-go SDK covers the REST
// API but ships no TwiML builder, so the documents are built with
// encoding/xml directly.

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Hangup  *twimlHangup  `xml:"Hangup,omitempty"`
}

type twimlSay struct {
	Text string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// connectStreamTwiML renders the document that bridges the call onto the
// media stream WebSocket, carrying the call identity as custom parameters.
func connectStreamTwiML(streamURL string, params map[string]string) (string, error) {
	stream := twimlStream{URL: streamURL}
	for _, name := range []string{"agentId", "conversationId", "orgId"} {
		if v, ok := params[name]; ok {
			stream.Parameters = append(stream.Parameters, twimlParameter{Name: name, Value: v})
		}
	}
	doc := twimlResponse{Connect: &twimlConnect{Stream: stream}}
	return renderTwiML(doc)
}

// refusalTwiML renders a spoken refusal followed by a hangup, for calls that
// fail admission (no agent, no credits, over the rate limit).
func refusalTwiML(message string) (string, error) {
	doc := twimlResponse{
		Say:    &twimlSay{Text: message},
		Hangup: &twimlHangup{},
	}
	return renderTwiML(doc)
}

type twimlHangup struct{}

func renderTwiML(doc twimlResponse) (string, error) {
	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("server: render twiml: %w", err)
	}
	return xml.Header + string(body), nil
}
