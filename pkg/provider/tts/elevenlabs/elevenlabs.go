// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"github.com/voicelinehq/voiceline/pkg/provider/tts"
)

const (
	wsEndpointFmt = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"

	defaultModel = "eleven_flash_v2_5"

	// ulaw8000 matches the telephony leg: 8 kHz μ-law, no container.
	outputFormat = "ulaw_8000"
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey string
	model  string
}

var _ tts.Provider = (*Provider)(nil)

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey: apiKey,
		model:  defaultModel,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- WebSocket message types ----

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// boiMessage is the initial "begin of input" handshake, carrying auth and
// voice configuration.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// textMessage carries one text fragment to synthesise.
type textMessage struct {
	Text string `json:"text"`
}

// audioResponse is the JSON message received over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded audio
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// Synthesize renders one utterance over a short-lived stream-input connection
// and returns the concatenated μ-law audio. Each call opens its own socket;
// sentence-level synthesis keeps connections brief enough that reuse is not
// worth the session bookkeeping.
func (p *Provider) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	if text == "" {
		return nil, errors.New("elevenlabs: text must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, voiceID, p.model, outputFormat)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	boi := boiMessage{
		Text: " ", // ElevenLabs requires a non-empty first text value
		VoiceSettings: &voiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
		},
		XiAPIKey: p.apiKey,
	}
	if err := writeJSON(ctx, conn, boi); err != nil {
		return nil, fmt.Errorf("elevenlabs: send BOI: %w", err)
	}
	if err := writeJSON(ctx, conn, textMessage{Text: text + " "}); err != nil {
		return nil, fmt.Errorf("elevenlabs: send text: %w", err)
	}
	// Empty text flushes the stream and ends input.
	if err := writeJSON(ctx, conn, textMessage{Text: ""}); err != nil {
		return nil, fmt.Errorf("elevenlabs: send flush: %w", err)
	}

	var audio []byte
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Stream closed after the final chunk.
			break
		}

		chunk, final, err := decodeAudioResponse(msg)
		if err != nil {
			return nil, err
		}
		audio = append(audio, chunk...)
		if final {
			break
		}
	}

	if len(audio) == 0 {
		return nil, errors.New("elevenlabs: no audio received")
	}
	return audio, nil
}

// writeJSON marshals v and sends it as a text message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// decodeAudioResponse parses one WebSocket message into an audio chunk and a
// final flag. Messages without audio contribute an empty chunk.
func decodeAudioResponse(msg []byte) ([]byte, bool, error) {
	var resp audioResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return nil, false, fmt.Errorf("elevenlabs: decode response: %w", err)
	}
	if resp.Audio == "" {
		return nil, resp.IsFinal, nil
	}
	chunk, err := base64.StdEncoding.DecodeString(resp.Audio)
	if err != nil {
		return nil, false, fmt.Errorf("elevenlabs: decode audio: %w", err)
	}
	return chunk, resp.IsFinal, nil
}
