// Package deepgram provides a Deepgram-backed STT stream using the Deepgram
// live transcription WebSocket API. It implements the stt.Provider interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voicelinehq/voiceline/pkg/provider/stt"
)

const (
	listenEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel   = "nova-2-phonecall"
	defaultLanguage = "en"

	// maxReconnectAttempts bounds reconnection after an unexpected close.
	// Intentional Close never reconnects.
	maxReconnectAttempts = 3

	// reconnectBaseDelay is multiplied by (attempt index + 1), giving the
	// schedule 1s, 2s, 3s.
	reconnectBaseDelay = time.Second

	// audioBuf is the depth of the outbound frame buffer. At 20 ms telephony
	// frames this absorbs roughly five seconds of audio during a reconnect.
	audioBuf = 256
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2-phonecall").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// Provider implements stt.Provider backed by the Deepgram live API.
type Provider struct {
	apiKey   string
	model    string
	language string
}

// Compile-time interface check.
var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a live transcription session. The connection is
// established asynchronously: frames sent before the socket is up are
// buffered (and dropped once the buffer fills), so callers may push audio
// immediately.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig, cb stt.Callbacks) (stt.Stream, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	s := &session{
		url:    wsURL,
		apiKey: p.apiKey,
		cb:     cb,
		audio:  make(chan []byte, audioBuf),
		done:   make(chan struct{}),
	}
	go s.run(ctx)
	return s, nil
}

// buildURL constructs the Deepgram live endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(listenEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	enc := cfg.Encoding
	if enc == "" {
		enc = "mulaw"
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = 8000
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", enc)
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	if cfg.EndpointingMs > 0 {
		q.Set("endpointing", strconv.Itoa(cfg.EndpointingMs))
	}
	if cfg.UtteranceEndMs > 0 {
		q.Set("utterance_end_ms", strconv.Itoa(cfg.UtteranceEndMs))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// session is a live Deepgram streaming session with automatic reconnection.
// It implements stt.Stream.
type session struct {
	url    string
	apiKey string
	cb     stt.Callbacks

	audio chan []byte
	done  chan struct{}
	once  sync.Once

	connMu sync.Mutex
	conn   *websocket.Conn
}

// Send queues one audio frame for delivery. Frames are dropped (not blocked
// on) when the socket is down or the buffer is full, so the caller's audio
// ingestion path never suspends on network I/O.
func (s *session) Send(frame []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: stream is closed")
	default:
	}
	select {
	case s.audio <- frame:
	default:
		// Buffer full: the connection is down or lagging. Dropping is the
		// right call for live speech — stale audio is worse than lost audio.
	}
	return nil
}

// Close terminates the session intentionally. Reconnection is suppressed and
// pending audio is flushed with a CloseStream message. Safe to call multiple
// times.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn != nil {
			_ = conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
			_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		}
	})
	return nil
}

// closed reports whether Close has been called.
func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// run owns the connection lifecycle: initial dial, the serve loop, and
// reconnection after unexpected closes. A successful open resets the attempt
// counter; after maxReconnectAttempts consecutive failures the session stops
// and no further transcripts are delivered.
func (s *session) run(ctx context.Context) {
	conn, err := s.dial(ctx)
	if err != nil {
		conn = nil
	}

	for attempt := 0; ; {
		if conn == nil {
			if s.closed() || ctx.Err() != nil {
				return
			}
			if attempt >= maxReconnectAttempts {
				slog.Warn("deepgram: reconnect attempts exhausted, stopping stream")
				return
			}
			delay := ReconnectDelay(attempt)
			attempt++
			select {
			case <-time.After(delay):
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
			conn, err = s.dial(ctx)
			if err != nil {
				conn = nil
				continue
			}
		}

		attempt = 0
		s.serve(ctx, conn)
		conn = nil

		if s.closed() || ctx.Err() != nil {
			return
		}
		slog.Debug("deepgram: connection closed unexpectedly, reconnecting")
	}
}

// ReconnectDelay returns the backoff delay before reconnect attempt
// attemptIndex (0-based): base_delay * (attempt_index + 1).
func ReconnectDelay(attemptIndex int) time.Duration {
	return reconnectBaseDelay * time.Duration(attemptIndex+1)
}

// dial opens the WebSocket connection and records it for Close.
func (s *session) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.apiKey)

	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	return conn, nil
}

// serve pumps audio out and events in until the connection dies or the
// session is closed.
func (s *session) serve(ctx context.Context, conn *websocket.Conn) {
	connDone := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writeLoop(ctx, conn, connDone)
	}()

	s.readLoop(ctx, conn)

	close(connDone)
	_ = conn.Close(websocket.StatusNormalClosure, "serve done")
	wg.Wait()

	s.connMu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.connMu.Unlock()
}

// writeLoop sends queued audio frames as binary messages.
func (s *session) writeLoop(ctx context.Context, conn *websocket.Conn, connDone <-chan struct{}) {
	for {
		select {
		case frame := <-s.audio:
			if err := conn.Write(ctx, websocket.MessageBinary, frame); err != nil {
				return
			}
		case <-connDone:
			return
		case <-s.done:
			return
		}
	}
}

// readLoop receives JSON messages and dispatches the callbacks. It returns
// when the connection closes for any reason.
func (s *session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			return
		}

		ev, ok := ParseListenMessage(msg)
		if !ok {
			continue
		}

		switch ev.Kind {
		case EventFinalTranscript:
			if s.cb.OnFinalTranscript != nil {
				s.cb.OnFinalTranscript(ev.Text)
			}
		case EventSpeechStarted:
			if s.cb.OnSpeechStarted != nil {
				s.cb.OnSpeechStarted()
			}
		case EventUtteranceEnd:
			// The final transcript event is authoritative; utterance-end is
			// surfaced for observability only.
			slog.Debug("deepgram: utterance end")
		}
	}
}

// ---- message parsing ----

// EventKind identifies the Deepgram live events the session reacts to.
type EventKind int

const (
	EventFinalTranscript EventKind = iota
	EventSpeechStarted
	EventUtteranceEnd
)

// Event is a parsed Deepgram live message relevant to the session.
type Event struct {
	Kind EventKind
	Text string // set for EventFinalTranscript
}

// listenMessage is the JSON structure of Deepgram live messages.
type listenMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// ParseListenMessage parses a raw Deepgram live WebSocket message. Returns
// (event, true) for messages the session acts on; interim results and
// unrecognised types return (zero, false).
func ParseListenMessage(data []byte) (Event, bool) {
	var msg listenMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, false
	}

	switch msg.Type {
	case "Results":
		if !msg.IsFinal {
			return Event{}, false
		}
		if len(msg.Channel.Alternatives) == 0 {
			return Event{}, false
		}
		text := msg.Channel.Alternatives[0].Transcript
		if text == "" {
			return Event{}, false
		}
		return Event{Kind: EventFinalTranscript, Text: text}, true

	case "SpeechStarted":
		return Event{Kind: EventSpeechStarted}, true

	case "UtteranceEnd":
		return Event{Kind: EventUtteranceEnd}, true
	}
	return Event{}, false
}
