// Package server exposes the telephony-facing surface: the voice webhook
// that admits calls and returns TwiML, the media-stream WebSocket that
// carries call audio, and the status callback that finalises conversations
// the orchestrator never saw end.
package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/voicelinehq/voiceline/internal/observe"
	"github.com/voicelinehq/voiceline/internal/orchestrator"
	"github.com/voicelinehq/voiceline/internal/store"
)

// Close reasons for rejected media streams.
const (
	reasonMissingCallSID       = "Missing callSid"
	reasonConversationNotFound = "Conversation not found"
)

// Config is the server's static configuration.
type Config struct {
	// PublicHost is the externally reachable host used to build the media
	// stream URL (e.g. "voice.example.com").
	PublicHost string

	// TwilioAuthToken validates webhook signatures. Empty disables
	// validation, for local development only.
	TwilioAuthToken string

	// RateLimitPerMinute caps incoming call webhooks per organization.
	RateLimitPerMinute int

	// MinAdmissionMinutes is the credit balance, in minutes, an organization
	// needs for a new call to be admitted.
	MinAdmissionMinutes float64
}

// Directory resolves agents.
type Directory interface {
	GetAgent(ctx context.Context, id uuid.UUID) (*store.Agent, error)
	GetAgentByPhoneNumber(ctx context.Context, phoneNumber string) (*store.Agent, error)
}

// Admissions is the persistence slice for call setup and teardown.
type Admissions interface {
	CreateConversation(ctx context.Context, orgID, agentID uuid.UUID, callSID, callerNumber string) (uuid.UUID, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*store.Conversation, error)
	ReserveCall(ctx context.Context, r store.CallReservation) error
	GetReservation(ctx context.Context, callSID string) (*store.CallReservation, error)
	ReleaseReservation(ctx context.Context, callSID string) error
	FinishConversation(ctx context.Context, id uuid.UUID, status string, durationSec, interrupts int) error
}

// CreditChecker answers admission-time balance questions.
type CreditChecker interface {
	HasCredits(ctx context.Context, orgID uuid.UUID, minutes float64) (bool, error)
}

// Server handles the telephony endpoints.
type Server struct {
	cfg        Config
	directory  Directory
	admissions Admissions
	credits    CreditChecker
	manager    *orchestrator.Manager
	limiter    *orgLimiter
	validator  twilioclient.RequestValidator
	log        *slog.Logger
}

// New creates a Server.
func New(cfg Config, directory Directory, admissions Admissions, credits CreditChecker, manager *orchestrator.Manager, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = 50
	}
	if cfg.MinAdmissionMinutes <= 0 {
		cfg.MinAdmissionMinutes = 1
	}
	return &Server{
		cfg:        cfg,
		directory:  directory,
		admissions: admissions,
		credits:    credits,
		manager:    manager,
		limiter:    newOrgLimiter(cfg.RateLimitPerMinute),
		validator:  twilioclient.NewRequestValidator(cfg.TwilioAuthToken),
		log:        log,
	}
}

// Register adds the telephony routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /voice/incoming", s.HandleIncomingCall)
	mux.HandleFunc("POST /voice/status", s.HandleStatusCallback)
	mux.HandleFunc("GET /media-stream", s.HandleMediaStream)
}

// ─────────────────────────────────────────────────────────────────────────────
// Voice webhook
// ─────────────────────────────────────────────────────────────────────────────

// HandleIncomingCall admits or refuses a new call and answers with TwiML.
// Refusals are spoken to the caller rather than returned as HTTP errors;
// the telephony side treats non-200 responses as dead air.
func (s *Server) HandleIncomingCall(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if !s.validSignature(r) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	ctx := r.Context()
	to := r.PostForm.Get("To")
	from := r.PostForm.Get("From")
	callSID := r.PostForm.Get("CallSid")
	log := observe.Logger(ctx).With("call_sid", callSID, "to", to)

	agent, err := s.directory.GetAgentByPhoneNumber(ctx, to)
	if err != nil {
		if errors.Is(err, store.ErrAgentNotFound) {
			log.Warn("no active agent for number")
			s.writeRefusal(w, "This number is not in service. Goodbye.")
			return
		}
		log.Error("agent lookup failed", "error", err)
		s.writeRefusal(w, "We are unable to take your call right now. Goodbye.")
		return
	}

	if !s.limiter.Allow(agent.OrgID.String()) {
		log.Warn("org over call rate limit", "org_id", agent.OrgID)
		s.writeRefusal(w, "All lines are busy right now. Please call back shortly.")
		return
	}

	ok, err := s.credits.HasCredits(ctx, agent.OrgID, s.cfg.MinAdmissionMinutes)
	if err != nil {
		log.Error("balance check failed", "error", err)
		s.writeRefusal(w, "We are unable to take your call right now. Goodbye.")
		return
	}
	if !ok {
		log.Warn("call refused for insufficient balance", "org_id", agent.OrgID)
		s.writeRefusal(w, "This service is temporarily unavailable. Goodbye.")
		return
	}

	conversationID, err := s.admissions.CreateConversation(ctx, agent.OrgID, agent.ID, callSID, from)
	if err != nil {
		log.Error("conversation create failed", "error", err)
		s.writeRefusal(w, "We are unable to take your call right now. Goodbye.")
		return
	}
	err = s.admissions.ReserveCall(ctx, store.CallReservation{
		CallSID:        callSID,
		OrgID:          agent.OrgID,
		ConversationID: conversationID,
	})
	if err != nil {
		log.Error("call reservation failed", "error", err)
	}

	doc, err := connectStreamTwiML("wss://"+s.cfg.PublicHost+"/media-stream", map[string]string{
		"agentId":        agent.ID.String(),
		"conversationId": conversationID.String(),
		"orgId":          agent.OrgID.String(),
	})
	s.writeTwiML(w, doc, err)
	log.Info("call admitted", "agent", agent.Name, "conversation_id", conversationID)
}

// validSignature checks the webhook signature when an auth token is
// configured.
func (s *Server) validSignature(r *http.Request) bool {
	if s.cfg.TwilioAuthToken == "" {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	url := "https://" + s.cfg.PublicHost + r.URL.RequestURI()
	return s.validator.Validate(url, params, r.Header.Get("X-Twilio-Signature"))
}

// writeRefusal answers with a spoken refusal document.
func (s *Server) writeRefusal(w http.ResponseWriter, message string) {
	doc, err := refusalTwiML(message)
	s.writeTwiML(w, doc, err)
}

// writeTwiML writes a TwiML document, degrading to a 500 when rendering
// failed.
func (s *Server) writeTwiML(w http.ResponseWriter, doc string, errs ...error) {
	for _, err := range errs {
		if err != nil {
			s.log.Error("twiml render failed", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write([]byte(doc))
}

// ─────────────────────────────────────────────────────────────────────────────
// Status callback
// ─────────────────────────────────────────────────────────────────────────────

// HandleStatusCallback finalises conversations from telephony status events.
// Calls the orchestrator is still running are stopped through it; calls that
// never opened a media stream are finalised directly.
func (s *Server) HandleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	if !s.validSignature(r) {
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	callSID := r.PostForm.Get("CallSid")
	callStatus := r.PostForm.Get("CallStatus")
	status, terminal := mapCallStatus(callStatus)

	log := observe.Logger(r.Context()).With("call_sid", callSID, "call_status", callStatus)
	if !terminal {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if call := s.manager.Get(callSID); call != nil {
		s.manager.EndCall(callSID, status)
		log.Info("call ended by status callback", "status", status)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	// No live call: the stream never connected or already tore down.
	ctx := r.Context()
	res, err := s.admissions.GetReservation(ctx, callSID)
	if err == nil {
		if ferr := s.admissions.FinishConversation(ctx, res.ConversationID, status, 0, 0); ferr != nil {
			log.Error("conversation finalisation failed", "error", ferr)
		}
		if rerr := s.admissions.ReleaseReservation(ctx, callSID); rerr != nil {
			log.Warn("reservation release failed", "error", rerr)
		}
	} else if !errors.Is(err, store.ErrReservationNotFound) {
		log.Error("reservation lookup failed", "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// mapCallStatus converts a telephony call status into a terminal
// conversation status. The second return is false for non-terminal statuses.
func mapCallStatus(callStatus string) (string, bool) {
	switch callStatus {
	case "completed":
		return store.ConversationCompleted, true
	case "failed", "busy", "no-answer", "canceled":
		return store.ConversationFailed, true
	default:
		return "", false
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Media stream
// ─────────────────────────────────────────────────────────────────────────────

// HandleMediaStream upgrades to WebSocket and runs the frame loop for one
// call's audio.
func (s *Server) HandleMediaStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("media stream accept failed", "error", err)
		return
	}

	// Frames are small; the default read limit is fine. The connection
	// lives as long as the call does.
	ctx := context.WithoutCancel(r.Context())
	s.serveStream(ctx, conn)
}

// serveStream consumes frames until the stream stops or errors. The whole
// stream runs under one span so every log line of a call carries its trace ID.
func (s *Server) serveStream(ctx context.Context, conn *websocket.Conn) {
	ctx, span := observe.StartSpan(ctx, "media.stream")
	defer span.End()

	var (
		call    *orchestrator.Call
		callSID string
	)
	defer func() {
		if call != nil {
			s.manager.EndCall(callSID, store.ConversationCompleted)
		} else {
			_ = conn.Close(websocket.StatusNormalClosure, "stream done")
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		frame, err := parseInbound(data)
		if err != nil {
			s.log.Debug("unparseable stream frame", "error", err)
			continue
		}

		switch frame.Event {
		case eventConnected:
			// Handshake only.

		case eventStart:
			if call != nil {
				// Duplicate start for a live stream.
				continue
			}
			call, callSID = s.handleStart(ctx, conn, frame.Start)
			if call == nil {
				return
			}

		case eventMedia:
			if call == nil || frame.Media == nil {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
			if err != nil {
				continue
			}
			call.HandleAudio(audio)

		case eventStop:
			s.log.Info("stream stopped", "call_sid", callSID)
			return

		case eventMark:
			// Playback checkpoints are not used.
		}
	}
}

// handleStart validates the start frame and spins up the call. On rejection
// it closes the socket with a policy-violation code and returns nil.
func (s *Server) handleStart(ctx context.Context, conn *websocket.Conn, start *startFrame) (*orchestrator.Call, string) {
	reject := func(reason string) {
		s.log.Warn("media stream rejected", "reason", reason)
		_ = conn.Close(websocket.StatusCode(orchestrator.ClosePolicyViolation), reason)
	}

	if start == nil || start.CallSID == "" {
		reject(reasonMissingCallSID)
		return nil, ""
	}

	params := start.CustomParameters
	agentID, err := uuid.Parse(params["agentId"])
	if err != nil {
		reject(reasonConversationNotFound)
		return nil, ""
	}

	// conversationId and orgId may both be absent: such calls run in
	// unbilled test mode. A conversationId that is present must resolve.
	conversationID, orgID, ok := parseCallIdentity(params)
	if !ok {
		reject(reasonConversationNotFound)
		return nil, ""
	}
	if conversationID != uuid.Nil {
		if _, err := s.admissions.GetConversation(ctx, conversationID); err != nil {
			reject(reasonConversationNotFound)
			return nil, ""
		}
	}

	agent, err := s.directory.GetAgent(ctx, agentID)
	if err != nil {
		reject(reasonConversationNotFound)
		return nil, ""
	}

	transport := newWSTransport(ctx, conn, start.StreamSID)
	call, err := s.manager.StartCall(ctx, agent, orgID, conversationID, start.CallSID, "", transport)
	if err != nil {
		s.log.Error("call start failed", "call_sid", start.CallSID, "error", err)
		reject("Call setup failed")
		return nil, ""
	}

	s.log.Info("media stream started",
		"call_sid", start.CallSID,
		"stream_sid", start.StreamSID,
		"agent_id", agentID,
	)
	return call, start.CallSID
}

// parseCallIdentity extracts the optional conversation and org ids from the
// stream's custom parameters. Absent values come back as uuid.Nil; a value
// that is present but malformed fails the parse.
func parseCallIdentity(params map[string]string) (conversationID, orgID uuid.UUID, ok bool) {
	var err error
	if v := params["conversationId"]; v != "" {
		if conversationID, err = uuid.Parse(v); err != nil {
			return uuid.Nil, uuid.Nil, false
		}
	}
	if v := params["orgId"]; v != "" {
		if orgID, err = uuid.Parse(v); err != nil {
			return uuid.Nil, uuid.Nil, false
		}
	}
	return conversationID, orgID, true
}

// ─────────────────────────────────────────────────────────────────────────────
// WebSocket transport
// ─────────────────────────────────────────────────────────────────────────────

// wsTransport implements orchestrator.Transport over the media stream
// WebSocket. Writes are serialised; the websocket library rejects
// interleaved writers.
type wsTransport struct {
	ctx       context.Context
	conn      *websocket.Conn
	streamSID string

	mu     sync.Mutex
	closed bool
}

var _ orchestrator.Transport = (*wsTransport)(nil)

func newWSTransport(ctx context.Context, conn *websocket.Conn, streamSID string) *wsTransport {
	return &wsTransport{ctx: ctx, conn: conn, streamSID: streamSID}
}

// SendMedia implements orchestrator.Transport.
func (t *wsTransport) SendMedia(payload string) error {
	msg, err := outboundMedia(t.streamSID, payload)
	if err != nil {
		return err
	}
	return t.write(msg)
}

// SendClear implements orchestrator.Transport.
func (t *wsTransport) SendClear() error {
	msg, err := outboundClear(t.streamSID)
	if err != nil {
		return err
	}
	return t.write(msg)
}

// Close implements orchestrator.Transport.
func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close(websocket.StatusCode(code), reason)
}

func (t *wsTransport) write(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("server: transport closed")
	}
	ctx, cancel := context.WithTimeout(t.ctx, 5*time.Second)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageText, msg)
}
