package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/voicelinehq/voiceline/internal/orchestrator"
	"github.com/voicelinehq/voiceline/internal/store"
)

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type fakeDirectory struct {
	agents map[string]*store.Agent // keyed by phone number
	byID   map[uuid.UUID]*store.Agent
}

func (f *fakeDirectory) GetAgent(_ context.Context, id uuid.UUID) (*store.Agent, error) {
	if a, ok := f.byID[id]; ok {
		return a, nil
	}
	return nil, store.ErrAgentNotFound
}

func (f *fakeDirectory) GetAgentByPhoneNumber(_ context.Context, phone string) (*store.Agent, error) {
	if a, ok := f.agents[phone]; ok {
		return a, nil
	}
	return nil, store.ErrAgentNotFound
}

type fakeAdmissions struct {
	conversationID uuid.UUID
	reservations   map[string]*store.CallReservation
	finished       map[uuid.UUID]string
	released       []string
}

func newFakeAdmissions() *fakeAdmissions {
	return &fakeAdmissions{
		conversationID: uuid.New(),
		reservations:   make(map[string]*store.CallReservation),
		finished:       make(map[uuid.UUID]string),
	}
}

func (f *fakeAdmissions) CreateConversation(_ context.Context, _, _ uuid.UUID, _, _ string) (uuid.UUID, error) {
	return f.conversationID, nil
}

func (f *fakeAdmissions) GetConversation(_ context.Context, id uuid.UUID) (*store.Conversation, error) {
	if id == f.conversationID {
		return &store.Conversation{ID: id, Status: store.ConversationActive}, nil
	}
	return nil, store.ErrConversationNotFound
}

func (f *fakeAdmissions) ReserveCall(_ context.Context, r store.CallReservation) error {
	f.reservations[r.CallSID] = &r
	return nil
}

func (f *fakeAdmissions) GetReservation(_ context.Context, callSID string) (*store.CallReservation, error) {
	if r, ok := f.reservations[callSID]; ok {
		return r, nil
	}
	return nil, store.ErrReservationNotFound
}

func (f *fakeAdmissions) ReleaseReservation(_ context.Context, callSID string) error {
	f.released = append(f.released, callSID)
	delete(f.reservations, callSID)
	return nil
}

func (f *fakeAdmissions) FinishConversation(_ context.Context, id uuid.UUID, status string, _, _ int) error {
	f.finished[id] = status
	return nil
}

type fakeCredits struct {
	ok bool
}

func (f *fakeCredits) HasCredits(context.Context, uuid.UUID, float64) (bool, error) {
	return f.ok, nil
}

func testServer(t *testing.T, dir *fakeDirectory, adm *fakeAdmissions, credits bool) *Server {
	t.Helper()
	manager := orchestrator.NewManager(orchestrator.ManagerConfig{}, orchestrator.ManagerDeps{})
	return New(Config{PublicHost: "voice.example.com"}, dir, adm, &fakeCredits{ok: credits}, manager, nil)
}

func postForm(t *testing.T, h http.HandlerFunc, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

// ─────────────────────────────────────────────────────────────────────────────
// Frames
// ─────────────────────────────────────────────────────────────────────────────

func TestParseInboundStart(t *testing.T) {
	t.Parallel()

	data := []byte(`{
		"event": "start",
		"start": {
			"streamSid": "MZ123",
			"callSid": "CA456",
			"customParameters": {"agentId": "a", "conversationId": "c", "orgId": "o"}
		}
	}`)
	frame, err := parseInbound(data)
	if err != nil {
		t.Fatalf("parseInbound: %v", err)
	}
	if frame.Event != eventStart {
		t.Fatalf("event = %q, want start", frame.Event)
	}
	if frame.Start == nil || frame.Start.CallSID != "CA456" {
		t.Fatalf("start frame = %+v", frame.Start)
	}
	if frame.Start.CustomParameters["agentId"] != "a" {
		t.Fatalf("custom parameters = %v", frame.Start.CustomParameters)
	}
}

func TestParseInboundRejectsMissingEvent(t *testing.T) {
	t.Parallel()

	if _, err := parseInbound([]byte(`{}`)); err == nil {
		t.Fatal("expected error for frame without event")
	}
	if _, err := parseInbound([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed frame")
	}
}

func TestOutboundMessages(t *testing.T) {
	t.Parallel()

	media, err := outboundMedia("MZ1", "cGF5bG9hZA==")
	if err != nil {
		t.Fatalf("outboundMedia: %v", err)
	}
	for _, want := range []string{`"event":"media"`, `"streamSid":"MZ1"`, `"payload":"cGF5bG9hZA=="`} {
		if !strings.Contains(string(media), want) {
			t.Errorf("media message missing %s: %s", want, media)
		}
	}

	clear, err := outboundClear("MZ1")
	if err != nil {
		t.Fatalf("outboundClear: %v", err)
	}
	if !strings.Contains(string(clear), `"event":"clear"`) {
		t.Errorf("clear message = %s", clear)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// TwiML
// ─────────────────────────────────────────────────────────────────────────────

func TestConnectStreamTwiML(t *testing.T) {
	t.Parallel()

	doc, err := connectStreamTwiML("wss://voice.example.com/media-stream", map[string]string{
		"agentId":        "agent-1",
		"conversationId": "conv-1",
		"orgId":          "org-1",
	})
	if err != nil {
		t.Fatalf("connectStreamTwiML: %v", err)
	}
	for _, want := range []string{
		`<Stream url="wss://voice.example.com/media-stream">`,
		`<Parameter name="agentId" value="agent-1">`,
		`<Parameter name="conversationId" value="conv-1">`,
		`<Parameter name="orgId" value="org-1">`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("twiml missing %s:\n%s", want, doc)
		}
	}
}

func TestRefusalTwiML(t *testing.T) {
	t.Parallel()

	doc, err := refusalTwiML("Goodbye.")
	if err != nil {
		t.Fatalf("refusalTwiML: %v", err)
	}
	if !strings.Contains(doc, "<Say>Goodbye.</Say>") {
		t.Errorf("twiml missing say:\n%s", doc)
	}
	if !strings.Contains(doc, "<Hangup>") {
		t.Errorf("twiml missing hangup:\n%s", doc)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Voice webhook
// ─────────────────────────────────────────────────────────────────────────────

func TestIncomingCallAdmitted(t *testing.T) {
	t.Parallel()

	agent := &store.Agent{
		ID:          uuid.New(),
		OrgID:       uuid.New(),
		Name:        "Receptionist",
		PhoneNumber: "+15550100",
		VoiceID:     "aura-asteria-en",
	}
	adm := newFakeAdmissions()
	srv := testServer(t, &fakeDirectory{agents: map[string]*store.Agent{agent.PhoneNumber: agent}}, adm, true)

	rec := postForm(t, srv.HandleIncomingCall, "/voice/incoming", url.Values{
		"To":      {agent.PhoneNumber},
		"From":    {"+15550199"},
		"CallSid": {"CA100"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Connect>") {
		t.Fatalf("expected stream connect twiml, got:\n%s", body)
	}
	if !strings.Contains(body, adm.conversationID.String()) {
		t.Errorf("twiml missing conversation id:\n%s", body)
	}
	if _, ok := adm.reservations["CA100"]; !ok {
		t.Error("expected a call reservation for CA100")
	}
}

func TestIncomingCallUnknownNumberRefused(t *testing.T) {
	t.Parallel()

	srv := testServer(t, &fakeDirectory{agents: map[string]*store.Agent{}}, newFakeAdmissions(), true)

	rec := postForm(t, srv.HandleIncomingCall, "/voice/incoming", url.Values{
		"To":      {"+15550100"},
		"CallSid": {"CA101"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<Hangup>") || strings.Contains(body, "<Connect>") {
		t.Fatalf("expected refusal twiml, got:\n%s", body)
	}
}

func TestIncomingCallInsufficientBalanceRefused(t *testing.T) {
	t.Parallel()

	agent := &store.Agent{ID: uuid.New(), OrgID: uuid.New(), PhoneNumber: "+15550100"}
	adm := newFakeAdmissions()
	srv := testServer(t, &fakeDirectory{agents: map[string]*store.Agent{agent.PhoneNumber: agent}}, adm, false)

	rec := postForm(t, srv.HandleIncomingCall, "/voice/incoming", url.Values{
		"To":      {agent.PhoneNumber},
		"CallSid": {"CA102"},
	})
	body := rec.Body.String()
	if !strings.Contains(body, "<Hangup>") || strings.Contains(body, "<Connect>") {
		t.Fatalf("expected refusal twiml, got:\n%s", body)
	}
	if len(adm.reservations) != 0 {
		t.Error("refused call must not reserve")
	}
}

func TestIncomingCallRateLimited(t *testing.T) {
	t.Parallel()

	agent := &store.Agent{ID: uuid.New(), OrgID: uuid.New(), PhoneNumber: "+15550100"}
	srv := testServer(t, &fakeDirectory{agents: map[string]*store.Agent{agent.PhoneNumber: agent}}, newFakeAdmissions(), true)
	srv.limiter = newOrgLimiter(1)

	form := url.Values{"To": {agent.PhoneNumber}, "CallSid": {"CA103"}}
	first := postForm(t, srv.HandleIncomingCall, "/voice/incoming", form)
	if !strings.Contains(first.Body.String(), "<Connect>") {
		t.Fatalf("first call should be admitted:\n%s", first.Body.String())
	}
	second := postForm(t, srv.HandleIncomingCall, "/voice/incoming", form)
	if strings.Contains(second.Body.String(), "<Connect>") {
		t.Fatalf("second call should hit the rate limit:\n%s", second.Body.String())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Status callback
// ─────────────────────────────────────────────────────────────────────────────

func TestMapCallStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		want     string
		terminal bool
	}{
		{"completed", store.ConversationCompleted, true},
		{"failed", store.ConversationFailed, true},
		{"busy", store.ConversationFailed, true},
		{"no-answer", store.ConversationFailed, true},
		{"canceled", store.ConversationFailed, true},
		{"ringing", "", false},
		{"in-progress", "", false},
	}
	for _, tc := range cases {
		got, terminal := mapCallStatus(tc.in)
		if got != tc.want || terminal != tc.terminal {
			t.Errorf("mapCallStatus(%q) = (%q, %v), want (%q, %v)", tc.in, got, terminal, tc.want, tc.terminal)
		}
	}
}

func TestStatusCallbackFinalisesUnstreamedCall(t *testing.T) {
	t.Parallel()

	adm := newFakeAdmissions()
	res := store.CallReservation{CallSID: "CA200", OrgID: uuid.New(), ConversationID: uuid.New()}
	adm.reservations[res.CallSID] = &res
	srv := testServer(t, &fakeDirectory{}, adm, true)

	rec := postForm(t, srv.HandleStatusCallback, "/voice/status", url.Values{
		"CallSid":    {"CA200"},
		"CallStatus": {"no-answer"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := adm.finished[res.ConversationID]; got != store.ConversationFailed {
		t.Fatalf("conversation status = %q, want FAILED", got)
	}
	if len(adm.released) != 1 || adm.released[0] != "CA200" {
		t.Fatalf("released = %v, want [CA200]", adm.released)
	}
}

func TestParseCallIdentity(t *testing.T) {
	t.Parallel()

	convID := uuid.New()
	orgID := uuid.New()

	conv, org, ok := parseCallIdentity(map[string]string{
		"conversationId": convID.String(),
		"orgId":          orgID.String(),
	})
	if !ok || conv != convID || org != orgID {
		t.Fatalf("parseCallIdentity = (%v, %v, %v)", conv, org, ok)
	}

	// Absent ids are the unbilled test mode, not an error.
	conv, org, ok = parseCallIdentity(map[string]string{})
	if !ok || conv != uuid.Nil || org != uuid.Nil {
		t.Fatalf("absent ids = (%v, %v, %v), want nil ids", conv, org, ok)
	}

	if _, _, ok := parseCallIdentity(map[string]string{"conversationId": "garbage"}); ok {
		t.Fatal("malformed conversationId must fail the parse")
	}
	if _, _, ok := parseCallIdentity(map[string]string{"orgId": "garbage"}); ok {
		t.Fatal("malformed orgId must fail the parse")
	}
}

func TestStatusCallbackIgnoresNonTerminal(t *testing.T) {
	t.Parallel()

	adm := newFakeAdmissions()
	res := store.CallReservation{CallSID: "CA201", ConversationID: uuid.New()}
	adm.reservations[res.CallSID] = &res
	srv := testServer(t, &fakeDirectory{}, adm, true)

	rec := postForm(t, srv.HandleStatusCallback, "/voice/status", url.Values{
		"CallSid":    {"CA201"},
		"CallStatus": {"ringing"},
	})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(adm.finished) != 0 {
		t.Fatalf("non-terminal status must not finalise, finished = %v", adm.finished)
	}
}
