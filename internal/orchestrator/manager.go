package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicelinehq/voiceline/internal/observe"
	"github.com/voicelinehq/voiceline/internal/session"
	"github.com/voicelinehq/voiceline/internal/store"
	"github.com/voicelinehq/voiceline/pkg/provider/stt"
	"github.com/voicelinehq/voiceline/pkg/provider/tts"
)

// ManagerConfig carries the shared policy applied to every call.
type ManagerConfig struct {
	BillingInterval  time.Duration
	BillingIncrement float64
	WatchdogPeriod   time.Duration
	SilenceTimeout   time.Duration
}

// ManagerDeps are the shared collaborators handed to every call.
type ManagerDeps struct {
	STT           stt.Provider
	TTSPrimary    tts.Provider
	TTSSecondary  tts.Provider
	Generator     Generator
	Retriever     Retriever
	Sessions      session.Store
	Conversations ConversationStore
	Biller        Biller
	Fillers       *tts.FillerCache
	Metrics       *observe.Metrics
	Log           *slog.Logger
}

// Manager tracks the live calls on this instance, keyed by call SID.
type Manager struct {
	cfg  ManagerConfig
	deps ManagerDeps
	log  *slog.Logger

	mu    sync.Mutex
	calls map[string]*Call
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig, deps ManagerDeps) *Manager {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:   cfg,
		deps:  deps,
		log:   log,
		calls: make(map[string]*Call),
	}
}

// StartCall creates and starts the call for a newly connected media stream.
// A duplicate start for a SID already live is a no-op returning the existing
// call, so a retried start message cannot spawn a second pipeline.
func (m *Manager) StartCall(ctx context.Context, agent *store.Agent, orgID, conversationID uuid.UUID, callSID, callerNumber string, transport Transport) (*Call, error) {
	m.mu.Lock()
	if existing, ok := m.calls[callSID]; ok {
		m.mu.Unlock()
		m.log.Warn("duplicate start for live call, ignoring", "call_sid", callSID)
		return existing, nil
	}
	m.mu.Unlock()

	call, err := NewCall(CallConfig{
		CallSID:          callSID,
		Agent:            agent,
		OrgID:            orgID,
		ConversationID:   conversationID,
		CallerNumber:     callerNumber,
		BillingInterval:  m.cfg.BillingInterval,
		BillingIncrement: m.cfg.BillingIncrement,
		WatchdogPeriod:   m.cfg.WatchdogPeriod,
		SilenceTimeout:   m.cfg.SilenceTimeout,
	}, Deps{
		Transport:     transport,
		STT:           m.deps.STT,
		Synth:         tts.NewClient(agent.VoiceID, m.deps.TTSPrimary, m.deps.TTSSecondary),
		Generator:     m.deps.Generator,
		Retriever:     m.deps.Retriever,
		Sessions:      m.deps.Sessions,
		Conversations: m.deps.Conversations,
		Biller:        m.deps.Biller,
		Fillers:       m.deps.Fillers,
		Metrics:       m.deps.Metrics,
		Log:           m.deps.Log,
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.calls[callSID]; ok {
		// Lost a race with a concurrent start for the same SID.
		m.mu.Unlock()
		return existing, nil
	}
	m.calls[callSID] = call
	m.mu.Unlock()

	if err := call.Start(ctx); err != nil {
		m.remove(callSID)
		return nil, err
	}
	return call, nil
}

// Get returns the live call for a SID, or nil.
func (m *Manager) Get(callSID string) *Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[callSID]
}

// EndCall stops the call with the given terminal status and forgets it.
// Unknown SIDs are a no-op.
func (m *Manager) EndCall(callSID, status string) {
	m.mu.Lock()
	call, ok := m.calls[callSID]
	delete(m.calls, callSID)
	m.mu.Unlock()
	if ok {
		call.Stop(status)
	}
}

// Shutdown stops every live call, for process shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	calls := make([]*Call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.calls = make(map[string]*Call)
	m.mu.Unlock()

	for _, c := range calls {
		c.Stop(store.ConversationFailed)
	}
}

// Active returns the number of live calls on this instance.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *Manager) remove(callSID string) {
	m.mu.Lock()
	delete(m.calls, callSID)
	m.mu.Unlock()
}
