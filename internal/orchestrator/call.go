// Package orchestrator runs the per-call turn state machine: inbound audio
// feeds streaming transcription, finalised transcripts drive generation and
// synthesis, and caller speech interrupts playback at any point. One Call
// owns one media stream for its whole life.
package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voicelinehq/voiceline/internal/billing"
	"github.com/voicelinehq/voiceline/internal/generator"
	"github.com/voicelinehq/voiceline/internal/observe"
	"github.com/voicelinehq/voiceline/internal/session"
	"github.com/voicelinehq/voiceline/internal/store"
	"github.com/voicelinehq/voiceline/pkg/provider/llm"
	"github.com/voicelinehq/voiceline/pkg/provider/stt"
	"github.com/voicelinehq/voiceline/pkg/provider/tts"
)

const (
	// frameBytes is one 20 ms frame of μ-law 8 kHz audio.
	frameBytes = 160

	// transcriptQueue bounds how many finalised utterances can wait for the
	// turn loop. Utterances beyond it are dropped, which only happens when
	// generation is badly wedged.
	transcriptQueue = 8

	// teardownTimeout bounds the final accounting writes after a call ends.
	teardownTimeout = 10 * time.Second
)

// errTurnSuperseded stops sentence emission when a newer turn exists.
var errTurnSuperseded = errors.New("orchestrator: turn superseded")

// CallConfig carries the per-call identity and policy knobs.
type CallConfig struct {
	CallSID        string
	Agent          *store.Agent
	OrgID          uuid.UUID
	ConversationID uuid.UUID
	CallerNumber   string

	BillingInterval  time.Duration // debit cadence, 0 means 30s
	BillingIncrement float64       // minutes per debit, 0 means 0.5
	WatchdogPeriod   time.Duration // silence check cadence, 0 means 5s
	SilenceTimeout   time.Duration // inbound silence before hangup, 0 means 10s
}

// Deps are the collaborators a Call works through.
type Deps struct {
	Transport     Transport
	STT           stt.Provider
	Synth         Synthesizer
	Generator     Generator
	Retriever     Retriever
	Sessions      session.Store
	Conversations ConversationStore
	Biller        Biller
	Fillers       *tts.FillerCache
	Metrics       *observe.Metrics
	Log           *slog.Logger
}

// Call is one live phone call.
type Call struct {
	cfg  CallConfig
	deps Deps
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	sttStream stt.Stream

	// turn is the generation counter. Every accepted transcript and every
	// barge-in bumps it; pipeline stages compare against their captured
	// value and stand down when stale.
	turn atomic.Int64

	transcripts chan string

	stageMu sync.Mutex
	stage   string

	history []llm.Message // turn loop only

	lastAudio  atomic.Int64 // unix nanos of the newest inbound frame
	interrupts atomic.Int64

	billedMu     sync.Mutex
	tickerBilled float64

	unbilled  bool
	startedAt time.Time
}

// NewCall wires a Call. Defaults are applied to zero policy knobs.
func NewCall(cfg CallConfig, deps Deps) (*Call, error) {
	if cfg.CallSID == "" {
		return nil, errors.New("orchestrator: CallSID must not be empty")
	}
	if cfg.Agent == nil {
		return nil, errors.New("orchestrator: Agent must not be nil")
	}
	if deps.Transport == nil || deps.STT == nil || deps.Synth == nil || deps.Generator == nil {
		return nil, errors.New("orchestrator: Transport, STT, Synth, and Generator are required")
	}
	if cfg.BillingInterval == 0 {
		cfg.BillingInterval = 30 * time.Second
	}
	if cfg.BillingIncrement == 0 {
		cfg.BillingIncrement = 0.5
	}
	if cfg.WatchdogPeriod == 0 {
		cfg.WatchdogPeriod = 5 * time.Second
	}
	if cfg.SilenceTimeout == 0 {
		cfg.SilenceTimeout = 10 * time.Second
	}

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("call_sid", cfg.CallSID, "conversation_id", cfg.ConversationID)

	c := &Call{
		cfg:         cfg,
		deps:        deps,
		log:         log,
		done:        make(chan struct{}),
		transcripts: make(chan string, transcriptQueue),
		stage:       session.StageListening,
		unbilled:    cfg.OrgID == uuid.Nil || cfg.ConversationID == uuid.Nil,
	}
	return c, nil
}

// Start opens the transcription stream, registers the live session, speaks
// the greeting, and launches the turn, billing, and watchdog loops.
func (c *Call) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))
	c.startedAt = time.Now()
	c.lastAudio.Store(c.startedAt.UnixNano())

	stream, err := c.deps.STT.StartStream(c.ctx, stt.StreamConfig{
		Encoding:       "mulaw",
		SampleRate:     8000,
		EndpointingMs:  300,
		UtteranceEndMs: 1000,
	}, stt.Callbacks{
		OnFinalTranscript: c.handleTranscript,
		OnSpeechStarted:   c.handleSpeechStarted,
	})
	if err != nil {
		return fmt.Errorf("orchestrator: start transcription: %w", err)
	}
	c.sttStream = stream

	if c.deps.Sessions != nil {
		err := c.deps.Sessions.Init(ctx, session.Record{
			CallSID:        c.cfg.CallSID,
			ConversationID: c.cfg.ConversationID.String(),
			OrgID:          c.cfg.OrgID.String(),
			AgentID:        c.cfg.Agent.ID.String(),
			StartedAt:      c.startedAt,
		})
		if err != nil {
			c.log.Warn("session init failed", "error", err)
		}
	}

	if c.unbilled {
		c.log.Warn("call has no billing identity, usage will not be charged")
	}
	if m := c.deps.Metrics; m != nil && m.ActiveCalls != nil {
		m.ActiveCalls.Add(c.ctx, 1)
	}

	c.wg.Add(3)
	go func() { defer c.wg.Done(); c.turnLoop() }()
	go func() { defer c.wg.Done(); c.billingLoop() }()
	go func() { defer c.wg.Done(); c.watchdogLoop() }()

	if greeting := c.cfg.Agent.Greeting; greeting != "" {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.speakGreeting(greeting)
		}()
	}

	c.log.Info("call started", "agent", c.cfg.Agent.Name, "caller", c.cfg.CallerNumber)
	return nil
}

// HandleAudio ingests one inbound μ-law frame. Never blocks on network I/O.
func (c *Call) HandleAudio(frame []byte) {
	c.lastAudio.Store(time.Now().UnixNano())
	if err := c.sttStream.Send(frame); err != nil {
		// Stream closed; the call is ending.
		return
	}
}

// Stop ends the call normally with the given terminal conversation status.
// Idempotent.
func (c *Call) Stop(status string) {
	c.terminate(1000, "call ended", status)
}

// Interrupts returns the barge-in count so far.
func (c *Call) Interrupts() int { return int(c.interrupts.Load()) }

// ─────────────────────────────────────────────────────────────────────────────
// Inbound events
// ─────────────────────────────────────────────────────────────────────────────

// handleTranscript queues a finalised utterance for the turn loop. Runs on
// the STT read goroutine, so it must not block.
func (c *Call) handleTranscript(text string) {
	select {
	case c.transcripts <- text:
	case <-c.done:
	default:
		c.log.Warn("transcript queue full, dropping utterance", "text", text)
	}
}

// handleSpeechStarted is the barge-in path. While the agent is listening
// this is just the caller talking; in any other stage it cancels the active
// turn, flushes buffered playback, and returns to listening.
func (c *Call) handleSpeechStarted() {
	c.stageMu.Lock()
	speaking := c.stage != session.StageListening
	c.stageMu.Unlock()
	if !speaking {
		return
	}

	c.deps.Synth.Abort()
	c.turn.Add(1)

	if err := c.deps.Transport.SendClear(); err != nil {
		c.log.Warn("clear message failed", "error", err)
	}

	c.interrupts.Add(1)
	if c.deps.Sessions != nil {
		if _, err := c.deps.Sessions.IncrInterrupts(c.ctx, c.cfg.CallSID); err != nil {
			c.log.Warn("interrupt counter update failed", "error", err)
		}
	}
	if m := c.deps.Metrics; m != nil && m.Interrupts != nil {
		m.Interrupts.Add(c.ctx, 1)
	}

	c.setStage(session.StageListening)
	c.log.Debug("barge-in, playback cancelled")
}

// ─────────────────────────────────────────────────────────────────────────────
// Turn processing
// ─────────────────────────────────────────────────────────────────────────────

// turnLoop consumes transcripts strictly in arrival order.
func (c *Call) turnLoop() {
	for {
		select {
		case <-c.done:
			return
		case text := <-c.transcripts:
			turn := c.turn.Add(1)
			c.processTurn(turn, text)
		}
	}
}

// processTurn runs one full user-to-speech cycle. Every stage rechecks the
// turn counter; a barge-in or newer transcript silently retires this turn.
func (c *Call) processTurn(turn int64, userText string) {
	started := time.Now()
	c.setStage(session.StageThinking)
	c.recordMessage(store.RoleUser, userText, nil)

	ragContext := c.retrieveContext(userText)

	var firstAudioAt time.Time
	spoke := false

	replyText, err := c.deps.Generator.Generate(c.ctx, generator.TurnRequest{
		SystemPrompt: c.cfg.Agent.SystemPrompt,
		ToolNames:    c.cfg.Agent.Tools,
		History:      c.history,
		UserText:     userText,
		RAGContext:   ragContext,
	}, generator.Callbacks{
		OnSentence: func(sentence string) error {
			if c.turn.Load() != turn {
				return errTurnSuperseded
			}
			sentErr := c.speakSentence(turn, sentence)
			if sentErr == nil && !spoke {
				spoke = true
				firstAudioAt = time.Now()
			}
			return sentErr
		},
		OnToolStart: func(toolName, filler string) {
			if c.turn.Load() != turn {
				return
			}
			c.setStage(session.StageToolExecution)
			c.log.Debug("tool call started", "tool", toolName)
			c.speakFiller(turn, filler)
		},
	})

	superseded := errors.Is(err, errTurnSuperseded) || c.turn.Load() != turn
	if err != nil && !superseded {
		c.log.Error("generation failed, speaking fallback", "error", err)
		if m := c.deps.Metrics; m != nil && m.ProviderErrors != nil {
			m.ProviderErrors.Add(c.ctx, 1)
		}
		replyText = generator.FallbackSentence
		if serr := c.speakSentence(turn, replyText); serr == nil && !spoke {
			spoke = true
			firstAudioAt = time.Now()
		}
		superseded = c.turn.Load() != turn
	}

	if superseded {
		// The user message stays recorded; the half-finished reply does not.
		return
	}

	var latencyMs *int64
	if spoke {
		ms := firstAudioAt.Sub(started).Milliseconds()
		latencyMs = &ms
	}
	if replyText != "" {
		c.recordMessage(store.RoleAssistant, replyText, latencyMs)
		c.history = append(c.history,
			llm.Message{Role: "user", Content: userText},
			llm.Message{Role: "assistant", Content: replyText},
		)
	}

	if m := c.deps.Metrics; m != nil {
		if m.Turns != nil {
			m.Turns.Add(c.ctx, 1)
		}
		if m.TurnDuration != nil {
			m.TurnDuration.Record(c.ctx, time.Since(started).Seconds())
		}
	}

	c.setStage(session.StageListening)
}

// retrieveContext runs hybrid retrieval for agents with a knowledge base.
// Failures degrade to no context; a turn without grounding beats no turn.
func (c *Call) retrieveContext(query string) string {
	if c.deps.Retriever == nil || c.cfg.Agent.KnowledgeID == uuid.Nil {
		return ""
	}
	ragContext, err := c.deps.Retriever.Retrieve(c.ctx, c.cfg.Agent.KnowledgeID, query)
	if err != nil {
		c.log.Warn("retrieval failed, continuing without context", "error", err)
		return ""
	}
	return ragContext
}

// speakSentence synthesises one sentence and streams it out. Returns
// errTurnSuperseded if the turn went stale mid-way.
func (c *Call) speakSentence(turn int64, sentence string) error {
	synthStart := time.Now()
	audio, err := c.deps.Synth.GenerateAudio(c.ctx, sentence)
	if err != nil {
		return fmt.Errorf("orchestrator: synthesize: %w", err)
	}
	if m := c.deps.Metrics; m != nil && m.TTSDuration != nil {
		m.TTSDuration.Record(c.ctx, time.Since(synthStart).Seconds())
	}
	if audio == nil {
		// Aborted by barge-in.
		return errTurnSuperseded
	}
	if c.turn.Load() != turn {
		return errTurnSuperseded
	}

	c.setStage(session.StageSpeaking)
	return c.streamAudio(turn, audio)
}

// speakFiller plays a pre-synthesised filler phrase, synthesising live when
// the cache misses. Filler failures never fail the turn.
func (c *Call) speakFiller(turn int64, filler string) {
	var audio []byte
	if c.deps.Fillers != nil {
		audio = c.deps.Fillers.Get(c.cfg.Agent.VoiceID, filler)
	}
	if audio == nil {
		var err error
		audio, err = c.deps.Synth.GenerateAudio(c.ctx, filler)
		if err != nil || audio == nil {
			return
		}
	}
	if c.turn.Load() != turn {
		return
	}
	if err := c.streamAudio(turn, audio); err != nil {
		c.log.Debug("filler playback cut short", "error", err)
	}
}

// streamAudio chunks audio into 20 ms frames and sends them, rechecking the
// turn counter between frames so barge-in cuts playback within one frame.
func (c *Call) streamAudio(turn int64, audio []byte) error {
	for off := 0; off < len(audio); off += frameBytes {
		select {
		case <-c.done:
			return errTurnSuperseded
		default:
		}
		if c.turn.Load() != turn {
			return errTurnSuperseded
		}

		end := off + frameBytes
		if end > len(audio) {
			end = len(audio)
		}
		payload := base64.StdEncoding.EncodeToString(audio[off:end])
		if err := c.deps.Transport.SendMedia(payload); err != nil {
			return fmt.Errorf("orchestrator: send media: %w", err)
		}
	}

	if c.deps.Sessions != nil {
		if _, err := c.deps.Sessions.NextSequence(c.ctx, c.cfg.CallSID); err != nil {
			c.log.Debug("sequence update failed", "error", err)
		}
	}
	return nil
}

// speakGreeting plays the agent greeting as turn zero's speech.
func (c *Call) speakGreeting(greeting string) {
	turn := c.turn.Load()
	for _, sentence := range generator.SplitSentences(greeting) {
		if err := c.speakSentence(turn, sentence); err != nil {
			return
		}
	}
	c.recordMessage(store.RoleAssistant, greeting, nil)
	c.history = append(c.history, llm.Message{Role: "assistant", Content: greeting})
	c.setStage(session.StageListening)
}

// ─────────────────────────────────────────────────────────────────────────────
// Billing and watchdog
// ─────────────────────────────────────────────────────────────────────────────

// billingLoop debits a fixed increment on a fixed cadence for the lifetime
// of the call. Exhausted credit ends the call.
func (c *Call) billingLoop() {
	if c.unbilled {
		return
	}

	ticker := time.NewTicker(c.cfg.BillingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			err := c.deps.Biller.Deduct(c.ctx, c.cfg.OrgID, c.cfg.ConversationID,
				c.cfg.BillingIncrement, "usage tick")
			if err == nil {
				c.billedMu.Lock()
				c.tickerBilled += c.cfg.BillingIncrement
				c.billedMu.Unlock()
				continue
			}
			if errors.Is(err, billing.ErrInsufficientCredits) {
				c.log.Info("credits exhausted mid-call, hanging up")
				c.terminate(ClosePolicyViolation, ReasonInsufficientBalance, store.ConversationCompleted)
				return
			}
			// Transient debit failure: the reconciliation pass settles it.
			c.log.Warn("usage debit failed", "error", err)
		}
	}
}

// watchdogLoop hangs up calls whose inbound audio went silent. Twilio keeps
// streaming frames (even silence) for live calls, so a quiet stream means
// the carrier leg died without a stop message.
func (c *Call) watchdogLoop() {
	ticker := time.NewTicker(c.cfg.WatchdogPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastAudio.Load())
			if time.Since(last) > c.cfg.SilenceTimeout {
				c.log.Info("no inbound audio, treating call as ghost",
					"silent_for", time.Since(last).Round(time.Second))
				c.terminate(ClosePolicyViolation, ReasonGhostTimeout, store.ConversationAbandoned)
				return
			}
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Teardown
// ─────────────────────────────────────────────────────────────────────────────

// terminate ends the call exactly once: stops the pipelines, closes the
// transport, settles billing, and finalises the conversation record.
func (c *Call) terminate(code int, reason, status string) {
	c.once.Do(func() {
		close(c.done)
		c.deps.Synth.Abort()
		c.turn.Add(1)
		if c.sttStream != nil {
			_ = c.sttStream.Close()
		}
		if err := c.deps.Transport.Close(code, reason); err != nil {
			c.log.Debug("transport close failed", "error", err)
		}
		c.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		defer cancel()

		durationMs := time.Since(c.startedAt).Milliseconds()

		if !c.unbilled {
			c.billedMu.Lock()
			billed := c.tickerBilled
			c.billedMu.Unlock()
			c.deps.Biller.Reconcile(ctx, c.cfg.OrgID, c.cfg.ConversationID, durationMs, billed)
		}

		if c.cfg.ConversationID != uuid.Nil && c.deps.Conversations != nil {
			err := c.deps.Conversations.FinishConversation(ctx, c.cfg.ConversationID,
				status, int(durationMs/1000), int(c.interrupts.Load()))
			if err != nil {
				c.log.Error("conversation finalisation failed", "error", err)
			}
		}
		if c.deps.Conversations != nil {
			if err := c.deps.Conversations.ReleaseReservation(ctx, c.cfg.CallSID); err != nil {
				c.log.Warn("reservation release failed", "error", err)
			}
		}
		if c.deps.Sessions != nil {
			if err := c.deps.Sessions.Delete(ctx, c.cfg.CallSID); err != nil {
				c.log.Warn("session delete failed", "error", err)
			}
		}

		if m := c.deps.Metrics; m != nil && m.ActiveCalls != nil {
			m.ActiveCalls.Add(ctx, -1)
		}

		c.log.Info("call ended",
			"status", status,
			"reason", reason,
			"duration_s", durationMs/1000,
			"interrupts", c.interrupts.Load(),
		)
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func (c *Call) setStage(stage string) {
	c.stageMu.Lock()
	c.stage = stage
	c.stageMu.Unlock()

	if c.deps.Sessions != nil {
		if err := c.deps.Sessions.SetStage(c.ctx, c.cfg.CallSID, stage); err != nil {
			c.log.Debug("stage update failed", "stage", stage, "error", err)
		}
	}
}

// recordMessage persists one transcript message; failures are logged because
// a dropped transcript row must not break a live call.
func (c *Call) recordMessage(role, content string, latencyMs *int64) {
	if c.deps.Conversations == nil || c.cfg.ConversationID == uuid.Nil {
		return
	}
	if err := c.deps.Conversations.InsertMessage(c.ctx, c.cfg.ConversationID, role, content, latencyMs); err != nil {
		c.log.Warn("message insert failed", "role", role, "error", err)
	}
}
