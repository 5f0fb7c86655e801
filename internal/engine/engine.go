// Package engine implements the USSD session automation engine: it
// watches stabilized screen snapshots, decides what each gateway turn is
// asking for, injects the answer, and extracts the terminal outcome.
package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/paxlab/ussd-pilot/internal/actuator"
	"github.com/paxlab/ussd-pilot/internal/domain"
	"github.com/paxlab/ussd-pilot/internal/snapshot"
)

var (
	// ErrEngineBusy is returned when a session is active or a submission
	// is still in flight. Callers retry after cancel or outcome.
	ErrEngineBusy = errors.New("engine busy: session active or submission in flight")
	// ErrNoActiveSession is returned by Cancel when nothing is running.
	ErrNoActiveSession = errors.New("no active session")
	// ErrHandleMismatch is returned by Cancel for a stale handle.
	ErrHandleMismatch = errors.New("session handle does not match active session")
)

// Config holds engine tuning. The reference values match the timing the
// carrier gateway tolerates; all are overridable.
type Config struct {
	// ShortCode is the USSD code dialed to open a session.
	ShortCode string
	// SourceID filters snapshot events to the session-hosting app.
	// Empty accepts events from any source.
	SourceID string

	// DebounceWindow discards snapshot events arriving too close to the
	// previous one.
	DebounceWindow time.Duration
	// SettleDelay is how long a new turn must stay unchanged before the
	// engine acts on it.
	SettleDelay time.Duration
	// SubmitInterval is the minimum time between two submissions.
	SubmitInterval time.Duration
	// PostInjectDelay separates text injection from the submit tap.
	PostInjectDelay time.Duration
	// SubmitCooldown holds the submission lock after the submit tap.
	SubmitCooldown time.Duration
	// FocusGrantDelay defers injection after focus had to be requested.
	FocusGrantDelay time.Duration
	// ActuationTimeout bounds one full injection sequence.
	ActuationTimeout time.Duration
	// SessionTimeout ends a session whose gateway went quiet. Zero
	// disables the watchdog.
	SessionTimeout time.Duration

	// MaxFinalMessage bounds the terminal text surfaced to the user.
	MaxFinalMessage int
	// TranscriptSize bounds the diagnostic turn history.
	TranscriptSize int
}

// DefaultConfig returns the reference engine timings.
func DefaultConfig() Config {
	return Config{
		ShortCode:        "*99#",
		DebounceWindow:   100 * time.Millisecond,
		SettleDelay:      200 * time.Millisecond,
		SubmitInterval:   300 * time.Millisecond,
		PostInjectDelay:  300 * time.Millisecond,
		SubmitCooldown:   300 * time.Millisecond,
		FocusGrantDelay:  150 * time.Millisecond,
		ActuationTimeout: 15 * time.Second,
		SessionTimeout:   2 * time.Minute,
		MaxFinalMessage:  280,
		TranscriptSize:   50,
	}
}

// Listener receives engine events. OnOutcome is called off the loop
// goroutine and may block; OnTurn must return quickly.
type Listener interface {
	OnTurn(handle, text string)
	OnOutcome(outcome domain.Outcome)
}

// MultiListener fans events out to several listeners.
func MultiListener(ls ...Listener) Listener {
	return multiListener(ls)
}

type multiListener []Listener

func (m multiListener) OnTurn(handle, text string) {
	for _, l := range m {
		l.OnTurn(handle, text)
	}
}

func (m multiListener) OnOutcome(out domain.Outcome) {
	for _, l := range m {
		l.OnOutcome(out)
	}
}

// engineState is the dedup/timing state shared by the one active session
// at a time. It is owned by the loop goroutine and reset whenever a
// session starts or ends.
type engineState struct {
	lastRespondedFingerprint string
	currentFingerprint       string
	lastEventAt              time.Time
	lastSubmitAt             time.Time
	stabilized               bool
	submitting               bool

	// pending holds a turn that stabilized while a submission held the
	// lock. The snapshot source only emits on content change, so the turn
	// is replayed when the lock releases instead of waiting for a
	// re-delivery that never comes.
	pendingFP   string
	pendingText string
	pendingRoot *snapshot.Node
}

func (s *engineState) reset() {
	*s = engineState{}
}

// Status is a cross-thread view of the engine.
type Status struct {
	Active     bool                 `json:"active"`
	Handle     string               `json:"handle,omitempty"`
	Kind       domain.OperationKind `json:"kind,omitempty"`
	Steps      int                  `json:"steps"`
	Submitting bool                 `json:"submitting"`
	StartedAt  time.Time            `json:"started_at,omitzero"`
}

// Engine drives one USSD session at a time over the collaborator
// interfaces. All decision logic runs on a single loop goroutine;
// blocking actuation runs in helper goroutines that post state changes
// back onto the loop.
type Engine struct {
	cfg      Config
	cls      *snapshot.Classifier
	source   actuator.SnapshotSource
	input    actuator.InputActuator
	dialer   actuator.Dialer
	listener Listener
	logger   *slog.Logger

	loop       *loop
	state      engineState     // loop-owned
	session    *domain.Session // loop-owned
	transcript *Transcript

	// inflight counts running actuation goroutines. Loop-owned and, unlike
	// the dedup state, never reset on session boundaries: a cancelled
	// session's actuation must drain before a new session may start.
	inflight int

	// gen identifies the current session epoch. Bumped on every session
	// start and teardown so a stale actuation goroutine can detect that
	// its session is gone and stand down.
	gen atomic.Uint64

	// status is updated from the loop and read from any goroutine.
	status atomic.Pointer[Status]

	// now is swappable for tests.
	now func() time.Time
}

// New creates an engine and starts its loop. The engine begins handling
// snapshot events once a session starts.
func New(cfg Config, source actuator.SnapshotSource, input actuator.InputActuator, dialer actuator.Dialer, listener Listener, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:        cfg,
		cls:        snapshot.NewClassifier(logger),
		source:     source,
		input:      input,
		dialer:     dialer,
		listener:   listener,
		logger:     logger,
		loop:       newLoop(logger),
		transcript: NewTranscript(cfg.TranscriptSize),
		now:        time.Now,
	}
	e.status.Store(&Status{})
	if source != nil {
		source.Subscribe(e.onSnapshotEvent)
	}
	return e
}

// Close stops the engine loop. Any active session is abandoned without
// an outcome.
func (e *Engine) Close() {
	e.loop.stop()
}

// Status returns a point-in-time view of the engine.
func (e *Engine) Status() Status {
	return *e.status.Load()
}

// Transcript returns the recent turn history for diagnostics.
func (e *Engine) Transcript() []TurnEntry {
	return e.transcript.Entries()
}

// StartBalanceCheck begins a balance-check session.
func (e *Engine) StartBalanceCheck(sec domain.Secrets) (string, error) {
	return e.startSession(domain.OpBalanceCheck, sec, domain.TransferParams{})
}

// StartSendMoney begins a send-money session.
func (e *Engine) StartSendMoney(sec domain.Secrets, tr domain.TransferParams) (string, error) {
	if tr.Remarks == "" {
		tr.Remarks = "Payment"
	}
	return e.startSession(domain.OpSendMoney, sec, tr)
}

// StartLinkBank begins a link-bank session.
func (e *Engine) StartLinkBank(sec domain.Secrets) (string, error) {
	return e.startSession(domain.OpLinkBank, sec, domain.TransferParams{})
}

func (e *Engine) startSession(kind domain.OperationKind, sec domain.Secrets, tr domain.TransferParams) (string, error) {
	var (
		handle string
		err    error
	)
	e.loop.postWait(func() {
		if e.session != nil || e.inflight > 0 {
			err = ErrEngineBusy
			return
		}
		handle = uuid.NewString()
		e.session = &domain.Session{
			Handle:    handle,
			Kind:      kind,
			Secrets:   sec,
			Transfer:  tr,
			StartedAt: e.now(),
		}
		e.state.reset()
		e.gen.Add(1)
		e.loop.cancelAllTimers()
		e.transcript.Reset()
		e.armWatchdog()
		e.publishStatus()
	})
	if err != nil {
		return "", err
	}

	e.logger.Info("[ENGINE] Session started",
		"handle", handle,
		"kind", kind,
		"pin", domain.Mask(sec.PIN),
	)

	if e.dialer != nil {
		dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if dialErr := e.dialer.Dial(dialCtx, e.cfg.ShortCode); dialErr != nil {
			e.loop.postWait(func() {
				e.clearSession()
			})
			return "", dialErr
		}
	}
	return handle, nil
}

// Cancel ends the session identified by handle: pending timers fire no
// further action and dedup state is fully reset before returning.
func (e *Engine) Cancel(handle string) error {
	var err error
	e.loop.postWait(func() {
		if e.session == nil {
			err = ErrNoActiveSession
			return
		}
		if handle != "" && handle != e.session.Handle {
			err = ErrHandleMismatch
			return
		}
		e.logger.Info("[ENGINE] Session cancelled", "handle", e.session.Handle, "kind", e.session.Kind)
		e.clearSession()
	})
	return err
}

// clearSession drops the session and resets all dedup/timing state.
// Must run on the loop goroutine. Any in-flight actuation keeps running
// but observes the epoch bump and stands down; its inflight slot drains
// when the goroutine exits, keeping the engine busy until then.
func (e *Engine) clearSession() {
	e.session = nil
	e.state.reset()
	e.gen.Add(1)
	e.loop.cancelAllTimers()
	e.publishStatus()
}

func (e *Engine) publishStatus() {
	st := &Status{Submitting: e.state.submitting}
	if e.session != nil {
		st.Active = true
		st.Handle = e.session.Handle
		st.Kind = e.session.Kind
		st.Steps = e.session.Progress.Steps
		st.StartedAt = e.session.StartedAt
	}
	e.status.Store(st)
}

func (e *Engine) armWatchdog() {
	if e.cfg.SessionTimeout <= 0 {
		return
	}
	e.loop.schedule(timerWatchdog, e.cfg.SessionTimeout, func() {
		if e.session == nil {
			return
		}
		e.logger.Warn("[ENGINE] Session timed out", "handle", e.session.Handle, "kind", e.session.Kind)
		e.finishSession("Session timed out: no response from the network", false)
	})
}

// onSnapshotEvent is the entry point for OS snapshot events. It may be
// called from any goroutine; the work is posted onto the loop.
func (e *Engine) onSnapshotEvent(sourceID string, root *snapshot.Node) {
	e.loop.post(func() {
		e.handleSnapshot(sourceID, root)
	})
}

// handleSnapshot runs the classifier and the stabilization/dedup layer
// for one snapshot event. Must run on the loop goroutine.
func (e *Engine) handleSnapshot(sourceID string, root *snapshot.Node) {
	if e.session == nil {
		return
	}
	if e.cfg.SourceID != "" && sourceID != "" && sourceID != e.cfg.SourceID {
		return
	}

	now := e.now()
	if !e.state.lastEventAt.IsZero() && now.Sub(e.state.lastEventAt) < e.cfg.DebounceWindow {
		return
	}
	e.state.lastEventAt = now

	text, ok := e.cls.Classify(root)
	if !ok {
		return
	}

	fp := fingerprint(text)
	if fp == e.state.currentFingerprint {
		// Same turn repeated; if a stabilization timer is pending it keeps
		// running, if the turn is already stabilized there is nothing to do.
		return
	}

	// New turn: supersede any pending stabilization.
	e.state.currentFingerprint = fp
	e.state.stabilized = false
	e.session.Progress.Steps++
	e.armWatchdog()
	e.publishStatus()

	if matchesError(text) {
		// Error turns are final and need no settle time.
		e.loop.cancelTimer(timerStabilize)
		e.logger.Info("[ENGINE] Error turn detected", "handle", e.session.Handle, "fingerprint", fp)
		e.emitTurn(text)
		e.finishSession(text, false)
		return
	}

	e.loop.schedule(timerStabilize, e.cfg.SettleDelay, func() {
		e.onStabilized(fp, text, root)
	})
}

// onStabilized handles a turn whose content has settled. Must run on the
// loop goroutine.
func (e *Engine) onStabilized(fp, text string, root *snapshot.Node) {
	if e.session == nil {
		return
	}
	if fp != e.state.currentFingerprint {
		// Superseded by a newer turn after the timer was armed.
		return
	}
	e.state.stabilized = true
	e.emitTurn(text)

	if matchesSuccess(text) {
		e.finishSession(text, true)
		return
	}

	e.respondTo(fp, text, root)
}

// respondTo decides and dispatches the answer for a stabilized turn.
// Must run on the loop goroutine.
func (e *Engine) respondTo(fp, text string, root *snapshot.Node) {
	if fp == e.state.lastRespondedFingerprint {
		return
	}
	if e.state.submitting {
		// Park the turn; it is replayed once the submission lock releases.
		e.state.pendingFP = fp
		e.state.pendingText = text
		e.state.pendingRoot = root
		return
	}

	resp, ok := decideResponse(e.session, text)
	e.publishStatus()
	if !ok {
		e.logger.Debug("[ENGINE] No response for turn", "handle", e.session.Handle, "fingerprint", fp)
		return
	}

	if wait := e.cfg.SubmitInterval - e.now().Sub(e.state.lastSubmitAt); !e.state.lastSubmitAt.IsZero() && wait > 0 {
		// Too soon after the previous submission: defer, don't drop.
		e.loop.schedule(timerRespond, wait, func() {
			e.inject(fp, resp, root)
		})
		return
	}
	e.inject(fp, resp, root)
}

// flushPendingTurn replays a turn that stabilized while a submission was
// in flight. Must run on the loop goroutine.
func (e *Engine) flushPendingTurn() {
	if e.session == nil || e.state.pendingFP == "" {
		return
	}
	fp, text, root := e.state.pendingFP, e.state.pendingText, e.state.pendingRoot
	e.state.pendingFP, e.state.pendingText, e.state.pendingRoot = "", "", nil
	if fp != e.state.currentFingerprint {
		// Superseded by a newer turn while parked.
		return
	}
	e.respondTo(fp, text, root)
}

// emitTurn records the turn in the transcript and notifies the listener.
func (e *Engine) emitTurn(text string) {
	e.transcript.Append(text)
	if e.listener != nil {
		e.listener.OnTurn(e.session.Handle, text)
	}
}

// finishSession produces the Outcome and destroys the session. Must run
// on the loop goroutine.
func (e *Engine) finishSession(text string, success bool) {
	sess := e.session
	out := buildOutcome(sess, text, success, e.cfg.MaxFinalMessage, e.now())

	e.clearSession()

	e.logger.Info("[ENGINE] Session finished",
		"handle", out.Handle,
		"kind", out.Kind,
		"success", out.Success,
		"reference_id", out.ReferenceID,
		"steps", sess.Progress.Steps,
	)

	if e.listener != nil {
		// Outcome delivery may hit storage; keep it off the loop.
		go e.listener.OnOutcome(out)
	}
}

// fingerprint hashes turn text for deduplication.
func fingerprint(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return strconv.FormatUint(h.Sum64(), 16)
}
