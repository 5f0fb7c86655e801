package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paxlab/ussd-pilot/internal/domain"
	"github.com/paxlab/ussd-pilot/internal/snapshot"
)

// fakeSource lets tests push snapshot events by hand.
type fakeSource struct {
	mu   sync.Mutex
	subs []func(string, *snapshot.Node)
}

func (f *fakeSource) Current(ctx context.Context) (*snapshot.Node, error) { return nil, nil }

func (f *fakeSource) Subscribe(fn func(sourceID string, root *snapshot.Node)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
}

func (f *fakeSource) emit(sourceID string, root *snapshot.Node) {
	f.mu.Lock()
	subs := make([]func(string, *snapshot.Node), len(f.subs))
	copy(subs, f.subs)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(sourceID, root)
	}
}

// fakeActuator records injected input instead of touching a device. A
// non-nil gate blocks SetText until the channel is closed, simulating a
// device call held in flight.
type fakeActuator struct {
	mu         sync.Mutex
	texts      []string
	textTimes  []time.Time
	activated  []string
	tapTimes   []time.Time
	focusReqs  int
	setTextErr error
	gate       chan struct{}
}

func (f *fakeActuator) FindInputField(root *snapshot.Node) *snapshot.Node {
	return snapshot.FindEditable(root)
}

func (f *fakeActuator) FindControlByLabel(root *snapshot.Node, labels []string) *snapshot.Node {
	return snapshot.FindByLabel(root, labels)
}

func (f *fakeActuator) SetText(ctx context.Context, control *snapshot.Node, text string) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setTextErr != nil {
		return f.setTextErr
	}
	f.texts = append(f.texts, text)
	f.textTimes = append(f.textTimes, time.Now())
	return nil
}

func (f *fakeActuator) Activate(ctx context.Context, control *snapshot.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activated = append(f.activated, control.Text)
	f.tapTimes = append(f.tapTimes, time.Now())
	return nil
}

func (f *fakeActuator) RequestFocus(ctx context.Context, control *snapshot.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focusReqs++
	return nil
}

func (f *fakeActuator) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

func (f *fakeActuator) activatedLabels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.activated))
	copy(out, f.activated)
	return out
}

// fakeDialer records dialed codes and can fail on demand.
type fakeDialer struct {
	mu    sync.Mutex
	codes []string
	err   error
}

func (f *fakeDialer) Dial(ctx context.Context, shortCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.codes = append(f.codes, shortCode)
	return nil
}

type fakeListener struct {
	turns    chan string
	outcomes chan domain.Outcome
}

func newFakeListener() *fakeListener {
	return &fakeListener{
		turns:    make(chan string, 16),
		outcomes: make(chan domain.Outcome, 16),
	}
}

func (f *fakeListener) OnTurn(handle, text string) {
	select {
	case f.turns <- text:
	default:
	}
}

func (f *fakeListener) OnOutcome(out domain.Outcome) {
	f.outcomes <- out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.DebounceWindow = 0
	cfg.SettleDelay = 5 * time.Millisecond
	cfg.SubmitInterval = 0
	cfg.PostInjectDelay = 0
	cfg.SubmitCooldown = time.Millisecond
	cfg.FocusGrantDelay = 0
	cfg.ActuationTimeout = time.Second
	cfg.SessionTimeout = 0
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, dialer *fakeDialer) (*Engine, *fakeSource, *fakeActuator, *fakeListener) {
	t.Helper()
	src := &fakeSource{}
	act := &fakeActuator{}
	lis := newFakeListener()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var eng *Engine
	if dialer != nil {
		eng = New(cfg, src, act, dialer, lis, logger)
	} else {
		eng = New(cfg, src, act, nil, lis, logger)
	}
	t.Cleanup(eng.Close)
	return eng, src, act, lis
}

// promptTree builds a prompt turn with an editable field and a Send button.
func promptTree(text string) *snapshot.Node {
	return &snapshot.Node{
		Class: "hierarchy",
		Children: []*snapshot.Node{
			{Text: text, Class: "android.widget.TextView"},
			{Class: "android.widget.EditText", Editable: true, Focused: true,
				Bounds: snapshot.Rect{Left: 0, Top: 200, Right: 400, Bottom: 260}},
			{Text: "Send", Class: "android.widget.Button", Clickable: true,
				Bounds: snapshot.Rect{Left: 0, Top: 300, Right: 200, Bottom: 360}},
		},
	}
}

// menuTree builds a field-less menu turn with an OK button.
func menuTree(lines ...string) *snapshot.Node {
	root := &snapshot.Node{Class: "hierarchy"}
	for _, line := range lines {
		root.Children = append(root.Children, &snapshot.Node{Text: line, Class: "android.widget.TextView"})
	}
	root.Children = append(root.Children, &snapshot.Node{
		Text: "OK", Class: "android.widget.Button", Clickable: true,
		Bounds: snapshot.Rect{Left: 0, Top: 300, Right: 200, Bottom: 360},
	})
	return root
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func waitOutcome(t *testing.T, lis *fakeListener) domain.Outcome {
	t.Helper()
	select {
	case out := <-lis.outcomes:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for outcome")
		return domain.Outcome{}
	}
}

func TestEngineAnswersPinPromptOnce(t *testing.T) {
	eng, src, act, lis := newTestEngine(t, testConfig(), nil)

	handle, err := eng.StartBalanceCheck(domain.Secrets{PIN: "4321"})
	if err != nil {
		t.Fatalf("StartBalanceCheck failed: %v", err)
	}
	if handle == "" {
		t.Fatal("Expected a session handle")
	}

	tree := promptTree("Enter your MPIN")
	src.emit("", tree)

	waitFor(t, "PIN injection", func() bool {
		return len(act.sentTexts()) == 1
	})
	if got := act.sentTexts()[0]; got != "4321" {
		t.Errorf("Expected PIN injected, got %q", got)
	}
	waitFor(t, "submit tap", func() bool {
		labels := act.activatedLabels()
		return len(labels) == 1 && labels[0] == "Send"
	})

	// The same stabilized turn must never be answered twice.
	src.emit("", tree)
	src.emit("", tree)
	time.Sleep(50 * time.Millisecond)
	if got := len(act.sentTexts()); got != 1 {
		t.Errorf("Expected exactly 1 injection after repeats, got %d", got)
	}

	select {
	case text := <-lis.turns:
		if !strings.Contains(text, "MPIN") {
			t.Errorf("Unexpected turn text %q", text)
		}
	case <-time.After(time.Second):
		t.Error("Expected a turn notification")
	}
}

func TestEngineRejectsConcurrentSessions(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, testConfig(), nil)

	if _, err := eng.StartBalanceCheck(domain.Secrets{PIN: "1111"}); err != nil {
		t.Fatalf("First start failed: %v", err)
	}
	if _, err := eng.StartSendMoney(domain.Secrets{PIN: "1111"}, domain.TransferParams{Recipient: "9876543210", Amount: 10}); !errors.Is(err, ErrEngineBusy) {
		t.Errorf("Expected ErrEngineBusy, got %v", err)
	}
}

func TestEngineErrorTurnFinishesImmediately(t *testing.T) {
	eng, src, act, lis := newTestEngine(t, testConfig(), nil)

	if _, err := eng.StartBalanceCheck(domain.Secrets{PIN: "4321"}); err != nil {
		t.Fatalf("StartBalanceCheck failed: %v", err)
	}

	src.emit("", promptTree("Invalid MPIN. Transaction declined."))

	out := waitOutcome(t, lis)
	if out.Success {
		t.Error("Expected failed outcome")
	}
	if !strings.Contains(out.FinalMessage, "Invalid MPIN") {
		t.Errorf("Expected final message to carry the error text, got %q", out.FinalMessage)
	}
	if len(act.sentTexts()) != 0 {
		t.Error("Expected no injection on an error turn")
	}
	waitFor(t, "session teardown", func() bool {
		return !eng.Status().Active
	})
}

func TestEngineSuccessOutcomeExtraction(t *testing.T) {
	eng, src, _, lis := newTestEngine(t, testConfig(), nil)

	if _, err := eng.StartSendMoney(domain.Secrets{PIN: "4321"}, domain.TransferParams{Recipient: "9876543210", Amount: 500}); err != nil {
		t.Fatalf("StartSendMoney failed: %v", err)
	}

	src.emit("", menuTree("Money sent successfully. UTR: 123456789012"))

	out := waitOutcome(t, lis)
	if !out.Success {
		t.Fatalf("Expected success, got %+v", out)
	}
	if out.ReferenceID != "123456789012" {
		t.Errorf("Expected reference id extracted, got %q", out.ReferenceID)
	}
	if out.Recipient != "9876543210" || out.Amount != 500 {
		t.Errorf("Expected transfer details, got %q/%d", out.Recipient, out.Amount)
	}
	if out.Kind != domain.OpSendMoney {
		t.Errorf("Expected send_money kind, got %q", out.Kind)
	}
}

func TestEngineAcknowledgesFieldlessMenu(t *testing.T) {
	eng, src, act, _ := newTestEngine(t, testConfig(), nil)

	if _, err := eng.StartSendMoney(domain.Secrets{PIN: "4321"}, domain.TransferParams{Recipient: "9876543210", Amount: 500}); err != nil {
		t.Fatalf("StartSendMoney failed: %v", err)
	}

	src.emit("", menuTree("1. Send Money", "2. Check Balance"))

	// No input field: the decided response cannot be typed, so the turn is
	// acknowledged instead.
	waitFor(t, "acknowledgement tap", func() bool {
		labels := act.activatedLabels()
		return len(labels) == 1 && labels[0] == "OK"
	})
	if len(act.sentTexts()) != 0 {
		t.Error("Expected no text injection without an input field")
	}
}

func TestEngineCancel(t *testing.T) {
	eng, _, _, _ := newTestEngine(t, testConfig(), nil)

	handle, err := eng.StartBalanceCheck(domain.Secrets{PIN: "4321"})
	if err != nil {
		t.Fatalf("StartBalanceCheck failed: %v", err)
	}

	if err := eng.Cancel("bogus-handle"); !errors.Is(err, ErrHandleMismatch) {
		t.Errorf("Expected ErrHandleMismatch, got %v", err)
	}
	if err := eng.Cancel(handle); err != nil {
		t.Errorf("Expected cancel to succeed, got %v", err)
	}
	if eng.Status().Active {
		t.Error("Expected inactive status after cancel")
	}
	if err := eng.Cancel(handle); !errors.Is(err, ErrNoActiveSession) {
		t.Errorf("Expected ErrNoActiveSession, got %v", err)
	}

	// Cancellation frees the engine for the next session.
	if _, err := eng.StartBalanceCheck(domain.Secrets{PIN: "4321"}); err != nil {
		t.Errorf("Expected restart after cancel, got %v", err)
	}
}

func TestEngineDialFailureRollsBack(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("no telephony")}
	eng, _, _, _ := newTestEngine(t, testConfig(), dialer)

	if _, err := eng.StartBalanceCheck(domain.Secrets{PIN: "4321"}); err == nil {
		t.Fatal("Expected dial error")
	}
	if eng.Status().Active {
		t.Error("Expected no active session after dial failure")
	}

	// The engine is immediately reusable.
	dialer.err = nil
	if _, err := eng.StartBalanceCheck(domain.Secrets{PIN: "4321"}); err != nil {
		t.Errorf("Expected start to succeed after recovery, got %v", err)
	}
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if len(dialer.codes) != 1 || dialer.codes[0] != "*99#" {
		t.Errorf("Expected one dial of *99#, got %v", dialer.codes)
	}
}

func TestEngineWatchdogTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.SessionTimeout = 20 * time.Millisecond
	eng, _, _, lis := newTestEngine(t, cfg, nil)

	if _, err := eng.StartBalanceCheck(domain.Secrets{PIN: "4321"}); err != nil {
		t.Fatalf("StartBalanceCheck failed: %v", err)
	}

	out := waitOutcome(t, lis)
	if out.Success {
		t.Error("Expected timeout outcome to be a failure")
	}
	if !strings.Contains(out.FinalMessage, "timed out") {
		t.Errorf("Expected timeout message, got %q", out.FinalMessage)
	}
	if eng.Status().Active {
		t.Error("Expected session gone after watchdog")
	}
}

func TestEngineFiltersForeignSources(t *testing.T) {
	cfg := testConfig()
	cfg.SourceID = "com.android.phone"
	eng, src, act, _ := newTestEngine(t, cfg, nil)

	if _, err := eng.StartBalanceCheck(domain.Secrets{PIN: "4321"}); err != nil {
		t.Fatalf("StartBalanceCheck failed: %v", err)
	}

	src.emit("com.example.game", promptTree("Enter your MPIN"))
	time.Sleep(30 * time.Millisecond)
	if len(act.sentTexts()) != 0 {
		t.Fatal("Expected foreign-source snapshot to be ignored")
	}

	src.emit("com.android.phone", promptTree("Enter your MPIN"))
	waitFor(t, "PIN injection", func() bool {
		return len(act.sentTexts()) == 1
	})
}

func TestEngineStaysBusyWhileCancelledSubmissionDrains(t *testing.T) {
	eng, src, act, _ := newTestEngine(t, testConfig(), nil)
	release := make(chan struct{})
	act.gate = release

	handle, err := eng.StartBalanceCheck(domain.Secrets{PIN: "4321"})
	if err != nil {
		t.Fatalf("StartBalanceCheck failed: %v", err)
	}

	src.emit("", promptTree("Enter your MPIN"))
	waitFor(t, "submission in flight", func() bool {
		return eng.Status().Submitting
	})

	// Cancel while the device call is still held in flight.
	if err := eng.Cancel(handle); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if _, err := eng.StartSendMoney(domain.Secrets{PIN: "9999"}, domain.TransferParams{Recipient: "9876543210", Amount: 10}); !errors.Is(err, ErrEngineBusy) {
		t.Fatalf("Expected ErrEngineBusy while the cancelled submission drains, got %v", err)
	}

	close(release)

	// Once the stale goroutine drains, the engine frees up.
	waitFor(t, "engine idle after drain", func() bool {
		_, err := eng.StartSendMoney(domain.Secrets{PIN: "9999"}, domain.TransferParams{Recipient: "9876543210", Amount: 10})
		return err == nil
	})

	// The stale submission must not tap submit into the new session.
	time.Sleep(50 * time.Millisecond)
	if taps := act.activatedLabels(); len(taps) != 0 {
		t.Errorf("Expected no submit tap from the cancelled submission, got %v", taps)
	}
	if st := eng.Status(); !st.Active || st.Submitting {
		t.Errorf("Unexpected status after drain: %+v", st)
	}
}

func TestEngineDefersSecondResponseBySubmitInterval(t *testing.T) {
	cfg := testConfig()
	cfg.SubmitInterval = 60 * time.Millisecond
	eng, src, act, _ := newTestEngine(t, cfg, nil)

	if _, err := eng.StartBalanceCheck(domain.Secrets{PIN: "4321", RoutingCode: "SBIN0001234"}); err != nil {
		t.Fatalf("StartBalanceCheck failed: %v", err)
	}

	src.emit("", promptTree("Enter your MPIN"))
	waitFor(t, "first submission", func() bool {
		return len(act.activatedLabels()) == 1 && !eng.Status().Submitting
	})

	src.emit("", promptTree("Enter first four letters of your bank"))

	// The second response is deferred, not dropped.
	waitFor(t, "deferred second injection", func() bool {
		return len(act.sentTexts()) == 2
	})
	texts := act.sentTexts()
	if texts[0] != "4321" || texts[1] != "SBIN" {
		t.Fatalf("Expected responses in turn order, got %v", texts)
	}

	act.mu.Lock()
	firstTap := act.tapTimes[0]
	secondText := act.textTimes[1]
	act.mu.Unlock()
	if gap := secondText.Sub(firstTap); gap < cfg.SubmitInterval {
		t.Errorf("Expected second injection at least %v after the first submission, got %v", cfg.SubmitInterval, gap)
	}
}

func TestEngineReplaysTurnParkedBehindSubmission(t *testing.T) {
	cfg := testConfig()
	cfg.SubmitCooldown = 60 * time.Millisecond
	eng, src, act, _ := newTestEngine(t, cfg, nil)

	if _, err := eng.StartBalanceCheck(domain.Secrets{PIN: "4321", RoutingCode: "SBIN0001234"}); err != nil {
		t.Fatalf("StartBalanceCheck failed: %v", err)
	}

	src.emit("", promptTree("Enter your MPIN"))
	waitFor(t, "first injection", func() bool {
		return len(act.sentTexts()) == 1
	})

	// This turn stabilizes during the first submission's cooldown. The
	// watcher only emits on content change, so it is never re-delivered;
	// the engine must replay it once the lock releases.
	src.emit("", promptTree("Enter first four letters of your bank"))

	waitFor(t, "parked turn replayed", func() bool {
		return len(act.sentTexts()) == 2
	})
	if got := act.sentTexts()[1]; got != "SBIN" {
		t.Errorf("Expected bank answer replayed, got %q", got)
	}
}

func TestEngineActuationFailureReleasesLock(t *testing.T) {
	eng, src, act, _ := newTestEngine(t, testConfig(), nil)
	act.setTextErr = errors.New("device gone")

	if _, err := eng.StartBalanceCheck(domain.Secrets{PIN: "4321"}); err != nil {
		t.Fatalf("StartBalanceCheck failed: %v", err)
	}

	src.emit("", promptTree("Enter your MPIN"))

	// The failed submission must release the lock and keep the session up.
	waitFor(t, "submission lock release", func() bool {
		st := eng.Status()
		return st.Active && !st.Submitting && eng.Transcript() != nil && len(eng.Transcript()) == 1
	})
}
