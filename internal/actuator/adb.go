package actuator

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/paxlab/ussd-pilot/internal/snapshot"
)

var (
	errNoBounds    = errors.New("control has no usable bounds")
	errNilControl  = errors.New("nil control")
	errEmptyOutput = errors.New("empty dump output")
)

// boundsPattern parses uiautomator bounds: "[0,72][1080,1920]".
var boundsPattern = regexp.MustCompile(`\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]`)

// focusPattern extracts the foreground package from dumpsys window output.
var focusPattern = regexp.MustCompile(`mCurrentFocus=\S+\s+(?:\S+\s+)?([\w.]+)/`)

// TypingConfig paces synthetic keystrokes to look human.
type TypingConfig struct {
	// ThinkPause is the delay before the first character (default 500ms).
	ThinkPause time.Duration
	// KeyDelay is the base delay between characters. Zero sends the whole
	// string in one injection.
	KeyDelay time.Duration
	// JitterMax is random jitter added to KeyDelay (default 25ms).
	JitterMax time.Duration
}

// DefaultTypingConfig returns pacing suitable for USSD dialogs.
func DefaultTypingConfig() TypingConfig {
	return TypingConfig{
		ThinkPause: 500 * time.Millisecond,
		KeyDelay:   0,
		JitterMax:  25 * time.Millisecond,
	}
}

// ADBConfig configures the ADB-backed actuator.
type ADBConfig struct {
	// Path is the adb executable (default "adb").
	Path string
	// Serial selects the device when more than one is attached.
	Serial string
	// TargetPackage is the session-hosting application. Snapshot events
	// are keyed by the foreground package so the engine can filter.
	TargetPackage string
	// PollInterval is how often the watcher re-captures the screen.
	PollInterval time.Duration
	// CommandTimeout bounds every adb invocation.
	CommandTimeout time.Duration
	Typing         TypingConfig
}

// DefaultADBConfig returns sensible defaults.
func DefaultADBConfig() ADBConfig {
	return ADBConfig{
		Path:           "adb",
		PollInterval:   500 * time.Millisecond,
		CommandTimeout: 10 * time.Second,
		Typing:         DefaultTypingConfig(),
	}
}

// ADB implements SnapshotSource, InputActuator and Dialer over the
// Android Debug Bridge CLI: snapshots via uiautomator dumps, injection
// via input text/tap, dialing via an ACTION_CALL intent.
type ADB struct {
	cfg    ADBConfig
	logger *slog.Logger

	subMu sync.RWMutex
	subs  []func(string, *snapshot.Node)

	lastDumpHash uint64
}

// Compile-time interface checks.
var (
	_ SnapshotSource = (*ADB)(nil)
	_ InputActuator  = (*ADB)(nil)
	_ Dialer         = (*ADB)(nil)
)

// NewADB creates an ADB actuator.
func NewADB(cfg ADBConfig, logger *slog.Logger) *ADB {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "adb"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 10 * time.Second
	}
	return &ADB{cfg: cfg, logger: logger}
}

// Probe verifies that adb can reach the device.
func (a *ADB) Probe(ctx context.Context) error {
	out, err := a.run(ctx, "get-state")
	if err != nil {
		return fmt.Errorf("adb get-state: %w", err)
	}
	state := strings.TrimSpace(out)
	if state != "device" {
		return fmt.Errorf("device not ready: state %q", state)
	}
	return nil
}

// run executes an adb command against the configured device.
func (a *ADB) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CommandTimeout)
	defer cancel()

	full := make([]string, 0, len(args)+2)
	if a.cfg.Serial != "" {
		full = append(full, "-s", a.cfg.Serial)
	}
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, a.cfg.Path, full...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("adb %s: %w", args[0], err)
	}
	return string(out), nil
}

func (a *ADB) shell(ctx context.Context, args ...string) (string, error) {
	return a.run(ctx, append([]string{"shell"}, args...)...)
}

// Current captures the on-screen hierarchy as a snapshot tree.
func (a *ADB) Current(ctx context.Context) (*snapshot.Node, error) {
	out, err := a.run(ctx, "exec-out", "uiautomator", "dump", "/dev/tty")
	if err != nil {
		return nil, fmt.Errorf("uiautomator dump: %w", err)
	}
	root, err := parseHierarchy([]byte(out))
	if err != nil {
		return nil, err
	}
	return root, nil
}

// Subscribe registers a snapshot-changed callback.
func (a *ADB) Subscribe(fn func(sourceID string, root *snapshot.Node)) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	a.subs = append(a.subs, fn)
}

// Watch polls the device and notifies subscribers when screen content
// changes. It blocks until ctx is cancelled; run it in its own goroutine.
func (a *ADB) Watch(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

func (a *ADB) poll(ctx context.Context) {
	pkg, err := a.foregroundPackage(ctx)
	if err != nil {
		a.logger.Debug("[ADB] Foreground package lookup failed", "error", err)
		return
	}
	if a.cfg.TargetPackage != "" && pkg != a.cfg.TargetPackage {
		return
	}

	root, err := a.Current(ctx)
	if err != nil {
		a.logger.Debug("[ADB] Snapshot capture failed", "error", err)
		return
	}
	if root == nil {
		return
	}

	h := hashTree(root)
	if h == a.lastDumpHash {
		return
	}
	a.lastDumpHash = h

	a.subMu.RLock()
	subs := make([]func(string, *snapshot.Node), len(a.subs))
	copy(subs, a.subs)
	a.subMu.RUnlock()

	for _, fn := range subs {
		fn(pkg, root)
	}
}

// foregroundPackage returns the package owning the focused window.
func (a *ADB) foregroundPackage(ctx context.Context) (string, error) {
	out, err := a.shell(ctx, "dumpsys", "window", "windows")
	if err != nil {
		return "", err
	}
	pkg := parseForegroundPackage(out)
	if pkg == "" {
		return "", errors.New("no focused window")
	}
	return pkg, nil
}

func parseForegroundPackage(dump string) string {
	if m := focusPattern.FindStringSubmatch(dump); len(m) > 1 {
		return m[1]
	}
	return ""
}

// FindInputField returns the first editable field in the snapshot.
func (a *ADB) FindInputField(root *snapshot.Node) *snapshot.Node {
	return snapshot.FindEditable(root)
}

// FindControlByLabel returns the first control matching any label.
func (a *ADB) FindControlByLabel(root *snapshot.Node, labels []string) *snapshot.Node {
	return snapshot.FindByLabel(root, labels)
}

// SetText types text into the focused control with humanized pacing.
func (a *ADB) SetText(ctx context.Context, control *snapshot.Node, text string) error {
	if control == nil {
		return errNilControl
	}
	if a.cfg.Typing.ThinkPause > 0 {
		time.Sleep(a.cfg.Typing.ThinkPause)
	}
	if a.cfg.Typing.KeyDelay <= 0 {
		_, err := a.shell(ctx, "input", "text", escapeInputText(text))
		return err
	}
	for _, r := range text {
		if _, err := a.shell(ctx, "input", "text", escapeInputText(string(r))); err != nil {
			return err
		}
		delay := a.cfg.Typing.KeyDelay
		if a.cfg.Typing.JitterMax > 0 {
			delay += time.Duration(rand.Int63n(int64(a.cfg.Typing.JitterMax)))
		}
		time.Sleep(delay)
	}
	return nil
}

// Activate taps the center of a control.
func (a *ADB) Activate(ctx context.Context, control *snapshot.Node) error {
	if control == nil {
		return errNilControl
	}
	if control.Bounds.Empty() {
		return errNoBounds
	}
	x, y := control.Bounds.Center()
	_, err := a.shell(ctx, "input", "tap", strconv.Itoa(x), strconv.Itoa(y))
	return err
}

// RequestFocus taps a control to give it input focus.
func (a *ADB) RequestFocus(ctx context.Context, control *snapshot.Node) error {
	return a.Activate(ctx, control)
}

// Dial starts the USSD session by firing a call intent. The short code
// must be URI-encoded because '#' terminates a tel: URI otherwise.
func (a *ADB) Dial(ctx context.Context, shortCode string) error {
	uri := "tel:" + encodeTel(shortCode)
	out, err := a.shell(ctx, "am", "start", "-a", "android.intent.action.CALL", "-d", uri)
	if err != nil {
		return fmt.Errorf("start call intent: %w", err)
	}
	if strings.Contains(out, "Error") {
		return fmt.Errorf("call intent rejected: %s", strings.TrimSpace(out))
	}
	a.logger.Info("[ADB] Dialed short code", "code", shortCode)
	return nil
}

// encodeTel escapes characters that are not valid inside a tel: URI.
func encodeTel(code string) string {
	var b strings.Builder
	for _, r := range code {
		switch r {
		case '#':
			b.WriteString("%23")
		case '*':
			b.WriteRune('*')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// escapeInputText escapes text for `adb shell input text`. Spaces become
// %s and shell metacharacters are backslash-escaped.
func escapeInputText(text string) string {
	var b strings.Builder
	for _, r := range text {
		switch r {
		case ' ':
			b.WriteString("%s")
		case '(', ')', '<', '>', '|', ';', '&', '*', '~', '"', '\'', '$', '`', '\\':
			b.WriteRune('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// xmlNode mirrors one <node> element of a uiautomator dump.
type xmlNode struct {
	Text      string    `xml:"text,attr"`
	Desc      string    `xml:"content-desc,attr"`
	Class     string    `xml:"class,attr"`
	Resource  string    `xml:"resource-id,attr"`
	Clickable string    `xml:"clickable,attr"`
	Focused   string    `xml:"focused,attr"`
	Focusable string    `xml:"focusable,attr"`
	Bounds    string    `xml:"bounds,attr"`
	Children  []xmlNode `xml:"node"`
}

type xmlHierarchy struct {
	XMLName xml.Name  `xml:"hierarchy"`
	Nodes   []xmlNode `xml:"node"`
}

// parseHierarchy converts uiautomator dump output into a snapshot tree.
// Dumps are prefixed/suffixed with status noise, so parsing starts at the
// first XML declaration or <hierarchy> tag.
func parseHierarchy(data []byte) (*snapshot.Node, error) {
	start := strings.Index(string(data), "<?xml")
	if start < 0 {
		start = strings.Index(string(data), "<hierarchy")
	}
	if start < 0 {
		return nil, errEmptyOutput
	}
	end := strings.LastIndex(string(data), "</hierarchy>")
	if end < 0 {
		return nil, fmt.Errorf("truncated dump output")
	}
	payload := data[start : end+len("</hierarchy>")]

	var h xmlHierarchy
	if err := xml.Unmarshal(payload, &h); err != nil {
		return nil, fmt.Errorf("parse hierarchy: %w", err)
	}

	root := &snapshot.Node{Class: "hierarchy"}
	for i := range h.Nodes {
		root.Children = append(root.Children, convertNode(&h.Nodes[i]))
	}
	return root, nil
}

func convertNode(x *xmlNode) *snapshot.Node {
	n := &snapshot.Node{
		Text:      x.Text,
		Desc:      x.Desc,
		Class:     x.Class,
		Resource:  x.Resource,
		Clickable: x.Clickable == "true",
		Focused:   x.Focused == "true",
		Focusable: x.Focusable == "true",
		Editable:  strings.Contains(x.Class, "EditText"),
		Bounds:    parseBounds(x.Bounds),
	}
	for i := range x.Children {
		n.Children = append(n.Children, convertNode(&x.Children[i]))
	}
	return n
}

func parseBounds(s string) snapshot.Rect {
	m := boundsPattern.FindStringSubmatch(s)
	if len(m) != 5 {
		return snapshot.Rect{}
	}
	atoi := func(v string) int {
		n, _ := strconv.Atoi(v)
		return n
	}
	return snapshot.Rect{
		Left:   atoi(m[1]),
		Top:    atoi(m[2]),
		Right:  atoi(m[3]),
		Bottom: atoi(m[4]),
	}
}

// hashTree fingerprints the visible text of a tree so the watcher only
// notifies on actual content changes.
func hashTree(root *snapshot.Node) uint64 {
	h := fnv.New64a()
	snapshot.Walk(root, func(n *snapshot.Node) bool {
		if n.Text != "" {
			_, _ = h.Write([]byte(n.Text))
			_, _ = h.Write([]byte{0})
		}
		return true
	})
	return h.Sum64()
}
