package snapshot

import (
	"log/slog"
	"regexp"
	"strings"
)

// buttonLabels are pure action labels that carry no protocol content.
var buttonLabels = map[string]struct{}{
	"ok":      {},
	"cancel":  {},
	"send":    {},
	"reply":   {},
	"submit":  {},
	"confirm": {},
	"dismiss": {},
	"close":   {},
	"call":    {},
	"done":    {},
}

// chromeStrings are UI furniture seen around the session dialog.
var chromeStrings = []string{
	"search name or number",
	"type a message",
	"enter name or number",
	"ussd code running",
	"keypad",
}

// menuItemPattern matches a numbered menu line ("1. Send Money").
var menuItemPattern = regexp.MustCompile(`^\s*\d+[.)]\s*\S`)

// phonePattern matches a bare phone-number-looking string.
var phonePattern = regexp.MustCompile(`^\+?[\d][\d\s()-]{6,}$`)

// protocolKeywords is the domain vocabulary of the banking gateway. A
// snapshot whose filtered text contains none of these is assumed to
// belong to an unrelated screen transiently visible during the session.
var protocolKeywords = []string{
	"1.", "2.", "3.",
	"account", "bank", "pin", "upi", "balance",
	"transfer", "amount", "mobile", "money", "card",
	"success", "fail", "completed",
	"incorrect", "invalid", "declined",
}

// Classifier extracts candidate protocol text from raw snapshot trees.
type Classifier struct {
	logger *slog.Logger
}

// NewClassifier creates a snapshot classifier.
func NewClassifier(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{logger: logger}
}

// Extract collects every meaningful text fragment from the tree,
// newline-joined in depth-first traversal order. Button labels, short
// fragments, UI chrome and bare phone numbers are filtered out.
func (c *Classifier) Extract(root *Node) string {
	if root == nil {
		return ""
	}
	var fragments []string
	Walk(root, func(n *Node) bool {
		text := strings.TrimSpace(n.Text)
		if text == "" {
			return true
		}
		if keepFragment(text) {
			fragments = append(fragments, text)
		}
		return true
	})
	return strings.Join(fragments, "\n")
}

// Classify extracts the snapshot's raw text and reports whether it is
// protocol content worth acting on.
func (c *Classifier) Classify(root *Node) (string, bool) {
	text := c.Extract(root)
	if text == "" {
		return "", false
	}
	if !IsProtocolContent(text) {
		c.logger.Debug("[CLASSIFIER] Dropping non-protocol content", "text_len", len(text))
		return text, false
	}
	return text, true
}

func keepFragment(text string) bool {
	lower := strings.ToLower(text)
	if _, ok := buttonLabels[lower]; ok {
		return false
	}
	if len(text) < 3 && !menuItemPattern.MatchString(text) {
		return false
	}
	for _, chrome := range chromeStrings {
		if lower == chrome {
			return false
		}
	}
	if phonePattern.MatchString(text) {
		return false
	}
	return true
}

// IsProtocolContent reports whether text contains at least one keyword
// from the gateway's domain vocabulary.
func IsProtocolContent(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range protocolKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
