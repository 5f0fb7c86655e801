package engine

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/paxlab/ussd-pilot/internal/domain"
)

// errorKeywords classify a turn as a failed terminal. Error always takes
// precedence over success on ambiguous text.
var errorKeywords = []string{
	"incorrect",
	"invalid",
	"declined",
	"failed",
	"failure",
	"wrong pin",
	"insufficient",
	"expired",
	"exceeded",
	"blocked",
	"not registered",
	"unable to process",
	"timed out",
}

// successKeywords classify a turn as a successful terminal.
var successKeywords = []string{
	"success",
	"completed",
	"balance is",
	"available balance",
	"money sent",
	"transferred",
}

// refIDPattern matches a labeled reference/transaction id.
var refIDPattern = regexp.MustCompile(`(?i)\b(?:utr|txn\s*id|transaction\s*id|ref(?:erence)?(?:\s*(?:no\.?|id|number))?)\s*[:#\-]?\s*([A-Za-z0-9]{6,})`)

// bareRefPattern is the fallback: the first bare numeric run of 12+ digits.
var bareRefPattern = regexp.MustCompile(`\b\d{12,}\b`)

// balancePattern matches a labeled balance amount, optionally currency
// prefixed, with thousands separators.
var balancePattern = regexp.MustCompile(`(?i)\b(?:balance(?:\s+is)?|bal)\s*[:\-]?\s*(?:rs\.?|inr|₹)?\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)

// currencyPattern is the fallback: any currency-prefixed number.
var currencyPattern = regexp.MustCompile(`(?i)(?:rs\.?|inr|₹)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)

func matchesError(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range errorKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// matchesSuccess reports whether text is a successful terminal turn.
// Text that also matches an error keyword never classifies as success.
func matchesSuccess(text string) bool {
	if matchesError(text) {
		return false
	}
	lower := strings.ToLower(text)
	for _, kw := range successKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ExtractReferenceID pulls a reference/transaction id out of terminal
// text. Returns "" when none is present.
func ExtractReferenceID(text string) string {
	if m := refIDPattern.FindStringSubmatch(text); len(m) > 1 {
		return m[1]
	}
	return bareRefPattern.FindString(text)
}

// ExtractBalance pulls a balance amount out of terminal text, stripping
// thousands separators before parsing.
func ExtractBalance(text string) (float64, bool) {
	m := balancePattern.FindStringSubmatch(text)
	if len(m) < 2 {
		m = currencyPattern.FindStringSubmatch(text)
	}
	if len(m) < 2 {
		return 0, false
	}
	raw := strings.ReplaceAll(m[1], ",", "")
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// buildOutcome assembles the terminal Outcome for a session. Balance and
// reference id are extracted only from successful terminals.
func buildOutcome(s *domain.Session, text string, success bool, maxMessage int, at time.Time) domain.Outcome {
	out := domain.Outcome{
		Handle:       s.Handle,
		Kind:         s.Kind,
		Success:      success,
		FinalMessage: truncate(text, maxMessage),
		At:           at,
	}
	if s.Kind == domain.OpSendMoney {
		out.Recipient = s.Transfer.Recipient
		out.Amount = s.Transfer.Amount
	}
	if success {
		out.ReferenceID = ExtractReferenceID(text)
		if bal, ok := ExtractBalance(text); ok {
			out.Balance = &bal
		}
	}
	return out
}

// truncate bounds s to max bytes without splitting a rune; terminal text
// carries currency symbols, so the cut must land on a rune boundary.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
