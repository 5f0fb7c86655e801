package engine

import (
	"regexp"
	"strings"

	"github.com/paxlab/ussd-pilot/internal/domain"
)

// menuLinePattern matches one numbered menu line ("2. Check Balance").
var menuLinePattern = regexp.MustCompile(`(?m)^\s*(\d+)[.):]\s*(.+)$`)

// fallbackMenuDigit answers a required menu level when no keyword matched.
const fallbackMenuDigit = "1"

// Menu branch keyword sets, matched against lowercased line text in order.
var (
	sendMoneyKeywords   = []string{"send money", "transfer", "pay"}
	balanceKeywords     = []string{"check balance", "balance enquiry", "balance"}
	mobileKeywords      = []string{"mobile no", "mobile number", "phone"}
	upiIDKeywords       = []string{"upi id", "virtual id", "vpa"}
	profileKeywords     = []string{"my profile", "profile", "settings"}
	changeBankKeywords  = []string{"change bank account", "bank account", "change bank"}
	tenDigitMobileShape = regexp.MustCompile(`^\d{10}$`)
)

// Field prompt patterns. Word-bounded so "pin" does not fire on "typing".
var (
	pinPromptPattern       = regexp.MustCompile(`\b(?:m?pin)\b`)
	bankPromptPattern      = regexp.MustCompile(`\bbank\b`)
	cardPromptPattern      = regexp.MustCompile(`\b(?:card|debit)\b`)
	recipientPromptPattern = regexp.MustCompile(`\b(?:mobile|upi|payee|beneficiary|recipient)\b`)
	amountPromptPattern    = regexp.MustCompile(`\bamount\b`)
	remarksPromptPattern   = regexp.MustCompile(`\bremarks?\b`)
)

type menuLine struct {
	number string
	text   string
}

func parseMenuLines(text string) []menuLine {
	matches := menuLinePattern.FindAllStringSubmatch(text, -1)
	lines := make([]menuLine, 0, len(matches))
	for _, m := range matches {
		lines = append(lines, menuLine{number: m[1], text: strings.ToLower(m[2])})
	}
	return lines
}

// pickMenuLine returns the number of the first line containing any of
// the keywords, trying keywords in priority order.
func pickMenuLine(lines []menuLine, keywords []string) (string, bool) {
	for _, kw := range keywords {
		for _, line := range lines {
			if strings.Contains(line.text, kw) {
				return line.number, true
			}
		}
	}
	return "", false
}

// fieldRule is one entry of the free-field cascade: a prompt predicate
// guarded by its progress flag, with the value to answer.
type fieldRule struct {
	name  string
	kinds []domain.OperationKind // nil means every kind
	flag  func(*domain.Progress) *bool
	match func(lower string) bool
	value func(*domain.Session) string
	// echo returns the value whose presence in the turn text suppresses
	// the response (the turn is echoing the previous answer back).
	echo func(*domain.Session) string
}

func (r *fieldRule) applies(kind domain.OperationKind) bool {
	if r.kinds == nil {
		return true
	}
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

var sendOnly = []domain.OperationKind{domain.OpSendMoney}

// fieldCascade is the fixed priority order of prompt checks. Each rule
// fires at most once per session.
var fieldCascade = []fieldRule{
	{
		name:  "pin",
		flag:  func(p *domain.Progress) *bool { return &p.PinSent },
		match: pinPromptPattern.MatchString,
		value: func(s *domain.Session) string { return s.Secrets.PIN },
	},
	{
		name:  "bank",
		flag:  func(p *domain.Progress) *bool { return &p.BankSent },
		match: bankPromptPattern.MatchString,
		value: (*domain.Session).BankAnswer,
	},
	{
		name:  "card",
		flag:  func(p *domain.Progress) *bool { return &p.CardSent },
		match: cardPromptPattern.MatchString,
		value: func(s *domain.Session) string { return s.Secrets.CardAnswer },
	},
	{
		name:  "recipient",
		kinds: sendOnly,
		flag:  func(p *domain.Progress) *bool { return &p.RecipientSent },
		match: recipientPromptPattern.MatchString,
		value: func(s *domain.Session) string { return s.Transfer.Recipient },
		echo:  func(s *domain.Session) string { return s.Transfer.Recipient },
	},
	{
		name:  "amount",
		kinds: sendOnly,
		flag:  func(p *domain.Progress) *bool { return &p.AmountSent },
		match: amountPromptPattern.MatchString,
		value: func(s *domain.Session) string { return s.Transfer.AmountText() },
		echo:  func(s *domain.Session) string { return s.Transfer.AmountText() },
	},
	{
		name:  "remarks",
		kinds: sendOnly,
		flag:  func(p *domain.Progress) *bool { return &p.RemarksSent },
		match: remarksPromptPattern.MatchString,
		value: func(s *domain.Session) string { return s.Transfer.Remarks },
	},
}

// decideResponse is the operation state machine: a pure decision function
// of (session, stabilized turn text). It returns the value to answer, if
// any, and marks the progress flag it consumed. It performs no I/O.
func decideResponse(s *domain.Session, text string) (string, bool) {
	lower := strings.ToLower(text)

	if lines := parseMenuLines(text); len(lines) >= 2 {
		return decideMenu(s, lines)
	}
	return decideField(s, lower)
}

// decideMenu matches a menu-bearing turn against the branch tables for
// the session's kind. A required level with no keyword match answers the
// fallback digit rather than stalling the session.
func decideMenu(s *domain.Session, lines []menuLine) (string, bool) {
	switch s.Kind {
	case domain.OpBalanceCheck:
		if !s.Progress.MenuSelected {
			s.Progress.MenuSelected = true
			if n, ok := pickMenuLine(lines, balanceKeywords); ok {
				return n, true
			}
			return fallbackMenuDigit, true
		}

	case domain.OpSendMoney:
		if !s.Progress.MenuSelected {
			s.Progress.MenuSelected = true
			if n, ok := pickMenuLine(lines, sendMoneyKeywords); ok {
				return n, true
			}
			return fallbackMenuDigit, true
		}
		if !s.Progress.MethodSelected {
			s.Progress.MethodSelected = true
			if n, ok := pickMenuLine(lines, methodKeywordsFor(s.Transfer.Recipient)); ok {
				return n, true
			}
			return fallbackMenuDigit, true
		}

	case domain.OpLinkBank:
		if !s.Progress.MenuSelected {
			s.Progress.MenuSelected = true
			if n, ok := pickMenuLine(lines, profileKeywords); ok {
				return n, true
			}
			return fallbackMenuDigit, true
		}
		if !s.Progress.MethodSelected {
			s.Progress.MethodSelected = true
			if n, ok := pickMenuLine(lines, changeBankKeywords); ok {
				return n, true
			}
			return fallbackMenuDigit, true
		}
	}
	return "", false
}

// methodKeywordsFor disambiguates the recipient-identifier menu branch by
// the shape of the recipient: a 10-digit number prefers the mobile branch,
// an identifier with "@" prefers the UPI branch.
func methodKeywordsFor(recipient string) []string {
	switch {
	case tenDigitMobileShape.MatchString(recipient):
		return append(append([]string{}, mobileKeywords...), upiIDKeywords...)
	case strings.Contains(recipient, "@"):
		return append(append([]string{}, upiIDKeywords...), mobileKeywords...)
	default:
		return append(append([]string{}, mobileKeywords...), upiIDKeywords...)
	}
}

// decideField evaluates the free-field cascade in fixed priority order.
func decideField(s *domain.Session, lower string) (string, bool) {
	for i := range fieldCascade {
		r := &fieldCascade[i]
		if !r.applies(s.Kind) {
			continue
		}
		flag := r.flag(&s.Progress)
		if *flag {
			continue
		}
		if !r.match(lower) {
			continue
		}
		if r.echo != nil {
			if echo := r.echo(s); echo != "" && strings.Contains(lower, strings.ToLower(echo)) {
				// The turn already contains the value being asked for:
				// this is an echo of the previous answer, not a prompt.
				continue
			}
		}
		value := r.value(s)
		if value == "" {
			continue
		}
		*flag = true
		return value, true
	}
	return "", false
}
