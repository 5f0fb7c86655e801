// Package domain contains core domain types for the USSD autopilot.
package domain

import (
	"strconv"
	"strings"
	"time"
)

// OperationKind identifies which USSD flow a session is driving.
type OperationKind string

const (
	// OpBalanceCheck queries the available account balance.
	OpBalanceCheck OperationKind = "balance_check"
	// OpSendMoney transfers money to a mobile number or UPI id.
	OpSendMoney OperationKind = "send_money"
	// OpLinkBank walks the profile menu to change the linked bank account.
	OpLinkBank OperationKind = "link_bank"
)

// Valid reports whether k is a known operation kind.
func (k OperationKind) Valid() bool {
	switch k {
	case OpBalanceCheck, OpSendMoney, OpLinkBank:
		return true
	}
	return false
}

// Secrets carries the bank identifiers needed to answer USSD prompts.
// PIN and card values must never be logged in full; use Mask.
type Secrets struct {
	BankName    string
	RoutingCode string // IFSC-style routing code; first 4 chars answer bank prompts
	CardAnswer  string // pre-formatted "last six digits + MMYY"
	PIN         string
}

// Mask obscures all but the last character of a secret for logging.
func Mask(s string) string {
	if len(s) <= 1 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-1) + s[len(s)-1:]
}

// TransferParams are the caller-supplied values for a send-money session.
type TransferParams struct {
	Recipient string // mobile number or UPI id
	Amount    int64  // whole units; the USSD gateway rejects fractions
	Remarks   string
}

// AmountText renders the amount the way the gateway expects it.
func (t TransferParams) AmountText() string {
	return strconv.FormatInt(t.Amount, 10)
}

// Progress tracks which prompt fields have been answered. Each flag
// transitions false to true exactly once per session and never reverts.
type Progress struct {
	MenuSelected   bool
	MethodSelected bool
	PinSent        bool
	BankSent       bool
	CardSent       bool
	RecipientSent  bool
	AmountSent     bool
	RemarksSent    bool

	// Steps counts accepted protocol turns, for diagnostics only.
	Steps int
}

// Session is the live automation context for one user-initiated
// operation. It is created when the operation starts and destroyed on
// cancellation or on reaching a terminal turn.
type Session struct {
	Handle    string
	Kind      OperationKind
	Secrets   Secrets
	Transfer  TransferParams
	Progress  Progress
	StartedAt time.Time
}

// BankAnswer returns the value used to answer a bank-identifier prompt:
// the first four characters of the routing code when available, else the
// bank's display name.
func (s *Session) BankAnswer() string {
	if len(s.Secrets.RoutingCode) >= 4 {
		return s.Secrets.RoutingCode[:4]
	}
	return s.Secrets.BankName
}
