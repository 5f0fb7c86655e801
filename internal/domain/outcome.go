package domain

import (
	"time"
)

// Outcome is the terminal result of a session. At most one Outcome is
// produced per session; producing it destroys the session.
type Outcome struct {
	Handle       string        `json:"handle"`
	Kind         OperationKind `json:"kind"`
	Success      bool          `json:"success"`
	FinalMessage string        `json:"final_message"`
	ReferenceID  string        `json:"reference_id,omitempty"`
	Balance      *float64      `json:"balance,omitempty"`
	Recipient    string        `json:"recipient,omitempty"`
	Amount       int64         `json:"amount,omitempty"`
	At           time.Time     `json:"at"`
}

// TransactionRecord is the persisted form of an Outcome.
type TransactionRecord struct {
	ID          string        `json:"id"`
	Handle      string        `json:"handle"`
	Kind        OperationKind `json:"kind"`
	Success     bool          `json:"success"`
	Message     string        `json:"message"`
	ReferenceID string        `json:"reference_id,omitempty"`
	Balance     *float64      `json:"balance,omitempty"`
	Recipient   string        `json:"recipient,omitempty"`
	Amount      int64         `json:"amount,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Profile is the stored operator profile that supplies session secrets.
type Profile struct {
	BankName    string    `json:"bank_name"`
	RoutingCode string    `json:"routing_code"`
	CardAnswer  string    `json:"card_answer"`
	PIN         string    `json:"pin"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Secrets converts the profile into session secrets.
func (p *Profile) Secrets() Secrets {
	return Secrets{
		BankName:    p.BankName,
		RoutingCode: p.RoutingCode,
		CardAnswer:  p.CardAnswer,
		PIN:         p.PIN,
	}
}
