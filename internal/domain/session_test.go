package domain

import "testing"

func TestOperationKindValid(t *testing.T) {
	tests := []struct {
		kind OperationKind
		want bool
	}{
		{OpBalanceCheck, true},
		{OpSendMoney, true},
		{OpLinkBank, true},
		{OperationKind("mini_statement"), false},
		{OperationKind(""), false},
	}
	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"4321", "***1"},
		{"9", "*"},
		{"", ""},
		{"ab", "*b"},
	}
	for _, tt := range tests {
		if got := Mask(tt.in); got != tt.want {
			t.Errorf("Mask(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBankAnswer(t *testing.T) {
	tests := []struct {
		name    string
		secrets Secrets
		want    string
	}{
		{
			name:    "Routing code prefix preferred",
			secrets: Secrets{BankName: "State Bank", RoutingCode: "SBIN0001234"},
			want:    "SBIN",
		},
		{
			name:    "Short routing code falls back to name",
			secrets: Secrets{BankName: "State Bank", RoutingCode: "SB"},
			want:    "State Bank",
		},
		{
			name:    "No routing code falls back to name",
			secrets: Secrets{BankName: "State Bank"},
			want:    "State Bank",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Session{Secrets: tt.secrets}
			if got := s.BankAnswer(); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestAmountText(t *testing.T) {
	if got := (TransferParams{Amount: 500}).AmountText(); got != "500" {
		t.Errorf("Expected \"500\", got %q", got)
	}
	if got := (TransferParams{Amount: 1000000}).AmountText(); got != "1000000" {
		t.Errorf("Expected \"1000000\", got %q", got)
	}
}

func TestProfileSecrets(t *testing.T) {
	p := &Profile{BankName: "State Bank", RoutingCode: "SBIN0001234", CardAnswer: "1234561225", PIN: "4321"}
	sec := p.Secrets()
	if sec.BankName != p.BankName || sec.PIN != p.PIN || sec.RoutingCode != p.RoutingCode || sec.CardAnswer != p.CardAnswer {
		t.Errorf("Unexpected secrets: %+v", sec)
	}
}
