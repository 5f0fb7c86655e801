package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/paxlab/ussd-pilot/internal/domain"
)

// OutcomeRecorder persists session outcomes as transaction records. It
// implements the engine's Listener interface.
type OutcomeRecorder struct {
	repo   Repository
	logger *slog.Logger
}

// NewOutcomeRecorder creates a recorder writing to repo.
func NewOutcomeRecorder(repo Repository, logger *slog.Logger) *OutcomeRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutcomeRecorder{repo: repo, logger: logger}
}

// OnTurn is a no-op; only terminal outcomes are persisted.
func (r *OutcomeRecorder) OnTurn(handle, text string) {}

// OnOutcome writes the outcome to storage. Failures are logged and
// swallowed; persistence must never break outcome delivery.
func (r *OutcomeRecorder) OnOutcome(out domain.Outcome) {
	rec := &domain.TransactionRecord{
		ID:          uuid.NewString(),
		Handle:      out.Handle,
		Kind:        out.Kind,
		Success:     out.Success,
		Message:     out.FinalMessage,
		ReferenceID: out.ReferenceID,
		Balance:     out.Balance,
		Recipient:   out.Recipient,
		Amount:      out.Amount,
		CreatedAt:   out.At,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.repo.RecordTransaction(ctx, rec); err != nil {
		r.logger.Error("[RECORDER] Failed to persist outcome",
			"handle", out.Handle,
			"kind", out.Kind,
			"error", err,
		)
		return
	}
	r.logger.Info("[RECORDER] Outcome persisted",
		"handle", out.Handle,
		"kind", out.Kind,
		"success", out.Success,
	)
}
