// Package store provides persistence for transaction records and the
// operator profile.
package store

import (
	"context"

	"github.com/paxlab/ussd-pilot/internal/domain"
)

// Repository defines the persistence interface consumed by the API and
// the outcome recorder.
type Repository interface {
	// RecordTransaction persists the terminal result of a session.
	RecordTransaction(ctx context.Context, rec *domain.TransactionRecord) error

	// ListTransactions returns the most recent records, newest first.
	ListTransactions(ctx context.Context, limit int) ([]*domain.TransactionRecord, error)

	// GetProfile retrieves the operator profile, or nil when none is set.
	GetProfile(ctx context.Context) (*domain.Profile, error)

	// UpsertProfile creates or replaces the operator profile.
	UpsertProfile(ctx context.Context, p *domain.Profile) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
