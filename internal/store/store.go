// Package store provides storage backends for CareLoop.
//
// It defines the Store interface over conversations, transitions, practice
// runs, checkpoints, safety events, technique stats, and inbound-event
// deduplication, with SQLite, PostgreSQL, and in-memory implementations.
//
// Two transactional scopes exist on purpose: RunInTx wraps the per-message
// pipeline in a single atomic transaction, while AddSafetyEvent always
// commits independently of any enclosing transaction so a classification
// record survives a later pipeline failure.
package store

import (
	"context"
	"time"

	"github.com/careloop/careloop/internal/models"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	// DSN is the database connection string.
	DSN string
}

// Option defines a functional option for configuring stores.
type Option func(*Opts)

// WithDSN sets the database connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// ConversationRepo manages conversation rows. At most one open conversation
// exists per user, enforced by a uniqueness constraint over open rows.
type ConversationRepo interface {
	CreateConversation(c models.Conversation) error
	GetConversation(id string) (*models.Conversation, error)
	// GetOpenConversation returns the user's open conversation, or nil.
	GetOpenConversation(userID string) (*models.Conversation, error)
	// SaveConversation updates state, session type, active run pointer,
	// baseline, and last activity of an open conversation.
	SaveConversation(c models.Conversation) error
	// CloseConversation marks the conversation closed. Closed conversations
	// are never deleted.
	CloseConversation(id, reason string, at time.Time) error
	// ListIdleConversations returns open conversations with no activity
	// since the cutoff.
	ListIdleConversations(cutoff time.Time) ([]models.Conversation, error)
}

// TransitionRepo appends and reads the immutable transition audit trail.
type TransitionRepo interface {
	// AddTransition appends a transition, assigning the next gapless
	// per-conversation sequence number. The assigned Seq is returned.
	AddTransition(t models.StateTransition) (int64, error)
	ListTransitions(conversationID string) ([]models.StateTransition, error)
}

// RunRepo manages practice run rows.
type RunRepo interface {
	CreateRun(r models.PracticeRun) error
	GetRun(id string) (*models.PracticeRun, error)
	// GetResumableRun returns the user's unfinished run, or nil.
	GetResumableRun(userID string) (*models.PracticeRun, error)
	// SaveRun updates a run that has not been finalized.
	SaveRun(r models.PracticeRun) error
}

// CheckpointRepo writes the per-step checkpoint trail. Checkpoints are
// write-once and unique per (run, step index); step order must be contiguous.
type CheckpointRepo interface {
	AddCheckpoint(cp models.PracticeCheckpoint) error
	ListCheckpoints(runID string) ([]models.PracticeCheckpoint, error)
	MaxCheckpointStep(runID string) (int, error)
}

// StatsRepo maintains the per (user, technique) usage aggregate.
type StatsRepo interface {
	// UpsertTechniqueStats folds one effectiveness rating (0-10) into the
	// running average and bumps the usage count atomically.
	UpsertTechniqueStats(userID, techniqueID string, rating float64, at time.Time) error
	GetTechniqueStats(userID string) (map[string]models.TechniqueStats, error)
}

// SafetyRepo appends and reads the immutable safety audit trail. Writes
// commit independently of any enclosing pipeline transaction.
type SafetyRepo interface {
	AddSafetyEvent(ev models.SafetyEvent) error
	ListSafetyEvents(conversationID string) ([]models.SafetyEvent, error)
	// CountSignal counts events in the conversation carrying a signal that
	// contains the given substring.
	CountSignal(conversationID, signal string) (int, error)
}

// DedupRepo detects duplicate inbound events by idempotency key.
type DedupRepo interface {
	// RecordInbound inserts a new inbound event record. Returns false if
	// the key was already recorded (duplicate).
	RecordInbound(idempotencyKey, userID string) (bool, error)
	// MarkProcessed sets the processed timestamp for a key.
	MarkProcessed(idempotencyKey string) error
	// ReleaseInbound removes an unprocessed key so the event can be
	// retried. Keys already marked processed are left in place.
	ReleaseInbound(idempotencyKey string) error
}

// Store is the full persistence interface used by the pipeline.
type Store interface {
	ConversationRepo
	TransitionRepo
	RunRepo
	CheckpointRepo
	StatsRepo
	SafetyRepo
	DedupRepo

	// RunInTx executes fn against a transaction-scoped view of the store.
	// The transaction commits if fn returns nil and rolls back otherwise.
	// SafetyEvent writes inside fn still commit independently.
	RunInTx(ctx context.Context, fn func(Store) error) error

	Close() error
}
