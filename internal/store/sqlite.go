// Package store provides storage backends for CareLoop.
//
// This file implements the SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/careloop/careloop/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// queryer abstracts *sql.DB and *sql.Tx so repo methods run in either scope.
type queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// SQLiteStore is the SQLite implementation of Store.
type SQLiteStore struct {
	db *sql.DB
	q  queryer
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN (a file path).
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	s := &SQLiteStore{db: db}
	s.q = db
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RunInTx executes fn against a transaction-scoped copy of the store.
func (s *SQLiteStore) RunInTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	// The scoped copy keeps db pointing at the pool so AddSafetyEvent
	// commits outside the transaction.
	scoped := &SQLiteStore{db: s.db, q: tx}
	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("SQLiteStore rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// -- ConversationRepo ------------------------------------------------------

func (s *SQLiteStore) CreateConversation(c models.Conversation) error {
	_, err := s.q.Exec(
		`INSERT INTO conversations (id, user_id, state, session_type, last_activity_at, active_run_id, baseline, maintaining_cycle, readiness, end_reason, created_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, string(c.State), string(c.SessionType), c.LastActivityAt, c.ActiveRunID, c.Baseline, string(c.Cycle), string(c.Readiness), c.EndReason, c.CreatedAt, nullableTime(c.ClosedAt),
	)
	if err != nil {
		slog.Error("SQLiteStore CreateConversation failed", "error", err, "userID", c.UserID)
		return fmt.Errorf("failed to insert conversation for %s: %w", c.UserID, err)
	}
	slog.Debug("SQLiteStore CreateConversation succeeded", "id", c.ID, "userID", c.UserID)
	return nil
}

const conversationCols = `id, user_id, state, session_type, last_activity_at, active_run_id, baseline, maintaining_cycle, readiness, end_reason, created_at, closed_at`

func (s *SQLiteStore) scanConversation(row *sql.Row) (*models.Conversation, error) {
	var c models.Conversation
	var state, sessionType, cycle, readiness string
	var closedAt sql.NullTime
	err := row.Scan(&c.ID, &c.UserID, &state, &sessionType, &c.LastActivityAt, &c.ActiveRunID, &c.Baseline, &cycle, &readiness, &c.EndReason, &c.CreatedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan conversation row: %w", err)
	}
	c.State = models.DialogueState(state)
	c.SessionType = models.SessionType(sessionType)
	c.Cycle = models.MaintainingCycle(cycle)
	c.Readiness = models.ReadinessTier(readiness)
	if closedAt.Valid {
		c.ClosedAt = closedAt.Time
	}
	return &c, nil
}

func (s *SQLiteStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.q.QueryRow(`SELECT `+conversationCols+` FROM conversations WHERE id = ?`, id)
	return s.scanConversation(row)
}

func (s *SQLiteStore) GetOpenConversation(userID string) (*models.Conversation, error) {
	row := s.q.QueryRow(`SELECT `+conversationCols+` FROM conversations WHERE user_id = ? AND closed_at IS NULL`, userID)
	return s.scanConversation(row)
}

func (s *SQLiteStore) SaveConversation(c models.Conversation) error {
	res, err := s.q.Exec(
		`UPDATE conversations SET state = ?, session_type = ?, last_activity_at = ?, active_run_id = ?, baseline = ?, maintaining_cycle = ?, readiness = ? WHERE id = ? AND closed_at IS NULL`,
		string(c.State), string(c.SessionType), c.LastActivityAt, c.ActiveRunID, c.Baseline, string(c.Cycle), string(c.Readiness), c.ID,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveConversation failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConversationClosed
	}
	return nil
}

func (s *SQLiteStore) CloseConversation(id, reason string, at time.Time) error {
	res, err := s.q.Exec(
		`UPDATE conversations SET closed_at = ?, end_reason = ?, state = ? WHERE id = ? AND closed_at IS NULL`,
		at, reason, string(models.StateSessionEnd), id,
	)
	if err != nil {
		slog.Error("SQLiteStore CloseConversation failed", "error", err, "id", id)
		return fmt.Errorf("failed to close conversation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConversationClosed
	}
	slog.Debug("SQLiteStore CloseConversation succeeded", "id", id, "reason", reason)
	return nil
}

func (s *SQLiteStore) ListIdleConversations(cutoff time.Time) ([]models.Conversation, error) {
	rows, err := s.q.Query(
		`SELECT `+conversationCols+` FROM conversations WHERE closed_at IS NULL AND last_activity_at < ?`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query idle conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		var state, sessionType, cycle, readiness string
		var closedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.UserID, &state, &sessionType, &c.LastActivityAt, &c.ActiveRunID, &c.Baseline, &cycle, &readiness, &c.EndReason, &c.CreatedAt, &closedAt); err != nil {
			return nil, fmt.Errorf("failed to scan idle conversation row: %w", err)
		}
		c.State = models.DialogueState(state)
		c.SessionType = models.SessionType(sessionType)
		c.Cycle = models.MaintainingCycle(cycle)
		c.Readiness = models.ReadinessTier(readiness)
		if closedAt.Valid {
			c.ClosedAt = closedAt.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// -- TransitionRepo --------------------------------------------------------

func (s *SQLiteStore) AddTransition(t models.StateTransition) (int64, error) {
	// Sequence assignment and insert share the caller's transaction, and
	// per-user processing is serialized, so MAX(seq)+1 stays gapless.
	var seq int64
	err := s.q.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM state_transitions WHERE conversation_id = ?`, t.ConversationID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to compute transition seq: %w", err)
	}
	_, err = s.q.Exec(
		`INSERT INTO state_transitions (id, conversation_id, seq, from_state, to_state, trigger, reason_codes, skipped, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ConversationID, seq, string(t.FromState), string(t.ToState), t.Trigger, marshalJSON(t.ReasonCodes), marshalJSON(t.Skipped), t.Timestamp,
	)
	if err != nil {
		slog.Error("SQLiteStore AddTransition failed", "error", err, "conversationID", t.ConversationID)
		return 0, fmt.Errorf("failed to insert transition for %s: %w", t.ConversationID, err)
	}
	slog.Debug("SQLiteStore AddTransition succeeded", "conversationID", t.ConversationID, "seq", seq, "from", t.FromState, "to", t.ToState)
	return seq, nil
}

func (s *SQLiteStore) ListTransitions(conversationID string) ([]models.StateTransition, error) {
	rows, err := s.q.Query(
		`SELECT id, conversation_id, seq, from_state, to_state, trigger, reason_codes, skipped, timestamp
		 FROM state_transitions WHERE conversation_id = ? ORDER BY seq`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []models.StateTransition
	for rows.Next() {
		var t models.StateTransition
		var from, to, reasons, skipped string
		if err := rows.Scan(&t.ID, &t.ConversationID, &t.Seq, &from, &to, &t.Trigger, &reasons, &skipped, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transition row: %w", err)
		}
		t.FromState = models.DialogueState(from)
		t.ToState = models.DialogueState(to)
		t.ReasonCodes = unmarshalStrings(reasons)
		t.Skipped = unmarshalSkipped(skipped)
		out = append(out, t)
	}
	return out, rows.Err()
}

// -- RunRepo ---------------------------------------------------------------

func (s *SQLiteStore) CreateRun(r models.PracticeRun) error {
	_, err := s.q.Exec(
		`INSERT INTO practice_runs (id, conversation_id, user_id, technique_id, technique_version, runner_state, step_index, step_count, status, pending_fallback, pre_intensity, post_intensity, drop_reason, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ConversationID, r.UserID, r.TechniqueID, r.TechniqueVersion, string(r.RunnerState), r.StepIndex, r.StepCount, string(r.Status), string(r.PendingFallback), r.PreIntensity, r.PostIntensity, r.DropReason, r.StartedAt, nullableTime(r.EndedAt),
	)
	if err != nil {
		slog.Error("SQLiteStore CreateRun failed", "error", err, "runID", r.ID)
		return fmt.Errorf("failed to insert practice run %s: %w", r.ID, err)
	}
	return nil
}

const runCols = `id, conversation_id, user_id, technique_id, technique_version, runner_state, step_index, step_count, status, pending_fallback, pre_intensity, post_intensity, drop_reason, started_at, ended_at`

func scanRun(row *sql.Row) (*models.PracticeRun, error) {
	var r models.PracticeRun
	var runnerState, status, pendingFallback string
	var endedAt sql.NullTime
	err := row.Scan(&r.ID, &r.ConversationID, &r.UserID, &r.TechniqueID, &r.TechniqueVersion, &runnerState, &r.StepIndex, &r.StepCount, &status, &pendingFallback, &r.PreIntensity, &r.PostIntensity, &r.DropReason, &r.StartedAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan practice run row: %w", err)
	}
	r.RunnerState = models.RunnerState(runnerState)
	r.Status = models.RunStatus(status)
	r.PendingFallback = models.FallbackVariant(pendingFallback)
	if endedAt.Valid {
		r.EndedAt = endedAt.Time
	}
	return &r, nil
}

func (s *SQLiteStore) GetRun(id string) (*models.PracticeRun, error) {
	row := s.q.QueryRow(`SELECT `+runCols+` FROM practice_runs WHERE id = ?`, id)
	return scanRun(row)
}

func (s *SQLiteStore) GetResumableRun(userID string) (*models.PracticeRun, error) {
	row := s.q.QueryRow(
		`SELECT `+runCols+` FROM practice_runs WHERE user_id = ? AND status IN (?, ?) ORDER BY started_at DESC LIMIT 1`,
		userID, string(models.RunInProgress), string(models.RunPaused),
	)
	return scanRun(row)
}

func (s *SQLiteStore) SaveRun(r models.PracticeRun) error {
	// A run stops being mutable once its status leaves in_progress/paused,
	// so updates are gated on the stored status, not the caller's copy.
	res, err := s.q.Exec(
		`UPDATE practice_runs SET runner_state = ?, step_index = ?, status = ?, pending_fallback = ?, pre_intensity = ?, post_intensity = ?, drop_reason = ?, ended_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(r.RunnerState), r.StepIndex, string(r.Status), string(r.PendingFallback), r.PreIntensity, r.PostIntensity, r.DropReason, nullableTime(r.EndedAt),
		r.ID, string(models.RunInProgress), string(models.RunPaused),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveRun failed", "error", err, "runID", r.ID)
		return fmt.Errorf("failed to update practice run %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("practice run %s is finalized: %w", r.ID, models.ErrRunNotResumable)
	}
	return nil
}

// -- CheckpointRepo --------------------------------------------------------

func (s *SQLiteStore) AddCheckpoint(cp models.PracticeCheckpoint) error {
	max, err := s.MaxCheckpointStep(cp.RunID)
	if err != nil {
		return err
	}
	if cp.StepIndex != max+1 {
		slog.Error("SQLiteStore AddCheckpoint contiguity violation", "runID", cp.RunID, "stepIndex", cp.StepIndex, "maxStep", max)
		return fmt.Errorf("checkpoint for run %s step %d after step %d: %w", cp.RunID, cp.StepIndex, max, models.ErrCheckpointGap)
	}
	_, err = s.q.Exec(
		`INSERT INTO practice_checkpoints (run_id, step_index, user_reply, affordance, fallback_variant, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		cp.RunID, cp.StepIndex, cp.UserReply, string(cp.Affordance), string(cp.FallbackVariant), cp.Timestamp,
	)
	if err != nil {
		slog.Error("SQLiteStore AddCheckpoint failed", "error", err, "runID", cp.RunID, "stepIndex", cp.StepIndex)
		return fmt.Errorf("failed to insert checkpoint for run %s step %d: %w", cp.RunID, cp.StepIndex, err)
	}
	return nil
}

func (s *SQLiteStore) ListCheckpoints(runID string) ([]models.PracticeCheckpoint, error) {
	rows, err := s.q.Query(
		`SELECT run_id, step_index, user_reply, affordance, fallback_variant, timestamp
		 FROM practice_checkpoints WHERE run_id = ? ORDER BY step_index`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []models.PracticeCheckpoint
	for rows.Next() {
		var cp models.PracticeCheckpoint
		var affordance, variant string
		if err := rows.Scan(&cp.RunID, &cp.StepIndex, &cp.UserReply, &affordance, &variant, &cp.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		cp.Affordance = models.ButtonAction(affordance)
		cp.FallbackVariant = models.FallbackVariant(variant)
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) MaxCheckpointStep(runID string) (int, error) {
	var max int
	err := s.q.QueryRow(`SELECT COALESCE(MAX(step_index), 0) FROM practice_checkpoints WHERE run_id = ?`, runID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to query max checkpoint step: %w", err)
	}
	return max, nil
}

// -- StatsRepo -------------------------------------------------------------

func (s *SQLiteStore) UpsertTechniqueStats(userID, techniqueID string, rating float64, at time.Time) error {
	_, err := s.q.Exec(
		`INSERT INTO technique_stats (user_id, technique_id, times_used, avg_effectiveness, last_used_at)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(user_id, technique_id) DO UPDATE SET
		     avg_effectiveness = (avg_effectiveness * times_used + ?) / (times_used + 1),
		     times_used = times_used + 1,
		     last_used_at = ?`,
		userID, techniqueID, rating, at, rating, at,
	)
	if err != nil {
		slog.Error("SQLiteStore UpsertTechniqueStats failed", "error", err, "userID", userID, "techniqueID", techniqueID)
		return fmt.Errorf("failed to upsert technique stats for %s/%s: %w", userID, techniqueID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTechniqueStats(userID string) (map[string]models.TechniqueStats, error) {
	rows, err := s.q.Query(
		`SELECT user_id, technique_id, times_used, avg_effectiveness, last_used_at FROM technique_stats WHERE user_id = ?`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query technique stats: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.TechniqueStats)
	for rows.Next() {
		var ts models.TechniqueStats
		if err := rows.Scan(&ts.UserID, &ts.TechniqueID, &ts.TimesUsed, &ts.AvgEffectiveness, &ts.LastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan technique stats row: %w", err)
		}
		out[ts.TechniqueID] = ts
	}
	return out, rows.Err()
}

// -- SafetyRepo ------------------------------------------------------------

// AddSafetyEvent writes through the connection pool, never the enclosing
// transaction, so the audit record is durable even if the pipeline
// transaction later rolls back.
func (s *SQLiteStore) AddSafetyEvent(ev models.SafetyEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO safety_events (id, conversation_id, risk_tier, protocol_id, signals, confidence, source, classifier_version, policy_version, message_hash, redacted_text, handoff_status, resolution, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ConversationID, string(ev.Tier), ev.ProtocolID, marshalJSON(ev.Signals), ev.Confidence, string(ev.Source), ev.ClassifierVersion, ev.PolicyVersion, ev.MessageHash, ev.RedactedText, ev.HandoffStatus, ev.Resolution, ev.Timestamp,
	)
	if err != nil {
		slog.Error("SQLiteStore AddSafetyEvent failed", "error", err, "conversationID", ev.ConversationID)
		return fmt.Errorf("failed to insert safety event for %s: %w", ev.ConversationID, err)
	}
	slog.Debug("SQLiteStore AddSafetyEvent succeeded", "conversationID", ev.ConversationID, "tier", ev.Tier, "source", ev.Source)
	return nil
}

func (s *SQLiteStore) ListSafetyEvents(conversationID string) ([]models.SafetyEvent, error) {
	rows, err := s.q.Query(
		`SELECT id, conversation_id, risk_tier, protocol_id, signals, confidence, source, classifier_version, policy_version, message_hash, redacted_text, handoff_status, resolution, timestamp
		 FROM safety_events WHERE conversation_id = ? ORDER BY timestamp`, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query safety events: %w", err)
	}
	defer rows.Close()

	var out []models.SafetyEvent
	for rows.Next() {
		var ev models.SafetyEvent
		var tier, source, signals string
		if err := rows.Scan(&ev.ID, &ev.ConversationID, &tier, &ev.ProtocolID, &signals, &ev.Confidence, &source, &ev.ClassifierVersion, &ev.PolicyVersion, &ev.MessageHash, &ev.RedactedText, &ev.HandoffStatus, &ev.Resolution, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan safety event row: %w", err)
		}
		ev.Tier = models.RiskTier(tier)
		ev.Source = models.ClassifierSource(source)
		ev.Signals = unmarshalStrings(signals)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountSignal(conversationID, signal string) (int, error) {
	var count int
	err := s.q.QueryRow(
		`SELECT COUNT(*) FROM safety_events WHERE conversation_id = ? AND signals LIKE ?`,
		conversationID, "%"+signal+"%",
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count signal %q: %w", signal, err)
	}
	return count, nil
}

// -- DedupRepo -------------------------------------------------------------

func (s *SQLiteStore) RecordInbound(idempotencyKey, userID string) (bool, error) {
	res, err := s.q.Exec(
		`INSERT OR IGNORE INTO processed_events (idempotency_key, user_id, received_at) VALUES (?, ?, ?)`,
		idempotencyKey, userID, time.Now(),
	)
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) MarkProcessed(idempotencyKey string) error {
	_, err := s.q.Exec(
		`UPDATE processed_events SET processed_at = ? WHERE idempotency_key = ?`,
		time.Now(), idempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReleaseInbound(idempotencyKey string) error {
	_, err := s.q.Exec(
		`DELETE FROM processed_events WHERE idempotency_key = ? AND processed_at IS NULL`,
		idempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}
