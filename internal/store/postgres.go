package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/careloop/careloop/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the PostgreSQL implementation of Store.
type PostgresStore struct {
	db *sql.DB
	q  queryer
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open PostgreSQL connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("PostgreSQL ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run PostgreSQL migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("PostgreSQL migrations applied successfully")

	s := &PostgresStore{db: db}
	s.q = db
	return s, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// RunInTx executes fn against a transaction-scoped copy of the store.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	scoped := &PostgresStore{db: s.db, q: tx}
	if err := fn(scoped); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("PostgresStore rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// -- ConversationRepo ------------------------------------------------------

func (s *PostgresStore) CreateConversation(c models.Conversation) error {
	_, err := s.q.Exec(
		`INSERT INTO conversations (id, user_id, state, session_type, last_activity_at, active_run_id, baseline, maintaining_cycle, readiness, end_reason, created_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.UserID, string(c.State), string(c.SessionType), c.LastActivityAt, c.ActiveRunID, c.Baseline, string(c.Cycle), string(c.Readiness), c.EndReason, c.CreatedAt, nullableTime(c.ClosedAt),
	)
	if err != nil {
		slog.Error("PostgresStore CreateConversation failed", "error", err, "userID", c.UserID)
		return fmt.Errorf("failed to insert conversation for %s: %w", c.UserID, err)
	}
	return nil
}

func (s *PostgresStore) scanConversation(row *sql.Row) (*models.Conversation, error) {
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

func (s *PostgresStore) GetConversation(id string) (*models.Conversation, error) {
	row := s.q.QueryRow(`SELECT `+conversationCols+` FROM conversations WHERE id = $1`, id)
	return s.scanConversation(row)
}

func (s *PostgresStore) GetOpenConversation(userID string) (*models.Conversation, error) {
	row := s.q.QueryRow(`SELECT `+conversationCols+` FROM conversations WHERE user_id = $1 AND closed_at IS NULL`, userID)
	return s.scanConversation(row)
}

func (s *PostgresStore) SaveConversation(c models.Conversation) error {
	res, err := s.q.Exec(
		`UPDATE conversations SET state = $1, session_type = $2, last_activity_at = $3, active_run_id = $4, baseline = $5, maintaining_cycle = $6, readiness = $7 WHERE id = $8 AND closed_at IS NULL`,
		string(c.State), string(c.SessionType), c.LastActivityAt, c.ActiveRunID, c.Baseline, string(c.Cycle), string(c.Readiness), c.ID,
	)
	if err != nil {
		slog.Error("PostgresStore SaveConversation failed", "error", err, "id", c.ID)
		return fmt.Errorf("failed to update conversation %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConversationClosed
	}
	return nil
}

func (s *PostgresStore) CloseConversation(id, reason string, at time.Time) error {
	res, err := s.q.Exec(
		`UPDATE conversations SET closed_at = $1, end_reason = $2, state = $3 WHERE id = $4 AND closed_at IS NULL`,
		at, reason, string(models.StateSessionEnd), id,
	)
	if err != nil {
		slog.Error("PostgresStore CloseConversation failed", "error", err, "id", id)
		return fmt.Errorf("failed to close conversation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrConversationClosed
	}
	return nil
}

func (s *PostgresStore) ListIdleConversations(cutoff time.Time) ([]models.Conversation, error) {
	rows, err := s.q.Query(
		`SELECT `+conversationCols+` FROM conversations WHERE closed_at IS NULL AND last_activity_at < $1`, cutoff,
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

func (s *PostgresStore) AddTransition(t models.StateTransition) (int64, error) {
	var seq int64
	err := s.q.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM state_transitions WHERE conversation_id = $1`, t.ConversationID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to compute transition seq: %w", err)
	}
	_, err = s.q.Exec(
		`INSERT INTO state_transitions (id, conversation_id, seq, from_state, to_state, trigger, reason_codes, skipped, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.ConversationID, seq, string(t.FromState), string(t.ToState), t.Trigger, marshalJSON(t.ReasonCodes), marshalJSON(t.Skipped), t.Timestamp,
	)
	if err != nil {
		slog.Error("PostgresStore AddTransition failed", "error", err, "conversationID", t.ConversationID)
		return 0, fmt.Errorf("failed to insert transition for %s: %w", t.ConversationID, err)
	}
	return seq, nil
}

func (s *PostgresStore) ListTransitions(conversationID string) ([]models.StateTransition, error) {
	rows, err := s.q.Query(
		`SELECT id, conversation_id, seq, from_state, to_state, trigger, reason_codes, skipped, timestamp
		 FROM state_transitions WHERE conversation_id = $1 ORDER BY seq`, conversationID,
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

func (s *PostgresStore) CreateRun(r models.PracticeRun) error {
	_, err := s.q.Exec(
		`INSERT INTO practice_runs (id, conversation_id, user_id, technique_id, technique_version, runner_state, step_index, step_count, status, pending_fallback, pre_intensity, post_intensity, drop_reason, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.ConversationID, r.UserID, r.TechniqueID, r.TechniqueVersion, string(r.RunnerState), r.StepIndex, r.StepCount, string(r.Status), string(r.PendingFallback), r.PreIntensity, r.PostIntensity, r.DropReason, r.StartedAt, nullableTime(r.EndedAt),
	)
	if err != nil {
		slog.Error("PostgresStore CreateRun failed", "error", err, "runID", r.ID)
		return fmt.Errorf("failed to insert practice run %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetRun(id string) (*models.PracticeRun, error) {
	row := s.q.QueryRow(`SELECT `+runCols+` FROM practice_runs WHERE id = $1`, id)
	return scanRun(row)
}

func (s *PostgresStore) GetResumableRun(userID string) (*models.PracticeRun, error) {
	row := s.q.QueryRow(
		`SELECT `+runCols+` FROM practice_runs WHERE user_id = $1 AND status IN ($2, $3) ORDER BY started_at DESC LIMIT 1`,
		userID, string(models.RunInProgress), string(models.RunPaused),
	)
	return scanRun(row)
}

func (s *PostgresStore) SaveRun(r models.PracticeRun) error {
	res, err := s.q.Exec(
		`UPDATE practice_runs SET runner_state = $1, step_index = $2, status = $3, pending_fallback = $4, pre_intensity = $5, post_intensity = $6, drop_reason = $7, ended_at = $8
		 WHERE id = $9 AND status IN ($10, $11)`,
		string(r.RunnerState), r.StepIndex, string(r.Status), string(r.PendingFallback), r.PreIntensity, r.PostIntensity, r.DropReason, nullableTime(r.EndedAt),
		r.ID, string(models.RunInProgress), string(models.RunPaused),
	)
	if err != nil {
		slog.Error("PostgresStore SaveRun failed", "error", err, "runID", r.ID)
		return fmt.Errorf("failed to update practice run %s: %w", r.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("practice run %s is finalized: %w", r.ID, models.ErrRunNotResumable)
	}
	return nil
}

// -- CheckpointRepo --------------------------------------------------------

func (s *PostgresStore) AddCheckpoint(cp models.PracticeCheckpoint) error {
	max, err := s.MaxCheckpointStep(cp.RunID)
	if err != nil {
		return err
	}
	if cp.StepIndex != max+1 {
		return fmt.Errorf("checkpoint for run %s step %d after step %d: %w", cp.RunID, cp.StepIndex, max, models.ErrCheckpointGap)
	}
	_, err = s.q.Exec(
		`INSERT INTO practice_checkpoints (run_id, step_index, user_reply, affordance, fallback_variant, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		cp.RunID, cp.StepIndex, cp.UserReply, string(cp.Affordance), string(cp.FallbackVariant), cp.Timestamp,
	)
	if err != nil {
		slog.Error("PostgresStore AddCheckpoint failed", "error", err, "runID", cp.RunID, "stepIndex", cp.StepIndex)
		return fmt.Errorf("failed to insert checkpoint for run %s step %d: %w", cp.RunID, cp.StepIndex, err)
	}
	return nil
}

func (s *PostgresStore) ListCheckpoints(runID string) ([]models.PracticeCheckpoint, error) {
	rows, err := s.q.Query(
		`SELECT run_id, step_index, user_reply, affordance, fallback_variant, timestamp
		 FROM practice_checkpoints WHERE run_id = $1 ORDER BY step_index`, runID,
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

func (s *PostgresStore) MaxCheckpointStep(runID string) (int, error) {
	var max int
	err := s.q.QueryRow(`SELECT COALESCE(MAX(step_index), 0) FROM practice_checkpoints WHERE run_id = $1`, runID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to query max checkpoint step: %w", err)
	}
	return max, nil
}

// -- StatsRepo -------------------------------------------------------------

func (s *PostgresStore) UpsertTechniqueStats(userID, techniqueID string, rating float64, at time.Time) error {
	_, err := s.q.Exec(
		`INSERT INTO technique_stats (user_id, technique_id, times_used, avg_effectiveness, last_used_at)
		 VALUES ($1, $2, 1, $3, $4)
		 ON CONFLICT (user_id, technique_id) DO UPDATE SET
		     avg_effectiveness = (technique_stats.avg_effectiveness * technique_stats.times_used + EXCLUDED.avg_effectiveness) / (technique_stats.times_used + 1),
		     times_used = technique_stats.times_used + 1,
		     last_used_at = EXCLUDED.last_used_at`,
		userID, techniqueID, rating, at,
	)
	if err != nil {
		slog.Error("PostgresStore UpsertTechniqueStats failed", "error", err, "userID", userID, "techniqueID", techniqueID)
		return fmt.Errorf("failed to upsert technique stats for %s/%s: %w", userID, techniqueID, err)
	}
	return nil
}

func (s *PostgresStore) GetTechniqueStats(userID string) (map[string]models.TechniqueStats, error) {
	rows, err := s.q.Query(
		`SELECT user_id, technique_id, times_used, avg_effectiveness, last_used_at FROM technique_stats WHERE user_id = $1`, userID,
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
func (s *PostgresStore) AddSafetyEvent(ev models.SafetyEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO safety_events (id, conversation_id, risk_tier, protocol_id, signals, confidence, source, classifier_version, policy_version, message_hash, redacted_text, handoff_status, resolution, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ev.ID, ev.ConversationID, string(ev.Tier), ev.ProtocolID, marshalJSON(ev.Signals), ev.Confidence, string(ev.Source), ev.ClassifierVersion, ev.PolicyVersion, ev.MessageHash, ev.RedactedText, ev.HandoffStatus, ev.Resolution, ev.Timestamp,
	)
	if err != nil {
		slog.Error("PostgresStore AddSafetyEvent failed", "error", err, "conversationID", ev.ConversationID)
		return fmt.Errorf("failed to insert safety event for %s: %w", ev.ConversationID, err)
	}
	return nil
}

func (s *PostgresStore) ListSafetyEvents(conversationID string) ([]models.SafetyEvent, error) {
	rows, err := s.q.Query(
		`SELECT id, conversation_id, risk_tier, protocol_id, signals, confidence, source, classifier_version, policy_version, message_hash, redacted_text, handoff_status, resolution, timestamp
		 FROM safety_events WHERE conversation_id = $1 ORDER BY timestamp`, conversationID,
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

func (s *PostgresStore) CountSignal(conversationID, signal string) (int, error) {
	var count int
	err := s.q.QueryRow(
		`SELECT COUNT(*) FROM safety_events WHERE conversation_id = $1 AND signals LIKE $2`,
		conversationID, "%"+signal+"%",
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count signal %q: %w", signal, err)
	}
	return count, nil
}

// -- DedupRepo -------------------------------------------------------------

func (s *PostgresStore) RecordInbound(idempotencyKey, userID string) (bool, error) {
	res, err := s.q.Exec(
		`INSERT INTO processed_events (idempotency_key, user_id, received_at) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
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

func (s *PostgresStore) MarkProcessed(idempotencyKey string) error {
	_, err := s.q.Exec(
		`UPDATE processed_events SET processed_at = $1 WHERE idempotency_key = $2`,
		time.Now(), idempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ReleaseInbound(idempotencyKey string) error {
	_, err := s.q.Exec(
		`DELETE FROM processed_events WHERE idempotency_key = $1 AND processed_at IS NULL`,
		idempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("release inbound failed: %w", err)
	}
	return nil
}
