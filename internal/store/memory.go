package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/careloop/careloop/internal/models"
)

// InMemoryStore is a Store backed by maps, used in tests and development.
// RunInTx provides mutual exclusion but not rollback.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	transitions   map[string][]models.StateTransition
	runs          map[string]models.PracticeRun
	checkpoints   map[string][]models.PracticeCheckpoint
	stats         map[string]map[string]models.TechniqueStats
	safetyEvents  map[string][]models.SafetyEvent
	processed     map[string]time.Time
}

var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]models.Conversation),
		transitions:   make(map[string][]models.StateTransition),
		runs:          make(map[string]models.PracticeRun),
		checkpoints:   make(map[string][]models.PracticeCheckpoint),
		stats:         make(map[string]map[string]models.TechniqueStats),
		safetyEvents:  make(map[string][]models.SafetyEvent),
		processed:     make(map[string]time.Time),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) RunInTx(ctx context.Context, fn func(Store) error) error {
	return fn(s)
}

// -- ConversationRepo ------------------------------------------------------

func (s *InMemoryStore) CreateConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.conversations {
		if existing.UserID == c.UserID && !existing.Closed() {
			return fmt.Errorf("open conversation already exists for %s", c.UserID)
		}
	}
	s.conversations[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetConversation(id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) GetOpenConversation(userID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.conversations {
		if c.UserID == userID && !c.Closed() {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) SaveConversation(c models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.conversations[c.ID]
	if !ok || existing.Closed() {
		return models.ErrConversationClosed
	}
	existing.State = c.State
	existing.SessionType = c.SessionType
	existing.LastActivityAt = c.LastActivityAt
	existing.ActiveRunID = c.ActiveRunID
	existing.Baseline = c.Baseline
	existing.Cycle = c.Cycle
	existing.Readiness = c.Readiness
	s.conversations[c.ID] = existing
	return nil
}

func (s *InMemoryStore) CloseConversation(id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok || c.Closed() {
		return models.ErrConversationClosed
	}
	c.ClosedAt = at
	c.EndReason = reason
	c.State = models.StateSessionEnd
	s.conversations[id] = c
	return nil
}

func (s *InMemoryStore) ListIdleConversations(cutoff time.Time) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if !c.Closed() && c.LastActivityAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -- TransitionRepo --------------------------------------------------------

func (s *InMemoryStore) AddTransition(t models.StateTransition) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := int64(len(s.transitions[t.ConversationID])) + 1
	t.Seq = seq
	s.transitions[t.ConversationID] = append(s.transitions[t.ConversationID], t)
	return seq, nil
}

func (s *InMemoryStore) ListTransitions(conversationID string) ([]models.StateTransition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.StateTransition, len(s.transitions[conversationID]))
	copy(out, s.transitions[conversationID])
	return out, nil
}

// -- RunRepo ---------------------------------------------------------------

func (s *InMemoryStore) CreateRun(r models.PracticeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[r.ID]; ok {
		return fmt.Errorf("practice run %s already exists", r.ID)
	}
	s.runs[r.ID] = r
	return nil
}

func (s *InMemoryStore) GetRun(id string) (*models.PracticeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *InMemoryStore) GetResumableRun(userID string) (*models.PracticeRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.PracticeRun
	for _, r := range s.runs {
		if r.UserID != userID {
			continue
		}
		if r.Status != models.RunInProgress && r.Status != models.RunPaused {
			continue
		}
		if best == nil || r.StartedAt.After(best.StartedAt) {
			out := r
			best = &out
		}
	}
	return best, nil
}

func (s *InMemoryStore) SaveRun(r models.PracticeRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[r.ID]
	if !ok {
		return fmt.Errorf("practice run %s not found", r.ID)
	}
	if existing.Status != models.RunInProgress && existing.Status != models.RunPaused {
		return fmt.Errorf("practice run %s is finalized: %w", r.ID, models.ErrRunNotResumable)
	}
	s.runs[r.ID] = r
	return nil
}

// -- CheckpointRepo --------------------------------------------------------

func (s *InMemoryStore) AddCheckpoint(cp models.PracticeCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, existing := range s.checkpoints[cp.RunID] {
		if existing.StepIndex > max {
			max = existing.StepIndex
		}
	}
	if cp.StepIndex != max+1 {
		return fmt.Errorf("checkpoint for run %s step %d after step %d: %w", cp.RunID, cp.StepIndex, max, models.ErrCheckpointGap)
	}
	s.checkpoints[cp.RunID] = append(s.checkpoints[cp.RunID], cp)
	return nil
}

func (s *InMemoryStore) ListCheckpoints(runID string) ([]models.PracticeCheckpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PracticeCheckpoint, len(s.checkpoints[runID]))
	copy(out, s.checkpoints[runID])
	sort.Slice(out, func(i, j int) bool { return out[i].StepIndex < out[j].StepIndex })
	return out, nil
}

func (s *InMemoryStore) MaxCheckpointStep(runID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, cp := range s.checkpoints[runID] {
		if cp.StepIndex > max {
			max = cp.StepIndex
		}
	}
	return max, nil
}

// -- StatsRepo -------------------------------------------------------------

func (s *InMemoryStore) UpsertTechniqueStats(userID, techniqueID string, rating float64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTechnique, ok := s.stats[userID]
	if !ok {
		byTechnique = make(map[string]models.TechniqueStats)
		s.stats[userID] = byTechnique
	}
	ts, ok := byTechnique[techniqueID]
	if !ok {
		byTechnique[techniqueID] = models.TechniqueStats{
			UserID:           userID,
			TechniqueID:      techniqueID,
			TimesUsed:        1,
			AvgEffectiveness: rating,
			LastUsedAt:       at,
		}
		return nil
	}
	ts.AvgEffectiveness = (ts.AvgEffectiveness*float64(ts.TimesUsed) + rating) / float64(ts.TimesUsed+1)
	ts.TimesUsed++
	ts.LastUsedAt = at
	byTechnique[techniqueID] = ts
	return nil
}

func (s *InMemoryStore) GetTechniqueStats(userID string) (map[string]models.TechniqueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.TechniqueStats, len(s.stats[userID]))
	for k, v := range s.stats[userID] {
		out[k] = v
	}
	return out, nil
}

// -- SafetyRepo ------------------------------------------------------------

func (s *InMemoryStore) AddSafetyEvent(ev models.SafetyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.safetyEvents[ev.ConversationID] = append(s.safetyEvents[ev.ConversationID], ev)
	return nil
}

func (s *InMemoryStore) ListSafetyEvents(conversationID string) ([]models.SafetyEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SafetyEvent, len(s.safetyEvents[conversationID]))
	copy(out, s.safetyEvents[conversationID])
	return out, nil
}

func (s *InMemoryStore) CountSignal(conversationID, signal string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, ev := range s.safetyEvents[conversationID] {
		for _, sig := range ev.Signals {
			if strings.Contains(sig, signal) {
				count++
				break
			}
		}
	}
	return count, nil
}

// -- DedupRepo -------------------------------------------------------------

func (s *InMemoryStore) RecordInbound(idempotencyKey, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[idempotencyKey]; ok {
		return false, nil
	}
	s.processed[idempotencyKey] = time.Time{}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[idempotencyKey] = time.Now()
	return nil
}

func (s *InMemoryStore) ReleaseInbound(idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if at, ok := s.processed[idempotencyKey]; ok && at.IsZero() {
		delete(s.processed, idempotencyKey)
	}
	return nil
}
