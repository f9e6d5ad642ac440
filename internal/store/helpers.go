package store

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/careloop/careloop/internal/models"
)

// marshalJSON serializes audit list fields for storage. Failures are logged
// and degrade to an empty JSON array rather than failing the write.
func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Store failed to marshal JSON field", "error", err)
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Error("Store failed to unmarshal string list", "error", err)
		return nil
	}
	return out
}

func unmarshalSkipped(raw string) []models.SkippedState {
	if raw == "" {
		return nil
	}
	var out []models.SkippedState
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		slog.Error("Store failed to unmarshal skipped states", "error", err)
		return nil
	}
	return out
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// nullableTime maps a zero time to NULL for storage.
func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
