package catalog

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/careloop/careloop/internal/models"
)

//go:embed techniques/*.yaml
var defaultDocs embed.FS

var validCategories = map[string]bool{
	"monitoring":         true,
	"attention":          true,
	"cognitive":          true,
	"behavioral":         true,
	"micro":              true,
	"relapse_prevention": true,
}

var validUIModes = map[models.UIMode]bool{
	models.UIModeText:    true,
	models.UIModeButtons: true,
	models.UIModeTimer:   true,
}

var requiredFallbacks = []models.FallbackVariant{
	models.FallbackUserConfused,
	models.FallbackCannotNow,
	models.FallbackTooHard,
}

// ValidationError reports a catalog document that failed load-time checks.
type ValidationError struct {
	TechniqueID string
	Detail      string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("catalog validation failed for %q: %s", e.TechniqueID, e.Detail)
}

// LoadDefault loads the embedded catalog documents.
func LoadDefault() (*Catalog, error) {
	sub, err := fs.Sub(defaultDocs, "techniques")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded catalog: %w", err)
	}
	return LoadFS(sub)
}

// LoadDir loads catalog documents from a directory, typically an operator
// override of the embedded defaults.
func LoadDir(dir string) (*Catalog, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("catalog directory not readable: %w", err)
	}
	return LoadFS(os.DirFS(dir))
}

// LoadFS loads every *.yaml document from the filesystem and validates the
// whole set. Any violation is returned as an error; the caller must treat it
// as fatal and refuse to start.
func LoadFS(fsys fs.FS) (*Catalog, error) {
	entries, err := fs.Glob(fsys, "*.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to list catalog documents: %w", err)
	}
	sort.Strings(entries)
	if len(entries) == 0 {
		return nil, fmt.Errorf("no catalog documents found")
	}

	cat := &Catalog{byID: make(map[string]*Technique)}
	alwaysEligible := 0
	for _, name := range entries {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog document %s: %w", name, err)
		}
		var t Technique
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("failed to parse catalog document %s: %w", name, err)
		}
		if err := validateTechnique(&t); err != nil {
			return nil, err
		}
		if _, dup := cat.byID[t.ID]; dup {
			return nil, &ValidationError{TechniqueID: t.ID, Detail: fmt.Sprintf("duplicate id in %s", name)}
		}
		if t.AlwaysEligible {
			alwaysEligible++
		}
		cat.byID[t.ID] = &t
		cat.order = append(cat.order, t.ID)
		slog.Debug("Catalog loaded technique", "id", t.ID, "version", t.Version, "steps", len(t.Steps), "file", filepath.Base(name))
	}

	// Selection falls back to a universal technique when filtering empties
	// the pool, so the catalog must carry at least one.
	if alwaysEligible == 0 {
		return nil, fmt.Errorf("catalog has no always-eligible universal technique")
	}

	slog.Info("Catalog loaded", "techniques", cat.Len(), "universal", alwaysEligible)
	return cat, nil
}

func validateTechnique(t *Technique) error {
	fail := func(detail string) error {
		return &ValidationError{TechniqueID: t.ID, Detail: detail}
	}

	if t.ID == "" {
		return &ValidationError{TechniqueID: "?", Detail: "missing id"}
	}
	if _, err := t.MajorVersion(); err != nil {
		return fail(err.Error())
	}
	if !validCategories[t.Category] {
		return fail(fmt.Sprintf("invalid category %q", t.Category))
	}
	if t.DurationMin <= 0 || t.DurationMax < t.DurationMin {
		return fail(fmt.Sprintf("invalid duration range %d-%d", t.DurationMin, t.DurationMax))
	}
	if t.Prerequisites.MinReadiness.Order() < 0 {
		return fail(fmt.Sprintf("invalid min readiness %q", t.Prerequisites.MinReadiness))
	}
	if d := t.SafetyOverrides.BlockedIfDistressGTE; d < 0 || d > 10 {
		return fail(fmt.Sprintf("blocked_if_distress_gte out of range: %d", d))
	}
	if len(t.Steps) == 0 {
		return fail("technique has no steps")
	}

	// Step indices must be contiguous starting at 1, and every step must
	// supply all three fallback variants.
	for i, s := range t.Steps {
		want := i + 1
		if s.Index != want {
			return fail(fmt.Sprintf("step index continuity broken: expected %d, got %d", want, s.Index))
		}
		if s.Instruction == "" {
			return fail(fmt.Sprintf("step %d has no instruction", s.Index))
		}
		if !validUIModes[s.UIMode] {
			return fail(fmt.Sprintf("step %d: invalid ui_mode %q", s.Index, s.UIMode))
		}
		if s.UIMode == models.UIModeTimer && s.TimerSeconds <= 0 {
			return fail(fmt.Sprintf("step %d: timer ui_mode without timer_seconds", s.Index))
		}
		for _, v := range requiredFallbacks {
			if s.Fallbacks[v] == "" {
				return fail(fmt.Sprintf("step %d: missing fallback variant %q", s.Index, v))
			}
		}
		for v := range s.Fallbacks {
			if !models.IsValidFallbackVariant(v) {
				return fail(fmt.Sprintf("step %d: unknown fallback variant %q", s.Index, v))
			}
		}
		for _, b := range s.Buttons {
			if !models.IsValidButtonAction(b.Action) {
				return fail(fmt.Sprintf("step %d: invalid button action %q", s.Index, b.Action))
			}
		}
	}
	return nil
}
