package pipeline

import (
	"testing"

	"github.com/careloop/careloop/internal/models"
)

func TestParseIntensity(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"6", 6},
		{"about a 10", 10},
		{"0, actually", 0},
		{"наверное 7 из 10", 7},
		{"ten", -1},
		{"i'm 25 years old", -1},
		{"", -1},
	}
	for _, tc := range tests {
		if got := ParseIntensity(tc.text); got != tc.want {
			t.Errorf("ParseIntensity(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestDetectLanguage(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"привет, тяжёлый день", "ru"},
		{"hello, rough day", "en"},
		{"ok привет как дела", "ru"},
		{"123", "ru"},
		{"", "ru"},
	}
	for _, tc := range tests {
		if got := DetectLanguage(tc.text); got != tc.want {
			t.Errorf("DetectLanguage(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestInferCycle(t *testing.T) {
	tests := []struct {
		text string
		want models.MaintainingCycle
	}{
		{"i can't stop thinking about it", models.CycleRumination},
		{"постоянно прокручиваю в голове", models.CycleRumination},
		{"what if everything goes wrong", models.CycleWorry},
		{"i keep putting off the report", models.CycleAvoidance},
		{"it's never perfect enough", models.CyclePerfectionism},
		{"i hate myself for this", models.CycleSelfCriticism},
		{"my heart racing scares me", models.CycleSymptomFixation},
		{"just a normal day", ""},
	}
	for _, tc := range tests {
		if got := InferCycle(tc.text); got != tc.want {
			t.Errorf("InferCycle(%q) = %q, want %q", tc.text, got, tc.want)
		}
	}
}

func TestAffirmative(t *testing.T) {
	yes := []string{"да", "Давай попробуем", "yes, let's", "ok", "ready when you are", "готова"}
	no := []string{"", "нет", "no thanks", "maybe later", "что это значит?"}
	for _, s := range yes {
		if !Affirmative(s) {
			t.Errorf("Affirmative(%q) = false, want true", s)
		}
	}
	for _, s := range no {
		if Affirmative(s) {
			t.Errorf("Affirmative(%q) = true, want false", s)
		}
	}
}
