package pipeline

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/careloop/careloop/internal/models"
)

var intensityPattern = regexp.MustCompile(`\b(10|[0-9])\b`)

// ParseIntensity extracts the first 0-10 self-report from a reply, or -1.
func ParseIntensity(text string) int {
	m := intensityPattern.FindString(text)
	if m == "" {
		return -1
	}
	n, err := strconv.Atoi(m)
	if err != nil || n < 0 || n > 10 {
		return -1
	}
	return n
}

// DetectLanguage picks ru or en from the script of the message. Empty or
// letterless input defaults to ru.
func DetectLanguage(text string) string {
	var letters, latin int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if r <= unicode.MaxASCII {
			latin++
		}
	}
	if letters == 0 {
		return "ru"
	}
	if float64(latin)/float64(letters) > 0.7 {
		return "en"
	}
	return "ru"
}

// cycleMarkers maps keyword stems to maintaining cycles, checked in order.
var cycleMarkers = []struct {
	cycle   models.MaintainingCycle
	markers []string
}{
	{models.CycleRumination, []string{"прокручива", "перестать думать", "не выходит из головы", "can't stop thinking", "keep thinking", "overthink", "replay"}},
	{models.CycleWorry, []string{"тревож", "волну", "что если", "worry", "worried", "anxious", "what if"}},
	{models.CycleAvoidance, []string{"избега", "откладыва", "не могу заставить", "avoid", "putting off", "procrastinat"}},
	{models.CyclePerfectionism, []string{"идеально", "недостаточно хорошо", "perfect", "not good enough"}},
	{models.CycleSelfCriticism, []string{"ненавижу себя", "я плох", "ничтож", "hate myself", "i'm worthless", "my fault"}},
	{models.CycleSymptomFixation, []string{"симптом", "сердце колотится", "symptom", "heart racing", "something is wrong with me"}},
}

// InferCycle guesses the maintaining cycle from a formulation reply. An
// empty result means no marker matched; selection then treats the user as
// cycle-less and leans on universal techniques.
func InferCycle(text string) models.MaintainingCycle {
	lower := strings.ToLower(text)
	for _, cm := range cycleMarkers {
		for _, m := range cm.markers {
			if strings.Contains(lower, m) {
				return cm.cycle
			}
		}
	}
	return ""
}

var affirmatives = []string{
	"да", "давай", "готов", "готова", "хорошо", "ок", "поехали", "продолж",
	"yes", "yep", "ok", "okay", "sure", "ready", "let's", "lets", "done", "continue", "next",
}

// Affirmative reports whether a free-text reply reads as consent/advance.
func Affirmative(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return false
	}
	for _, a := range affirmatives {
		if strings.HasPrefix(lower, a) {
			return true
		}
	}
	return false
}
