package gate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/careloop/careloop/internal/models"
)

// Issue is one failed validation check. Critical issues skip the correction
// retry and go straight to the canned fallback.
type Issue struct {
	Code     string
	Reason   string
	Critical bool
}

func (i Issue) String() string { return i.Code + ": " + i.Reason }

// minLanguageRatio is the share of letters that must belong to the
// contract language's script.
const minLanguageRatio = 0.3

var diagnosisPatterns = compileAll(
	`(?i)(у вас|у тебя)\s+(депресси|тревожн|биполяр|шизофрен|птср|окр|bpd|adhd|ocd)`,
	`(?i)\byou have\s+(depression|anxiety|bipolar|schizophrenia|ptsd|ocd|bpd|adhd)\b`,
	`(?i)диагноз`,
	`(?i)\bdiagnos(e|is|ed)\b`,
)

var medicationPatterns = compileAll(
	`(?i)(прими|принимай|назначаю|рекомендую)\s+(таблетк|препарат|лекарств|антидепрессант)`,
	`(?i)(дозировк|дозу)`,
	`(?i)\b(take|prescribe|recommend)\s+(medication|pills|antidepressant|benzodiazepine)\b`,
	`(?i)\b(dosage|milligrams|mg)\b`,
)

var harmfulPatterns = compileAll(
	`(?i)как\s+(причинить|навредить)\s+себе`,
	`(?i)how\s+to\s+(harm|hurt|kill)\s+(yourself|myself)`,
	`(?i)способ(ы|ов)?\s+(суицид|самоубийств)`,
	`(?i)method(s)?\s+of\s+(suicide|self.harm)`,
)

var humorMarkers = []string{"😂", "🤣", "lol", "haha", "хаха"}

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

// Validate runs the fixed check battery against a generated reply.
// An empty result means the reply may be released as-is.
func Validate(text string, contract models.GenerationContract) []Issue {
	var issues []Issue
	lower := strings.ToLower(text)

	if n := utf8.RuneCountInString(text); contract.MaxChars > 0 && n > contract.MaxChars {
		issues = append(issues, Issue{
			Code:   "length",
			Reason: fmt.Sprintf("len=%d, max=%d", n, contract.MaxChars),
		})
	}

	var missing []string
	for _, p := range contract.MustInclude {
		if !strings.Contains(lower, strings.ToLower(p)) {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		issues = append(issues, Issue{Code: "must_include", Reason: "missing: " + strings.Join(missing, ", ")})
	}

	var found []string
	for _, p := range contract.MustNot {
		if strings.Contains(lower, strings.ToLower(p)) {
			found = append(found, p)
		}
	}
	if len(found) > 0 {
		issues = append(issues, Issue{Code: "must_not", Reason: "found: " + strings.Join(found, ", ")})
	}

	if m := firstMatch(diagnosisPatterns, text); m != "" {
		issues = append(issues, Issue{Code: "no_diagnosis", Reason: "diagnostic language: " + m, Critical: true})
	}
	if m := firstMatch(medicationPatterns, text); m != "" {
		issues = append(issues, Issue{Code: "no_medication", Reason: "medication language: " + m, Critical: true})
	}
	if m := firstMatch(harmfulPatterns, text); m != "" {
		issues = append(issues, Issue{Code: "no_harmful", Reason: "harmful content: " + m, Critical: true})
	}

	if issue, ok := checkLanguage(text, contract.Language); !ok {
		issues = append(issues, issue)
	}

	if strings.TrimSpace(text) == "" {
		issues = append(issues, Issue{Code: "state_alignment", Reason: "empty response"})
	} else if contract.State == models.StateEscalation || contract.State == models.StateSafetyCheck {
		for _, m := range humorMarkers {
			if strings.Contains(lower, m) {
				issues = append(issues, Issue{Code: "state_alignment", Reason: "humor in safety state", Critical: true})
				break
			}
		}
	}

	if contract.StepText != "" && !strings.Contains(text, contract.StepText) {
		issues = append(issues, Issue{Code: "step_text", Reason: "step instruction not reproduced verbatim"})
	}

	return issues
}

func firstMatch(patterns []*regexp.Regexp, text string) string {
	for _, p := range patterns {
		if m := p.FindString(text); m != "" {
			return m
		}
	}
	return ""
}

func checkLanguage(text, language string) (Issue, bool) {
	var letters, inScript int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		switch language {
		case "ru":
			if r >= 0x0400 && r <= 0x04FF {
				inScript++
			}
		case "en":
			if r <= unicode.MaxASCII {
				inScript++
			}
		}
	}
	if letters == 0 || (language != "ru" && language != "en") {
		return Issue{}, true
	}
	ratio := float64(inScript) / float64(letters)
	if ratio < minLanguageRatio {
		return Issue{
			Code:   "language_match",
			Reason: fmt.Sprintf("%s ratio %.2f < %.2f", language, ratio, minLanguageRatio),
		}, false
	}
	return Issue{}, true
}

func hasCritical(issues []Issue) bool {
	for _, i := range issues {
		if i.Critical {
			return true
		}
	}
	return false
}
