package safety

import (
	"regexp"

	"github.com/careloop/careloop/internal/models"
)

// PatternTableVersion identifies the deterministic layer's rule set. Bump it
// whenever a pattern is added or changed.
const PatternTableVersion = "1.0"

// crisisPattern maps one expression to a protocol id and signal name.
// Matching is case-insensitive; protocols follow the intervention handbook
// numbering (S1 self-harm, S2 threats to others, S3 psychosis, S6 domestic
// violence).
type crisisPattern struct {
	re        *regexp.Regexp
	protocol  string
	signal    string
	immediacy models.Immediacy
}

func crisisPat(expr, protocol, signal string, immediacy models.Immediacy) crisisPattern {
	return crisisPattern{
		re:        regexp.MustCompile(`(?i)` + expr),
		protocol:  protocol,
		signal:    signal,
		immediacy: immediacy,
	}
}

// crisisPatterns is evaluated in order; the first match wins.
var crisisPatterns = []crisisPattern{
	// S1: suicide / self-harm, explicit immediate intent first.
	crisisPat(`собираюсь\s+покончить`, "S1", "suicide_imminent_ru", models.ImmediacyImminent),
	crisisPat(`прямо\s+сейчас\s+.{0,20}(умереть|покончить)`, "S1", "suicide_imminent_ru", models.ImmediacyImminent),
	crisisPat(`(about|going)\s+to\s+kill\s+my\s*self`, "S1", "suicide_imminent_en", models.ImmediacyImminent),
	crisisPat(`хочу\s+умереть`, "S1", "suicide_explicit_ru", models.ImmediacyPossible),
	crisisPat(`покончить\s+с\s+собой`, "S1", "suicide_explicit_ru", models.ImmediacyPossible),
	crisisPat(`суицид`, "S1", "suicide_keyword_ru", models.ImmediacyPossible),
	crisisPat(`убить\s+себя`, "S1", "suicide_explicit_ru", models.ImmediacyPossible),
	crisisPat(`не\s+хочу\s+жить`, "S1", "suicide_wish_ru", models.ImmediacyPossible),
	crisisPat(`лучше\s+бы\s+меня\s+не\s+было`, "S1", "suicide_wish_ru", models.ImmediacyPossible),
	crisisPat(`kill\s+my\s*self`, "S1", "suicide_explicit_en", models.ImmediacyPossible),
	crisisPat(`want\s+to\s+die`, "S1", "suicide_explicit_en", models.ImmediacyPossible),
	crisisPat(`end\s+my\s+life`, "S1", "suicide_explicit_en", models.ImmediacyPossible),
	crisisPat(`реж[уе]\s+себ[яе]`, "S1", "self_harm_ru", models.ImmediacyPossible),
	crisisPat(`причин(ить|яю)\s+себе\s+(боль|вред)`, "S1", "self_harm_ru", models.ImmediacyPossible),
	crisisPat(`hurt\s+my\s*self`, "S1", "self_harm_en", models.ImmediacyPossible),
	// S2: threats to others.
	crisisPat(`убь[юёе]\s+(его|её|их|тебя)`, "S2", "violence_threat_ru", models.ImmediacyPossible),
	crisisPat(`хочу\s+навредить`, "S2", "violence_intent_ru", models.ImmediacyPossible),
	crisisPat(`kill\s+(him|her|them)`, "S2", "violence_threat_en", models.ImmediacyPossible),
	// S3: psychosis indicators.
	crisisPat(`голоса\s+говорят`, "S3", "psychosis_hallucination_ru", models.ImmediacyNone),
	crisisPat(`за\s+мной\s+следят`, "S3", "psychosis_paranoia_ru", models.ImmediacyNone),
	crisisPat(`voices\s+(are\s+)?telling\s+me`, "S3", "psychosis_hallucination_en", models.ImmediacyNone),
	// S6: domestic violence indicators.
	crisisPat(`(муж|парень|партн[её]р)\s+(бь[её]т|удари)`, "S6", "dv_physical_ru", models.ImmediacyNone),
	crisisPat(`бь[её]т\s+меня`, "S6", "dv_physical_ru", models.ImmediacyNone),
	crisisPat(`боюсь\s+партн[её]р`, "S6", "dv_fear_ru", models.ImmediacyNone),
	crisisPat(`(husband|boyfriend|partner)\s+(hits|beats)\s+me`, "S6", "dv_physical_en", models.ImmediacyNone),
}

// HopelessnessSignal is the signal name attached when a non-crisis
// hopelessness expression is detected. Two such events within one open
// conversation fire the safety re-entry trigger.
const HopelessnessSignal = "hopelessness"

var hopelessnessPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(всё|все)\s+бессмысленно`),
	regexp.MustCompile(`(?i)нет\s+смысла`),
	regexp.MustCompile(`(?i)ничего\s+не\s+изменится`),
	regexp.MustCompile(`(?i)безнадежн`),
	regexp.MustCompile(`(?i)no\s+point\s+(in\s+)?anything`),
	regexp.MustCompile(`(?i)nothing\s+will\s+(ever\s+)?change`),
	regexp.MustCompile(`(?i)\bhopeless\b`),
	regexp.MustCompile(`(?i)give\s+up\s+on\s+everything`),
}

// matchCrisis returns the first matching crisis pattern, if any.
func matchCrisis(text string) (crisisPattern, bool) {
	for _, p := range crisisPatterns {
		if p.re.MatchString(text) {
			return p, true
		}
	}
	return crisisPattern{}, false
}

// matchHopelessness reports whether the text carries a hopelessness marker.
func matchHopelessness(text string) bool {
	for _, re := range hopelessnessPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
