package gate

import "github.com/careloop/careloop/internal/models"

// Static escalation content released when a crisis classification carries
// imminent immediacy. Pre-approved text; never passes through the generator.
var crisisStatic = map[string]string{
	"ru": "Телефон доверия: 8-800-2000-122 (бесплатно, круглосуточно). Ты не одна/один. Я здесь.",
	"en": "Crisis line: 988 (Suicide & Crisis Lifeline, US) or text HOME to 741741. You're not alone. I'm here.",
}

// CrisisStatic returns the fixed escalation message for the language,
// falling back to Russian for unknown languages.
func CrisisStatic(language string) string {
	if text, ok := crisisStatic[language]; ok {
		return text
	}
	return crisisStatic["ru"]
}

// Canned per-state fallbacks, substituted on unrecoverable validation
// failure, generator failure, or while the circuit breaker is open.
var stateFallbacksRU = map[models.DialogueState]string{
	models.StateSafetyCheck:     "Я рядом. Если вам сейчас тяжело, пожалуйста, обратитесь на линию помощи: 8-800-2000-122.",
	models.StateEscalation:      "Пожалуйста, обратитесь на линию помощи: 8-800-2000-122. Это бесплатно и анонимно.",
	models.StateIntake:          "Давайте начнём знакомство. Как вы себя чувствуете сегодня?",
	models.StateFormulation:     "Понимаю, что вам непросто. Давайте разберёмся вместе: что сейчас беспокоит больше всего?",
	models.StateGoalSetting:     "Давайте выберем, над чем поработаем сегодня. Что для вас сейчас важнее всего?",
	models.StateTechniqueSelect: "Выберите практику, которая подходит вам прямо сейчас.",
	models.StatePractice:        "Давайте продолжим практику. Готовы к следующему шагу?",
	models.StateReflection:      "Как вы себя чувствуете после практики? Оцените от 1 до 10.",
	models.StateReflectionLite:  "Как ощущения после практики? Оцените коротко.",
	models.StateHomework:        "Отлично. Попробуйте повторить эту практику завтра. Готовы?",
	models.StateSessionEnd:      "Спасибо за сессию. Берегите себя, до встречи!",
}

var stateFallbacksEN = map[models.DialogueState]string{
	models.StateSafetyCheck:     "I'm here with you. If things feel heavy right now, please reach out to the crisis line: 988.",
	models.StateEscalation:      "Please reach out to the crisis line: 988. It's free and confidential.",
	models.StateIntake:          "Let's get to know each other. How are you feeling today?",
	models.StateFormulation:     "I hear that things are hard. Let's look at it together: what is troubling you most right now?",
	models.StateGoalSetting:     "Let's pick what to work on today. What matters most to you right now?",
	models.StateTechniqueSelect: "Choose a practice that suits you right now.",
	models.StatePractice:        "Let's continue the practice. Ready for the next step?",
	models.StateReflection:      "How do you feel after the practice? Rate it from 1 to 10.",
	models.StateReflectionLite:  "How does it feel after the practice? A quick rating is enough.",
	models.StateHomework:        "Great. Try repeating this practice tomorrow. Sound good?",
	models.StateSessionEnd:      "Thank you for the session. Take care of yourself, see you next time!",
}

const (
	defaultFallbackRU = "Понимаю. Давайте попробуем по-другому. Что сейчас важнее всего?"
	defaultFallbackEN = "I understand. Let's try a different angle. What matters most right now?"
)

// FallbackFor returns the canned text for the state and language.
func FallbackFor(state models.DialogueState, language string) string {
	table, def := stateFallbacksRU, defaultFallbackRU
	if language == "en" {
		table, def = stateFallbacksEN, defaultFallbackEN
	}
	if text, ok := table[state]; ok {
		return text
	}
	return def
}
