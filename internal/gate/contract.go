package gate

import "github.com/careloop/careloop/internal/models"

// stateTasks maps each dialogue state to its default generation task.
var stateTasks = map[models.DialogueState]string{
	models.StateSafetyCheck:     "Gently check how safe the user feels right now and acknowledge their feelings.",
	models.StateEscalation:      "Calmly encourage the user to contact the crisis line and stay with them.",
	models.StateIntake:          "Welcome the user and ask how they are feeling today.",
	models.StateFormulation:     "Help the user name what troubles them most and reflect it back in their own words.",
	models.StateGoalSetting:     "Agree on a small, concrete focus for this session.",
	models.StateTechniqueSelect: "Offer the selected practice in one or two sentences and ask for consent to begin.",
	models.StatePractice:        "Deliver the current practice step and invite the user to continue at their own pace.",
	models.StateReflection:      "Ask the user to rate how they feel after the practice on a 0-10 scale.",
	models.StateReflectionLite:  "Briefly ask how the practice felt.",
	models.StateHomework:        "Suggest repeating the practice once before the next session.",
	models.StateSessionEnd:      "Close the session warmly.",
}

// crisisLines are the must-include resource numbers for escalation replies.
var crisisLines = map[string]string{
	"ru": "8-800-2000-122",
	"en": "988",
}

// ContractFor builds the default generation contract for a dialogue state.
// Callers add step text, buttons, and recent context on top of it.
func ContractFor(state models.DialogueState, language string) models.GenerationContract {
	c := models.GenerationContract{
		State:       state,
		Task:        stateTasks[state],
		Language:    language,
		MaxChars:    models.DefaultMaxChars,
		MaxMessages: models.DefaultMaxMessages,
		UIMode:      models.UIModeText,
	}
	if c.Task == "" {
		c.Task = "Respond supportively and keep the conversation moving."
	}
	if state == models.StateEscalation {
		line, ok := crisisLines[language]
		if !ok {
			line = crisisLines["ru"]
		}
		c.MustInclude = []string{line}
	}
	return c
}
