// Package models defines the generation contract passed to the text
// generation collaborator.
package models

// Default generation limits.
const (
	DefaultMaxChars    = 500
	DefaultMaxMessages = 2
)

// ContractMessage is one prior dialogue message included for context.
type ContractMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationContract is the structured instruction set for the external text
// generator. It constrains required and forbidden content; the gate validates
// the result against it before release.
type GenerationContract struct {
	State       DialogueState     `json:"dialogue_state"`
	Task        string            `json:"generation_task"`
	Instruction string            `json:"instruction,omitempty"`
	Recent      []ContractMessage `json:"recent_messages,omitempty"`
	Language    string            `json:"language"`
	MaxChars    int               `json:"max_chars_per_message"`
	MaxMessages int               `json:"max_messages"`
	MustInclude []string          `json:"must_include,omitempty"`
	MustNot     []string          `json:"must_not,omitempty"`
	// StepText is the verbatim catalog instruction when in PRACTICE.
	// Generation may only wrap it, never invent or omit steps.
	StepText     string   `json:"step_text,omitempty"`
	UIMode       UIMode   `json:"ui_mode"`
	Buttons      []Button `json:"buttons,omitempty"`
	TimerSeconds int      `json:"timer_seconds,omitempty"`
}
