package conversation

import (
	"fmt"
	"strings"
)

// State is the position of a session in the ask/follow-up cycle.
type State string

const (
	StateIdle                   State = "idle"
	StateAwaitingAnswer         State = "awaiting_answer"
	StateAwaitingFollowUpChoice State = "awaiting_follow_up_choice"
)

// Choice is the user's answer to the follow-up offer.
type Choice string

const (
	ChoiceYes Choice = "yes"
	ChoiceNo  Choice = "no"
)

const (
	// FollowUpQuestion is asked on the user's behalf when they want more detail.
	FollowUpQuestion = "Please provide more detailed information about the previous answer."
	// FollowUpOffer is shown after every answer.
	FollowUpOffer = "Do you want more information?"
	// NextQuestionPrompt is shown when the user declines the follow-up.
	NextQuestionPrompt = "What question do you want me to answer?"
)

// ParseChoice accepts yes/no in any case.
func ParseChoice(s string) (Choice, error) {
	switch Choice(strings.ToLower(strings.TrimSpace(s))) {
	case ChoiceYes:
		return ChoiceYes, nil
	case ChoiceNo:
		return ChoiceNo, nil
	}
	return "", fmt.Errorf("invalid choice %q (valid: yes, no)", s)
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateAwaitingAnswer, StateAwaitingFollowUpChoice:
		return true
	}
	return false
}

// Busy reports whether a provider request is in flight.
func (s State) Busy() bool {
	return s == StateAwaitingAnswer
}
