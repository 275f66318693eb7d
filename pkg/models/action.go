package models

import "fmt"

// Action is the closed set of routing outcomes a rule can prescribe.
type Action string

const (
	ActionForward Action = "forward"
	ActionBounce  Action = "bounce"
	ActionStore   Action = "store"
)

func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionForward, ActionBounce, ActionStore:
		return Action(s), nil
	}
	return "", fmt.Errorf("unknown action: %q", s)
}

func (a Action) Valid() bool {
	switch a {
	case ActionForward, ActionBounce, ActionStore:
		return true
	}
	return false
}

func (a Action) String() string {
	return string(a)
}
