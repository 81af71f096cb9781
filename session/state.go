package session

import (
	"github.com/use-agent/chatrelay/driver"
	"github.com/use-agent/chatrelay/models"
)

// State is a node of the session state machine.
type State int

const (
	StateCold State = iota
	StateLoginCheck
	StateAwaitingLogin
	StateAwaitingVerification
	StateReady
	StateSending
	StateAwaitingResponse
	StateReopen
	StateExhausted
	StateDone
)

var stateNames = [...]string{
	StateCold:                 "cold",
	StateLoginCheck:           "login_check",
	StateAwaitingLogin:        "awaiting_login",
	StateAwaitingVerification: "awaiting_verification",
	StateReady:                "ready",
	StateSending:              "sending",
	StateAwaitingResponse:     "awaiting_response",
	StateReopen:               "reopen",
	StateExhausted:            "exhausted",
	StateDone:                 "done",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// PageCondition is what the page shows right after it loads.
type PageCondition int

const (
	// ConditionNone means neither login nor verification is requested.
	ConditionNone PageCondition = iota
	ConditionLogin
	ConditionVerification
)

func (c PageCondition) String() string {
	switch c {
	case ConditionNone:
		return "none"
	case ConditionLogin:
		return "login"
	case ConditionVerification:
		return "verification"
	}
	return "unknown"
}

// NextState maps a page condition to exactly one next state.
func NextState(c PageCondition) State {
	switch c {
	case ConditionLogin:
		return StateAwaitingLogin
	case ConditionVerification:
		return StateAwaitingVerification
	default:
		return StateReady
	}
}

// Attempt is one browser lifetime. It is discarded on Reopen.
type Attempt struct {
	ID         string
	ForceLogin bool

	// Cookies captured when the attempt routed to verification.
	Cookies []driver.Cookie

	// ChallengeSeen names the challenge type met during the attempt, if any.
	ChallengeSeen string
}

// Observer receives progress notifications. Calls happen on the
// controller's goroutine.
type Observer interface {
	RunStarted(total int)
	StateChanged(attemptID string, from, to State)
	RecordAdded(r models.ScrapeResult)
}
