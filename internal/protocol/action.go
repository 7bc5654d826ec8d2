package protocol

import "fmt"

// Action is the closed set of request kinds the router handles.
type Action int

const (
	// ActionConnect asks for access to the wallet account.
	ActionConnect Action = iota + 1
	// ActionProcess asks the wallet to sign and submit a transaction.
	ActionProcess
)

// Actions lists every action in dispatch order.
var Actions = []Action{ActionConnect, ActionProcess}

var methodActions = map[string]Action{
	"connect":         ActionConnect,
	"sendTransaction": ActionProcess,
}

// ParseAction maps a requester method name onto an action.
func ParseAction(method string) (Action, bool) {
	action, ok := methodActions[method]
	return action, ok
}

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "connect"
	case ActionProcess:
		return "process"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Valid reports whether a is a member of the closed action set.
func (a Action) Valid() bool {
	return a == ActionConnect || a == ActionProcess
}

// HandlerChannel is the relay-to-router channel name for this action's category.
func (a Action) HandlerChannel() string {
	return "request." + a.String()
}

// DecisionChannel is the approval-to-router channel name for this action's decisions.
func (a Action) DecisionChannel() string {
	return "decision." + a.String()
}

// LaunchPath is the approval surface path for this action.
func (a Action) LaunchPath() string {
	switch a {
	case ActionConnect:
		return "/connect"
	case ActionProcess:
		return "/send-sign"
	default:
		return ""
	}
}

// ActionForPath resolves a launch path back to its action.
func ActionForPath(path string) (Action, bool) {
	for _, a := range Actions {
		if a.LaunchPath() == path {
			return a, true
		}
	}
	return 0, false
}

func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("unknown action %d", int(a))
	}
	return []byte(a.String()), nil
}

func (a *Action) UnmarshalText(text []byte) error {
	for _, candidate := range Actions {
		if candidate.String() == string(text) {
			*a = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown action %q", string(text))
}
