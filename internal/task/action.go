package task

import "fmt"

// Action is the kind of change a task replicates.
type Action int

const (
	// ActionInvalid is the zero value and never dispatched.
	ActionInvalid Action = iota
	ActionCreate
	ActionUpdate
	ActionRemove
	ActionFullSync
)

var actionNames = map[Action]string{
	ActionInvalid:  "invalid",
	ActionCreate:   "create",
	ActionUpdate:   "update",
	ActionRemove:   "remove",
	ActionFullSync: "full-sync",
}

// String returns the lower-case action name.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction converts a name produced by String back into an Action.
func ParseAction(s string) (Action, error) {
	for a, name := range actionNames {
		if name == s && a != ActionInvalid {
			return a, nil
		}
	}
	return ActionInvalid, fmt.Errorf("unknown action %q", s)
}

// RequiresObject reports whether the source object must exist before the
// action can be replicated.
func (a Action) RequiresObject() bool {
	return a == ActionCreate || a == ActionUpdate
}
