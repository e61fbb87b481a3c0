package store

import "qms/patient-queue/internal/models"

type Action string

const (
	ActionCall       Action = "call"
	ActionStart      Action = "start"
	ActionNoShow     Action = "no_show"
	ActionComplete   Action = "complete"
	ActionReschedule Action = "reschedule"
)

// Stamp names the timestamp an action sets. Stamps are written once.
type Stamp string

const (
	StampCalled     Stamp = "called_time"
	StampStarted    Stamp = "start_time"
	StampCompletion Stamp = "completion_time"
)

type Transition struct {
	Action Action
	From   models.Status
	To     models.Status
	Stamp  Stamp
}

var transitionMap = map[Action]Transition{
	ActionCall:       {ActionCall, models.StatusWaiting, models.StatusCalled, StampCalled},
	ActionStart:      {ActionStart, models.StatusCalled, models.StatusServing, StampStarted},
	ActionNoShow:     {ActionNoShow, models.StatusCalled, models.StatusNoShow, StampCompletion},
	ActionComplete:   {ActionComplete, models.StatusServing, models.StatusCompleted, StampCompletion},
	ActionReschedule: {ActionReschedule, models.StatusWaiting, models.StatusRescheduled, StampCompletion},
}

func LookupTransition(action Action) (Transition, bool) {
	t, ok := transitionMap[action]
	return t, ok
}

// CheckTransition validates action against the entry's current status and
// returns the transition to apply.
func CheckTransition(queueID string, action Action, current models.Status) (Transition, error) {
	t, ok := transitionMap[action]
	if !ok {
		return Transition{}, ErrUnknownAction
	}
	if t.From != current {
		return Transition{}, &InvalidTransitionError{QueueID: queueID, Action: action, Current: current, Requested: t.To}
	}
	return t, nil
}

func ParseAction(raw string) (Action, bool) {
	switch raw {
	case "call":
		return ActionCall, true
	case "start":
		return ActionStart, true
	case "complete":
		return ActionComplete, true
	case "no-show", "no_show":
		return ActionNoShow, true
	case "reschedule":
		return ActionReschedule, true
	}
	return "", false
}

// EventType is the audit event recorded for an applied action.
func (a Action) EventType() string {
	switch a {
	case ActionCall:
		return "entry.called"
	case ActionStart:
		return "entry.serving"
	case ActionNoShow:
		return "entry.no_show"
	case ActionComplete:
		return "entry.completed"
	case ActionReschedule:
		return "entry.rescheduled"
	}
	return "entry." + string(a)
}
