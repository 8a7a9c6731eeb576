package payroll

import "fmt"

// =============================================================================
// RUN LIFECYCLE
// =============================================================================
//
//	Action       Legal from                 Illegal from          Failure
//	preview      any                        -                     -
//	override     draft                      authorized/distrib.   RUN_CLOSED
//	                                        empty                 NO_ACTIVE_RUN
//	authorize    draft                      authorized/distrib.   ALREADY_AUTHORIZED
//	                                        empty                 NO_ACTIVE_RUN
//	distribute   authorized, distributing   draft, empty          NOT_AUTHORIZED
//	finish       distributing               anything else         CONCURRENT_MODIFICATION
//
// A run never goes back to draft once authorized.

type Action string

const (
	ActionPreview    Action = "preview"
	ActionOverride   Action = "override"
	ActionAuthorize  Action = "authorize"
	ActionDistribute Action = "distribute"

	// ActionFinishDistribution returns a distributing run to authorized.
	ActionFinishDistribution Action = "finish_distribution"
)

// Transition returns the status a run moves to when action a succeeds
// from status from. The error is a *Error with PriorState set.
func Transition(from Status, a Action) (Status, error) {
	if err := Guard(from, a); err != nil {
		return from, err
	}
	switch a {
	case ActionPreview, ActionOverride:
		return StatusDraft, nil
	case ActionAuthorize:
		return StatusAuthorized, nil
	case ActionDistribute:
		return StatusDistributing, nil
	case ActionFinishDistribution:
		return StatusAuthorized, nil
	}
	return from, fmt.Errorf("unknown action %q", a)
}

// Guard reports whether action a is legal from status from.
func Guard(from Status, a Action) error {
	fail := func(code Code, msg string) error {
		return &Error{Code: code, Message: msg, PriorState: from}
	}

	switch a {
	case ActionPreview:
		return nil

	case ActionOverride:
		switch from {
		case StatusDraft:
			return nil
		case StatusEmpty, "":
			return fail(CodeNoActiveRun, "no run selected")
		default:
			return fail(CodeRunClosed, fmt.Sprintf("can only edit draft runs, current status: %s", from))
		}

	case ActionAuthorize:
		switch from {
		case StatusDraft:
			return nil
		case StatusEmpty, "":
			return fail(CodeNoActiveRun, "no run selected")
		default:
			return fail(CodeAlreadyAuthorized, fmt.Sprintf("can only authorize draft runs, current status: %s", from))
		}

	case ActionDistribute:
		switch from {
		case StatusAuthorized, StatusDistributing:
			return nil
		default:
			return fail(CodeNotAuthorized, fmt.Sprintf("can only distribute authorized runs, current status: %s", from))
		}

	case ActionFinishDistribution:
		if from == StatusDistributing {
			return nil
		}
		return fail(CodeConflict, fmt.Sprintf("no distribution in progress, current status: %s", from))
	}

	return fmt.Errorf("unknown action %q", a)
}

// Editable reports whether overrides are accepted in status s.
func Editable(s Status) bool { return s == StatusDraft }
