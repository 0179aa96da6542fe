package billing

import (
	"fmt"
	"time"
)

// transitions is the legal state/event table. PAID and CANCELED are
// terminal; DRAFT documents cannot be canceled, only issued.
var transitions = map[DocumentState]map[Event]DocumentState{
	StateDraft: {
		EventIssue: StateIssued,
	},
	StateIssued: {
		EventPay:    StatePaid,
		EventCancel: StateCanceled,
	},
}

// NextState resolves the target state for an event, or ErrInvalidTransition
// identifying the current state and attempted event.
func NextState(state DocumentState, ev Event) (DocumentState, error) {
	if next, ok := transitions[state][ev]; ok {
		return next, nil
	}
	return "", transitionError(state, ev)
}

// CanTransition reports whether the state/event pair is legal.
func CanTransition(state DocumentState, ev Event) bool {
	_, ok := transitions[state][ev]
	return ok
}

// applyTransition validates the event against the transition table and
// mutates the in-memory document: state plus the timestamp owned by the
// transition. Persistence is the caller's concern, so the state machine
// stays unit-testable without a database.
func applyTransition(doc *Document, ev Event, now time.Time) error {
	next, err := NextState(doc.State, ev)
	if err != nil {
		return err
	}

	switch ev {
	case EventIssue:
		if len(doc.Entries) == 0 {
			return fmt.Errorf("%w: cannot issue a document without entries", ErrValidation)
		}
		doc.IssueDate = &now
	case EventPay:
		doc.PaidDate = &now
	case EventCancel:
		doc.CancelDate = &now
	}

	doc.State = next
	doc.UpdatedAt = now
	return nil
}
