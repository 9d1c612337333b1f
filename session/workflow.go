package session

import (
	"loyaltyd/models"
)

// allowedTransitions defines the session state machine. Pending is the only
// live state; consumed, rejected, and expired are terminal. Approval and
// consumption happen in a single transition so a session can never sit in
// APPROVED waiting to be spent twice.
var allowedTransitions = map[models.SessionStatus][]models.SessionStatus{
	models.StatePending: {models.StateConsumed, models.StateRejected, models.StateExpired},
}

// transitionAllowed reports whether current may move to next.
func transitionAllowed(current, next models.SessionStatus) bool {
	for _, state := range allowedTransitions[current] {
		if state == next {
			return true
		}
	}
	return false
}
