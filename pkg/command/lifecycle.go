package command

import "fmt"

// allowedTransitions is the lifecycle graph. DISPATCHED and RUNNING can
// fall back to QUEUED on lease expiry or a retryable failure; terminal
// states have no exits.
var allowedTransitions = map[Status][]Status{
	StatusPending:         {StatusPendingApproval, StatusQueued, StatusCancelled, StatusExpired},
	StatusPendingApproval: {StatusQueued, StatusCancelled, StatusExpired},
	StatusQueued:          {StatusDispatched, StatusCancelled, StatusExpired},
	StatusDispatched:      {StatusRunning, StatusQueued, StatusSucceeded, StatusPartial, StatusFailed, StatusCancelled, StatusExpired},
	StatusRunning:         {StatusQueued, StatusSucceeded, StatusPartial, StatusFailed, StatusCancelled, StatusExpired},
	StatusSucceeded:       {},
	StatusPartial:         {},
	StatusFailed:          {},
	StatusCancelled:       {},
	StatusExpired:         {},
}

// ValidateTransition checks whether from -> to is an allowed lifecycle
// step. Same-state is a no-op and allowed.
func ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	next, ok := allowedTransitions[from]
	if !ok {
		return &TransitionError{
			From:    from,
			To:      to,
			Message: fmt.Sprintf("unknown command status %q", from),
		}
	}
	for _, s := range next {
		if s == to {
			return nil
		}
	}
	return &TransitionError{
		From:    from,
		To:      to,
		Message: fmt.Sprintf("no transition from %s to %s", from, to),
	}
}

// AllowedTransitions returns the valid target states from the given state.
func AllowedTransitions(from Status) []Status {
	return allowedTransitions[from]
}

// TransitionError is a structured error for invalid lifecycle transitions.
type TransitionError struct {
	From    Status `json:"from"`
	To      Status `json:"to"`
	Message string `json:"message"`
}

func (e *TransitionError) Error() string {
	return e.Message
}
