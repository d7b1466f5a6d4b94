package models

// Terminal reports whether no further status transition is possible.
func (s EmailStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

// Cancellable reports whether a user may cancel or force-send a record in this state.
func (s EmailStatus) Cancellable() bool {
	return s == StatusPending || s == StatusQueued
}

func (s EmailStatus) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusSending, StatusSent, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[EmailStatus][]EmailStatus{
	StatusPending: {StatusPending, StatusQueued, StatusSending, StatusCancelled},
	StatusQueued:  {StatusQueued, StatusSending, StatusPending, StatusCancelled},
	// sending -> pending covers both retry and the stuck-record sweep.
	StatusSending: {StatusSent, StatusPending, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the delivery state machine.
func CanTransition(from, to EmailStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
