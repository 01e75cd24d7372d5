package domain

// State is the order lifecycle state.
type State string

const (
	StateCreated        State = "CREATED"         // recorded, saga not finished yet
	StatePendingPayment State = "PENDING_PAYMENT" // saga succeeded, waiting for payment
	StatePaid           State = "PAID"            // payment confirmed, reservations settled
	StateCancelled      State = "CANCELLED"       // voided: buyer cancel, timeout or saga compensation
	StateFailed         State = "FAILED"          // unrecoverable before any work was done
)

var transitions = map[State][]State{
	StateCreated:        {StatePendingPayment, StateFailed, StateCancelled},
	StatePendingPayment: {StatePaid, StateCancelled},
}

// CanTransition reports whether the move from one state to another is legal.
// Paid, cancelled and failed are terminal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition mutates the order's state or reports ErrInvalidTransition.
func (o *Order) Transition(to State) error {
	if !CanTransition(o.Status, to) {
		return ErrInvalidTransition
	}
	o.Status = to
	return nil
}
