package dispute

// transitions is the full status machine. Initial state is pending, terminal
// is closed. Force-close is the one administrative exception handled outside
// this table.
var transitions = map[Status][]Status{
	StatusPending:   {StatusReviewing},
	StatusReviewing: {StatusVoting, StatusEscalated, StatusResolved},
	StatusVoting:    {StatusResolved, StatusEscalated},
	StatusEscalated: {StatusVoting, StatusResolved},
	StatusResolved:  {StatusAppealed, StatusClosed},
	StatusAppealed:  {StatusVoting, StatusEscalated, StatusResolved},
}

// CanTransition reports whether from -> to is a legal status change.
// closed -> closed is the only idempotent no-op; it is accepted here so
// retried close requests do not fail.
func CanTransition(from, to Status) bool {
	if from == StatusClosed {
		return to == StatusClosed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
