package escrow

// transitions is the closed edge set of the lifecycle graph. Dispute edges
// are fan-in from every non-terminal, non-disputed state and are listed
// explicitly so the table stays exhaustive.
var transitions = map[Status][]Status{
	StatusCreated:      {StatusAgreed, StatusDisputed, StatusCancelled},
	StatusAgreed:       {StatusFunded, StatusDisputed, StatusCancelled},
	StatusFunded:       {StatusGoodsShipped, StatusDisputed},
	StatusGoodsShipped: {StatusFundsReleased, StatusDisputed},
	StatusDisputed:     {StatusFundsReleased, StatusRefunded},
}

// CanTransition reports whether the edge from -> to exists in the lifecycle
// graph. Terminal states have no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further mutating transition is accepted.
func Terminal(s Status) bool {
	switch s {
	case StatusFundsReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Disputable reports whether a party may still open a dispute from s.
func Disputable(s Status) bool {
	return !Terminal(s) && s != StatusDisputed
}
