package domain

import "fmt"

// Status is the lifecycle state of a Deposit.
type Status string

const (
	StatusPending               Status = "pending"
	StatusConfirmed             Status = "confirmed"
	StatusAwaitingClientInvoice Status = "awaiting_client_invoice"
	StatusDispatched            Status = "dispatched"
	StatusFailed                Status = "failed"
	StatusEscalated             Status = "escalated"
)

// transitions lists every allowed forward move. Anything else needs an
// operator override, which this service does not expose.
var transitions = map[Status][]Status{
	StatusPending:               {StatusConfirmed, StatusFailed},
	StatusConfirmed:             {StatusAwaitingClientInvoice, StatusDispatched, StatusFailed},
	StatusAwaitingClientInvoice: {StatusDispatched, StatusFailed},
	StatusFailed:                {StatusEscalated},
}

// ParseStatus validates a raw status value read from storage or a payload.
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	switch s {
	case StatusPending, StatusConfirmed, StatusAwaitingClientInvoice,
		StatusDispatched, StatusFailed, StatusEscalated:
		return s, nil
	}
	return "", fmt.Errorf("unknown deposit status %q", raw)
}

// CanTransition reports whether from -> to is part of the state machine.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no automated transition leaves s. Failed is
// only terminal when escalation is switched off.
func (s Status) IsTerminal(escalationEnabled bool) bool {
	switch s {
	case StatusDispatched, StatusEscalated:
		return true
	case StatusFailed:
		return !escalationEnabled
	}
	return false
}

// IsOpen reports whether the deposit can still be dispatched.
func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusConfirmed || s == StatusAwaitingClientInvoice
}

func (s Status) String() string { return string(s) }
