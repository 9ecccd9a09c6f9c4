package escrow

import (
	"fmt"
	"strings"
)

// Cause is who or what asks for a transition.
type Cause string

const (
	CauseClient     Cause = "client"     // release/refund API call
	CauseDispute    Cause = "dispute"    // a party raised a dispute
	CauseArbitrator Cause = "arbitrator" // ruling on a dispute
	CauseChain      Cause = "chain"      // the ledger already settled
)

// Decision is the state machine's verdict on a legal request.
type Decision int

const (
	Apply Decision = iota + 1 // perform the transition
	NoOp                      // already there, succeed without side effects
)

func (d Decision) String() string {
	switch d {
	case Apply:
		return "apply"
	case NoOp:
		return "noop"
	default:
		return "invalid"
	}
}

type edge struct {
	from, to Status
}

// transitions lists every legal edge and the causes allowed to take it.
var transitions = map[edge][]Cause{
	{StatusPending, StatusReleased}:  {CauseClient, CauseChain},
	{StatusPending, StatusRefunded}:  {CauseClient, CauseChain},
	{StatusPending, StatusDisputed}:  {CauseDispute},
	{StatusDisputed, StatusReleased}: {CauseArbitrator, CauseChain},
	{StatusDisputed, StatusRefunded}: {CauseArbitrator, CauseChain},
}

// Transition decides whether cause may move an escrow from one status to
// another. Requesting the status it is already in is a NoOp, which absorbs
// client retries and duplicate ledger notifications. Leaving a terminal
// status is never allowed.
func Transition(from, to Status, cause Cause) (Decision, error) {
	if !from.Valid() || !to.Valid() {
		return 0, fmt.Errorf("%w: unknown status %s -> %s", ErrInvalidStateTransition, from, to)
	}
	if from == to && to != StatusPending {
		return NoOp, nil
	}
	if from.IsTerminal() {
		return 0, fmt.Errorf("%w: escrow already %s", ErrInvalidStateTransition, from)
	}
	causes, ok := transitions[edge{from, to}]
	if !ok {
		return 0, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
	}
	for _, c := range causes {
		if c == cause {
			return Apply, nil
		}
	}
	return 0, fmt.Errorf("%w: %s -> %s not allowed for %s", ErrInvalidStateTransition, from, to, cause)
}

// eventFor maps a target status to the event recorded on entering it.
func eventFor(to Status) EventType {
	switch to {
	case StatusReleased:
		return EventReleased
	case StatusRefunded:
		return EventRefunded
	case StatusDisputed:
		return EventDisputed
	default:
		return EventCreated
	}
}

// statusAfter maps an event back to the status it records.
func statusAfter(t EventType) (Status, bool) {
	switch t {
	case EventCreated:
		return StatusPending, true
	case EventReleased:
		return StatusReleased, true
	case EventRefunded:
		return StatusRefunded, true
	case EventDisputed:
		return StatusDisputed, true
	}
	return "", false
}

// Replay rebuilds an escrow's status from its event log and fails if the
// log contains an edge the state machine would not have allowed.
func Replay(events []*Event) (Status, error) {
	if len(events) == 0 || events[0].Type != EventCreated {
		return "", fmt.Errorf("%w: log must start with %s", ErrInvalidStateTransition, EventCreated)
	}
	cur := StatusPending
	for _, ev := range events[1:] {
		next, ok := statusAfter(ev.Type)
		if !ok || next == StatusPending {
			return "", fmt.Errorf("%w: unexpected event %s", ErrInvalidStateTransition, ev.Type)
		}
		if _, ok := transitions[edge{cur, next}]; !ok {
			return "", fmt.Errorf("%w: %s after %s", ErrInvalidStateTransition, ev.Type, cur)
		}
		cur = next
	}
	return cur, nil
}

// RenderTable prints the full decision table, one line per
// (from, to, cause), for documentation and golden tests.
func RenderTable() string {
	statuses := []Status{StatusPending, StatusDisputed, StatusReleased, StatusRefunded}
	causes := []Cause{CauseClient, CauseDispute, CauseArbitrator, CauseChain}

	var b strings.Builder
	for _, from := range statuses {
		for _, to := range statuses {
			for _, c := range causes {
				d, err := Transition(from, to, c)
				verdict := d.String()
				if err != nil {
					verdict = "reject"
				}
				fmt.Fprintf(&b, "%-8s -> %-8s %-10s %s\n", from, to, c, verdict)
			}
		}
	}
	return b.String()
}
