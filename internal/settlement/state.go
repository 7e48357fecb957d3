package settlement

import (
	"fmt"
	"strings"
)

// Rail is the payment mechanism for a query.
type Rail int

const (
	RailDirect Rail = iota + 1
	RailCredit
)

func (r Rail) String() string {
	switch r {
	case RailDirect:
		return "direct"
	case RailCredit:
		return "credit"
	default:
		return fmt.Sprintf("Rail(%d)", int(r))
	}
}

// ParseRail accepts "direct" or "credit", case-insensitively.
func ParseRail(s string) (Rail, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct":
		return RailDirect, nil
	case "credit", "credits":
		return RailCredit, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownRail, s)
	}
}

// Flow selects a transition table.
type Flow int

const (
	FlowDirect Flow = iota + 1
	FlowCredit
	FlowPurchase
	FlowTopUp
)

func (f Flow) String() string {
	switch f {
	case FlowDirect:
		return "direct"
	case FlowCredit:
		return "credit"
	case FlowPurchase:
		return "purchase"
	case FlowTopUp:
		return "top_up"
	default:
		return fmt.Sprintf("Flow(%d)", int(f))
	}
}

// FlowFor returns the query flow for a rail.
func FlowFor(r Rail) Flow {
	if r == RailCredit {
		return FlowCredit
	}
	return FlowDirect
}

// State is a session's position in its flow.
type State int

const (
	Idle State = iota
	CheckingBalance
	Approving
	Approved
	Paying
	Paid
	CheckingCredits
	Consuming
	Consumed
	Dispatching
	Delivered
	Buying
	Bought
	Failed
)

var stateNames = [...]string{
	Idle:            "idle",
	CheckingBalance: "checking_balance",
	Approving:       "approving",
	Approved:        "approved",
	Paying:          "paying",
	Paid:            "paid",
	CheckingCredits: "checking_credits",
	Consuming:       "consuming",
	Consumed:        "consumed",
	Dispatching:     "dispatching",
	Delivered:       "delivered",
	Buying:          "buying",
	Bought:          "bought",
	Failed:          "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Delivered || s == Bought || s == Failed
}

// Approved is reachable straight from the balance check when the existing
// allowance already covers the amount. Bought is reachable from Idle when
// the buyer already owns the agent.
var transitions = map[Flow]map[State][]State{
	FlowDirect: {
		Idle:            {CheckingBalance},
		CheckingBalance: {Approving, Approved},
		Approving:       {Approved},
		Approved:        {Paying},
		Paying:          {Paid},
		Paid:            {Dispatching},
		Dispatching:     {Delivered},
	},
	FlowCredit: {
		Idle:            {CheckingCredits},
		CheckingCredits: {Consuming},
		Consuming:       {Consumed},
		Consumed:        {Dispatching},
		Dispatching:     {Delivered},
	},
	FlowPurchase: {
		Idle:      {Approving, Approved, Bought},
		Approving: {Approved},
		Approved:  {Buying},
		Buying:    {Bought},
	},
	FlowTopUp: {
		Idle:      {Approving, Approved},
		Approving: {Approved},
		Approved:  {Buying},
		Buying:    {Bought},
	},
}

// Transition validates a state change within flow. Failed is reachable from
// every non-terminal state.
func Transition(flow Flow, from, to State) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrIllegalTransition, from)
	}
	if to == Failed {
		return nil
	}
	table, ok := transitions[flow]
	if !ok {
		return fmt.Errorf("%w: unknown flow %s", ErrIllegalTransition, flow)
	}
	for _, next := range table[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s in %s flow", ErrIllegalTransition, from, to, flow)
}
