package sma

import (
	"context"
	"fmt"
)

// State is where a call session stands. It is carried in the call_state
// transaction attribute.
type State int

const (
	// StateNew is a call the router has not seen yet.
	StateNew State = iota
	// StateConnectingToRouter holds a claimed pair and is bridged, or being
	// bridged, to the routing engine.
	StateConnectingToRouter
	// StateTransferPending has released its pair and is waiting for the
	// routing-engine leg to finish hanging up.
	StateTransferPending
	// StateBridgedToTarget has been handed to the transfer target.
	StateBridgedToTarget
	// StateTerminated is final.
	StateTerminated
)

var stateNames = map[State]string{
	StateNew:                "NEW",
	StateConnectingToRouter: "CONNECTING_TO_ROUTER",
	StateTransferPending:    "TRANSFER_PENDING",
	StateBridgedToTarget:    "BRIDGED_TO_TARGET",
	StateTerminated:         "TERMINATED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ParseState is the inverse of String.
func ParseState(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return StateNew, false
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// stay marks a transition that leaves the state unchanged.
const stay State = -1

// liveStates are the states in which a hangup can still end the call.
var liveStates = []State{StateNew, StateConnectingToRouter, StateTransferPending, StateBridgedToTarget}

type handlerFunc func(r *Router, ctx context.Context, ev *Event, a *Attributes) ([]Action, error)

// transition is one row of the routing table. from == nil matches any
// state. The first row whose state, event and guard all match is taken.
type transition struct {
	name   string
	from   []State
	event  EventType
	guard  func(ev *Event, a Attributes) bool
	to     State
	handle handlerFunc
}

func (t transition) matches(ev *Event, a Attributes) bool {
	if ev.InvocationEventType != t.event {
		return false
	}
	if t.from != nil && !containsState(t.from, a.State) {
		return false
	}
	return t.guard == nil || t.guard(ev, a)
}

func containsState(states []State, s State) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

// transitions is the call routing table.
//
// The leg-B hangup row is guarded on !Transfer: once a transfer has been
// requested the routing-engine leg going down is expected, and is followed
// by the ACTION_SUCCESSFUL that bridges to the target. Matching it here
// would release the pair twice and hang up the caller.
var transitions = []transition{
	{
		name:   "claim_and_bridge",
		from:   []State{StateNew},
		event:  EventNewInboundCall,
		to:     StateConnectingToRouter,
		handle: (*Router).claimAndBridge,
	},
	{
		name:   "ringing",
		event:  EventRinging,
		to:     stay,
		handle: (*Router).observe,
	},
	{
		name:   "call_answered",
		event:  EventCallAnswered,
		to:     stay,
		handle: (*Router).observe,
	},
	{
		name:  "bridge_to_target",
		from:  []State{StateTransferPending},
		event: EventActionSuccessful,
		guard: func(ev *Event, a Attributes) bool {
			return ev.actionType() == ActionHangup && a.Transfer &&
				a.TargetNumber != "" && a.TargetArn != ""
		},
		to:     StateBridgedToTarget,
		handle: (*Router).bridgeToTarget,
	},
	{
		name:  "request_transfer",
		from:  []State{StateConnectingToRouter},
		event: EventCallUpdateRequested,
		guard: func(ev *Event, _ Attributes) bool {
			_, ok := ev.Participant(LegB)
			return ok
		},
		to:     StateTransferPending,
		handle: (*Router).requestTransfer,
	},
	{
		name:  "hangup_leg_a",
		from:  liveStates,
		event: EventHangup,
		guard: func(ev *Event, _ Attributes) bool {
			return ev.hangupTag() == LegA
		},
		to:     StateTerminated,
		handle: (*Router).hangupFromLegA,
	},
	{
		name:  "hangup_leg_b",
		from:  liveStates,
		event: EventHangup,
		guard: func(ev *Event, a Attributes) bool {
			return ev.hangupTag() == LegB && !a.Transfer
		},
		to:     StateTerminated,
		handle: (*Router).hangupFromLegB,
	},
}

// lookup returns the first transition matching ev in state a.State.
func lookup(ev *Event, a Attributes) (transition, bool) {
	for _, t := range transitions {
		if t.matches(ev, a) {
			return t, true
		}
	}
	return transition{}, false
}
