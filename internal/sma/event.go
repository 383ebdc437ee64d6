// Package sma turns SIP media application invocations into call-control
// actions. Each invocation is handled independently; per-call state travels
// in the transaction attributes the platform echoes back on every event.
package sma

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedEvent is returned for invocations that are missing fields the
// router needs. The router answers such events with an empty action list.
var ErrMalformedEvent = errors.New("malformed sma event")

// EventType is the InvocationEventType of an SMA invocation.
type EventType string

const (
	EventNewInboundCall      EventType = "NEW_INBOUND_CALL"
	EventRinging             EventType = "RINGING"
	EventCallAnswered        EventType = "CALL_ANSWERED"
	EventActionSuccessful    EventType = "ACTION_SUCCESSFUL"
	EventActionFailed        EventType = "ACTION_FAILED"
	EventHangup              EventType = "HANGUP"
	EventCallUpdateRequested EventType = "CALL_UPDATE_REQUESTED"
)

// Known reports whether t is an invocation type the platform sends.
func (t EventType) Known() bool {
	switch t {
	case EventNewInboundCall, EventRinging, EventCallAnswered, EventActionSuccessful,
		EventActionFailed, EventHangup, EventCallUpdateRequested:
		return true
	}
	return false
}

// Participant tags assigned by the platform.
const (
	LegA = "LEG-A"
	LegB = "LEG-B"
)

// Event is one SMA invocation.
type Event struct {
	SchemaVersion       string      `json:"SchemaVersion"`
	Sequence            int         `json:"Sequence"`
	InvocationEventType EventType   `json:"InvocationEventType"`
	ActionData          *ActionData `json:"ActionData,omitempty"`
	CallDetails         CallDetails `json:"CallDetails"`
}

// ActionData describes the action an ACTION_*, HANGUP or
// CALL_UPDATE_REQUESTED event refers to.
type ActionData struct {
	Type       string           `json:"Type"`
	Parameters ActionDataParams `json:"Parameters"`
}

// ActionDataParams holds the parameters the router reads from ActionData.
// Unknown parameters are ignored.
type ActionDataParams struct {
	CallID         string            `json:"CallId,omitempty"`
	ParticipantTag string            `json:"ParticipantTag,omitempty"`
	Arguments      map[string]string `json:"Arguments,omitempty"`
}

// CallDetails carries the call's transaction and its participants.
type CallDetails struct {
	TransactionID         string            `json:"TransactionId"`
	TransactionAttributes map[string]string `json:"TransactionAttributes,omitempty"`
	AwsAccountID          string            `json:"AwsAccountId,omitempty"`
	AwsRegion             string            `json:"AwsRegion,omitempty"`
	SipMediaApplicationID string            `json:"SipMediaApplicationId,omitempty"`
	Participants          []Participant     `json:"Participants"`
}

// Participant is one call leg.
type Participant struct {
	CallID         string `json:"CallId"`
	ParticipantTag string `json:"ParticipantTag"`
	To             string `json:"To,omitempty"`
	From           string `json:"From,omitempty"`
	Direction      string `json:"Direction,omitempty"`
	Status         string `json:"Status,omitempty"`
}

// Participant returns the participant carrying tag, if any.
func (e *Event) Participant(tag string) (Participant, bool) {
	for _, p := range e.CallDetails.Participants {
		if p.ParticipantTag == tag {
			return p, true
		}
	}
	return Participant{}, false
}

// originator returns leg A, falling back to the first participant when the
// platform did not tag it.
func (e *Event) originator() (Participant, bool) {
	if p, ok := e.Participant(LegA); ok {
		return p, true
	}
	if len(e.CallDetails.Participants) > 0 {
		return e.CallDetails.Participants[0], true
	}
	return Participant{}, false
}

// otherLeg returns the first participant not tagged tag.
func (e *Event) otherLeg(tag string) (Participant, bool) {
	for _, p := range e.CallDetails.Participants {
		if p.ParticipantTag != tag {
			return p, true
		}
	}
	return Participant{}, false
}

// hangupTag returns the tag of the leg a HANGUP event reports.
func (e *Event) hangupTag() string {
	if e.ActionData == nil {
		return ""
	}
	return e.ActionData.Parameters.ParticipantTag
}

// actionType returns ActionData.Type, or "" when absent.
func (e *Event) actionType() string {
	if e.ActionData == nil {
		return ""
	}
	return e.ActionData.Type
}

// argument returns a CALL_UPDATE_REQUESTED argument.
func (e *Event) argument(name string) string {
	if e.ActionData == nil {
		return ""
	}
	return e.ActionData.Parameters.Arguments[name]
}

// ParseEvent decodes and validates an invocation. On validation failure it
// returns the decoded event alongside an error wrapping ErrMalformedEvent so
// the caller can still echo the transaction attributes.
func ParseEvent(data []byte) (*Event, error) {
	var ev Event
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&ev); err != nil {
		return nil, fmt.Errorf("%w: decoding: %w", ErrMalformedEvent, err)
	}
	if err := ev.Validate(); err != nil {
		return &ev, err
	}
	return &ev, nil
}

// Validate checks the fields each event type depends on.
func (e *Event) Validate() error {
	if e.InvocationEventType == "" {
		return malformed("missing InvocationEventType")
	}
	if !e.InvocationEventType.Known() {
		return malformed(fmt.Sprintf("unknown InvocationEventType %q", e.InvocationEventType))
	}
	if e.CallDetails.TransactionID == "" {
		return malformed("missing CallDetails.TransactionId")
	}

	switch e.InvocationEventType {
	case EventNewInboundCall:
		p, ok := e.originator()
		if !ok {
			return malformed("NEW_INBOUND_CALL without participants")
		}
		if p.CallID == "" || p.From == "" {
			return malformed("NEW_INBOUND_CALL participant missing CallId or From")
		}
	case EventHangup:
		if e.hangupTag() == "" {
			return malformed("HANGUP missing ActionData.Parameters.ParticipantTag")
		}
	case EventActionSuccessful, EventActionFailed:
		if e.actionType() == "" {
			return malformed("ACTION event missing ActionData.Type")
		}
	case EventCallUpdateRequested:
		if e.argument(ArgTransferTarget) == "" || e.argument(ArgTransferTargetArn) == "" {
			return malformed("CALL_UPDATE_REQUESTED missing transfer arguments")
		}
	}
	return nil
}

func malformed(msg string) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, msg)
}

// Arguments sent with a call update by the transfer lookup service.
const (
	ArgTransferTarget    = "TransferTarget"
	ArgTransferTargetArn = "TransferTargetArn"
	ArgTransfer          = "Transfer"
)
