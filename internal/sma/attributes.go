package sma

import (
	"strconv"

	"github.com/flowpbx/takeback/internal/database/models"
)

// Transaction attribute keys.
const (
	attrGatewayNumber       = "sma_number"
	attrRoutingNumber       = "connect_number"
	attrOriginalCaller      = "original_calling_number"
	attrActiveCallToConnect = "active_call_to_connect"
	attrTransfer            = "transfer"
	attrTargetNumber        = "target_number"
	attrTargetArn           = "target_arn"
	attrState               = "call_state"
)

// Attributes is the typed view of a call's transaction attributes.
// Keys the router does not own are preserved in extra and echoed back.
type Attributes struct {
	GatewayNumber       string
	RoutingNumber       string
	OriginalCaller      string
	ActiveCallToConnect bool
	Transfer            bool
	TargetNumber        string
	TargetArn           string
	State               State

	extra map[string]string
}

var ownedKeys = map[string]bool{
	attrGatewayNumber:       true,
	attrRoutingNumber:       true,
	attrOriginalCaller:      true,
	attrActiveCallToConnect: true,
	attrTransfer:            true,
	attrTargetNumber:        true,
	attrTargetArn:           true,
	attrState:               true,
}

// ParseAttributes reads transaction attributes. A missing or unknown
// call_state is inferred from the flags.
func ParseAttributes(m map[string]string) Attributes {
	a := Attributes{
		GatewayNumber:       m[attrGatewayNumber],
		RoutingNumber:       m[attrRoutingNumber],
		OriginalCaller:      m[attrOriginalCaller],
		ActiveCallToConnect: parseFlag(m[attrActiveCallToConnect]),
		Transfer:            parseFlag(m[attrTransfer]),
		TargetNumber:        m[attrTargetNumber],
		TargetArn:           m[attrTargetArn],
	}
	for k, v := range m {
		if ownedKeys[k] {
			continue
		}
		if a.extra == nil {
			a.extra = make(map[string]string)
		}
		a.extra[k] = v
	}

	if s, ok := ParseState(m[attrState]); ok {
		a.State = s
	} else {
		a.State = a.inferState()
	}
	return a
}

func parseFlag(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

// inferState derives the state from the flags alone, for attributes written
// before call_state existed.
func (a Attributes) inferState() State {
	switch {
	case a.Transfer:
		return StateTransferPending
	case a.GatewayNumber != "" && a.ActiveCallToConnect:
		return StateConnectingToRouter
	case a.GatewayNumber != "":
		return StateTerminated
	default:
		return StateNew
	}
}

// Pair returns the claimed pair.
func (a Attributes) Pair() models.PairKey {
	return models.PairKey{GatewayNumber: a.GatewayNumber, RoutingNumber: a.RoutingNumber}
}

// Map renders the attributes for the response. Flags are written once a
// pair has been claimed; target fields once a transfer is requested.
func (a Attributes) Map() map[string]string {
	m := make(map[string]string, len(a.extra)+len(ownedKeys))
	for k, v := range a.extra {
		m[k] = v
	}

	if a.GatewayNumber != "" {
		m[attrGatewayNumber] = a.GatewayNumber
		m[attrRoutingNumber] = a.RoutingNumber
		m[attrActiveCallToConnect] = strconv.FormatBool(a.ActiveCallToConnect)
	}
	if a.OriginalCaller != "" {
		m[attrOriginalCaller] = a.OriginalCaller
	}
	if a.Transfer {
		m[attrTransfer] = "true"
	}
	if a.TargetNumber != "" {
		m[attrTargetNumber] = a.TargetNumber
	}
	if a.TargetArn != "" {
		m[attrTargetArn] = a.TargetArn
	}
	if a.State != StateNew {
		m[attrState] = a.State.String()
	}
	return m
}
