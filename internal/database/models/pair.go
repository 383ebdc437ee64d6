package models

import "time"

// PairKey identifies one virtual trunk slot: the number the call platform
// dials out from and the number that reaches the routing engine.
type PairKey struct {
	GatewayNumber string `json:"gateway_number"`
	RoutingNumber string `json:"routing_number"`
}

// Pair is a row in the allocation table. InUse is flipped by compare-and-swap
// on claim and cleared on release; the remaining fields describe the most
// recent claim and are not cleared on release.
type Pair struct {
	GatewayNumber  string     `json:"gateway_number"`
	RoutingNumber  string     `json:"routing_number"`
	InUse          bool       `json:"in_use"`
	SessionID      string     `json:"session_id,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	OriginalCaller string     `json:"original_caller,omitempty"`
}

// Key returns the pair's primary key.
func (p *Pair) Key() PairKey {
	return PairKey{GatewayNumber: p.GatewayNumber, RoutingNumber: p.RoutingNumber}
}
