// Package lanes defines the payment lanes a transfer can ride and the
// router calldata each lane produces from its authorization proof.
package lanes

import "fmt"

// Lane identifies the authorization mechanism used for one transfer attempt.
// A lane is chosen fresh per attempt and never persisted as authoritative
// state, only recorded on the resulting receipt.
type Lane string

const (
	LaneEIP3009 Lane = "EIP3009"
	LaneEIP2612 Lane = "EIP2612"
	LanePermit2 Lane = "PERMIT2"
	LaneAA      Lane = "AA"
	LaneSelfPay Lane = "SELF_PAY"
	LaneNone    Lane = "NONE"
)

func (l Lane) String() string { return string(l) }

// Sponsored reports whether the lane rides a paymaster-sponsored operation.
func (l Lane) Sponsored() bool {
	switch l {
	case LaneEIP3009, LaneEIP2612, LanePermit2, LaneAA:
		return true
	}
	return false
}

// ParseLane maps a stored lane string back to its enum value.
func ParseLane(s string) (Lane, error) {
	switch Lane(s) {
	case LaneEIP3009, LaneEIP2612, LanePermit2, LaneAA, LaneSelfPay, LaneNone:
		return Lane(s), nil
	}
	return LaneNone, fmt.Errorf("lanes: unknown lane %q", s)
}
