package services

import (
	"math/big"

	"paylane-backend/internal/lanes"
)

// LaneInputs are the balances and capability flags the lane decision is
// made from. All values are read fresh per attempt.
type LaneInputs struct {
	Amount          *big.Int
	OwnerBalance    *big.Int
	SenderBalance   *big.Int
	SupportsEIP3009 bool
	SupportsEIP2612 bool
	PreferPermit2   bool
	PayGasYourself  bool
}

func (in LaneInputs) ownerFunded() bool {
	return in.OwnerBalance != nil && in.OwnerBalance.Cmp(in.Amount) >= 0
}

func (in LaneInputs) senderFunded() bool {
	return in.SenderBalance != nil && in.SenderBalance.Cmp(in.Amount) >= 0
}

// SelectLane walks the precedence ladder and returns the first matching
// lane with a human-readable reason trail entry. First match wins:
//
//  1. SELF_PAY when the caller pays gas themselves
//  2. EIP3009 for capable tokens with a funded owner
//  3. EIP2612 under the same condition
//  4. PERMIT2 when preferred and the owner is funded
//  5. AA when the smart account itself holds the amount
//  6. PERMIT2 as the funded-owner fallback
//  7. NONE when no balance suffices anywhere
func SelectLane(in LaneInputs) (lanes.Lane, string) {
	switch {
	case in.PayGasYourself:
		return lanes.LaneSelfPay, "caller requested gas self-payment"
	case in.SupportsEIP3009 && in.ownerFunded():
		return lanes.LaneEIP3009, "token supports EIP-3009 and owner balance covers amount"
	case in.SupportsEIP2612 && in.ownerFunded():
		return lanes.LaneEIP2612, "token supports EIP-2612 and owner balance covers amount"
	case in.PreferPermit2 && in.ownerFunded():
		return lanes.LanePermit2, "permit2 preferred and owner balance covers amount"
	case in.senderFunded():
		return lanes.LaneAA, "smart account balance covers amount"
	case in.ownerFunded():
		return lanes.LanePermit2, "owner funded, falling back to permit2"
	default:
		return lanes.LaneNone, "insufficient balance on owner and smart account"
	}
}

// AssertCanonical enforces the mandatory pairings: an EIP-3009-capable,
// sufficiently funded token must ride EIP3009 (and likewise EIP2612 next in
// precedence). A violation is an integration bug and aborts loudly.
func AssertCanonical(chosen lanes.Lane, in LaneInputs) error {
	if in.PayGasYourself {
		return nil
	}
	if in.SupportsEIP3009 && in.ownerFunded() && chosen != lanes.LaneEIP3009 {
		return NewReason(ReasonCanonicalViolation,
			"token is EIP-3009 capable with funded owner but lane %s was chosen", chosen)
	}
	if !in.SupportsEIP3009 && in.SupportsEIP2612 && in.ownerFunded() && chosen != lanes.LaneEIP2612 {
		return NewReason(ReasonCanonicalViolation,
			"token is EIP-2612 capable with funded owner but lane %s was chosen", chosen)
	}
	return nil
}
