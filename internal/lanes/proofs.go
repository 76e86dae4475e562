package lanes

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrProofMissing     = errors.New("lanes: authorization proof missing")
	ErrProofWrongLane   = errors.New("lanes: proof type does not match lane")
	ErrProofValue       = errors.New("lanes: proof value does not cover the transfer amount")
	ErrProofSignature   = errors.New("lanes: proof signature must be 65 bytes")
	ErrProofParticipant = errors.New("lanes: proof participants do not match the intent")
)

// CallIntent is the lane-independent description of one router payment:
// Amount is the gross token amount authorized by the owner, FeeAmount the
// sponsor fee the router diverts to the fee vault out of that gross.
type CallIntent struct {
	Token     common.Address
	Owner     common.Address
	To        common.Address
	Amount    *big.Int
	FeeAmount *big.Int
}

func (in *CallIntent) check() error {
	if in.Token == (common.Address{}) || in.To == (common.Address{}) {
		return errors.New("lanes: intent token and recipient are required")
	}
	if in.Amount == nil || in.Amount.Sign() <= 0 {
		return errors.New("lanes: intent amount must be positive")
	}
	if in.FeeAmount == nil || in.FeeAmount.Sign() < 0 {
		return errors.New("lanes: intent fee amount must be non-negative")
	}
	if in.FeeAmount.Cmp(in.Amount) >= 0 {
		return errors.New("lanes: fee amount must be below the transfer amount")
	}
	return nil
}

// AuthorizationProof is one wallet-produced authorization, consumed exactly
// once by the lane that matches its concrete type.
type AuthorizationProof interface {
	Lane() Lane
}

// EIP3009Proof carries a transferWithAuthorization signature.
type EIP3009Proof struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	Signature   []byte
}

func (*EIP3009Proof) Lane() Lane { return LaneEIP3009 }

func (p *EIP3009Proof) validate(in *CallIntent) error {
	if p.From != in.Owner {
		return fmt.Errorf("%w: authorization from %s, intent owner %s", ErrProofParticipant, p.From, in.Owner)
	}
	if p.Value == nil || p.Value.Cmp(in.Amount) != 0 {
		return ErrProofValue
	}
	if len(p.Signature) != 65 {
		return ErrProofSignature
	}
	return nil
}

// EIP2612Proof carries a permit signature; Spender must be the router.
type EIP2612Proof struct {
	Owner     common.Address
	Spender   common.Address
	Value     *big.Int
	Deadline  *big.Int
	Signature []byte
}

func (*EIP2612Proof) Lane() Lane { return LaneEIP2612 }

func (p *EIP2612Proof) validate(in *CallIntent) error {
	if p.Owner != in.Owner {
		return fmt.Errorf("%w: permit owner %s, intent owner %s", ErrProofParticipant, p.Owner, in.Owner)
	}
	if p.Value == nil || p.Value.Cmp(in.Amount) < 0 {
		return ErrProofValue
	}
	if len(p.Signature) != 65 {
		return ErrProofSignature
	}
	return nil
}

// Permit2Proof carries a Permit2 PermitSingle signature over the intent token.
type Permit2Proof struct {
	Token       common.Address
	Amount      *big.Int // uint160
	Expiration  *big.Int // uint48
	Nonce       *big.Int // uint48
	Spender     common.Address
	SigDeadline *big.Int
	Signature   []byte
}

func (*Permit2Proof) Lane() Lane { return LanePermit2 }

func (p *Permit2Proof) validate(in *CallIntent) error {
	if p.Token != in.Token {
		return fmt.Errorf("%w: permit token %s, intent token %s", ErrProofParticipant, p.Token, in.Token)
	}
	if p.Amount == nil || p.Amount.Cmp(in.Amount) < 0 {
		return ErrProofValue
	}
	if len(p.Signature) == 0 {
		return ErrProofSignature
	}
	return nil
}

// splitSignature breaks a 65-byte r‖s‖v signature into its permit components.
func splitSignature(sig []byte) (v uint8, r, s [32]byte, err error) {
	if len(sig) != 65 {
		return 0, r, s, ErrProofSignature
	}
	copy(r[:], sig[:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return v, r, s, nil
}
