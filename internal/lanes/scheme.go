package lanes

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// routerABIJSON covers the payment router entry points. Each pay* method
// moves amount of token from the owner, forwards amount-feeAmount to the
// recipient and feeAmount to the fee vault.
const routerABIJSON = `[
  {"type":"function","name":"payWithAuthorization","inputs":[
    {"name":"token","type":"address"},
    {"name":"from","type":"address"},
    {"name":"to","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"feeAmount","type":"uint256"},
    {"name":"validAfter","type":"uint256"},
    {"name":"validBefore","type":"uint256"},
    {"name":"nonce","type":"bytes32"},
    {"name":"signature","type":"bytes"}]},
  {"type":"function","name":"payWithPermit","inputs":[
    {"name":"token","type":"address"},
    {"name":"owner","type":"address"},
    {"name":"to","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"feeAmount","type":"uint256"},
    {"name":"deadline","type":"uint256"},
    {"name":"v","type":"uint8"},
    {"name":"r","type":"bytes32"},
    {"name":"s","type":"bytes32"}]},
  {"type":"function","name":"payWithPermit2","inputs":[
    {"name":"token","type":"address"},
    {"name":"owner","type":"address"},
    {"name":"to","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"feeAmount","type":"uint256"},
    {"name":"permit","type":"tuple","components":[
      {"name":"details","type":"tuple","components":[
        {"name":"token","type":"address"},
        {"name":"amount","type":"uint160"},
        {"name":"expiration","type":"uint48"},
        {"name":"nonce","type":"uint48"}]},
      {"name":"spender","type":"address"},
      {"name":"sigDeadline","type":"uint256"}]},
    {"name":"signature","type":"bytes"}]},
  {"type":"function","name":"payFromAccount","inputs":[
    {"name":"token","type":"address"},
    {"name":"to","type":"address"},
    {"name":"amount","type":"uint256"},
    {"name":"feeAmount","type":"uint256"}]},
  {"type":"function","name":"activatePermit2Stipend","inputs":[
    {"name":"owner","type":"address"},
    {"name":"token","type":"address"},
    {"name":"stipendWei","type":"uint256"},
    {"name":"nonce","type":"uint256"},
    {"name":"deadline","type":"uint256"},
    {"name":"signature","type":"bytes"}]}
]`

var routerABI = mustABI(routerABIJSON)

func mustABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// permitDetails and permitSingle mirror the Permit2 PermitSingle tuple for
// abi packing.
type permitDetails struct {
	Token      common.Address
	Amount     *big.Int
	Expiration *big.Int
	Nonce      *big.Int
}

type permitSingle struct {
	Details     permitDetails
	Spender     common.Address
	SigDeadline *big.Int
}

// Scheme builds the router calldata for one lane from its proof. BuildRouterCall
// validates the proof against the intent before encoding anything.
type Scheme interface {
	Lane() Lane
	BuildRouterCall(in *CallIntent, proof AuthorizationProof) ([]byte, error)
}

// ForLane returns the scheme implementing the given sponsored lane.
func ForLane(lane Lane) (Scheme, error) {
	switch lane {
	case LaneEIP3009:
		return eip3009Scheme{}, nil
	case LaneEIP2612:
		return eip2612Scheme{}, nil
	case LanePermit2:
		return permit2Scheme{}, nil
	case LaneAA:
		return aaScheme{}, nil
	}
	return nil, fmt.Errorf("lanes: no router scheme for lane %s", lane)
}

type eip3009Scheme struct{}

func (eip3009Scheme) Lane() Lane { return LaneEIP3009 }

func (eip3009Scheme) BuildRouterCall(in *CallIntent, proof AuthorizationProof) ([]byte, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	p, ok := proof.(*EIP3009Proof)
	if !ok {
		if proof == nil {
			return nil, ErrProofMissing
		}
		return nil, ErrProofWrongLane
	}
	if err := p.validate(in); err != nil {
		return nil, err
	}
	return routerABI.Pack("payWithAuthorization",
		in.Token, p.From, in.To, in.Amount, in.FeeAmount,
		p.ValidAfter, p.ValidBefore, p.Nonce, p.Signature)
}

type eip2612Scheme struct{}

func (eip2612Scheme) Lane() Lane { return LaneEIP2612 }

func (eip2612Scheme) BuildRouterCall(in *CallIntent, proof AuthorizationProof) ([]byte, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	p, ok := proof.(*EIP2612Proof)
	if !ok {
		if proof == nil {
			return nil, ErrProofMissing
		}
		return nil, ErrProofWrongLane
	}
	if err := p.validate(in); err != nil {
		return nil, err
	}
	v, r, s, err := splitSignature(p.Signature)
	if err != nil {
		return nil, err
	}
	return routerABI.Pack("payWithPermit",
		in.Token, p.Owner, in.To, in.Amount, in.FeeAmount,
		p.Deadline, v, r, s)
}

type permit2Scheme struct{}

func (permit2Scheme) Lane() Lane { return LanePermit2 }

func (permit2Scheme) BuildRouterCall(in *CallIntent, proof AuthorizationProof) ([]byte, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	p, ok := proof.(*Permit2Proof)
	if !ok {
		if proof == nil {
			return nil, ErrProofMissing
		}
		return nil, ErrProofWrongLane
	}
	if err := p.validate(in); err != nil {
		return nil, err
	}
	permit := permitSingle{
		Details: permitDetails{
			Token:      p.Token,
			Amount:     p.Amount,
			Expiration: p.Expiration,
			Nonce:      p.Nonce,
		},
		Spender:     p.Spender,
		SigDeadline: p.SigDeadline,
	}
	return routerABI.Pack("payWithPermit2",
		in.Token, in.Owner, in.To, in.Amount, in.FeeAmount,
		permit, p.Signature)
}

// aaScheme covers transfers funded from the smart account's own token
// balance; the router pulls from msg.sender, so no owner proof is involved.
type aaScheme struct{}

func (aaScheme) Lane() Lane { return LaneAA }

func (aaScheme) BuildRouterCall(in *CallIntent, proof AuthorizationProof) ([]byte, error) {
	if err := in.check(); err != nil {
		return nil, err
	}
	if proof != nil {
		return nil, ErrProofWrongLane
	}
	return routerABI.Pack("payFromAccount", in.Token, in.To, in.Amount, in.FeeAmount)
}

// PackStipendActivation encodes the Router.activatePermit2Stipend call for a
// signed stipend voucher.
func PackStipendActivation(owner, token common.Address, stipendWei, nonce, deadline *big.Int, signature []byte) ([]byte, error) {
	return routerABI.Pack("activatePermit2Stipend", owner, token, stipendWei, nonce, deadline, signature)
}
