package lanes

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// accountABIJSON is the minimal smart-account surface: every sponsored
// operation wraps its router call in execute so the account is the caller.
const accountABIJSON = `[
  {"type":"function","name":"execute","inputs":[
    {"name":"dest","type":"address"},
    {"name":"value","type":"uint256"},
    {"name":"func","type":"bytes"}]}
]`

var accountABI = mustABI(accountABIJSON)

var ErrNotRouterCall = errors.New("lanes: calldata is not a recognized router call")

// PackExecute wraps inner calldata in the smart account's execute call.
func PackExecute(dest common.Address, value *big.Int, inner []byte) ([]byte, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	return accountABI.Pack("execute", dest, value, inner)
}

// UnpackExecute recovers the destination and inner calldata from an execute
// call. Returns ErrNotRouterCall for anything else.
func UnpackExecute(callData []byte) (dest common.Address, value *big.Int, inner []byte, err error) {
	method := accountABI.Methods["execute"]
	if len(callData) < 4 || !bytes.Equal(callData[:4], method.ID) {
		return common.Address{}, nil, nil, ErrNotRouterCall
	}
	vals, err := method.Inputs.Unpack(callData[4:])
	if err != nil {
		return common.Address{}, nil, nil, fmt.Errorf("lanes: unpack execute: %w", err)
	}
	return vals[0].(common.Address), vals[1].(*big.Int), vals[2].([]byte), nil
}

// RouterCall is the decoded view of one router payment, used to cross-check
// resubmitted drafts against the amounts the caller claims.
type RouterCall struct {
	Lane      Lane
	Router    common.Address
	Token     common.Address
	Owner     common.Address
	To        common.Address
	Amount    *big.Int
	FeeAmount *big.Int
}

// DecodeRouterCall decodes smart-account calldata down to the router payment
// it carries. It accepts either an execute wrapper or bare router calldata.
func DecodeRouterCall(callData []byte) (*RouterCall, error) {
	inner := callData
	out := &RouterCall{}
	if dest, _, wrapped, err := UnpackExecute(callData); err == nil {
		out.Router = dest
		inner = wrapped
	}
	if len(inner) < 4 {
		return nil, ErrNotRouterCall
	}
	method, err := routerABI.MethodById(inner[:4])
	if err != nil {
		return nil, ErrNotRouterCall
	}
	vals, err := method.Inputs.Unpack(inner[4:])
	if err != nil {
		return nil, fmt.Errorf("lanes: unpack %s: %w", method.Name, err)
	}

	switch method.Name {
	case "payWithAuthorization":
		out.Lane = LaneEIP3009
		out.Token = vals[0].(common.Address)
		out.Owner = vals[1].(common.Address)
		out.To = vals[2].(common.Address)
		out.Amount = vals[3].(*big.Int)
		out.FeeAmount = vals[4].(*big.Int)
	case "payWithPermit":
		out.Lane = LaneEIP2612
		out.Token = vals[0].(common.Address)
		out.Owner = vals[1].(common.Address)
		out.To = vals[2].(common.Address)
		out.Amount = vals[3].(*big.Int)
		out.FeeAmount = vals[4].(*big.Int)
	case "payWithPermit2":
		out.Lane = LanePermit2
		out.Token = vals[0].(common.Address)
		out.Owner = vals[1].(common.Address)
		out.To = vals[2].(common.Address)
		out.Amount = vals[3].(*big.Int)
		out.FeeAmount = vals[4].(*big.Int)
	case "payFromAccount":
		out.Lane = LaneAA
		out.Token = vals[0].(common.Address)
		out.To = vals[1].(common.Address)
		out.Amount = vals[2].(*big.Int)
		out.FeeAmount = vals[3].(*big.Int)
	default:
		return nil, ErrNotRouterCall
	}
	return out, nil
}
