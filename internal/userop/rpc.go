package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RPCUserOperation is the hex-quantity JSON shape carried on the bundler RPC
// surface and inside unsigned drafts. Optional fields are omitted when empty
// so the wire form matches what bundlers expect for v0.7 operations.
type RPCUserOperation struct {
	Sender                        string `json:"sender"`
	Nonce                         string `json:"nonce"`
	Factory                       string `json:"factory,omitempty"`
	FactoryData                   string `json:"factoryData,omitempty"`
	CallData                      string `json:"callData"`
	CallGasLimit                  string `json:"callGasLimit"`
	VerificationGasLimit          string `json:"verificationGasLimit"`
	PreVerificationGas            string `json:"preVerificationGas"`
	MaxFeePerGas                  string `json:"maxFeePerGas"`
	MaxPriorityFeePerGas          string `json:"maxPriorityFeePerGas"`
	Paymaster                     string `json:"paymaster,omitempty"`
	PaymasterVerificationGasLimit string `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       string `json:"paymasterPostOpGasLimit,omitempty"`
	PaymasterData                 string `json:"paymasterData,omitempty"`
	Signature                     string `json:"signature"`
}

// ToRPC converts the operation into its bundler JSON shape.
func (op *UserOperation) ToRPC() *RPCUserOperation {
	out := &RPCUserOperation{
		Sender:               op.Sender.Hex(),
		Nonce:                hexutil.EncodeBig(op.Nonce),
		CallData:             hexutil.Encode(op.CallData),
		CallGasLimit:         hexutil.EncodeBig(op.CallGasLimit),
		VerificationGasLimit: hexutil.EncodeBig(op.VerificationGasLimit),
		PreVerificationGas:   hexutil.EncodeBig(op.PreVerificationGas),
		MaxFeePerGas:         hexutil.EncodeBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexutil.EncodeBig(op.MaxPriorityFeePerGas),
		Signature:            hexutil.Encode(op.Signature),
	}
	if op.Factory != nil {
		out.Factory = op.Factory.Hex()
		out.FactoryData = hexutil.Encode(op.FactoryData)
	}
	if op.Paymaster != nil {
		out.Paymaster = op.Paymaster.Hex()
		out.PaymasterVerificationGasLimit = hexutil.EncodeBig(op.PaymasterVerificationGasLimit)
		out.PaymasterPostOpGasLimit = hexutil.EncodeBig(op.PaymasterPostOpGasLimit)
		out.PaymasterData = hexutil.Encode(op.PaymasterData)
	}
	return out
}

// FromRPC parses the bundler JSON shape back into an operation. Every field
// is checked; a malformed draft must fail here, before any hash comparison.
func FromRPC(in *RPCUserOperation) (*UserOperation, error) {
	if !common.IsHexAddress(in.Sender) {
		return nil, fmt.Errorf("userop: invalid sender %q", in.Sender)
	}
	op := &UserOperation{Sender: common.HexToAddress(in.Sender)}

	var err error
	if op.Nonce, err = decodeBig(in.Nonce, "nonce"); err != nil {
		return nil, err
	}
	if op.CallData, err = decodeBytes(in.CallData, "callData"); err != nil {
		return nil, err
	}
	if op.CallGasLimit, err = decodeBig(in.CallGasLimit, "callGasLimit"); err != nil {
		return nil, err
	}
	if op.VerificationGasLimit, err = decodeBig(in.VerificationGasLimit, "verificationGasLimit"); err != nil {
		return nil, err
	}
	if op.PreVerificationGas, err = decodeBig(in.PreVerificationGas, "preVerificationGas"); err != nil {
		return nil, err
	}
	if op.MaxFeePerGas, err = decodeBig(in.MaxFeePerGas, "maxFeePerGas"); err != nil {
		return nil, err
	}
	if op.MaxPriorityFeePerGas, err = decodeBig(in.MaxPriorityFeePerGas, "maxPriorityFeePerGas"); err != nil {
		return nil, err
	}

	if in.Factory != "" {
		if !common.IsHexAddress(in.Factory) {
			return nil, fmt.Errorf("userop: invalid factory %q", in.Factory)
		}
		f := common.HexToAddress(in.Factory)
		op.Factory = &f
		if op.FactoryData, err = decodeBytes(in.FactoryData, "factoryData"); err != nil {
			return nil, err
		}
	}

	if in.Paymaster != "" {
		if !common.IsHexAddress(in.Paymaster) {
			return nil, fmt.Errorf("userop: invalid paymaster %q", in.Paymaster)
		}
		p := common.HexToAddress(in.Paymaster)
		op.Paymaster = &p
		if op.PaymasterVerificationGasLimit, err = decodeBig(in.PaymasterVerificationGasLimit, "paymasterVerificationGasLimit"); err != nil {
			return nil, err
		}
		if op.PaymasterPostOpGasLimit, err = decodeBig(in.PaymasterPostOpGasLimit, "paymasterPostOpGasLimit"); err != nil {
			return nil, err
		}
		if op.PaymasterData, err = decodeBytes(in.PaymasterData, "paymasterData"); err != nil {
			return nil, err
		}
	}

	if in.Signature != "" {
		if op.Signature, err = decodeBytes(in.Signature, "signature"); err != nil {
			return nil, err
		}
	}
	return op, nil
}

func decodeBig(v, field string) (*big.Int, error) {
	if v == "" {
		return big.NewInt(0), nil
	}
	n, err := hexutil.DecodeBig(v)
	if err != nil {
		return nil, fmt.Errorf("userop: invalid %s %q: %w", field, v, err)
	}
	return n, nil
}

func decodeBytes(v, field string) ([]byte, error) {
	if v == "" || v == "0x" {
		return nil, nil
	}
	b, err := hexutil.Decode(v)
	if err != nil {
		return nil, fmt.Errorf("userop: invalid %s: %w", field, err)
	}
	return b, nil
}
