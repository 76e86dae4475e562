// Package userop implements EntryPoint v0.7 UserOperation representations:
// the unpacked field-per-property form used on the bundler RPC surface and
// the packed form (16-byte big-endian field pairs) used only to compute the
// operation hash.
package userop

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrSenderZero       = errors.New("userop: sender is zero address")
	ErrGasLimits        = errors.New("userop: gas limits below minimum")
	ErrPriorityAboveMax = errors.New("userop: priority fee above max fee")
	ErrValueTooLarge    = errors.New("userop: value exceeds 128 bits")
)

// UserOperation is the unpacked ERC-4337 v0.7 operation. Factory and
// Paymaster are nil when absent.
type UserOperation struct {
	Sender                        common.Address
	Nonce                         *big.Int
	Factory                       *common.Address
	FactoryData                   []byte
	CallData                      []byte
	CallGasLimit                  *big.Int
	VerificationGasLimit          *big.Int
	PreVerificationGas            *big.Int
	MaxFeePerGas                  *big.Int
	MaxPriorityFeePerGas          *big.Int
	Paymaster                     *common.Address
	PaymasterVerificationGasLimit *big.Int
	PaymasterPostOpGasLimit       *big.Int
	PaymasterData                 []byte
	Signature                     []byte
}

// mustType builds an abi.Type or panics; used for the static argument sets
// below, which are known valid.
func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("invalid abi type %s: %v", t, err))
	}
	return typ
}

var (
	typeAddress = mustType("address")
	typeUint256 = mustType("uint256")
	typeBytes32 = mustType("bytes32")

	// hashedUserOpArgs mirrors EntryPoint v0.7 UserOperationLib.encode: the
	// dynamic byte fields enter as keccak hashes, the gas pairs as packed
	// bytes32 values.
	hashedUserOpArgs = abi.Arguments{
		{Type: typeAddress}, // sender
		{Type: typeUint256}, // nonce
		{Type: typeBytes32}, // keccak(initCode)
		{Type: typeBytes32}, // keccak(callData)
		{Type: typeBytes32}, // accountGasLimits
		{Type: typeUint256}, // preVerificationGas
		{Type: typeBytes32}, // gasFees
		{Type: typeBytes32}, // keccak(paymasterAndData)
	}

	outerHashArgs = abi.Arguments{
		{Type: typeBytes32}, // inner hash
		{Type: typeAddress}, // entryPoint
		{Type: typeUint256}, // chainId
	}
)

// PackUint128Pair concatenates two values as 16-byte big-endian halves of a
// bytes32: hi occupies the first 16 bytes, lo the last 16.
func PackUint128Pair(hi, lo *big.Int) ([32]byte, error) {
	var out [32]byte
	if hi.BitLen() > 128 || lo.BitLen() > 128 {
		return out, ErrValueTooLarge
	}
	hi.FillBytes(out[:16])
	lo.FillBytes(out[16:])
	return out, nil
}

// UnpackUint128Pair recovers the two halves packed by PackUint128Pair.
func UnpackUint128Pair(packed [32]byte) (hi, lo *big.Int) {
	hi = new(big.Int).SetBytes(packed[:16])
	lo = new(big.Int).SetBytes(packed[16:])
	return hi, lo
}

// AccountGasLimits packs verificationGasLimit ‖ callGasLimit.
func (op *UserOperation) AccountGasLimits() ([32]byte, error) {
	return PackUint128Pair(op.VerificationGasLimit, op.CallGasLimit)
}

// GasFees packs maxPriorityFeePerGas ‖ maxFeePerGas.
func (op *UserOperation) GasFees() ([32]byte, error) {
	return PackUint128Pair(op.MaxPriorityFeePerGas, op.MaxFeePerGas)
}

// InitCode returns factory ‖ factoryData, or empty bytes when the account is
// already deployed.
func (op *UserOperation) InitCode() []byte {
	if op.Factory == nil {
		return nil
	}
	out := make([]byte, 0, 20+len(op.FactoryData))
	out = append(out, op.Factory.Bytes()...)
	return append(out, op.FactoryData...)
}

// PaymasterAndData returns
// paymaster ‖ paymasterVerificationGasLimit(16B) ‖ paymasterPostOpGasLimit(16B) ‖ paymasterData,
// or empty bytes when no paymaster sponsors the operation.
func (op *UserOperation) PaymasterAndData() ([]byte, error) {
	if op.Paymaster == nil {
		return nil, nil
	}
	gas, err := PackUint128Pair(op.PaymasterVerificationGasLimit, op.PaymasterPostOpGasLimit)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 20+32+len(op.PaymasterData))
	out = append(out, op.Paymaster.Bytes()...)
	out = append(out, gas[:]...)
	return append(out, op.PaymasterData...), nil
}

// Hash computes the EntryPoint v0.7 getUserOpHash value: the keccak of the
// abi-encoded packed operation, wrapped with the entry point address and
// chain id. The signature field never enters the hash.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	accountGas, err := op.AccountGasLimits()
	if err != nil {
		return common.Hash{}, err
	}
	gasFees, err := op.GasFees()
	if err != nil {
		return common.Hash{}, err
	}
	pmData, err := op.PaymasterAndData()
	if err != nil {
		return common.Hash{}, err
	}

	inner, err := hashedUserOpArgs.Pack(
		op.Sender,
		op.Nonce,
		common.Hash(crypto.Keccak256Hash(op.InitCode())),
		common.Hash(crypto.Keccak256Hash(op.CallData)),
		common.Hash(accountGas),
		op.PreVerificationGas,
		common.Hash(gasFees),
		common.Hash(crypto.Keccak256Hash(pmData)),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("userop: pack inner: %w", err)
	}

	outer, err := outerHashArgs.Pack(crypto.Keccak256Hash(inner), entryPoint, chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("userop: pack outer: %w", err)
	}
	return crypto.Keccak256Hash(outer), nil
}

// Validate performs static checks before the operation leaves the process.
func (op *UserOperation) Validate() error {
	if op.Sender == (common.Address{}) {
		return ErrSenderZero
	}
	if op.CallGasLimit == nil || op.CallGasLimit.Sign() <= 0 {
		return ErrGasLimits
	}
	if op.VerificationGasLimit == nil || op.VerificationGasLimit.Sign() <= 0 {
		return ErrGasLimits
	}
	if op.MaxFeePerGas == nil || op.MaxFeePerGas.Sign() <= 0 {
		return ErrGasLimits
	}
	if op.MaxPriorityFeePerGas == nil || op.MaxPriorityFeePerGas.Sign() < 0 {
		return ErrGasLimits
	}
	if op.MaxPriorityFeePerGas.Cmp(op.MaxFeePerGas) > 0 {
		return ErrPriorityAboveMax
	}
	return nil
}
