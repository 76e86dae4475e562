package services

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Paymaster flow modes carried in the first byte of paymasterData.
const (
	PaymasterModeSend       uint8 = 0
	PaymasterModeActivation uint8 = 1
	PaymasterModeStipend    uint8 = 2
	PaymasterModeAckLink    uint8 = 3
)

// Speed tiers carried in the second byte of paymasterData.
const (
	SpeedEco     uint8 = 0
	SpeedInstant uint8 = 1
)

// SpeedFromFeeMode maps the API feeMode string to the paymaster speed byte.
func SpeedFromFeeMode(feeMode string) uint8 {
	if feeMode == "instant" {
		return SpeedInstant
	}
	return SpeedEco
}

// PaymasterData is the sponsor context the paymaster validates on-chain:
// flow mode, speed tier, the fee token, the USD-6 fee cap and the validity
// window of the sponsorship.
type PaymasterData struct {
	Mode       uint8
	Speed      uint8
	FeeToken   common.Address
	MaxFeeUsd6 *big.Int
	ValidUntil uint64
	ValidAfter uint64
}

var paymasterDataArgs = abi.Arguments{
	{Type: mustType("uint8")},   // mode
	{Type: mustType("uint8")},   // speed
	{Type: mustType("address")}, // feeToken
	{Type: mustType("uint256")}, // maxFeeUsd6
	{Type: mustType("uint48")},  // validUntil
	{Type: mustType("uint48")},  // validAfter
}

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("invalid abi type %s: %v", t, err))
	}
	return typ
}

// Encode packs the paymaster context into paymasterData bytes.
func (d *PaymasterData) Encode() ([]byte, error) {
	if d.MaxFeeUsd6 == nil || d.MaxFeeUsd6.Sign() < 0 {
		return nil, fmt.Errorf("paymaster data needs a non-negative maxFeeUsd6")
	}
	return paymasterDataArgs.Pack(
		d.Mode,
		d.Speed,
		d.FeeToken,
		d.MaxFeeUsd6,
		new(big.Int).SetUint64(d.ValidUntil),
		new(big.Int).SetUint64(d.ValidAfter),
	)
}

// DecodePaymasterData unpacks paymasterData bytes back into the sponsor
// context.
func DecodePaymasterData(data []byte) (*PaymasterData, error) {
	vals, err := paymasterDataArgs.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("decode paymaster data: %w", err)
	}
	return &PaymasterData{
		Mode:       vals[0].(uint8),
		Speed:      vals[1].(uint8),
		FeeToken:   vals[2].(common.Address),
		MaxFeeUsd6: vals[3].(*big.Int),
		ValidUntil: vals[4].(*big.Int).Uint64(),
		ValidAfter: vals[5].(*big.Int).Uint64(),
	}, nil
}
