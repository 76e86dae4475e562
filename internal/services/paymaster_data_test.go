package services

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymasterDataRoundTrip(t *testing.T) {
	in := &PaymasterData{
		Mode:       PaymasterModeSend,
		Speed:      SpeedInstant,
		FeeToken:   common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
		MaxFeeUsd6: big.NewInt(51_000),
		ValidUntil: 1_900_000_600,
		ValidAfter: 1_900_000_000,
	}
	packed, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodePaymasterData(packed)
	require.NoError(t, err)
	assert.Equal(t, in.Mode, out.Mode)
	assert.Equal(t, in.Speed, out.Speed)
	assert.Equal(t, in.FeeToken, out.FeeToken)
	assert.Zero(t, out.MaxFeeUsd6.Cmp(in.MaxFeeUsd6))
	assert.Equal(t, in.ValidUntil, out.ValidUntil)
	assert.Equal(t, in.ValidAfter, out.ValidAfter)
}

func TestPaymasterDataModes(t *testing.T) {
	for _, mode := range []uint8{PaymasterModeSend, PaymasterModeActivation, PaymasterModeStipend, PaymasterModeAckLink} {
		in := &PaymasterData{Mode: mode, MaxFeeUsd6: big.NewInt(0)}
		packed, err := in.Encode()
		require.NoError(t, err)
		out, err := DecodePaymasterData(packed)
		require.NoError(t, err)
		assert.Equal(t, mode, out.Mode)
	}
}

func TestDecodePaymasterDataRejectsGarbage(t *testing.T) {
	_, err := DecodePaymasterData([]byte{0x01, 0x02, 0x03})
	assert.Error(t, err)
}

func TestSpeedFromFeeMode(t *testing.T) {
	assert.Equal(t, SpeedInstant, SpeedFromFeeMode("instant"))
	assert.Equal(t, SpeedEco, SpeedFromFeeMode("eco"))
	assert.Equal(t, SpeedEco, SpeedFromFeeMode(""))
}
