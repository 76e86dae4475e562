package userop

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleOp() *UserOperation {
	paymaster := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	return &UserOperation{
		Sender:                        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Nonce:                         big.NewInt(7),
		CallData:                      []byte{0xb6, 0x1d, 0x27, 0xf6, 0x01},
		CallGasLimit:                  big.NewInt(120_000),
		VerificationGasLimit:          big.NewInt(95_000),
		PreVerificationGas:            big.NewInt(48_000),
		MaxFeePerGas:                  big.NewInt(1_500_000_000),
		MaxPriorityFeePerGas:          big.NewInt(1_000_000_000),
		Paymaster:                     &paymaster,
		PaymasterVerificationGasLimit: big.NewInt(60_000),
		PaymasterPostOpGasLimit:       big.NewInt(40_000),
		PaymasterData:                 []byte{0x00, 0x01},
		Signature:                     []byte{},
	}
}

func TestPackUint128PairRoundTrip(t *testing.T) {
	cases := []struct{ hi, lo *big.Int }{
		{big.NewInt(0), big.NewInt(0)},
		{big.NewInt(1), big.NewInt(2)},
		{big.NewInt(95_000), big.NewInt(120_000)},
		{new(big.Int).Lsh(big.NewInt(1), 127), new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))},
	}
	for _, c := range cases {
		packed, err := PackUint128Pair(c.hi, c.lo)
		require.NoError(t, err)
		hi, lo := UnpackUint128Pair(packed)
		assert.Zero(t, hi.Cmp(c.hi))
		assert.Zero(t, lo.Cmp(c.lo))
	}
}

func TestPackUint128PairOverflow(t *testing.T) {
	big129 := new(big.Int).Lsh(big.NewInt(1), 128)
	_, err := PackUint128Pair(big129, big.NewInt(0))
	assert.ErrorIs(t, err, ErrValueTooLarge)
}

func TestAccountGasLimitsLayout(t *testing.T) {
	op := sampleOp()
	packed, err := op.AccountGasLimits()
	require.NoError(t, err)

	hi, lo := UnpackUint128Pair(packed)
	assert.Equal(t, op.VerificationGasLimit.Int64(), hi.Int64())
	assert.Equal(t, op.CallGasLimit.Int64(), lo.Int64())

	fees, err := op.GasFees()
	require.NoError(t, err)
	hi, lo = UnpackUint128Pair(fees)
	assert.Equal(t, op.MaxPriorityFeePerGas.Int64(), hi.Int64())
	assert.Equal(t, op.MaxFeePerGas.Int64(), lo.Int64())
}

func TestPaymasterAndDataLayout(t *testing.T) {
	op := sampleOp()
	pm, err := op.PaymasterAndData()
	require.NoError(t, err)
	require.Len(t, pm, 20+32+len(op.PaymasterData))

	assert.Equal(t, op.Paymaster.Bytes(), pm[:20])
	var gas [32]byte
	copy(gas[:], pm[20:52])
	hi, lo := UnpackUint128Pair(gas)
	assert.Equal(t, op.PaymasterVerificationGasLimit.Int64(), hi.Int64())
	assert.Equal(t, op.PaymasterPostOpGasLimit.Int64(), lo.Int64())
	assert.Equal(t, op.PaymasterData, pm[52:])

	op.Paymaster = nil
	pm, err = op.PaymasterAndData()
	require.NoError(t, err)
	assert.Empty(t, pm)
}

func TestInitCodeOnlyWhenFactorySet(t *testing.T) {
	op := sampleOp()
	assert.Empty(t, op.InitCode())

	factory := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	op.Factory = &factory
	op.FactoryData = []byte{0xde, 0xad}
	ic := op.InitCode()
	require.Len(t, ic, 22)
	assert.Equal(t, factory.Bytes(), ic[:20])
	assert.Equal(t, []byte{0xde, 0xad}, ic[20:])
}

func TestHashIgnoresSignature(t *testing.T) {
	entryPoint := common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	chainID := big.NewInt(8453)

	op := sampleOp()
	h1, err := op.Hash(entryPoint, chainID)
	require.NoError(t, err)

	op.Signature = []byte{0x01, 0x02, 0x03}
	h2, err := op.Hash(entryPoint, chainID)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "signature must not enter the hash")

	// Any covered field change must change the hash.
	op.CallData = append(op.CallData, 0xff)
	h3, err := op.Hash(entryPoint, chainID)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestHashDependsOnDomain(t *testing.T) {
	op := sampleOp()
	entryPoint := common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

	h1, err := op.Hash(entryPoint, big.NewInt(1))
	require.NoError(t, err)
	h2, err := op.Hash(entryPoint, big.NewInt(8453))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	h3, err := op.Hash(common.HexToAddress("0x00000000000000000000000000000000000000e2"), big.NewInt(1))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestRPCRoundTrip(t *testing.T) {
	entryPoint := common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	chainID := big.NewInt(8453)

	op := sampleOp()
	f := common.HexToAddress("0x00000000000000000000000000000000000000f1")
	op.Factory = &f
	op.FactoryData = []byte{0x5f, 0xbf, 0xb9, 0xcf}

	back, err := FromRPC(op.ToRPC())
	require.NoError(t, err)

	h1, err := op.Hash(entryPoint, chainID)
	require.NoError(t, err)
	h2, err := back.Hash(entryPoint, chainID)
	require.NoError(t, err)
	assert.Equal(t, h1, h2, "RPC round trip must preserve the operation hash")
}

func TestFromRPCRejectsMalformed(t *testing.T) {
	rpc := sampleOp().ToRPC()
	rpc.Sender = "not-an-address"
	_, err := FromRPC(rpc)
	assert.Error(t, err)

	rpc = sampleOp().ToRPC()
	rpc.CallGasLimit = "0xzz"
	_, err = FromRPC(rpc)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	op := sampleOp()
	require.NoError(t, op.Validate())

	bad := sampleOp()
	bad.Sender = common.Address{}
	assert.ErrorIs(t, bad.Validate(), ErrSenderZero)

	bad = sampleOp()
	bad.MaxPriorityFeePerGas = big.NewInt(2_000_000_000)
	assert.ErrorIs(t, bad.Validate(), ErrPriorityAboveMax)
}
