package lanes

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testToken  = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	testOwner  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	testTo     = common.HexToAddress("0x2000000000000000000000000000000000000002")
	testRouter = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func testIntent() *CallIntent {
	return &CallIntent{
		Token:     testToken,
		Owner:     testOwner,
		To:        testTo,
		Amount:    big.NewInt(10_000_000),
		FeeAmount: big.NewInt(50_000),
	}
}

func sig65() []byte {
	s := make([]byte, 65)
	for i := range s {
		s[i] = byte(i + 1)
	}
	s[64] = 27
	return s
}

func TestParseLane(t *testing.T) {
	for _, l := range []Lane{LaneEIP3009, LaneEIP2612, LanePermit2, LaneAA, LaneSelfPay, LaneNone} {
		got, err := ParseLane(string(l))
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseLane("TELEPORT")
	assert.Error(t, err)
}

func TestLaneSponsored(t *testing.T) {
	assert.True(t, LaneEIP3009.Sponsored())
	assert.True(t, LanePermit2.Sponsored())
	assert.False(t, LaneSelfPay.Sponsored())
	assert.False(t, LaneNone.Sponsored())
}

func TestEIP3009RoundTrip(t *testing.T) {
	in := testIntent()
	proof := &EIP3009Proof{
		From:        testOwner,
		To:          testTo,
		Value:       big.NewInt(10_000_000),
		ValidAfter:  big.NewInt(0),
		ValidBefore: big.NewInt(1_900_000_000),
		Nonce:       [32]byte{0x42},
		Signature:   sig65(),
	}
	scheme, err := ForLane(LaneEIP3009)
	require.NoError(t, err)
	data, err := scheme.BuildRouterCall(in, proof)
	require.NoError(t, err)

	call, err := DecodeRouterCall(data)
	require.NoError(t, err)
	assert.Equal(t, LaneEIP3009, call.Lane)
	assert.Equal(t, testToken, call.Token)
	assert.Equal(t, testOwner, call.Owner)
	assert.Equal(t, testTo, call.To)
	assert.Zero(t, call.Amount.Cmp(in.Amount))
	assert.Zero(t, call.FeeAmount.Cmp(in.FeeAmount))
}

func TestEIP3009ProofChecks(t *testing.T) {
	in := testIntent()
	scheme, _ := ForLane(LaneEIP3009)

	_, err := scheme.BuildRouterCall(in, nil)
	assert.ErrorIs(t, err, ErrProofMissing)

	_, err = scheme.BuildRouterCall(in, &EIP2612Proof{})
	assert.ErrorIs(t, err, ErrProofWrongLane)

	proof := &EIP3009Proof{From: testOwner, Value: big.NewInt(1), Signature: sig65()}
	_, err = scheme.BuildRouterCall(in, proof)
	assert.ErrorIs(t, err, ErrProofValue)

	proof = &EIP3009Proof{From: testTo, Value: big.NewInt(10_000_000), Signature: sig65()}
	_, err = scheme.BuildRouterCall(in, proof)
	assert.ErrorIs(t, err, ErrProofParticipant)

	proof = &EIP3009Proof{From: testOwner, Value: big.NewInt(10_000_000), Signature: []byte{1, 2}}
	_, err = scheme.BuildRouterCall(in, proof)
	assert.ErrorIs(t, err, ErrProofSignature)
}

func TestEIP2612RoundTrip(t *testing.T) {
	in := testIntent()
	proof := &EIP2612Proof{
		Owner:     testOwner,
		Spender:   testRouter,
		Value:     big.NewInt(10_000_000),
		Deadline:  big.NewInt(1_900_000_000),
		Signature: sig65(),
	}
	scheme, _ := ForLane(LaneEIP2612)
	data, err := scheme.BuildRouterCall(in, proof)
	require.NoError(t, err)

	call, err := DecodeRouterCall(data)
	require.NoError(t, err)
	assert.Equal(t, LaneEIP2612, call.Lane)
	assert.Equal(t, testOwner, call.Owner)
	assert.Zero(t, call.Amount.Cmp(in.Amount))
}

func TestPermit2RoundTrip(t *testing.T) {
	in := testIntent()
	proof := &Permit2Proof{
		Token:       testToken,
		Amount:      big.NewInt(10_000_000),
		Expiration:  big.NewInt(1_900_000_000),
		Nonce:       big.NewInt(3),
		Spender:     testRouter,
		SigDeadline: big.NewInt(1_900_000_000),
		Signature:   sig65(),
	}
	scheme, _ := ForLane(LanePermit2)
	data, err := scheme.BuildRouterCall(in, proof)
	require.NoError(t, err)

	call, err := DecodeRouterCall(data)
	require.NoError(t, err)
	assert.Equal(t, LanePermit2, call.Lane)
	assert.Equal(t, testToken, call.Token)
	assert.Zero(t, call.FeeAmount.Cmp(in.FeeAmount))
}

func TestPermit2TokenMismatch(t *testing.T) {
	in := testIntent()
	proof := &Permit2Proof{
		Token:       testTo, // wrong token
		Amount:      big.NewInt(10_000_000),
		Expiration:  big.NewInt(1),
		Nonce:       big.NewInt(0),
		Spender:     testRouter,
		SigDeadline: big.NewInt(1),
		Signature:   sig65(),
	}
	scheme, _ := ForLane(LanePermit2)
	_, err := scheme.BuildRouterCall(in, proof)
	assert.ErrorIs(t, err, ErrProofParticipant)
}

func TestAALaneNeedsNoProof(t *testing.T) {
	in := testIntent()
	scheme, _ := ForLane(LaneAA)
	data, err := scheme.BuildRouterCall(in, nil)
	require.NoError(t, err)

	call, err := DecodeRouterCall(data)
	require.NoError(t, err)
	assert.Equal(t, LaneAA, call.Lane)
	assert.Equal(t, common.Address{}, call.Owner)

	_, err = scheme.BuildRouterCall(in, &EIP3009Proof{})
	assert.ErrorIs(t, err, ErrProofWrongLane)
}

func TestForLaneRejectsUnsponsored(t *testing.T) {
	_, err := ForLane(LaneSelfPay)
	assert.Error(t, err)
	_, err = ForLane(LaneNone)
	assert.Error(t, err)
}

func TestIntentFeeMustBeBelowAmount(t *testing.T) {
	in := testIntent()
	in.FeeAmount = big.NewInt(10_000_000)
	scheme, _ := ForLane(LaneAA)
	_, err := scheme.BuildRouterCall(in, nil)
	assert.Error(t, err)
}

func TestExecuteWrapUnwrap(t *testing.T) {
	in := testIntent()
	scheme, _ := ForLane(LaneAA)
	inner, err := scheme.BuildRouterCall(in, nil)
	require.NoError(t, err)

	wrapped, err := PackExecute(testRouter, nil, inner)
	require.NoError(t, err)

	dest, value, got, err := UnpackExecute(wrapped)
	require.NoError(t, err)
	assert.Equal(t, testRouter, dest)
	assert.Zero(t, value.Sign())
	assert.True(t, bytes.Equal(inner, got))

	call, err := DecodeRouterCall(wrapped)
	require.NoError(t, err)
	assert.Equal(t, testRouter, call.Router)
	assert.Equal(t, LaneAA, call.Lane)
	assert.Zero(t, call.Amount.Cmp(in.Amount))
}

func TestDecodeRejectsForeignCalldata(t *testing.T) {
	_, err := DecodeRouterCall([]byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	assert.ErrorIs(t, err, ErrNotRouterCall)

	_, err = DecodeRouterCall(nil)
	assert.ErrorIs(t, err, ErrNotRouterCall)
}

func TestPackStipendActivation(t *testing.T) {
	data, err := PackStipendActivation(testOwner, testToken,
		big.NewInt(300_000_000_000_000), big.NewInt(1), big.NewInt(1_900_000_000), sig65())
	require.NoError(t, err)
	method := routerABI.Methods["activatePermit2Stipend"]
	assert.True(t, bytes.Equal(method.ID, data[:4]))
}

func TestSplitSignatureNormalizesV(t *testing.T) {
	s := sig65()
	s[64] = 0
	v, r, _, err := splitSignature(s)
	require.NoError(t, err)
	assert.EqualValues(t, 27, v)
	assert.EqualValues(t, 1, r[0])

	_, _, _, err = splitSignature([]byte{1})
	assert.ErrorIs(t, err, ErrProofSignature)
}
