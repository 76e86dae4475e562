package services

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paylane-backend/internal/lanes"
)

func laneInputs(owner, sender int64) LaneInputs {
	return LaneInputs{
		Amount:        big.NewInt(10_000_000),
		OwnerBalance:  big.NewInt(owner),
		SenderBalance: big.NewInt(sender),
	}
}

func TestSelectLaneLadder(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*LaneInputs)
		want   lanes.Lane
	}{
		{"self pay short circuits", func(in *LaneInputs) {
			in.PayGasYourself = true
			in.SupportsEIP3009 = true
		}, lanes.LaneSelfPay},
		{"eip3009 wins for capable funded token", func(in *LaneInputs) {
			in.SupportsEIP3009 = true
			in.SupportsEIP2612 = true
			in.PreferPermit2 = true
		}, lanes.LaneEIP3009},
		{"eip2612 next", func(in *LaneInputs) {
			in.SupportsEIP2612 = true
			in.PreferPermit2 = true
		}, lanes.LaneEIP2612},
		{"permit2 when preferred", func(in *LaneInputs) {
			in.PreferPermit2 = true
		}, lanes.LanePermit2},
		{"aa when smart account funded", func(in *LaneInputs) {
			in.OwnerBalance = big.NewInt(0)
			in.SenderBalance = big.NewInt(20_000_000)
		}, lanes.LaneAA},
		{"permit2 fallback for funded owner", func(*LaneInputs) {}, lanes.LanePermit2},
		{"none when nothing is funded", func(in *LaneInputs) {
			in.OwnerBalance = big.NewInt(1)
			in.SenderBalance = big.NewInt(1)
		}, lanes.LaneNone},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			in := laneInputs(50_000_000, 0)
			c.mutate(&in)
			got, reason := SelectLane(in)
			assert.Equal(t, c.want, got)
			assert.NotEmpty(t, reason)
		})
	}
}

func TestSelectLaneUnderfundedOwnerIgnoresCapabilities(t *testing.T) {
	in := laneInputs(1_000, 0)
	in.SupportsEIP3009 = true
	got, _ := SelectLane(in)
	assert.Equal(t, lanes.LaneNone, got)
}

func TestAssertCanonical(t *testing.T) {
	in := laneInputs(50_000_000, 0)
	in.SupportsEIP3009 = true

	require.NoError(t, AssertCanonical(lanes.LaneEIP3009, in))

	err := AssertCanonical(lanes.LanePermit2, in)
	require.Error(t, err)
	assert.Equal(t, ReasonCanonicalViolation, ReasonOf(err))

	// Self-pay overrides the canonical pairing.
	in.PayGasYourself = true
	assert.NoError(t, AssertCanonical(lanes.LaneSelfPay, in))
}

func TestAssertCanonicalEIP2612(t *testing.T) {
	in := laneInputs(50_000_000, 0)
	in.SupportsEIP2612 = true

	require.NoError(t, AssertCanonical(lanes.LaneEIP2612, in))

	err := AssertCanonical(lanes.LaneAA, in)
	require.Error(t, err)
	assert.Equal(t, ReasonCanonicalViolation, ReasonOf(err))
}

func TestAssertCanonicalSkipsUnderfunded(t *testing.T) {
	in := laneInputs(1_000, 20_000_000)
	in.SupportsEIP3009 = true
	// Owner cannot fund the canonical lane, so AA is legitimate.
	assert.NoError(t, AssertCanonical(lanes.LaneAA, in))
}
