package clients

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferLog(token, from, to common.Address, value *big.Int) *types.Log {
	var data [32]byte
	value.FillBytes(data[:])
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			TransferEventID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: data[:],
	}
}

func TestDecodeTransferLog(t *testing.T) {
	token := common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	from := common.HexToAddress("0x0000000000000000000000000000000000000001")
	to := common.HexToAddress("0x0000000000000000000000000000000000000002")

	ev, err := DecodeTransferLog(transferLog(token, from, to, big.NewInt(9_950_000)))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, token, ev.Token)
	assert.Equal(t, from, ev.From)
	assert.Equal(t, to, ev.To)
	assert.EqualValues(t, 9_950_000, ev.Value.Int64())
}

func TestDecodeTransferLogSkipsForeignEvents(t *testing.T) {
	// Approval has a different topic0.
	log := &types.Log{
		Address: common.HexToAddress("0x01"),
		Topics:  []common.Hash{common.HexToHash("0x8c5be1e5ebec7d5bd14f71427d1e84f3dd0314c0f7b2291e5b200ac8c7c3b925")},
	}
	ev, err := DecodeTransferLog(log)
	require.NoError(t, err)
	assert.Nil(t, ev)

	// ERC-721 Transfer has a fourth indexed topic and no data.
	nft := transferLog(common.HexToAddress("0x02"), common.Address{}, common.Address{}, big.NewInt(0))
	nft.Topics = append(nft.Topics, common.HexToHash("0x01"))
	ev, err = DecodeTransferLog(nft)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestDecodeTransferLogRejectsBadData(t *testing.T) {
	log := transferLog(common.HexToAddress("0x03"), common.Address{}, common.Address{}, big.NewInt(1))
	log.Data = log.Data[:16]
	_, err := DecodeTransferLog(log)
	assert.Error(t, err)
}

func TestPackApproveSelector(t *testing.T) {
	data, err := PackApprove(common.HexToAddress("0x04"), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x09, 0x5e, 0xa7, 0xb3}, data[:4])

	data, err = PackTransfer(common.HexToAddress("0x04"), big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xa9, 0x05, 0x9c, 0xbb}, data[:4])
}
