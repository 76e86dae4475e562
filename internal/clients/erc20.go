package clients

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const erc20ABIJSON = `[
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
    {"name":"account","type":"address"}],"outputs":[{"type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],
    "outputs":[{"type":"uint8"}]},
  {"type":"function","name":"symbol","stateMutability":"view","inputs":[],
    "outputs":[{"type":"string"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"},
    {"name":"spender","type":"address"}],"outputs":[{"type":"uint256"}]},
  {"type":"function","name":"approve","inputs":[
    {"name":"spender","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]},
  {"type":"function","name":"transfer","inputs":[
    {"name":"to","type":"address"},
    {"name":"amount","type":"uint256"}],"outputs":[{"type":"bool"}]},
  {"type":"event","name":"Transfer","inputs":[
    {"name":"from","type":"address","indexed":true},
    {"name":"to","type":"address","indexed":true},
    {"name":"value","type":"uint256","indexed":false}]}
]`

var (
	erc20ABI = mustParseABI(erc20ABIJSON)

	// TransferEventID is keccak("Transfer(address,address,uint256)").
	TransferEventID = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

func mustParseABI(src string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid abi: %v", err))
	}
	return parsed
}

// PackApprove encodes ERC-20 approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("approve", spender, amount)
}

// PackTransfer encodes ERC-20 transfer(to, amount).
func PackTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	return erc20ABI.Pack("transfer", to, amount)
}

// TransferLogEvent is a single decoded ERC-20 Transfer log.
type TransferLogEvent struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// DecodeTransferLog decodes one log into a TransferLogEvent, or returns
// (nil, nil) when the log is not an ERC-20 Transfer.
func DecodeTransferLog(log *types.Log) (*TransferLogEvent, error) {
	if len(log.Topics) != 3 || log.Topics[0] != TransferEventID {
		return nil, nil
	}
	if len(log.Data) != 32 {
		return nil, fmt.Errorf("transfer log of %s has %d data bytes", log.Address, len(log.Data))
	}
	return &TransferLogEvent{
		Token: log.Address,
		From:  common.BytesToAddress(log.Topics[1].Bytes()),
		To:    common.BytesToAddress(log.Topics[2].Bytes()),
		Value: new(big.Int).SetBytes(log.Data),
	}, nil
}
