package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

const permit2ABIJSON = `[
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[
    {"name":"owner","type":"address"},
    {"name":"token","type":"address"},
    {"name":"spender","type":"address"}],
   "outputs":[
    {"name":"amount","type":"uint160"},
    {"name":"expiration","type":"uint48"},
    {"name":"nonce","type":"uint48"}]},
  {"type":"function","name":"approve","inputs":[
    {"name":"token","type":"address"},
    {"name":"spender","type":"address"},
    {"name":"amount","type":"uint160"},
    {"name":"expiration","type":"uint48"}]}
]`

var permit2ABI = mustParseABI(permit2ABIJSON)

// PackPermit2Approve encodes Permit2 approve(token, spender, amount,
// expiration) for the owner's EOA setup transaction.
func PackPermit2Approve(token, spender common.Address, amount, expiration *big.Int) ([]byte, error) {
	return permit2ABI.Pack("approve", token, spender, amount, expiration)
}

// ChainClient wraps a node connection with the contract reads and EOA
// transaction plumbing the orchestrator needs.
type ChainClient struct {
	eth     *ethclient.Client
	chainID *big.Int
	logger  *logrus.Logger
}

// NewChainClient dials the node and pins its chain id.
func NewChainClient(ctx context.Context, url string, logger *logrus.Logger) (*ChainClient, error) {
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial node: %w", err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	return &ChainClient{eth: eth, chainID: chainID, logger: logger}, nil
}

func (c *ChainClient) Close()            { c.eth.Close() }
func (c *ChainClient) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

// NativeBalance reads an address's native token balance in wei.
func (c *ChainClient) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, addr, nil)
}

// IsDeployed reports whether code exists at the address.
func (c *ChainClient) IsDeployed(ctx context.Context, addr common.Address) (bool, error) {
	code, err := c.eth.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, err
	}
	return len(code) > 0, nil
}

// CallContract performs a read-only eth_call at the latest block.
func (c *ChainClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// TransactionReceipt returns the mined receipt, or ethereum.NotFound.
func (c *ChainClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, txHash)
}

// TokenBalance reads balanceOf(holder) on an ERC-20 token.
func (c *ChainClient) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, err
	}
	out, err := c.CallContract(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("balanceOf %s: %w", token, err)
	}
	vals, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// TokenDecimals reads decimals() on an ERC-20 token.
func (c *ChainClient) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	data, err := erc20ABI.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := c.CallContract(ctx, token, data)
	if err != nil {
		return 0, fmt.Errorf("decimals %s: %w", token, err)
	}
	vals, err := erc20ABI.Unpack("decimals", out)
	if err != nil {
		return 0, err
	}
	return vals[0].(uint8), nil
}

// TokenSymbol reads symbol() on an ERC-20 token.
func (c *ChainClient) TokenSymbol(ctx context.Context, token common.Address) (string, error) {
	data, err := erc20ABI.Pack("symbol")
	if err != nil {
		return "", err
	}
	out, err := c.CallContract(ctx, token, data)
	if err != nil {
		return "", fmt.Errorf("symbol %s: %w", token, err)
	}
	vals, err := erc20ABI.Unpack("symbol", out)
	if err != nil {
		return "", err
	}
	return vals[0].(string), nil
}

// Allowance reads the ERC-20 allowance granted by owner to spender.
func (c *ChainClient) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	out, err := c.CallContract(ctx, token, data)
	if err != nil {
		return nil, fmt.Errorf("allowance %s: %w", token, err)
	}
	vals, err := erc20ABI.Unpack("allowance", out)
	if err != nil {
		return nil, err
	}
	return vals[0].(*big.Int), nil
}

// Permit2Allowance reads the Permit2 allowance record for (owner, token,
// spender) and returns the granted amount and its expiration.
func (c *ChainClient) Permit2Allowance(ctx context.Context, permit2, owner, token, spender common.Address) (amount *big.Int, expiration *big.Int, err error) {
	data, err := permit2ABI.Pack("allowance", owner, token, spender)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.CallContract(ctx, permit2, data)
	if err != nil {
		return nil, nil, fmt.Errorf("permit2 allowance: %w", err)
	}
	vals, err := permit2ABI.Unpack("allowance", out)
	if err != nil {
		return nil, nil, err
	}
	return vals[0].(*big.Int), vals[1].(*big.Int), nil
}

// SendEOATransaction signs and submits a dynamic-fee transaction from the
// key's address. Used for setup steps (approvals) that are plain EOA
// transactions rather than user operations.
func (c *ChainClient) SendEOATransaction(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	tipCap, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest tip cap: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("head block: %w", err)
	}
	// feeCap = 2*baseFee + tip leaves room for base fee growth while pending.
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tipCap)

	if value == nil {
		value = big.NewInt(0)
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From: from, To: &to, Value: value, Data: data,
		GasTipCap: tipCap, GasFeeCap: feeCap,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}

	c.logger.WithFields(logrus.Fields{
		"tx_hash": signed.Hash().Hex(),
		"from":    from.Hex(),
		"to":      to.Hex(),
	}).Info("eoa transaction submitted")
	return signed.Hash(), nil
}

// WaitMined polls for a transaction receipt at a fixed interval until the
// timeout elapses.
func (c *ChainClient) WaitMined(ctx context.Context, txHash common.Hash, timeout, poll time.Duration) (*types.Receipt, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && err != ethereum.NotFound {
			c.logger.WithError(err).WithField("tx_hash", txHash.Hex()).
				Warn("receipt poll failed, retrying")
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("transaction %s not mined within %s", txHash, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
