package clients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/userop"
)

var (
	// ErrUnsupportedEntryPoint means the bundler does not serve the configured
	// EntryPoint. Treated as a fatal configuration error, never retried.
	ErrUnsupportedEntryPoint = errors.New("bundler does not support the configured entry point")

	// ErrReceiptPending means no receipt appeared within the polling window.
	// The operation may still land; the caller can resume with the same hash.
	ErrReceiptPending = errors.New("user operation receipt not yet available")
)

// BundlerClient talks to an ERC-4337 bundler over JSON-RPC.
type BundlerClient struct {
	rpc        *rpc.Client
	entryPoint common.Address
	logger     *logrus.Logger
}

// NewBundlerClient dials the bundler endpoint. EnsureEntryPoint must be
// called once before submitting operations.
func NewBundlerClient(ctx context.Context, url string, entryPoint common.Address, logger *logrus.Logger) (*BundlerClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial bundler: %w", err)
	}
	return &BundlerClient{rpc: c, entryPoint: entryPoint, logger: logger}, nil
}

// Close releases the underlying RPC connection.
func (c *BundlerClient) Close() { c.rpc.Close() }

// EntryPoint returns the EntryPoint this client submits against.
func (c *BundlerClient) EntryPoint() common.Address { return c.entryPoint }

// SupportedEntryPoints returns the EntryPoint contracts the bundler serves.
func (c *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var raw []string
	if err := c.rpc.CallContext(ctx, &raw, "eth_supportedEntryPoints"); err != nil {
		return nil, fmt.Errorf("eth_supportedEntryPoints: %w", err)
	}
	out := make([]common.Address, 0, len(raw))
	for _, s := range raw {
		out = append(out, common.HexToAddress(s))
	}
	return out, nil
}

// EnsureEntryPoint verifies the configured EntryPoint is served by the
// bundler and returns ErrUnsupportedEntryPoint otherwise.
func (c *BundlerClient) EnsureEntryPoint(ctx context.Context) error {
	supported, err := c.SupportedEntryPoints(ctx)
	if err != nil {
		return err
	}
	for _, ep := range supported {
		if ep == c.entryPoint {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not in %v", ErrUnsupportedEntryPoint, c.entryPoint, supported)
}

// GasEstimate is the bundler's answer to eth_estimateUserOperationGas.
type GasEstimate struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit,omitempty"`
}

// EstimateUserOperationGas asks the bundler to simulate the operation and
// return gas limits.
func (c *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *userop.RPCUserOperation) (*GasEstimate, error) {
	var out GasEstimate
	if err := c.rpc.CallContext(ctx, &out, "eth_estimateUserOperationGas", op, c.entryPoint); err != nil {
		return nil, fmt.Errorf("eth_estimateUserOperationGas: %w", err)
	}
	return &out, nil
}

// SendUserOperation submits a signed operation and returns its hash.
func (c *BundlerClient) SendUserOperation(ctx context.Context, op *userop.RPCUserOperation) (common.Hash, error) {
	var out string
	if err := c.rpc.CallContext(ctx, &out, "eth_sendUserOperation", op, c.entryPoint); err != nil {
		return common.Hash{}, fmt.Errorf("eth_sendUserOperation: %w", err)
	}
	return common.HexToHash(out), nil
}

// TxReceiptSummary is the embedded transaction receipt inside a user
// operation receipt; only the fields reconciliation consumes are decoded.
type TxReceiptSummary struct {
	TransactionHash common.Hash  `json:"transactionHash"`
	BlockNumber     *hexutil.Big `json:"blockNumber"`
	Status          *hexutil.Big `json:"status"`
	Logs            []*types.Log `json:"logs"`
}

// UserOperationReceipt is the bundler's eth_getUserOperationReceipt payload.
type UserOperationReceipt struct {
	UserOpHash    common.Hash      `json:"userOpHash"`
	EntryPoint    common.Address   `json:"entryPoint"`
	Sender        common.Address   `json:"sender"`
	Nonce         *hexutil.Big     `json:"nonce"`
	Paymaster     common.Address   `json:"paymaster"`
	Success       bool             `json:"success"`
	ActualGasCost *hexutil.Big     `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big     `json:"actualGasUsed"`
	Reason        string           `json:"reason,omitempty"`
	Logs          []*types.Log     `json:"logs"`
	Receipt       TxReceiptSummary `json:"receipt"`
}

// AllLogs returns the full transaction log set when present, falling back to
// the operation-scoped logs.
func (r *UserOperationReceipt) AllLogs() []*types.Log {
	if len(r.Receipt.Logs) > 0 {
		return r.Receipt.Logs
	}
	return r.Logs
}

// GetUserOperationReceipt fetches the receipt for an operation hash. Returns
// (nil, nil) while the operation is not yet included.
func (c *BundlerClient) GetUserOperationReceipt(ctx context.Context, opHash common.Hash) (*UserOperationReceipt, error) {
	var out *UserOperationReceipt
	if err := c.rpc.CallContext(ctx, &out, "eth_getUserOperationReceipt", opHash); err != nil {
		return nil, fmt.Errorf("eth_getUserOperationReceipt: %w", err)
	}
	return out, nil
}

// GasFeeTier is one speed tier of the pimlico gas price extension.
type GasFeeTier struct {
	MaxFeePerGas         *hexutil.Big `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big `json:"maxPriorityFeePerGas"`
}

// GasPriceTiers holds the slow/standard/fast fee tiers.
type GasPriceTiers struct {
	Slow     GasFeeTier `json:"slow"`
	Standard GasFeeTier `json:"standard"`
	Fast     GasFeeTier `json:"fast"`
}

// Tier selects a tier by speed name; unknown speeds get standard.
func (t *GasPriceTiers) Tier(speed string) GasFeeTier {
	switch speed {
	case "eco", "slow":
		return t.Slow
	case "instant", "fast":
		return t.Fast
	default:
		return t.Standard
	}
}

// GasPrice fetches the bundler's recommended fee tiers.
func (c *BundlerClient) GasPrice(ctx context.Context) (*GasPriceTiers, error) {
	var out GasPriceTiers
	if err := c.rpc.CallContext(ctx, &out, "pimlico_getUserOperationGasPrice"); err != nil {
		return nil, fmt.Errorf("pimlico_getUserOperationGasPrice: %w", err)
	}
	return &out, nil
}

// AwaitReceipt polls at a fixed interval until a receipt appears or the
// timeout elapses. A timeout yields ErrReceiptPending, not a failure: the
// operation hash stays valid and the wait can resume later.
func (c *BundlerClient) AwaitReceipt(ctx context.Context, opHash common.Hash, timeout, poll time.Duration) (*UserOperationReceipt, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		receipt, err := c.GetUserOperationReceipt(ctx, opHash)
		if err != nil {
			c.logger.WithError(err).WithField("user_op_hash", opHash.Hex()).
				Warn("receipt poll failed, retrying")
		} else if receipt != nil {
			return receipt, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrReceiptPending
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
