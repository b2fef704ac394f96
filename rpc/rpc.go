// Package rpc provides the read-only EVM JSON-RPC surface the Token Detector
// and Requirements Builder use to probe bytecode, storage, and view functions.
// No transaction submission occurs here: settlement is always delegated to a
// facilitator, never signed or broadcast by this package.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/WTFLabs-WTF/x402x/retry"
)

// Client is the minimal read-only interface the detector and requirements
// builder depend on. Implementations must be safe for concurrent use.
type Client interface {
	// CodeAt returns the deployed bytecode at address, at the latest block.
	// A non-existent or EOA address returns a nil/empty slice, not an error.
	CodeAt(ctx context.Context, address common.Address) ([]byte, error)

	// StorageAt returns the raw 32-byte storage slot value at address.
	StorageAt(ctx context.Context, address common.Address, slot common.Hash) ([]byte, error)

	// CallContract executes an eth_call against to with the given ABI-encoded
	// calldata and returns the raw return data.
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)

	// ChainID returns the connected network's chain ID.
	ChainID(ctx context.Context) (*big.Int, error)
}

// EthClient is a Client backed by go-ethereum's ethclient.Client. Every call
// is wrapped in retry.WithRetry so a dropped connection or a momentary RPC
// hiccup doesn't get reported to the detector as "capability absent".
type EthClient struct {
	underlying *ethclient.Client

	// Retry controls the backoff applied to transient failures. Zero value
	// falls back to retry.DefaultConfig.
	Retry retry.Config

	chainID *big.Int
}

var _ Client = (*EthClient)(nil)

// Dial connects to an EVM JSON-RPC endpoint (http(s):// or ws(s)://).
func Dial(ctx context.Context, rpcURL string) (*EthClient, error) {
	underlying, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", rpcURL, err)
	}
	return NewEthClient(underlying), nil
}

// NewEthClient wraps an already-constructed ethclient.Client.
func NewEthClient(underlying *ethclient.Client) *EthClient {
	return &EthClient{underlying: underlying, Retry: retry.DefaultConfig}
}

func (c *EthClient) retryConfig() retry.Config {
	if c.Retry == (retry.Config{}) {
		return retry.DefaultConfig
	}
	return c.Retry
}

func (c *EthClient) CodeAt(ctx context.Context, address common.Address) ([]byte, error) {
	code, err := retry.WithRetry(ctx, c.retryConfig(), IsRetryable, func() ([]byte, error) {
		return c.underlying.CodeAt(ctx, address, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: getCode(%s): %w", address, err)
	}
	return code, nil
}

func (c *EthClient) StorageAt(ctx context.Context, address common.Address, slot common.Hash) ([]byte, error) {
	value, err := retry.WithRetry(ctx, c.retryConfig(), IsRetryable, func() ([]byte, error) {
		return c.underlying.StorageAt(ctx, address, slot, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: getStorageAt(%s, %s): %w", address, slot, err)
	}
	return value, nil
}

func (c *EthClient) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	result, err := retry.WithRetry(ctx, c.retryConfig(), IsRetryable, func() ([]byte, error) {
		msg := ethereum.CallMsg{To: &to, Data: data}
		return c.underlying.CallContract(ctx, msg, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: call(%s): %w", to, err)
	}
	return result, nil
}

func (c *EthClient) ChainID(ctx context.Context) (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	id, err := retry.WithRetry(ctx, c.retryConfig(), IsRetryable, func() (*big.Int, error) {
		return c.underlying.ChainID(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: getChainId: %w", err)
	}
	c.chainID = id
	return id, nil
}

// IsRetryable classifies an EVM RPC error as transient (dial/timeout/dropped
// connection, worth a retry) or terminal (context cancellation, or an EVM
// revert/execution error that will deterministically fail again).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, terminal := range []string{
		"execution reverted",
		"invalid opcode",
		"out of gas",
		"no contract code",
		"abi:",
	} {
		if strings.Contains(msg, terminal) {
			return false
		}
	}
	return true
}
