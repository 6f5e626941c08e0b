package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/resolvd/resolvd/internal/util"
)

// ClientConfig holds configuration for the BNB chain client
type ClientConfig struct {
	RPCURL        string
	ChainID       int64
	Confirmations int
	MaxGasPrice   *big.Int
	RetryConfig   *util.RetryConfig
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ChainID:       56, // BNB mainnet
		Confirmations: 1,
		MaxGasPrice:   big.NewInt(20e9), // 20 gwei max
		RetryConfig:   util.DefaultRetryConfig(),
	}
}

// Client provides access to the BNB chain. The wallet is shared by every
// contract call, so nonce assignment is centralized here: TransactOpts hands
// out nonces from a single locked counter.
type Client struct {
	config     *ClientConfig
	client     *ethclient.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int

	// Nonce management
	nonceMu      sync.Mutex
	pendingNonce uint64

	connected bool
	mu        sync.RWMutex
}

// NewClient creates a chain client from a hex-encoded private key.
// Initialization completes in Connect; a failed Connect is fatal at startup.
func NewClient(config *ClientConfig, privateKeyHex string) (*Client, error) {
	if config == nil {
		config = DefaultClientConfig()
	}

	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet key: %w", err)
	}

	return &Client{
		config:     config,
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    big.NewInt(config.ChainID),
	}, nil
}

// Connect establishes the RPC connection, verifies the chain id, and seeds
// the nonce counter from the pending pool.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	client, err := util.RetryWithValue(ctx, c.config.RetryConfig, func() (*ethclient.Client, error) {
		return ethclient.DialContext(ctx, c.config.RPCURL)
	})
	if err != nil {
		return fmt.Errorf("failed to connect to RPC: %w", err)
	}
	c.client = client

	chainID, err := c.client.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chainID.Cmp(c.chainID) != 0 {
		return fmt.Errorf("chain ID mismatch: expected %d, got %d", c.chainID, chainID)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return fmt.Errorf("failed to get nonce: %w", err)
	}
	c.pendingNonce = nonce

	c.connected = true
	return nil
}

// Close closes the connection
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.connected = false
}

// IsConnected returns true if connected to the chain
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Eth returns the underlying ethclient
func (c *Client) Eth() *ethclient.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Address returns the wallet address
func (c *Client) Address() common.Address {
	return c.address
}

// TransactOpts creates signed transaction options with the next nonce from
// the centralized counter.
func (c *Client) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("not connected")
	}

	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to get gas price: %w", err))
	}
	if c.config.MaxGasPrice != nil && gasPrice.Cmp(c.config.MaxGasPrice) > 0 {
		gasPrice = c.config.MaxGasPrice
	}

	auth, err := bind.NewKeyedTransactorWithChainID(c.privateKey, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasPrice = gasPrice

	c.nonceMu.Lock()
	auth.Nonce = big.NewInt(int64(c.pendingNonce))
	c.pendingNonce++
	c.nonceMu.Unlock()

	return auth, nil
}

// SyncNonce resynchronizes the nonce counter with the network. Called after
// a nonce collision so the next transaction picks up the real pending value.
func (c *Client) SyncNonce(ctx context.Context) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("not connected")
	}

	nonce, err := client.PendingNonceAt(ctx, c.address)
	if err != nil {
		return Classify(fmt.Errorf("failed to get nonce: %w", err))
	}

	c.nonceMu.Lock()
	c.pendingNonce = nonce
	c.nonceMu.Unlock()
	return nil
}

// WaitForTransaction waits for a transaction to be mined and reach the
// configured confirmation depth.
func (c *Client) WaitForTransaction(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("not connected")
	}

	receipt, err := bind.WaitMined(ctx, client, tx)
	if err != nil {
		return nil, Transient(fmt.Errorf("failed waiting for transaction: %w", err))
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return receipt, Permanent(fmt.Errorf("transaction reverted: %s", tx.Hash().Hex()))
	}

	if c.config.Confirmations > 1 {
		targetBlock := receipt.BlockNumber.Uint64() + uint64(c.config.Confirmations) - 1
		for {
			select {
			case <-ctx.Done():
				return receipt, ctx.Err()
			case <-time.After(2 * time.Second):
				currentBlock, err := client.BlockNumber(ctx)
				if err != nil {
					continue // retry
				}
				if currentBlock >= targetBlock {
					return receipt, nil
				}
			}
		}
	}

	return receipt, nil
}

// BlockNumber returns the current head block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return 0, fmt.Errorf("not connected")
	}
	n, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, Classify(err)
	}
	return n, nil
}

// FilterLogs runs a log filter query against the chain.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return nil, fmt.Errorf("not connected")
	}
	logs, err := client.FilterLogs(ctx, q)
	if err != nil {
		return nil, Classify(err)
	}
	return logs, nil
}
