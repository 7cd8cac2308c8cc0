// Package chain manages per-chain blockchain RPC clients.
//
// Clients are dialed lazily on first use and cached for the process
// lifetime. Every RPC call passes through a per-chain circuit breaker so
// a flapping RPC endpoint degrades to fast failures instead of piling up
// timed-out requests.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/mbd888/relay/internal/circuitbreaker"
	"github.com/mbd888/relay/internal/config"
)

var (
	ErrUnsupportedChain = errors.New("chain: unsupported chain")
	ErrCircuitOpen      = errors.New("chain: rpc circuit open")
)

// Backend is the subset of the Ethereum RPC surface payment verification
// needs. *ethclient.Client satisfies it; tests substitute a fake.
type Backend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client pairs a backend with its chain configuration and guards calls
// with the shared breaker.
type Client struct {
	backend Backend
	cfg     config.ChainConfig
	name    string
	breaker *circuitbreaker.Breaker
}

// Config returns the chain configuration this client was built from.
func (c *Client) Config() config.ChainConfig { return c.cfg }

// Name returns the chain name (e.g. "base-sepolia").
func (c *Client) Name() string { return c.name }

// TransactionReceipt fetches a receipt through the breaker. A not-found
// result counts as a success for breaker purposes: the RPC answered, the
// transaction just isn't indexed yet.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if !c.breaker.Allow(c.name) {
		return nil, ErrCircuitOpen
	}
	receipt, err := c.backend.TransactionReceipt(ctx, txHash)
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		c.breaker.RecordFailure(c.name)
		return nil, err
	}
	c.breaker.RecordSuccess(c.name)
	return receipt, err
}

// TransactionByHash fetches a transaction through the breaker.
func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if !c.breaker.Allow(c.name) {
		return nil, false, ErrCircuitOpen
	}
	tx, isPending, err := c.backend.TransactionByHash(ctx, hash)
	if err != nil && !errors.Is(err, ethereum.NotFound) {
		c.breaker.RecordFailure(c.name)
		return nil, false, err
	}
	c.breaker.RecordSuccess(c.name)
	return tx, isPending, err
}

// BlockNumber returns the latest block number through the breaker.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if !c.breaker.Allow(c.name) {
		return 0, ErrCircuitOpen
	}
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		c.breaker.RecordFailure(c.name)
		return 0, err
	}
	c.breaker.RecordSuccess(c.name)
	return n, nil
}

// USDCAddress returns the chain's USDC contract address.
func (c *Client) USDCAddress() common.Address {
	return common.HexToAddress(c.cfg.USDCContract)
}

// EscrowAddress returns the chain's escrow contract address, or the zero
// address when none is configured.
func (c *Client) EscrowAddress() common.Address {
	if c.cfg.EscrowContract == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.cfg.EscrowContract)
}

// HasEscrowContract reports whether an escrow contract is configured.
func (c *Client) HasEscrowContract() bool { return c.cfg.EscrowContract != "" }

// Clients caches one Client per chain. Dialing happens on the first
// request for a chain; a failed dial is not cached so a recovered RPC
// endpoint becomes reachable on the next attempt.
type Clients struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	cache   map[string]*Client
	breaker *circuitbreaker.Breaker

	// dial is swapped in tests to inject fake backends.
	dial func(url string) (Backend, error)
}

// NewClients creates the per-chain client cache.
func NewClients(cfg *config.Config, logger *slog.Logger) *Clients {
	return &Clients{
		cfg:     cfg,
		logger:  logger,
		cache:   make(map[string]*Client),
		breaker: circuitbreaker.New(5, 30*time.Second),
		dial: func(url string) (Backend, error) {
			return ethclient.Dial(url)
		},
	}
}

// WithDialer overrides how backends are constructed (for tests).
func (cs *Clients) WithDialer(dial func(url string) (Backend, error)) *Clients {
	cs.dial = dial
	return cs
}

// For returns the cached client for a chain, dialing on first use.
// An empty name resolves to the configured default chain.
func (cs *Clients) For(name string) (*Client, error) {
	chainCfg, ok := cs.cfg.Chain(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedChain, name)
	}
	if name == "" {
		name = cs.cfg.DefaultChain
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if c, ok := cs.cache[name]; ok {
		return c, nil
	}

	backend, err := cs.dial(chainCfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s rpc: %w", name, err)
	}

	c := &Client{
		backend: backend,
		cfg:     chainCfg,
		name:    name,
		breaker: cs.breaker,
	}
	cs.cache[name] = c
	cs.logger.Info("chain client connected", "chain", name, "rpc", chainCfg.RPCURL)
	return c, nil
}

// MinConfirmations returns the configured confirmation threshold for a token.
func (cs *Clients) MinConfirmations(token string) int {
	return cs.cfg.MinConfirmationsFor(token)
}
