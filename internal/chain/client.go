package chain

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// Backend is the slice of an Ethereum RPC node the sync engine consumes.
type Backend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *int64) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// DialFunc opens a Backend for a URL. Swapped out in tests.
type DialFunc func(ctx context.Context, rawURL string) (Backend, error)

// DialEthereum is the production DialFunc over go-ethereum's client.
func DialEthereum(ctx context.Context, rawURL string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, Classify(err)
	}
	return &ethBackend{client: client}, nil
}

type ethBackend struct {
	client *ethclient.Client
}

func (b *ethBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *int64) ([]byte, error) {
	var at *big.Int
	if blockNumber != nil {
		at = big.NewInt(*blockNumber)
	}
	code, err := b.client.CodeAt(ctx, account, at)
	if err != nil {
		return nil, Classify(err)
	}
	return code, nil
}

func (b *ethBackend) BlockNumber(ctx context.Context) (uint64, error) {
	head, err := b.client.BlockNumber(ctx)
	if err != nil {
		return 0, Classify(err)
	}
	return head, nil
}

func (b *ethBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	logs, err := b.client.FilterLogs(ctx, q)
	if err != nil {
		return nil, Classify(err)
	}
	return logs, nil
}

type cacheEntry struct {
	backend  Backend
	openedAt time.Time
}

// ClientCache hands out one Backend per URL and evicts entries after a TTL
// so long-lived processes do not pin connections to a dead node forever.
// Constructed and injected, never package-global.
type ClientCache struct {
	mu      sync.Mutex
	dial    DialFunc
	ttl     time.Duration
	entries map[string]cacheEntry
	logger  zerolog.Logger
}

// NewClientCache builds a cache around dial with the given TTL.
func NewClientCache(dial DialFunc, ttl time.Duration, logger zerolog.Logger) *ClientCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ClientCache{
		dial:    dial,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		logger:  logger.With().Str("component", "client_cache").Logger(),
	}
}

// Get returns the cached Backend for url, dialing a fresh one when missing
// or expired.
func (c *ClientCache) Get(ctx context.Context, url string) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[url]; ok {
		if time.Since(entry.openedAt) < c.ttl {
			return entry.backend, nil
		}
		delete(c.entries, url)
		c.logger.Debug().Str("url", url).Msg("evicted expired rpc client")
	}

	backend, err := c.dial(ctx, url)
	if err != nil {
		return nil, err
	}
	c.entries[url] = cacheEntry{backend: backend, openedAt: time.Now()}
	return backend, nil
}

// Evict drops the cached Backend for url, forcing the next Get to redial.
func (c *ClientCache) Evict(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, url)
}
