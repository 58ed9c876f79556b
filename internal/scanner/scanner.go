package scanner

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"oracle-sync/internal/chain"
)

const (
	defaultBackoffBase = time.Second
	backoffCap         = 10 * time.Second
	jitterFraction     = 0.3
)

// Options tune the scan retry loop.
type Options struct {
	// RequestTimeout bounds each individual RPC call.
	RequestTimeout time.Duration
}

// Scanner fetches decoded oracle events for block ranges through the
// endpoint pool, retrying each endpoint with exponential backoff before
// rotating to the next one.
type Scanner struct {
	pool   *chain.EndpointPool
	cache  *chain.ClientCache
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scanner over the given pool and client cache.
func New(pool *chain.EndpointPool, cache *chain.ClientCache, opts Options, logger zerolog.Logger) *Scanner {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Scanner{
		pool:   pool,
		cache:  cache,
		opts:   opts,
		logger: logger.With().Str("component", "scanner").Logger(),
	}
}

// Pool exposes the underlying endpoint pool so callers can persist its stats.
func (s *Scanner) Pool() *chain.EndpointPool {
	return s.pool
}

// ScanRange fetches and decodes oracle logs for [fromBlock, toBlock] inclusive.
func (s *Scanner) ScanRange(ctx context.Context, contract common.Address, fromBlock, toBlock uint64) ([]chain.DecodedEvent, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{chain.EventTopics()},
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
	}

	var decoded []chain.DecodedEvent
	err := s.withRetry(ctx, "getLogs", func(ctx context.Context, backend chain.Backend) error {
		logs, err := backend.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		decoded = decoded[:0]
		for _, raw := range logs {
			evt, decodeErr := chain.DecodeLog(raw)
			if decodeErr != nil {
				return decodeErr
			}
			if evt == nil {
				continue
			}
			decoded = append(decoded, *evt)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decoded, nil
}

// ProbeContract verifies bytecode exists at the contract address. Missing or
// empty bytecode is a fatal misconfiguration, reported as contract_not_found.
func (s *Scanner) ProbeContract(ctx context.Context, contract common.Address) error {
	return s.withRetry(ctx, "getBytecode", func(ctx context.Context, backend chain.Backend) error {
		code, err := backend.CodeAt(ctx, contract, nil)
		if err != nil {
			return err
		}
		if len(code) == 0 {
			return chain.NewSyncError(chain.CodeContractNotFound, fmt.Errorf("no bytecode at %s", contract.Hex()))
		}
		return nil
	})
}

// Head fetches the current chain-head block number.
func (s *Scanner) Head(ctx context.Context) (uint64, error) {
	var head uint64
	err := s.withRetry(ctx, "getBlockNumber", func(ctx context.Context, backend chain.Backend) error {
		var callErr error
		head, callErr = backend.BlockNumber(ctx)
		return callErr
	})
	return head, err
}

// withRetry runs fn against the active endpoint, retrying it attemptsPerURL
// times with exponential backoff, then rotates through the remaining
// endpoints. Fatal errors propagate immediately without rotation.
func (s *Scanner) withRetry(ctx context.Context, op string, fn func(ctx context.Context, backend chain.Backend) error) error {
	attempts := s.attemptsPerEndpoint()
	url := s.pool.Active()
	endpoints := len(s.pool.URLs())

	var lastErr error
	for rotation := 0; rotation < endpoints; rotation++ {
		for attempt := 0; attempt < attempts; attempt++ {
			if err := ctx.Err(); err != nil {
				return chain.Classify(err)
			}

			err := s.attempt(ctx, url, fn)
			if err == nil {
				return nil
			}
			if chain.IsFatal(err) {
				return err
			}
			lastErr = err

			s.logger.Warn().
				Str("op", op).
				Str("url", url).
				Int("attempt", attempt+1).
				Str("code", string(chain.CodeOf(err))).
				Err(err).
				Msg("rpc call failed")

			if attempt < attempts-1 {
				if waitErr := s.sleep(ctx, s.backoff(url, attempt)); waitErr != nil {
					return chain.Classify(waitErr)
				}
			}
		}

		url = s.pool.Rotate(url)
	}

	return lastErr
}

func (s *Scanner) attempt(ctx context.Context, url string, fn func(ctx context.Context, backend chain.Backend) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()

	backend, err := s.cache.Get(callCtx, url)
	if err != nil {
		s.pool.RecordFailure(url)
		return err
	}

	started := time.Now()
	if err := fn(callCtx, backend); err != nil {
		if chain.CodeOf(err) == chain.CodeRPCUnreachable {
			s.cache.Evict(url)
		}
		if !chain.IsFatal(err) {
			s.pool.RecordFailure(url)
		}
		return err
	}

	s.pool.RecordSuccess(url, time.Since(started).Milliseconds())
	return nil
}

// backoff computes the wait before the next attempt on url: base is twice
// the endpoint's average latency (1s when unknown), doubled per attempt,
// capped at 10s, with up to 30% added jitter.
func (s *Scanner) backoff(url string, attempt int) time.Duration {
	base := defaultBackoffBase
	if avg := s.pool.AvgLatencyMs(url); avg > 0 {
		base = time.Duration(avg*2) * time.Millisecond
	}

	delay := base << attempt
	if delay > backoffCap {
		delay = backoffCap
	}

	jitter := time.Duration(rand.Float64() * jitterFraction * float64(delay))
	return delay + jitter
}

func (s *Scanner) attemptsPerEndpoint() int {
	if s.opts.RequestTimeout >= 15*time.Second {
		return 3
	}
	return 2
}

func (s *Scanner) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
