package chain

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	emaOldWeight = 0.8
	emaNewWeight = 0.2
)

// EndpointStat is a health snapshot for a single RPC URL.
type EndpointStat struct {
	URL          string     `json:"url"`
	OkCount      int64      `json:"okCount"`
	FailCount    int64      `json:"failCount"`
	AvgLatencyMs float64    `json:"avgLatencyMs"`
	LastOkAt     *time.Time `json:"lastOkAt,omitempty"`
	LastFailAt   *time.Time `json:"lastFailAt,omitempty"`
}

// EndpointPool tracks the candidate RPC URLs for one oracle instance and
// their observed health. Endpoints are never removed: stats inform ordering
// and backoff, not exclusion.
type EndpointPool struct {
	mu     sync.Mutex
	urls   []string
	active string
	stats  map[string]*EndpointStat
}

// ParseEndpoints splits a comma/whitespace separated URL list, validates
// schemes, and deduplicates while preserving order.
func ParseEndpoints(raw string) ([]string, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})

	seen := make(map[string]struct{}, len(fields))
	urls := make([]string, 0, len(fields))
	for _, field := range fields {
		candidate := strings.TrimSpace(field)
		if candidate == "" {
			continue
		}
		parsed, err := url.Parse(candidate)
		if err != nil {
			return nil, fmt.Errorf("parse rpc url %q: %w", candidate, err)
		}
		switch parsed.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return nil, fmt.Errorf("unsupported rpc url scheme %q in %q", parsed.Scheme, candidate)
		}
		if _, dup := seen[candidate]; dup {
			continue
		}
		seen[candidate] = struct{}{}
		urls = append(urls, candidate)
	}

	if len(urls) == 0 {
		return nil, fmt.Errorf("no rpc urls configured")
	}
	return urls, nil
}

// NewEndpointPool builds a pool from a raw URL list. previousActive keeps the
// URL that was active before a restart when it is still configured, otherwise
// the first URL wins.
func NewEndpointPool(raw string, previousActive string) (*EndpointPool, error) {
	urls, err := ParseEndpoints(raw)
	if err != nil {
		return nil, err
	}

	pool := &EndpointPool{
		urls:   urls,
		active: urls[0],
		stats:  make(map[string]*EndpointStat, len(urls)),
	}
	for _, u := range urls {
		pool.stats[u] = &EndpointStat{URL: u}
	}
	if previousActive != "" {
		if _, ok := pool.stats[previousActive]; ok {
			pool.active = previousActive
		}
	}
	return pool, nil
}

// Active returns the currently selected URL.
func (p *EndpointPool) Active() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// URLs returns the configured URL list in order.
func (p *EndpointPool) URLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.urls))
	copy(out, p.urls)
	return out
}

// RecordSuccess bumps the ok count and folds latencyMs into the moving
// average with 0.8/0.2 weighting.
func (p *EndpointPool) RecordSuccess(u string, latencyMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stat, ok := p.stats[u]
	if !ok {
		return
	}
	stat.OkCount++
	if stat.AvgLatencyMs == 0 {
		stat.AvgLatencyMs = float64(latencyMs)
	} else {
		stat.AvgLatencyMs = stat.AvgLatencyMs*emaOldWeight + float64(latencyMs)*emaNewWeight
	}
	now := time.Now().UTC()
	stat.LastOkAt = &now
}

// RecordFailure bumps the fail count.
func (p *EndpointPool) RecordFailure(u string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stat, ok := p.stats[u]
	if !ok {
		return
	}
	stat.FailCount++
	now := time.Now().UTC()
	stat.LastFailAt = &now
}

// Rotate advances round-robin from current, wrapping, and returns the new
// active URL. A current URL no longer in the pool rotates to the first entry.
func (p *EndpointPool) Rotate(current string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := p.urls[0]
	for i, u := range p.urls {
		if u == current {
			next = p.urls[(i+1)%len(p.urls)]
			break
		}
	}
	p.active = next
	return next
}

// AvgLatencyMs reports the moving-average latency for u, zero when unknown.
func (p *EndpointPool) AvgLatencyMs(u string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stat, ok := p.stats[u]; ok {
		return stat.AvgLatencyMs
	}
	return 0
}

// Stats snapshots per-URL health in configured order.
func (p *EndpointPool) Stats() []EndpointStat {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]EndpointStat, 0, len(p.urls))
	for _, u := range p.urls {
		out = append(out, *p.stats[u])
	}
	return out
}
