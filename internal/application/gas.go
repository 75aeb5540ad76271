package application

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"time"
)

// PriceSource supplies the current network gas price.
type PriceSource interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

type cachedPrice struct {
	price   *big.Int
	fetched time.Time
}

// GasPricer caches the network gas price for a short window. Concurrent
// refreshes race benignly; the loser's fetch just overwrites an equally
// fresh value. The price is advisory, not a correctness invariant.
type GasPricer struct {
	source    PriceSource
	ttl       time.Duration
	bufferPct uint64
	cached    atomic.Pointer[cachedPrice]
}

type GasPricerConfig struct {
	TTL       time.Duration
	BufferPct uint64
}

func NewGasPricer(source PriceSource, cfg GasPricerConfig) (*GasPricer, error) {
	if source == nil {
		return nil, errors.New("price source is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Second
	}
	if cfg.BufferPct == 0 {
		cfg.BufferPct = 20
	}
	return &GasPricer{source: source, ttl: cfg.TTL, bufferPct: cfg.BufferPct}, nil
}

func (g *GasPricer) CurrentPrice(ctx context.Context) (*big.Int, error) {
	if cached := g.cached.Load(); cached != nil && time.Since(cached.fetched) < g.ttl {
		return new(big.Int).Set(cached.price), nil
	}
	price, err := g.source.GasPrice(ctx)
	if err != nil {
		return nil, err
	}
	g.cached.Store(&cachedPrice{price: new(big.Int).Set(price), fetched: time.Now()})
	return price, nil
}

// WithBuffer pads a raw gas estimate against estimation noise. Integer
// floor; a nonzero estimate never buffers down to zero.
func (g *GasPricer) WithBuffer(estimated uint64) uint64 {
	return estimated * (100 + g.bufferPct) / 100
}
