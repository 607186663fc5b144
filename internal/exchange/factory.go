// Package exchange builds the per-account exchange clients
package exchange

import (
	"fmt"
	"strings"
	"sync"

	"copytrade/internal/account"
	"copytrade/internal/config"
	"copytrade/internal/core"
	"copytrade/internal/exchange/binance"
	"copytrade/internal/mock"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// NewFactory returns the account.Factory for the configured exchange.
// Accounts sharing a proxy share one rate limiter, since the exchange
// throttles by egress address.
func NewFactory(cfg *config.Config, logger core.ILogger) (account.Factory, error) {
	switch strings.ToLower(cfg.App.Exchange) {
	case "binance":
		limiters := newLimiterSet(rate.Limit(cfg.Trading.ProxyRateLimit), cfg.Trading.ProxyRateBurst)
		return func(acc config.AccountConfig, proxy string) (core.IExchange, error) {
			return binance.NewBinanceExchange(
				acc.Name,
				acc.APIKey.Reveal(),
				acc.SecretKey.Reveal(),
				proxy,
				binance.Options{
					Testnet:        cfg.App.Testnet,
					RequestTimeout: cfg.Trading.RequestTimeoutDuration(),
					Limiter:        limiters.get(proxy),
				},
				logger,
			), nil
		}, nil
	case "mock":
		logger.Warn("Using paper exchange, no orders reach a venue")
		return func(acc config.AccountConfig, proxy string) (core.IExchange, error) {
			return NewPaperExchange(acc.Name, cfg.Paper), nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cfg.App.Exchange)
	}
}

// NewPaperExchange creates a mock account seeded from the paper config
func NewPaperExchange(name string, paper config.PaperConfig) *mock.MockExchange {
	ex := mock.NewMockExchange(name)
	if paper.Balance > 0 {
		ex.SetBalance(decimal.NewFromFloat(paper.Balance))
	}
	for symbol, price := range paper.Prices {
		ex.SetPrice(symbol, decimal.NewFromFloat(price))
	}
	for symbol, decimals := range paper.LotDecimals {
		ex.SetLotDecimals(symbol, decimals)
	}
	return ex
}

type limiterSet struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newLimiterSet(limit rate.Limit, burst int) *limiterSet {
	return &limiterSet{
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *limiterSet) get(proxy string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[proxy]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[proxy] = l
	}
	return l
}
