// Package account resolves configured accounts into ready exchange clients
package account

import (
	"context"
	"fmt"

	"copytrade/internal/config"
	"copytrade/internal/core"
	"copytrade/internal/router"
	"copytrade/internal/trading/order"
	"copytrade/internal/trading/sizing"
	apperrors "copytrade/pkg/errors"
)

// Account is one replicated futures account bound to its egress proxy
type Account struct {
	Index    int
	Name     string
	Proxy    string
	Exchange core.IExchange
	Executor *order.OrderExecutor
}

// Factory builds the exchange client of one account behind proxy
type Factory func(acc config.AccountConfig, proxy string) (core.IExchange, error)

// Pool is the ordered, immutable account set. The first account is the
// reference account polled by reconciliation and the gate of every dispatch.
type Pool struct {
	accounts []*Account
}

// NewPool wraps already built accounts
func NewPool(accounts []*Account) (*Pool, error) {
	if len(accounts) == 0 {
		return nil, apperrors.ErrNoAccounts
	}
	return &Pool{accounts: accounts}, nil
}

// Build maps accounts onto proxies once and creates one exchange client and
// executor per account.
func Build(accounts []config.AccountConfig, proxies []string, factory Factory, sizer *sizing.Sizer, marginMode core.MarginMode, logger core.ILogger) (*Pool, error) {
	if len(accounts) == 0 {
		return nil, apperrors.ErrNoAccounts
	}
	assigned, err := router.Assign(len(accounts), proxies)
	if err != nil {
		return nil, err
	}

	log := logger.WithField("component", "account_pool")
	out := make([]*Account, 0, len(accounts))
	for i, cfg := range accounts {
		ex, err := factory(cfg, assigned[i])
		if err != nil {
			return nil, fmt.Errorf("failed to create exchange for account %s: %w", cfg.Name, err)
		}
		out = append(out, &Account{
			Index:    i,
			Name:     cfg.Name,
			Proxy:    assigned[i],
			Exchange: ex,
			Executor: order.NewOrderExecutor(cfg.Name, ex, sizer, marginMode, logger),
		})
		log.Info("Account ready", "account", cfg.Name, "index", i, "proxy", assigned[i])
	}
	return NewPool(out)
}

// Accounts returns the accounts in configured order
func (p *Pool) Accounts() []*Account {
	out := make([]*Account, len(p.accounts))
	copy(out, p.accounts)
	return out
}

// Reference returns the first account
func (p *Pool) Reference() *Account {
	return p.accounts[0]
}

func (p *Pool) Len() int {
	return len(p.accounts)
}

// ByName returns the account called name
func (p *Pool) ByName(name string) (*Account, bool) {
	for _, a := range p.accounts {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// CheckHealth reports the first executor with an elevated error rate
func (p *Pool) CheckHealth() error {
	for _, a := range p.accounts {
		if err := a.Executor.CheckHealth(); err != nil {
			return err
		}
	}
	return nil
}

// VerifyCredentials performs one authenticated read per account
func (p *Pool) VerifyCredentials(ctx context.Context) error {
	for _, a := range p.accounts {
		if _, err := a.Exchange.GetBalance(ctx); err != nil {
			return apperrors.WrapAccount(a.Name, "verify_credentials", err)
		}
	}
	return nil
}
