// Package pool manages a set of Kiro accounts and picks one per request.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jwadow/kiro-gateway/internal/auth"
)

// Selection strategies.
const (
	StrategyRoundRobin = "round_robin"
	StrategyRandom     = "random"
	StrategyLeastUsed  = "least_used"
)

const (
	// CredentialFilePattern matches pool credential files in a directory.
	CredentialFilePattern = "kiro-*.json"
	// DefaultCooldown is how long a failed account sits out before it
	// becomes eligible again.
	DefaultCooldown = 6 * time.Second
)

// ErrNoHealthyAccounts is returned when the pool has no usable account.
var ErrNoHealthyAccounts = errors.New("no healthy accounts available")

// Account is one pool member: a credential manager plus health state.
// Health state is guarded by the pool's mutex.
type Account struct {
	Name    string
	Manager *auth.Manager

	healthy       bool
	lastError     string
	lastErrorTime time.Time
	requests      int64
}

// Pool selects among accounts using a configurable strategy. One mutex
// guards membership, health state, and the round-robin cursor.
type Pool struct {
	logger   *slog.Logger
	strategy string
	cooldown time.Duration

	mu       sync.Mutex
	accounts []*Account
	rrIndex  int
}

// Options configures a Pool.
type Options struct {
	// Strategy is one of round_robin, random, least_used.
	// Defaults to round_robin.
	Strategy string
	Cooldown time.Duration
	Logger   *slog.Logger
}

// New creates a pool over the given accounts.
func New(accounts []*Account, opts Options) (*Pool, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	switch strategy {
	case StrategyRoundRobin, StrategyRandom, StrategyLeastUsed:
	default:
		return nil, fmt.Errorf("unknown pool strategy %q", strategy)
	}

	cooldown := opts.Cooldown
	if cooldown == 0 {
		cooldown = DefaultCooldown
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		logger:   logger,
		strategy: strategy,
		cooldown: cooldown,
		accounts: accounts,
	}, nil
}

// NewSingle wraps one credential manager as a pool of one, used when the
// gateway runs with a single configured credential.
func NewSingle(manager *auth.Manager, logger *slog.Logger) *Pool {
	p, _ := New([]*Account{{Name: "default", Manager: manager, healthy: true}}, Options{Logger: logger})
	return p
}

// Discover loads every credential file matching kiro-*.json in dir and
// probes each by fetching a token. Accounts that fail the probe stay in
// the pool marked unhealthy; they become eligible again after cooldown.
func Discover(ctx context.Context, dir string, refresher *auth.Refresher, logger *slog.Logger) ([]*Account, error) {
	if logger == nil {
		logger = slog.Default()
	}

	matches, err := filepath.Glob(filepath.Join(dir, CredentialFilePattern))
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	sort.Strings(matches)

	var accounts []*Account
	for _, path := range matches {
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			continue
		}
		name := filepath.Base(path)

		manager, err := auth.NewManager(ctx, auth.ManagerOptions{
			Source:    &auth.FileSource{Path: path},
			Refresher: refresher,
			Logger:    logger,
		})
		if err != nil {
			logger.Warn("skipping unreadable credential file", "file", name, "error", err)
			continue
		}

		acc := &Account{Name: name, Manager: manager}
		if _, err := manager.Token(ctx); err != nil {
			logger.Warn("account failed startup probe", "account", name, "error", err)
			acc.healthy = false
			acc.lastError = err.Error()
			acc.lastErrorTime = time.Now()
		} else {
			acc.healthy = true
			logger.Info("account ready", "account", name, "auth_method", manager.AuthMethod())
		}
		accounts = append(accounts, acc)
	}

	if len(accounts) == 0 {
		return nil, fmt.Errorf("no credential files matching %s in %s", CredentialFilePattern, dir)
	}
	return accounts, nil
}

// Select picks an account per the pool's strategy and counts the use.
func (p *Pool) Select(_ context.Context) (*Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	eligible := p.eligibleLocked()
	if len(eligible) == 0 {
		// All accounts down: offer everything rather than nothing, a
		// cooled-down account may have recovered.
		eligible = p.accounts
	}
	if len(eligible) == 0 {
		return nil, ErrNoHealthyAccounts
	}

	var selected *Account
	switch p.strategy {
	case StrategyRandom:
		selected = eligible[rand.Intn(len(eligible))]
	case StrategyLeastUsed:
		selected = eligible[0]
		for _, acc := range eligible[1:] {
			if acc.requests < selected.requests {
				selected = acc
			}
		}
	default: // round_robin
		selected = eligible[p.rrIndex%len(eligible)]
		p.rrIndex++
	}

	selected.requests++
	p.logger.Debug("selected account",
		"account", selected.Name,
		"strategy", p.strategy,
		"eligible", len(eligible),
	)
	return selected, nil
}

// eligibleLocked returns healthy accounts plus unhealthy ones whose
// cooldown has elapsed. Caller holds p.mu.
func (p *Pool) eligibleLocked() []*Account {
	var out []*Account
	now := time.Now()
	for _, acc := range p.accounts {
		if acc.healthy || now.Sub(acc.lastErrorTime) >= p.cooldown {
			out = append(out, acc)
		}
	}
	return out
}

// ReportFailure marks an account unhealthy after an upstream failure.
func (p *Pool) ReportFailure(acc *Account, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc.healthy = false
	acc.lastError = err.Error()
	acc.lastErrorTime = time.Now()
	p.logger.Warn("account marked unhealthy", "account", acc.Name, "error", err)
}

// ReportSuccess restores an account to healthy after a successful call.
func (p *Pool) ReportSuccess(acc *Account) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !acc.healthy {
		p.logger.Info("account recovered", "account", acc.Name)
	}
	acc.healthy = true
	acc.lastError = ""
}

// Size returns total and healthy account counts.
func (p *Pool) Size() (total, healthy int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	total = len(p.accounts)
	for _, acc := range p.accounts {
		if acc.healthy {
			healthy++
		}
	}
	return total, healthy
}

// AccountStats is one account's health snapshot for diagnostics.
type AccountStats struct {
	Name       string    `json:"name"`
	Healthy    bool      `json:"healthy"`
	Requests   int64     `json:"requests"`
	AuthMethod string    `json:"auth_method"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Stats returns a snapshot of every account's state.
func (p *Pool) Stats() []AccountStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]AccountStats, 0, len(p.accounts))
	for _, acc := range p.accounts {
		out = append(out, AccountStats{
			Name:       acc.Name,
			Healthy:    acc.healthy,
			Requests:   acc.requests,
			AuthMethod: acc.Manager.AuthMethod(),
			ExpiresAt:  acc.Manager.Expiry(),
			LastError:  acc.lastError,
		})
	}
	return out
}
