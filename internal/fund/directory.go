package fund

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-funds/internal/config"
	"github.com/ksred/klear-funds/internal/types"
)

// Fund is the narrow view of a fund the trading venue needs
type Fund struct {
	ID              string
	TokenRef        string
	PaymentTokenRef string
	MinInvestment   decimal.Decimal
	Active          bool
}

// Directory resolves funds and investor wallets owned by external services
type Directory interface {
	ResolveFund(ctx context.Context, fundID string) (*Fund, error)
	ResolveWallet(ctx context.Context, userID string) (string, error)
}

// StaticDirectory serves funds and wallets from configuration
type StaticDirectory struct {
	mu      sync.RWMutex
	funds   map[string]*Fund
	wallets map[string]string
}

func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		funds:   make(map[string]*Fund),
		wallets: make(map[string]string),
	}
}

// NewStaticDirectoryFromConfig loads the configured funds and wallets
func NewStaticDirectoryFromConfig(cfg *config.Config) (*StaticDirectory, error) {
	d := NewStaticDirectory()
	for _, f := range cfg.Funds {
		minInvestment := decimal.Zero
		if f.MinInvestment != "" {
			v, err := decimal.NewFromString(f.MinInvestment)
			if err != nil {
				return nil, fmt.Errorf("fund %s: invalid min_investment: %w", f.ID, err)
			}
			minInvestment = v
		}
		active := true
		if f.Active != nil {
			active = *f.Active
		}
		d.AddFund(Fund{
			ID:              f.ID,
			TokenRef:        f.TokenRef,
			PaymentTokenRef: f.PaymentTokenRef,
			MinInvestment:   minInvestment,
			Active:          active,
		})
	}
	for user, wallet := range cfg.Wallets {
		if !types.ValidWalletRef(wallet) {
			return nil, fmt.Errorf("wallet for %s is malformed: %q", user, wallet)
		}
		d.SetWallet(user, wallet)
	}
	return d, nil
}

func (d *StaticDirectory) AddFund(f Fund) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.funds[f.ID] = &f
}

func (d *StaticDirectory) SetWallet(userID, wallet string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wallets[userID] = wallet
}

func (d *StaticDirectory) ResolveFund(_ context.Context, fundID string) (*Fund, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.funds[fundID]
	if !ok {
		return nil, types.NotFoundf("fund %s", fundID)
	}
	out := *f
	return &out, nil
}

func (d *StaticDirectory) ResolveWallet(_ context.Context, userID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	w, ok := d.wallets[userID]
	if !ok {
		return "", types.NotFoundf("wallet for user %s", userID)
	}
	return w, nil
}
