package bankxledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// DashboardStats summarizes the ledger. Counts are scoped to one user's
// accounts when the stats were requested for a user, except ActiveUsers which
// always counts every account owner. Growth figures are percentages comparing
// the current window with the one before it.
type DashboardStats struct {
	TotalAccounts     int64
	TotalDeposits     int64
	TotalWithdrawals  int64
	ActiveUsers       int64
	DepositVolume     decimal.Decimal
	WithdrawalVolume  decimal.Decimal
	AccountsGrowth    decimal.Decimal
	DepositsGrowth    decimal.Decimal
	WithdrawalsGrowth decimal.Decimal
	UsersGrowth       decimal.Decimal
}

func (s DashboardStats) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TotalAccounts     int64  `json:"totalAccounts"`
		TotalDeposits     int64  `json:"totalDeposits"`
		TotalWithdrawals  int64  `json:"totalWithdrawals"`
		ActiveUsers       int64  `json:"activeUsers"`
		DepositVolume     string `json:"depositVolume"`
		WithdrawalVolume  string `json:"withdrawalVolume"`
		AccountsGrowth    string `json:"accountsGrowth"`
		DepositsGrowth    string `json:"depositsGrowth"`
		WithdrawalsGrowth string `json:"withdrawalsGrowth"`
		UsersGrowth       string `json:"usersGrowth"`
	}{
		TotalAccounts:     s.TotalAccounts,
		TotalDeposits:     s.TotalDeposits,
		TotalWithdrawals:  s.TotalWithdrawals,
		ActiveUsers:       s.ActiveUsers,
		DepositVolume:     s.DepositVolume.StringFixed(2),
		WithdrawalVolume:  s.WithdrawalVolume.StringFixed(2),
		AccountsGrowth:    s.AccountsGrowth.StringFixed(2),
		DepositsGrowth:    s.DepositsGrowth.StringFixed(2),
		WithdrawalsGrowth: s.WithdrawalsGrowth.StringFixed(2),
		UsersGrowth:       s.UsersGrowth.StringFixed(2),
	})
}

type Aggregator struct {
	repo   Repository
	window time.Duration
	now    func() time.Time
}

func NewAggregator(repo Repository, window time.Duration, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		repo:   repo,
		window: window,
		now:    now,
	}
}

func (a *Aggregator) Stats(ctx context.Context, userID string) (*DashboardStats, error) {
	total, err := a.repo.Counts(ctx, StatsQuery{UserID: userID})
	if err != nil {
		return nil, err
	}

	now := a.now().UTC()
	cur, err := a.repo.Counts(ctx, StatsQuery{
		UserID: userID,
		Since:  now.Add(-a.window),
		Until:  now,
	})
	if err != nil {
		return nil, err
	}
	prev, err := a.repo.Counts(ctx, StatsQuery{
		UserID: userID,
		Since:  now.Add(-2 * a.window),
		Until:  now.Add(-a.window),
	})
	if err != nil {
		return nil, err
	}

	return &DashboardStats{
		TotalAccounts:     total.Accounts,
		TotalDeposits:     total.Deposits,
		TotalWithdrawals:  total.Withdrawals,
		ActiveUsers:       total.Users,
		DepositVolume:     total.DepositVolume.Round(amountScale),
		WithdrawalVolume:  total.WithdrawalVolume.Round(amountScale),
		AccountsGrowth:    Growth(cur.Accounts, prev.Accounts),
		DepositsGrowth:    Growth(cur.Deposits, prev.Deposits),
		WithdrawalsGrowth: Growth(cur.Withdrawals, prev.Withdrawals),
		UsersGrowth:       Growth(cur.Users, prev.Users),
	}, nil
}

var hundred = decimal.NewFromInt(100)

// Growth is the percentage change from prev to cur, rounded to two places. An
// empty previous window yields 0 when nothing happened now either, else 100.
func Growth(cur, prev int64) decimal.Decimal {
	if prev == 0 {
		if cur == 0 {
			return decimal.Zero
		}
		return hundred
	}
	delta := decimal.NewFromInt(cur - prev)
	return delta.Mul(hundred).DivRound(decimal.NewFromInt(prev), amountScale)
}
