package bankxledger

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=repository.go -destination=mocks/mock_repository.go -package=mocks

// Repository is the ledger store. Lists are ordered by creation time,
// newest first.
type Repository interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id snowflake.ID) (*Account, error)
	ListAccountsByUser(ctx context.Context, userID string) ([]Account, error)
	ListAccountsWithStats(ctx context.Context, userID string) ([]AccountWithStats, error)
	// UpdateAccount sets the name and type of an account and returns it. An
	// empty name or type keeps the stored value.
	UpdateAccount(ctx context.Context, id snowflake.ID, name string, typ AccountType) (*Account, error)
	DeleteAccount(ctx context.Context, id snowflake.ID) error
	GetTransaction(ctx context.Context, id snowflake.ID) (*Transaction, error)
	ListTransactionsByAccount(ctx context.Context, id snowflake.ID) ([]Transaction, error)
	ListTransactions(ctx context.Context, limit int) ([]Transaction, error)
	ListTransactionDetails(ctx context.Context, limit int) ([]TransactionDetails, error)
	Counts(ctx context.Context, q StatsQuery) (*Counts, error)
	// WithTransaction runs fn in an atomic unit. Writes made through the
	// LedgerTx are committed only if fn returns nil. fn receives the context
	// bounding the unit and must use it for every call on the LedgerTx.
	WithTransaction(ctx context.Context, fn func(context.Context, LedgerTx) error) error
	Close()
}

// LedgerTx is the view of the store inside an atomic unit.
type LedgerTx interface {
	// LockAccounts locks the given account rows until the unit ends and
	// returns the ones that exist. Rows are locked in ascending id order.
	LockAccounts(ctx context.Context, ids ...snowflake.ID) (map[snowflake.ID]*Account, error)
	TransactionByKey(ctx context.Context, key string) (*Transaction, error)
	InsertTransaction(ctx context.Context, txn *Transaction) error
	UpdateBalance(ctx context.Context, id snowflake.ID, balance decimal.Decimal) error
}

// StatsQuery scopes Counts. A zero Since or Until leaves that side of the
// creation time window open. An empty UserID counts globally.
type StatsQuery struct {
	UserID string
	Since  time.Time
	Until  time.Time
}

// Counts are raw figures for the dashboard. Users is the number of distinct
// owners whose first account was created inside the window; it is never
// scoped by UserID.
type Counts struct {
	Accounts         int64
	Deposits         int64
	Withdrawals      int64
	Users            int64
	DepositVolume    decimal.Decimal
	WithdrawalVolume decimal.Decimal
}

func (q StatsQuery) contains(t time.Time) bool {
	if !q.Since.IsZero() && t.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !t.Before(q.Until) {
		return false
	}
	return true
}
