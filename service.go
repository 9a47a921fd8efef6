package bankxledger

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

//go:generate mockgen -source=service.go -destination=mocks/mock_service.go -package=mocks

const acctNumberAttempts = 5

var errDuplicateAcctNumber = errors.New("account number already in use")

type CreateAccountReq struct {
	UserID         string          `json:"userId"`
	Name           string          `json:"name"`
	Type           AccountType     `json:"accountType"`
	Number         string          `json:"accountNumber,omitempty"`
	InitialDeposit decimal.Decimal `json:"initialDeposit"`
}

type BalanceReq struct {
	AcctID snowflake.ID
	UserID string
}

type StatementReq struct {
	AcctID snowflake.ID
	UserID string
}

// UpdateAccountReq renames an account or changes its type. Empty fields keep
// their current value.
type UpdateAccountReq struct {
	AcctID snowflake.ID `json:"-"`
	UserID string       `json:"-"`
	Name   string       `json:"name,omitempty"`
	Type   AccountType  `json:"accountType,omitempty"`
}

type DeleteAccountReq struct {
	AcctID snowflake.ID
	UserID string
}

type TransactionReq struct {
	TxnID  snowflake.ID
	UserID string
}

// TransactionsReq lists the transactions of one account when AcctID is set,
// otherwise the most recent Limit transactions of the whole ledger.
type TransactionsReq struct {
	AcctID *snowflake.ID
	UserID string
	Limit  int
}

type Service interface {
	CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error)
	Post(ctx context.Context, req PostReq) (*Transaction, error)
	Balance(ctx context.Context, req BalanceReq) (*Account, error)
	Accounts(ctx context.Context, userID string) ([]AccountWithStats, error)
	UpdateAccount(ctx context.Context, req UpdateAccountReq) (*Account, error)
	DeleteAccount(ctx context.Context, req DeleteAccountReq) error
	Transaction(ctx context.Context, req TransactionReq) (*Transaction, error)
	Transactions(ctx context.Context, req TransactionsReq) ([]Transaction, error)
	TransactionDetails(ctx context.Context, limit int) ([]TransactionDetails, error)
	Statement(ctx context.Context, w io.Writer, req StatementReq) error
	DashboardStats(ctx context.Context, userID string) (*DashboardStats, error)
}

type ServiceOpts struct {
	GrowthWindow time.Duration
	Now          func() time.Time
}

func NewService(repo Repository, node *snowflake.Node, opts ServiceOpts, log *zerolog.Logger) *serviceImpl {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &serviceImpl{
		repo:   repo,
		poster: NewPoster(repo, node, opts.Now, log),
		agg:    NewAggregator(repo, opts.GrowthWindow, opts.Now),
		node:   node,
		now:    opts.Now,
		log:    log,
	}
}

var (
	_ Service = (*serviceImpl)(nil)
)

type serviceImpl struct {
	repo   Repository
	poster *Poster
	agg    *Aggregator
	node   *snowflake.Node
	now    func() time.Time
	log    *zerolog.Logger
}

func (s *serviceImpl) CreateAccount(ctx context.Context, req CreateAccountReq) (*Account, error) {
	acct := &Account{
		ID:        s.node.Generate(),
		UserID:    req.UserID,
		Number:    strings.TrimSpace(req.Number),
		Name:      req.Name,
		Type:      req.Type,
		Balance:   req.InitialDeposit,
		CreatedAt: s.now().UTC(),
	}
	if acct.Number != "" {
		err := s.repo.CreateAccount(ctx, acct)
		if errors.Is(err, errDuplicateAcctNumber) {
			return nil, ErrBadRequest{Fields: map[string]string{"accountNumber": "already in use"}}
		}
		if err != nil {
			return nil, err
		}
		return acct, nil
	}

	for i := 0; i < acctNumberAttempts; i++ {
		acct.Number = formatAcctNumber(1000+rand.Intn(9000), 1000+rand.Intn(9000))
		err := s.repo.CreateAccount(ctx, acct)
		if errors.Is(err, errDuplicateAcctNumber) {
			s.log.Warn().Str("number", acct.Number).Msg("generated account number collided")
			continue
		}
		if err != nil {
			return nil, err
		}
		return acct, nil
	}
	return nil, errInternal(errDuplicateAcctNumber)
}

func (s *serviceImpl) Post(ctx context.Context, req PostReq) (*Transaction, error) {
	return s.poster.Post(ctx, req)
}

func (s *serviceImpl) Balance(ctx context.Context, req BalanceReq) (*Account, error) {
	return s.repo.GetAccount(ctx, req.AcctID)
}

func (s *serviceImpl) Accounts(ctx context.Context, userID string) ([]AccountWithStats, error) {
	return s.repo.ListAccountsWithStats(ctx, userID)
}

func (s *serviceImpl) UpdateAccount(ctx context.Context, req UpdateAccountReq) (*Account, error) {
	return s.repo.UpdateAccount(ctx, req.AcctID, strings.TrimSpace(req.Name), req.Type)
}

func (s *serviceImpl) DeleteAccount(ctx context.Context, req DeleteAccountReq) error {
	return s.repo.DeleteAccount(ctx, req.AcctID)
}

func (s *serviceImpl) Transaction(ctx context.Context, req TransactionReq) (*Transaction, error) {
	return s.repo.GetTransaction(ctx, req.TxnID)
}

func (s *serviceImpl) Transactions(ctx context.Context, req TransactionsReq) ([]Transaction, error) {
	if req.AcctID != nil {
		if _, err := s.repo.GetAccount(ctx, *req.AcctID); err != nil {
			return nil, err
		}
		return s.repo.ListTransactionsByAccount(ctx, *req.AcctID)
	}
	return s.repo.ListTransactions(ctx, req.Limit)
}

func (s *serviceImpl) TransactionDetails(ctx context.Context, limit int) ([]TransactionDetails, error) {
	return s.repo.ListTransactionDetails(ctx, limit)
}

func (s *serviceImpl) Statement(ctx context.Context, w io.Writer, req StatementReq) error {
	acct, err := s.repo.GetAccount(ctx, req.AcctID)
	if err != nil {
		return err
	}
	txns, err := s.repo.ListTransactionsByAccount(ctx, req.AcctID)
	if err != nil {
		return err
	}
	return writeStatement(w, acct, txns, s.now())
}

func (s *serviceImpl) DashboardStats(ctx context.Context, userID string) (*DashboardStats, error) {
	return s.agg.Stats(ctx, userID)
}
