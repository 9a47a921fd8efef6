package bankxledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/semaphore"

	"github.com/arhyth/bankxledger"
	"github.com/arhyth/bankxledger/mocks"
)

func TestValidationMWCreateAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("returns an error on a non-supported account type", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)

		acct, err := v.CreateAccount(ctx, bankxledger.CreateAccountReq{
			UserID: "user-1",
			Name:   "Pension",
			Type:   "pension",
		})
		as.Nil(acct)
		var br bankxledger.ErrBadRequest
		as.ErrorAs(err, &br)
		as.Contains(br.Fields, "accountType")
	})

	t.Run("returns an error on a negative or sub-cent initial deposit", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)

		for _, amt := range []string{"-1.00", "0.001"} {
			_, err := v.CreateAccount(ctx, bankxledger.CreateAccountReq{
				UserID:         "user-1",
				Name:           "Main",
				Type:           bankxledger.AcctChecking,
				InitialDeposit: decimal.RequireFromString(amt),
			})
			var br bankxledger.ErrBadRequest
			as.ErrorAs(err, &br)
			as.Contains(br.Fields, "initialDeposit")
		}
	})

	t.Run("accepts fixed-deposit and rejects the underscore spelling", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)
		ok := bankxledger.CreateAccountReq{UserID: "user-1", Name: "Term", Type: "fixed-deposit"}
		svc.EXPECT().
			CreateAccount(gomock.Any(), ok).
			Return(&bankxledger.Account{Type: bankxledger.AcctFixedDeposit}, nil)

		_, err := v.CreateAccount(ctx, ok)
		as.NoError(err)
		_, err = v.CreateAccount(ctx, bankxledger.CreateAccountReq{UserID: "user-1", Name: "Term", Type: "fixed_deposit"})
		as.ErrorAs(err, &bankxledger.ErrBadRequest{})
	})

	t.Run("passes a valid request through", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)
		req := bankxledger.CreateAccountReq{
			UserID: "user-1",
			Name:   "Main",
			Type:   bankxledger.AcctChecking,
		}
		svc.EXPECT().
			CreateAccount(gomock.Any(), req).
			Return(&bankxledger.Account{UserID: "user-1"}, nil)
		_, err := v.CreateAccount(ctx, req)
		assert.NoError(tt, err)
	})
}

func TestValidationMWPost(t *testing.T) {
	ctx := context.Background()
	acctID := snowflake.ParseInt64(7241722241547767808)

	t.Run("returns error on non-existent account", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)
		repo.EXPECT().
			GetAccount(gomock.Any(), acctID).
			Return(nil, &bankxledger.LedgerError{Kind: bankxledger.KindAccountNotFound, AcctID: acctID})

		req := withdrawal(acctID, "1.00")
		req.UserID = "user-1"
		txn, err := v.Post(ctx, req)
		as.Nil(txn)
		as.Equal(bankxledger.KindAccountNotFound, bankxledger.KindOf(err))
	})

	t.Run("returns error on another user's account", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)
		repo.EXPECT().
			GetAccount(gomock.Any(), acctID).
			Return(&bankxledger.Account{ID: acctID, UserID: "owner"}, nil)

		req := withdrawal(acctID, "1.00")
		req.UserID = "intruder"
		txn, err := v.Post(ctx, req)
		as.Nil(txn)
		as.Equal(bankxledger.KindForbidden, bankxledger.KindOf(err))
	})

	t.Run("leaves insufficient funds to the poster", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)
		repo.EXPECT().
			GetAccount(gomock.Any(), acctID).
			Return(&bankxledger.Account{ID: acctID, UserID: "owner", Balance: decimal.Zero}, nil)
		req := withdrawal(acctID, "1.00")
		req.UserID = "owner"
		svc.EXPECT().
			Post(gomock.Any(), req).
			Return(nil, &bankxledger.LedgerError{Kind: bankxledger.KindInsufficientFunds})

		_, err := v.Post(ctx, req)
		as.Equal(bankxledger.KindInsufficientFunds, bankxledger.KindOf(err))
	})

	t.Run("rejects out of range list limits", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)

		_, err := v.Transactions(ctx, bankxledger.TransactionsReq{Limit: -1})
		assert.ErrorAs(tt, err, &bankxledger.ErrBadRequest{})
		_, err = v.TransactionDetails(ctx, 5000)
		assert.ErrorAs(tt, err, &bankxledger.ErrBadRequest{})
	})
}

func TestValidationMWUpdateAccount(t *testing.T) {
	ctx := context.Background()
	acctID := snowflake.ParseInt64(7241722241547767808)

	t.Run("requires a name or a type", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)

		_, err := v.UpdateAccount(ctx, bankxledger.UpdateAccountReq{AcctID: acctID, UserID: "owner", Name: "  "})
		var br bankxledger.ErrBadRequest
		as.ErrorAs(err, &br)
		as.Contains(br.Fields, "name")

		_, err = v.UpdateAccount(ctx, bankxledger.UpdateAccountReq{AcctID: acctID, UserID: "owner", Type: "pension"})
		as.ErrorAs(err, &br)
		as.Contains(br.Fields, "accountType")
	})

	t.Run("returns error on another user's account", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)
		repo.EXPECT().
			GetAccount(gomock.Any(), acctID).
			Return(&bankxledger.Account{ID: acctID, UserID: "owner"}, nil)

		_, err := v.UpdateAccount(ctx, bankxledger.UpdateAccountReq{AcctID: acctID, UserID: "intruder", Name: "Mine"})
		assert.Equal(tt, bankxledger.KindForbidden, bankxledger.KindOf(err))
	})

	t.Run("passes the owner's request through", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)
		req := bankxledger.UpdateAccountReq{AcctID: acctID, UserID: "owner", Type: bankxledger.AcctBusiness}
		repo.EXPECT().
			GetAccount(gomock.Any(), acctID).
			Return(&bankxledger.Account{ID: acctID, UserID: "owner"}, nil)
		svc.EXPECT().
			UpdateAccount(gomock.Any(), req).
			Return(&bankxledger.Account{ID: acctID, Type: bankxledger.AcctBusiness}, nil)

		acct, err := v.UpdateAccount(ctx, req)
		assert.NoError(tt, err)
		assert.Equal(tt, bankxledger.AcctBusiness, acct.Type)
	})
}

func TestValidationMWTransactionReads(t *testing.T) {
	ctx := context.Background()
	src := snowflake.ParseInt64(7241722241547767808)
	dst := snowflake.ParseInt64(7241722241547767809)
	txnID := snowflake.ParseInt64(7241722241547767900)
	xfer := &bankxledger.Transaction{ID: txnID, AcctID: src, Type: bankxledger.TxnTransfer, DestAcctID: &dst}

	t.Run("the destination owner may read a transfer", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)
		req := bankxledger.TransactionReq{TxnID: txnID, UserID: "payee"}
		repo.EXPECT().GetTransaction(gomock.Any(), txnID).Return(xfer, nil)
		repo.EXPECT().GetAccount(gomock.Any(), src).Return(&bankxledger.Account{ID: src, UserID: "payer"}, nil)
		repo.EXPECT().GetAccount(gomock.Any(), dst).Return(&bankxledger.Account{ID: dst, UserID: "payee"}, nil)
		svc.EXPECT().Transaction(gomock.Any(), req).Return(xfer, nil)

		txn, err := v.Transaction(ctx, req)
		assert.NoError(tt, err)
		assert.Equal(tt, txnID, txn.ID)
	})

	t.Run("a third user may not read a transaction", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)
		repo.EXPECT().GetTransaction(gomock.Any(), txnID).Return(xfer, nil)
		repo.EXPECT().GetAccount(gomock.Any(), src).Return(&bankxledger.Account{ID: src, UserID: "payer"}, nil)
		repo.EXPECT().GetAccount(gomock.Any(), dst).Return(&bankxledger.Account{ID: dst, UserID: "payee"}, nil)

		txn, err := v.Transaction(ctx, bankxledger.TransactionReq{TxnID: txnID, UserID: "stranger"})
		assert.Nil(tt, txn)
		assert.Equal(tt, bankxledger.KindForbidden, bankxledger.KindOf(err))
	})

	t.Run("unknown transaction is not found", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)
		repo.EXPECT().GetTransaction(gomock.Any(), txnID).Return(nil, bankxledger.ErrNotFound{ID: txnID.Int64()})

		_, err := v.Transaction(ctx, bankxledger.TransactionReq{TxnID: txnID, UserID: "payer"})
		assert.ErrorAs(tt, err, &bankxledger.ErrNotFound{})
	})

	t.Run("listing another user's account is forbidden", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		v := bankxledger.NewValidationMiddleware(repo)(svc)
		repo.EXPECT().GetAccount(gomock.Any(), src).Return(&bankxledger.Account{ID: src, UserID: "payer"}, nil)

		_, err := v.Transactions(ctx, bankxledger.TransactionsReq{AcctID: &src, UserID: "stranger"})
		assert.Equal(tt, bankxledger.KindForbidden, bankxledger.KindOf(err))
	})
}

func TestLimitMW(t *testing.T) {
	ctx := context.Background()

	t.Run("sheds load when the write semaphore is exhausted", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		limits := &bankxledger.ServiceLimits{
			Write:     semaphore.NewWeighted(1),
			Read:      semaphore.NewWeighted(1),
			Statement: semaphore.NewWeighted(1),
			Timeout:   10 * time.Millisecond,
		}
		l := bankxledger.NewLimitMiddleware(limits)(svc)
		as.True(limits.Write.TryAcquire(1))

		_, err := l.Post(ctx, withdrawal(snowflake.ParseInt64(1), "1.00"))
		as.Equal(bankxledger.KindStoreUnavailable, bankxledger.KindOf(err))
		as.True(bankxledger.Retryable(err))

		// reads use their own budget
		svc.EXPECT().
			Balance(gomock.Any(), gomock.Any()).
			Return(&bankxledger.Account{}, nil)
		_, err = l.Balance(ctx, bankxledger.BalanceReq{})
		as.NoError(err)
	})
}

func TestCircuitBreakMW(t *testing.T) {
	ctx := context.Background()
	log := zerolog.Nop()
	cfg := &bankxledger.Config{}
	cfg.Breaker.MaxRequests = 1
	cfg.Breaker.Timeout = time.Minute
	cfg.Breaker.ConsecutiveFailures = 2

	t.Run("opens after consecutive store failures", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		cb := bankxledger.NewCircuitBreakMiddleware(bankxledger.NewServiceBreaker(cfg, &log))(svc)
		svc.EXPECT().
			Post(gomock.Any(), gomock.Any()).
			Return(nil, &bankxledger.LedgerError{Kind: bankxledger.KindStoreUnavailable}).
			Times(2)

		req := withdrawal(snowflake.ParseInt64(1), "1.00")
		for i := 0; i < 3; i++ {
			_, err := cb.Post(ctx, req)
			as.Equal(bankxledger.KindStoreUnavailable, bankxledger.KindOf(err))
		}
	})

	t.Run("business rejections do not trip the breaker", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		cb := bankxledger.NewCircuitBreakMiddleware(bankxledger.NewServiceBreaker(cfg, &log))(svc)
		svc.EXPECT().
			Post(gomock.Any(), gomock.Any()).
			Return(nil, &bankxledger.LedgerError{Kind: bankxledger.KindInsufficientFunds}).
			Times(4)

		req := withdrawal(snowflake.ParseInt64(1), "1.00")
		for i := 0; i < 4; i++ {
			_, err := cb.Post(ctx, req)
			as.Equal(bankxledger.KindInsufficientFunds, bankxledger.KindOf(err))
		}
	})

	t.Run("reads and writes trip independently", func(tt *testing.T) {
		as := assert.New(tt)
		ctrl := gomock.NewController(tt)
		svc := mocks.NewMockService(ctrl)
		cb := bankxledger.NewCircuitBreakMiddleware(bankxledger.NewServiceBreaker(cfg, &log))(svc)
		svc.EXPECT().
			Post(gomock.Any(), gomock.Any()).
			Return(nil, &bankxledger.LedgerError{Kind: bankxledger.KindInternal}).
			Times(2)
		svc.EXPECT().
			DashboardStats(gomock.Any(), "").
			Return(&bankxledger.DashboardStats{}, nil)

		req := withdrawal(snowflake.ParseInt64(1), "1.00")
		for i := 0; i < 2; i++ {
			cb.Post(ctx, req)
		}
		_, err := cb.DashboardStats(ctx, "")
		as.NoError(err)
	})
}

func TestChain(t *testing.T) {
	t.Run("logging wraps a rejected request", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		svc := mocks.NewMockService(ctrl)
		log := zerolog.Nop()
		chained := bankxledger.Chain(svc,
			bankxledger.NewLoggingMiddleware(&log),
			bankxledger.NewValidationMiddleware(repo),
		)
		_, err := chained.Accounts(context.Background(), "")
		assert.ErrorAs(tt, err, &bankxledger.ErrBadRequest{})
	})
}
