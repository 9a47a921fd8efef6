package bankxledger_test

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/arhyth/bankxledger"
)

func acctWith(id int64, balance string) *bankxledger.Account {
	return &bankxledger.Account{
		ID:      snowflake.ParseInt64(id),
		UserID:  "user-1",
		Balance: decimal.RequireFromString(balance),
	}
}

func TestValidAmount(t *testing.T) {
	cases := map[string]bool{
		"0.01":    true,
		"12.34":   true,
		"100":     true,
		"0":       false,
		"-5.00":   false,
		"1.234":   false,
		"0.001":   false,
		"12.3400": true,
	}
	for in, want := range cases {
		t.Run(in, func(tt *testing.T) {
			assert.Equal(tt, want, bankxledger.ValidAmount(decimal.RequireFromString(in)))
		})
	}
}

func TestValidate(t *testing.T) {
	srcID := int64(7241722241547767808)
	dstID := int64(7241722241547767809)
	dest := snowflake.ParseInt64(dstID)

	t.Run("accepts a covered withdrawal", func(tt *testing.T) {
		req := bankxledger.PostReq{
			AcctID: snowflake.ParseInt64(srcID),
			Type:   bankxledger.TxnWithdrawal,
			Amount: decimal.RequireFromString("40.00"),
		}
		assert.NoError(tt, bankxledger.Validate(req, acctWith(srcID, "100.00"), nil))
	})

	t.Run("accepts a withdrawal of the whole balance", func(tt *testing.T) {
		req := bankxledger.PostReq{
			AcctID: snowflake.ParseInt64(srcID),
			Type:   bankxledger.TxnWithdrawal,
			Amount: decimal.RequireFromString("100.00"),
		}
		assert.NoError(tt, bankxledger.Validate(req, acctWith(srcID, "100.00"), nil))
	})

	t.Run("deposits ignore the balance", func(tt *testing.T) {
		req := bankxledger.PostReq{
			AcctID: snowflake.ParseInt64(srcID),
			Type:   bankxledger.TxnDeposit,
			Amount: decimal.RequireFromString("500.00"),
		}
		assert.NoError(tt, bankxledger.Validate(req, acctWith(srcID, "0.00"), nil))
	})

	t.Run("missing source wins over an invalid amount", func(tt *testing.T) {
		as := assert.New(tt)
		req := bankxledger.PostReq{
			AcctID: snowflake.ParseInt64(srcID),
			Type:   bankxledger.TxnWithdrawal,
			Amount: decimal.RequireFromString("-1"),
		}
		err := bankxledger.Validate(req, nil, nil)
		as.Equal(bankxledger.KindAccountNotFound, bankxledger.KindOf(err))
		as.Contains(err.Error(), "7241722241547767808")
	})

	t.Run("invalid amount wins over a missing destination", func(tt *testing.T) {
		req := bankxledger.PostReq{
			AcctID:     snowflake.ParseInt64(srcID),
			Type:       bankxledger.TxnTransfer,
			Amount:     decimal.RequireFromString("1.005"),
			DestAcctID: &dest,
		}
		err := bankxledger.Validate(req, acctWith(srcID, "100.00"), nil)
		assert.Equal(tt, bankxledger.KindInvalidAmount, bankxledger.KindOf(err))
	})

	t.Run("missing destination is reported with its id", func(tt *testing.T) {
		as := assert.New(tt)
		req := bankxledger.PostReq{
			AcctID:     snowflake.ParseInt64(srcID),
			Type:       bankxledger.TxnTransfer,
			Amount:     decimal.RequireFromString("500.00"),
			DestAcctID: &dest,
		}
		err := bankxledger.Validate(req, acctWith(srcID, "1.00"), nil)
		as.Equal(bankxledger.KindAccountNotFound, bankxledger.KindOf(err))
		var le *bankxledger.LedgerError
		as.ErrorAs(err, &le)
		as.Equal(dest, le.AcctID)
	})

	t.Run("self transfer wins over insufficient funds", func(tt *testing.T) {
		self := snowflake.ParseInt64(srcID)
		src := acctWith(srcID, "1.00")
		req := bankxledger.PostReq{
			AcctID:     self,
			Type:       bankxledger.TxnTransfer,
			Amount:     decimal.RequireFromString("10.00"),
			DestAcctID: &self,
		}
		err := bankxledger.Validate(req, src, src)
		assert.Equal(tt, bankxledger.KindSelfTransfer, bankxledger.KindOf(err))
	})

	t.Run("transfer without destination is an invalid request", func(tt *testing.T) {
		req := bankxledger.PostReq{
			AcctID: snowflake.ParseInt64(srcID),
			Type:   bankxledger.TxnTransfer,
			Amount: decimal.RequireFromString("10.00"),
		}
		err := bankxledger.Validate(req, acctWith(srcID, "100.00"), nil)
		assert.Equal(tt, bankxledger.KindInvalidRequest, bankxledger.KindOf(err))
	})

	t.Run("missing source wins over a missing destination field", func(tt *testing.T) {
		req := bankxledger.PostReq{
			AcctID: snowflake.ParseInt64(srcID),
			Type:   bankxledger.TxnTransfer,
			Amount: decimal.RequireFromString("1.00"),
		}
		err := bankxledger.Validate(req, nil, nil)
		assert.Equal(tt, bankxledger.KindAccountNotFound, bankxledger.KindOf(err))
	})

	t.Run("missing source wins over an unknown type", func(tt *testing.T) {
		req := bankxledger.PostReq{
			AcctID: snowflake.ParseInt64(srcID),
			Type:   "bogus",
			Amount: decimal.RequireFromString("1.00"),
		}
		err := bankxledger.Validate(req, nil, nil)
		assert.Equal(tt, bankxledger.KindAccountNotFound, bankxledger.KindOf(err))
	})

	t.Run("destination on a deposit is an invalid request", func(tt *testing.T) {
		as := assert.New(tt)
		req := bankxledger.PostReq{
			AcctID:     snowflake.ParseInt64(srcID),
			Type:       bankxledger.TxnDeposit,
			Amount:     decimal.RequireFromString("1.00"),
			DestAcctID: &dest,
		}
		err := bankxledger.Validate(req, acctWith(srcID, "0.00"), nil)
		as.Equal(bankxledger.KindInvalidRequest, bankxledger.KindOf(err))
		var br bankxledger.ErrBadRequest
		as.ErrorAs(err, &br)
		as.Contains(br.Fields, "destinationAccountId")
	})

	t.Run("insufficient funds reports balance and amount", func(tt *testing.T) {
		as := assert.New(tt)
		req := bankxledger.PostReq{
			AcctID:     snowflake.ParseInt64(srcID),
			Type:       bankxledger.TxnTransfer,
			Amount:     decimal.RequireFromString("10"),
			DestAcctID: &dest,
		}
		err := bankxledger.Validate(req, acctWith(srcID, "5"), acctWith(dstID, "0"))
		as.Equal(bankxledger.KindInsufficientFunds, bankxledger.KindOf(err))
		as.Contains(err.Error(), "balance 5.00")
		as.Contains(err.Error(), "requested 10.00")
		as.False(bankxledger.Retryable(err))
	})
}

func TestKindOf(t *testing.T) {
	as := assert.New(t)
	as.Equal(bankxledger.KindInvalidRequest, bankxledger.KindOf(bankxledger.ErrBadRequest{}))
	as.Equal(bankxledger.KindInternal, bankxledger.KindOf(bankxledger.ErrInternalServer))
	as.Equal("insufficient_funds", bankxledger.KindInsufficientFunds.String())
	as.Equal("idempotency_key_conflict", bankxledger.KindKeyConflict.String())
	as.True(bankxledger.Retryable(&bankxledger.LedgerError{Kind: bankxledger.KindStoreUnavailable}))
}
