package bankxledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/arhyth/bankxledger"
	"github.com/arhyth/bankxledger/mocks"
)

func TestGrowth(t *testing.T) {
	cases := []struct {
		cur, prev int64
		want      string
	}{
		{0, 0, "0.00"},
		{5, 0, "100.00"},
		{2, 1, "100.00"},
		{1, 1, "0.00"},
		{3, 4, "-25.00"},
		{1, 3, "-66.67"},
		{4, 3, "33.33"},
		{0, 7, "-100.00"},
	}
	for _, c := range cases {
		got := bankxledger.Growth(c.cur, c.prev)
		assert.Equal(t, c.want, got.StringFixed(2), "cur=%d prev=%d", c.cur, c.prev)
	}
}

func TestAggregator(t *testing.T) {
	ctx := context.Background()
	log := zerolog.Nop()
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	day := 24 * time.Hour
	window := 30 * day

	store := bankxledger.NewMemoryStore(0)
	open := func(userID, number string, created time.Time) snowflake.ID {
		acct := &bankxledger.Account{
			ID:        node.Generate(),
			UserID:    userID,
			Number:    number,
			Name:      number,
			Type:      bankxledger.AcctSavings,
			Balance:   decimal.Zero,
			CreatedAt: created,
		}
		require.NoError(t, store.CreateAccount(ctx, acct))
		return acct.ID
	}
	a1 := open("user-a", "6000-0001", fixedNow.Add(-45*day))
	b1 := open("user-b", "6000-0002", fixedNow.Add(-5*day))
	a2 := open("user-a", "6000-0003", fixedNow.Add(-3*day))

	var clock time.Time
	poster := bankxledger.NewPoster(store, node, func() time.Time { return clock }, &log)
	post := func(at time.Time, req bankxledger.PostReq) {
		clock = at
		_, err := poster.Post(ctx, req)
		require.NoError(t, err)
	}
	deposit := func(acct snowflake.ID, amount string) bankxledger.PostReq {
		return bankxledger.PostReq{AcctID: acct, Type: bankxledger.TxnDeposit, Amount: decimal.RequireFromString(amount)}
	}
	post(fixedNow.Add(-40*day), deposit(a1, "100.00"))
	post(fixedNow.Add(-2*day), deposit(b1, "50.00"))
	post(fixedNow.Add(-day), deposit(a2, "25.00"))
	post(fixedNow.Add(-day), withdrawal(a1, "10.00"))
	post(fixedNow.Add(-day), transfer(a1, b1, "1.00"))

	agg := bankxledger.NewAggregator(store, window, func() time.Time { return fixedNow })

	t.Run("global stats compare the last two windows", func(tt *testing.T) {
		as := assert.New(tt)
		stats, err := agg.Stats(ctx, "")
		require.NoError(tt, err)
		as.EqualValues(3, stats.TotalAccounts)
		as.EqualValues(3, stats.TotalDeposits)
		as.EqualValues(1, stats.TotalWithdrawals)
		as.EqualValues(2, stats.ActiveUsers)
		as.Equal("175.00", stats.DepositVolume.StringFixed(2))
		as.Equal("10.00", stats.WithdrawalVolume.StringFixed(2))
		as.Equal("100.00", stats.AccountsGrowth.StringFixed(2))
		as.Equal("100.00", stats.DepositsGrowth.StringFixed(2))
		as.Equal("100.00", stats.WithdrawalsGrowth.StringFixed(2))
		as.Equal("0.00", stats.UsersGrowth.StringFixed(2))
	})

	t.Run("user stats keep active users global", func(tt *testing.T) {
		as := assert.New(tt)
		stats, err := agg.Stats(ctx, "user-a")
		require.NoError(tt, err)
		as.EqualValues(2, stats.TotalAccounts)
		as.EqualValues(2, stats.TotalDeposits)
		as.EqualValues(2, stats.ActiveUsers)
		as.Equal("125.00", stats.DepositVolume.StringFixed(2))
		as.Equal("0.00", stats.AccountsGrowth.StringFixed(2))
	})

	t.Run("money and growth are encoded as fixed point strings", func(tt *testing.T) {
		as := assert.New(tt)
		stats, err := agg.Stats(ctx, "")
		require.NoError(tt, err)
		bits, err := json.Marshal(stats)
		require.NoError(tt, err)
		var resp map[string]any
		require.NoError(tt, json.Unmarshal(bits, &resp))
		as.Equal("175.00", resp["depositVolume"])
		as.Equal("0.00", resp["usersGrowth"])
		as.EqualValues(3, resp["totalAccounts"])
	})

	t.Run("store errors are passed through", func(tt *testing.T) {
		ctrl := gomock.NewController(tt)
		repo := mocks.NewMockRepository(ctrl)
		unavailable := &bankxledger.LedgerError{Kind: bankxledger.KindStoreUnavailable, Err: errors.New("conn refused")}
		repo.EXPECT().
			Counts(gomock.Any(), bankxledger.StatsQuery{}).
			Return(nil, unavailable)
		agg := bankxledger.NewAggregator(repo, window, func() time.Time { return fixedNow })
		_, err := agg.Stats(ctx, "")
		assert.Equal(tt, bankxledger.KindStoreUnavailable, bankxledger.KindOf(err))
	})
}
