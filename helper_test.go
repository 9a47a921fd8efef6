package bankxledger_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arhyth/bankxledger"
)

func TestSeed(t *testing.T) {
	as := assert.New(t)
	ctx := context.Background()
	log := zerolog.Nop()

	sf, err := bankxledger.LoadSeedFile(filepath.Join("testdata", "seed.yaml"))
	require.NoError(t, err)
	svc := newTestService(t, bankxledger.NewMemoryStore(0))
	lh := bankxledger.NewLocalHelper("", svc, &log)

	accts, err := lh.Seed(ctx, sf)
	require.NoError(t, err)
	as.Len(accts, 3)

	want := map[string]string{
		"alice-savings": "0.00",
		"bob-checking":  "60.00",
		"bob-business":  "2512.34",
	}
	for ref, bal := range want {
		acct, err := svc.Balance(ctx, bankxledger.BalanceReq{AcctID: accts[ref].ID})
		require.NoError(t, err)
		as.Equal(bal, acct.Balance.StringFixed(2), ref)
	}
	as.Equal("1001-0001", accts["alice-savings"].Number)

	t.Run("unknown account ref", func(tt *testing.T) {
		bad := &bankxledger.SeedFile{
			Transactions: []bankxledger.SeedTxn{
				{Source: "ghost", Type: bankxledger.TxnDeposit, Amount: "1.00"},
			},
		}
		_, err := lh.Seed(ctx, bad)
		assert.ErrorContains(tt, err, "ghost")
	})
}
