package bankxledger_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arhyth/bankxledger"
)

func TestLoadConfig(t *testing.T) {
	write := func(tb testing.TB, body string) string {
		path := filepath.Join(tb.TempDir(), "config.yml")
		require.NoError(tb, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	t.Run("fills defaults for unset values", func(tt *testing.T) {
		as := assert.New(tt)
		cfg, err := bankxledger.LoadConfig(write(tt, "database:\n  conn_str: postgres://localhost/bankx\n"))
		require.NoError(tt, err)
		as.Equal("postgres://localhost/bankx", cfg.Database.ConnectionString)
		as.EqualValues(1, cfg.NodeID)
		as.Equal(5*time.Second, cfg.Database.OpTimeout)
		as.Equal(":3000", cfg.Server.Addr)
		as.Equal(720*time.Hour, cfg.Dashboard.GrowthWindow)
		as.EqualValues(5, cfg.Breaker.ConsecutiveFailures)
		as.Equal("info", cfg.Log.Level)
	})

	t.Run("reads durations and limits", func(tt *testing.T) {
		as := assert.New(tt)
		cfg, err := bankxledger.LoadConfig(write(tt, `
node_id: 12
database:
  op_timeout: 750ms
limits:
  post: 8
  acquire_timeout: 2s
dashboard:
  growth_window: 168h
`))
		require.NoError(tt, err)
		as.EqualValues(12, cfg.NodeID)
		as.Equal(750*time.Millisecond, cfg.Database.OpTimeout)
		as.EqualValues(8, cfg.Limits.Post)
		as.Equal(2*time.Second, cfg.Limits.AcquireTimeout)
		as.Equal(168*time.Hour, cfg.Dashboard.GrowthWindow)
	})

	t.Run("environment overrides the connection string", func(tt *testing.T) {
		tt.Setenv("BANKX_DB_CONN_STR", "postgres://override/bankx")
		cfg, err := bankxledger.LoadConfig(write(tt, "database:\n  conn_str: postgres://localhost/bankx\n"))
		require.NoError(tt, err)
		assert.Equal(tt, "postgres://override/bankx", cfg.Database.ConnectionString)
	})

	t.Run("missing file", func(tt *testing.T) {
		_, err := bankxledger.LoadConfig(filepath.Join(tt.TempDir(), "nope.yml"))
		assert.Error(tt, err)
	})

	t.Run("example config parses", func(tt *testing.T) {
		cfg, err := bankxledger.LoadConfig("config.yml")
		require.NoError(tt, err)
		assert.Equal(tt, 500*time.Millisecond, cfg.Limits.AcquireTimeout)
	})
}
