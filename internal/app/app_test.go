package app

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rustyeddy/tradeguard/broker"
	"github.com/rustyeddy/tradeguard/config"
	"github.com/rustyeddy/tradeguard/leveling"
	"github.com/rustyeddy/tradeguard/model"
	"github.com/rustyeddy/tradeguard/trade"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig() *config.Config {
	cfg := config.Default()
	cfg.Ledger.Driver, cfg.Ledger.Path = "memory", ""
	cfg.Sync.PollInterval = "10ms"
	cfg.Protected.KeywordHashEnv = "TG_APP_TEST_UNSET_HASH"
	return cfg
}

func TestNewWiresComponents(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	a, err := New(memoryConfig(), &out)
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	_, err = a.Trades.OpenAccount(ctx, trade.AccountRequest{
		ID:      "acct_app",
		Rules:   model.RiskRules{MaxRiskPerTradePct: decimal.NewFromInt(1), MaxMonthlyRiskPct: decimal.NewFromInt(3)},
		Level:   2,
		Deposit: decimal.NewFromInt(5000),
	})
	require.NoError(t, err)

	_, err = a.Levels.ApplyManual(ctx, leveling.ManualRequest{
		AccountID: "acct_app", Target: 3, Reason: "r", Trigger: leveling.TriggerRiskReview, Keyword: "anything",
	})
	assert.ErrorIs(t, err, model.ErrUnauthorized, "no keyword hash configured")
}

func TestNewSQLite(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"sqlite3", "sqlite"} {
		cfg := memoryConfig()
		cfg.Ledger.Driver = driver
		cfg.Ledger.Path = filepath.Join(t.TempDir(), driver+".db")
		a, err := New(cfg, io.Discard)
		require.NoError(t, err, driver)
		require.NoError(t, a.Close())
	}
}

func TestVenueSurvivesRestart(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig()
	cfg.Ledger.Driver = "sqlite"
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	a, err := New(cfg, io.Discard)
	require.NoError(t, err)
	ext, err := a.Venue.Submit(ctx, broker.OrderRequest{
		AccountID: "acct_v", ClientOrderID: "ord_1", Symbol: "ACME", Side: model.Long,
		Kind: model.OrderEntry, Price: decimal.NewFromInt(50), Quantity: decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	require.NoError(t, a.Close())
	assert.FileExists(t, cfg.Ledger.Path+".venue.json")

	// A later command, such as sync run, sees the same venue.
	b, err := New(cfg, io.Discard)
	require.NoError(t, err)
	defer b.Close()
	got, ok := b.Venue.ExternalID("ord_1")
	require.True(t, ok)
	assert.Equal(t, ext, got)
	st, ok := b.Venue.Status(ext)
	require.True(t, ok)
	assert.Equal(t, broker.RemoteOpen, st)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	cfg := memoryConfig()
	cfg.Ledger.Driver = "postgres"
	_, err := New(cfg, io.Discard)
	assert.Error(t, err)
}

func TestRunStopsWithContext(t *testing.T) {
	t.Parallel()

	a, err := New(memoryConfig(), io.Discard)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, "acct_a", "acct_b") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	a, err := New(memoryConfig(), io.Discard)
	require.NoError(t, err)
	defer a.Close()
	a.Metrics.LevelChanged("acct_m", "manual", 2)

	srv := httptest.NewServer(a.mux())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `tradeguard_account_level{account="acct_m"} 2`)

	resp, err = srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
