package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-ledger/factory"
	"github.com/warp/commission-ledger/internal/config"
	"github.com/warp/commission-ledger/ledger"
	"github.com/warp/commission-ledger/settlement"
)

func TestLoadDomain_PresetAndFiles(t *testing.T) {
	dir, schedule, err := loadDomain(config.SettlementConfig{Preset: "three-tier"})
	require.NoError(t, err)
	assert.Len(t, schedule.Current().Chain.Slots, 3)
	assert.Empty(t, dir.Known())

	tmp := t.TempDir()
	schedPath := filepath.Join(tmp, "schedule.json")
	refPath := filepath.Join(tmp, "referrals.json")
	require.NoError(t, os.WriteFile(schedPath, []byte(factory.MarketplaceJSON("2025-01")), 0o600))
	require.NoError(t, os.WriteFile(refPath, []byte(`[{"payee_id": "buyer-1", "referrer_id": "bob"}]`), 0o600))

	dir, schedule, err = loadDomain(config.SettlementConfig{ScheduleFile: schedPath, ReferralsFile: refPath})
	require.NoError(t, err)
	assert.Equal(t, "2025-01", schedule.Current().Version)
	assert.Equal(t, []ledger.PayeeID{"bob", "buyer-1"}, dir.Known())

	_, _, err = loadDomain(config.SettlementConfig{Preset: "nope"})
	assert.Error(t, err)
}

func TestNewApp_SettlesOnEachDriver(t *testing.T) {
	drivers := map[string]config.DatabaseConfig{
		"memory": {Driver: "memory"},
		"sqlite": {Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "ledger.db")},
	}
	for name, db := range drivers {
		t.Run(name, func(t *testing.T) {
			cfg := &config.Config{
				Database:   db,
				Settlement: config.SettlementConfig{Preset: "marketplace", AtomicRefunds: name == "memory"},
			}
			a, err := newApp(context.Background(), cfg)
			require.NoError(t, err)
			defer a.Close()

			require.NoError(t, a.directory.Link("buyer-1", "bob"))
			require.NoError(t, a.directory.Link("seller-1", "carol"))

			ctx := context.Background()
			res, err := a.engine.OrderPaid(ctx, settlement.OrderPaidEvent{
				OrderID: "ord-1", GrossCents: 2200, Currency: "USD", SellerID: "seller-1", BuyerID: "buyer-1",
			})
			require.NoError(t, err)
			assert.Equal(t, int64(1974), res.Breakdown.NetAmount)

			rr, err := a.engine.RefundRequested(ctx, settlement.RefundRequestedEvent{OrderID: "ord-1"})
			require.NoError(t, err)
			assert.Equal(t, 4, rr.ReversedCount)
		})
	}

	_, err := newApp(context.Background(), &config.Config{
		Database:   config.DatabaseConfig{Driver: "oracle"},
		Settlement: config.SettlementConfig{Preset: "marketplace"},
	})
	assert.Error(t, err)
}

func TestQuoteCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LEDGER_DATABASE_DRIVER", "memory")
	t.Setenv("LEDGER_LOG_LEVEL", "error")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"quote", "--gross", "2200", "--seller", "seller-1", "--buyer", "buyer-1"})
	require.NoError(t, root.Execute())

	// No referrals are configured, so the chain pays nobody
	var q quoteOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &q))
	assert.Equal(t, int64(94), q.ProcessingFee)
	assert.Equal(t, int64(88), q.PlatformFee)
	assert.Empty(t, q.Commissions)
	assert.Equal(t, int64(2018), q.NetCents)
	assert.Equal(t, "marketplace", q.ScheduleVersion)
}

func TestQuoteCommand_RejectsBadInput(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LEDGER_DATABASE_DRIVER", "memory")
	t.Setenv("LEDGER_LOG_LEVEL", "error")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"quote", "--gross=-5", "--seller", "seller-1"})
	assert.Error(t, root.Execute())
}
