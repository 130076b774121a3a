package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/warp/commission-ledger/commission"
	"github.com/warp/commission-ledger/factory"
	"github.com/warp/commission-ledger/internal/config"
	"github.com/warp/commission-ledger/internal/logger"
	"github.com/warp/commission-ledger/internal/metrics"
	"github.com/warp/commission-ledger/ledger"
	"github.com/warp/commission-ledger/ledger/store"
	"github.com/warp/commission-ledger/settlement"
	"github.com/warp/commission-ledger/store/postgres"
	"github.com/warp/commission-ledger/store/sqlite"
)

// app is the wired dependency graph shared by serve and consume.
type app struct {
	cfg       *config.Config
	store     ledger.Store
	directory *commission.StaticDirectory
	schedule  *settlement.StaticSchedule
	metrics   *metrics.Metrics
	engine    *settlement.Engine
	log       zerolog.Logger

	closeStore func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log := logger.WithComponent("app")

	dir, schedule, err := loadDomain(cfg.Settlement)
	if err != nil {
		return nil, err
	}

	s, closeStore, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	opts := []settlement.Option{
		settlement.WithLogger(logger.WithComponent("settlement")),
		settlement.WithRecorder(m),
	}
	if cfg.Settlement.AtomicRefunds {
		opts = append(opts, settlement.WithAtomicRefunds())
	}

	current := schedule.Current()
	log.Info().
		Str("driver", cfg.Database.Driver).
		Str("schedule_version", current.Version).
		Int("chain_slots", len(current.Chain.Slots)).
		Int("payees", len(dir.Known())).
		Bool("atomic_refunds", cfg.Settlement.AtomicRefunds).
		Msg("ledger wired")

	return &app{
		cfg:        cfg,
		store:      s,
		directory:  dir,
		schedule:   schedule,
		metrics:    m,
		engine:     settlement.NewEngine(s, commission.NewResolver(dir), schedule, opts...),
		log:        log,
		closeStore: closeStore,
	}, nil
}

func (a *app) Close() error {
	return a.closeStore()
}

// loadDomain builds the fee schedule and payee directory from configuration.
func loadDomain(cfg config.SettlementConfig) (*commission.StaticDirectory, *settlement.StaticSchedule, error) {
	f := factory.NewScheduleFactory()

	var (
		schedule commission.FeeSchedule
		err      error
	)
	if cfg.ScheduleFile != "" {
		schedule, err = f.LoadFile(cfg.ScheduleFile)
	} else {
		var preset string
		preset, err = factory.Preset(cfg.Preset, cfg.Preset)
		if err == nil {
			schedule, err = f.ParseSchedule(preset)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load fee schedule: %w", err)
	}

	dir := commission.NewStaticDirectory()
	if cfg.ReferralsFile != "" {
		if _, err := factory.LoadReferralsFile(dir, cfg.ReferralsFile); err != nil {
			return nil, nil, fmt.Errorf("load referrals: %w", err)
		}
	}
	return dir, settlement.NewStaticSchedule(schedule), nil
}

// openStore opens the configured ledger store and returns its closer.
func openStore(ctx context.Context, cfg config.DatabaseConfig) (ledger.Store, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewTxMemory(), func() error { return nil }, nil
	case "sqlite":
		s, err := sqlite.New(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "postgres":
		s, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
}
