// Package app is the composition root: it wires the store, market data,
// signal engine, broker, risk manager, and reporting together and runs the
// trading session until the context is cancelled.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/quantrail/scalpd/internal/broker"
	"github.com/quantrail/scalpd/internal/candles"
	"github.com/quantrail/scalpd/internal/config"
	"github.com/quantrail/scalpd/internal/history"
	"github.com/quantrail/scalpd/internal/kv"
	"github.com/quantrail/scalpd/internal/ledger"
	"github.com/quantrail/scalpd/internal/market"
	"github.com/quantrail/scalpd/internal/picker"
	"github.com/quantrail/scalpd/internal/positions"
	"github.com/quantrail/scalpd/internal/report"
	"github.com/quantrail/scalpd/internal/risk"
	"github.com/quantrail/scalpd/internal/schedule"
	"github.com/quantrail/scalpd/internal/signal"
	"github.com/quantrail/scalpd/internal/sizing"
)

const (
	statusInterval     = time.Minute
	marketDataInterval = 5 * time.Second
	tickFreshness      = 30 * time.Second
	finalSnapshotGrace = 5 * time.Second
)

// App holds the wired engine for one trading session.
type App struct {
	cfg       *config.Config
	log       zerolog.Logger
	store     kv.Store
	keys      kv.Keys
	ticks     *market.TickCache
	feed      *market.Feed
	engine    *signal.Engine
	picker    *picker.Picker
	master    *market.StaticMaster // nil when a real master is injected
	sizer     *sizing.Sizer
	balance   *ledger.Provider
	tracker   *positions.Tracker
	orders    broker.Broker
	live      *broker.Live // nil in paper mode
	risk      *risk.Manager
	reporter  *report.Reporter
	scheduler *schedule.Scheduler
	sessionID string
	now       func() time.Time
}

// New wires the engine from configuration. The KV backend is Redis when an
// address is configured, otherwise the in-process store.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	var store kv.Store
	if cfg.Redis.Addr != "" {
		redisStore, err := kv.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			return nil, err
		}
		store = redisStore
	} else {
		store = kv.NewMemoryStore()
	}
	keys := kv.NewKeys(cfg.Redis.Namespace)

	fetcher := history.NewFetcher(cfg.History.BaseURL, cfg.Live.AccessToken, cfg.History.RatePerMinute, store, keys, logger)
	ticks := market.NewTickCache(store, keys, fetcher, logger)
	engine := signal.NewEngine(candles.NewLoader(fetcher), cfg.Global.SecondaryTimeframeMins, cfg.Global.UseMultiTimeframe, logger)

	balance := ledger.NewProvider(cfg.Paper.StartingBalance, store, keys, logger)
	tracker := positions.NewTracker(balance, cfg.Global.ChargePerOrder, store, keys, logger)

	sessionID := fmt.Sprintf("%s-%s", time.Now().Format("20060102"), uuid.NewString()[:8])

	a := &App{
		cfg:       cfg,
		log:       logger.With().Str("component", "app").Logger(),
		store:     store,
		keys:      keys,
		ticks:     ticks,
		engine:    engine,
		master:    market.NewStaticMaster(),
		balance:   balance,
		tracker:   tracker,
		scheduler: schedule.NewScheduler(logger),
		sessionID: sessionID,
		now:       time.Now,
	}
	a.picker = picker.NewPicker(a.master, logger)
	a.sizer = sizing.NewSizer(sizing.Params{
		AllocationPct:   cfg.Global.AllocationPct,
		SlippageBuffer:  cfg.Global.SlippageBufferPct,
		MaxLotsPerTrade: cfg.Global.MaxLotsPerTrade,
		MinPremium:      cfg.Global.MinPremiumPrice,
	})

	if cfg.IsPaperTrading() {
		a.orders = broker.NewPaper(store, keys, ticks, balance, tracker, cfg.Global.ChargePerOrder, sessionID, logger)
	} else {
		a.live = broker.NewLive(cfg.Live.BaseURL, cfg.Live.AccessToken, cfg.Live.ClientID, store, keys, tracker, sessionID, logger)
		a.orders = a.live
	}

	a.risk = risk.NewManager(risk.Params{
		Interval:       cfg.RiskLoopInterval(),
		TakeProfitPct:  cfg.Global.TPPct,
		StopLossPct:    cfg.Global.SLPct,
		TrailPct:       cfg.Global.TrailPct,
		TimeStop:       time.Duration(cfg.Global.TimeStopSeconds) * time.Second,
		MaxDailyLoss:   cfg.Global.MaxDailyLossRs,
		Cooldown:       time.Duration(cfg.Global.CooldownAfterLossSec) * time.Second,
		EnableTimeStop: cfg.Global.EnableTimeStop,
		EnableTrailing: cfg.Global.EnableTrailingStop,
		EnableDailyCap: cfg.Global.EnableDailyLossCap,
		EnableCooldown: cfg.Global.EnableCooldown,
	}, tracker, a.orders, ticks, a.equity, logger)
	if a.live != nil {
		a.live.Monitor().OnTerminal(a.risk.OnOrderResolved)
	}

	if cfg.Live.FeedURL != "" {
		a.feed = market.NewFeed(cfg.Live.FeedURL, cfg.Live.AccessToken, ticks, logger)
	}
	return a, nil
}

// SetInstrumentMaster replaces the default in-memory master. Live
// deployments wire the broker's instrument oracle here before Run; without
// it, paper sessions synthesize option rows on demand.
func (a *App) SetInstrumentMaster(m market.InstrumentMaster) {
	a.picker = picker.NewPicker(m, a.log)
	a.master = nil
}

// SessionID returns the identifier reports are archived under.
func (a *App) SessionID() string { return a.sessionID }

// equity is session capital marked to market: ledger total plus the
// unrealized PnL of every open position.
func (a *App) equity() decimal.Decimal {
	total := a.balance.Snapshot().Total
	for _, pos := range a.tracker.OpenPositions() {
		total = total.Add(pos.PnL)
	}
	return total
}

// Run starts the session and blocks until ctx is cancelled or a worker
// fails. Shutdown drains the scheduler and risk loop and persists a final
// session snapshot.
func (a *App) Run(ctx context.Context) error {
	if err := a.store.Ping(ctx); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}
	if err := a.balance.Restore(ctx); err != nil {
		return fmt.Errorf("restore balance: %w", err)
	}
	if err := a.tracker.Rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate positions: %w", err)
	}
	a.primeUniverse(ctx)

	a.reporter = report.NewReporter(a.store, a.keys, a.tracker, a.balance, a.sessionID, a.equity(), a.log)

	a.log.Info().
		Str("session", a.sessionID).
		Str("mode", a.cfg.Global.Mode).
		Str("equity", a.equity().String()).
		Strs("symbols", a.cfg.SymbolNames()).
		Msg("session starting")

	g, gctx := errgroup.WithContext(ctx)
	a.risk.Start(gctx)

	if a.feed != nil {
		for _, name := range a.cfg.SymbolNames() {
			sym := a.cfg.Symbols[name]
			if err := a.feed.Subscribe(sym.SegIdx, sym.IdxSID); err != nil {
				a.log.Warn().Err(err).Str("symbol", name).Msg("index subscribe failed")
			}
		}
		g.Go(func() error { return a.feed.Run(gctx) })
	}
	if a.live != nil {
		g.Go(func() error { return a.live.Monitor().Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	if err := a.scheduler.Start(gctx, a.tasks()); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	err := g.Wait()
	a.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) tasks() []schedule.Task {
	tasks := []schedule.Task{
		{
			Name:     "trading_loop",
			Interval: a.cfg.DecisionInterval(),
			Run:      a.decisionCycle,
		},
		{
			Name:      "status_reporting",
			Interval:  statusInterval,
			Immediate: true,
			Run:       a.statusCycle,
		},
	}
	for _, name := range a.cfg.SymbolNames() {
		sym := a.cfg.Symbols[name]
		tasks = append(tasks, schedule.Task{
			Name:     "market_data_" + name,
			Interval: marketDataInterval,
			Run: func(ctx context.Context) error {
				return a.refreshMarketData(ctx, name, sym)
			},
		})
	}
	return tasks
}

func (a *App) shutdown() {
	a.scheduler.Stop()
	a.risk.Stop()
	if a.feed != nil {
		a.feed.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalSnapshotGrace)
	defer cancel()
	if open := a.tracker.OpenPositions(); len(open) > 0 {
		a.log.Info().Int("count", len(open)).Msg("squaring off open positions")
		a.risk.CloseAll(ctx, risk.ReasonShutdown)
	}
	if _, err := a.reporter.Snapshot(ctx); err != nil {
		a.log.Warn().Err(err).Msg("final snapshot failed")
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("store close failed")
	}
	a.log.Info().Str("session", a.sessionID).Msg("session stopped")
}

// primeUniverse records the index universe and the running configuration in
// the store so out-of-process tooling can see what this session trades.
func (a *App) primeUniverse(ctx context.Context) {
	for _, name := range a.cfg.SymbolNames() {
		sym := a.cfg.Symbols[name]
		if err := a.store.SAdd(ctx, a.keys.Universe(), sym.IdxSID); err != nil {
			a.log.Warn().Err(err).Str("symbol", name).Msg("universe prime failed")
		}
	}
	redacted := a.cfg.Redacted()
	if raw, err := json.Marshal(redacted); err == nil {
		if err := a.store.Set(ctx, a.keys.Config(), string(raw), 0); err != nil {
			a.log.Warn().Err(err).Msg("config persist failed")
		}
	}
}

// decisionCycle runs one pass of the entry flow for every configured symbol.
func (a *App) decisionCycle(ctx context.Context) error {
	if !a.cfg.IsWithinSessionHours(a.now()) {
		a.log.Debug().Msg("outside session hours, skipping cycle")
		return nil
	}
	if a.risk.CooldownActive() {
		a.log.Info().Msg("cooldown active, skipping entries")
		return nil
	}

	for _, name := range a.cfg.SymbolNames() {
		sym := a.cfg.Symbols[name]
		if a.hasOpenPosition(sym.SegOpt) {
			continue
		}
		decision, err := a.engine.Evaluate(ctx, name, sym.SegIdx, sym.IdxSID)
		if err != nil {
			a.log.Warn().Err(err).Str("symbol", name).Msg("signal evaluation failed")
			continue
		}
		if decision == signal.None {
			continue
		}
		if err := a.enter(ctx, name, sym, decision); err != nil {
			a.log.Warn().Err(err).Str("symbol", name).Str("decision", string(decision)).Msg("entry failed")
		}
	}
	return nil
}

func (a *App) hasOpenPosition(segment string) bool {
	for _, pos := range a.tracker.OpenPositions() {
		if pos.Segment == segment {
			return true
		}
	}
	return false
}

// enter resolves the ATM option for the signalled direction, sizes the
// order, and places it with an idempotency key scoped to the decision
// bucket so a retried cycle cannot double-enter.
func (a *App) enter(ctx context.Context, name string, sym config.SymbolConfig, decision signal.Decision) error {
	spot, ok := a.ticks.LTP(ctx, sym.SegIdx, sym.IdxSID, true)
	if !ok || spot <= 0 {
		return fmt.Errorf("no spot quote for %s", name)
	}

	if a.master != nil {
		a.seedSyntheticRows(name, sym, spot)
	}
	sel, err := a.picker.Pick(ctx, picker.SymbolConfig{
		Name:       name,
		StrikeStep: sym.StrikeStep,
		ExpiryWday: time.Weekday(sym.ExpiryWday),
		OptSegment: sym.SegOpt,
	}, spot)
	if err != nil {
		return err
	}

	side := market.OptionCall
	if decision == signal.LongPE {
		side = market.OptionPut
	}
	inst, err := sel.Instrument(sel.ATM(), side)
	if err != nil {
		return err
	}

	premiumF, ok := a.ticks.LTP(ctx, sym.SegOpt, inst.SecurityID, true)
	if !ok || premiumF <= 0 {
		return fmt.Errorf("no premium quote for %s %s", name, inst.SecurityID)
	}
	premium := decimal.NewFromFloat(premiumF).Round(2)

	lotSize := inst.LotSize
	if lotSize <= 0 {
		lotSize = sym.LotSize
	}
	lots := a.sizer.Lots(a.balance.Snapshot().Available, premium, lotSize)
	if mult := sym.QtyMultiplier; mult.GreaterThan(decimal.Zero) && !mult.Equal(decimal.NewFromInt(1)) {
		lots = int(decimal.NewFromInt(int64(lots)).Mul(mult).IntPart())
	}
	if lots <= 0 {
		a.log.Debug().Str("symbol", name).Str("premium", premium.String()).Msg("sizer declined entry")
		return nil
	}
	qty := lots * lotSize

	bucket := a.now().Unix() / int64(a.cfg.Global.DecisionIntervalSec)
	order, err := a.orders.PlaceOrder(ctx, broker.OrderRequest{
		Segment:        sym.SegOpt,
		SecurityID:     inst.SecurityID,
		Side:           broker.SideBuy,
		Quantity:       qty,
		Type:           broker.TypeMarket,
		IdempotencyKey: fmt.Sprintf("entry_%s_%s_%d", name, inst.SecurityID, bucket),
		Tag:            string(decision),
	})
	if err != nil {
		return err
	}
	if a.feed != nil {
		if err := a.feed.Subscribe(sym.SegOpt, inst.SecurityID); err != nil {
			a.log.Warn().Err(err).Str("sid", inst.SecurityID).Msg("option subscribe failed")
		}
	}

	a.log.Info().
		Str("symbol", name).
		Str("decision", string(decision)).
		Float64("strike", inst.Strike).
		Str("sid", inst.SecurityID).
		Int("quantity", qty).
		Str("premium", premium.String()).
		Str("order_id", order.ID).
		Msg("position entered")
	return nil
}

// seedSyntheticRows primes the in-memory master with option rows around the
// current spot. Paper sessions have no instrument CSV; deterministic
// synthetic ids keep the rest of the pipeline identical to live.
func (a *App) seedSyntheticRows(name string, sym config.SymbolConfig, spot float64) {
	expiry := nextExpiryDay(time.Weekday(sym.ExpiryWday), a.now().In(a.cfg.Location()))
	atm := picker.ATMStrike(spot, sym.StrikeStep)

	for offset := -2.0; offset <= 2.0; offset++ {
		strike := atm + offset*sym.StrikeStep
		for _, side := range []market.OptionType{market.OptionCall, market.OptionPut} {
			a.master.Add(market.Instrument{
				SecurityID:      fmt.Sprintf("%s-%s-%d-%s", name, expiry.Format("060102"), int(strike), side),
				Underlying:      name,
				Segment:         sym.SegOpt,
				InstrumentType:  market.TypeIndexOption,
				Strike:          strike,
				OptionType:      side,
				Expiry:          expiry,
				LotSize:         sym.LotSize,
				ExchangeSegment: sym.SegOpt,
			})
		}
	}
}

// nextExpiryDay returns the next occurrence of the weekly expiry weekday,
// counting today.
func nextExpiryDay(wday time.Weekday, now time.Time) time.Time {
	days := (int(wday) - int(now.Weekday()) + 7) % 7
	day := now.AddDate(0, 0, days)
	return time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
}

// refreshMarketData keeps the index quote warm: inside session hours a stale
// tick triggers the fallback fetcher so the decision loop always has a spot.
func (a *App) refreshMarketData(ctx context.Context, name string, sym config.SymbolConfig) error {
	if !a.cfg.IsWithinSessionHours(a.now()) {
		return nil
	}
	if a.ticks.Fresh(ctx, sym.SegIdx, sym.IdxSID, tickFreshness) {
		return nil
	}
	if _, ok := a.ticks.LTP(ctx, sym.SegIdx, sym.IdxSID, true); !ok {
		return fmt.Errorf("no quote for %s (%s:%s)", name, sym.SegIdx, sym.IdxSID)
	}
	return nil
}

func (a *App) statusCycle(ctx context.Context) error {
	if err := a.reporter.Heartbeat(ctx); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if _, err := a.reporter.Snapshot(ctx); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}
