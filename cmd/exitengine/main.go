package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"kis-exit-engine/config"
	"kis-exit-engine/internal/execution"
	"kis-exit-engine/internal/flow"
	"kis-exit-engine/internal/guard"
	"kis-exit-engine/internal/logger"
	"kis-exit-engine/internal/marketdata/bus"
	"kis-exit-engine/internal/marketdata/ws"
	"kis-exit-engine/internal/markethours"
	"kis-exit-engine/internal/metrics"
	"kis-exit-engine/internal/model"
	"kis-exit-engine/internal/monitor"
	"kis-exit-engine/internal/notification"
	"kis-exit-engine/internal/position"
	redisstore "kis-exit-engine/internal/store/redis"
	sqlitestore "kis-exit-engine/internal/store/sqlite"
	"kis-exit-engine/pkg/kis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[exitengine] starting...")

	cfg := config.Load()
	logger.Init("exitengine", slog.LevelInfo)

	// ---- Single-instance guard ----
	os.MkdirAll("data", 0o755)
	lock, err := guard.Acquire(cfg.LockFile)
	if err != nil {
		log.Fatalf("[exitengine] instance guard: %v", err)
	}
	defer lock.Release()

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.SetLockHeld(true)
	health.SetExitMode(cfg.ExitMode)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Alert sinks ----
	sinks := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		sinks = append(sinks, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
		log.Println("[exitengine] telegram alerts enabled")
	}
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	notifier := notification.NewMulti(sinks...)

	// ---- KIS client ----
	client := kis.NewClient(kis.Config{
		AppKey:    cfg.AppKey,
		AppSecret: cfg.AppSecret,
		Account:   cfg.Account,
		Paper:     cfg.Paper(),
	})
	if err := client.EnsureToken(ctx); err != nil {
		log.Fatalf("[exitengine] KIS auth failed: %v", err)
	}
	log.Printf("[exitengine] KIS token ready (mode=%s)", cfg.Mode)

	// ---- Broker: real orders or in-process paper fills ----
	var broker model.Broker
	var paperBroker *execution.PaperBroker
	if cfg.Paper() {
		paperBroker = execution.NewPaperBroker(5)
		broker = paperBroker
		log.Println("[exitengine] paper broker active — no orders reach KIS")
	} else {
		broker = execution.NewKISBroker(client)
	}

	// ---- Trade journal + archive ----
	journal, err := execution.NewJournal(cfg.JournalPath)
	if err != nil {
		log.Fatalf("[exitengine] journal init: %v", err)
	}
	journal.OnWrite = func(d time.Duration) { prom.SQLiteCommitDur.Observe(d.Seconds()) }
	defer journal.Close()

	archive, err := sqlitestore.New(sqlitestore.ArchiveConfig{DBPath: cfg.ArchivePath})
	if err != nil {
		log.Fatalf("[exitengine] archive init: %v", err)
	}
	defer archive.Close()
	health.SetSQLiteOK(true)

	// ---- Redis state publisher (optional, circuit-broken) ----
	var stateSink *redisstore.BufferedPublisher
	pub, err := redisstore.NewPublisher(redisstore.PublisherConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Printf("[exitengine] WARNING: redis unavailable: %v (continuing without state publishing)", err)
		health.SetRedisConnected(false)
	} else {
		health.SetRedisConnected(true)
		pub.OnWrite = func(d time.Duration) { prom.RedisWriteDur.Observe(d.Seconds()) }
		defer pub.Close()

		cb := redisstore.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(from, to redisstore.State) {
			log.Printf("[exitengine] redis circuit breaker: %v -> %v", from, to)
			prom.RedisCircuitBreakerState.Set(float64(to))
			if to == redisstore.StateOpen {
				prom.RedisCircuitBreakerTrips.Inc()
			}
			health.SetRedisConnected(to == redisstore.StateClosed)
		}
		stateSink = redisstore.NewBufferedPublisher(ctx, pub, cb, 10000)
		stateSink.OnBuffer = func() { prom.RedisBufferedWrites.Inc() }
	}

	// ---- Liveness checks ----
	if pub != nil {
		health.StartLivenessChecker(ctx, pub.Client(), journal.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, journal.DB(), 10*time.Second)
	}

	// ---- Position store and P&L, seeded from the account balance ----
	store := position.New(cfg.ExitConfig())
	pnl := position.NewPnLTracker()
	bal, err := client.FetchBalance(ctx)
	if err != nil {
		log.Fatalf("[exitengine] balance sync failed: %v", err)
	}
	for _, h := range bal.Holdings {
		store.Seed(model.Position{
			Code:      h.Code,
			Name:      h.Name,
			Status:    model.StatusHolding,
			Shares:    h.Qty,
			Remaining: h.Qty,
			BuyPrice:  h.BuyPrice,
			LastPrice: h.Price,
			PeakPrice: h.Price,
			EntryTime: time.Now(),
		})
		pnl.SeedLot(h.Code, h.Qty, h.BuyPrice)
		if paperBroker != nil {
			paperBroker.ObservePrice(h.Code, h.Price)
		}
	}
	log.Printf("[exitengine] balance sync: %d holdings, cash=%d KRW", len(bal.Holdings), bal.Cash)
	health.SetOpenPositions(store.Len())
	prom.OpenPositions.Set(float64(store.Len()))

	// ---- Risk limits ----
	riskLimits := execution.DefaultRiskLimits()
	riskLimits.MaxOpenPositions = cfg.MaxPositions
	risk := execution.NewRiskManager(riskLimits)

	// ---- Order gateway ----
	gov := execution.NewGovernor(cfg.OrderSpacing)
	gw := execution.NewGateway(execution.GatewayConfig{
		FillPollInterval: cfg.FillPollInterval,
		FillPollMax:      cfg.FillPollMax,
		RepriceTolerance: cfg.RepriceTolerance,
	}, broker, store, gov, journal, archive, notifier, pnl, risk)
	gw.OnSubmitted = func(side model.Side) {
		prom.OrdersSubmitted.WithLabelValues(string(side)).Inc()
		prom.InFlightOrders.Inc()
	}
	gw.OnFilled = func(reason model.ExitReason) {
		prom.OrdersFilled.WithLabelValues(string(reason)).Inc()
		prom.InFlightOrders.Dec()
	}
	gw.OnFailed = func() {
		prom.OrdersFailed.Inc()
		prom.InFlightOrders.Dec()
	}
	gw.OnRetry = func() { prom.OrderRetries.Inc() }
	gw.OnAuthRefresh = func() { prom.AuthRefreshes.Inc() }
	gw.OnDuplicate = func() { prom.DuplicatesDropped.Inc() }
	gw.OnReprice = func() { prom.RepricedBuys.Inc() }
	gw.OnRoundTrip = func(d time.Duration) { prom.OrderRoundTrip.Observe(d.Seconds()) }
	gw.OnTrade = func(t model.Trade) {
		prom.RealizedPnL.Set(float64(pnl.RealizedPnL()))
		health.SetOpenPositions(store.Len())
		prom.OpenPositions.Set(float64(store.Len()))
		if stateSink != nil {
			if err := stateSink.WriteTrade(t); err != nil {
				log.Printf("[exitengine] trade publish: %v", err)
			}
			if err := stateSink.WriteSnapshot(store.Snapshot()); err != nil {
				log.Printf("[exitengine] snapshot publish: %v", err)
			}
		}
	}

	// ---- Tick monitor ----
	mon := monitor.New(store, 256)
	mon.OnTick = func() {
		prom.TicksTotal.Inc()
		health.SetLastTickTime(time.Now())
	}
	mon.OnTrigger = func(reason model.ExitReason) {
		prom.TriggersTotal.WithLabelValues(string(reason)).Inc()
	}
	mon.OnEval = func(d time.Duration) { prom.TickEvalDur.Observe(d.Seconds()) }
	mon.OnDrop = func() { prom.DroppedTicks.Inc() }

	// ---- Investor flow poller (supply-exit signal) ----
	flowPoller := flow.New(client, store, cfg.FlowPollInterval, cfg.SupplyExitThresholdEok)
	flowPoller.OnFlag = func(code string, flagged bool) {
		prom.SupplyFlaggedNow.Set(float64(flowPoller.FlaggedCount()))
	}
	go flowPoller.Run(ctx)

	// ---- Tick fan-out: monitor, recorder, paper price feed ----
	fan := bus.New(5000)
	fan.OnDrop = func(subscriberIdx int) { prom.DroppedTicks.Inc() }
	monCh := fan.Subscribe()
	if stateSink != nil {
		recCh := fan.Subscribe()
		go stateSink.RunTicks(ctx, recCh)
	}
	if paperBroker != nil {
		paperCh := fan.Subscribe()
		go func() {
			for t := range paperCh {
				paperBroker.ObservePrice(t.Code, t.Price)
			}
		}()
	}

	// Sampled saturation per subscriber channel; a climbing gauge here
	// precedes dropped ticks.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for i, st := range fan.ChannelStats() {
					pct := 0.0
					if st.Cap > 0 {
						pct = float64(st.Len) / float64(st.Cap) * 100
					}
					prom.FanoutSaturation.WithLabelValues(strconv.Itoa(i)).Set(pct)
				}
			}
		}
	}()

	tickCh := make(chan model.Tick, 10000)
	go fan.Run(ctx, tickCh)
	go mon.Run(ctx, monCh)

	// The gateway runs on its own context: triggers the monitor drains
	// after shutdown begins must still reach the broker, and an order
	// already submitted is allowed to finish its fill polling.
	orderCtx, orderCancel := context.WithCancel(context.Background())
	defer orderCancel()
	gwDone := make(chan struct{})
	go func() {
		gw.Run(orderCtx, mon.Orders())
		close(gwDone)
	}()

	// ---- Periodic position snapshot for downstream consumers ----
	if stateSink != nil {
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := stateSink.WriteSnapshot(store.Snapshot()); err != nil {
						log.Printf("[exitengine] snapshot publish: %v", err)
					}
				}
			}
		}()
	}

	// ---- Market-hours session loop ----
	go func() {
		for {
			now := time.Now()
			if !markethours.IsMarketOpen(now) {
				prom.MarketState.Set(0)
				health.SetWSConnected(false)
				preOpen := markethours.NextPreOpen(now)
				log.Printf("[exitengine] %s", markethours.StatusString(now))

				if wait := preOpen.Sub(now); wait > 0 {
					select {
					case <-ctx.Done():
						return
					case <-time.After(wait):
					}
				}

				// Warm-up: fresh token before the bell.
				if err := client.EnsureToken(ctx); err != nil {
					log.Printf("[exitengine] pre-open token refresh failed: %v, retrying in 30s", err)
					select {
					case <-ctx.Done():
						return
					case <-time.After(30 * time.Second):
					}
					continue
				}

				open := markethours.NextOpen(time.Now())
				if wait := open.Sub(time.Now()); wait > 0 {
					select {
					case <-ctx.Done():
						return
					case <-time.After(wait):
					}
				}
			}

			// --- Session open ---
			sessionStart := time.Now()
			prom.MarketState.Set(1)
			prom.SessionTransitions.WithLabelValues("open").Inc()
			log.Printf("[exitengine] session open, %d positions held", store.Len())

			closeTime := markethours.TodayClose(sessionStart)
			wsCtx, wsCancel := context.WithDeadline(ctx, closeTime)

			ing := ws.New(client.Realtime(), cfg.FeedStaleTimeout)
			ing.OnReconnect = func() { prom.WSReconnects.Inc() }
			ing.OnStall = func() { prom.FeedStalls.Inc() }
			ing.OnDrop = func() { prom.DroppedTicks.Inc() }

			// Morning buy list, then keep the subscription set in step
			// with the held codes as buys fill and sells close out.
			if cfg.BuyListPath != "" && cfg.BuyBudget > 0 {
				go func() {
					cands, err := execution.LoadCandidates(cfg.BuyListPath)
					if err != nil {
						log.Printf("[exitengine] buy list: %v", err)
						return
					}
					gw.ExecuteBuyList(wsCtx, cands, cfg.BuyBudget)
				}()
			}
			go func() {
				ticker := time.NewTicker(30 * time.Second)
				defer ticker.Stop()
				for {
					select {
					case <-wsCtx.Done():
						return
					case <-ticker.C:
						if err := ing.Sync(store.Codes()); err != nil {
							log.Printf("[exitengine] subscription sync: %v", err)
						}
					}
				}
			}()

			health.SetWSConnected(true)
			log.Printf("[exitengine] feed connecting — session ends %s",
				closeTime.In(markethours.KST).Format("15:04:05"))

			// Blocks until session close, shutdown or feed death.
			if err := ing.Start(wsCtx, store.Codes(), tickCh); err != nil {
				log.Printf("[exitengine] feed ended: %v", err)
				prom.SessionTransitions.WithLabelValues("ws_disconnect").Inc()
			}
			wsCancel()
			health.SetWSConnected(false)
			prom.MarketState.Set(0)
			prom.SessionTransitions.WithLabelValues("close").Inc()

			// --- Close tasks ---
			if !cfg.Paper() {
				cancelOpenOrders(client)
			}
			if stateSink != nil {
				if err := stateSink.WriteSnapshot(store.Snapshot()); err != nil {
					log.Printf("[exitengine] close snapshot: %v", err)
				}
			}
			profit, err := journal.SessionProfit(sessionStart)
			if err != nil {
				log.Printf("[exitengine] session profit query: %v", err)
			}
			summary := pnl.GetSummary(lastPrices(store))
			log.Printf("[exitengine] session done: realized=%d KRW (journal %d), trades=%d, open=%d",
				summary.RealizedPnL, profit, summary.TotalTrades, store.Len())
			notifier.Send(ctx, notification.Alert{
				Level:   notification.AlertInfo,
				Title:   "Session close",
				Message: "Trading session ended",
				Fields: map[string]string{
					"realized_pnl": strconv.FormatInt(summary.RealizedPnL, 10),
					"trades":       strconv.Itoa(summary.TotalTrades),
					"open":         strconv.Itoa(store.Len()),
				},
			})
			risk.ResetDaily()

			if ctx.Err() != nil {
				return
			}
		}
	}()

	log.Println("[exitengine] ╔══════════════════════════════════════════════════════════╗")
	log.Println("[exitengine] ║  Position Exit Engine                                    ║")
	log.Println("[exitengine] ║  [KIS WS] → [Monitor] → [Gateway] → [KIS Orders]         ║")
	log.Printf("[exitengine] ║  Exit mode: %-8s  Positions: %-3d  Mode: %-5s        ║",
		cfg.ExitMode, store.Len(), cfg.Mode)
	log.Println("[exitengine] ║  Session: 09:00–15:30 KST, Mon–Fri                       ║")
	log.Println("[exitengine] ╚══════════════════════════════════════════════════════════╝")
	log.Printf("[exitengine] %s", markethours.StatusString(time.Now()))

	// ---- Wait for shutdown ----
	<-sigCh
	log.Println("[exitengine] shutdown signal received, draining...")
	cancel()

	// The monitor drains queued ticks and closes the order channel; wait
	// for the gateway to run everything in it to a terminal state. Fill
	// polling on a submitted order can legitimately take a minute.
	select {
	case <-gwDone:
	case <-time.After(90 * time.Second):
		log.Println("[exitengine] gateway drain timed out, abandoning in-flight orders")
	}
	orderCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	log.Println("[exitengine] shutdown complete.")
}

// cancelOpenOrders sweeps today's execution report at session close and
// cancels every row that still carries an unfilled remainder, so nothing
// ambiguous sits on the book overnight.
func cancelOpenOrders(client *kis.Client) {
	// Detached from the engine context: the sweep must run even when the
	// close was a shutdown signal.
	sweepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rows, err := client.DailyOrders(sweepCtx)
	if err != nil {
		log.Printf("[exitengine] open order sweep: %v", err)
		return
	}
	for _, row := range rows {
		remaining := row.OrderQty - row.FilledQty
		if remaining <= 0 {
			continue
		}
		if err := client.CancelOrder(sweepCtx, row.OrderID, row.Code, remaining); err != nil {
			log.Printf("[exitengine] cancel %s (%s x%d): %v", row.OrderID, row.Code, remaining, err)
			continue
		}
		log.Printf("[exitengine] cancelled unfilled order %s: %s x%d", row.OrderID, row.Code, remaining)
	}
}

// lastPrices snapshots the latest tick price per held code for the P&L
// roll-up.
func lastPrices(store *position.Store) map[string]int64 {
	prices := make(map[string]int64)
	for _, p := range store.Snapshot() {
		if p.LastPrice > 0 {
			prices[p.Code] = p.LastPrice
		}
	}
	return prices
}
