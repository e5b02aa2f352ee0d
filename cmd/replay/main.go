// cmd/replay re-runs the exit engine offline: recorded ticks from Redis (or
// a synthetic random walk) stream through the monitor and gateway against the
// paper broker, and the session P&L is printed at the end.
//
// Usage:
//
//	go run ./cmd/replay --positions=005930:10:70000,000660:5:180000 --speed=100
//	go run ./cmd/replay --positions=005930:10:70000 --sim --sim-seed=42
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"kis-exit-engine/internal/execution"
	"kis-exit-engine/internal/exitrule"
	"kis-exit-engine/internal/marketdata/bus"
	"kis-exit-engine/internal/marketdata/replay"
	"kis-exit-engine/internal/marketdata/simfeed"
	"kis-exit-engine/internal/model"
	"kis-exit-engine/internal/monitor"
	"kis-exit-engine/internal/position"
	redisstore "kis-exit-engine/internal/store/redis"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	// Flags
	positionsStr := flag.String("positions", "", "Seed positions as code:qty:buyprice,...")
	speed := flag.Float64("speed", 0, "Playback speed multiplier (0=max, 1=realtime, 100=100x)")
	redisAddr := flag.String("redis", "localhost:6379", "Redis address holding the tick recordings")
	sim := flag.Bool("sim", false, "Use a synthetic random walk instead of recorded ticks")
	simSeed := flag.Int64("sim-seed", 0, "Random walk seed (0=clock)")
	simTicks := flag.Int("sim-ticks", 5000, "Number of synthetic ticks to emit")
	mode := flag.String("mode", "trailing", "Exit mode: trailing or split")
	flag.Parse()

	seeds := parsePositions(*positionsStr)
	if len(seeds) == 0 {
		log.Fatal("[replay] no positions given (--positions=code:qty:buyprice,...)")
	}

	exitCfg := exitrule.DefaultConfig()
	if m, err := exitrule.ParseMode(*mode); err == nil {
		exitCfg.Mode = m
	} else {
		log.Fatalf("[replay] %v", err)
	}

	// Position store seeded from the flag, paper broker pre-priced at the
	// buy price so the first order always has a quote.
	store := position.New(exitCfg)
	pnl := position.NewPnLTracker()
	broker := execution.NewPaperBroker(5)
	codes := make([]string, 0, len(seeds))
	for _, p := range seeds {
		store.Seed(p)
		pnl.SeedLot(p.Code, p.Shares, p.BuyPrice)
		broker.ObservePrice(p.Code, p.BuyPrice)
		codes = append(codes, p.Code)
	}
	log.Printf("[replay] %d positions seeded, mode=%s", len(seeds), exitCfg.Mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	// Pick the tick source.
	var source model.TickSource
	if *sim {
		start := make(map[string]int64, len(seeds))
		for _, p := range seeds {
			start[p.Code] = p.BuyPrice
		}
		source = simfeed.New(simfeed.Config{
			Start:    start,
			Interval: time.Millisecond,
			Seed:     *simSeed,
		})
	} else {
		reader, err := redisstore.NewReader(redisstore.PublisherConfig{Addr: *redisAddr})
		if err != nil {
			log.Fatalf("[replay] redis open failed: %v", err)
		}
		defer reader.Close()
		source = replay.New(reader, codes, *speed)
	}

	// Pipeline: source → fanout → monitor → gateway (paper fills).
	gov := execution.NewGovernor(time.Millisecond)
	gw := execution.NewGateway(execution.GatewayConfig{
		FillPollInterval: time.Millisecond,
		FillPollMax:      3,
	}, broker, store, gov, nil, nil, nil, pnl, execution.NewRiskManager(execution.DefaultRiskLimits()))

	triggers := map[string]int{}
	gw.OnFilled = func(reason model.ExitReason) { triggers[string(reason)]++ }

	mon := monitor.New(store, 256)

	fan := bus.New(10000)
	monCh := fan.Subscribe()
	obsCh := fan.Subscribe()
	go func() {
		for t := range obsCh {
			broker.ObservePrice(t.Code, t.Price)
		}
	}()

	tickCh := make(chan model.Tick, 10000)
	go fan.Run(ctx, tickCh)
	go mon.Run(ctx, monCh)

	gwDone := make(chan struct{})
	go func() {
		gw.Run(ctx, mon.Orders())
		close(gwDone)
	}()

	// Stream the source. The replayer closes tickCh itself; the sim feed
	// runs until the tick budget is spent.
	if *sim {
		go func() {
			defer close(tickCh)
			simCtx, simCancel := context.WithCancel(ctx)
			defer simCancel()
			budget := make(chan model.Tick, 1000)
			go source.Start(simCtx, budget)
			for i := 0; i < *simTicks; i++ {
				select {
				case <-ctx.Done():
					return
				case t := <-budget:
					tickCh <- t
				}
			}
		}()
	} else {
		go func() {
			if err := source.Start(ctx, tickCh); err != nil && ctx.Err() == nil {
				log.Printf("[replay] source error: %v", err)
			}
		}()
	}

	// The monitor closes the order channel once the ticks run out, which
	// lets the gateway drain and stop.
	<-gwDone
	cancel()

	summary := pnl.GetSummary(lastPrices(store))

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║         REPLAY COMPLETE              ║")
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Trades executed:   %-16d ║\n", summary.TotalTrades)
	fmt.Printf("║  Realized P&L:      %-12d KRW ║\n", summary.RealizedPnL)
	fmt.Printf("║  Unrealized P&L:    %-12d KRW ║\n", summary.UnrealizedPnL)
	fmt.Printf("║  Still open:        %-16d ║\n", summary.OpenPositions)
	fmt.Println("╚══════════════════════════════════════╝")
	for reason, n := range triggers {
		fmt.Printf("  %-16s %d\n", reason, n)
	}
}

// parsePositions parses "code:qty:buyprice,..." into seed positions.
func parsePositions(s string) []model.Position {
	var out []model.Position
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) != 3 {
			log.Printf("[replay] skipping malformed position %q", part)
			continue
		}
		qty, err1 := strconv.ParseInt(fields[1], 10, 64)
		price, err2 := strconv.ParseInt(fields[2], 10, 64)
		if err1 != nil || err2 != nil || qty <= 0 || price <= 0 {
			log.Printf("[replay] skipping malformed position %q", part)
			continue
		}
		out = append(out, model.Position{
			Code:      fields[0],
			Status:    model.StatusHolding,
			Shares:    qty,
			Remaining: qty,
			BuyPrice:  price,
			LastPrice: price,
			PeakPrice: price,
			EntryTime: time.Now(),
		})
	}
	return out
}

func lastPrices(store *position.Store) map[string]int64 {
	prices := make(map[string]int64)
	for _, p := range store.Snapshot() {
		if p.LastPrice > 0 {
			prices[p.Code] = p.LastPrice
		}
	}
	return prices
}
