// Package execution is the order gateway: it takes OrderRequests from the
// monitor and the buy-list runner, pushes them through the brokerage with
// retry, token refresh and global pacing, confirms fills, and writes the
// outcome back into the position store, the journal and the alert sinks.
package execution

import (
	"context"
	"fmt"
	"log"
	"time"

	"kis-exit-engine/internal/model"
	"kis-exit-engine/internal/notification"
	"kis-exit-engine/internal/position"
	"kis-exit-engine/pkg/kis"
)

// tokenControl is satisfied by brokers that cache a credential. The paper
// broker does not, so the gateway probes with a type assertion.
type tokenControl interface {
	InvalidateToken()
	EnsureToken(ctx context.Context) error
}

// GatewayConfig carries the retry and fill-poll policy.
type GatewayConfig struct {
	MaxAttempts      int           // submission attempts per order
	RetryBase        time.Duration // first backoff, doubles per retry
	FillPollInterval time.Duration
	FillPollMax      int
	RepriceTolerance float64 // BUY quote divergence that forces a reprice
}

// DefaultGatewayConfig returns the production policy.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		MaxAttempts:      3,
		RetryBase:        2 * time.Second,
		FillPollInterval: 2 * time.Second,
		FillPollMax:      30,
		RepriceTolerance: 0.03,
	}
}

// Gateway submits orders and confirms fills. One instance serves the whole
// process so the governor's spacing holds across every trigger source.
type Gateway struct {
	cfg      GatewayConfig
	broker   model.Broker
	store    *position.Store
	gov      *Governor
	journal  model.TradeRecorder
	archiver model.Archiver
	notifier notification.Notifier
	pnl      *position.PnLTracker
	risk     *RiskManager

	// Metric hooks, all optional.
	OnSubmitted   func(side model.Side)
	OnFilled      func(reason model.ExitReason)
	OnFailed      func()
	OnRetry       func()
	OnAuthRefresh func()
	OnDuplicate   func()
	OnReprice     func()
	OnRoundTrip   func(d time.Duration) // submit to terminal state
	OnTrade       func(model.Trade)     // fires after a confirmed fill, for the state publisher
}

// NewGateway wires the gateway. journal, archiver, notifier and pnl may be
// nil; the gateway degrades to logging.
func NewGateway(cfg GatewayConfig, broker model.Broker, store *position.Store, gov *Governor,
	journal model.TradeRecorder, archiver model.Archiver, notifier notification.Notifier,
	pnl *position.PnLTracker, risk *RiskManager) *Gateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.FillPollInterval <= 0 {
		cfg.FillPollInterval = 2 * time.Second
	}
	if cfg.FillPollMax <= 0 {
		cfg.FillPollMax = 30
	}
	return &Gateway{
		cfg:      cfg,
		broker:   broker,
		store:    store,
		gov:      gov,
		journal:  journal,
		archiver: archiver,
		notifier: notifier,
		pnl:      pnl,
		risk:     risk,
	}
}

// Run consumes sell requests until orderCh closes. The monitor closes the
// channel after draining its ticks, so a clean shutdown processes every
// trigger that was already decided. An order submitted when shutdown begins
// still runs to a terminal state.
func (g *Gateway) Run(ctx context.Context, orderCh <-chan *model.OrderRequest) {
	for req := range orderCh {
		g.Process(ctx, req)
	}
	log.Printf("[gateway] order queue drained, stopping")
}

// Process drives one request to a terminal status. Called synchronously by
// the buy-list runner and from Run for sells.
func (g *Gateway) Process(ctx context.Context, req *model.OrderRequest) {
	// The store marks in-flight atomically when it emits a trigger; a
	// request that no longer matches the mark is a duplicate from a stale
	// code path and must never reach the broker.
	if req.Side == model.SideSell {
		pos, ok := g.store.Get(req.Code)
		if !ok || pos.InFlight != req.ID {
			log.Printf("[gateway] duplicate order dropped: %s %s qty=%d reason=%s", req.Side, req.Code, req.Qty, req.Reason)
			if g.OnDuplicate != nil {
				g.OnDuplicate()
			}
			g.alert(notification.AlertWarning, "Duplicate order dropped", req, "")
			return
		}
	}

	g.audit(req)
	start := time.Now()

	brokerID, err := g.submit(ctx, req)
	if err != nil {
		g.fail(req, fmt.Errorf("submit: %w", err))
		return
	}

	req.Status = model.OrderSubmitted
	req.BrokerID = brokerID
	req.UpdatedAt = time.Now()
	g.audit(req)
	if g.OnSubmitted != nil {
		g.OnSubmitted(req.Side)
	}
	log.Printf("[gateway] submitted %s %s qty=%d price=%d reason=%s broker_id=%s",
		req.Side, req.Code, req.Qty, req.Price, req.Reason, brokerID)

	// Fill polling runs on a detached context: once an order is with the
	// broker it is allowed to reach a terminal state even during shutdown.
	pollCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(g.cfg.FillPollMax+2)*g.cfg.FillPollInterval+30*time.Second)
	defer cancel()

	fill, err := g.pollFill(pollCtx, req)
	if err != nil {
		// Shares that filled before the failure are on the account; book
		// them so the store never diverges from the broker.
		if fill.FilledQty > 0 {
			log.Printf("[gateway] %s %s partial fill %d/%d kept despite error: %v",
				req.Side, req.Code, fill.FilledQty, req.Qty, err)
			g.confirm(req, fill, start)
			return
		}
		g.fail(req, fmt.Errorf("fill: %w", err))
		return
	}
	g.confirm(req, fill, start)
}

// submit places the order with the retry budget. Transient errors back off
// 2s, 4s, 8s. The first auth rejection invalidates the cached credential,
// forces one refresh and retries on the same attempt counter. Broker
// rejections and a second auth failure end the budget immediately.
func (g *Gateway) submit(ctx context.Context, req *model.OrderRequest) (string, error) {
	var lastErr error
	authRefreshed := false

	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err := g.gov.Wait(ctx); err != nil {
			return "", err
		}

		brokerID, err := g.broker.PlaceOrder(ctx, req.Side, req.Code, req.Qty, req.Price)
		if err == nil {
			return brokerID, nil
		}
		lastErr = err
		req.Retries = attempt - 1

		switch {
		case kis.IsAuth(err) && !authRefreshed:
			tc, ok := g.broker.(tokenControl)
			if !ok {
				return "", err
			}
			log.Printf("[gateway] auth rejected, refreshing credential: %v", err)
			tc.InvalidateToken()
			if rerr := tc.EnsureToken(ctx); rerr != nil {
				return "", fmt.Errorf("token refresh: %w", rerr)
			}
			authRefreshed = true
			if g.OnAuthRefresh != nil {
				g.OnAuthRefresh()
			}
			// No backoff, and the attempt is not charged: the failure was
			// the stale token, not the broker.
			attempt--
			continue

		case kis.IsAuth(err):
			return "", fmt.Errorf("auth rejected after refresh: %w", err)

		case kis.IsRejected(err):
			return "", err

		default:
			if attempt == g.cfg.MaxAttempts {
				return "", fmt.Errorf("retry budget exhausted: %w", err)
			}
			delay := g.cfg.RetryBase << (attempt - 1)
			log.Printf("[gateway] %s %s attempt %d/%d failed (%v), retrying in %s",
				req.Side, req.Code, attempt, g.cfg.MaxAttempts, err, delay)
			if g.OnRetry != nil {
				g.OnRetry()
			}
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return "", lastErr
}

// pollFill waits for the broker to report the fill. A BUY whose quote has
// drifted past the tolerance while unfilled is cancelled and repriced once.
// Poll exhaustion cancels the remainder; whatever filled is kept.
func (g *Gateway) pollFill(ctx context.Context, req *model.OrderRequest) (model.FillStatus, error) {
	repriced := false
	var last model.FillStatus

	for poll := 0; poll < g.cfg.FillPollMax; poll++ {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(g.cfg.FillPollInterval):
		}

		st, err := g.broker.OrderFill(ctx, req.BrokerID)
		if err != nil {
			log.Printf("[gateway] fill poll %s: %v", req.BrokerID, err)
			continue
		}
		last = st
		if st.FilledQty >= req.Qty {
			return st, nil
		}

		if req.Side == model.SideBuy && !repriced && req.Price > 0 {
			cur, perr := g.broker.CurrentPrice(ctx, req.Code)
			if perr == nil && diverged(req.Price, cur, g.cfg.RepriceTolerance) {
				log.Printf("[gateway] BUY %s quote drifted %d -> %d, cancelling and repricing",
					req.Code, req.Price, cur)
				if cerr := g.broker.CancelOrder(ctx, req.BrokerID, req.Code, req.Qty-st.FilledQty); cerr != nil {
					log.Printf("[gateway] cancel for reprice failed: %v", cerr)
					continue
				}
				req.Price = cur
				brokerID, serr := g.submit(ctx, req)
				if serr != nil {
					return st, fmt.Errorf("reprice resubmit: %w", serr)
				}
				req.BrokerID = brokerID
				req.UpdatedAt = time.Now()
				repriced = true
				if g.OnReprice != nil {
					g.OnReprice()
				}
				g.audit(req)
			}
		}
	}

	// Unfilled remainder is cancelled so the book carries nothing ambiguous.
	if last.FilledQty < req.Qty {
		if err := g.broker.CancelOrder(ctx, req.BrokerID, req.Code, req.Qty-last.FilledQty); err != nil {
			log.Printf("[gateway] cancel unfilled remainder of %s: %v", req.BrokerID, err)
		}
	}
	if last.FilledQty == 0 {
		return last, fmt.Errorf("no fill after %d polls", g.cfg.FillPollMax)
	}
	log.Printf("[gateway] partial fill %s: %d/%d, remainder cancelled", req.BrokerID, last.FilledQty, req.Qty)
	return last, nil
}

// confirm writes a terminal fill back into the store and hands the trade to
// the journal, the archiver, the P&L tracker and the alert sink.
func (g *Gateway) confirm(req *model.OrderRequest, fill model.FillStatus, start time.Time) {
	now := time.Now()
	req.Status = model.OrderFilled
	req.FilledQty = fill.FilledQty
	req.FillPrice = fill.AvgPrice
	req.UpdatedAt = now
	g.audit(req)

	trade := model.Trade{
		OrderID:  req.ID,
		BrokerID: req.BrokerID,
		Code:     req.Code,
		Name:     req.Name,
		Side:     req.Side,
		Qty:      fill.FilledQty,
		Price:    fill.AvgPrice,
		Reason:   req.Reason,
		FilledAt: now,
	}

	if req.Side == model.SideBuy {
		pos, ok := g.store.ConfirmBuy(req.Code, fill.FilledQty, fill.AvgPrice, now)
		if !ok {
			log.Printf("[gateway] filled buy for untracked code %s", req.Code)
		}
		g.record(trade)
		g.alert(notification.AlertInfo, "Position opened", req,
			fmt.Sprintf("%s x%d @ %d KRW", pos.Name, fill.FilledQty, fill.AvgPrice))
	} else {
		pos, closed := g.store.ConfirmSell(req.Code, req.ID, fill.FilledQty, req.Stage)
		if pos.BuyPrice > 0 {
			trade.ProfitRate = float64(fill.AvgPrice-pos.BuyPrice) / float64(pos.BuyPrice)
			trade.ProfitAmt = (fill.AvgPrice - pos.BuyPrice) * fill.FilledQty
		}
		g.record(trade)
		if g.risk != nil {
			g.risk.RecordPnL(trade.ProfitAmt)
		}
		if closed && g.archiver != nil {
			if err := g.archiver.ArchivePosition(pos, trade); err != nil {
				log.Printf("[gateway] archive %s: %v", pos.Code, err)
			}
		}
		g.alert(notification.AlertInfo, "Position sold: "+string(req.Reason), req,
			fmt.Sprintf("%s x%d @ %d KRW, P&L %+d KRW (%.2f%%)",
				pos.Name, fill.FilledQty, fill.AvgPrice, trade.ProfitAmt, trade.ProfitRate*100))
	}

	if g.OnFilled != nil {
		g.OnFilled(req.Reason)
	}
	if g.OnRoundTrip != nil {
		g.OnRoundTrip(time.Since(start))
	}
	log.Printf("[gateway] %s %s filled qty=%d avg=%d in %s",
		req.Side, req.Code, fill.FilledQty, fill.AvgPrice, time.Since(start).Truncate(time.Millisecond))
}

// fail marks the request FAILED and releases the position so later ticks
// can trigger again. Skipped trades always surface through the alert sink.
func (g *Gateway) fail(req *model.OrderRequest, err error) {
	req.Status = model.OrderFailed
	req.UpdatedAt = time.Now()
	g.audit(req)

	if req.Side == model.SideBuy {
		g.store.AbortBuy(req.Code)
	} else {
		g.store.ClearInFlight(req.Code, req.ID)
	}
	if g.OnFailed != nil {
		g.OnFailed()
	}
	log.Printf("[gateway] %s %s qty=%d reason=%s FAILED: %v", req.Side, req.Code, req.Qty, req.Reason, err)
	g.alert(notification.AlertCritical, "Order failed", req, err.Error())
}

func (g *Gateway) record(trade model.Trade) {
	if g.journal != nil {
		if err := g.journal.RecordTrade(trade); err != nil {
			log.Printf("[gateway] journal write: %v", err)
		}
	}
	if g.pnl != nil {
		g.pnl.RecordTrade(trade)
	}
	if g.OnTrade != nil {
		g.OnTrade(trade)
	}
}

func (g *Gateway) audit(req *model.OrderRequest) {
	if g.archiver == nil {
		return
	}
	if err := g.archiver.RecordOrder(*req); err != nil {
		log.Printf("[gateway] order audit: %v", err)
	}
}

func (g *Gateway) alert(level notification.AlertLevel, title string, req *model.OrderRequest, detail string) {
	if g.notifier == nil {
		return
	}
	a := notification.Alert{
		Level:   level,
		Title:   title,
		Message: detail,
		Fields: map[string]string{
			"code":   req.Code,
			"side":   string(req.Side),
			"qty":    fmt.Sprintf("%d", req.Qty),
			"reason": string(req.Reason),
		},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := g.notifier.Send(ctx, a); err != nil {
		log.Printf("[gateway] alert delivery: %v", err)
	}
}

// diverged reports whether cur has moved more than tol away from intended.
func diverged(intended, cur int64, tol float64) bool {
	if intended <= 0 || cur <= 0 {
		return false
	}
	d := float64(cur-intended) / float64(intended)
	if d < 0 {
		d = -d
	}
	return d > tol
}
