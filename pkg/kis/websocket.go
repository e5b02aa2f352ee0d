package kis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// TRPrice is the realtime execution report stream.
	TRPrice = "H0STCNT0"

	// MaxSubscriptions is the per-connection code cap the gateway enforces.
	MaxSubscriptions = 40

	HeartBeatMessage  = "ping"
	HeartBeatInterval = 30 * time.Second

	// subscribeSpacing keeps registration requests under the gateway's
	// per-second request limit.
	subscribeSpacing = 100 * time.Millisecond
)

// PriceTick is one execution report. Prices are whole KRW; Volume is the
// day's cumulative traded quantity.
type PriceTick struct {
	Code       string
	Time       string // HHMMSS, exchange local
	Price      int64
	Change     int64
	ChangeRate float64
	Open       int64
	High       int64
	Low        int64
	Volume     int64
}

type wsRequest struct {
	Header wsHeader `json:"header"`
	Body   wsBody   `json:"body"`
}

type wsHeader struct {
	ApprovalKey string `json:"approval_key"`
	Custtype    string `json:"custtype"`
	TrType      string `json:"tr_type"`
	ContentType string `json:"content-type"`
}

type wsBody struct {
	Input wsInput `json:"input"`
}

type wsInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

type wsControl struct {
	Header struct {
		TrID string `json:"tr_id"`
	} `json:"header"`
	Body struct {
		RtCd string `json:"rt_cd"`
		Msg1 string `json:"msg1"`
	} `json:"body"`
}

// Realtime streams execution reports from the KIS realtime gateway. It
// carries Subscribe / Unsubscribe with auto-resubscribe after reconnect,
// heartbeat handling and pipe-frame parsing. Callbacks run on the read
// goroutine, so they must not block.
type Realtime struct {
	url      string
	approval func(context.Context) (string, error)

	Dialer *websocket.Dialer

	mu            sync.Mutex
	conn          *websocket.Conn
	subscriptions map[string]bool
	approvalKey   string

	writeMu sync.Mutex

	lastPongTimestamp time.Time

	// Reconnect policy. RetryDelay doubles per attempt up to RetryCap.
	MaxRetryAttempt int
	RetryDelay      time.Duration
	RetryCap        time.Duration

	// Callbacks. OnTick receives every parsed execution report.
	// OnReconnect fires after a dropped connection has been re-dialed and
	// resubscribed; the tick gap until then is the caller's to handle.
	OnTick      func(*PriceTick)
	OnOpen      func()
	OnClose     func()
	OnError     func(err error)
	OnReconnect func(attempt int)

	ctx    context.Context
	cancel context.CancelFunc
}

// Realtime returns a feed client for the client's trading domain, using
// the client's approval key.
func (c *Client) Realtime() *Realtime {
	return NewRealtime(c.cfg.WSURL, c.ApprovalKey)
}

// NewRealtime builds a feed client. approval mints the websocket approval
// key and is called on every (re)connect.
func NewRealtime(url string, approval func(context.Context) (string, error)) *Realtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &Realtime{
		url:             url,
		approval:        approval,
		Dialer:          websocket.DefaultDialer,
		subscriptions:   make(map[string]bool),
		MaxRetryAttempt: 5,
		RetryDelay:      2 * time.Second,
		RetryCap:        30 * time.Second,
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Connect dials the gateway and starts the read and heartbeat loops.
func (r *Realtime) Connect() error {
	key, err := r.approval(r.ctx)
	if err != nil {
		return fmt.Errorf("approval key: %w", err)
	}

	conn, resp, err := r.Dialer.Dial(r.url, nil)
	if err != nil {
		if resp != nil {
			log.Printf("[kis-ws] dial failed, status: %s", resp.Status)
		}
		return err
	}

	r.mu.Lock()
	r.conn = conn
	r.approvalKey = key
	r.mu.Unlock()

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})
	conn.SetPongHandler(func(string) error {
		r.mu.Lock()
		r.lastPongTimestamp = time.Now()
		r.mu.Unlock()
		return nil
	})

	log.Printf("[kis-ws] connected to %s", r.url)

	go r.readLoop(conn)
	go r.heartbeatLoop(conn)

	if r.OnOpen != nil {
		r.OnOpen()
	}
	return nil
}

// CloseConnection stops the loops and closes the socket.
func (r *Realtime) CloseConnection() {
	r.cancel()
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
}

// Bounce force-closes the socket without cancelling the client. The read
// loop sees the broken connection and runs the normal reconnect path, so
// the watchdog can recover a stalled-but-open feed.
func (r *Realtime) Bounce() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// Subscribe registers codes on the execution feed and records them for
// resubscribe after reconnect.
func (r *Realtime) Subscribe(codes ...string) error {
	// Capacity check and reservation happen under one lock hold, so two
	// concurrent calls cannot jointly push past the cap.
	fresh := make(map[string]bool, len(codes))
	r.mu.Lock()
	for _, code := range codes {
		if !r.subscriptions[code] {
			fresh[code] = true
		}
	}
	room := MaxSubscriptions - len(r.subscriptions)
	if len(fresh) > room {
		r.mu.Unlock()
		return fmt.Errorf("kis: subscription cap %d exceeded (%d active, %d new)", MaxSubscriptions, MaxSubscriptions-room, len(fresh))
	}
	for code := range fresh {
		r.subscriptions[code] = true
	}
	r.mu.Unlock()

	for i, code := range codes {
		if err := r.sendRegistration(code, "1"); err != nil {
			// Release reservations that never reached the wire.
			r.mu.Lock()
			for _, c := range codes[i:] {
				if fresh[c] {
					delete(r.subscriptions, c)
				}
			}
			r.mu.Unlock()
			return err
		}
		delete(fresh, code)
		if i < len(codes)-1 {
			time.Sleep(subscribeSpacing)
		}
	}
	return nil
}

// Unsubscribe removes codes from the feed.
func (r *Realtime) Unsubscribe(codes ...string) error {
	for _, code := range codes {
		if err := r.sendRegistration(code, "2"); err != nil {
			return err
		}
		r.mu.Lock()
		delete(r.subscriptions, code)
		r.mu.Unlock()
	}
	return nil
}

// Subscriptions returns the codes currently registered.
func (r *Realtime) Subscriptions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.subscriptions))
	for code := range r.subscriptions {
		out = append(out, code)
	}
	return out
}

// Resubscribe replays every recorded registration, used after reconnect.
func (r *Realtime) Resubscribe() error {
	for _, code := range r.Subscriptions() {
		if err := r.sendRegistration(code, "1"); err != nil {
			return err
		}
		time.Sleep(subscribeSpacing)
	}
	return nil
}

func (r *Realtime) sendRegistration(code, trType string) error {
	r.mu.Lock()
	conn := r.conn
	key := r.approvalKey
	r.mu.Unlock()
	if conn == nil {
		return errors.New("kis: no connection")
	}
	req := wsRequest{
		Header: wsHeader{
			ApprovalKey: key,
			Custtype:    "P",
			TrType:      trType,
			ContentType: "utf-8",
		},
	}
	req.Body.Input = wsInput{TrID: TRPrice, TrKey: code}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(req)
}

func (r *Realtime) readLoop(conn *websocket.Conn) {
	defer func() {
		if r.OnClose != nil {
			r.OnClose()
		}
	}()

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.Printf("[kis-ws] read error: %v", err)
			r.handleError(err)
			return
		}

		if len(message) == 0 {
			continue
		}
		if message[0] == '{' {
			r.handleControl(conn, message)
			continue
		}
		tick, err := ParsePriceTick(string(message))
		if err != nil {
			log.Printf("[kis-ws] %v", err)
			continue
		}
		if r.OnTick != nil {
			r.OnTick(tick)
		}
	}
}

func (r *Realtime) handleControl(conn *websocket.Conn, message []byte) {
	var ctl wsControl
	if err := json.Unmarshal(message, &ctl); err != nil {
		log.Printf("[kis-ws] undecodable control frame: %v", err)
		return
	}
	if strings.Contains(ctl.Header.TrID, "PINGPONG") {
		// The gateway expects its app-level PINGPONG frame echoed back.
		r.writeMu.Lock()
		conn.WriteMessage(websocket.TextMessage, message)
		r.writeMu.Unlock()
		return
	}
	if ctl.Body.RtCd == "0" {
		log.Printf("[kis-ws] registration ok: %s", ctl.Header.TrID)
	} else if ctl.Body.RtCd != "" {
		log.Printf("[kis-ws] registration refused: %s rt_cd=%s %s", ctl.Header.TrID, ctl.Body.RtCd, ctl.Body.Msg1)
	}
}

// handleError redials with exponential backoff and replays subscriptions.
func (r *Realtime) handleError(err error) {
	for attempt := 1; attempt <= r.MaxRetryAttempt; attempt++ {
		if r.ctx.Err() != nil {
			return
		}
		delay := r.RetryDelay << (attempt - 1)
		if delay > r.RetryCap {
			delay = r.RetryCap
		}
		log.Printf("[kis-ws] reconnecting in %s (attempt %d/%d)", delay, attempt, r.MaxRetryAttempt)
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(delay):
		}
		if err := r.Connect(); err != nil {
			log.Printf("[kis-ws] reconnect failed: %v", err)
			continue
		}
		if err := r.Resubscribe(); err != nil {
			log.Printf("[kis-ws] resubscribe failed: %v", err)
		}
		if r.OnReconnect != nil {
			r.OnReconnect(attempt)
		}
		return
	}
	if r.OnError != nil {
		r.OnError(fmt.Errorf("kis: feed down after %d reconnect attempts: %w", r.MaxRetryAttempt, err))
	}
}

func (r *Realtime) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(HeartBeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, []byte(HeartBeatMessage))
			r.writeMu.Unlock()
			if err != nil {
				// The read loop sees the broken socket and reconnects.
				return
			}
		}
	}
}

// ParsePriceTick decodes one pipe-delimited execution frame:
//
//	H0STCNT0|005930|093012|71500|2|500|0.70|71450.12|71200|71600|71100|...|1234567
//
// Numeric fields arrive as strings and may be empty, in which case they
// default to zero.
func ParsePriceTick(msg string) (*PriceTick, error) {
	parts := strings.Split(msg, "|")
	if len(parts) < 15 {
		return nil, fmt.Errorf("kis: truncated tick frame (%d fields)", len(parts))
	}
	if !strings.Contains(parts[0], "STCNT") {
		return nil, fmt.Errorf("kis: unexpected realtime tr %q", parts[0])
	}
	return &PriceTick{
		Code:       parts[1],
		Time:       parts[2],
		Price:      asInt("tick price", parts[3]),
		Change:     asInt("tick change", parts[5]),
		ChangeRate: asFloat("tick change_rate", parts[6]),
		Open:       asInt("tick open", parts[8]),
		High:       asInt("tick high", parts[9]),
		Low:        asInt("tick low", parts[10]),
		Volume:     asInt("tick volume", parts[14]),
	}, nil
}
