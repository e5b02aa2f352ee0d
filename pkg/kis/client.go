// Package kis is a client for the Korea Investment & Securities OpenAPI.
// It covers the REST surface the exit engine needs (OAuth tokens, cash
// orders, cancels, fill inquiry, balance, investor flow) and the realtime
// execution feed over WebSocket.
//
// Usage:
//
//	client := kis.NewClient(kis.Config{
//		AppKey:    "...",
//		AppSecret: "...",
//		Account:   "12345678-01",
//		Paper:     true,
//	})
//	if err := client.EnsureToken(ctx); err != nil {
//		log.Fatal(err)
//	}
//	id, err := client.PlaceSellOrder(ctx, "005930", 10, 0)
//
// All prices are whole KRW. A price of 0 places a market order.
package kis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	realBaseURL  = "https://openapi.koreainvestment.com:9443"
	paperBaseURL = "https://openapivts.koreainvestment.com:29443"
	realWSURL    = "ws://ops.koreainvestment.com:21000"
	paperWSURL   = "ws://ops.koreainvestment.com:31000"

	// tokenLifetime keeps a margin under the 24h the broker grants.
	tokenLifetime = 23 * time.Hour

	defaultTimeout     = 10 * time.Second
	defaultMinInterval = 60 * time.Millisecond
)

// ErrOrderNotFound is returned by InquireOrder when the daily execution
// report has no row for the order yet.
var ErrOrderNotFound = errors.New("kis: order not found")

var routes = map[string]string{
	"token":        "/oauth2/tokenP",
	"approval":     "/oauth2/Approval",
	"hashkey":      "/uapi/hashkey",
	"order.place":  "/uapi/domestic-stock/v1/trading/order-cash",
	"order.cancel": "/uapi/domestic-stock/v1/trading/order-rvsecncl",
	"order.daily":  "/uapi/domestic-stock/v1/trading/inquire-daily-ccld",
	"balance":      "/uapi/domestic-stock/v1/trading/inquire-balance",
	"investor":     "/uapi/domestic-stock/v1/quotations/inquire-investor",
	"price":        "/uapi/domestic-stock/v1/quotations/inquire-price",
}

// trIDs maps a route to its transaction id on the real and the paper
// (virtual) trading domains. Quotation TRs are shared.
var trIDs = map[string]struct{ real, paper string }{
	"order.buy":    {"TTTC0802U", "VTTC0802U"},
	"order.sell":   {"TTTC0801U", "VTTC0801U"},
	"order.cancel": {"TTTC0803U", "VTTC0803U"},
	"order.daily":  {"TTTC8001R", "VTTC8001R"},
	"balance":      {"TTTC8434R", "VTTC8434R"},
	"investor":     {"FHKST01010900", "FHKST01010900"},
	"price":        {"FHKST01010100", "FHKST01010100"},
}

// Config carries credentials and endpoints for a Client. Zero values fall
// back to the production defaults for the selected trading domain.
type Config struct {
	AppKey    string
	AppSecret string
	// Account is the brokerage account, either "12345678-01" or the bare
	// ten digits. The two-digit product code defaults to "01".
	Account string
	// Paper routes everything to the virtual trading domain.
	Paper   bool
	BaseURL string
	WSURL   string
	Timeout time.Duration
	// MinInterval is the floor between consecutive REST calls. The broker
	// throttles around 20 calls per second per key.
	MinInterval time.Duration
	Debug       bool
}

// Client is a KIS OpenAPI REST client. It caches the access token and
// hashkeys, and spaces requests to stay inside the broker's rate limit.
// Safe for concurrent use.
type Client struct {
	cfg        Config
	cano       string
	acntPrdtCd string
	httpClient *http.Client

	// AuthExpiryHook, when set, runs every time the broker rejects the
	// bearer token. The engine hangs a counter off it.
	AuthExpiryHook func()

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
	approvalKey string

	hashMu    sync.Mutex
	hashCache map[string]string

	paceMu   sync.Mutex
	lastCall time.Time
}

// NewClient builds a Client, applying domain defaults for anything Config
// leaves zero.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		if cfg.Paper {
			cfg.BaseURL = paperBaseURL
		} else {
			cfg.BaseURL = realBaseURL
		}
	}
	if cfg.WSURL == "" {
		if cfg.Paper {
			cfg.WSURL = paperWSURL
		} else {
			cfg.WSURL = realWSURL
		}
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = defaultMinInterval
	}
	cano, prdt := splitAccount(cfg.Account)
	return &Client{
		cfg:        cfg,
		cano:       cano,
		acntPrdtCd: prdt,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		hashCache:  make(map[string]string),
	}
}

// WSURL reports the realtime endpoint for the configured trading domain.
func (c *Client) WSURL() string { return c.cfg.WSURL }

func splitAccount(account string) (cano, prdt string) {
	if i := strings.IndexByte(account, '-'); i >= 0 {
		return account[:i], account[i+1:]
	}
	if len(account) > 8 {
		return account[:8], account[8:]
	}
	return account, "01"
}

// ── Authentication ──────────────────────────────────────────────

// EnsureToken makes sure a valid access token is cached, minting one if
// needed. Call it at startup so credential problems surface before the
// first order.
func (c *Client) EnsureToken(ctx context.Context) error {
	_, err := c.bearer(ctx)
	return err
}

// InvalidateToken drops the cached access token. The next request mints a
// fresh one.
func (c *Client) InvalidateToken() {
	c.tokenMu.Lock()
	c.accessToken = ""
	c.tokenExpiry = time.Time{}
	c.tokenMu.Unlock()
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}
	var out struct {
		AccessToken string `json:"access_token"`
	}
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"appsecret":  c.cfg.AppSecret,
	}
	if err := c.oauthPost(ctx, "token", body, &out); err != nil {
		return "", err
	}
	if out.AccessToken == "" {
		return "", &APIError{Kind: KindAuth, TRID: "tokenP", Msg: "empty access_token"}
	}
	c.accessToken = out.AccessToken
	c.tokenExpiry = time.Now().Add(tokenLifetime)
	log.Printf("[kis] access token issued, valid until %s", c.tokenExpiry.Format("15:04:05"))
	return c.accessToken, nil
}

// ApprovalKey returns the WebSocket approval key, minting it on first use.
func (c *Client) ApprovalKey(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.approvalKey != "" {
		return c.approvalKey, nil
	}
	var out struct {
		ApprovalKey string `json:"approval_key"`
	}
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"secretkey":  c.cfg.AppSecret,
	}
	if err := c.oauthPost(ctx, "approval", body, &out); err != nil {
		return "", err
	}
	if out.ApprovalKey == "" {
		return "", &APIError{Kind: KindAuth, TRID: "Approval", Msg: "empty approval_key"}
	}
	c.approvalKey = out.ApprovalKey
	log.Printf("[kis] websocket approval key issued")
	return c.approvalKey, nil
}

// oauthPost is a bare POST for the oauth endpoints, which carry no bearer
// token and no rt_cd envelope.
func (c *Client) oauthPost(ctx context.Context, route string, body map[string]string, out any) error {
	c.pace()
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+routes[route], bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapNetErr(route, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return wrapNetErr(route, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Kind: classifyResponse(resp.StatusCode, ""), TRID: route, Status: resp.StatusCode, Msg: strings.TrimSpace(string(raw))}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &APIError{Kind: KindMalformed, TRID: route, Status: resp.StatusCode, Err: err}
	}
	return nil
}

func (c *Client) hashkey(ctx context.Context, payload []byte) (string, error) {
	c.hashMu.Lock()
	if h, ok := c.hashCache[string(payload)]; ok {
		c.hashMu.Unlock()
		return h, nil
	}
	c.hashMu.Unlock()

	c.pace()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+routes["hashkey"], bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("content-type", "application/json")
	req.Header.Set("appkey", c.cfg.AppKey)
	req.Header.Set("appsecret", c.cfg.AppSecret)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", wrapNetErr("hashkey", err)
	}
	defer resp.Body.Close()
	var out struct {
		Hash string `json:"HASH"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &APIError{Kind: KindMalformed, TRID: "hashkey", Err: err}
	}
	c.hashMu.Lock()
	c.hashCache[string(payload)] = out.Hash
	c.hashMu.Unlock()
	return out.Hash, nil
}

// ── Request plumbing ────────────────────────────────────────────

// pace enforces the minimum spacing between REST calls. Callers queue on
// the mutex, so concurrent requests leave in order.
func (c *Client) pace() {
	c.paceMu.Lock()
	defer c.paceMu.Unlock()
	if wait := c.cfg.MinInterval - time.Since(c.lastCall); wait > 0 {
		time.Sleep(wait)
	}
	c.lastCall = time.Now()
}

type envelope struct {
	RtCd  string `json:"rt_cd"`
	MsgCd string `json:"msg_cd"`
	Msg1  string `json:"msg1"`
}

// do performs one authenticated call and returns the raw response body
// after the rt_cd envelope has been checked. body, when non-nil, is sent
// as JSON and hashed for the hashkey header.
func (c *Client) do(ctx context.Context, method, route, trKey string, query url.Values, body map[string]string) ([]byte, error) {
	trID := c.trID(trKey)
	token, err := c.bearer(ctx)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}

	u := c.cfg.BaseURL + routes[route]
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("content-type", "application/json; charset=utf-8")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("appkey", c.cfg.AppKey)
	req.Header.Set("appsecret", c.cfg.AppSecret)
	req.Header.Set("tr_id", trID)
	req.Header.Set("custtype", "P")
	if payload != nil {
		hash, err := c.hashkey(ctx, payload)
		if err != nil {
			return nil, err
		}
		req.Header.Set("hashkey", hash)
	}

	if c.cfg.Debug {
		log.Printf("[kis] %s %s tr_id=%s", method, routes[route], trID)
	}

	c.pace()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapNetErr(trID, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, wrapNetErr(trID, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 500 {
			return nil, &APIError{Kind: KindTransient, TRID: trID, Status: resp.StatusCode}
		}
		return nil, &APIError{Kind: KindMalformed, TRID: trID, Status: resp.StatusCode, Err: err}
	}
	if env.RtCd != "0" {
		kind := classifyResponse(resp.StatusCode, env.MsgCd)
		if kind == KindAuth && c.AuthExpiryHook != nil {
			c.AuthExpiryHook()
		}
		return nil, &APIError{Kind: kind, TRID: trID, Status: resp.StatusCode, Code: env.MsgCd, Msg: strings.TrimSpace(env.Msg1)}
	}
	return raw, nil
}

func (c *Client) trID(key string) string {
	ids, ok := trIDs[key]
	if !ok {
		return key
	}
	if c.cfg.Paper {
		return ids.paper
	}
	return ids.real
}

func wrapNetErr(trID string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &APIError{Kind: KindTransient, TRID: trID, Err: err}
}

// ── Orders ──────────────────────────────────────────────────────

// PlaceBuyOrder submits a cash buy. price 0 places a market order.
// Returns the broker order number.
func (c *Client) PlaceBuyOrder(ctx context.Context, code string, qty, price int64) (string, error) {
	return c.placeOrder(ctx, "order.buy", code, qty, price)
}

// PlaceSellOrder submits a cash sell. price 0 places a market order.
// Returns the broker order number.
func (c *Client) PlaceSellOrder(ctx context.Context, code string, qty, price int64) (string, error) {
	return c.placeOrder(ctx, "order.sell", code, qty, price)
}

func (c *Client) placeOrder(ctx context.Context, trKey, code string, qty, price int64) (string, error) {
	ordDvsn := "01" // market
	if price > 0 {
		ordDvsn = "00" // limit
	}
	body := map[string]string{
		"CANO":         c.cano,
		"ACNT_PRDT_CD": c.acntPrdtCd,
		"PDNO":         code,
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.FormatInt(qty, 10),
		"ORD_UNPR":     strconv.FormatInt(price, 10),
	}
	raw, err := c.do(ctx, http.MethodPost, "order.place", trKey, nil, body)
	if err != nil {
		return "", err
	}
	var out struct {
		Output struct {
			Odno   string `json:"ODNO"`
			OrdTmd string `json:"ORD_TMD"`
		} `json:"output"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &APIError{Kind: KindMalformed, TRID: c.trID(trKey), Err: err}
	}
	if out.Output.Odno == "" {
		return "", &APIError{Kind: KindMalformed, TRID: c.trID(trKey), Msg: "order accepted without ODNO"}
	}
	return out.Output.Odno, nil
}

// CancelOrder cancels the entire unfilled remainder of an order.
func (c *Client) CancelOrder(ctx context.Context, orderID, code string, qty int64) error {
	body := map[string]string{
		"CANO":               c.cano,
		"ACNT_PRDT_CD":       c.acntPrdtCd,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":          orderID,
		"ORD_DVSN":           "00",
		"RVSE_CNCL_DVSN_CD":  "02",
		"ORD_QTY":            strconv.FormatInt(qty, 10),
		"ORD_UNPR":           "0",
		"QTY_ALL_ORD_YN":     "Y",
	}
	_, err := c.do(ctx, http.MethodPost, "order.cancel", "order.cancel", nil, body)
	return err
}

// OrderStatus is one row of the daily execution report.
type OrderStatus struct {
	OrderID    string
	Code       string
	Name       string
	OrderQty   int64
	FilledQty  int64
	OrderPrice int64
	AvgPrice   int64
	OrderTime  string
	Side       string
}

// InquireOrder looks the order up in today's execution report. Returns
// ErrOrderNotFound while the broker has no row for it yet.
func (c *Client) InquireOrder(ctx context.Context, orderID string) (*OrderStatus, error) {
	rows, err := c.inquireDaily(ctx, orderID)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		if rows[i].OrderID == orderID {
			return &rows[i], nil
		}
	}
	return nil, ErrOrderNotFound
}

// DailyOrders returns every order row in today's execution report.
func (c *Client) DailyOrders(ctx context.Context) ([]OrderStatus, error) {
	return c.inquireDaily(ctx, "")
}

func (c *Client) inquireDaily(ctx context.Context, orderID string) ([]OrderStatus, error) {
	today := time.Now().Format("20060102")
	query := url.Values{
		"CANO":            {c.cano},
		"ACNT_PRDT_CD":    {c.acntPrdtCd},
		"INQR_STRT_DT":    {today},
		"INQR_END_DT":     {today},
		"SLL_BUY_DVSN_CD": {"00"},
		"INQR_DVSN":       {"01"},
		"PDNO":            {""},
		"CCLD_DVSN":       {"00"},
		"ORD_GNO_BRNO":    {""},
		"ODNO":            {orderID},
		"INQR_DVSN_3":     {"00"},
		"INQR_DVSN_1":     {""},
		"CTX_AREA_FK100":  {""},
		"CTX_AREA_NK100":  {""},
	}
	raw, err := c.do(ctx, http.MethodGet, "order.daily", "order.daily", query, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Output1 []struct {
			Odno       string `json:"odno"`
			Pdno       string `json:"pdno"`
			PrdtName   string `json:"prdt_name"`
			OrdQty     string `json:"ord_qty"`
			TotCcldQty string `json:"tot_ccld_qty"`
			OrdUnpr    string `json:"ord_unpr"`
			AvgPrvs    string `json:"avg_prvs"`
			OrdTmd     string `json:"ord_tmd"`
			SideName   string `json:"sll_buy_dvsn_cd_name"`
		} `json:"output1"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &APIError{Kind: KindMalformed, TRID: c.trID("order.daily"), Err: err}
	}
	rows := make([]OrderStatus, 0, len(out.Output1))
	for _, r := range out.Output1 {
		rows = append(rows, OrderStatus{
			OrderID:    r.Odno,
			Code:       r.Pdno,
			Name:       r.PrdtName,
			OrderQty:   asInt("ord_qty", r.OrdQty),
			FilledQty:  asInt("tot_ccld_qty", r.TotCcldQty),
			OrderPrice: asInt("ord_unpr", r.OrdUnpr),
			AvgPrice:   int64(asFloat("avg_prvs", r.AvgPrvs)),
			OrderTime:  r.OrdTmd,
			Side:       r.SideName,
		})
	}
	return rows, nil
}

// ── Account ─────────────────────────────────────────────────────

// Holding is one position row of the account balance.
type Holding struct {
	Code       string
	Name       string
	Qty        int64
	BuyPrice   int64
	Price      int64
	Profit     int64
	ProfitRate float64
}

// Balance summarizes the account with its open positions.
type Balance struct {
	TotalValue  int64
	Cash        int64
	TotalBuy    int64
	TotalEval   int64
	TotalProfit int64
	ProfitRate  float64
	Holdings    []Holding
}

// FetchBalance reads the account balance. Rows with zero quantity are
// dropped.
func (c *Client) FetchBalance(ctx context.Context) (*Balance, error) {
	query := url.Values{
		"CANO":                  {c.cano},
		"ACNT_PRDT_CD":          {c.acntPrdtCd},
		"AFHR_FLPR_YN":          {"N"},
		"OFL_YN":                {"N"},
		"INQR_DVSN":             {"01"},
		"UNPR_DVSN":             {"01"},
		"FUND_STTL_ICLD_YN":     {"N"},
		"FNCG_AMT_AUTO_RDPT_YN": {"N"},
		"PRCS_DVSN":             {"01"},
		"CTX_AREA_FK100":        {""},
		"CTX_AREA_NK100":        {""},
	}
	raw, err := c.do(ctx, http.MethodGet, "balance", "balance", query, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Output1 []struct {
			Pdno        string `json:"pdno"`
			PrdtName    string `json:"prdt_name"`
			HldgQty     string `json:"hldg_qty"`
			PchsAvgPric string `json:"pchs_avg_pric"`
			Prpr        string `json:"prpr"`
			EvluPflsAmt string `json:"evlu_pfls_amt"`
			EvluPflsRt  string `json:"evlu_pfls_rt"`
		} `json:"output1"`
		Output2 []struct {
			TotEvluAmt      string `json:"tot_evlu_amt"`
			DncaTotAmt      string `json:"dnca_tot_amt"`
			PchsAmtSmtlAmt  string `json:"pchs_amt_smtl_amt"`
			EvluAmtSmtlAmt  string `json:"evlu_amt_smtl_amt"`
			EvluPflsSmtlAmt string `json:"evlu_pfls_smtl_amt"`
			TotEvluPflsRt   string `json:"tot_evlu_pfls_rt"`
		} `json:"output2"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &APIError{Kind: KindMalformed, TRID: c.trID("balance"), Err: err}
	}
	bal := &Balance{}
	for _, r := range out.Output1 {
		qty := asInt("hldg_qty", r.HldgQty)
		if qty <= 0 {
			continue
		}
		bal.Holdings = append(bal.Holdings, Holding{
			Code:       r.Pdno,
			Name:       r.PrdtName,
			Qty:        qty,
			BuyPrice:   int64(asFloat("pchs_avg_pric", r.PchsAvgPric)),
			Price:      asInt("prpr", r.Prpr),
			Profit:     asInt("evlu_pfls_amt", r.EvluPflsAmt),
			ProfitRate: asFloat("evlu_pfls_rt", r.EvluPflsRt),
		})
	}
	if len(out.Output2) > 0 {
		t := out.Output2[0]
		bal.TotalValue = asInt("tot_evlu_amt", t.TotEvluAmt)
		bal.Cash = asInt("dnca_tot_amt", t.DncaTotAmt)
		bal.TotalBuy = asInt("pchs_amt_smtl_amt", t.PchsAmtSmtlAmt)
		bal.TotalEval = asInt("evlu_amt_smtl_amt", t.EvluAmtSmtlAmt)
		bal.TotalProfit = asInt("evlu_pfls_smtl_amt", t.EvluPflsSmtlAmt)
		bal.ProfitRate = asFloat("tot_evlu_pfls_rt", t.TotEvluPflsRt)
	}
	return bal, nil
}

// ── Quotations ──────────────────────────────────────────────────

// CurrentPrice returns the last traded price in KRW.
func (c *Client) CurrentPrice(ctx context.Context, code string) (int64, error) {
	query := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {code},
	}
	raw, err := c.do(ctx, http.MethodGet, "price", "price", query, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Output struct {
			StckPrpr string `json:"stck_prpr"`
		} `json:"output"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, &APIError{Kind: KindMalformed, TRID: c.trID("price"), Err: err}
	}
	return asInt("stck_prpr", out.Output.StckPrpr), nil
}

// NetFlow returns the most recent combined foreign and institutional net
// buying for a stock, in units of 100M KRW. Negative means net outflow.
func (c *Client) NetFlow(ctx context.Context, code string) (float64, error) {
	query := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {code},
	}
	raw, err := c.do(ctx, http.MethodGet, "investor", "investor", query, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Output []struct {
			FrgnNtbyQty string `json:"frgn_ntby_qty"`
			OrgnNtbyQty string `json:"orgn_ntby_qty"`
			StckClpr    string `json:"stck_clpr"`
		} `json:"output"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return 0, &APIError{Kind: KindMalformed, TRID: c.trID("investor"), Err: err}
	}
	if len(out.Output) == 0 {
		return 0, nil
	}
	latest := out.Output[0]
	netQty := asInt("frgn_ntby_qty", latest.FrgnNtbyQty) + asInt("orgn_ntby_qty", latest.OrgnNtbyQty)
	closePrice := asInt("stck_clpr", latest.StckClpr)
	return float64(netQty*closePrice) / 1e8, nil
}

// ── Field coercion ──────────────────────────────────────────────
// The broker sends every numeric as a string and leaves flat fields
// empty. Empty defaults to zero quietly; anything else that fails to
// parse is logged and defaulted.

func asInt(field, s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			log.Printf("[kis] malformed %s value %q, using 0", field, s)
			return 0
		}
		return int64(f)
	}
	return v
}

func asFloat(field, s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		log.Printf("[kis] malformed %s value %q, using 0", field, s)
		return 0
	}
	return v
}
