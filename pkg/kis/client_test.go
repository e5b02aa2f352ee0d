package kis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient points a paper-domain client at the fake broker and
// removes the request pacing so tests run fast.
func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Config{
		AppKey:      "test-key",
		AppSecret:   "test-secret",
		Account:     "12345678-01",
		Paper:       true,
		BaseURL:     srv.URL,
		MinInterval: time.Nanosecond,
	})
}

// brokerStub wires the oauth endpoints every authenticated call needs and
// lets each test add its own business route.
func brokerStub(t *testing.T, tokenHits *int32) *http.ServeMux {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(routes["token"], func(w http.ResponseWriter, r *http.Request) {
		if tokenHits != nil {
			atomic.AddInt32(tokenHits, 1)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["appkey"] != "test-key" || body["appsecret"] != "test-secret" {
			t.Errorf("token request carried wrong credentials: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-abc"})
	})
	mux.HandleFunc(routes["hashkey"], func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("appkey") != "test-key" {
			t.Errorf("hashkey request missing appkey header")
		}
		json.NewEncoder(w).Encode(map[string]string{"HASH": "hash-1"})
	})
	return mux
}

func TestEnsureToken_CachedAcrossCalls(t *testing.T) {
	var hits int32
	mux := brokerStub(t, &hits)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.EnsureToken(ctx); err != nil {
			t.Fatalf("EnsureToken: %v", err)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("token endpoint hit %d times, want 1", got)
	}

	// Invalidation forces a fresh mint on the next call.
	c.InvalidateToken()
	if err := c.EnsureToken(ctx); err != nil {
		t.Fatalf("EnsureToken after invalidate: %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 2 {
		t.Fatalf("token endpoint hit %d times after invalidate, want 2", got)
	}
}

func TestPlaceSellOrder_WireFormat(t *testing.T) {
	mux := brokerStub(t, nil)
	type captured struct {
		trID, auth, hash, custtype string
		body                       map[string]string
	}
	got := make(chan captured, 1)
	mux.HandleFunc(routes["order.place"], func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		got <- captured{
			trID:     r.Header.Get("tr_id"),
			auth:     r.Header.Get("authorization"),
			hash:     r.Header.Get("hashkey"),
			custtype: r.Header.Get("custtype"),
			body:     body,
		}
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0", "msg_cd": "APBK0013", "msg1": "ok",
			"output": map[string]string{"ODNO": "0000117057", "ORD_TMD": "121052"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv)
	id, err := c.PlaceSellOrder(context.Background(), "005930", 7, 0)
	if err != nil {
		t.Fatalf("PlaceSellOrder: %v", err)
	}
	if id != "0000117057" {
		t.Fatalf("order id = %q, want 0000117057", id)
	}

	req := <-got
	if req.trID != "VTTC0801U" {
		t.Errorf("tr_id = %q, want paper sell VTTC0801U", req.trID)
	}
	if req.auth != "Bearer tok-abc" {
		t.Errorf("authorization = %q", req.auth)
	}
	if req.hash != "hash-1" {
		t.Errorf("hashkey = %q, want hash-1", req.hash)
	}
	if req.custtype != "P" {
		t.Errorf("custtype = %q, want P", req.custtype)
	}
	want := map[string]string{
		"CANO":         "12345678",
		"ACNT_PRDT_CD": "01",
		"PDNO":         "005930",
		"ORD_DVSN":     "01",
		"ORD_QTY":      "7",
		"ORD_UNPR":     "0",
	}
	for k, v := range want {
		if req.body[k] != v {
			t.Errorf("body[%s] = %q, want %q", k, req.body[k], v)
		}
	}
}

func TestPlaceBuyOrder_LimitUsesPriceAndRealTR(t *testing.T) {
	mux := brokerStub(t, nil)
	got := make(chan map[string]string, 1)
	trID := make(chan string, 1)
	mux.HandleFunc(routes["order.place"], func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		got <- body
		trID <- r.Header.Get("tr_id")
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0", "output": map[string]string{"ODNO": "0000200001"},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(Config{
		AppKey: "test-key", AppSecret: "test-secret", Account: "1234567801",
		BaseURL: srv.URL, MinInterval: time.Nanosecond,
	})
	if _, err := c.PlaceBuyOrder(context.Background(), "035720", 3, 51000); err != nil {
		t.Fatalf("PlaceBuyOrder: %v", err)
	}
	body := <-got
	if body["ORD_DVSN"] != "00" {
		t.Errorf("ORD_DVSN = %q, want limit 00", body["ORD_DVSN"])
	}
	if body["ORD_UNPR"] != "51000" {
		t.Errorf("ORD_UNPR = %q, want 51000", body["ORD_UNPR"])
	}
	// Bare ten-digit account splits 8+2.
	if body["CANO"] != "12345678" || body["ACNT_PRDT_CD"] != "01" {
		t.Errorf("account split = %q / %q", body["CANO"], body["ACNT_PRDT_CD"])
	}
	if id := <-trID; id != "TTTC0802U" {
		t.Errorf("tr_id = %q, want real buy TTTC0802U", id)
	}
}

func TestPlaceOrder_BrokerRefusalIsRejected(t *testing.T) {
	mux := brokerStub(t, nil)
	mux.HandleFunc(routes["order.place"], func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"rt_cd": "1", "msg_cd": "APBK0918", "msg1": "주문가능금액을 초과했습니다",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.PlaceSellOrder(context.Background(), "005930", 7, 0)
	if !IsRejected(err) {
		t.Fatalf("err = %v, want a rejected APIError", err)
	}
	if IsTransient(err) || IsAuth(err) {
		t.Fatalf("refusal misclassified: %v", err)
	}
	var ae *APIError
	if !errors.As(err, &ae) || ae.Code != "APBK0918" {
		t.Fatalf("msg_cd not carried: %v", err)
	}
}

func TestDo_TokenExpiryClassifiedAuthAndHooked(t *testing.T) {
	mux := brokerStub(t, nil)
	mux.HandleFunc(routes["order.place"], func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"rt_cd": "1", "msg_cd": "EGW00123", "msg1": "기간이 만료된 token 입니다",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv)
	var hooked int32
	c.AuthExpiryHook = func() { atomic.AddInt32(&hooked, 1) }

	_, err := c.PlaceSellOrder(context.Background(), "005930", 7, 0)
	if !IsAuth(err) {
		t.Fatalf("err = %v, want auth", err)
	}
	if atomic.LoadInt32(&hooked) != 1 {
		t.Fatalf("AuthExpiryHook ran %d times, want 1", hooked)
	}
}

func TestDo_ServerErrorIsTransient(t *testing.T) {
	mux := brokerStub(t, nil)
	mux.HandleFunc(routes["order.place"], func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway busy", http.StatusBadGateway)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.PlaceSellOrder(context.Background(), "005930", 7, 0)
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestInquireOrder_FindsFillRow(t *testing.T) {
	mux := brokerStub(t, nil)
	mux.HandleFunc(routes["order.daily"], func(w http.ResponseWriter, r *http.Request) {
		if odno := r.URL.Query().Get("ODNO"); odno != "0000117057" {
			t.Errorf("ODNO query = %q", odno)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0",
			"output1": []map[string]string{
				{
					"odno": "0000117057", "pdno": "005930", "prdt_name": "삼성전자",
					"ord_qty": "7", "tot_ccld_qty": "7", "ord_unpr": "0",
					"avg_prvs": "71123.0000", "ord_tmd": "121055",
					"sll_buy_dvsn_cd_name": "매도",
				},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv)
	st, err := c.InquireOrder(context.Background(), "0000117057")
	if err != nil {
		t.Fatalf("InquireOrder: %v", err)
	}
	if st.FilledQty != 7 || st.OrderQty != 7 {
		t.Errorf("qty = %d/%d, want 7/7", st.FilledQty, st.OrderQty)
	}
	if st.AvgPrice != 71123 {
		t.Errorf("avg price = %d, want 71123", st.AvgPrice)
	}
}

func TestInquireOrder_MissingRowIsNotFound(t *testing.T) {
	mux := brokerStub(t, nil)
	mux.HandleFunc(routes["order.daily"], func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"rt_cd": "0", "output1": []map[string]string{}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.InquireOrder(context.Background(), "0000999999")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}

func TestFetchBalance_SkipsEmptyRowsAndDefaultsBlanks(t *testing.T) {
	mux := brokerStub(t, nil)
	mux.HandleFunc(routes["balance"], func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0",
			"output1": []map[string]string{
				{"pdno": "000660", "prdt_name": "SK하이닉스", "hldg_qty": "0"},
				{
					"pdno": "005930", "prdt_name": "삼성전자", "hldg_qty": "100",
					"pchs_avg_pric": "68500.0000", "prpr": "71500",
					"evlu_pfls_amt": "300000", "evlu_pfls_rt": "4.38",
				},
			},
			"output2": []map[string]string{
				{
					"tot_evlu_amt": "10500000", "dnca_tot_amt": "1000000",
					"evlu_pfls_smtl_amt": "500000", "tot_evlu_pfls_rt": "",
				},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv)
	bal, err := c.FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("FetchBalance: %v", err)
	}
	if len(bal.Holdings) != 1 {
		t.Fatalf("holdings = %d, want the zero-qty row dropped", len(bal.Holdings))
	}
	h := bal.Holdings[0]
	if h.Code != "005930" || h.Qty != 100 || h.BuyPrice != 68500 || h.Price != 71500 {
		t.Errorf("holding = %+v", h)
	}
	if bal.TotalValue != 10500000 || bal.Cash != 1000000 || bal.TotalProfit != 500000 {
		t.Errorf("totals = %+v", bal)
	}
	if bal.ProfitRate != 0 {
		t.Errorf("blank rate = %v, want 0", bal.ProfitRate)
	}
}

func TestNetFlow_LatestRowInHundredMillions(t *testing.T) {
	mux := brokerStub(t, nil)
	mux.HandleFunc(routes["investor"], func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("FID_INPUT_ISCD") != "005930" {
			t.Errorf("FID_INPUT_ISCD = %q", r.URL.Query().Get("FID_INPUT_ISCD"))
		}
		json.NewEncoder(w).Encode(map[string]any{
			"rt_cd": "0",
			"output": []map[string]string{
				{"frgn_ntby_qty": "-50000", "orgn_ntby_qty": "-30000", "stck_clpr": "50000"},
				{"frgn_ntby_qty": "99999", "orgn_ntby_qty": "99999", "stck_clpr": "50000"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(srv)
	flow, err := c.NetFlow(context.Background(), "005930")
	if err != nil {
		t.Fatalf("NetFlow: %v", err)
	}
	// (-50000 + -30000) * 50000 / 1e8 = -40 hundred-millions KRW.
	if flow != -40 {
		t.Fatalf("flow = %v, want -40", flow)
	}
}

func TestSplitAccount(t *testing.T) {
	cases := []struct {
		in, cano, prdt string
	}{
		{"12345678-01", "12345678", "01"},
		{"1234567801", "12345678", "01"},
		{"1234567822", "12345678", "22"},
		{"12345678", "12345678", "01"},
	}
	for _, tc := range cases {
		cano, prdt := splitAccount(tc.in)
		if cano != tc.cano || prdt != tc.prdt {
			t.Errorf("splitAccount(%q) = %q/%q, want %q/%q", tc.in, cano, prdt, tc.cano, tc.prdt)
		}
	}
}
