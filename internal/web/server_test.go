package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/lendingd/internal/domain"
	"github.com/vadiminshakov/lendingd/internal/engine"
	"github.com/vadiminshakov/lendingd/internal/events"
	"github.com/vadiminshakov/lendingd/internal/metrics"
	"github.com/vadiminshakov/lendingd/internal/services/pricer"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type apiHarness struct {
	server  *Server
	handler http.Handler
	auth    *Authenticator
	prices  *pricer.StaticPricer
	metrics *metrics.Metrics
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	prices := pricer.NewStaticPricer(map[string]decimal.Decimal{
		"BTC": d("60000"),
		"ETH": d("3000"),
	})
	oracle := pricer.NewOracle(prices, pricer.Config{Pegged: []string{"USDC", "USDT"}}, zap.NewNop())

	one := decimal.NewFromInt(1)
	tiers := domain.DefaultTiers()
	tiers[2].InterestDiscount = decimal.Zero
	cfg := engine.Config{
		Assets: []domain.AssetSpec{
			{Symbol: "BTC", CollateralFactor: one, BaseRate: d("2.5")},
			{Symbol: "ETH", CollateralFactor: one, BaseRate: d("3")},
			{Symbol: "USDC", CollateralFactor: one, BaseRate: d("5"), Stable: true},
		},
		Tiers:                 tiers,
		InitialScore:          700,
		HistoryCap:            50,
		MinCollateralRatio:    one,
		LiquidationRatio:      d("0.95"),
		LiquidationFee:        d("0.05"),
		LatePenaltyPerDay:     d("0.005"),
		LargeLoanThresholdUSD: d("100000"),
		Durations:             []int{7, 14, 30, 60, 90},
		Pools:                 map[string]decimal.Decimal{"USDC": d("50000000"), "BTC": d("200")},
	}

	m := metrics.New("test")
	broadcaster := events.NewLiquidationBroadcaster(8)
	eng, err := engine.New(cfg, oracle, zap.NewNop(), engine.WithMetrics(m), engine.WithBroadcaster(broadcaster))
	require.NoError(t, err)

	auth, err := NewAuthenticator(testSecret, "lendingd")
	require.NoError(t, err)

	srv := NewServer(":0", eng, auth, zap.NewNop(), WithMetrics(m), WithBroadcaster(broadcaster))
	srv.pollInterval = 50 * time.Millisecond

	return &apiHarness{server: srv, handler: srv.Handler(), auth: auth, prices: prices, metrics: m}
}

func (h *apiHarness) token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := h.auth.Issue(userID, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (h *apiHarness) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestServer_Health(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestServer_RequiresBearerToken(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(t, http.MethodGet, "/api/v1/users/me/summary", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/v1/users/me/summary", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthenticated", decode(t, rec)["error"])
}

func TestServer_DepositBorrowRepay(t *testing.T) {
	h := newAPIHarness(t)
	tok := h.token(t, "alice", "")

	rec := h.do(t, http.MethodPost, "/api/v1/collateral/deposit", tok, `{"asset":"BTC","amount":"1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	dep := decode(t, rec)
	assert.Equal(t, "alice", dep["user_id"])
	assert.Equal(t, "60000", dep["collateral_value_usd"])

	rec = h.do(t, http.MethodPost, "/api/v1/loans", tok, `{"asset":"USDC","amount":"40000","duration_days":30}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var borrowed engine.BorrowResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &borrowed))
	require.NotNil(t, borrowed.Loan)
	assert.Equal(t, "40164.38", borrowed.Loan.TotalDue.StringFixed(2))
	assert.Equal(t, "1.4939", borrowed.CollateralRatio.String())

	rec = h.do(t, http.MethodPost, "/api/v1/loans/"+borrowed.Loan.ID+"/repay", tok, `{"amount":"40164.38"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(t, http.MethodGet, "/api/v1/users/me/credit", tok, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", decode(t, rec)["user_id"])
}

func TestServer_ErrorMapping(t *testing.T) {
	h := newAPIHarness(t)
	tok := h.token(t, "bob", "")

	rec := h.do(t, http.MethodPost, "/api/v1/collateral/deposit", tok, `{"asset":"BTC","amount":"1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		kind   string
	}{
		{"negative amount", http.MethodPost, "/api/v1/collateral/deposit", `{"asset":"BTC","amount":"-1"}`, http.StatusBadRequest, "invalid_amount"},
		{"unknown asset", http.MethodPost, "/api/v1/collateral/deposit", `{"asset":"DOGE","amount":"1"}`, http.StatusBadRequest, "unsupported_asset"},
		{"malformed body", http.MethodPost, "/api/v1/collateral/deposit", `{"asset":"BTC","amount":"abc"}`, http.StatusBadRequest, "bad_request"},
		{"bad duration", http.MethodPost, "/api/v1/loans", `{"asset":"USDC","amount":"100","duration_days":45}`, http.StatusBadRequest, "invalid_duration"},
		{"over borrowing power", http.MethodPost, "/api/v1/loans", `{"asset":"USDC","amount":"90000","duration_days":30}`, http.StatusUnprocessableEntity, "insufficient_collateral"},
		{"withdraw too much", http.MethodPost, "/api/v1/collateral/withdraw", `{"asset":"BTC","amount":"2"}`, http.StatusUnprocessableEntity, "insufficient_collateral"},
		{"unknown loan", http.MethodPost, "/api/v1/loans/missing/repay", `{"amount":"1"}`, http.StatusNotFound, "loan_not_found"},
		{"other user", http.MethodGet, "/api/v1/users/alice/summary", "", http.StatusForbidden, "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, tt.method, tt.path, tok, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decode(t, rec)["error"])
		})
	}
}

func TestServer_RatioBreachCarriesShortfall(t *testing.T) {
	h := newAPIHarness(t)
	tok := h.token(t, "carol", "")

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v1/collateral/deposit", tok, `{"asset":"BTC","amount":"1"}`).Code)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/v1/loans", tok, `{"asset":"USDC","amount":"40000","duration_days":30}`).Code)

	rec := h.do(t, http.MethodPost, "/api/v1/collateral/withdraw", tok, `{"asset":"BTC","amount":"0.5"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "ratio_breach", body["error"])
	assert.NotEmpty(t, body["shortfall"])
	assert.NotEmpty(t, body["required"])
}

func TestServer_OracleOutageIsUnavailable(t *testing.T) {
	h := newAPIHarness(t)
	tok := h.token(t, "dave", "")

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v1/collateral/deposit", tok, `{"asset":"BTC","amount":"1"}`).Code)
	h.prices.Remove("BTC")

	rec := h.do(t, http.MethodGet, "/api/v1/users/me/summary", tok, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "oracle_unavailable", body["error"])
	assert.Equal(t, "BTC", body["asset"])
}

func TestServer_AdminAccess(t *testing.T) {
	h := newAPIHarness(t)
	user := h.token(t, "erin", "")
	admin := h.token(t, "ops", RoleAdmin)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v1/collateral/deposit", user, `{"asset":"ETH","amount":"2"}`).Code)

	rec := h.do(t, http.MethodGet, "/api/v1/users/erin/summary", admin, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "6000", decode(t, rec)["collateral_value_usd"])

	rec = h.do(t, http.MethodGet, "/api/v1/stats", user, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "6000", decode(t, rec)["total_collateral_usd"])

	rec = h.do(t, http.MethodGet, "/api/v1/liquidations/stream", user, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestServer_LiquidationStream(t *testing.T) {
	h := newAPIHarness(t)
	user := h.token(t, "frank", "")
	admin := h.token(t, "ops", RoleAdmin)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/api/v1/collateral/deposit", user, `{"asset":"BTC","amount":"1"}`).Code)
	require.Equal(t, http.StatusCreated, h.do(t, http.MethodPost, "/api/v1/loans", user, `{"asset":"USDC","amount":"40000","duration_days":30}`).Code)
	h.prices.Set("BTC", d("38000"))

	rec := h.do(t, http.MethodPost, "/api/v1/users/frank/liquidation-check", admin, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decode(t, rec)["needs_liquidation"])

	ts := httptest.NewServer(h.handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/liquidations/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+admin)
	req.Header.Set("Last-Event-ID", "0")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var id, event string
	var record domain.LiquidationRecord
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &record))
		}
		if record.ID != "" {
			break
		}
	}

	assert.Equal(t, "1", id)
	assert.Equal(t, "liquidation", event)
	assert.Equal(t, "frank", record.UserID)
	assert.Equal(t, "USDC", record.DebtAsset)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	h := newAPIHarness(t)
	h.do(t, http.MethodGet, "/healthz", "", "")

	rec := h.do(t, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte("test_http_requests_total")))
}

func TestParseLastEventID(t *testing.T) {
	s := NewServer(":0", nil, nil, nil)

	assert.Equal(t, uint64(7), s.parseLastEventID("7", "3"))
	assert.Equal(t, uint64(3), s.parseLastEventID("", " 3 "))
	assert.Equal(t, uint64(0), s.parseLastEventID("abc", ""))
	assert.Equal(t, uint64(0), s.parseLastEventID("", ""))
}
