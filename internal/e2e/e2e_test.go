package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	accountdomain "github.com/storelift/metering/internal/account/domain"
	accountrepository "github.com/storelift/metering/internal/account/repository"
	accountservice "github.com/storelift/metering/internal/account/service"
	"github.com/storelift/metering/internal/clock"
	"github.com/storelift/metering/internal/config"
	"github.com/storelift/metering/internal/observability"
	obsmetrics "github.com/storelift/metering/internal/observability/metrics"
	promodomain "github.com/storelift/metering/internal/promo/domain"
	promorepository "github.com/storelift/metering/internal/promo/repository"
	promoservice "github.com/storelift/metering/internal/promo/service"
	purchaseservice "github.com/storelift/metering/internal/purchase/service"
	quotadomain "github.com/storelift/metering/internal/quota/domain"
	quotarepository "github.com/storelift/metering/internal/quota/repository"
	quotaservice "github.com/storelift/metering/internal/quota/service"
	reservationservice "github.com/storelift/metering/internal/reservation/service"
	"github.com/storelift/metering/internal/server"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const baseNow = "2024-05-01T12:00:00Z"

type testEnv struct {
	db      *gorm.DB
	clock   *clock.FakeClock
	srv     *server.Server
	httpSrv *httptest.Server
	baseURL string
}

var env *testEnv

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func startEnv() (*testEnv, error) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&accountdomain.Account{},
		&accountdomain.Purchase{},
		&accountdomain.UsageEntry{},
		&quotadomain.Subscription{},
		&quotadomain.QuotaConsumption{},
		&promodomain.PromoCode{},
	); err != nil {
		return nil, err
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return nil, err
	}

	start, err := time.Parse(time.RFC3339, baseNow)
	if err != nil {
		return nil, err
	}
	fakeClock := clock.NewFakeClock(start)

	cfg := config.Load()
	cfg.PromoCodePrefix = "STORELIFT"
	log := zap.NewNop()

	accountRepo := accountrepository.Provide()
	accountSvc := accountservice.NewService(accountservice.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Clock: fakeClock,
		Repo:  accountRepo,
	})
	reservationSvc := reservationservice.NewService(reservationservice.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      fakeClock,
		Config:     cfg,
		AccountSvc: accountSvc,
		Ledger:     accountRepo,
	})
	purchaseSvc := purchaseservice.NewService(purchaseservice.Params{
		DB:         db,
		Log:        log,
		GenID:      node,
		Clock:      fakeClock,
		Config:     cfg,
		AccountSvc: accountSvc,
		Ledger:     accountRepo,
	})
	catalog, err := config.NewPlanCatalogHolder(log)
	if err != nil {
		return nil, err
	}
	quotaSvc := quotaservice.NewService(quotaservice.Params{
		DB:      db,
		Log:     log,
		GenID:   node,
		Clock:   fakeClock,
		Config:  cfg,
		Catalog: catalog,
		Repo:    quotarepository.Provide(),
	})
	promoSvc := promoservice.NewService(promoservice.Params{
		DB:     db,
		Log:    log,
		GenID:  node,
		Clock:  fakeClock,
		Config: cfg,
		Repo:   promorepository.Provide(),
	})

	engine := server.NewEngine(
		observability.Config{Environment: "test", LogLevel: "error"},
		obsmetrics.New(prometheus.NewRegistry()),
	)
	srv := server.NewServer(server.ServerParams{
		Gin:            engine,
		Cfg:            cfg,
		DB:             db,
		GenID:          node,
		AccountSvc:     accountSvc,
		ReservationSvc: reservationSvc,
		PurchaseSvc:    purchaseSvc,
		QuotaSvc:       quotaSvc,
		PromoSvc:       promoSvc,
	})

	httpSrv := httptest.NewServer(srv.Engine())

	return &testEnv{
		db:      db,
		clock:   fakeClock,
		srv:     srv,
		httpSrv: httpSrv,
		baseURL: httpSrv.URL,
	}, nil
}

func (e *testEnv) shutdown() {
	if e == nil {
		return
	}
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
}

func resetEnv(t *testing.T) {
	t.Helper()
	start, err := time.Parse(time.RFC3339, baseNow)
	if err != nil {
		t.Fatalf("parse base time: %v", err)
	}
	env.clock.Set(start)
	for _, table := range []string{
		"usage_entries", "purchases", "accounts",
		"quota_consumptions", "subscriptions", "promo_codes",
	} {
		if err := env.db.Exec("DELETE FROM " + table).Error; err != nil {
			t.Fatalf("reset table %s: %v", table, err)
		}
	}
}

func TestE2E_HealthCheck(t *testing.T) {
	resetEnv(t)

	resp, err := http.Get(env.baseURL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
}

func TestE2E_MissingShopHeader(t *testing.T) {
	resetEnv(t)

	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/api/account", nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d: %s", resp.StatusCode, string(body))
	}
	if errorType(t, body) != "validation_error" {
		t.Fatalf("expected validation_error, got %s", string(body))
	}
}

func TestE2E_PurchaseReserveFinalize(t *testing.T) {
	resetEnv(t)
	shop := "demo.myshopify.com"

	// A confirmed payment credits the token balance and splits the revenue.
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/api/purchases", map[string]any{
		"usd_amount":         10.0,
		"tokens_received":    50000,
		"external_charge_id": "ch_e2e_1",
	}, shop)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("record purchase failed: %d: %s", resp.StatusCode, string(body))
	}

	if got := accountBalance(t, shop); got != 50000 {
		t.Fatalf("expected balance 50000 after purchase, got %d", got)
	}

	// Reserve holds the estimate plus the safety margin up front.
	var reservation struct {
		ID         string `json:"reservation_id"`
		HoldTokens int64  `json:"hold_tokens"`
		Balance    int64  `json:"balance"`
	}
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/api/reservations", map[string]any{
		"estimated_tokens": 1000,
		"feature":          "seo_audit",
	}, shop)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reserve failed: %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &reservation); err != nil {
		t.Fatalf("decode reservation: %v", err)
	}
	if reservation.HoldTokens != 1200 {
		t.Fatalf("expected hold 1200 with 20%% margin, got %d", reservation.HoldTokens)
	}
	if reservation.Balance != 48800 {
		t.Fatalf("expected balance 48800 after hold, got %d", reservation.Balance)
	}

	// Finalize settles against actual usage and refunds the rest.
	var result struct {
		Applied        bool  `json:"applied"`
		RefundedTokens int64 `json:"refunded_tokens"`
	}
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/api/reservations/"+reservation.ID+"/finalize", map[string]any{
		"actual_tokens": 900,
	}, shop)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finalize failed: %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decode finalize result: %v", err)
	}
	if !result.Applied || result.RefundedTokens != 300 {
		t.Fatalf("expected applied refund of 300, got %+v", result)
	}
	if got := accountBalance(t, shop); got != 49100 {
		t.Fatalf("expected balance 49100 after finalize, got %d", got)
	}
}

func TestE2E_InsufficientBalance(t *testing.T) {
	resetEnv(t)
	shop := "empty.myshopify.com"

	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/api/reservations", map[string]any{
		"estimated_tokens": 1000,
		"feature":          "seo_audit",
	}, shop)
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected status 402, got %d: %s", resp.StatusCode, string(body))
	}
	if errorType(t, body) != "insufficient_balance" {
		t.Fatalf("expected insufficient_balance, got %s", string(body))
	}
}

func TestE2E_DuplicateCharge(t *testing.T) {
	resetEnv(t)
	shop := "demo.myshopify.com"

	req := map[string]any{
		"usd_amount":         5.0,
		"tokens_received":    25000,
		"external_charge_id": "ch_e2e_replay",
	}
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/api/purchases", req, shop)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("record purchase failed: %d: %s", resp.StatusCode, string(body))
	}

	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/api/purchases", req, shop)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected status 409 on replay, got %d: %s", resp.StatusCode, string(body))
	}
	if errorType(t, body) != "duplicate_charge" {
		t.Fatalf("expected duplicate_charge, got %s", string(body))
	}
	if got := accountBalance(t, shop); got != 25000 {
		t.Fatalf("expected balance credited once, got %d", got)
	}
}

func TestE2E_QuotaTrialAndLimit(t *testing.T) {
	resetEnv(t)
	shop := "demo.myshopify.com"

	// During the trial the free plan's limit of 10 never blocks.
	for i := 0; i < 12; i++ {
		resp, body := doJSON(t, http.MethodPost, env.baseURL+"/api/quota/consume", map[string]any{"count": 1}, shop)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("trial consume %d failed: %d: %s", i, resp.StatusCode, string(body))
		}
	}

	// After the trial the exhausted limit returns 429.
	env.clock.Advance(8 * 24 * time.Hour)
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/api/quota/consume", map[string]any{"count": 1}, shop)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d: %s", resp.StatusCode, string(body))
	}
	if errorType(t, body) != "quota_exceeded" {
		t.Fatalf("expected quota_exceeded, got %s", string(body))
	}

	var status struct {
		Remaining int64 `json:"remaining"`
		InTrial   bool  `json:"in_trial"`
	}
	resp, body = doJSON(t, http.MethodGet, env.baseURL+"/api/quota", nil, shop)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get quota failed: %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("decode quota status: %v", err)
	}
	if status.InTrial || status.Remaining != 0 {
		t.Fatalf("expected exhausted post-trial quota, got %+v", status)
	}
}

func TestE2E_ProviderGate(t *testing.T) {
	resetEnv(t)
	shop := "demo.myshopify.com"

	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/api/quota/providers/openai", nil, shop)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected openai allowed on free plan, got %d: %s", resp.StatusCode, string(body))
	}

	resp, body = doJSON(t, http.MethodGet, env.baseURL+"/api/quota/providers/anthropic", nil, shop)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d: %s", resp.StatusCode, string(body))
	}
	if errorType(t, body) != "provider_not_allowed" {
		t.Fatalf("expected provider_not_allowed, got %s", string(body))
	}
}

func TestE2E_PromoLifecycle(t *testing.T) {
	resetEnv(t)
	shop := "demo.myshopify.com"

	var generated struct {
		Codes []string `json:"codes"`
	}
	resp, body := doJSON(t, http.MethodPost, env.baseURL+"/api/admin/promos/generate", map[string]any{
		"count":      1,
		"type":       "plan_grant",
		"plan":       "growth",
		"campaign":   "e2e",
		"max_uses":   1,
		"expires_at": env.clock.Now().Add(24 * time.Hour).Format(time.RFC3339),
	}, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate promo failed: %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &generated); err != nil {
		t.Fatalf("decode generated codes: %v", err)
	}
	if len(generated.Codes) != 1 {
		t.Fatalf("expected one code, got %v", generated.Codes)
	}
	code := generated.Codes[0]

	resp, body = doJSON(t, http.MethodGet, env.baseURL+"/api/promos/"+code, nil, shop)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check promo failed: %d: %s", resp.StatusCode, string(body))
	}

	// Redemption applies the plan grant to the shop's subscription.
	var redeemed struct {
		Subscription struct {
			Plan       string `json:"plan"`
			QueryLimit int64  `json:"query_limit"`
		} `json:"subscription"`
	}
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/api/promos/redeem", map[string]any{"code": code}, shop)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("redeem failed: %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &redeemed); err != nil {
		t.Fatalf("decode redeem response: %v", err)
	}
	if redeemed.Subscription.Plan != "growth" || redeemed.Subscription.QueryLimit != 1000 {
		t.Fatalf("expected growth plan with limit 1000, got %+v", redeemed.Subscription)
	}

	// The single use is spent.
	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/api/promos/redeem", map[string]any{"code": code}, shop)
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("expected status 410, got %d: %s", resp.StatusCode, string(body))
	}
	if errorType(t, body) != "promo_max_uses_reached" {
		t.Fatalf("expected promo_max_uses_reached, got %s", string(body))
	}

	resp, body = doJSON(t, http.MethodPost, env.baseURL+"/api/promos/redeem", map[string]any{"code": "STORELIFT-UNKNOWN2"}, shop)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d: %s", resp.StatusCode, string(body))
	}
}

func accountBalance(t *testing.T, shop string) int64 {
	t.Helper()
	resp, body := doJSON(t, http.MethodGet, env.baseURL+"/api/account", nil, shop)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get account failed: %d: %s", resp.StatusCode, string(body))
	}
	var account struct {
		Balance int64 `json:"Balance"`
	}
	if err := json.Unmarshal(body, &account); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	return account.Balance
}

func errorType(t *testing.T, body []byte) string {
	t.Helper()
	var payload struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode error payload: %v: %s", err, string(body))
	}
	return payload.Error.Type
}

func doJSON(t *testing.T, method, reqURL string, payload any, shop string) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode json: %v", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, reqURL, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if shop != "" {
		req.Header.Set(server.HeaderShopDomain, shop)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, data
}
