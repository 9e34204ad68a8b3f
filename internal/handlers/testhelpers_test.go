package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"storeflow/internal/config"
	"storeflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testJWTSecret  = "handler-test-secret"
	testSigningKey = "handler-signing-key"
)

type recordingScheduler struct {
	mu      sync.Mutex
	tickets []services.ResumptionTicket
}

func (s *recordingScheduler) Schedule(ctx context.Context, t services.ResumptionTicket, d time.Duration) (services.ScheduleReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets = append(s.tickets, t)
	return services.ScheduleReceipt{Driver: "test", MessageID: "m", DeliverAt: time.Now().Add(d)}, nil
}

func (s *recordingScheduler) last(t *testing.T) services.ResumptionTicket {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tickets) == 0 {
		t.Fatal("no ticket scheduled")
	}
	return s.tickets[len(s.tickets)-1]
}

type testServer struct {
	router    *gin.Engine
	engine    *services.Engine
	scheduler *recordingScheduler
	signer    *services.TicketSigner
	db        *gorm.DB
	tagged    int
	mu        sync.Mutex
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := services.AutoMigrate(db); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}

	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = testJWTSecret
	cfg.Security.RateLimiting.Enabled = false
	cfg.Automation.Signing.CurrentKey = testSigningKey

	l := logrus.New()
	l.SetOutput(io.Discard)

	sched := &recordingScheduler{}
	eng := services.NewEngine(db, sched, cfg.Automation, l)
	ts := &testServer{
		engine:    eng,
		scheduler: sched,
		signer:    services.NewTicketSigner(testSigningKey, cfg.Automation.Signing.Issuer, time.Minute),
		db:        db,
	}
	eng.Registry.MustRegister("add_tag", services.ActionFunc(func(ctx context.Context, call services.ActionCall) (map[string]interface{}, error) {
		ts.mu.Lock()
		ts.tagged++
		ts.mu.Unlock()
		return map[string]interface{}{"tag": call.Params["tag"]}, nil
	}))
	ts.router = NewRouter(cfg, RouterDeps{DB: db, Engine: eng, Logger: l, Version: "test"})
	return ts
}

func token(t *testing.T, storeID uint, roles ...string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"store_id": storeID,
		"sub":      "1",
		"roles":    roles,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// resume posts a signed ticket to the callback endpoint.
func (s *testServer) resume(t *testing.T, path string, body []byte, signed bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signed {
		sig, err := s.signer.Sign("http://localhost"+path, body)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Upstash-Signature", sig)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) tagCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tagged
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func vipAutomation() map[string]interface{} {
	return map[string]interface{}{
		"name":         "VIP follow-up",
		"trigger_type": "order.paid",
		"trigger_conditions": []map[string]interface{}{
			{"field": "order.total_price", "operator": "gte", "value": 100},
		},
		"actions": []map[string]interface{}{
			{"kind": "add_tag", "params": map[string]interface{}{"tag": "vip"}},
			{"kind": "delay", "params": map[string]interface{}{"amount": 3, "unit": "days"}},
			{"kind": "add_tag", "params": map[string]interface{}{"tag": "followed-up"}},
		},
	}
}
