package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/navportal/internal/model"
)

func requestAs(userID int64) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/downloads", nil)
	return req.WithContext(ContextWithPrincipal(req.Context(), model.Principal{UserID: userID}))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestPerMinute(t *testing.T) {
	cfg := PerMinute(120, 10)
	if cfg.GeneralBurst != 120 || cfg.SubmitBurst != 10 {
		t.Errorf("bursts = %d/%d", cfg.GeneralBurst, cfg.SubmitBurst)
	}
	if float64(cfg.GeneralRate) != 2 {
		t.Errorf("GeneralRate = %v, want 2/sec", cfg.GeneralRate)
	}
	if DefaultRateLimiterConfig() != cfg {
		t.Error("DefaultRateLimiterConfig should equal PerMinute(120, 10)")
	}
}

func TestSubmitMiddleware_LimitsPerUser(t *testing.T) {
	rl := NewRateLimiter(PerMinute(120, 2))
	defer rl.Stop()
	handler := rl.SubmitMiddleware()(okHandler())

	for i := range 2 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAs(1))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(1))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("body = %+v, err = %v", body, err)
	}

	// 別ユーザーは影響を受けない
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestAs(2))
	if w.Code != http.StatusOK {
		t.Errorf("other user: status = %d, want 200", w.Code)
	}
}

func TestLimits_AreIndependent(t *testing.T) {
	rl := NewRateLimiter(PerMinute(120, 1))
	defer rl.Stop()

	submit := rl.SubmitMiddleware()(okHandler())
	general := rl.GeneralMiddleware()(okHandler())

	submit.ServeHTTP(httptest.NewRecorder(), requestAs(1))
	w := httptest.NewRecorder()
	submit.ServeHTTP(w, requestAs(1))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("submit status = %d, want 429", w.Code)
	}

	w = httptest.NewRecorder()
	general.ServeHTTP(w, requestAs(1))
	if w.Code != http.StatusOK {
		t.Errorf("general status = %d, want 200", w.Code)
	}
	if rl.GeneralLimiterCount() != 1 || rl.SubmitLimiterCount() != 1 {
		t.Errorf("counts = %d/%d", rl.GeneralLimiterCount(), rl.SubmitLimiterCount())
	}
}

func TestRateLimiter_RequiresPrincipal(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	defer rl.Stop()

	w := httptest.NewRecorder()
	rl.GeneralMiddleware()(okHandler()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestRateLimiter_CleanupEvictsIdleUsers(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	cfg.CleanupInterval = time.Minute
	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAs(1))
	rl.SubmitMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestAs(1))

	rl.cleanup(time.Now())
	if rl.GeneralLimiterCount() != 1 {
		t.Fatalf("直近のエントリが削除されています")
	}

	rl.cleanup(time.Now().Add(3 * time.Minute))
	if rl.GeneralLimiterCount() != 0 || rl.SubmitLimiterCount() != 0 {
		t.Errorf("counts = %d/%d, want 0/0", rl.GeneralLimiterCount(), rl.SubmitLimiterCount())
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}
