package common

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/centralbank/paychain/backend/pkg/common/api"
	"github.com/shopspring/decimal"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	cfg := LoadConfig()

	if cfg.Port != "8080" {
		t.Fatalf("unexpected port %q", cfg.Port)
	}
	if !cfg.Ledger.FeeRate.Equal(decimal.RequireFromString("0.01")) || cfg.Ledger.FeeCollector != "+254846500025" {
		t.Fatalf("unexpected ledger policy %+v", cfg.Ledger)
	}
	if cfg.Offline.Horizon != 24*time.Hour || cfg.Offline.MaxPerHour != 5 {
		t.Fatalf("unexpected offline policy %+v", cfg.Offline)
	}
	if !cfg.Security.RejectSuspicious || cfg.Security.LockDuration != 30*time.Minute {
		t.Fatalf("unexpected security policy %+v", cfg.Security)
	}
	if cfg.Intervals.Settlement != 5*time.Second || cfg.Intervals.Discovery != 10*time.Second {
		t.Fatalf("unexpected intervals %+v", cfg.Intervals)
	}
	if cfg.Fabric.Enabled() {
		t.Fatal("fabric anchoring must be off without a profile")
	}
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	body := "PORT=9090\nMAX_OFFLINE_AMOUNT=250.5\nREJECT_SUSPICIOUS=false\nSWEEP_INTERVAL=30s\nLOCK_THRESHOLD=oops\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Setenv("ENV_FILE", path)
	// godotenv never overrides variables that are already set.
	t.Setenv("PORT", "7070")
	for _, k := range []string{"MAX_OFFLINE_AMOUNT", "REJECT_SUSPICIOUS", "SWEEP_INTERVAL", "LOCK_THRESHOLD"} {
		k := k
		t.Cleanup(func() { os.Unsetenv(k) })
	}

	cfg := LoadConfig()
	if cfg.Port != "7070" {
		t.Fatalf("unexpected port %q", cfg.Port)
	}
	if !cfg.Offline.MaxAmount.Equal(decimal.RequireFromString("250.5")) {
		t.Fatalf("unexpected max offline amount %s", cfg.Offline.MaxAmount)
	}
	if cfg.Security.RejectSuspicious {
		t.Fatal("expected reject-suspicious to be off")
	}
	if cfg.Intervals.Sweep != 30*time.Second {
		t.Fatalf("unexpected sweep interval %s", cfg.Intervals.Sweep)
	}
	if cfg.Security.LockThreshold != 5 {
		t.Fatalf("malformed values must fall back, got %d", cfg.Security.LockThreshold)
	}
}

func TestAuthMiddleware(t *testing.T) {
	jwtCfg := JWTConfig{Secret: "test-secret", TokenTTL: time.Hour, Issuer: "test"}
	protected := AuthMiddleware(jwtCfg.Secret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			t.Error("expected claims in context")
			return
		}
		api.WriteSuccess(w, http.StatusOK, map[string]string{"account": claims.AccountID})
	}))

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("unexpected status %d", rec.Code)
		}
		var body api.ErrorResponse
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if body.Code != "missing_token" || body.TraceID == "" {
			t.Fatalf("unexpected error body %+v", body)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		token, _, err := IssueToken(jwtCfg, "+254700000001", RoleUser, time.Now())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("unexpected status %d", rec.Code)
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, _, _ := IssueToken(JWTConfig{Secret: "other", TokenTTL: time.Hour}, "+254700000001", RoleUser, time.Now())
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		protected.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("unexpected status %d", rec.Code)
		}
	})

	t.Run("expired token", func(t *testing.T) {
		token, _, _ := IssueToken(jwtCfg, "+254700000001", RoleUser, time.Now().Add(-2*time.Hour))
		if _, err := ParseToken(jwtCfg.Secret, token); err == nil {
			t.Fatal("expected expired token to be rejected")
		}
	})
}

func TestRequireRole(t *testing.T) {
	jwtCfg := JWTConfig{Secret: "test-secret", TokenTTL: time.Hour}
	h := AuthMiddleware(jwtCfg.Secret)(RequireRole(RoleOperator, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for _, tc := range []struct {
		role string
		want int
	}{
		{RoleUser, http.StatusForbidden},
		{RoleOperator, http.StatusNoContent},
	} {
		token, _, err := IssueToken(jwtCfg, "+254700000001", tc.role, time.Now())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("role %s: got status %d, want %d", tc.role, rec.Code, tc.want)
		}
	}
}
