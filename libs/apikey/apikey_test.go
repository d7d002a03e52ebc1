package apikey

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestGenerateParseVerify(t *testing.T) {
	key, prefix, hash, err := Generate("dev")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(key, "lk_dev_") {
		t.Fatalf("unexpected key shape %q", key)
	}

	env, parsedPrefix, secret, err := Parse(key)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if env != "dev" || parsedPrefix != prefix || secret == "" {
		t.Fatalf("unexpected parse result env=%s prefix=%s", env, parsedPrefix)
	}

	if err := Verify(key, Record{KeyHash: hash}, "127.0.0.1"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := Verify(key, Record{KeyHash: strings.ToUpper(hash)}, "127.0.0.1"); err != nil {
		t.Fatalf("verify upper-case hash: %v", err)
	}
	if err := Verify(key+"x", Record{KeyHash: hash}, "127.0.0.1"); err != ErrInvalidKey {
		t.Fatalf("expected invalid key, got %v", err)
	}
}

func TestGenerateRejectsAmbiguousEnv(t *testing.T) {
	if _, _, _, err := Generate("prod_eu"); err == nil {
		t.Fatalf("expected env with separator to be rejected")
	}
}

func TestVerifyRejectsRevoked(t *testing.T) {
	key, _, hash, _ := Generate("dev")
	now := time.Now()
	if err := Verify(key, Record{KeyHash: hash, RevokedAt: &now}, "127.0.0.1"); err != ErrRevokedKey {
		t.Fatalf("expected revoked error, got %v", err)
	}
}

func TestMatchPrefersSpecificFailure(t *testing.T) {
	key, _, hash, _ := Generate("dev")
	other, _, otherHash, _ := Generate("dev")
	records := []Record{
		{Operator: "other", KeyHash: otherHash},
		{Operator: "ops", KeyHash: hash, IPWhitelist: []string{"10.0.0.0/8"}},
	}

	if _, err := Match(key, records, "192.168.1.1"); err != ErrIPNotAllowed {
		t.Fatalf("expected ip error, got %v", err)
	}
	got, err := Match(other, records, "192.168.1.1")
	if err != nil || got.Operator != "other" {
		t.Fatalf("expected other operator, got %+v err=%v", got, err)
	}
}

func TestIPAllowlist(t *testing.T) {
	allowed := []string{"10.0.0.0/8", "203.0.113.1"}
	if !IPAllowed("10.1.2.3", allowed) || !IPAllowed("203.0.113.1", allowed) {
		t.Fatalf("expected ip allowed")
	}
	if IPAllowed("192.168.1.1", allowed) {
		t.Fatalf("expected ip denied")
	}
	if !IPAllowed("192.168.1.1", nil) {
		t.Fatalf("empty whitelist allows everyone")
	}
}

func TestValidateIPWhitelist(t *testing.T) {
	if err := ValidateIPWhitelist([]string{"10.0.0.0/8", "203.0.113.1"}); err != nil {
		t.Fatalf("expected valid whitelist")
	}
	if err := ValidateIPWhitelist([]string{"bad"}); err == nil {
		t.Fatalf("expected invalid whitelist")
	}
}

func TestMiddlewareEnforcesKeyAndScope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	adminKey, _, adminHash, _ := Generate("test")
	readerKey, _, readerHash, _ := Generate("test")
	records := []Record{
		{Operator: "ops", KeyHash: adminHash, Scopes: []string{"ledger:admin"}},
		{Operator: "auditor", KeyHash: readerHash, Scopes: []string{"ledger:read"}},
	}

	r := gin.New()
	r.Use(Middleware(records, "ledger:admin"))
	r.POST("/internal/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": c.GetString(ContextOperatorKey)})
	})

	cases := []struct {
		name   string
		key    string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "nope", http.StatusUnauthorized},
		{"wrong scope", readerKey, http.StatusForbidden},
		{"admin", adminKey, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/internal/ping", nil)
			if tc.key != "" {
				req.Header.Set(HeaderName, tc.key)
			}
			r.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, w.Code)
			}
			if tc.status == http.StatusOK && !strings.Contains(w.Body.String(), `"ops"`) {
				t.Fatalf("expected operator in body, got %s", w.Body.String())
			}
		})
	}
}
