package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/mprlab/yggdrasil/internal/yggdrasil"
)

func TestAllowOriginListNormalizesAndDeduplicates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	origins, err := allowOriginList(logger, []string{
		" https://app.example.com ",
		"HTTPS://app.example.com",
		"http://localhost:3000",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(origins) != 2 {
		t.Fatalf("expected 2 origins after deduplication, got %v", origins)
	}
	if origins[0] != "http://localhost:3000" || origins[1] != "https://app.example.com" {
		t.Fatalf("expected sorted canonical origins, got %v", origins)
	}
}

func TestAllowOriginListRejectsBadInput(t *testing.T) {
	logger := zaptest.NewLogger(t)
	cases := []struct {
		name    string
		origins []string
	}{
		{"empty list", nil},
		{"blank entries only", []string{"  ", ""}},
		{"missing scheme", []string{"app.example.com"}},
		{"path segment", []string{"https://app.example.com/callback"}},
		{"query string", []string{"https://app.example.com?x=1"}},
		{"fragment", []string{"https://app.example.com#section"}},
		{"userinfo", []string{"https://admin@app.example.com"}},
		{"unsupported scheme", []string{"ftp://app.example.com"}},
	}
	for _, testCase := range cases {
		if _, err := allowOriginList(logger, testCase.origins); err == nil {
			t.Fatalf("%s: expected rejection", testCase.name)
		}
	}
}

func TestNormalizeOriginCanonicalForm(t *testing.T) {
	normalized, hostname, err := normalizeOrigin("HTTPS://Launcher.example.com:8443")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if normalized != "https://Launcher.example.com:8443" {
		t.Fatalf("unexpected canonical origin %q", normalized)
	}
	if hostname != "Launcher.example.com" {
		t.Fatalf("unexpected hostname %q", hostname)
	}
}

func TestConfigureCORSWildcard(t *testing.T) {
	middleware, err := ConfigureCORS(zaptest.NewLogger(t), []string{"*"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware)
	router.GET("/", func(contextGin *gin.Context) { contextGin.Status(http.StatusOK) })

	request := httptest.NewRequest(http.MethodGet, "/", nil)
	request.Header.Set("Origin", "https://anything.example.net")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard allow-origin, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestConfigureCORSExplicitOrigin(t *testing.T) {
	middleware, err := ConfigureCORS(zaptest.NewLogger(t), []string{"https://launcher.example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware)
	router.GET("/", func(contextGin *gin.Context) { contextGin.Status(http.StatusOK) })

	allowed := httptest.NewRequest(http.MethodGet, "/", nil)
	allowed.Header.Set("Origin", "https://launcher.example.com")
	allowedRecorder := httptest.NewRecorder()
	router.ServeHTTP(allowedRecorder, allowed)
	if allowedRecorder.Header().Get("Access-Control-Allow-Origin") != "https://launcher.example.com" {
		t.Fatalf("expected allowed origin to be echoed, got %q", allowedRecorder.Header().Get("Access-Control-Allow-Origin"))
	}

	denied := httptest.NewRequest(http.MethodGet, "/", nil)
	denied.Header.Set("Origin", "https://evil.example.net")
	deniedRecorder := httptest.NewRecorder()
	router.ServeHTTP(deniedRecorder, denied)
	if deniedRecorder.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected foreign origin to get no allow-origin header")
	}
}

func TestHandleStatusReportsCounts(t *testing.T) {
	gin.SetMode(gin.TestMode)

	directory, seedErr := yggdrasil.NewMemoryDirectory([]yggdrasil.SeedUser{
		{Email: "a@example.com", Password: "a", Characters: []yggdrasil.SeedCharacter{{Name: "A"}}},
		{Email: "b@example.com", Password: "b"},
	})
	if seedErr != nil {
		t.Fatalf("seed error: %v", seedErr)
	}
	tokens := yggdrasil.NewTokenStore(yggdrasil.TokenPolicy{TimeToFullyExpired: time.Hour}, nil)
	sessions := yggdrasil.NewSessionLedger(30*time.Second, nil)

	user, findErr := directory.FindUserByEmail(context.Background(), "a@example.com")
	if findErr != nil {
		t.Fatalf("find user: %v", findErr)
	}
	if _, err := tokens.Acquire(user, "", nil); err != nil {
		t.Fatalf("acquire error: %v", err)
	}
	sessions.RecordJoin("server-1", &user.Characters[0], "")

	router := gin.New()
	router.GET("/status", HandleStatus(zaptest.NewLogger(t), directory, tokens, sessions))

	request := httptest.NewRequest(http.MethodGet, "/status", nil)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var body map[string]int
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["user.count"] != 2 || body["token.count"] != 1 || body["pendingAuthentication.count"] != 1 {
		t.Fatalf("unexpected counts: %v", body)
	}
}
