package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	logger, err := zap.NewProduction()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	router := gin.New()
	router.Use(zapLoggerMiddleware(logger))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func setValidConfigDefaults() {
	viper.Set("server_name", "test")
	viper.Set("skin_domains", []string{"localhost"})
	viper.Set("token_ttl", 72*time.Hour)
	viper.Set("rate_limit", time.Second)
	viper.Set("session_expire", 30*time.Second)
	viper.Set("database_engine", "gorm")
}

func TestLoadServerConfigDefaultsAreValid(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setValidConfigDefaults()

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.ServerName != "test" {
		t.Fatalf("expected server name to be carried, got %q", config.ServerName)
	}
	if config.ImplementationName != implementationName {
		t.Fatalf("expected implementation name %q, got %q", implementationName, config.ImplementationName)
	}
}

func TestLoadServerConfigRejectsBadSkinDomain(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setValidConfigDefaults()
	viper.Set("skin_domains", []string{"has space.example.com"})

	if _, err := LoadServerConfig(); err == nil {
		t.Fatalf("expected error for skin domain with whitespace")
	}
}

func TestLoadServerConfigRejectsNonPositiveDurations(t *testing.T) {
	cases := []struct {
		name string
		key  string
	}{
		{"token ttl", "token_ttl"},
		{"rate limit", "rate_limit"},
		{"session expire", "session_expire"},
	}
	for _, testCase := range cases {
		viper.Reset()
		setValidConfigDefaults()
		viper.Set(testCase.key, time.Duration(0))
		if _, err := LoadServerConfig(); err == nil {
			t.Fatalf("%s: expected error for zero duration", testCase.name)
		}
	}
	viper.Reset()
}

func TestLoadServerConfigRejectsUnknownEngine(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	setValidConfigDefaults()
	viper.Set("database_engine", "mongo")

	if _, err := LoadServerConfig(); err == nil {
		t.Fatalf("expected error for unknown database engine")
	}
}

func TestLoadSeedUsersFromConfigFile(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	configPath := filepath.Join(t.TempDir(), "users.yaml")
	configText := `users:
  - email: user1@example.com
    password: password1
  - email: user2@example.com
    password: password2
    characters:
      - name: character1
        model: slim
        skinUrl: http://localhost/textures/skin1
`
	if err := os.WriteFile(configPath, []byte(configText), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	viper.Set("config", configPath)

	seedUsers, err := loadSeedUsers()
	if err != nil {
		t.Fatalf("load seed users: %v", err)
	}
	if len(seedUsers) != 2 {
		t.Fatalf("expected 2 seed users, got %d", len(seedUsers))
	}
	if seedUsers[1].Characters[0].Name != "character1" {
		t.Fatalf("expected character1, got %+v", seedUsers[1].Characters)
	}
	if seedUsers[1].Characters[0].SkinURL != "http://localhost/textures/skin1" {
		t.Fatalf("expected skin url to load, got %+v", seedUsers[1].Characters[0])
	}
}

func TestLoadSeedUsersWithoutConfigFile(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	seedUsers, err := loadSeedUsers()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seedUsers != nil {
		t.Fatalf("expected no seed users without a config file, got %+v", seedUsers)
	}
}
