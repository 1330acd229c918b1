package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"ENV", "PORT", "REDIS_URL", "REDIS_ADDR", "DB_HOST", "DB_DSN", "KAFKA_BROKERS", "MPESA_CALLBACK_URL", "BASE_URL"} {
		t.Setenv(k, "")
	}
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if !cfg.IsDevelopment() || cfg.HTTP.Port != "8080" {
		t.Fatalf("unexpected env/port: %s %s", cfg.Env, cfg.HTTP.Port)
	}
	if cfg.Redis.URL != "redis://localhost:6379" || cfg.Store.Retention != 7*24*time.Hour {
		t.Fatalf("unexpected redis/store config: %+v %+v", cfg.Redis, cfg.Store)
	}
	if cfg.Database.Enabled || len(cfg.Kafka.Brokers) != 0 {
		t.Fatal("optional sinks must be disabled by default")
	}
	if cfg.Mpesa.CallbackURL != "http://localhost:8000/api/v1/tip/callback" {
		t.Fatalf("unexpected callback url %s", cfg.Mpesa.CallbackURL)
	}
	if cfg.Tips.MinAmount.String() != "10" || cfg.Tips.MaxAmount.String() != "5000" || cfg.Tips.MaxAttempts != 3 {
		t.Fatalf("unexpected tip policy %+v", cfg.Tips)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ENV", "Production")
	t.Setenv("DB_HOST", "db.internal")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("MPESA_TIMEOUT", "5s")
	t.Setenv("BASE_URL", "https://tips.example.com/")
	t.Setenv("MPESA_CALLBACK_URL", "")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.IsDevelopment() || !cfg.Database.Enabled {
		t.Fatalf("unexpected env/database: %s %v", cfg.Env, cfg.Database.Enabled)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.Kafka.Brokers)
	}
	if cfg.Mpesa.Timeout != 5*time.Second || cfg.Mpesa.CallbackURL != "https://tips.example.com/api/v1/tip/callback" {
		t.Fatalf("unexpected mpesa config %+v", cfg.Mpesa)
	}
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	t.Setenv("MPESA_TIMEOUT", "soon")
	t.Setenv("TIP_MAX_ATTEMPTS", "three")
	_, err := FromEnv()
	if err == nil || !strings.Contains(err.Error(), "MPESA_TIMEOUT") || !strings.Contains(err.Error(), "TIP_MAX_ATTEMPTS") {
		t.Fatalf("expected both errors reported, got %v", err)
	}

	t.Setenv("MPESA_TIMEOUT", "")
	t.Setenv("TIP_MAX_ATTEMPTS", "")
	t.Setenv("TIP_MIN_AMOUNT", "600")
	t.Setenv("TIP_MAX_AMOUNT", "500")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected min > max to be rejected")
	}
}

func TestLoadDotEnvKeepsExistingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SHOPASSIST_TEST_A=from-file\nSHOPASSIST_TEST_B=from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SHOPASSIST_TEST_A", "from-env")
	t.Setenv("SHOPASSIST_TEST_B", "")

	LoadDotEnv(path)
	if os.Getenv("SHOPASSIST_TEST_A") != "from-env" || os.Getenv("SHOPASSIST_TEST_B") != "from-file" {
		t.Fatalf("unexpected values %q %q", os.Getenv("SHOPASSIST_TEST_A"), os.Getenv("SHOPASSIST_TEST_B"))
	}
}
