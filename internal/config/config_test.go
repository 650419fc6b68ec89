package config

import (
	"testing"
	"time"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("API_KEY", "secret")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.StoreBackend != BackendMemory {
		t.Fatalf("StoreBackend = %q", cfg.StoreBackend)
	}
	if cfg.ShutdownWait != 10*time.Second {
		t.Fatalf("ShutdownWait = %v", cfg.ShutdownWait)
	}
}

func TestLoadRequiresAPIKey(t *testing.T) {
	t.Setenv("API_KEY", "")
	if _, err := Load(); err == nil {
		t.Fatal("want error for missing API_KEY")
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STORE_BACKEND", "etcd")
	if _, err := Load(); err == nil {
		t.Fatal("want error for unknown backend")
	}
}

func TestLoadPostgresNeedsDSN(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("STORE_BACKEND", "postgres")
	if _, err := Load(); err == nil {
		t.Fatal("want error when POSTGRES_DSN is empty")
	}

	t.Setenv("POSTGRES_DSN", "postgres://localhost/points")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StoreBackend != BackendPostgres {
		t.Fatalf("StoreBackend = %q", cfg.StoreBackend)
	}
}

func TestAllowedOrigins(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("CORS_ORIGINS", "https://a.example.com, https://b.example.com ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	origins := cfg.AllowedOrigins()
	if len(origins) != 2 || origins[0] != "https://a.example.com" || origins[1] != "https://b.example.com" {
		t.Fatalf("origins = %+v", origins)
	}
}
