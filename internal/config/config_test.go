package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ICD_FETCH_WORKERS", "0")
	t.Setenv("ICD_FETCH_TIMEOUT_MS", "not-a-number")
	t.Setenv("ICD_STRICT", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.FetchWorkers != 1 {
		t.Fatalf("workers=%d", cfg.FetchWorkers)
	}
	if cfg.FetchTimeoutMs != 30000 {
		t.Fatalf("timeout=%d", cfg.FetchTimeoutMs)
	}
	if !cfg.Strict {
		t.Fatal("strict not picked up")
	}
}

func TestEmptyDBPathDisablesLedger(t *testing.T) {
	t.Setenv("ICD_DB_PATH", "")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DBPath != "" {
		t.Fatalf("db path=%q", cfg.DBPath)
	}
}
