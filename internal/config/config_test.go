package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != DefaultPort {
		t.Errorf("Port = %q, want %q", cfg.Port, DefaultPort)
	}
	if cfg.PaymentWindow != 30*time.Minute {
		t.Errorf("PaymentWindow = %v, want 30m", cfg.PaymentWindow)
	}
	if cfg.CleanupInterval != time.Hour {
		t.Errorf("CleanupInterval = %v, want 1h", cfg.CleanupInterval)
	}
	if cfg.ChainEnabled() {
		t.Error("chain custody should be disabled without PRIVATE_KEY")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PAYMENT_WINDOW", "10m")
	t.Setenv("TRADE_TIME_LIMIT", "1h")
	t.Setenv("MAX_MODERATOR_LOAD", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PaymentWindow != 10*time.Minute {
		t.Errorf("PaymentWindow = %v, want 10m", cfg.PaymentWindow)
	}
	if cfg.MaxModeratorLoad != 3 {
		t.Errorf("MaxModeratorLoad = %d, want 3", cfg.MaxModeratorLoad)
	}
}

func TestValidate_TradeLimitBelowWindow(t *testing.T) {
	t.Setenv("PAYMENT_WINDOW", "2h")
	t.Setenv("TRADE_TIME_LIMIT", "1h")

	if _, err := Load(); err == nil {
		t.Error("expected validation error when trade limit < payment window")
	}
}

func TestValidate_ChainCustody(t *testing.T) {
	t.Setenv("PRIVATE_KEY", "abc") // too short

	if _, err := Load(); err == nil {
		t.Error("expected validation error for malformed private key")
	}

	t.Setenv("PRIVATE_KEY", "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	if _, err := Load(); err == nil {
		t.Error("expected validation error when TOKEN_CONTRACT missing")
	}

	t.Setenv("TOKEN_CONTRACT", "0x036CbD53842c5426634e7929541eC2318f3dCF7e")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.ChainEnabled() {
		t.Error("chain custody should be enabled")
	}
}
