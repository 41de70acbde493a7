package config

import (
	"strings"
	"testing"
	"time"
)

func lookup(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestFromEnv_Defaults(t *testing.T) {
	cfg, err := FromEnv(lookup(nil))
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}

	if cfg.StoreDriver != "memory" || cfg.Port != "8080" {
		t.Errorf("unexpected defaults: driver=%q port=%q", cfg.StoreDriver, cfg.Port)
	}
	if cfg.Matching != DefaultMatching() {
		t.Errorf("Matching = %+v, want defaults", cfg.Matching)
	}
	if cfg.Worker.Workers != 5 || cfg.Worker.QueueSize != 100 {
		t.Errorf("Worker = %+v", cfg.Worker)
	}
	if cfg.BlobDir != "" || cfg.Matching.AnalysisTimeout != 2*time.Minute {
		t.Errorf("BlobDir=%q AnalysisTimeout=%v", cfg.BlobDir, cfg.Matching.AnalysisTimeout)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	cfg, err := FromEnv(lookup(map[string]string{
		"STORE_DRIVER":           "sqlite",
		"MATCH_AUTO_THRESHOLD":   "0.95",
		"MATCH_REVIEW_THRESHOLD": "0.6",
		"MATCH_SCORE_TIMEOUT":    "2s",
		"MATCH_RULE":             `candidate.method != "fee"`,
		"FX_RATES":               "eur/usd=1.08, GBP/USD=1.27",
		"GEMINI_ENABLED":         "true",
	}))
	if err != nil {
		t.Fatalf("FromEnv() error = %v", err)
	}

	if !cfg.GeminiEnabled || cfg.AuditLog {
		t.Errorf("GeminiEnabled/AuditLog = %v/%v", cfg.GeminiEnabled, cfg.AuditLog)
	}
	if cfg.StoreDriver != "sqlite" || cfg.BlobDir != "teamledger-blobs" {
		t.Errorf("StoreDriver = %q BlobDir = %q", cfg.StoreDriver, cfg.BlobDir)
	}
	if cfg.Matching.AutoThreshold != 0.95 || cfg.Matching.ReviewThreshold != 0.6 {
		t.Errorf("thresholds = %v/%v", cfg.Matching.AutoThreshold, cfg.Matching.ReviewThreshold)
	}
	if cfg.Matching.ScoreTimeout != 2*time.Second {
		t.Errorf("ScoreTimeout = %v", cfg.Matching.ScoreTimeout)
	}
	if r, ok := cfg.FXRates["EUR/USD"]; !ok || r.String() != "1.08" {
		t.Errorf("FXRates = %v", cfg.FXRates)
	}
}

func TestFromEnv_Errors(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
		want string
	}{
		{"bad int", map[string]string{"MATCH_WINDOW_DAYS": "week"}, "MATCH_WINDOW_DAYS"},
		{"bad driver", map[string]string{"STORE_DRIVER": "postgres"}, "STORE_DRIVER"},
		{"inverted thresholds", map[string]string{"MATCH_AUTO_THRESHOLD": "0.4"}, "thresholds"},
		{"analysis shorter than scoring", map[string]string{"MATCH_ANALYSIS_TIMEOUT": "1s"}, "analysis timeout"},
		{"discord half set", map[string]string{"DISCORD_BOT_TOKEN": "x"}, "DISCORD"},
		{"bad rate", map[string]string{"FX_RATES": "EURUSD=1.1"}, "FX_RATES"},
		{"bad bool", map[string]string{"GEMINI_ENABLED": "maybe"}, "GEMINI_ENABLED"},
		{"negative rate", map[string]string{"FX_RATES": "EUR/USD=-1"}, "FX_RATES"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromEnv(lookup(tt.vars))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %q", err, tt.want)
			}
		})
	}
}
