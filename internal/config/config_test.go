package config

import (
	"strings"
	"testing"
	"time"

	"peerlink/native/internal/domain"
)

func setRequired(t *testing.T) {
	t.Setenv("PEERLINK_API_URL", "https://api.example.com")
	t.Setenv("PEERLINK_TOKEN", "jwt")
	t.Setenv("PEERLINK_ROOM", "lobby")
	t.Setenv("PEERLINK_MODE", "")
	t.Setenv("PEERLINK_REQUEST_TIMEOUT", "")
	t.Setenv("PEERLINK_METRICS_ADDR", "")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != domain.DirectionReceive {
		t.Errorf("Mode = %s, want receive", cfg.Mode)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Errorf("RequestTimeout = %s, want 15s", cfg.RequestTimeout)
	}
	if cfg.Room != "lobby" || cfg.Token != "jwt" || cfg.APIURL != "https://api.example.com" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PEERLINK_MODE", "send")
	t.Setenv("PEERLINK_REQUEST_TIMEOUT", "3s")
	t.Setenv("PEERLINK_METRICS_ADDR", ":9100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != domain.DirectionSend || cfg.RequestTimeout != 3*time.Second || cfg.MetricsAddr != ":9100" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"missing token", "PEERLINK_TOKEN", "", "PEERLINK_TOKEN"},
		{"missing room", "PEERLINK_ROOM", "", "PEERLINK_ROOM"},
		{"missing api url", "PEERLINK_API_URL", "", "PEERLINK_API_URL"},
		{"bad mode", "PEERLINK_MODE", "both", "PEERLINK_MODE"},
		{"bad timeout", "PEERLINK_REQUEST_TIMEOUT", "soon", "PEERLINK_REQUEST_TIMEOUT"},
		{"negative timeout", "PEERLINK_REQUEST_TIMEOUT", "-1s", "positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
