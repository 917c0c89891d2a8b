package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Routing.TicketMaxPoints != 8 {
		t.Errorf("ticket_max_points = %d, want 8", cfg.Routing.TicketMaxPoints)
	}
	if cfg.Aging.ThresholdHours["in_treatment"] != 48 {
		t.Errorf("in_treatment threshold = %d, want 48", cfg.Aging.ThresholdHours["in_treatment"])
	}
}

func TestValidateRejectsUnknownStage(t *testing.T) {
	cfg := Default()
	cfg.Aging.ThresholdHours["done"] = 10
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown stage in aging thresholds")
	}
}

func TestValidateRejectsNegativeRouting(t *testing.T) {
	cfg := Default()
	cfg.Routing.TicketMaxPoints = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative ticket_max_points")
	}
}

func TestValidateRejectsWebhookWithoutURL(t *testing.T) {
	cfg := Default()
	cfg.Webhooks = append(cfg.Webhooks, WebhookConfig{})
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for webhook without url")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("LoadOptional empty dir: %v", err)
	}
	if cfg.Pipeline.Name != "intake" {
		t.Errorf("pipeline name = %q, want intake", cfg.Pipeline.Name)
	}

	bad := []byte("routing:\n  ticket_max_points: -3\n")
	if err := os.WriteFile(filepath.Join(dir, "intakeline.yml"), bad, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOptional(dir); err == nil {
		t.Fatal("expected validation error from file")
	}
}
